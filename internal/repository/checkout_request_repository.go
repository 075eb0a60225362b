package repository

import (
	"context"

	"gorm.io/gorm"

	"storefront/internal/apperr"
	"storefront/internal/model"
)

// CheckoutRequestRepository 结账幂等记录。RequestID 唯一索引是最终防线。
type CheckoutRequestRepository interface {
	// Create 插入 Pending 记录；重复 RequestID 返回 KindConflict
	Create(ctx context.Context, req *model.CheckoutRequest) error
	FindByRequestID(ctx context.Context, requestID string) (*model.CheckoutRequest, error)
	MarkSuccess(ctx context.Context, requestID, orderID, orderNo string) error
	MarkFailed(ctx context.Context, requestID, reason string) error
	// Reset 将 Failed 记录重新置为 Pending，只有一个重试者能成功
	Reset(ctx context.Context, requestID string) (bool, error)
}

type checkoutRequestRepository struct {
	db *gorm.DB
}

func NewCheckoutRequestRepository(db *gorm.DB) CheckoutRequestRepository {
	return &checkoutRequestRepository{db: db}
}

func (r *checkoutRequestRepository) Create(ctx context.Context, req *model.CheckoutRequest) error {
	return mapError("checkout_requests.create", conn(ctx, r.db).Create(req).Error)
}

func (r *checkoutRequestRepository) FindByRequestID(ctx context.Context, requestID string) (*model.CheckoutRequest, error) {
	var req model.CheckoutRequest
	if err := conn(ctx, r.db).Where("request_id = ?", requestID).First(&req).Error; err != nil {
		return nil, mapError("checkout_requests.find", err)
	}
	return &req, nil
}

func (r *checkoutRequestRepository) MarkSuccess(ctx context.Context, requestID, orderID, orderNo string) error {
	res := conn(ctx, r.db).Model(&model.CheckoutRequest{}).
		Where("request_id = ? AND status = ?", requestID, model.CheckoutRequestPending).
		Updates(map[string]any{
			"status":    model.CheckoutRequestSuccess,
			"order_id":  orderID,
			"order_no":  orderNo,
			"error_msg": "",
		})
	if res.Error != nil {
		return mapError("checkout_requests.mark_success", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.KindConflict, "checkout_requests.mark_success", "checkout request is not pending")
	}
	return nil
}

func (r *checkoutRequestRepository) MarkFailed(ctx context.Context, requestID, reason string) error {
	if len(reason) > 255 {
		reason = reason[:255]
	}
	err := conn(ctx, r.db).Model(&model.CheckoutRequest{}).
		Where("request_id = ? AND status = ?", requestID, model.CheckoutRequestPending).
		Updates(map[string]any{
			"status":    model.CheckoutRequestFailed,
			"error_msg": reason,
		}).Error
	return mapError("checkout_requests.mark_failed", err)
}

func (r *checkoutRequestRepository) Reset(ctx context.Context, requestID string) (bool, error) {
	res := conn(ctx, r.db).Model(&model.CheckoutRequest{}).
		Where("request_id = ? AND status = ?", requestID, model.CheckoutRequestFailed).
		Updates(map[string]any{
			"status":    model.CheckoutRequestPending,
			"error_msg": "",
		})
	if res.Error != nil {
		return false, mapError("checkout_requests.reset", res.Error)
	}
	return res.RowsAffected == 1, nil
}

