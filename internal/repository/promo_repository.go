package repository

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"storefront/internal/model"
)

// PromoRepository 优惠码仓储。
type PromoRepository interface {
	FindByCode(ctx context.Context, code string) (*model.PromoCode, error)
	Create(ctx context.Context, p *model.PromoCode) error
	// IncrementUsage 条件自增：仅在未达使用上限时 +1，返回是否成功占用一次
	IncrementUsage(ctx context.Context, promoID string) (bool, error)
}

type promoRepository struct {
	db *gorm.DB
}

func NewPromoRepository(db *gorm.DB) PromoRepository {
	return &promoRepository{db: db}
}

// FindByCode 大小写不敏感，入库时统一大写。
func (r *promoRepository) FindByCode(ctx context.Context, code string) (*model.PromoCode, error) {
	var p model.PromoCode
	err := conn(ctx, r.db).Where("code = ?", strings.ToUpper(strings.TrimSpace(code))).First(&p).Error
	if err != nil {
		return nil, mapError("promo_codes.find", err)
	}
	return &p, nil
}

func (r *promoRepository) Create(ctx context.Context, p *model.PromoCode) error {
	p.Code = strings.ToUpper(strings.TrimSpace(p.Code))
	return mapError("promo_codes.create", conn(ctx, r.db).Create(p).Error)
}

func (r *promoRepository) IncrementUsage(ctx context.Context, promoID string) (bool, error) {
	res := conn(ctx, r.db).Model(&model.PromoCode{}).
		Where("id = ? AND (usage_limit IS NULL OR usage_count < usage_limit)", promoID).
		UpdateColumn("usage_count", gorm.Expr("usage_count + ?", 1))
	if res.Error != nil {
		return false, mapError("promo_codes.increment_usage", res.Error)
	}
	return res.RowsAffected == 1, nil
}
