package repository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"storefront/internal/apperr"
	"storefront/internal/model"
)

// OrderFilter 后台订单列表筛选条件。
type OrderFilter struct {
	Status        model.OrderStatus
	PaymentStatus model.PaymentStatus
	// Search 模糊匹配订单号、用户 ID 与收货人姓名/邮箱。
	Search string
	Page   Page
}

// OrderRepository 订单聚合（订单、订单行、付款凭证）仓储接口
type OrderRepository interface {
	// Create 创建订单主记录（不级联关联）
	Create(ctx context.Context, order *model.Order) error
	CreateItems(ctx context.Context, items []model.OrderItem) error
	CreateProof(ctx context.Context, proof *model.PaymentProof) error

	// Get 查询订单并加载订单行、凭证与地址
	Get(ctx context.Context, orderID string) (*model.Order, error)
	GetItem(ctx context.Context, itemID string) (*model.OrderItem, error)
	ListByUser(ctx context.Context, userID string, page Page) ([]model.Order, int64, error)
	List(ctx context.Context, filter OrderFilter) ([]model.Order, int64, error)

	// UpdateState 以读取时的状态为条件更新，状态已被并发修改时返回 Conflict
	UpdateState(ctx context.Context, orderID string, expect StateGuard, fields map[string]any) error
	UpdateFields(ctx context.Context, orderID string, fields map[string]any) error
	UpdateItemFields(ctx context.Context, itemID string, fields map[string]any) error
	UpdateProofFields(ctx context.Context, proofID string, fields map[string]any) error

	// Delete 物理删除：先删凭证，再删订单行，最后删订单
	Delete(ctx context.Context, orderID string) error
}

// StateGuard 条件更新的期望状态。
type StateGuard struct {
	Status        model.OrderStatus
	PaymentStatus model.PaymentStatus
}

type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository 创建订单仓储
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) Create(ctx context.Context, order *model.Order) error {
	err := conn(ctx, r.db).Omit(clause.Associations).Create(order).Error
	return mapError("orders.create", err)
}

func (r *orderRepository) CreateItems(ctx context.Context, items []model.OrderItem) error {
	if len(items) == 0 {
		return nil
	}
	return mapError("order_items.create", conn(ctx, r.db).Create(&items).Error)
}

func (r *orderRepository) CreateProof(ctx context.Context, proof *model.PaymentProof) error {
	return mapError("payment_proofs.create", conn(ctx, r.db).Create(proof).Error)
}

func (r *orderRepository) Get(ctx context.Context, orderID string) (*model.Order, error) {
	var order model.Order
	err := conn(ctx, r.db).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC, created_at ASC, id ASC") }).
		Preload("PaymentProofs", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC") }).
		Preload("ShippingAddress").
		Preload("BillingAddress").
		Where("id = ?", orderID).
		First(&order).Error
	if err != nil {
		return nil, mapError("orders.get", err)
	}
	return &order, nil
}

func (r *orderRepository) GetItem(ctx context.Context, itemID string) (*model.OrderItem, error) {
	var item model.OrderItem
	if err := conn(ctx, r.db).Where("id = ?", itemID).First(&item).Error; err != nil {
		return nil, mapError("order_items.get", err)
	}
	return &item, nil
}

func (r *orderRepository) ListByUser(ctx context.Context, userID string, page Page) ([]model.Order, int64, error) {
	page = page.normalize()
	q := conn(ctx, r.db).Model(&model.Order{}).Where("user_id = ?", userID).Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, mapError("orders.list_by_user", err)
	}
	var orders []model.Order
	err := q.Preload("Items").
		Order("created_at DESC").
		Offset(page.offset()).
		Limit(page.PageSize).
		Find(&orders).Error
	if err != nil {
		return nil, 0, mapError("orders.list_by_user", err)
	}
	return orders, total, nil
}

func (r *orderRepository) List(ctx context.Context, filter OrderFilter) ([]model.Order, int64, error) {
	page := filter.Page.normalize()
	q := conn(ctx, r.db).Model(&model.Order{})
	if filter.Status != "" {
		q = q.Where("orders.status = ?", filter.Status)
	}
	if filter.PaymentStatus != "" {
		q = q.Where("orders.payment_status = ?", filter.PaymentStatus)
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		addr := conn(ctx, r.db).Model(&model.ShippingAddress{}).
			Select("id").
			Where("LOWER(full_name) LIKE ? OR LOWER(email) LIKE ?", like, like)
		q = q.Where("LOWER(orders.order_number) LIKE ? OR LOWER(orders.user_id) LIKE ? OR orders.shipping_address_id IN (?)",
			like, like, addr)
	}
	// 统计与分页查询共用同一组条件
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, mapError("orders.list", err)
	}
	var orders []model.Order
	err := q.Preload("ShippingAddress").
		Order("orders.created_at DESC").
		Offset(page.offset()).
		Limit(page.PageSize).
		Find(&orders).Error
	if err != nil {
		return nil, 0, mapError("orders.list", err)
	}
	return orders, total, nil
}

func (r *orderRepository) UpdateState(ctx context.Context, orderID string, expect StateGuard, fields map[string]any) error {
	res := conn(ctx, r.db).Model(&model.Order{}).
		Where("id = ? AND status = ? AND payment_status = ?", orderID, expect.Status, expect.PaymentStatus).
		Updates(withUpdatedAt(fields))
	if res.Error != nil {
		return mapError("orders.update_state", res.Error)
	}
	if res.RowsAffected == 0 {
		return r.missingOrConflict(ctx, orderID)
	}
	return nil
}

func (r *orderRepository) UpdateFields(ctx context.Context, orderID string, fields map[string]any) error {
	res := conn(ctx, r.db).Model(&model.Order{}).Where("id = ?", orderID).Updates(withUpdatedAt(fields))
	if res.Error != nil {
		return mapError("orders.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.KindNotFound, "orders.update", "order not found")
	}
	return nil
}

func (r *orderRepository) UpdateItemFields(ctx context.Context, itemID string, fields map[string]any) error {
	res := conn(ctx, r.db).Model(&model.OrderItem{}).Where("id = ?", itemID).Updates(withUpdatedAt(fields))
	if res.Error != nil {
		return mapError("order_items.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.KindNotFound, "order_items.update", "order item not found")
	}
	return nil
}

func (r *orderRepository) UpdateProofFields(ctx context.Context, proofID string, fields map[string]any) error {
	res := conn(ctx, r.db).Model(&model.PaymentProof{}).Where("id = ?", proofID).Updates(withUpdatedAt(fields))
	if res.Error != nil {
		return mapError("payment_proofs.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.KindNotFound, "payment_proofs.update", "payment proof not found")
	}
	return nil
}

// Delete 没有外键级联，子表必须先于订单删除。
func (r *orderRepository) Delete(ctx context.Context, orderID string) error {
	return conn(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("order_id = ?", orderID).Delete(&model.PaymentProof{}).Error; err != nil {
			return mapError("payment_proofs.delete", err)
		}
		if err := tx.Where("order_id = ?", orderID).Delete(&model.OrderItem{}).Error; err != nil {
			return mapError("order_items.delete", err)
		}
		res := tx.Where("id = ?", orderID).Delete(&model.Order{})
		if res.Error != nil {
			return mapError("orders.delete", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.KindNotFound, "orders.delete", "order not found")
		}
		return nil
	})
}

func (r *orderRepository) missingOrConflict(ctx context.Context, orderID string) error {
	var n int64
	if err := conn(ctx, r.db).Model(&model.Order{}).Where("id = ?", orderID).Count(&n).Error; err != nil {
		return mapError("orders.update_state", err)
	}
	if n == 0 {
		return apperr.New(apperr.KindNotFound, "orders.update_state", "order not found")
	}
	return apperr.New(apperr.KindConflict, "orders.update_state", "order was modified concurrently")
}

func withUpdatedAt(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	if _, ok := out["updated_at"]; !ok {
		out["updated_at"] = time.Now().UTC()
	}
	return out
}
