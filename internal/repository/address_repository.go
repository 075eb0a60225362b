package repository

import (
	"context"

	"gorm.io/gorm"

	"storefront/internal/apperr"
	"storefront/internal/model"
)

// AddressRepository 地址簿仓储。每个用户至多一条默认地址。
type AddressRepository interface {
	// Create 新地址 IsDefault=true 时，先清除该用户其它默认地址
	Create(ctx context.Context, addr *model.ShippingAddress) error
	Get(ctx context.Context, id string) (*model.ShippingAddress, error)
	ListByUser(ctx context.Context, userID string) ([]model.ShippingAddress, error)
	SetDefault(ctx context.Context, userID, id string) error
	// Delete 仅删除本人且未被订单引用的地址；被引用时返回 Conflict
	Delete(ctx context.Context, userID, id string) error
}

type addressRepository struct {
	db *gorm.DB
}

func NewAddressRepository(db *gorm.DB) AddressRepository {
	return &addressRepository{db: db}
}

func (r *addressRepository) Create(ctx context.Context, addr *model.ShippingAddress) error {
	return conn(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		if addr.IsDefault {
			err := tx.Model(&model.ShippingAddress{}).
				Where("user_id = ? AND is_default = ?", addr.UserID, true).
				Update("is_default", false).Error
			if err != nil {
				return mapError("addresses.clear_default", err)
			}
		}
		return mapError("addresses.create", tx.Create(addr).Error)
	})
}

func (r *addressRepository) Get(ctx context.Context, id string) (*model.ShippingAddress, error) {
	var addr model.ShippingAddress
	if err := conn(ctx, r.db).Where("id = ?", id).First(&addr).Error; err != nil {
		return nil, mapError("addresses.get", err)
	}
	return &addr, nil
}

func (r *addressRepository) ListByUser(ctx context.Context, userID string) ([]model.ShippingAddress, error) {
	var out []model.ShippingAddress
	err := conn(ctx, r.db).
		Where("user_id = ?", userID).
		Order("is_default DESC, created_at DESC").
		Find(&out).Error
	return out, mapError("addresses.list", err)
}

func (r *addressRepository) SetDefault(ctx context.Context, userID, id string) error {
	return conn(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.ShippingAddress{}).Where("id = ? AND user_id = ?", id, userID).Count(&n).Error; err != nil {
			return mapError("addresses.set_default", err)
		}
		if n == 0 {
			return apperr.New(apperr.KindNotFound, "addresses.set_default", "address not found")
		}
		err := tx.Model(&model.ShippingAddress{}).
			Where("user_id = ? AND id <> ? AND is_default = ?", userID, id, true).
			Update("is_default", false).Error
		if err != nil {
			return mapError("addresses.set_default", err)
		}
		return mapError("addresses.set_default",
			tx.Model(&model.ShippingAddress{}).Where("id = ?", id).Update("is_default", true).Error)
	})
}

func (r *addressRepository) Delete(ctx context.Context, userID, id string) error {
	const op = "addresses.delete"

	return conn(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&model.ShippingAddress{}).Where("id = ? AND user_id = ?", id, userID).Count(&n).Error; err != nil {
			return mapError(op, err)
		}
		if n == 0 {
			return apperr.New(apperr.KindNotFound, op, "address not found")
		}
		if err := tx.Model(&model.Order{}).
			Where("shipping_address_id = ? OR billing_address_id = ?", id, id).
			Count(&n).Error; err != nil {
			return mapError(op, err)
		}
		if n > 0 {
			return apperr.New(apperr.KindConflict, op, "address is referenced by an order")
		}
		return mapError(op, tx.Where("id = ?", id).Delete(&model.ShippingAddress{}).Error)
	})
}
