package model

import "time"

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// PromoCode 优惠码。UsageCount 只增不减，订单取消也不回退。
type PromoCode struct {
	ID        string    `gorm:"primarykey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Code              string       `gorm:"size:64;uniqueIndex;not null" json:"code"`
	Description       string       `gorm:"size:255" json:"description"`
	DiscountType      DiscountType `gorm:"size:16;not null" json:"discount_type"`
	DiscountValue     int64        `gorm:"not null" json:"discount_value"`
	MinOrderAmount    *int64       `json:"min_order_amount,omitempty"`
	MaxDiscountAmount *int64       `json:"max_discount_amount,omitempty"`
	StartsAt          *time.Time   `json:"starts_at,omitempty"`
	ExpiresAt         *time.Time   `json:"expires_at,omitempty"`
	UsageLimit        *int         `json:"usage_limit,omitempty"`
	UsageCount        int          `gorm:"not null;default:0" json:"usage_count"`
	IsActive          bool         `gorm:"not null" json:"is_active"`
}

func (PromoCode) TableName() string { return "promo_codes" }
