package model

import (
	"time"
)

// OrderStatus 订单主状态。
type OrderStatus string

const (
	OrderPending             OrderStatus = "pending"
	OrderPaymentVerification OrderStatus = "payment_verification"
	OrderProcessing          OrderStatus = "processing"
	OrderShipped             OrderStatus = "shipped"
	OrderDelivered           OrderStatus = "delivered"
	OrderCompleted           OrderStatus = "completed"
	OrderCancelled           OrderStatus = "cancelled"
	OrderRefunded            OrderStatus = "refunded"
)

// Valid 判断是否为已知状态。
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderPaymentVerification, OrderProcessing, OrderShipped,
		OrderDelivered, OrderCompleted, OrderCancelled, OrderRefunded:
		return true
	}
	return false
}

// PaymentStatus 支付核验状态，与 OrderStatus 相互独立。
type PaymentStatus string

const (
	PaymentPending               PaymentStatus = "pending"
	PaymentVerificationRequired  PaymentStatus = "verification_required"
	PaymentVerificationSubmitted PaymentStatus = "verification_submitted"
	PaymentVerified              PaymentStatus = "verified"
	PaymentFailed                PaymentStatus = "failed"
	PaymentRefunded              PaymentStatus = "refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentVerificationRequired, PaymentVerificationSubmitted,
		PaymentVerified, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// PaymentMethod 线下支付方式。除货到付款外都需要上传付款凭证。
type PaymentMethod string

const (
	PaymentEsewa          PaymentMethod = "esewa"
	PaymentKhalti         PaymentMethod = "khalti"
	PaymentBankTransfer   PaymentMethod = "bank_transfer"
	PaymentCashOnDelivery PaymentMethod = "cash_on_delivery"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentEsewa, PaymentKhalti, PaymentBankTransfer, PaymentCashOnDelivery:
		return true
	}
	return false
}

// RequiresProof 货到付款无需凭证。
func (m PaymentMethod) RequiresProof() bool { return m != PaymentCashOnDelivery }

// Order 订单聚合根。金额均为整数货币单位，不含小数。
type Order struct {
	ID        string    `gorm:"primarykey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// OrderNumber 仅用于展示，唯一索引 + 冲突重试保证不重复。
	OrderNumber   string        `gorm:"size:32;uniqueIndex;not null" json:"order_number"`
	UserID        string        `gorm:"size:64;not null;index" json:"user_id"`
	Status        OrderStatus   `gorm:"size:32;not null;index" json:"status"`
	PaymentStatus PaymentStatus `gorm:"size:32;not null;index" json:"payment_status"`
	PaymentMethod PaymentMethod `gorm:"size:32;not null" json:"payment_method"`

	Subtotal    int64 `gorm:"not null" json:"subtotal"`
	ShippingFee int64 `gorm:"not null;default:0" json:"shipping_fee"`
	Tax         int64 `gorm:"not null;default:0" json:"tax"`
	Discount    int64 `gorm:"not null;default:0" json:"discount"`
	Total       int64 `gorm:"not null" json:"total"`

	PromoCodeID       *string `gorm:"size:36;index" json:"promo_code_id,omitempty"`
	ShippingAddressID *string `gorm:"size:36" json:"shipping_address_id,omitempty"`
	BillingAddressID  *string `gorm:"size:36" json:"billing_address_id,omitempty"`

	Notes      string `gorm:"size:1024" json:"notes"`
	AdminNotes string `gorm:"size:2048" json:"admin_notes,omitempty"`

	// RequestID 关联 checkout_requests，便于重放同一次提交的结果。
	RequestID string `gorm:"size:64;uniqueIndex;not null" json:"request_id"`

	Items           []OrderItem      `gorm:"foreignKey:OrderID" json:"items,omitempty"`
	PaymentProofs   []PaymentProof   `gorm:"foreignKey:OrderID" json:"payment_proofs,omitempty"`
	ShippingAddress *ShippingAddress `gorm:"foreignKey:ShippingAddressID" json:"shipping_address,omitempty"`
	BillingAddress  *ShippingAddress `gorm:"foreignKey:BillingAddressID" json:"billing_address,omitempty"`
}

func (Order) TableName() string { return "orders" }

// ComputeTotal = subtotal + shipping_fee + tax - discount，下限为 0。
func ComputeTotal(subtotal, shippingFee, tax, discount int64) int64 {
	total := subtotal + shippingFee + tax - discount
	if total < 0 {
		return 0
	}
	return total
}

// LatestProof 返回最近一次提交的付款凭证，时间相同时取靠后的一条。
func (o *Order) LatestProof() *PaymentProof {
	var latest *PaymentProof
	for i := range o.PaymentProofs {
		p := &o.PaymentProofs[i]
		if latest == nil || !p.CreatedAt.Before(latest.CreatedAt) {
			latest = p
		}
	}
	return latest
}
