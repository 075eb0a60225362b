package model

import "time"

// OrderEvent 订单时间线，由 Kafka 消费者按 EventID 幂等写入。
type OrderEvent struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	CreatedAt time.Time `json:"created_at"`

	EventID     string `gorm:"size:32;uniqueIndex;not null" json:"event_id"`
	Type        string `gorm:"size:64;not null" json:"type"`
	OrderID     string `gorm:"size:36;not null;index" json:"order_id"`
	OrderNumber string `gorm:"size:32" json:"order_number"`
	ItemID      string `gorm:"size:36" json:"item_id,omitempty"`
	FromStatus  string `gorm:"size:32" json:"from_status,omitempty"`
	ToStatus    string `gorm:"size:32" json:"to_status,omitempty"`
	FromPayment string `gorm:"size:32" json:"from_payment,omitempty"`
	ToPayment   string `gorm:"size:32" json:"to_payment,omitempty"`
	Actor       string `gorm:"size:64" json:"actor,omitempty"`

	OccurredAt time.Time `gorm:"not null;index" json:"occurred_at"`
}

func (OrderEvent) TableName() string { return "order_events" }

// All 返回需要迁移的全部模型。
func All() []any {
	return []any{
		&Product{}, &PromoCode{}, &ShippingAddress{}, &Order{}, &OrderItem{},
		&PaymentProof{}, &CheckoutRequest{}, &OrderEvent{},
	}
}
