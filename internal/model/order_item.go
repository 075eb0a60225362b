package model

import "time"

// ProductType 商品类型封闭枚举。
type ProductType string

const (
	ProductGiftCard         ProductType = "gift_card"
	ProductGamePoints       ProductType = "game_points"
	ProductXboxGame         ProductType = "xbox_game"
	ProductStreamingService ProductType = "streaming_service"
	ProductSoftware         ProductType = "software"
)

func (t ProductType) Valid() bool {
	switch t {
	case ProductGiftCard, ProductGamePoints, ProductXboxGame, ProductStreamingService, ProductSoftware:
		return true
	}
	return false
}

// OrderItem 订单行。ProductName/UnitPrice 为下单时快照，不随商品变化。
type OrderItem struct {
	ID        string    `gorm:"primarykey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID     string      `gorm:"size:36;not null;index" json:"order_id"`
	// Position 购物车中的行序，从 0 开始。
	Position    int         `gorm:"not null;default:0" json:"position"`
	ProductID   string      `gorm:"size:36;not null;index" json:"product_id"`
	ProductName string      `gorm:"size:255;not null" json:"product_name"`
	ProductType ProductType `gorm:"size:32;not null" json:"product_type"`
	Quantity    int         `gorm:"not null" json:"quantity"`
	UnitPrice   int64       `gorm:"not null" json:"unit_price"`
	Subtotal    int64       `gorm:"not null" json:"subtotal"`

	IsDelivered bool       `gorm:"not null;default:false" json:"is_delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

func (OrderItem) TableName() string { return "order_items" }
