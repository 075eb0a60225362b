package model

import "time"

// ShippingAddress 用户地址簿。IsDefault 对每个用户至多一条为 true。
type ShippingAddress struct {
	ID        string    `gorm:"primarykey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID       string `gorm:"size:64;not null;index" json:"user_id"`
	FullName     string `gorm:"size:128;not null" json:"full_name"`
	Phone        string `gorm:"size:32;not null" json:"phone"`
	Email        string `gorm:"size:128" json:"email"`
	AddressLine1 string `gorm:"size:255;not null" json:"address_line1"`
	AddressLine2 string `gorm:"size:255" json:"address_line2"`
	City         string `gorm:"size:64;not null" json:"city"`
	State        string `gorm:"size:64" json:"state"`
	PostalCode   string `gorm:"size:16" json:"postal_code"`
	Country      string `gorm:"size:64;not null" json:"country"`
	IsDefault    bool   `gorm:"not null;default:false;index" json:"is_default"`
}

func (ShippingAddress) TableName() string { return "shipping_addresses" }
