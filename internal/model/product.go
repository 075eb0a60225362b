package model

import (
	"time"

	"gorm.io/gorm"
)

// Product 目录商品。结账时按名称查找，不存在则由解析器补建占位行。
type Product struct {
	ID        string         `gorm:"primarykey;size:36" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// Name 唯一，防止并发结账重复补建同名商品。
	Name     string `gorm:"size:255;uniqueIndex;not null" json:"name"`
	Category string `gorm:"size:64;not null" json:"category"`
	Price    int64  `gorm:"not null;default:0" json:"price"` // 整数货币单位
	Stock    int64  `gorm:"not null;default:0" json:"stock"`
	InStock  bool   `gorm:"not null;default:false" json:"in_stock"`
	IsActive bool   `gorm:"not null;default:false" json:"is_active"`
}

func (Product) TableName() string { return "products" }
