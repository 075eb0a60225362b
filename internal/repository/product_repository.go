package repository

import (
	"context"

	"gorm.io/gorm"

	"storefront/internal/model"
)

// ProductRepository 商品查询与占位补建。
type ProductRepository interface {
	FindByName(ctx context.Context, name string) (*model.Product, error)
	Create(ctx context.Context, p *model.Product) error
}

type productRepository struct {
	db *gorm.DB
}

func NewProductRepository(db *gorm.DB) ProductRepository {
	return &productRepository{db: db}
}

// FindByName 精确匹配名称；未找到返回 KindNotFound。
func (r *productRepository) FindByName(ctx context.Context, name string) (*model.Product, error) {
	var p model.Product
	if err := conn(ctx, r.db).Where("name = ?", name).First(&p).Error; err != nil {
		return nil, mapError("products.find_by_name", err)
	}
	return &p, nil
}

// Create 名称冲突时返回 KindConflict，由调用方重读。
func (r *productRepository) Create(ctx context.Context, p *model.Product) error {
	return mapError("products.create", conn(ctx, r.db).Create(p).Error)
}
