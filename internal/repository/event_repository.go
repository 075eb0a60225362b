package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"storefront/internal/model"
)

// EventRepository 订单时间线。
type EventRepository interface {
	// Append 按 EventID 幂等写入，重复投递直接忽略
	Append(ctx context.Context, ev *model.OrderEvent) error
	ListByOrder(ctx context.Context, orderID string) ([]model.OrderEvent, error)
}

type eventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) EventRepository {
	return &eventRepository{db: db}
}

func (r *eventRepository) Append(ctx context.Context, ev *model.OrderEvent) error {
	err := conn(ctx, r.db).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(ev).Error
	return mapError("order_events.append", err)
}

func (r *eventRepository) ListByOrder(ctx context.Context, orderID string) ([]model.OrderEvent, error) {
	var out []model.OrderEvent
	err := conn(ctx, r.db).
		Where("order_id = ?", orderID).
		Order("occurred_at ASC, id ASC").
		Find(&out).Error
	return out, mapError("order_events.list", err)
}
