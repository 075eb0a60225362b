package queue

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"storefront/internal/repository"
)

// Consumer 消费订单事件并写入时间线表。
type Consumer struct {
	r      *kafka.Reader
	events repository.EventRepository
	log    *zap.Logger
}

func NewConsumer(brokers []string, topic, groupID string, events repository.EventRepository, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		events: events,
		log:    log.Named("timeline"),
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

// Run 读取即提交（ReadMessage 自动提交 offset）；落库按 event_id 幂等，重复投递无副作用。
func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}
		c.handle(ctx, m.Value)
	}
}

func (c *Consumer) handle(ctx context.Context, value []byte) {
	var msg OrderEventMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		c.log.Warn("consumer unmarshal", zap.Error(err))
		return
	}
	if err := msg.Validate(); err != nil {
		c.log.Warn("consumer drop invalid event", zap.Error(err))
		return
	}
	ev := msg.ToModel()
	if err := c.events.Append(ctx, &ev); err != nil {
		c.log.Error("consumer persist event",
			zap.String("event_id", msg.EventID),
			zap.String("order_id", msg.OrderID),
			zap.Error(err))
	}
}
