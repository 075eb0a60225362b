package queue

import (
	"context"

	rd "github.com/redis/go-redis/v9"

	"storefront/internal/model"
)

// Outbox 将订单事件写入 Redis Stream，由 Relay 异步转发到 Kafka。
type Outbox struct {
	rdb    rd.Cmdable
	stream string
	maxLen int64
}

func NewOutbox(rdb rd.Cmdable, stream string) *Outbox {
	return &Outbox{rdb: rdb, stream: stream, maxLen: 100000}
}

// Publish 一批事件用一个 pipeline 写入，保持同一订单内的先后顺序。
func (o *Outbox) Publish(ctx context.Context, events []model.OrderEvent) error {
	if len(events) == 0 {
		return nil
	}
	pipe := o.rdb.TxPipeline()
	for _, ev := range events {
		pipe.XAdd(ctx, &rd.XAddArgs{
			Stream: o.stream,
			MaxLen: o.maxLen,
			Approx: true,
			Values: FromModel(ev).streamValues(),
		})
	}
	_, err := pipe.Exec(ctx)
	return err
}
