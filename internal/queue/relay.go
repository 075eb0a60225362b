package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Publisher Kafka 写入抽象，便于测试替换。
type Publisher interface {
	Publish(ctx context.Context, msg OrderEventMessage) error
}

// Relay 将 Redis Stream 事件异步转发到 Kafka。
// 语义：发布 Kafka 成功后才 ACK Stream，失败则保留消息等待重试。
type Relay struct {
	rdb       *rd.Client
	publisher Publisher
	log       *zap.Logger

	stream   string
	group    string
	consumer string
}

func NewRelay(rdb *rd.Client, publisher Publisher, log *zap.Logger, stream, group, consumer string) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		rdb:       rdb,
		publisher: publisher,
		log:       log.Named("relay"),
		stream:    stream,
		group:     group,
		consumer:  consumer,
	}
}

func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		r.log.Error("relay ensure group", zap.String("stream", r.stream), zap.Error(err))
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.drain(ctx, 2*time.Second); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			r.log.Warn("relay read", zap.Error(err))
			time.Sleep(300 * time.Millisecond)
		}
	}
}

// drain 处理一轮消息：先处理本消费者历史 pending，没有再阻塞读取新消息。返回成功转发条数。
func (r *Relay) drain(ctx context.Context, block time.Duration) (int, error) {
	msgs, err := r.readGroup(ctx, "0", 0)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		msgs, err = r.readGroup(ctx, ">", block)
		if err != nil {
			return 0, err
		}
	}

	n := 0
	for _, xm := range msgs {
		if err := r.processOne(ctx, xm); err != nil {
			// 发布失败不 ACK，消息会继续保留用于重试。
			r.log.Warn("relay process message", zap.String("id", xm.ID), zap.Error(err))
			time.Sleep(200 * time.Millisecond)
			break
		}
		n++
	}
	return n, nil
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	args := &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
		NoAck:    false,
	}
	// Block=0 在 go-redis 中表示无限阻塞，读 pending 时不阻塞
	if block <= 0 {
		args.Block = -1
	}
	streams, err := r.rdb.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	msg, err := parseOrderEvent(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		r.log.Warn("relay drop malformed message", zap.String("id", xm.ID), zap.Error(err))
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.publisher.Publish(pubCtx, msg); err != nil {
		return err
	}
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parseOrderEvent(values map[string]interface{}) (OrderEventMessage, error) {
	var msg OrderEventMessage
	required := map[string]*string{
		"event_id": &msg.EventID,
		"type":     &msg.Type,
		"order_id": &msg.OrderID,
	}
	for key, dst := range required {
		v, err := getStreamString(values, key)
		if err != nil {
			return OrderEventMessage{}, err
		}
		*dst = v
	}
	optional := map[string]*string{
		"order_number": &msg.OrderNumber,
		"item_id":      &msg.ItemID,
		"from_status":  &msg.FromStatus,
		"to_status":    &msg.ToStatus,
		"from_payment": &msg.FromPayment,
		"to_payment":   &msg.ToPayment,
		"actor":        &msg.Actor,
	}
	for key, dst := range optional {
		if v, err := getStreamString(values, key); err == nil {
			*dst = v
		}
	}

	at, err := getStreamString(values, "occurred_at")
	if err != nil {
		return OrderEventMessage{}, err
	}
	msg.OccurredAt, err = time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return OrderEventMessage{}, fmt.Errorf("invalid occurred_at %q", at)
	}

	if err := msg.Validate(); err != nil {
		return OrderEventMessage{}, err
	}
	return msg, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
