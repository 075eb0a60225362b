package checkout

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	pkgredis "storefront/pkg/redis"
)

// compensation 已完成步骤的撤销动作。
type compensation struct {
	step string
	undo func(ctx context.Context) error
}

// saga 记录已完成步骤，失败时逆序补偿。订单事务提交是枢轴点，之后不再登记补偿。
type saga struct {
	requestID string
	rdb       rd.Scripter
	log       *zap.Logger
	timeout   time.Duration
	done      []compensation
}

func (s *saga) record(step string, undo func(ctx context.Context) error) {
	s.done = append(s.done, compensation{step: step, undo: undo})
}

// compensate 在脱离取消信号的 context 上执行，请求被中断时也能清理。
// 同一请求的同一步骤经 Redis 标记只执行一次。
func (s *saga) compensate(parent context.Context, cause error) {
	if len(s.done) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.timeout)
	defer cancel()
	span := trace.SpanFromContext(parent)

	for i := len(s.done) - 1; i >= 0; i-- {
		c := s.done[i]
		if s.rdb != nil {
			first, err := pkgredis.ClaimCompensationOnce(ctx, s.rdb, s.requestID, c.step)
			if err == nil && !first {
				continue
			}
		}
		span.AddEvent("compensate", trace.WithAttributes(attribute.String("step", c.step)))
		if err := c.undo(ctx); err != nil {
			s.log.Error("checkout compensation failed",
				zap.String("request_id", s.requestID),
				zap.String("step", c.step),
				zap.NamedError("cause", cause),
				zap.Error(err))
			continue
		}
		s.log.Info("checkout step compensated",
			zap.String("request_id", s.requestID),
			zap.String("step", c.step),
			zap.NamedError("cause", cause))
	}
	s.done = nil
}
