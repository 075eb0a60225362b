package checkout

import (
	"context"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"storefront/internal/apperr"
	"storefront/internal/model"
	"storefront/internal/repository"
	pkgredis "storefront/pkg/redis"
)

// guard 结账幂等：Redis 锁 + 状态缓存挡住重复点击，checkout_requests 唯一行为最终依据。
type guard struct {
	rdb      rd.Cmdable
	requests repository.CheckoutRequestRepository
	log      *zap.Logger
	lockTTL  time.Duration
	stateTTL time.Duration
}

// reservation begin 的结果。replay 非空表示该请求已成功，直接返回原订单。
type reservation struct {
	replay  *Result
	release func()
}

func (g *guard) begin(ctx context.Context, requestID, userID string) (reservation, error) {
	const op = "checkout.guard"

	if g.rdb != nil {
		st, found, err := pkgredis.GetRequestState(ctx, g.rdb, requestID)
		switch {
		case err != nil:
			g.log.Warn("request state cache unavailable", zap.String("request_id", requestID), zap.Error(err))
		case found && st.Status == pkgredis.RequestSuccess:
			return reservation{replay: &Result{RequestID: requestID, OrderID: st.OrderID, OrderNumber: st.OrderNo, Replayed: true}}, nil
		}
	}

	release := func() {}
	locked := false
	if g.rdb != nil {
		owner := uuid.NewString()
		ok, err := pkgredis.AcquireCheckoutLock(ctx, g.rdb, requestID, owner, g.lockTTL)
		switch {
		case err != nil:
			// Redis 不可用时退化为仅依赖数据库唯一行
			g.log.Warn("checkout lock unavailable", zap.String("request_id", requestID), zap.Error(err))
		case !ok:
			return reservation{}, apperr.New(apperr.KindInProgress, op, "checkout is already being processed")
		default:
			locked = true
			release = func() {
				ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
				defer cancel()
				if err := pkgredis.ReleaseCheckoutLock(ctx, g.rdb, requestID, owner); err != nil {
					g.log.Warn("release checkout lock failed", zap.String("request_id", requestID), zap.Error(err))
				}
			}
		}
	}

	res, err := g.claim(ctx, requestID, userID, locked)
	if err != nil || res.replay != nil {
		release()
		return res, err
	}
	res.release = release
	g.cache(ctx, pkgredis.RequestState{RequestID: requestID, UserID: userID, Status: pkgredis.RequestPending})
	return res, nil
}

// claim 在数据库中占用 request_id。持锁时遗留的 pending 行属于已崩溃的旧尝试，可以接管。
func (g *guard) claim(ctx context.Context, requestID, userID string, locked bool) (reservation, error) {
	const op = "checkout.guard"

	existing, err := g.requests.FindByRequestID(ctx, requestID)
	if apperr.Is(err, apperr.KindNotFound) {
		err = g.requests.Create(ctx, &model.CheckoutRequest{RequestID: requestID, UserID: userID, Status: model.CheckoutRequestPending})
		if apperr.Is(err, apperr.KindConflict) {
			return reservation{}, apperr.New(apperr.KindInProgress, op, "checkout is already being processed")
		}
		return reservation{}, err
	}
	if err != nil {
		return reservation{}, err
	}
	if existing.UserID != userID {
		return reservation{}, apperr.New(apperr.KindConflict, op, "idempotency key belongs to another user")
	}

	switch existing.Status {
	case model.CheckoutRequestSuccess:
		g.cache(ctx, pkgredis.RequestState{RequestID: requestID, UserID: userID, Status: pkgredis.RequestSuccess, OrderID: existing.OrderID, OrderNo: existing.OrderNo})
		return reservation{replay: &Result{RequestID: requestID, OrderID: existing.OrderID, OrderNumber: existing.OrderNo, Replayed: true}}, nil
	case model.CheckoutRequestFailed:
		ok, err := g.requests.Reset(ctx, requestID)
		if err != nil {
			return reservation{}, err
		}
		if !ok {
			return reservation{}, apperr.New(apperr.KindInProgress, op, "checkout is already being processed")
		}
		return reservation{}, nil
	default:
		if locked {
			g.log.Warn("taking over stale pending checkout", zap.String("request_id", requestID))
			return reservation{}, nil
		}
		return reservation{}, apperr.New(apperr.KindInProgress, op, "checkout is already being processed")
	}
}

// succeed 订单事务提交后刷新缓存；数据库状态已在事务内写入。
func (g *guard) succeed(ctx context.Context, userID string, res Result) {
	g.cache(ctx, pkgredis.RequestState{RequestID: res.RequestID, UserID: userID, Status: pkgredis.RequestSuccess, OrderID: res.OrderID, OrderNo: res.OrderNumber})
}

func (g *guard) fail(ctx context.Context, requestID, userID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()

	reason := apperr.Message(cause)
	if err := g.requests.MarkFailed(ctx, requestID, reason); err != nil {
		g.log.Error("mark checkout request failed", zap.String("request_id", requestID), zap.Error(err))
	}
	g.cache(ctx, pkgredis.RequestState{RequestID: requestID, UserID: userID, Status: pkgredis.RequestFailed, Reason: reason})
}

func (g *guard) cache(ctx context.Context, st pkgredis.RequestState) {
	if g.rdb == nil {
		return
	}
	if err := pkgredis.PutRequestState(ctx, g.rdb, st, g.stateTTL); err != nil {
		g.log.Warn("write request state cache failed", zap.String("request_id", st.RequestID), zap.Error(err))
	}
}

// lookup 先读缓存，未命中回源数据库。
func (g *guard) lookup(ctx context.Context, requestID string) (RequestStatus, error) {
	if g.rdb != nil {
		if st, found, err := pkgredis.GetRequestState(ctx, g.rdb, requestID); err == nil && found {
			return RequestStatus{RequestID: requestID, UserID: st.UserID, Status: st.Status, OrderID: st.OrderID, OrderNumber: st.OrderNo, Reason: st.Reason}, nil
		}
	}
	req, err := g.requests.FindByRequestID(ctx, requestID)
	if err != nil {
		return RequestStatus{}, err
	}
	return RequestStatus{
		RequestID:   requestID,
		UserID:      req.UserID,
		Status:      req.Status.String(),
		OrderID:     req.OrderID,
		OrderNumber: req.OrderNo,
		Reason:      req.ErrorMsg,
	}, nil
}
