package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

const (
	// RequestPending 表示结账流程执行中。
	RequestPending = "pending"
	// RequestSuccess 表示订单已落库。
	RequestSuccess = "success"
	// RequestFailed 表示本次尝试失败，可用同一幂等键重试。
	RequestFailed = "failed"
)

// RequestState 对应 Redis 内的 request 状态结构。
type RequestState struct {
	RequestID string
	UserID    string
	Status    string
	OrderID   string
	OrderNo   string
	Reason    string
}

// GetRequestState 查询 request_id 当前状态。found=false 表示 key 不存在。
func GetRequestState(ctx context.Context, rdb rd.Cmdable, requestID string) (RequestState, bool, error) {
	key := RequestStatusKey(requestID)
	m, err := rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return RequestState{}, false, err
	}
	if len(m) == 0 {
		return RequestState{}, false, nil
	}

	out := RequestState{
		RequestID: requestID,
		UserID:    m["user_id"],
		Status:    m["status"],
		OrderID:   m["order_id"],
		OrderNo:   m["order_no"],
		Reason:    m["reason"],
	}
	if out.Status == "" {
		out.Status = RequestPending
	}
	return out, true, nil
}

// PutRequestState 更新 request 状态，并刷新 key TTL。
func PutRequestState(ctx context.Context, rdb rd.Cmdable, st RequestState, ttl time.Duration) error {
	key := RequestStatusKey(st.RequestID)
	pipe := rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"request_id", st.RequestID,
		"user_id", st.UserID,
		"status", st.Status,
		"order_id", st.OrderID,
		"order_no", st.OrderNo,
		"reason", st.Reason,
	)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
