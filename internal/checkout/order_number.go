package checkout

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"storefront/internal/apperr"
	"storefront/internal/model"
	"storefront/internal/repository"
)

// NewOrderNumber 生成 ORD-YYYYMMDD-NNNN 形式的展示编号。
func NewOrderNumber(now time.Time) string {
	return fmt.Sprintf("ORD-%s-%04d", now.Format("20060102"), rand.IntN(10000))
}

// createWithOrderNumber 每次尝试放在独立 SAVEPOINT 中，唯一键冲突后换号重试。
func createWithOrderNumber(ctx context.Context, store *repository.Store, orders repository.OrderRepository,
	order *model.Order, now time.Time, retries int, gen func(time.Time) string) error {
	if retries <= 0 {
		retries = 1
	}
	var err error
	for attempt := 0; attempt < retries; attempt++ {
		order.OrderNumber = gen(now)
		err = store.Transaction(ctx, func(ctx context.Context) error {
			return orders.Create(ctx, order)
		})
		if err == nil {
			return nil
		}
		if !apperr.Is(err, apperr.KindConflict) {
			return err
		}
	}
	return apperr.Wrap(apperr.KindConflict, "checkout.order_number", err)
}
