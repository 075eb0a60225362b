package promo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"storefront/internal/apperr"
	"storefront/internal/db/dbtest"
	"storefront/internal/model"
	"storefront/internal/repository"
)

func ptr[T any](v T) *T { return &v }

func TestEvaluatePercentageCappedByMaxDiscount(t *testing.T) {
	t.Parallel()

	save10 := &model.PromoCode{Code: "SAVE10", DiscountType: model.DiscountPercentage, DiscountValue: 10,
		MaxDiscountAmount: ptr[int64](500), IsActive: true}

	res := Evaluate(save10, 10000, time.Now())
	require.True(t, res.Valid)
	require.EqualValues(t, 500, res.Discount)

	res = Evaluate(save10, 1999, time.Now())
	require.EqualValues(t, 199, res.Discount) // 向下取整
}

func TestEvaluateRejections(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	base := func() *model.PromoCode {
		return &model.PromoCode{Code: "X", DiscountType: model.DiscountFixed, DiscountValue: 100, IsActive: true}
	}
	cases := []struct {
		name   string
		mutate func(p *model.PromoCode)
		want   string
	}{
		{"inactive", func(p *model.PromoCode) { p.IsActive = false }, MsgInactive},
		{"not yet active", func(p *model.PromoCode) { p.StartsAt = ptr(now.Add(time.Hour)) }, MsgNotYetActive},
		{"expired", func(p *model.PromoCode) { p.ExpiresAt = ptr(now.Add(-time.Second)) }, MsgExpired},
		{"usage exhausted", func(p *model.PromoCode) { p.UsageLimit = ptr(1); p.UsageCount = 1 }, MsgUsageExceeded},
		{"below minimum", func(p *model.PromoCode) { p.MinOrderAmount = ptr[int64](5000) }, MsgBelowMinimum},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := base()
			tc.mutate(p)
			res := Evaluate(p, 1000, now)
			require.False(t, res.Valid)
			require.Zero(t, res.Discount)
			require.Equal(t, tc.want, res.Message)
		})
	}

	// 检查顺序：未生效先于用尽
	p := base()
	p.StartsAt = ptr(now.Add(time.Hour))
	p.UsageLimit = ptr(0)
	require.Equal(t, MsgNotYetActive, Evaluate(p, 1000, now).Message)
}

func TestDiscountBounds(t *testing.T) {
	t.Parallel()

	fixed := &model.PromoCode{DiscountType: model.DiscountFixed, DiscountValue: 800}
	require.EqualValues(t, 800, Discount(fixed, 1000))
	require.EqualValues(t, 300, Discount(fixed, 300)) // 不超过小计

	for _, subtotal := range []int64{0, 1, 99, 100, 4999, 10000, 123456} {
		for _, value := range []int64{0, 5, 50, 100} {
			p := &model.PromoCode{DiscountType: model.DiscountPercentage, DiscountValue: value, MaxDiscountAmount: ptr[int64](700)}
			d := Discount(p, subtotal)
			require.GreaterOrEqual(t, d, int64(0))
			require.LessOrEqual(t, d, min(int64(700), subtotal))
		}
	}
}

func TestEngineValidateAndRedeem(t *testing.T) {
	t.Parallel()
	gdb := dbtest.Open(t)
	ctx := context.Background()
	promos := repository.NewPromoRepository(gdb)
	engine := NewEngine(promos, nil)

	p := &model.PromoCode{ID: uuid.NewString(), Code: "ONCE", DiscountType: model.DiscountFixed,
		DiscountValue: 100, UsageLimit: ptr(1), IsActive: true}
	require.NoError(t, promos.Create(ctx, p))

	res, err := engine.Validate(ctx, "once", 1000)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.EqualValues(t, 100, res.Discount)

	require.NoError(t, engine.Redeem(ctx, p.ID))

	res, err = engine.Validate(ctx, "ONCE", 1000)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, MsgUsageExceeded, res.Message)

	require.True(t, apperr.Is(engine.Redeem(ctx, p.ID), apperr.KindValidation))

	res, err = engine.Validate(ctx, "NOPE", 1000)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, MsgNotFound, res.Message)
}

func TestRedeemIsAtomicUnderConcurrency(t *testing.T) {
	t.Parallel()
	gdb := dbtest.Open(t)
	ctx := context.Background()
	promos := repository.NewPromoRepository(gdb)
	engine := NewEngine(promos, nil)

	p := &model.PromoCode{ID: uuid.NewString(), Code: "RACE", DiscountType: model.DiscountFixed,
		DiscountValue: 100, UsageLimit: ptr(3), IsActive: true}
	require.NoError(t, promos.Create(ctx, p))

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if engine.Redeem(ctx, p.ID) == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 3, ok.Load())
}
