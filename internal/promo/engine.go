// Package promo 校验优惠码并计算折扣。
package promo

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"storefront/internal/apperr"
	"storefront/internal/model"
	"storefront/internal/repository"
)

// 不可用原因，直接展示给前端。
const (
	MsgNotFound      = "promo code not found"
	MsgInactive      = "promo code is inactive"
	MsgNotYetActive  = "promo code is not active yet"
	MsgExpired       = "promo code has expired"
	MsgUsageExceeded = "promo code usage limit reached"
	MsgBelowMinimum  = "order does not meet the minimum amount for this promo code"
	MsgApplied       = "promo code applied"
)

// Result 校验结果。Valid=false 时 Discount 为 0。
type Result struct {
	Valid    bool             `json:"valid"`
	Discount int64            `json:"discount"`
	Message  string           `json:"message"`
	Promo    *model.PromoCode `json:"-"`
}

// Engine 优惠码引擎。Validate 无副作用，Redeem 为下单成功后的单独一步。
type Engine struct {
	promos repository.PromoRepository
	log    *zap.Logger
	now    func() time.Time
}

func NewEngine(promos repository.PromoRepository, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{promos: promos, log: log, now: time.Now}
}

// Validate 按顺序检查：存在且启用、生效时间、过期时间、使用次数、最低金额。
func (e *Engine) Validate(ctx context.Context, code string, subtotal int64) (Result, error) {
	const op = "promo.validate"

	if strings.TrimSpace(code) == "" {
		return Result{Message: MsgNotFound}, nil
	}
	if subtotal < 0 {
		return Result{}, apperr.New(apperr.KindValidation, op, "subtotal must not be negative")
	}

	p, err := e.promos.FindByCode(ctx, code)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return Result{Message: MsgNotFound}, nil
		}
		return Result{}, apperr.Wrap(apperr.KindStorage, op, err)
	}
	return Evaluate(p, subtotal, e.now()), nil
}

// Evaluate 纯函数：给定优惠码、小计与当前时间计算结果。
func Evaluate(p *model.PromoCode, subtotal int64, now time.Time) Result {
	switch {
	case p == nil:
		return Result{Message: MsgNotFound}
	case !p.IsActive:
		return Result{Message: MsgInactive, Promo: p}
	case p.StartsAt != nil && now.Before(*p.StartsAt):
		return Result{Message: MsgNotYetActive, Promo: p}
	case p.ExpiresAt != nil && now.After(*p.ExpiresAt):
		return Result{Message: MsgExpired, Promo: p}
	case p.UsageLimit != nil && p.UsageCount >= *p.UsageLimit:
		return Result{Message: MsgUsageExceeded, Promo: p}
	case p.MinOrderAmount != nil && subtotal < *p.MinOrderAmount:
		return Result{Message: MsgBelowMinimum, Promo: p}
	}
	return Result{Valid: true, Discount: Discount(p, subtotal), Message: MsgApplied, Promo: p}
}

// Discount 百分比向下取整并受 MaxDiscountAmount 约束；两种类型最终都不超过小计。
func Discount(p *model.PromoCode, subtotal int64) int64 {
	var d int64
	switch p.DiscountType {
	case model.DiscountPercentage:
		d = subtotal * p.DiscountValue / 100
		if p.MaxDiscountAmount != nil && d > *p.MaxDiscountAmount {
			d = *p.MaxDiscountAmount
		}
	case model.DiscountFixed:
		d = p.DiscountValue
	}
	if d > subtotal {
		d = subtotal
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Redeem 占用一次使用次数。并发下已用尽时返回 KindValidation。
func (e *Engine) Redeem(ctx context.Context, promoID string) error {
	const op = "promo.redeem"

	ok, err := e.promos.IncrementUsage(ctx, promoID)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, op, err)
	}
	if !ok {
		e.log.Info("promo code exhausted at redemption", zap.String("promo_code_id", promoID))
		return apperr.New(apperr.KindValidation, op, MsgUsageExceeded)
	}
	return nil
}
