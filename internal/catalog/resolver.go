// Package catalog 将购物车行解析为持久化的商品 ID 与规范类别。
package catalog

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"storefront/internal/apperr"
	"storefront/internal/model"
	"storefront/internal/repository"
)

// LineItem 购物车行中与商品解析相关的字段。
type LineItem struct {
	Name     string
	Category string
}

// Resolved 解析结果。Created 表示本次补建了占位商品。
type Resolved struct {
	ProductID string
	Type      model.ProductType
	Created   bool
}

// Resolver 按名称查找商品，不存在时补建占位行。
type Resolver struct {
	products repository.ProductRepository
	log      *zap.Logger

	// 同进程内并发结账对同名新商品只补建一次
	flight singleflight.Group
	// ResolveAll 的并发上限
	parallelism int
	// 单次共享查询/补建的超时
	sharedTimeout time.Duration
}

func NewResolver(products repository.ProductRepository, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{products: products, log: log, parallelism: 4, sharedTimeout: 10 * time.Second}
}

// Normalize 将类别文本映射为 ProductType：映射表优先，未命中时走子串启发式并记录告警。
func (r *Resolver) Normalize(category string) model.ProductType {
	if t, ok := lookupCategory(category); ok {
		return t
	}
	t := heuristicCategory(category)
	r.log.Warn("category resolved by heuristic fallback",
		zap.String("category", category),
		zap.String("product_type", string(t)))
	return t
}

// Resolve 解析单个购物车行。
func (r *Resolver) Resolve(ctx context.Context, item LineItem) (Resolved, error) {
	const op = "catalog.resolve"

	name := strings.TrimSpace(item.Name)
	if name == "" {
		return Resolved{}, apperr.New(apperr.KindValidation, op, "product name is required")
	}

	// 共享查询不跟随任何单个调用方取消，每个调用方只在自己的 ctx 上等待
	ch := r.flight.DoChan(name, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.sharedTimeout)
		defer cancel()
		return r.resolve(sctx, name, item.Category)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Resolved{}, res.Err
		}
		return res.Val.(Resolved), nil
	case <-ctx.Done():
		return Resolved{}, apperr.Wrap(apperr.KindResolutionFailed, op, ctx.Err())
	}
}

func (r *Resolver) resolve(ctx context.Context, name, category string) (Resolved, error) {
	const op = "catalog.resolve"

	p, err := r.products.FindByName(ctx, name)
	switch {
	case err == nil:
		return Resolved{ProductID: p.ID, Type: r.Normalize(p.Category)}, nil
	case !apperr.Is(err, apperr.KindNotFound):
		return Resolved{}, resolutionFailed(op, name, err)
	}

	// 新商品类别只按映射表确定，未知标签归为 software
	t, ok := lookupCategory(category)
	if !ok {
		t = model.ProductSoftware
	}
	created := &model.Product{
		ID:       uuid.NewString(),
		Name:     name,
		Category: string(t),
	}
	err = r.products.Create(ctx, created)
	switch {
	case err == nil:
		r.log.Info("placeholder product provisioned",
			zap.String("product_id", created.ID),
			zap.String("name", name),
			zap.String("product_type", string(t)))
		return Resolved{ProductID: created.ID, Type: t, Created: true}, nil
	case apperr.Is(err, apperr.KindConflict):
		// 其它进程抢先补建，重读胜者
		p, err = r.products.FindByName(ctx, name)
		if err != nil {
			return Resolved{}, resolutionFailed(op, name, err)
		}
		return Resolved{ProductID: p.ID, Type: r.Normalize(p.Category)}, nil
	default:
		return Resolved{}, resolutionFailed(op, name, err)
	}
}

// ResolveAll 并发解析全部购物车行，结果与输入一一对应；同名行只解析一次。
// 任一行失败则整体失败。
func (r *Resolver) ResolveAll(ctx context.Context, items []LineItem) ([]Resolved, error) {
	byName := make(map[string]int, len(items))
	unique := make([]LineItem, 0, len(items))
	for _, it := range items {
		key := strings.TrimSpace(it.Name)
		if _, ok := byName[key]; ok {
			continue
		}
		byName[key] = len(unique)
		unique = append(unique, it)
	}

	results := make([]Resolved, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i, it := range unique {
		g.Go(func() error {
			res, err := r.Resolve(gctx, it)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Resolved, len(items))
	for i, it := range items {
		out[i] = results[byName[strings.TrimSpace(it.Name)]]
	}
	return out, nil
}

func resolutionFailed(op, name string, err error) error {
	return &apperr.Error{Kind: apperr.KindResolutionFailed, Op: op, Msg: "could not resolve product " + name, Err: err}
}
