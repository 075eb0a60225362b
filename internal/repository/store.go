package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"storefront/internal/apperr"
)

type txKey struct{}

// Store 提供事务边界。事务句柄通过 context 传递，仓储方法自动加入当前事务。
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// Transaction 在同一事务内执行 fn；已处于事务中时使用 SAVEPOINT 嵌套。
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return conn(ctx, s.db).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// conn 优先返回 context 中的事务句柄。
func conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

// mapError 将 gorm 错误转换为 apperr 类别，唯一性冲突在驱动未翻译时按文本兜底识别。
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &apperr.Error{Kind: apperr.KindNotFound, Op: op, Msg: "record not found", Err: err}
	case IsUniqueViolation(err):
		return &apperr.Error{Kind: apperr.KindConflict, Op: op, Msg: "duplicate record", Err: err}
	}
	return apperr.Wrap(apperr.KindStorage, op, err)
}

// IsUniqueViolation 判断是否唯一约束冲突。
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique") || strings.Contains(s, "Duplicate entry")
}

// Page 分页参数。
type Page struct {
	Page     int
	PageSize int
}

const maxPageSize = 100

func (p Page) normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = 20
	}
	if p.PageSize > maxPageSize {
		p.PageSize = maxPageSize
	}
	return p
}

func (p Page) offset() int { return (p.Page - 1) * p.PageSize }
