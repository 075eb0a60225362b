package db

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"storefront/internal/model"
)

// Config captures the connection parameters for the relational store.
type Config struct {
	Driver       string // sqlite | postgres | mysql
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	// Logger 为空时不输出 SQL 日志
	Logger       *zap.Logger
}

// Open returns a gorm DB for the configured driver with pool limits applied.
// TranslateError 打开后唯一键冲突会统一为 gorm.ErrDuplicatedKey。
func Open(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newZapLogger(cfg.Logger, logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	maxOpen := cfg.MaxOpenConns
	if cfg.Driver == "sqlite" || cfg.Driver == "" {
		// sqlite 单写者，多连接只会带来 SQLITE_BUSY。
		maxOpen = 1
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	return gdb, nil
}

// EnsureSchema applies the required database schema.
func EnsureSchema(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(model.All()...); err != nil {
		return fmt.Errorf("db migrate: %w", err)
	}
	return nil
}
