// Package dbtest 为测试提供独立的内存 sqlite 库。
package dbtest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"storefront/internal/db"
)

var seq atomic.Int64

// Open 每个测试一个命名内存库，测试结束时关闭连接即释放。
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))

	gdb, err := db.Open(db.Config{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(gdb))

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return gdb
}
