// Package testutil 测试辅助, 仅在 _test.go 中使用
package testutil

import (
	"testing"

	"gorm.io/gorm"

	"forge-admin/internal/pkg/config"
	"forge-admin/internal/pkg/database"
)

// NewDB 内存 sqlite, 已完成迁移, 测试结束自动关闭
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := database.Open(&config.DatabaseConfig{
		Driver:   "sqlite",
		Database: ":memory:",
		LogLevel: "silent",
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}
