package testutil

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rs-labo46/ec-checkout/internal/domain/model"
	"github.com/rs-labo46/ec-checkout/internal/infra/db"
)

// テストごとのインメモリDB（マイグレーション済み）。接続は1本なのでTxは直列になる
func OpenSQLite(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Migrate(gdb))
	return gdb
}

// 公開中の商品を1件入れる
func SeedProduct(t testing.TB, gdb *gorm.DB, name string, price string, stock int64) model.Product {
	t.Helper()

	p := model.Product{
		Name:     name,
		Price:    decimal.RequireFromString(price),
		Stock:    stock,
		IsActive: true,
	}
	require.NoError(t, gdb.Create(&p).Error)
	return p
}

// 非公開にする
func Deactivate(t testing.TB, gdb *gorm.DB, productID int64) {
	t.Helper()
	require.NoError(t, gdb.Model(&model.Product{}).Where("id = ?", productID).Update("is_active", false).Error)
}

// 現在の在庫（論理削除済みも読む）
func Stock(t testing.TB, gdb *gorm.DB, productID int64) int64 {
	t.Helper()

	var p model.Product
	require.NoError(t, gdb.Unscoped().First(&p, productID).Error)
	return p.Stock
}
