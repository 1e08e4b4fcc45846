package repository

import (
	"context"

	"github.com/rs-labo46/ec-checkout/internal/domain/model"
	"github.com/shopspring/decimal"
)

type CartItemRepository interface {
	ListByCartID(ctx context.Context, cartID int64) ([]model.CartItem, error)
	// 同一商品は数量を加算（原子的なupsert）。価格スナップショットは現在価格で上書き。
	UpsertAdd(ctx context.Context, cartID int64, productID int64, addQty int64, unitPrice decimal.Decimal) error
	// 数量を絶対値で設定。明細が無ければfalse。
	SetQuantity(ctx context.Context, cartID int64, productID int64, qty int64, unitPrice decimal.Decimal) (bool, error)
	DeleteByProduct(ctx context.Context, cartID int64, productID int64) error
	DeleteByProducts(ctx context.Context, cartID int64, productIDs []int64) error
	// 注文済みの数量を差し引く（0以下の明細は削除）
	SubtractOrdered(ctx context.Context, cartID int64, items []model.OrderItem) error
}
