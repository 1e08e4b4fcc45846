package repository

import (
	"context"

	"github.com/rs-labo46/ec-checkout/internal/domain/model"
)

type InventoryRepository interface {
	// 在庫が足りるときだけ減算（1文の条件付きUPDATE）
	DecreaseStockIfEnough(ctx context.Context, productID int64, qty int64) (bool, error)

	// 在庫戻し（キャンセル・決済失敗）
	IncreaseStock(ctx context.Context, productID int64, qty int64) error

	// 増減履歴
	CreateMovements(ctx context.Context, movements []model.InventoryMovement) error
}
