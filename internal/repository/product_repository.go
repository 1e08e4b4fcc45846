package repository

import (
	"context"
	"errors"

	"github.com/rs-labo46/ec-checkout/internal/domain/model"
)

var ErrNotFound = errors.New("not found")

// 商品カタログの読み取り側だけを約束（CRUDは別サービス）。
// 論理削除済みはErrNotFound、非公開はIsActive=falseで返す。
type ProductRepository interface {
	FindByID(ctx context.Context, id int64) (model.Product, error)
	ListByIDs(ctx context.Context, ids []int64) ([]model.Product, error)
}
