package repository

import (
	"context"
	"time"

	"github.com/rs-labo46/ec-checkout/internal/domain/model"
)

type CartRepository interface {
	GetOrCreateByUserID(ctx context.Context, userID int64) (model.Cart, error)
	FindByUserID(ctx context.Context, userID int64) (model.Cart, error)

	// ACTIVE→CHECKING_OUT。取れなければfalse（他の注文確定が進行中）
	// staleBeforeより前から CHECKING_OUT のままのカートは取り直せる。
	ClaimForCheckout(ctx context.Context, cartID int64, staleBefore time.Time) (bool, error)
	UpdateStatus(ctx context.Context, cartID int64, status model.CartStatus) error
	Clear(ctx context.Context, cartID int64) error
}
