package repository

import (
	"context"
	"time"

	"github.com/rs-labo46/ec-checkout/internal/domain/model"
)

type AdminOrderListFilter struct {
	Page          int
	Limit         int
	Status        string
	PaymentStatus string
	UserID        *int64
	From          *time.Time
	To            *time.Time
}

// 条件付き更新。From* が現在値と一致するときだけ To* を書き込む。
// nil / 空のフィールドは条件にも更新にも使わない。
type OrderTransition struct {
	FromStatuses      []model.OrderStatus
	ToStatus          *model.OrderStatus
	FromPayment       *model.PaymentStatus
	ToPayment         *model.PaymentStatus
	GatewayStatus     *string
	AuthorizationCode *string
}

type OrderRepository interface {
	Create(ctx context.Context, order *model.Order) error
	FindByID(ctx context.Context, orderID int64) (model.Order, error)
	FindByGatewayToken(ctx context.Context, token string) (model.Order, error)
	ListByUserID(ctx context.Context, userID int64, page int, limit int) ([]model.Order, int64, error)
	ListAdmin(ctx context.Context, f AdminOrderListFilter) ([]model.Order, int64, error)

	// 競合したら(false, nil)
	Transition(ctx context.Context, orderID int64, t OrderTransition) (bool, error)
	SetGatewayToken(ctx context.Context, orderID int64, token string, sessionID string) error
	// stock_released を false→true。すでに true なら false を返す。
	MarkStockReleased(ctx context.Context, orderID int64) (bool, error)
}
