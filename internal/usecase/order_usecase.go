package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rs-labo46/ec-checkout/internal/domain/model"
	repo "github.com/rs-labo46/ec-checkout/internal/repository"
	"github.com/shopspring/decimal"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

type OrderUsecase struct {
	orders     repo.OrderRepository
	orderItems repo.OrderItemRepository
	log        *slog.Logger
}

func NewOrderUsecase(orders repo.OrderRepository, orderItems repo.OrderItemRepository, log *slog.Logger) *OrderUsecase {
	return &OrderUsecase{orders: orders, orderItems: orderItems, log: log}
}

type OrderItemOutput struct {
	ProductID int64           `json:"productId"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type OrderOutput struct {
	ID                int64                 `json:"id"`
	OrderNumber       string                `json:"orderNumber"`
	UserID            int64                 `json:"userId"`
	Status            model.OrderStatus     `json:"status"`
	PaymentStatus     model.PaymentStatus   `json:"paymentStatus"`
	PaymentMethod     string                `json:"paymentMethod"`
	TotalAmount       decimal.Decimal       `json:"totalAmount"`
	GatewayStatus     *string               `json:"gatewayStatus,omitempty"`
	AuthorizationCode *string               `json:"authorizationCode,omitempty"`
	ShippingAddress   model.ShippingAddress `json:"shippingAddress"`
	Notes             string                `json:"notes"`
	CreatedAt         time.Time             `json:"createdAt"`
	UpdatedAt         time.Time             `json:"updatedAt"`
	Items             []OrderItemOutput     `json:"items"`
}

type OrderListOutput struct {
	Items []OrderOutput `json:"items"`
	Total int64         `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

// 注文詳細（本人または管理者）
func (u *OrderUsecase) GetOrder(ctx context.Context, auth AuthContext, orderID int64) (OrderOutput, error) {
	if auth.UserID <= 0 {
		return OrderOutput{}, errUnauthorized()
	}
	if orderID <= 0 {
		return OrderOutput{}, errValidation("invalid id")
	}

	o, err := u.orders.FindByID(ctx, orderID)
	if errors.Is(err, repo.ErrNotFound) {
		return OrderOutput{}, errNotFound("order not found")
	}
	if err != nil {
		return OrderOutput{}, errInternal(ctx, u.log, "order: find", err, slog.Int64("orderId", orderID))
	}
	if !auth.CanAccess(o) {
		u.log.WarnContext(ctx, "order: access denied",
			slog.Int64("userId", auth.UserID), slog.Int64("orderId", orderID))
		return OrderOutput{}, errForbidden()
	}

	items, err := u.orderItems.ListByOrderID(ctx, o.ID)
	if err != nil {
		return OrderOutput{}, errInternal(ctx, u.log, "order: list items", err, slog.Int64("orderId", orderID))
	}
	return toOrderOutput(o, items), nil
}

// 自分の注文一覧（新しい順）
func (u *OrderUsecase) ListMine(ctx context.Context, userID int64, page int, limit int) (OrderListOutput, error) {
	if userID <= 0 {
		return OrderListOutput{}, errUnauthorized()
	}
	page, limit, err := normalizePage(page, limit)
	if err != nil {
		return OrderListOutput{}, err
	}

	orders, total, err := u.orders.ListByUserID(ctx, userID, page, limit)
	if err != nil {
		return OrderListOutput{}, errInternal(ctx, u.log, "order: list mine", err, slog.Int64("userId", userID))
	}

	outs := make([]OrderOutput, 0, len(orders))
	for _, o := range orders {
		items, err := u.orderItems.ListByOrderID(ctx, o.ID)
		if err != nil {
			return OrderListOutput{}, errInternal(ctx, u.log, "order: list items", err, slog.Int64("orderId", o.ID))
		}
		outs = append(outs, toOrderOutput(o, items))
	}
	return OrderListOutput{Items: outs, Total: total, Page: page, Limit: limit}, nil
}

// 0はデフォルト扱い
func normalizePage(page int, limit int) (int, int, error) {
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = defaultPageLimit
	}
	if page < 1 {
		return 0, 0, errValidation("invalid page")
	}
	if limit < 1 || limit > maxPageLimit {
		return 0, 0, errValidation("invalid limit")
	}
	return page, limit, nil
}

func toOrderOutput(o model.Order, items []model.OrderItem) OrderOutput {
	outItems := make([]OrderItemOutput, 0, len(items))
	for _, it := range items {
		outItems = append(outItems, OrderItemOutput{
			ProductID: it.ProductID,
			Name:      it.ProductNameSnapshot,
			Price:     it.UnitPriceSnapshot,
			Quantity:  it.Quantity,
			Subtotal:  it.Subtotal,
		})
	}

	return OrderOutput{
		ID:                o.ID,
		OrderNumber:       o.OrderNumber,
		UserID:            o.UserID,
		Status:            o.Status,
		PaymentStatus:     o.PaymentStatus,
		PaymentMethod:     o.PaymentMethod,
		TotalAmount:       o.TotalAmount,
		GatewayStatus:     o.GatewayStatus,
		AuthorizationCode: o.AuthorizationCode,
		ShippingAddress:   o.ShippingAddress,
		Notes:             o.Notes,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
		Items:             outItems,
	}
}
