package model

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

const PaymentMethodWebpay = "webpay"

// 許可される遷移。ここに無いものはすべて不正。
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending: {PaymentStatusPaid, PaymentStatusFailed},
	PaymentStatusPaid:    {PaymentStatusRefunded},
}

var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError は不正な遷移の詳細。errors.Is(err, ErrInvalidTransition) で判定できる。
type TransitionError struct {
	Field string
	From  string
	To    string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot change %s from %q to %q", ErrInvalidTransition, e.Field, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func ParseOrderStatus(s string) (OrderStatus, bool) {
	st := OrderStatus(s)
	switch st {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return st, true
	}
	return "", false
}

func ParsePaymentStatus(s string) (PaymentStatus, bool) {
	st := PaymentStatus(s)
	switch st {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded:
		return st, true
	}
	return "", false
}

func (s OrderStatus) IsTerminal() bool {
	return len(orderTransitions[s]) == 0
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	return slices.Contains(orderTransitions[s], next)
}

// 管理者が進める出荷系のステータスか
func (s OrderStatus) IsFulfillment() bool {
	switch s {
	case OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered:
		return true
	}
	return false
}

// cancelled に遷移できるステータス
func CancellableStatuses() []OrderStatus {
	out := make([]OrderStatus, 0, len(orderTransitions))
	for from, next := range orderTransitions {
		if slices.Contains(next, OrderStatusCancelled) {
			out = append(out, from)
		}
	}
	slices.Sort(out)
	return out
}

func (s PaymentStatus) IsTerminal() bool {
	return len(paymentTransitions[s]) == 0
}

func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	return slices.Contains(paymentTransitions[s], next)
}

// 配送先住所（全項目必須）
type ShippingAddress struct {
	Street  string `gorm:"type:varchar(255);not null" json:"street"`
	City    string `gorm:"type:varchar(100);not null" json:"city"`
	State   string `gorm:"type:varchar(100);not null" json:"state"`
	Zip     string `gorm:"type:varchar(20);not null" json:"zip"`
	Country string `gorm:"type:varchar(100);not null" json:"country"`
}

// 注文。作成後に変わるのは status / payment_status / gateway_* / notes / stock_released だけ。
type Order struct {
	ID                int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNumber       string          `gorm:"type:varchar(32);not null;uniqueIndex" json:"orderNumber"`
	UserID            int64           `gorm:"not null;index" json:"userId"`
	Status            OrderStatus     `gorm:"type:varchar(20);not null;index" json:"status"`
	PaymentStatus     PaymentStatus   `gorm:"type:varchar(20);not null;index" json:"paymentStatus"`
	PaymentMethod     string          `gorm:"type:varchar(30);not null" json:"paymentMethod"`
	TotalAmount       decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"totalAmount"`
	GatewayToken      *string         `gorm:"type:varchar(128);uniqueIndex" json:"gatewayToken,omitempty"`
	GatewaySessionID  *string         `gorm:"type:varchar(64)" json:"-"`
	GatewayStatus     *string         `gorm:"type:varchar(64)" json:"gatewayStatus,omitempty"`
	AuthorizationCode *string         `gorm:"type:varchar(64)" json:"authorizationCode,omitempty"`
	ShippingAddress   ShippingAddress `gorm:"embedded;embeddedPrefix:ship_" json:"shippingAddress"`
	Notes             string          `gorm:"type:text" json:"notes"`
	// 在庫を戻したか。二重の戻しを防ぐ。
	StockReleased bool      `gorm:"not null;default:false" json:"-"`
	CreatedAt     time.Time `gorm:"not null;autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time `gorm:"not null;autoUpdateTime" json:"updatedAt"`
}

func (o *Order) IsOwnedBy(userID int64) bool {
	return o.UserID == userID
}

// ステータス遷移を検証して適用する（永続化はしない）
func (o *Order) TransitionStatus(next OrderStatus) error {
	if !o.Status.CanTransitionTo(next) {
		return &TransitionError{Field: "status", From: string(o.Status), To: string(next)}
	}
	o.Status = next
	return nil
}

func (o *Order) TransitionPayment(next PaymentStatus) error {
	if !o.PaymentStatus.CanTransitionTo(next) {
		return &TransitionError{Field: "paymentStatus", From: string(o.PaymentStatus), To: string(next)}
	}
	o.PaymentStatus = next
	return nil
}

// 支払い結果が確定済みか（confirmの冪等判定）
func (o *Order) PaymentSettled() bool {
	return o.PaymentStatus != PaymentStatusPending
}
