package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderEventType string

const (
	EventOrderCreated       OrderEventType = "order.created"
	EventPaymentConfirmed   OrderEventType = "payment.confirmed"
	EventPaymentFailed      OrderEventType = "payment.failed"
	EventPaymentRefunded    OrderEventType = "payment.refunded"
	EventOrderCancelled     OrderEventType = "order.cancelled"
	EventOrderStatusChanged OrderEventType = "order.status_changed"
)

// 通知（メール送信側）に渡すイベント
type OrderEvent struct {
	Type          OrderEventType  `json:"type"`
	OrderID       int64           `json:"orderId"`
	OrderNumber   string          `json:"orderNumber"`
	UserID        int64           `json:"userId"`
	Status        OrderStatus     `json:"status"`
	PaymentStatus PaymentStatus   `json:"paymentStatus"`
	Amount        decimal.Decimal `json:"amount"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

func NewOrderEvent(t OrderEventType, o Order, now time.Time) OrderEvent {
	return OrderEvent{
		Type:          t,
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		UserID:        o.UserID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		Amount:        o.TotalAmount,
		OccurredAt:    now,
	}
}
