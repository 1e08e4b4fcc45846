package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 注文明細。作成後は変更しない（商品名・価格は当時のコピー）。
type OrderItem struct {
	ID                  int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID             int64           `gorm:"not null;index" json:"orderId"`
	ProductID           int64           `gorm:"not null;index" json:"productId"`
	ProductNameSnapshot string          `gorm:"type:varchar(255);not null" json:"productName"`
	UnitPriceSnapshot   decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"price"`
	Quantity            int64           `gorm:"not null" json:"quantity"`
	Subtotal            decimal.Decimal `gorm:"type:numeric(14,2);not null" json:"subtotal"`
	CreatedAt           time.Time       `gorm:"not null;autoCreateTime" json:"createdAt"`
}

func NewOrderItem(productID int64, name string, unitPrice decimal.Decimal, qty int64) OrderItem {
	return OrderItem{
		ProductID:           productID,
		ProductNameSnapshot: name,
		UnitPriceSnapshot:   unitPrice,
		Quantity:            qty,
		Subtotal:            unitPrice.Mul(decimal.NewFromInt(qty)),
	}
}

// 明細小計の合計
func OrderTotal(items []OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal)
	}
	return total
}
