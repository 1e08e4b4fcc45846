package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// カートの明細
// 追加・数量変更時点の価格を必ず保存。
type CartItem struct {
	ID                int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	CartID            int64           `gorm:"not null;uniqueIndex:idx_cart_items_cart_product" json:"cartId"`
	ProductID         int64           `gorm:"not null;uniqueIndex:idx_cart_items_cart_product;index" json:"productId"`
	Quantity          int64           `gorm:"not null" json:"quantity"`
	UnitPriceSnapshot decimal.Decimal `gorm:"type:numeric(12,2);not null;column:unit_price_snapshot" json:"priceSnapshot"`
	CreatedAt         time.Time       `gorm:"not null;autoCreateTime" json:"createdAt"`
	UpdatedAt         time.Time       `gorm:"not null;autoUpdateTime" json:"updatedAt"`
}

func (i CartItem) LineTotal() decimal.Decimal {
	return i.UnitPriceSnapshot.Mul(decimal.NewFromInt(i.Quantity))
}
