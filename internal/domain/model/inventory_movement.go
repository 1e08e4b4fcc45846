package model

import "time"

type MovementReason string

const (
	MovementReserve MovementReason = "RESERVE"
	MovementRestore MovementReason = "RESTORE"
)

// 在庫増減の履歴（注文ごと）
type InventoryMovement struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	ProductID int64          `gorm:"not null;index" json:"productId"`
	OrderID   int64          `gorm:"not null;index" json:"orderId"`
	Delta     int64          `gorm:"not null" json:"delta"`
	Reason    MovementReason `gorm:"type:varchar(20);not null" json:"reason"`
	CreatedAt time.Time      `gorm:"not null;autoCreateTime" json:"createdAt"`
}
