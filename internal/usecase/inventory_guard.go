package usecase

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rs-labo46/ec-checkout/internal/domain/model"
	repo "github.com/rs-labo46/ec-checkout/internal/repository"
	"github.com/shopspring/decimal"
)

// 引当対象の1行
type ReserveLine struct {
	ProductID int64
	Quantity  int64
}

type ReservedLine struct {
	ProductID int64
	Name      string
	Price     decimal.Decimal
	Quantity  int64
}

// 引当結果（商品名・現在価格は注文明細のスナップショット用）
type Reservation struct {
	Lines []ReservedLine
}

func (r Reservation) Line(productID int64) (ReservedLine, bool) {
	for _, l := range r.Lines {
		if l.ProductID == productID {
			return l, true
		}
	}
	return ReservedLine{}, false
}

// 注文に紐づく引当の履歴行
func (r Reservation) Movements(orderID int64) []model.InventoryMovement {
	out := make([]model.InventoryMovement, 0, len(r.Lines))
	for _, l := range r.Lines {
		out = append(out, model.InventoryMovement{
			ProductID: l.ProductID,
			OrderID:   orderID,
			Delta:     -l.Quantity,
			Reason:    model.MovementReserve,
		})
	}
	return out
}

// 在庫の検証・引当・戻しを担当する
type InventoryGuard struct {
	log *slog.Logger
}

func NewInventoryGuard(log *slog.Logger) *InventoryGuard {
	return &InventoryGuard{log: log}
}

// 全行を引き当てる。どこかで失敗したら、この呼び出しで減らした分は戻す（全部か無しか）。
// カートのスナップショットは見ずに、毎回カタログを読み直す。
func (g *InventoryGuard) ValidateAndReserve(ctx context.Context, r repo.TxRepos, lines []ReserveLine) (Reservation, error) {
	merged, err := mergeLines(lines)
	if err != nil {
		return Reservation{}, err
	}

	reserved := make([]ReservedLine, 0, len(merged))
	for _, l := range merged {
		p, err := r.Products().FindByID(ctx, l.ProductID)
		if err != nil || !p.IsActive {
			g.rollback(ctx, r, reserved)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return Reservation{}, errInternal(ctx, g.log, "inventory: find product", err, slog.Int64("productId", l.ProductID))
			}
			return Reservation{}, errNotFound("product not found").withDetails(map[string]any{"productId": l.ProductID})
		}

		//判定と減算を1文で
		ok, err := r.Inventory().DecreaseStockIfEnough(ctx, l.ProductID, l.Quantity)
		if err != nil {
			g.rollback(ctx, r, reserved)
			return Reservation{}, errInternal(ctx, g.log, "inventory: decrease stock", err, slog.Int64("productId", l.ProductID))
		}
		if !ok {
			g.rollback(ctx, r, reserved)
			available := p.Stock
			if cur, err := r.Products().FindByID(ctx, l.ProductID); err == nil {
				available = cur.Stock
			}
			g.log.InfoContext(ctx, "inventory: insufficient stock",
				slog.Int64("productId", l.ProductID),
				slog.Int64("available", available),
				slog.Int64("requested", l.Quantity),
			)
			return Reservation{}, errInsufficientStock(&InsufficientStockError{
				ProductID: l.ProductID,
				Available: available,
				Requested: l.Quantity,
			})
		}

		reserved = append(reserved, ReservedLine{
			ProductID: p.ID,
			Name:      p.Name,
			Price:     p.Price,
			Quantity:  l.Quantity,
		})
	}

	return Reservation{Lines: reserved}, nil
}

// 注文の引当を戻す。stock_released で一度きりにする。戻したらtrue。
func (g *InventoryGuard) Restore(ctx context.Context, r repo.TxRepos, orderID int64) (bool, error) {
	first, err := r.Orders().MarkStockReleased(ctx, orderID)
	if err != nil {
		return false, err
	}
	if !first {
		return false, nil
	}

	items, err := r.OrderItems().ListByOrderID(ctx, orderID)
	if err != nil {
		return false, err
	}

	movements := make([]model.InventoryMovement, 0, len(items))
	for _, it := range items {
		if err := r.Inventory().IncreaseStock(ctx, it.ProductID, it.Quantity); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				//商品自体が消えている
				g.log.WarnContext(ctx, "inventory: restore skipped, product missing",
					slog.Int64("orderId", orderID), slog.Int64("productId", it.ProductID))
				continue
			}
			return false, err
		}
		movements = append(movements, model.InventoryMovement{
			ProductID: it.ProductID,
			OrderID:   orderID,
			Delta:     it.Quantity,
			Reason:    model.MovementRestore,
		})
	}

	if err := r.Inventory().CreateMovements(ctx, movements); err != nil {
		return false, err
	}
	return true, nil
}

func (g *InventoryGuard) rollback(ctx context.Context, r repo.TxRepos, reserved []ReservedLine) {
	for _, l := range reserved {
		if err := r.Inventory().IncreaseStock(ctx, l.ProductID, l.Quantity); err != nil {
			g.log.ErrorContext(ctx, "inventory: rollback failed",
				slog.Int64("productId", l.ProductID),
				slog.Int64("quantity", l.Quantity),
				slog.Any("error", err),
			)
		}
	}
}

// 同じ商品の行をまとめる（順序は最初に出た順）
func mergeLines(lines []ReserveLine) ([]ReserveLine, error) {
	out := make([]ReserveLine, 0, len(lines))
	index := make(map[int64]int, len(lines))
	for _, l := range lines {
		if l.ProductID <= 0 {
			return nil, errValidation("invalid productId")
		}
		if l.Quantity < 1 {
			return nil, errValidation("quantity must be at least 1")
		}
		if i, ok := index[l.ProductID]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		index[l.ProductID] = len(out)
		out = append(out, l)
	}
	if len(out) == 0 {
		return nil, errEmptyCart()
	}
	return out, nil
}
