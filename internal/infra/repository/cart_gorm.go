package repository

import (
	"context"
	"errors"
	"time"

	"github.com/rs-labo46/ec-checkout/internal/domain/model"
	repo "github.com/rs-labo46/ec-checkout/internal/repository"
	"github.com/shopspring/decimal"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// cartsとcart_itemsの両方を扱う
type CartGormRepository struct {
	db *gorm.DB
}

// DI
func NewCartGormRepository(db *gorm.DB) *CartGormRepository {
	return &CartGormRepository{db: db}
}

// ユーザーのカートを取得し、無ければ作成（同時作成は一意制約で1つに収束）
func (r *CartGormRepository) GetOrCreateByUserID(ctx context.Context, userID int64) (model.Cart, error) {
	cart, err := r.FindByUserID(ctx, userID)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return model.Cart{}, err
	}

	newCart := model.Cart{UserID: userID, Status: model.CartStatusActive}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&newCart).Error; err != nil {
		return model.Cart{}, err
	}

	//競合で作られなかった場合も読み直す
	return r.FindByUserID(ctx, userID)
}

func (r *CartGormRepository) FindByUserID(ctx context.Context, userID int64) (model.Cart, error) {
	var cart model.Cart

	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&cart).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Cart{}, repo.ErrNotFound
	}
	if err != nil {
		return model.Cart{}, err
	}
	return cart, nil
}

// ACTIVEのときだけCHECKING_OUTにする（放置されたCHECKING_OUTは取り直す）
func (r *CartGormRepository) ClaimForCheckout(ctx context.Context, cartID int64, staleBefore time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Cart{}).
		Where("id = ?", cartID).
		Where("status = ? OR (status = ? AND updated_at < ?)", model.CartStatusActive, model.CartStatusCheckingOut, staleBefore).
		Update("status", model.CartStatusCheckingOut)

	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// carts.statusを更新
func (r *CartGormRepository) UpdateStatus(ctx context.Context, cartID int64, status model.CartStatus) error {
	res := r.db.WithContext(ctx).
		Model(&model.Cart{}).
		Where("id = ?", cartID).
		Update("status", status)

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// 指定カートの明細を全削除
func (r *CartGormRepository) Clear(ctx context.Context, cartID int64) error {
	return r.db.WithContext(ctx).
		Where("cart_id = ?", cartID).
		Delete(&model.CartItem{}).Error
}

// カート明細を一覧取得
func (r *CartGormRepository) ListByCartID(ctx context.Context, cartID int64) ([]model.CartItem, error) {
	var items []model.CartItem

	if err := r.db.WithContext(ctx).
		Where("cart_id = ?", cartID).
		Order("id asc").
		Find(&items).Error; err != nil {
		return []model.CartItem{}, err
	}

	return items, nil
}

// 同一商品は数量加算。読んでから書くのではなく1文のupsertで加算する。
func (r *CartGormRepository) UpsertAdd(ctx context.Context, cartID int64, productID int64, addQty int64, unitPrice decimal.Decimal) error {
	if addQty <= 0 {
		return errors.New("invalid quantity")
	}

	item := model.CartItem{
		CartID:            cartID,
		ProductID:         productID,
		Quantity:          addQty,
		UnitPriceSnapshot: unitPrice,
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "cart_id"}, {Name: "product_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"quantity":            gorm.Expr("cart_items.quantity + excluded.quantity"),
				"unit_price_snapshot": gorm.Expr("excluded.unit_price_snapshot"),
				"updated_at":          gorm.Expr("excluded.updated_at"),
			}),
		}).
		Create(&item).Error
}

// 明細の数量を絶対値で更新
func (r *CartGormRepository) SetQuantity(ctx context.Context, cartID int64, productID int64, qty int64, unitPrice decimal.Decimal) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.CartItem{}).
		Where("cart_id = ? AND product_id = ?", cartID, productID).
		Updates(map[string]interface{}{
			"quantity":            qty,
			"unit_price_snapshot": unitPrice,
		})

	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// 明細を削除（無くてもエラーにしない）
func (r *CartGormRepository) DeleteByProduct(ctx context.Context, cartID int64, productID int64) error {
	return r.db.WithContext(ctx).
		Where("cart_id = ? AND product_id = ?", cartID, productID).
		Delete(&model.CartItem{}).Error
}

func (r *CartGormRepository) DeleteByProducts(ctx context.Context, cartID int64, productIDs []int64) error {
	if len(productIDs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Where("cart_id = ? AND product_id IN ?", cartID, productIDs).
		Delete(&model.CartItem{}).Error
}

// 注文に入った数量だけ減らし、0以下になった明細を消す。確定中に足された分は残る。
func (r *CartGormRepository) SubtractOrdered(ctx context.Context, cartID int64, items []model.OrderItem) error {
	for _, it := range items {
		if err := r.db.WithContext(ctx).
			Model(&model.CartItem{}).
			Where("cart_id = ? AND product_id = ?", cartID, it.ProductID).
			Update("quantity", gorm.Expr("quantity - ?", it.Quantity)).Error; err != nil {
			return err
		}
	}
	return r.db.WithContext(ctx).
		Where("cart_id = ? AND quantity <= 0", cartID).
		Delete(&model.CartItem{}).Error
}
