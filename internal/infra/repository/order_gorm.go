package repository

import (
	"context"
	"errors"

	"github.com/rs-labo46/ec-checkout/internal/domain/model"
	repo "github.com/rs-labo46/ec-checkout/internal/repository"

	"gorm.io/gorm"
)

var errEmptyTransition = errors.New("order transition has no updates")

type OrderGormRepository struct {
	db *gorm.DB
}

func NewOrderGormRepository(db *gorm.DB) *OrderGormRepository {
	return &OrderGormRepository{db: db}
}

func (r *OrderGormRepository) Create(ctx context.Context, order *model.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *OrderGormRepository) FindByID(ctx context.Context, orderID int64) (model.Order, error) {
	return r.first(ctx, "id = ?", orderID)
}

func (r *OrderGormRepository) FindByGatewayToken(ctx context.Context, token string) (model.Order, error) {
	if token == "" {
		return model.Order{}, repo.ErrNotFound
	}
	return r.first(ctx, "gateway_token = ?", token)
}

func (r *OrderGormRepository) first(ctx context.Context, query string, arg interface{}) (model.Order, error) {
	var o model.Order
	err := r.db.WithContext(ctx).Where(query, arg).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Order{}, repo.ErrNotFound
	}
	if err != nil {
		return model.Order{}, err
	}
	return o, nil
}

func (r *OrderGormRepository) ListByUserID(ctx context.Context, userID int64, page int, limit int) ([]model.Order, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return []model.Order{}, 0, err
	}

	var items []model.Order
	offset := (page - 1) * limit
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id desc").
		Limit(limit).
		Offset(offset).
		Find(&items).Error
	if err != nil {
		return []model.Order{}, 0, err
	}

	return items, total, nil
}

func (r *OrderGormRepository) ListAdmin(ctx context.Context, f repo.AdminOrderListFilter) ([]model.Order, int64, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}

	q := r.db.WithContext(ctx).Model(&model.Order{})

	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.PaymentStatus != "" {
		q = q.Where("payment_status = ?", f.PaymentStatus)
	}
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}

	//期間絞り込み
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at <= ?", *f.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return []model.Order{}, 0, err
	}

	var items []model.Order
	offset := (f.Page - 1) * f.Limit
	if err := q.Order("id desc").Limit(f.Limit).Offset(offset).Find(&items).Error; err != nil {
		return []model.Order{}, 0, err
	}

	return items, total, nil
}

// 現在値がFromと一致したときだけ更新する（CAS）
func (r *OrderGormRepository) Transition(ctx context.Context, orderID int64, t repo.OrderTransition) (bool, error) {
	q := r.db.WithContext(ctx).Model(&model.Order{}).Where("id = ?", orderID)
	if len(t.FromStatuses) > 0 {
		q = q.Where("status IN ?", t.FromStatuses)
	}
	if t.FromPayment != nil {
		q = q.Where("payment_status = ?", *t.FromPayment)
	}

	updates := map[string]interface{}{}
	if t.ToStatus != nil {
		updates["status"] = *t.ToStatus
	}
	if t.ToPayment != nil {
		updates["payment_status"] = *t.ToPayment
	}
	if t.GatewayStatus != nil {
		updates["gateway_status"] = *t.GatewayStatus
	}
	if t.AuthorizationCode != nil {
		updates["authorization_code"] = *t.AuthorizationCode
	}
	if len(updates) == 0 {
		return false, errEmptyTransition
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *OrderGormRepository) SetGatewayToken(ctx context.Context, orderID int64, token string, sessionID string) error {
	res := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{
			"gateway_token":      token,
			"gateway_session_id": sessionID,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *OrderGormRepository) MarkStockReleased(ctx context.Context, orderID int64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND stock_released = ?", orderID, false).
		Update("stock_released", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
