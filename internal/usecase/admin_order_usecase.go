package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/rs-labo46/ec-checkout/internal/domain/model"
	repo "github.com/rs-labo46/ec-checkout/internal/repository"
)

type AdminOrderUsecase struct {
	tx        repo.TransactionManager
	orders    repo.OrderRepository
	items     repo.OrderItemRepository
	auditRepo repo.AuditLogRepository
	notifier  Notifier
	log       *slog.Logger
	now       func() time.Time
}

func NewAdminOrderUsecase(
	tx repo.TransactionManager,
	orders repo.OrderRepository,
	items repo.OrderItemRepository,
	auditRepo repo.AuditLogRepository,
	notifier Notifier,
	log *slog.Logger,
) *AdminOrderUsecase {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &AdminOrderUsecase{
		tx:        tx,
		orders:    orders,
		items:     items,
		auditRepo: auditRepo,
		notifier:  notifier,
		log:       log,
		now:       time.Now,
	}
}

type AdminUpdateOrderStatusInput struct {
	Status string
}

// 注文一覧（管理者）
func (u *AdminOrderUsecase) List(ctx context.Context, f repo.AdminOrderListFilter) (OrderListOutput, error) {
	page, limit, err := normalizePage(f.Page, f.Limit)
	if err != nil {
		return OrderListOutput{}, err
	}
	f.Page, f.Limit = page, limit

	if f.Status != "" {
		if _, ok := model.ParseOrderStatus(f.Status); !ok {
			return OrderListOutput{}, errValidation("invalid status")
		}
	}
	if f.PaymentStatus != "" {
		if _, ok := model.ParsePaymentStatus(f.PaymentStatus); !ok {
			return OrderListOutput{}, errValidation("invalid paymentStatus")
		}
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return OrderListOutput{}, errValidation("from must be before to")
	}

	orders, total, err := u.orders.ListAdmin(ctx, f)
	if err != nil {
		return OrderListOutput{}, errInternal(ctx, u.log, "admin: list orders", err)
	}

	outs := make([]OrderOutput, 0, len(orders))
	for _, o := range orders {
		items, err := u.items.ListByOrderID(ctx, o.ID)
		if err != nil {
			return OrderListOutput{}, errInternal(ctx, u.log, "admin: list order items", err, slog.Int64("orderId", o.ID))
		}
		outs = append(outs, toOrderOutput(o, items))
	}
	return OrderListOutput{Items: outs, Total: total, Page: page, Limit: limit}, nil
}

// 出荷系のステータスを進める（confirmed→processing→shipped→delivered）。
// キャンセルはCheckoutUsecase.CancelOrderで行う。
func (u *AdminOrderUsecase) AdvanceStatus(ctx context.Context, actorAdminUserID int64, orderID int64, in AdminUpdateOrderStatusInput) (OrderOutput, error) {
	if actorAdminUserID <= 0 {
		return OrderOutput{}, errUnauthorized()
	}
	if orderID <= 0 {
		return OrderOutput{}, errValidation("invalid id")
	}

	next, ok := model.ParseOrderStatus(strings.ToLower(strings.TrimSpace(in.Status)))
	if !ok || !next.IsFulfillment() {
		return OrderOutput{}, errValidation("invalid status")
	}

	var (
		before model.Order
		after  model.Order
		items  []model.OrderItem
		noop   bool
	)
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, orderID)
		if errors.Is(err, repo.ErrNotFound) {
			return errNotFound("order not found")
		}
		if err != nil {
			return errInternal(ctx, u.log, "admin: find order", err, slog.Int64("orderId", orderID))
		}
		before = o

		if o.Status == next {
			//同じなら何もしない
			noop = true
			after = o
		} else {
			if o.PaymentStatus != model.PaymentStatusPaid {
				return errInvalidTransition(&model.TransitionError{
					Field: "paymentStatus",
					From:  string(o.PaymentStatus),
					To:    string(model.PaymentStatusPaid),
				})
			}
			if err := o.TransitionStatus(next); err != nil {
				return errInvalidTransition(err)
			}

			paid := model.PaymentStatusPaid
			ok, err := r.Orders().Transition(ctx, orderID, repo.OrderTransition{
				FromStatuses: []model.OrderStatus{before.Status},
				ToStatus:     &next,
				FromPayment:  &paid,
			})
			if err != nil {
				return errInternal(ctx, u.log, "admin: update status", err, slog.Int64("orderId", orderID))
			}
			if !ok {
				return errConflict("order was modified concurrently")
			}

			if after, err = r.Orders().FindByID(ctx, orderID); err != nil {
				return errInternal(ctx, u.log, "admin: reload order", err, slog.Int64("orderId", orderID))
			}

			// 監査ログ（UPDATE_ORDER_STATUS）
			if err := r.AuditLogs().Create(ctx, model.AuditLog{
				ActorUserID:  actorAdminUserID,
				Action:       model.AuditActionUpdateOrderStatus,
				ResourceType: model.AuditResourceOrder,
				ResourceID:   orderID,
				BeforeJSON:   orderStateJSON(before),
				AfterJSON:    orderStateJSON(after),
				CreatedAt:    u.now(),
			}); err != nil {
				return errInternal(ctx, u.log, "admin: audit log", err, slog.Int64("orderId", orderID))
			}
		}

		items, err = r.OrderItems().ListByOrderID(ctx, orderID)
		if err != nil {
			return errInternal(ctx, u.log, "admin: list order items", err, slog.Int64("orderId", orderID))
		}
		return nil
	})
	if err != nil {
		return OrderOutput{}, err
	}

	if !noop {
		u.log.InfoContext(ctx, "admin: order status changed",
			slog.Int64("orderId", orderID),
			slog.Int64("actorUserId", actorAdminUserID),
			slog.String("from", string(before.Status)),
			slog.String("to", string(after.Status)),
		)
		u.notifier.Notify(ctx, model.NewOrderEvent(model.EventOrderStatusChanged, after, u.now()))
	}
	return toOrderOutput(after, items), nil
}

type AuditLogQuery struct {
	Action     string
	ResourceID *int64
	ActorID    *int64
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

type AuditLogListOutput struct {
	Items  []model.AuditLog `json:"items"`
	Total  int64            `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 200
)

// 監査ログ一覧（新しい順）
func (u *AdminOrderUsecase) ListAuditLogs(ctx context.Context, q AuditLogQuery) (AuditLogListOutput, error) {
	if q.Limit == 0 {
		q.Limit = defaultAuditLimit
	}
	if q.Limit < 0 || q.Limit > maxAuditLimit {
		return AuditLogListOutput{}, errValidation("invalid limit")
	}
	if q.Offset < 0 {
		return AuditLogListOutput{}, errValidation("invalid offset")
	}
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return AuditLogListOutput{}, errValidation("from must be before to")
	}

	f := repo.AuditLogFilter{
		ActorUserID: q.ActorID,
		ResourceID:  q.ResourceID,
		CreatedFrom: q.From,
		CreatedTo:   q.To,
		Limit:       q.Limit,
		Offset:      q.Offset,
	}
	if q.Action != "" {
		a := model.AuditAction(strings.ToUpper(q.Action))
		switch a {
		case model.AuditActionUpdateOrderStatus, model.AuditActionCancelOrder, model.AuditActionRefundPayment:
			f.Action = &a
		default:
			return AuditLogListOutput{}, errValidation("invalid action")
		}
	}
	if q.ResourceID != nil {
		rt := model.AuditResourceOrder
		f.ResourceType = &rt
	}

	logs, total, err := u.auditRepo.List(ctx, f)
	if err != nil {
		return AuditLogListOutput{}, errInternal(ctx, u.log, "admin: list audit logs", err)
	}
	return AuditLogListOutput{Items: logs, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}
