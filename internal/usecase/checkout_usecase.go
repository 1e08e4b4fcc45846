package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs-labo46/ec-checkout/internal/domain/gateway"
	"github.com/rs-labo46/ec-checkout/internal/domain/model"
	repo "github.com/rs-labo46/ec-checkout/internal/repository"
	"github.com/shopspring/decimal"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// これより長く CHECKING_OUT のままのカートは取り直せる
	checkoutStaleAfter = 10 * time.Minute
	maxNotesLength     = 1000
)

// カート→注文→在庫→決済をまとめる。失敗時の補償もここで持つ。
type CheckoutUsecase struct {
	tx         repo.TransactionManager
	orders     repo.OrderRepository
	orderItems repo.OrderItemRepository
	carts      repo.CartRepository
	guard      *InventoryGuard
	bridge     *PaymentBridge
	notifier   Notifier
	locker     Locker
	ids        IDGenerator
	log        *slog.Logger
	now        func() time.Time
	tracer     trace.Tracer
}

type CheckoutDeps struct {
	Tx         repo.TransactionManager
	Orders     repo.OrderRepository
	OrderItems repo.OrderItemRepository
	Carts      repo.CartRepository
	Guard      *InventoryGuard
	Bridge     *PaymentBridge
	Notifier   Notifier
	Locker     Locker
	IDs        IDGenerator
	Log        *slog.Logger
	Now        func() time.Time
}

func NewCheckoutUsecase(d CheckoutDeps) *CheckoutUsecase {
	if d.Notifier == nil {
		d.Notifier = noopNotifier{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &CheckoutUsecase{
		tx:         d.Tx,
		orders:     d.Orders,
		orderItems: d.OrderItems,
		carts:      d.Carts,
		guard:      d.Guard,
		bridge:     d.Bridge,
		notifier:   d.Notifier,
		locker:     d.Locker,
		ids:        d.IDs,
		log:        d.Log,
		now:        d.Now,
		tracer:     otel.Tracer("github.com/rs-labo46/ec-checkout/internal/usecase"),
	}
}

type CreateOrderInput struct {
	ShippingAddress model.ShippingAddress
	Notes           string
}

type CheckoutOutput struct {
	OrderID     int64           `json:"orderId"`
	OrderNumber string          `json:"orderNumber"`
	Amount      decimal.Decimal `json:"amount"`
	RedirectURL string          `json:"redirectUrl"`
	Token       string          `json:"token"`
	Order       OrderOutput     `json:"order"`
}

type PaymentResult struct {
	OrderID           int64               `json:"orderId"`
	OrderNumber       string              `json:"orderNumber"`
	Status            model.OrderStatus   `json:"status"`
	PaymentStatus     model.PaymentStatus `json:"paymentStatus"`
	AuthorizationCode *string             `json:"authorizationCode"`
	Amount            decimal.Decimal     `json:"amount"`
}

type RemotePaymentStatus struct {
	Status            string          `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	AuthorizationCode string          `json:"authorizationCode,omitempty"`
	ResponseCode      int             `json:"responseCode"`
}

type PaymentStatusOutput struct {
	PaymentResult
	GatewayStatus *string              `json:"gatewayStatus,omitempty"`
	Remote        *RemotePaymentStatus `json:"remote,omitempty"`
}

// カートから注文を作り、決済を開始する。
// 在庫引当と注文保存を先にコミットし、外部決済が失敗したら補償する。
func (u *CheckoutUsecase) CreateOrder(ctx context.Context, userID int64, in CreateOrderInput) (CheckoutOutput, error) {
	ctx, span := u.tracer.Start(ctx, "checkout.CreateOrder", trace.WithAttributes(attribute.Int64("user.id", userID)))
	defer span.End()

	if userID <= 0 {
		return CheckoutOutput{}, errUnauthorized()
	}
	addr, err := validateShippingAddress(in.ShippingAddress)
	if err != nil {
		return CheckoutOutput{}, err
	}
	notes := strings.TrimSpace(in.Notes)
	if utf8.RuneCountInString(notes) > maxNotesLength {
		return CheckoutOutput{}, errValidation("notes is too long")
	}
	if err := u.bridge.CheckConfigured(ctx); err != nil {
		recordSpanError(span, err)
		return CheckoutOutput{}, err
	}

	var (
		order      model.Order
		orderItems []model.OrderItem
		cartID     int64
	)

	err = u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		cart, err := r.Carts().FindByUserID(ctx, userID)
		if errors.Is(err, repo.ErrNotFound) {
			return errEmptyCart()
		}
		if err != nil {
			return errInternal(ctx, u.log, "checkout: find cart", err, slog.Int64("userId", userID))
		}

		//同じカートの同時確定は片方だけ通す
		claimed, err := r.Carts().ClaimForCheckout(ctx, cart.ID, u.now().Add(-checkoutStaleAfter))
		if err != nil {
			return errInternal(ctx, u.log, "checkout: claim cart", err, slog.Int64("userId", userID))
		}
		if !claimed {
			return errEmptyCart()
		}

		cartItems, err := r.CartItems().ListByCartID(ctx, cart.ID)
		if err != nil {
			return errInternal(ctx, u.log, "checkout: list cart items", err, slog.Int64("userId", userID))
		}
		if len(cartItems) == 0 {
			return errEmptyCart()
		}

		lines := make([]ReserveLine, 0, len(cartItems))
		for _, ci := range cartItems {
			lines = append(lines, ReserveLine{ProductID: ci.ProductID, Quantity: ci.Quantity})
		}
		res, err := u.guard.ValidateAndReserve(ctx, r, lines)
		if err != nil {
			return err
		}

		//価格はカートに入れた時点のもの
		orderItems = make([]model.OrderItem, 0, len(cartItems))
		for _, ci := range cartItems {
			line, _ := res.Line(ci.ProductID)
			orderItems = append(orderItems, model.NewOrderItem(ci.ProductID, line.Name, ci.UnitPriceSnapshot, ci.Quantity))
		}

		order = model.Order{
			OrderNumber:     u.ids.OrderNumber(),
			UserID:          userID,
			Status:          model.OrderStatusPending,
			PaymentStatus:   model.PaymentStatusPending,
			PaymentMethod:   model.PaymentMethodWebpay,
			TotalAmount:     model.OrderTotal(orderItems),
			ShippingAddress: addr,
			Notes:           notes,
		}
		if err := r.Orders().Create(ctx, &order); err != nil {
			return errInternal(ctx, u.log, "checkout: create order", err, slog.Int64("userId", userID))
		}
		if err := r.OrderItems().CreateBulk(ctx, order.ID, orderItems); err != nil {
			return errInternal(ctx, u.log, "checkout: create order items", err, slog.Int64("orderId", order.ID))
		}
		if err := r.Inventory().CreateMovements(ctx, res.Movements(order.ID)); err != nil {
			return errInternal(ctx, u.log, "checkout: record movements", err, slog.Int64("orderId", order.ID))
		}

		cartID = cart.ID
		return nil
	})
	if err != nil {
		recordSpanError(span, err)
		return CheckoutOutput{}, err
	}
	span.SetAttributes(attribute.Int64("order.id", order.ID))

	sessionID := u.ids.SessionID()
	resp, err := u.bridge.Open(ctx, order, sessionID)
	if err != nil {
		u.compensateOpen(ctx, order, cartID)
		recordSpanError(span, err)
		return CheckoutOutput{}, err
	}

	err = u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		if err := r.Orders().SetGatewayToken(ctx, order.ID, resp.Token, sessionID); err != nil {
			return err
		}
		//確定中に足された明細はカートに残す
		if err := r.CartItems().SubtractOrdered(ctx, cartID, orderItems); err != nil {
			return err
		}
		return r.Carts().UpdateStatus(ctx, cartID, model.CartStatusActive)
	})
	if err != nil {
		u.compensateOpen(ctx, order, cartID)
		recordSpanError(span, err)
		return CheckoutOutput{}, errInternal(ctx, u.log, "checkout: save gateway token", err, slog.Int64("orderId", order.ID))
	}

	order.GatewayToken = &resp.Token
	order.GatewaySessionID = &sessionID

	u.log.InfoContext(ctx, "checkout: order created",
		slog.Int64("orderId", order.ID),
		slog.Int64("userId", userID),
		slog.String("orderNumber", order.OrderNumber),
		slog.String("amount", order.TotalAmount.StringFixed(2)),
	)
	u.notify(ctx, model.EventOrderCreated, order)

	return CheckoutOutput{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		Amount:      order.TotalAmount,
		RedirectURL: resp.RedirectURL(),
		Token:       resp.Token,
		Order:       toOrderOutput(order, orderItems),
	}, nil
}

// 決済開始に失敗した注文を cancelled / failed にして在庫を戻し、カートを元に戻す
func (u *CheckoutUsecase) compensateOpen(ctx context.Context, o model.Order, cartID int64) {
	ctx = context.WithoutCancel(ctx)

	cancelled := model.OrderStatusCancelled
	pending := model.PaymentStatusPending
	failed := model.PaymentStatusFailed

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		ok, err := r.Orders().Transition(ctx, o.ID, repo.OrderTransition{
			FromStatuses: []model.OrderStatus{model.OrderStatusPending},
			ToStatus:     &cancelled,
			FromPayment:  &pending,
			ToPayment:    &failed,
		})
		if err != nil || !ok {
			return err
		}
		_, err = u.guard.Restore(ctx, r, o.ID)
		return err
	})
	if err != nil {
		u.log.ErrorContext(ctx, "checkout: compensation failed",
			slog.Int64("orderId", o.ID), slog.Any("error", err))
	}
	if err := u.carts.UpdateStatus(ctx, cartID, model.CartStatusActive); err != nil {
		u.log.ErrorContext(ctx, "checkout: release cart failed",
			slog.Int64("orderId", o.ID), slog.Int64("cartId", cartID), slog.Any("error", err))
	}
	u.log.WarnContext(ctx, "checkout: order cancelled after payment open failure", slog.Int64("orderId", o.ID))
}

// ゲートウェイから戻ってきたトークンで決済を確定する。認証なしで呼ばれる。
// 同じトークンで何度呼ばれても結果は同じ。
func (u *CheckoutUsecase) ConfirmPayment(ctx context.Context, token string) (PaymentResult, error) {
	ctx, span := u.tracer.Start(ctx, "checkout.ConfirmPayment")
	defer span.End()

	token = strings.TrimSpace(token)
	if token == "" {
		return PaymentResult{}, errValidation("token is required")
	}

	o, err := u.findByToken(ctx, token)
	if err != nil {
		return PaymentResult{}, err
	}
	span.SetAttributes(attribute.Int64("order.id", o.ID))
	if o.PaymentSettled() {
		return toPaymentResult(o), nil
	}
	if o.Status == model.OrderStatusCancelled {
		return PaymentResult{}, errGateway(gateway.ErrInvalidState)
	}

	release, err := u.lockToken(ctx, token)
	if err != nil {
		return PaymentResult{}, err
	}
	defer release()

	//ロック待ちの間に確定しているかもしれない
	o, err = u.findByToken(ctx, token)
	if err != nil {
		return PaymentResult{}, err
	}
	if o.PaymentSettled() {
		return toPaymentResult(o), nil
	}
	if o.Status == model.OrderStatusCancelled {
		return PaymentResult{}, errGateway(gateway.ErrInvalidState)
	}

	txn, err := u.bridge.Commit(ctx, token)
	if err != nil {
		recordSpanError(span, err)
		if errors.Is(err, gateway.ErrAborted) {
			if _, ferr := u.settleFailure(ctx, o, "ABORTED"); ferr != nil {
				return PaymentResult{}, ferr
			}
		}
		return PaymentResult{}, err
	}

	if !txn.Amount.Equal(o.TotalAmount) {
		u.log.WarnContext(ctx, "payment: committed amount differs from order total",
			slog.Int64("orderId", o.ID),
			slog.String("orderAmount", o.TotalAmount.String()),
			slog.String("gatewayAmount", txn.Amount.String()),
		)
	}

	if txn.Authorized() {
		return u.settleSuccess(ctx, o, txn)
	}
	return u.settleFailure(ctx, o, txn.Status)
}

// 利用者がゲートウェイ画面で中断した（TBK_TOKENで戻ってきた）
func (u *CheckoutUsecase) AbortPayment(ctx context.Context, token string) (PaymentResult, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return PaymentResult{}, errValidation("token is required")
	}

	o, err := u.findByToken(ctx, token)
	if err != nil {
		return PaymentResult{}, err
	}
	if o.PaymentSettled() {
		return toPaymentResult(o), nil
	}

	release, err := u.lockToken(ctx, token)
	if err != nil {
		return PaymentResult{}, err
	}
	defer release()

	o, err = u.findByToken(ctx, token)
	if err != nil {
		return PaymentResult{}, err
	}
	if o.PaymentSettled() {
		return toPaymentResult(o), nil
	}

	//念のため承認済みでないか確認する
	if txn, err := u.bridge.QueryStatus(ctx, token); err == nil && txn.Authorized() {
		return u.settleSuccess(ctx, o, txn)
	}

	if _, err := u.settleFailure(ctx, o, "ABORTED"); err != nil {
		return PaymentResult{}, err
	}
	return PaymentResult{}, errGateway(gateway.ErrAborted)
}

// paid + confirmed にする（pending のときだけ）
func (u *CheckoutUsecase) settleSuccess(ctx context.Context, o model.Order, txn gateway.Transaction) (PaymentResult, error) {
	pending := model.PaymentStatusPending
	paid := model.PaymentStatusPaid
	confirmed := model.OrderStatusConfirmed
	gwStatus := txn.Status

	t := repo.OrderTransition{
		FromStatuses:  []model.OrderStatus{model.OrderStatusPending},
		ToStatus:      &confirmed,
		FromPayment:   &pending,
		ToPayment:     &paid,
		GatewayStatus: &gwStatus,
	}
	if txn.AuthorizationCode != "" {
		code := txn.AuthorizationCode
		t.AuthorizationCode = &code
	}

	applied, err := u.orders.Transition(ctx, o.ID, t)
	if err != nil {
		return PaymentResult{}, errInternal(ctx, u.log, "payment: mark paid", err, slog.Int64("orderId", o.ID))
	}

	cur, err := u.orders.FindByID(ctx, o.ID)
	if err != nil {
		return PaymentResult{}, errInternal(ctx, u.log, "payment: reload order", err, slog.Int64("orderId", o.ID))
	}
	if !applied {
		u.log.WarnContext(ctx, "payment: order changed before it could be marked paid", slog.Int64("orderId", o.ID))
		return toPaymentResult(cur), nil
	}

	u.log.InfoContext(ctx, "payment: confirmed", slog.Int64("orderId", o.ID), slog.Int64("userId", o.UserID))
	u.notify(ctx, model.EventPaymentConfirmed, cur)
	return toPaymentResult(cur), nil
}

// failed にして引当を戻す。status はそのまま。
func (u *CheckoutUsecase) settleFailure(ctx context.Context, o model.Order, gatewayStatus string) (PaymentResult, error) {
	pending := model.PaymentStatusPending
	failed := model.PaymentStatusFailed

	var applied bool
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		t := repo.OrderTransition{FromPayment: &pending, ToPayment: &failed}
		if gatewayStatus != "" {
			t.GatewayStatus = &gatewayStatus
		}
		ok, err := r.Orders().Transition(ctx, o.ID, t)
		if err != nil {
			return err
		}
		applied = ok
		if !ok {
			return nil
		}
		_, err = u.guard.Restore(ctx, r, o.ID)
		return err
	})
	if err != nil {
		return PaymentResult{}, errInternal(ctx, u.log, "payment: mark failed", err, slog.Int64("orderId", o.ID))
	}

	cur, err := u.orders.FindByID(ctx, o.ID)
	if err != nil {
		return PaymentResult{}, errInternal(ctx, u.log, "payment: reload order", err, slog.Int64("orderId", o.ID))
	}
	if applied {
		u.log.InfoContext(ctx, "payment: failed",
			slog.Int64("orderId", o.ID), slog.String("gatewayStatus", gatewayStatus))
		u.notify(ctx, model.EventPaymentFailed, cur)
	}
	return toPaymentResult(cur), nil
}

// 決済状態の照会（本人または管理者）。ローカルの状態は変えない。
func (u *CheckoutUsecase) PaymentStatus(ctx context.Context, auth AuthContext, orderID int64) (PaymentStatusOutput, error) {
	o, err := u.accessibleOrder(ctx, auth, orderID)
	if err != nil {
		return PaymentStatusOutput{}, err
	}

	out := PaymentStatusOutput{PaymentResult: toPaymentResult(o), GatewayStatus: o.GatewayStatus}
	if o.GatewayToken == nil || o.PaymentSettled() {
		return out, nil
	}

	txn, err := u.bridge.QueryStatus(ctx, *o.GatewayToken)
	if err != nil {
		//照会できなくてもローカルの状態は返す
		return out, nil
	}
	out.Remote = &RemotePaymentStatus{
		Status:            txn.Status,
		Amount:            txn.Amount,
		AuthorizationCode: txn.AuthorizationCode,
		ResponseCode:      txn.ResponseCode,
	}
	return out, nil
}

// 注文キャンセル。支払済みなら先に返金し、失敗したら何も変えない。
func (u *CheckoutUsecase) CancelOrder(ctx context.Context, auth AuthContext, orderID int64) (OrderOutput, error) {
	ctx, span := u.tracer.Start(ctx, "checkout.CancelOrder", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	o, err := u.accessibleOrder(ctx, auth, orderID)
	if err != nil {
		return OrderOutput{}, err
	}
	if err := checkCancellable(o); err != nil {
		return OrderOutput{}, err
	}

	//決済確定と同時に走らないようにする
	if o.GatewayToken != nil {
		release, err := u.lockToken(ctx, *o.GatewayToken)
		if err != nil {
			return OrderOutput{}, err
		}
		defer release()

		if o, err = u.findByID(ctx, orderID); err != nil {
			return OrderOutput{}, err
		}
		if err := checkCancellable(o); err != nil {
			return OrderOutput{}, err
		}
	}

	refunded := false
	if o.PaymentStatus == model.PaymentStatusPaid {
		if o.GatewayToken == nil {
			return OrderOutput{}, errGateway(gateway.ErrInvalidState)
		}
		if _, err := u.bridge.Refund(ctx, *o.GatewayToken, o.TotalAmount); err != nil {
			recordSpanError(span, err)
			return OrderOutput{}, err
		}
		refunded = true
	}

	cancelled := model.OrderStatusCancelled
	fromPayment := o.PaymentStatus
	t := repo.OrderTransition{
		FromStatuses: model.CancellableStatuses(),
		ToStatus:     &cancelled,
		FromPayment:  &fromPayment,
	}
	if refunded {
		to := model.PaymentStatusRefunded
		t.ToPayment = &to
	}

	var after model.Order
	var items []model.OrderItem
	err = u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		ok, err := r.Orders().Transition(ctx, o.ID, t)
		if err != nil {
			return errInternal(ctx, u.log, "cancel: update order", err, slog.Int64("orderId", o.ID))
		}
		if !ok {
			return errConflict("order was modified concurrently")
		}
		if _, err := u.guard.Restore(ctx, r, o.ID); err != nil {
			return errInternal(ctx, u.log, "cancel: restore stock", err, slog.Int64("orderId", o.ID))
		}
		if after, err = r.Orders().FindByID(ctx, o.ID); err != nil {
			return errInternal(ctx, u.log, "cancel: reload order", err, slog.Int64("orderId", o.ID))
		}
		if items, err = r.OrderItems().ListByOrderID(ctx, o.ID); err != nil {
			return errInternal(ctx, u.log, "cancel: list items", err, slog.Int64("orderId", o.ID))
		}
		if err := r.AuditLogs().Create(ctx, u.auditEntry(auth.UserID, model.AuditActionCancelOrder, o, after)); err != nil {
			return errInternal(ctx, u.log, "cancel: audit log", err, slog.Int64("orderId", o.ID))
		}
		return nil
	})
	if err != nil {
		if refunded {
			u.log.ErrorContext(ctx, "cancel: refunded but order was not cancelled",
				slog.Int64("orderId", o.ID), slog.Any("error", err))
		}
		recordSpanError(span, err)
		return OrderOutput{}, err
	}

	u.log.InfoContext(ctx, "cancel: order cancelled",
		slog.Int64("orderId", o.ID), slog.Int64("actorUserId", auth.UserID), slog.Bool("refunded", refunded))
	u.notify(ctx, model.EventOrderCancelled, after)
	if refunded {
		u.notify(ctx, model.EventPaymentRefunded, after)
	}
	return toOrderOutput(after, items), nil
}

// 管理者による返金。注文ステータスは変えない。
func (u *CheckoutUsecase) Refund(ctx context.Context, auth AuthContext, orderID int64) (PaymentResult, error) {
	ctx, span := u.tracer.Start(ctx, "checkout.Refund", trace.WithAttributes(attribute.Int64("order.id", orderID)))
	defer span.End()

	if auth.UserID <= 0 {
		return PaymentResult{}, errUnauthorized()
	}
	if !auth.IsAdmin {
		return PaymentResult{}, errForbidden()
	}

	o, err := u.findByID(ctx, orderID)
	if err != nil {
		return PaymentResult{}, err
	}
	if err := checkRefundable(o); err != nil {
		return PaymentResult{}, err
	}

	release, err := u.lockToken(ctx, *o.GatewayToken)
	if err != nil {
		return PaymentResult{}, err
	}
	defer release()

	if o, err = u.findByID(ctx, orderID); err != nil {
		return PaymentResult{}, err
	}
	if err := checkRefundable(o); err != nil {
		return PaymentResult{}, err
	}

	if _, err := u.bridge.Refund(ctx, *o.GatewayToken, o.TotalAmount); err != nil {
		recordSpanError(span, err)
		return PaymentResult{}, err
	}

	paid := model.PaymentStatusPaid
	refunded := model.PaymentStatusRefunded
	var after model.Order
	err = u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		ok, err := r.Orders().Transition(ctx, o.ID, repo.OrderTransition{FromPayment: &paid, ToPayment: &refunded})
		if err != nil {
			return errInternal(ctx, u.log, "refund: update order", err, slog.Int64("orderId", o.ID))
		}
		if !ok {
			return errConflict("order was modified concurrently")
		}
		if after, err = r.Orders().FindByID(ctx, o.ID); err != nil {
			return errInternal(ctx, u.log, "refund: reload order", err, slog.Int64("orderId", o.ID))
		}
		if err := r.AuditLogs().Create(ctx, u.auditEntry(auth.UserID, model.AuditActionRefundPayment, o, after)); err != nil {
			return errInternal(ctx, u.log, "refund: audit log", err, slog.Int64("orderId", o.ID))
		}
		return nil
	})
	if err != nil {
		u.log.ErrorContext(ctx, "refund: gateway refunded but order was not updated",
			slog.Int64("orderId", o.ID), slog.Any("error", err))
		return PaymentResult{}, err
	}

	u.log.InfoContext(ctx, "refund: payment refunded", slog.Int64("orderId", o.ID), slog.Int64("actorUserId", auth.UserID))
	u.notify(ctx, model.EventPaymentRefunded, after)
	return toPaymentResult(after), nil
}

func checkCancellable(o model.Order) error {
	if !o.Status.CanTransitionTo(model.OrderStatusCancelled) {
		return errInvalidTransition(&model.TransitionError{
			Field: "status",
			From:  string(o.Status),
			To:    string(model.OrderStatusCancelled),
		})
	}
	return nil
}

func checkRefundable(o model.Order) error {
	if !o.PaymentStatus.CanTransitionTo(model.PaymentStatusRefunded) {
		return errInvalidTransition(&model.TransitionError{
			Field: "paymentStatus",
			From:  string(o.PaymentStatus),
			To:    string(model.PaymentStatusRefunded),
		})
	}
	if o.GatewayToken == nil {
		return errGateway(gateway.ErrInvalidState)
	}
	return nil
}

func (u *CheckoutUsecase) accessibleOrder(ctx context.Context, auth AuthContext, orderID int64) (model.Order, error) {
	if auth.UserID <= 0 {
		return model.Order{}, errUnauthorized()
	}
	if orderID <= 0 {
		return model.Order{}, errValidation("invalid id")
	}
	o, err := u.findByID(ctx, orderID)
	if err != nil {
		return model.Order{}, err
	}
	if !auth.CanAccess(o) {
		u.log.WarnContext(ctx, "order: access denied",
			slog.Int64("userId", auth.UserID), slog.Int64("orderId", orderID))
		return model.Order{}, errForbidden()
	}
	return o, nil
}

func (u *CheckoutUsecase) findByID(ctx context.Context, orderID int64) (model.Order, error) {
	o, err := u.orders.FindByID(ctx, orderID)
	if errors.Is(err, repo.ErrNotFound) {
		return model.Order{}, errNotFound("order not found")
	}
	if err != nil {
		return model.Order{}, errInternal(ctx, u.log, "order: find", err, slog.Int64("orderId", orderID))
	}
	return o, nil
}

func (u *CheckoutUsecase) findByToken(ctx context.Context, token string) (model.Order, error) {
	o, err := u.orders.FindByGatewayToken(ctx, token)
	if errors.Is(err, repo.ErrNotFound) {
		return model.Order{}, errNotFound("order not found")
	}
	if err != nil {
		return model.Order{}, errInternal(ctx, u.log, "payment: find order by token", err)
	}
	return o, nil
}

// 同じ決済トークンへの確定・キャンセル・返金を直列化する
func (u *CheckoutUsecase) lockToken(ctx context.Context, token string) (func(), error) {
	release, ok, err := u.locker.Acquire(ctx, "payment:"+token, u.bridge.LockTTL())
	if err != nil {
		return nil, errInternal(ctx, u.log, "payment: acquire lock", err)
	}
	if !ok {
		return nil, errConflict("payment is already being processed")
	}
	return release, nil
}

func (u *CheckoutUsecase) notify(ctx context.Context, t model.OrderEventType, o model.Order) {
	u.notifier.Notify(ctx, model.NewOrderEvent(t, o, u.now()))
}

func (u *CheckoutUsecase) auditEntry(actorID int64, action model.AuditAction, before model.Order, after model.Order) model.AuditLog {
	return model.AuditLog{
		ActorUserID:  actorID,
		Action:       action,
		ResourceType: model.AuditResourceOrder,
		ResourceID:   before.ID,
		BeforeJSON:   orderStateJSON(before),
		AfterJSON:    orderStateJSON(after),
		CreatedAt:    u.now(),
	}
}

func orderStateJSON(o model.Order) string {
	b, _ := json.Marshal(map[string]string{
		"status":        string(o.Status),
		"paymentStatus": string(o.PaymentStatus),
	})
	return string(b)
}

func toPaymentResult(o model.Order) PaymentResult {
	return PaymentResult{
		OrderID:           o.ID,
		OrderNumber:       o.OrderNumber,
		Status:            o.Status,
		PaymentStatus:     o.PaymentStatus,
		AuthorizationCode: o.AuthorizationCode,
		Amount:            o.TotalAmount,
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

type fieldLimit struct {
	name  string
	value *string
	max   int
}

// 配送先は全項目必須。前後の空白は落とす。
func validateShippingAddress(a model.ShippingAddress) (model.ShippingAddress, error) {
	fields := []fieldLimit{
		{"street", &a.Street, 255},
		{"city", &a.City, 100},
		{"state", &a.State, 100},
		{"zip", &a.Zip, 20},
		{"country", &a.Country, 100},
	}

	problems := map[string]any{}
	for _, f := range fields {
		*f.value = strings.TrimSpace(*f.value)
		switch {
		case *f.value == "":
			problems[f.name] = "required"
		case utf8.RuneCountInString(*f.value) > f.max:
			problems[f.name] = "too long"
		}
	}
	if len(problems) > 0 {
		return model.ShippingAddress{}, errValidation("invalid shipping address").withDetails(problems)
	}
	return a, nil
}
