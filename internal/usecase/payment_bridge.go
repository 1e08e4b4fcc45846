package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/rs-labo46/ec-checkout/internal/domain/gateway"
	"github.com/rs-labo46/ec-checkout/internal/domain/model"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

const (
	defaultGatewayTimeout = 15 * time.Second
	// ロック保持中のDB処理ぶんの余裕
	lockMargin = 10 * time.Second
)

// 外部決済の create / commit / status / refund をまとめる。
// 戻り値のエラーは errGateway で分類済み（errors.Is で gateway.Err* を判定できる）。
type PaymentBridge struct {
	gw        gateway.Gateway
	returnURL string
	timeout   time.Duration
	log       *slog.Logger

	polls singleflight.Group
}

func NewPaymentBridge(gw gateway.Gateway, returnURL string, timeout time.Duration, log *slog.Logger) *PaymentBridge {
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	return &PaymentBridge{
		gw:        gw,
		returnURL: strings.TrimSpace(returnURL),
		timeout:   timeout,
		log:       log,
	}
}

// トークンロックのTTL。commit は status へのフォールバックを含めて最大2回外部を呼ぶ。
func (b *PaymentBridge) LockTTL() time.Duration {
	return 2*b.timeout + lockMargin
}

// 決済を開始できる設定か。在庫を押さえる前に呼ぶ。
func (b *PaymentBridge) CheckConfigured(ctx context.Context) error {
	if b.returnURL == "" {
		b.log.ErrorContext(ctx, "payment: return url is not configured")
		return errGateway(gateway.ErrMisconfigured)
	}
	return nil
}

// 注文ごとに1回。金額と戻り先URLを確認してから外部を呼ぶ。
func (b *PaymentBridge) Open(ctx context.Context, o model.Order, sessionID string) (gateway.CreateResponse, error) {
	if !o.TotalAmount.IsPositive() {
		return gateway.CreateResponse{}, errValidation("amount must be greater than zero")
	}
	if err := b.CheckConfigured(ctx); err != nil {
		return gateway.CreateResponse{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	resp, err := b.gw.Create(ctx, gateway.CreateRequest{
		BuyOrder:  o.OrderNumber,
		SessionID: sessionID,
		Amount:    o.TotalAmount,
		ReturnURL: b.returnURL,
	})
	if err != nil {
		b.logFailure(ctx, "payment: create failed", err, slog.Int64("orderId", o.ID))
		return gateway.CreateResponse{}, errGateway(err)
	}
	if resp.Token == "" || resp.URL == "" {
		b.log.ErrorContext(ctx, "payment: create returned empty token", slog.Int64("orderId", o.ID))
		return gateway.CreateResponse{}, errGateway(gateway.ErrUnavailable)
	}
	return resp, nil
}

// commit。すでに確定済みで弾かれた場合は status を引いて結果を拾う。
func (b *PaymentBridge) Commit(ctx context.Context, token string) (gateway.Transaction, error) {
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	tx, err := b.gw.Commit(cctx, token)
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, gateway.ErrInvalidState) {
		b.logFailure(ctx, "payment: commit failed", err)
		return gateway.Transaction{}, errGateway(err)
	}

	sctx, scancel := context.WithTimeout(ctx, b.timeout)
	defer scancel()
	st, serr := b.gw.Status(sctx, token)
	if serr == nil && st.Authorized() {
		b.log.InfoContext(ctx, "payment: commit rejected but transaction already authorized")
		return st, nil
	}
	b.logFailure(ctx, "payment: commit rejected", err)
	return gateway.Transaction{}, errGateway(err)
}

// 読み取りのみ。同じトークンの同時ポーリングは1回の問い合わせにまとめる。
func (b *PaymentBridge) QueryStatus(ctx context.Context, token string) (gateway.Transaction, error) {
	v, err, _ := b.polls.Do(token, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
		defer cancel()
		return b.gw.Status(ctx, token)
	})
	if err != nil {
		b.logFailure(ctx, "payment: status failed", err)
		return gateway.Transaction{}, errGateway(err)
	}
	return v.(gateway.Transaction), nil
}

func (b *PaymentBridge) Refund(ctx context.Context, token string, amount decimal.Decimal) (gateway.RefundResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	resp, err := b.gw.Refund(ctx, token, amount)
	if err != nil {
		b.logFailure(ctx, "payment: refund failed", err)
		return gateway.RefundResponse{}, errGateway(err)
	}
	if !resp.Succeeded() {
		b.log.WarnContext(ctx, "payment: refund rejected",
			slog.String("type", resp.Type), slog.Int("responseCode", resp.ResponseCode))
		return resp, errGateway(gateway.ErrInvalidState)
	}
	return resp, nil
}

// 利用者起因（中断・状態不正）はWarn、それ以外はError
func (b *PaymentBridge) logFailure(ctx context.Context, msg string, err error, attrs ...any) {
	attrs = append(attrs, slog.Any("error", err))
	if errors.Is(err, gateway.ErrAborted) || errors.Is(err, gateway.ErrInvalidState) {
		b.log.WarnContext(ctx, msg, attrs...)
		return
	}
	b.log.ErrorContext(ctx, msg, attrs...)
}
