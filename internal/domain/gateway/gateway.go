package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// 実装が返す失敗の分類。errors.Is で判定してHTTPステータスを決める
var (
	// 購入者が決済画面で中断
	ErrAborted = errors.New("gateway: transaction aborted by user")
	// 今の状態では確定・返金できない
	ErrInvalidState = errors.New("gateway: transaction in invalid state")
	// 通信失敗・タイムアウト・5xx。再試行可
	ErrUnavailable = errors.New("gateway: service unavailable")
	// 設定不備（戻り先URL、認証情報）
	ErrMisconfigured = errors.New("gateway: misconfigured")
)

// paid にできる commit 結果はこれだけ
const StatusAuthorized = "AUTHORIZED"

type CreateRequest struct {
	BuyOrder  string
	SessionID string
	Amount    decimal.Decimal
	ReturnURL string
}

type CreateResponse struct {
	Token string
	URL   string
}

// 購入者の遷移先（token_ws を付ける）
func (r CreateResponse) RedirectURL() string {
	if r.URL == "" {
		return ""
	}
	return r.URL + "?token_ws=" + r.Token
}

// 1回の決済についてゲートウェイ側の状態
type Transaction struct {
	Status            string
	BuyOrder          string
	SessionID         string
	Amount            decimal.Decimal
	AuthorizationCode string
	ResponseCode      int
	PaymentTypeCode   string
}

func (t Transaction) Authorized() bool {
	return t.Status == StatusAuthorized && t.ResponseCode == 0
}

type RefundResponse struct {
	Type              string
	AuthorizationCode string
	Balance           decimal.Decimal
	ResponseCode      int
}

// REVERSED / NULLIFIED なら返金済み
func (r RefundResponse) Succeeded() bool {
	return (r.Type == "REVERSED" || r.Type == "NULLIFIED") && r.ResponseCode == 0
}

// 外部決済サービス
type Gateway interface {
	Create(ctx context.Context, req CreateRequest) (CreateResponse, error)
	Commit(ctx context.Context, token string) (Transaction, error)
	Status(ctx context.Context, token string) (Transaction, error)
	Refund(ctx context.Context, token string, amount decimal.Decimal) (RefundResponse, error)
}
