package usecase

import (
	"context"
	"time"

	"github.com/rs-labo46/ec-checkout/internal/domain/model"
)

// 認証済みの呼び出し元（JWTから復元）
type AuthContext struct {
	UserID  int64
	IsAdmin bool
}

// 本人か管理者だけ注文を見られる
func (a AuthContext) CanAccess(o model.Order) bool {
	return a.IsAdmin || o.IsOwnedBy(a.UserID)
}

// 注文・決済イベントの通知（メール送信側へ）。失敗しても呼び出し側には返さない。
type Notifier interface {
	Notify(ctx context.Context, ev model.OrderEvent)
}

// 決済確定をトークン単位で直列化するロック。
// 取れなければ ok=false。release は何度呼んでもよい。
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// 注文番号とゲートウェイのセッションIDを発行する
type IDGenerator interface {
	OrderNumber() string
	SessionID() string
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, model.OrderEvent) {}
