package repository

import (
	"context"
	"time"

	"github.com/rs-labo46/ec-checkout/internal/domain/model"
)

// nilの条件は使わない。期間は両端を含む。
type AuditLogFilter struct {
	ActorUserID  *int64
	Action       *model.AuditAction
	ResourceType *model.AuditResourceType
	ResourceID   *int64
	CreatedFrom  *time.Time
	CreatedTo    *time.Time
	Limit        int
	Offset       int
}

// 注文のキャンセル・返金・ステータス変更の記録。書き込みは注文更新と同じTxで行う。
type AuditLogRepository interface {
	Create(ctx context.Context, log model.AuditLog) error
	// 新しい順の1ページ分と、条件に合う総件数
	List(ctx context.Context, filter AuditLogFilter) ([]model.AuditLog, int64, error)
}
