package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

type Generator struct{}

func New() Generator { return Generator{} }

// 26文字のULID（作成順に並び、buy_orderの長さ制限に収まる）
func (Generator) OrderNumber() string {
	return ulid.Make().String()
}

func (Generator) SessionID() string {
	return uuid.NewString()
}

func (Generator) RequestID() string {
	return uuid.NewString()
}
