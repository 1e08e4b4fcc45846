package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/rs-labo46/ec-checkout/internal/domain/model"
)

const (
	ExchangeName = "orders"
	ExchangeType = "topic"

	publishTimeout = 5 * time.Second
)

// *amqp.Channel のうち使う分だけ
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// 接続して orders exchange を宣言する
func SetupConn(ctx context.Context, url string, log *slog.Logger) (*amqp.Connection, *amqp.Channel, error) {
	var conn *amqp.Connection
	var err error

	for attempt := 1; attempt <= 5; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		log.WarnContext(ctx, "rabbitmq: dial failed", slog.Int("attempt", attempt), slog.Any("error", err))
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("could not open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		ExchangeName, // name
		ExchangeType, // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("could not declare exchange: %w", err)
	}

	return conn, ch, nil
}

type RabbitNotifier struct {
	ch  Channel
	log *slog.Logger
}

func NewRabbitNotifier(ch Channel, log *slog.Logger) *RabbitNotifier {
	return &RabbitNotifier{ch: ch, log: log}
}

// イベント種別をルーティングキーにして送る（例: payment.confirmed）
func (n *RabbitNotifier) Notify(ctx context.Context, ev model.OrderEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		n.log.ErrorContext(ctx, "notify: marshal event", slog.Any("error", err))
		return
	}

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, tableCarrier(headers))

	// リクエストが終わっていても送る
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err = n.ch.PublishWithContext(pctx,
		ExchangeName,
		string(ev.Type),
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    ev.OccurredAt,
			Headers:      headers,
			Body:         body,
		},
	)
	if err != nil {
		n.log.WarnContext(ctx, "notify: publish failed",
			slog.String("event", string(ev.Type)),
			slog.Int64("orderId", ev.OrderID),
			slog.Any("error", err),
		)
		return
	}
	n.log.DebugContext(ctx, "notify: published",
		slog.String("event", string(ev.Type)), slog.Int64("orderId", ev.OrderID))
}

// ブローカー未設定時はログに出すだけ
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, ev model.OrderEvent) {
	n.log.InfoContext(ctx, "notify: event",
		slog.String("event", string(ev.Type)),
		slog.Int64("orderId", ev.OrderID),
		slog.Int64("userId", ev.UserID),
		slog.String("status", string(ev.Status)),
		slog.String("paymentStatus", string(ev.PaymentStatus)),
	)
}

// トレースコンテキストをAMQPヘッダに載せる
type tableCarrier amqp.Table

func (c tableCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c tableCarrier) Set(key, value string) { c[key] = value }

func (c tableCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
