package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/rs-labo46/ec-checkout/internal/domain/gateway"
	"github.com/rs-labo46/ec-checkout/internal/domain/model"
	"github.com/rs-labo46/ec-checkout/internal/infra/cache"
	"github.com/rs-labo46/ec-checkout/internal/infra/idgen"
	infraRepo "github.com/rs-labo46/ec-checkout/internal/infra/repository"
	"github.com/rs-labo46/ec-checkout/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// 決済ゲートウェイの偽物。トークンは buyOrder から作る。
type fakeGateway struct {
	mu sync.Mutex

	createErr error
	commitErr error
	statusErr error
	refundErr error

	// commit の結果（空なら AUTHORIZED）
	commitStatus string
	statusResult *gateway.Transaction
	refundType   string
	// Create の途中で呼ぶ（確定中の割り込み用）
	onCreate func()

	amounts map[string]decimal.Decimal
	creates int
	commits int
	refunds int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{amounts: map[string]decimal.Decimal{}}
}

func (g *fakeGateway) Create(_ context.Context, req gateway.CreateRequest) (gateway.CreateResponse, error) {
	if g.onCreate != nil {
		g.onCreate()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.creates++
	if g.createErr != nil {
		return gateway.CreateResponse{}, g.createErr
	}
	token := "tok-" + req.BuyOrder
	g.amounts[token] = req.Amount
	return gateway.CreateResponse{Token: token, URL: "https://gateway.test/pay"}, nil
}

func (g *fakeGateway) Commit(_ context.Context, token string) (gateway.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.commits++
	if g.commitErr != nil {
		return gateway.Transaction{}, g.commitErr
	}
	status := g.commitStatus
	if status == "" {
		status = gateway.StatusAuthorized
	}
	txn := gateway.Transaction{Status: status, Amount: g.amounts[token], ResponseCode: -1}
	if status == gateway.StatusAuthorized {
		txn.ResponseCode = 0
		txn.AuthorizationCode = fmt.Sprintf("AUTH%d", g.commits)
	}
	return txn, nil
}

func (g *fakeGateway) Status(_ context.Context, token string) (gateway.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.statusErr != nil {
		return gateway.Transaction{}, g.statusErr
	}
	if g.statusResult != nil {
		return *g.statusResult, nil
	}
	return gateway.Transaction{Status: "INITIALIZED", Amount: g.amounts[token], ResponseCode: -1}, nil
}

func (g *fakeGateway) Refund(_ context.Context, _ string, amount decimal.Decimal) (gateway.RefundResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.refunds++
	if g.refundErr != nil {
		return gateway.RefundResponse{}, g.refundErr
	}
	typ := g.refundType
	if typ == "" {
		typ = "REVERSED"
	}
	return gateway.RefundResponse{Type: typ, Balance: decimal.Zero, ResponseCode: 0}, nil
}

func (g *fakeGateway) counts() (creates, commits, refunds int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates, g.commits, g.refunds
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.OrderEvent
}

func (n *recordingNotifier) Notify(_ context.Context, ev model.OrderEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) types() []model.OrderEventType {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]model.OrderEventType, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

func (n *recordingNotifier) count(t model.OrderEventType) int {
	c := 0
	for _, got := range n.types() {
		if got == t {
			c++
		}
	}
	return c
}

// SQLite上に実リポジトリを組んだ環境
type testEnv struct {
	db       *gorm.DB
	gw       *fakeGateway
	notifier *recordingNotifier

	cart     *CartUsecase
	orders   *OrderUsecase
	checkout *CheckoutUsecase
	admin    *AdminOrderUsecase
}

type envOption func(*envConfig)

type envConfig struct {
	returnURL      string
	gatewayTimeout time.Duration
	locker         Locker
}

func withReturnURL(u string) envOption {
	return func(c *envConfig) { c.returnURL = u }
}

func withGatewayTimeout(d time.Duration) envOption {
	return func(c *envConfig) { c.gatewayTimeout = d }
}

func withLocker(l Locker) envOption {
	return func(c *envConfig) { c.locker = l }
}

// 渡されたTTLを記録するロック
type ttlRecordingLocker struct {
	Locker

	mu   sync.Mutex
	ttls []time.Duration
}

func (l *ttlRecordingLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	l.ttls = append(l.ttls, ttl)
	l.mu.Unlock()
	return l.Locker.Acquire(ctx, key, ttl)
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	cfg := envConfig{returnURL: "https://shop.test/payments/confirm", locker: cache.NewMemoryLocker()}
	for _, o := range opts {
		o(&cfg)
	}

	gdb := testutil.OpenSQLite(t)
	log := discardLogger()

	orderRepo := infraRepo.NewOrderGormRepository(gdb)
	orderItemRepo := infraRepo.NewOrderItemGormRepository(gdb)
	cartRepo := infraRepo.NewCartGormRepository(gdb)
	productRepo := infraRepo.NewProductGormRepository(gdb)
	auditRepo := infraRepo.NewAuditLogGormRepository(gdb)
	txm := infraRepo.NewTxManagerGorm(gdb)

	gw := newFakeGateway()
	notifier := &recordingNotifier{}

	checkout := NewCheckoutUsecase(CheckoutDeps{
		Tx:         txm,
		Orders:     orderRepo,
		OrderItems: orderItemRepo,
		Carts:      cartRepo,
		Guard:      NewInventoryGuard(log),
		Bridge:     NewPaymentBridge(gw, cfg.returnURL, cfg.gatewayTimeout, log),
		Notifier:   notifier,
		Locker:     cfg.locker,
		IDs:        idgen.New(),
		Log:        log,
	})

	return &testEnv{
		db:       gdb,
		gw:       gw,
		notifier: notifier,
		cart:     NewCartUsecase(cartRepo, cartRepo, productRepo, log),
		orders:   NewOrderUsecase(orderRepo, orderItemRepo, log),
		checkout: checkout,
		admin:    NewAdminOrderUsecase(txm, orderRepo, orderItemRepo, auditRepo, notifier, log),
	}
}

func validAddress() model.ShippingAddress {
	return model.ShippingAddress{
		Street:  "Av. Providencia 1234",
		City:    "Santiago",
		State:   "RM",
		Zip:     "7500000",
		Country: "CL",
	}
}

// カートに入れて注文を作る
func (e *testEnv) placeOrder(t *testing.T, userID int64, items ...CartItemInput) CheckoutOutput {
	t.Helper()
	ctx := context.Background()

	for _, it := range items {
		_, err := e.cart.AddItem(ctx, userID, it)
		require.NoError(t, err)
	}
	out, err := e.checkout.CreateOrder(ctx, userID, CreateOrderInput{ShippingAddress: validAddress()})
	require.NoError(t, err)
	return out
}

func (e *testEnv) order(t *testing.T, id int64) model.Order {
	t.Helper()

	var o model.Order
	require.NoError(t, e.db.First(&o, id).Error)
	return o
}

func requireKind(t *testing.T, err error, kind ErrorKind) *HTTPError {
	t.Helper()

	require.Error(t, err)
	he, ok := AsHTTPError(err)
	require.True(t, ok, "expected HTTPError, got %T: %v", err, err)
	require.Equal(t, kind, he.Kind, he.Error())
	return he
}
