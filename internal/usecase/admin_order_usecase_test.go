package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rs-labo46/ec-checkout/internal/domain/model"
	repo "github.com/rs-labo46/ec-checkout/internal/repository"
)

// WithinTx の中で渡す repos を固定して unit テストを回す
type txManagerMock struct {
	mock.Mock
	repos repo.TxRepos
}

func (m *txManagerMock) WithinTx(ctx context.Context, fn func(r repo.TxRepos) error) error {
	m.Called(ctx)
	return fn(m.repos)
}

type txReposMock struct {
	orders     repo.OrderRepository
	orderItems repo.OrderItemRepository
	auditLogs  repo.AuditLogRepository
}

func (r *txReposMock) Orders() repo.OrderRepository         { return r.orders }
func (r *txReposMock) OrderItems() repo.OrderItemRepository { return r.orderItems }
func (r *txReposMock) AuditLogs() repo.AuditLogRepository   { return r.auditLogs }
func (r *txReposMock) Carts() repo.CartRepository           { panic("not used in admin tests") }
func (r *txReposMock) CartItems() repo.CartItemRepository   { panic("not used in admin tests") }
func (r *txReposMock) Inventory() repo.InventoryRepository  { panic("not used in admin tests") }
func (r *txReposMock) Products() repo.ProductRepository     { panic("not used in admin tests") }

type orderRepoMock struct{ mock.Mock }

func (m *orderRepoMock) FindByID(ctx context.Context, orderID int64) (model.Order, error) {
	args := m.Called(ctx, orderID)
	o, _ := args.Get(0).(model.Order)
	return o, args.Error(1)
}

func (m *orderRepoMock) ListAdmin(ctx context.Context, f repo.AdminOrderListFilter) ([]model.Order, int64, error) {
	args := m.Called(ctx, f)
	orders, _ := args.Get(0).([]model.Order)
	return orders, args.Get(1).(int64), args.Error(2)
}

func (m *orderRepoMock) Transition(ctx context.Context, orderID int64, t repo.OrderTransition) (bool, error) {
	args := m.Called(ctx, orderID, t)
	return args.Bool(0), args.Error(1)
}

func (m *orderRepoMock) Create(context.Context, *model.Order) error { panic("not used in admin tests") }
func (m *orderRepoMock) FindByGatewayToken(context.Context, string) (model.Order, error) {
	panic("not used in admin tests")
}
func (m *orderRepoMock) ListByUserID(context.Context, int64, int, int) ([]model.Order, int64, error) {
	panic("not used in admin tests")
}
func (m *orderRepoMock) SetGatewayToken(context.Context, int64, string, string) error {
	panic("not used in admin tests")
}
func (m *orderRepoMock) MarkStockReleased(context.Context, int64) (bool, error) {
	panic("not used in admin tests")
}

type orderItemRepoMock struct{ mock.Mock }

func (m *orderItemRepoMock) CreateBulk(context.Context, int64, []model.OrderItem) error {
	panic("not used in admin tests")
}

func (m *orderItemRepoMock) ListByOrderID(ctx context.Context, orderID int64) ([]model.OrderItem, error) {
	args := m.Called(ctx, orderID)
	items, _ := args.Get(0).([]model.OrderItem)
	return items, args.Error(1)
}

type auditRepoMock struct{ mock.Mock }

func (m *auditRepoMock) Create(ctx context.Context, log model.AuditLog) error {
	return m.Called(ctx, log).Error(0)
}

func (m *auditRepoMock) List(ctx context.Context, f repo.AuditLogFilter) ([]model.AuditLog, int64, error) {
	args := m.Called(ctx, f)
	logs, _ := args.Get(0).([]model.AuditLog)
	return logs, args.Get(1).(int64), args.Error(2)
}

type adminFixture struct {
	tx       *txManagerMock
	orders   *orderRepoMock
	items    *orderItemRepoMock
	audit    *auditRepoMock
	notifier *recordingNotifier
	uc       *AdminOrderUsecase
}

func newAdminFixture() *adminFixture {
	f := &adminFixture{
		orders:   &orderRepoMock{},
		items:    &orderItemRepoMock{},
		audit:    &auditRepoMock{},
		notifier: &recordingNotifier{},
	}
	f.tx = &txManagerMock{repos: &txReposMock{orders: f.orders, orderItems: f.items, auditLogs: f.audit}}
	f.tx.On("WithinTx", mock.Anything).Return()
	f.uc = NewAdminOrderUsecase(f.tx, f.orders, f.items, f.audit, f.notifier, discardLogger())
	return f
}

func sampleOrder(status model.OrderStatus, payment model.PaymentStatus) model.Order {
	return model.Order{
		ID:            10,
		OrderNumber:   "01JTESTORDER",
		UserID:        1,
		Status:        status,
		PaymentStatus: payment,
		TotalAmount:   decimal.RequireFromString("20.00"),
	}
}

func TestAdvanceStatus_Success(t *testing.T) {
	f := newAdminFixture()
	ctx := context.Background()

	before := sampleOrder(model.OrderStatusConfirmed, model.PaymentStatusPaid)
	after := sampleOrder(model.OrderStatusProcessing, model.PaymentStatusPaid)

	f.orders.On("FindByID", ctx, int64(10)).Return(before, nil).Once()
	f.orders.On("FindByID", ctx, int64(10)).Return(after, nil).Once()

	processing := model.OrderStatusProcessing
	paid := model.PaymentStatusPaid
	f.orders.On("Transition", ctx, int64(10), repo.OrderTransition{
		FromStatuses: []model.OrderStatus{model.OrderStatusConfirmed},
		ToStatus:     &processing,
		FromPayment:  &paid,
	}).Return(true, nil).Once()

	f.audit.On("Create", ctx, mock.MatchedBy(func(l model.AuditLog) bool {
		return l.Action == model.AuditActionUpdateOrderStatus &&
			l.ActorUserID == 99 &&
			l.ResourceID == 10 &&
			l.BeforeJSON == `{"paymentStatus":"paid","status":"confirmed"}` &&
			l.AfterJSON == `{"paymentStatus":"paid","status":"processing"}`
	})).Return(nil).Once()
	f.items.On("ListByOrderID", ctx, int64(10)).Return([]model.OrderItem{}, nil).Once()

	out, err := f.uc.AdvanceStatus(ctx, 99, 10, AdminUpdateOrderStatusInput{Status: " Processing "})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusProcessing, out.Status)
	assert.Equal(t, []model.OrderEventType{model.EventOrderStatusChanged}, f.notifier.types())

	f.orders.AssertExpectations(t)
	f.audit.AssertExpectations(t)
	f.items.AssertExpectations(t)
}

func TestAdvanceStatus_RequiresPaid(t *testing.T) {
	f := newAdminFixture()
	ctx := context.Background()

	f.orders.On("FindByID", ctx, int64(10)).
		Return(sampleOrder(model.OrderStatusPending, model.PaymentStatusPending), nil).Once()

	_, err := f.uc.AdvanceStatus(ctx, 99, 10, AdminUpdateOrderStatusInput{Status: "confirmed"})
	he := requireKind(t, err, KindInvalidTransition)
	assert.Equal(t, "paymentStatus", he.Details["field"])

	f.orders.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything, mock.Anything)
	f.audit.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	assert.Empty(t, f.notifier.types())
}

func TestAdvanceStatus_SkippingAStepIsRejected(t *testing.T) {
	f := newAdminFixture()
	ctx := context.Background()

	f.orders.On("FindByID", ctx, int64(10)).
		Return(sampleOrder(model.OrderStatusConfirmed, model.PaymentStatusPaid), nil).Once()

	_, err := f.uc.AdvanceStatus(ctx, 99, 10, AdminUpdateOrderStatusInput{Status: "delivered"})
	he := requireKind(t, err, KindInvalidTransition)
	assert.Equal(t, "confirmed", he.Details["from"])
	assert.Equal(t, "delivered", he.Details["to"])
}

func TestAdvanceStatus_SameStatusIsNoop(t *testing.T) {
	f := newAdminFixture()
	ctx := context.Background()

	f.orders.On("FindByID", ctx, int64(10)).
		Return(sampleOrder(model.OrderStatusShipped, model.PaymentStatusPaid), nil).Once()
	f.items.On("ListByOrderID", ctx, int64(10)).Return([]model.OrderItem{}, nil).Once()

	out, err := f.uc.AdvanceStatus(ctx, 99, 10, AdminUpdateOrderStatusInput{Status: "shipped"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusShipped, out.Status)

	f.orders.AssertNotCalled(t, "Transition", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, f.notifier.types())
}

func TestAdvanceStatus_ConcurrentChangeIsConflict(t *testing.T) {
	f := newAdminFixture()
	ctx := context.Background()

	f.orders.On("FindByID", ctx, int64(10)).
		Return(sampleOrder(model.OrderStatusProcessing, model.PaymentStatusPaid), nil).Once()
	f.orders.On("Transition", ctx, int64(10), mock.Anything).Return(false, nil).Once()

	_, err := f.uc.AdvanceStatus(ctx, 99, 10, AdminUpdateOrderStatusInput{Status: "shipped"})
	requireKind(t, err, KindConflict)
	f.audit.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestAdvanceStatus_InputValidation(t *testing.T) {
	f := newAdminFixture()
	ctx := context.Background()

	for _, st := range []string{"", "cancelled", "pending", "bogus"} {
		_, err := f.uc.AdvanceStatus(ctx, 99, 10, AdminUpdateOrderStatusInput{Status: st})
		requireKind(t, err, KindValidation)
	}

	f.orders.On("FindByID", ctx, int64(11)).Return(model.Order{}, repo.ErrNotFound).Once()
	_, err := f.uc.AdvanceStatus(ctx, 99, 11, AdminUpdateOrderStatusInput{Status: "shipped"})
	requireKind(t, err, KindNotFound)
}

func TestAdminList(t *testing.T) {
	f := newAdminFixture()
	ctx := context.Background()

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	_, err := f.uc.List(ctx, repo.AdminOrderListFilter{Status: "lost"})
	requireKind(t, err, KindValidation)
	_, err = f.uc.List(ctx, repo.AdminOrderListFilter{PaymentStatus: "owed"})
	requireKind(t, err, KindValidation)
	_, err = f.uc.List(ctx, repo.AdminOrderListFilter{From: &to, To: &from})
	requireKind(t, err, KindValidation)

	want := repo.AdminOrderListFilter{Page: 1, Limit: defaultPageLimit, PaymentStatus: "paid", From: &from, To: &to}
	f.orders.On("ListAdmin", ctx, want).
		Return([]model.Order{sampleOrder(model.OrderStatusConfirmed, model.PaymentStatusPaid)}, int64(1), nil).Once()
	f.items.On("ListByOrderID", ctx, int64(10)).Return([]model.OrderItem{}, nil).Once()

	out, err := f.uc.List(ctx, repo.AdminOrderListFilter{PaymentStatus: "paid", From: &from, To: &to})
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.Total)
	require.Len(t, out.Items, 1)
	f.orders.AssertExpectations(t)
}

func TestListAuditLogs(t *testing.T) {
	f := newAdminFixture()
	ctx := context.Background()

	_, err := f.uc.ListAuditLogs(ctx, AuditLogQuery{Action: "DELETE_EVERYTHING"})
	requireKind(t, err, KindValidation)
	_, err = f.uc.ListAuditLogs(ctx, AuditLogQuery{Limit: 500})
	requireKind(t, err, KindValidation)
	_, err = f.uc.ListAuditLogs(ctx, AuditLogQuery{Offset: -1})
	requireKind(t, err, KindValidation)

	rid := int64(10)
	action := model.AuditActionCancelOrder
	order := model.AuditResourceOrder
	f.audit.On("List", ctx, repo.AuditLogFilter{
		Action:       &action,
		ResourceType: &order,
		ResourceID:   &rid,
		Limit:        5,
	}).Return([]model.AuditLog{{ID: 1, Action: action}}, int64(7), nil).Once()

	out, err := f.uc.ListAuditLogs(ctx, AuditLogQuery{Action: "cancel_order", ResourceID: &rid, Limit: 5})
	require.NoError(t, err)
	require.Len(t, out.Items, 1)
	assert.Equal(t, int64(7), out.Total)
	assert.Equal(t, 5, out.Limit)

	f.audit.On("List", ctx, repo.AuditLogFilter{Limit: defaultAuditLimit}).Return([]model.AuditLog{}, int64(0), nil).Once()
	out, err = f.uc.ListAuditLogs(ctx, AuditLogQuery{})
	require.NoError(t, err)
	assert.Equal(t, defaultAuditLimit, out.Limit)
	f.audit.AssertExpectations(t)
}
