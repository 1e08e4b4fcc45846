package usecase

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rs-labo46/ec-checkout/internal/domain/gateway"
	"github.com/rs-labo46/ec-checkout/internal/domain/model"
	"github.com/rs-labo46/ec-checkout/internal/infra/cache"
	"github.com/rs-labo46/ec-checkout/internal/testutil"
)

func TestCreateOrder_ReservesStockAndClearsCart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 2)

	out := env.placeOrder(t, 1, CartItemInput{ProductID: p.ID, Quantity: 2})

	assert.True(t, out.Amount.Equal(decimal.RequireFromString("20.00")))
	assert.NotEmpty(t, out.OrderNumber)
	assert.Equal(t, "tok-"+out.OrderNumber, out.Token)
	assert.Equal(t, "https://gateway.test/pay?token_ws="+out.Token, out.RedirectURL)
	require.Len(t, out.Order.Items, 1)
	assert.Equal(t, "widget", out.Order.Items[0].Name)

	assert.Equal(t, int64(0), testutil.Stock(t, env.db, p.ID))

	o := env.order(t, out.OrderID)
	assert.Equal(t, model.OrderStatusPending, o.Status)
	assert.Equal(t, model.PaymentStatusPending, o.PaymentStatus)
	assert.Equal(t, model.PaymentMethodWebpay, o.PaymentMethod)

	cart, err := env.cart.GetCart(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, cart.Items)

	var movements []model.InventoryMovement
	require.NoError(t, env.db.Where("order_id = ?", out.OrderID).Find(&movements).Error)
	require.Len(t, movements, 1)
	assert.Equal(t, int64(-2), movements[0].Delta)
	assert.Equal(t, model.MovementReserve, movements[0].Reason)

	assert.Equal(t, []model.OrderEventType{model.EventOrderCreated}, env.notifier.types())
}

func TestCreateOrder_UsesCartPriceSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 5)

	_, err := env.cart.AddItem(ctx, 1, CartItemInput{ProductID: p.ID, Quantity: 1})
	require.NoError(t, err)
	require.NoError(t, env.db.Model(&model.Product{}).Where("id = ?", p.ID).Update("price", "99.00").Error)

	out, err := env.checkout.CreateOrder(ctx, 1, CreateOrderInput{ShippingAddress: validAddress()})
	require.NoError(t, err)
	assert.True(t, out.Amount.Equal(decimal.RequireFromString("10.00")))
}

func TestCreateOrder_KeepsCartChangesMadeDuringCheckout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := testutil.SeedProduct(t, env.db, "apple", "10.00", 10)
	b := testutil.SeedProduct(t, env.db, "banana", "3.00", 10)

	_, err := env.cart.AddItem(ctx, 1, CartItemInput{ProductID: a.ID, Quantity: 2})
	require.NoError(t, err)

	//決済開始を待っている間に同じカートへ追加される
	env.gw.onCreate = func() {
		_, err := env.cart.AddItem(ctx, 1, CartItemInput{ProductID: b.ID, Quantity: 2})
		require.NoError(t, err)
		_, err = env.cart.AddItem(ctx, 1, CartItemInput{ProductID: a.ID, Quantity: 1})
		require.NoError(t, err)
	}

	out, err := env.checkout.CreateOrder(ctx, 1, CreateOrderInput{ShippingAddress: validAddress()})
	require.NoError(t, err)
	require.Len(t, out.Order.Items, 1)
	assert.Equal(t, a.ID, out.Order.Items[0].ProductID)
	assert.Equal(t, int64(2), out.Order.Items[0].Quantity)
	assert.True(t, out.Amount.Equal(decimal.RequireFromString("20.00")))

	cart, err := env.cart.GetCart(ctx, 1)
	require.NoError(t, err)
	require.Len(t, cart.Items, 2)

	left := map[int64]int64{}
	for _, it := range cart.Items {
		left[it.ProductID] = it.Quantity
	}
	assert.Equal(t, map[int64]int64{a.ID: 1, b.ID: 2}, left)
}

func TestOrderTotals_UnaffectedByLaterPriceChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 5)

	out := env.placeOrder(t, 1, CartItemInput{ProductID: p.ID, Quantity: 2})

	require.NoError(t, env.db.Model(&model.Product{}).Where("id = ?", p.ID).Update("price", "99.00").Error)

	check := func() {
		t.Helper()
		got, err := env.orders.GetOrder(ctx, AuthContext{UserID: 1}, out.OrderID)
		require.NoError(t, err)
		assert.True(t, got.TotalAmount.Equal(decimal.RequireFromString("20.00")), got.TotalAmount.String())
		require.Len(t, got.Items, 1)
		assert.True(t, got.Items[0].Price.Equal(decimal.RequireFromString("10.00")), got.Items[0].Price.String())
		assert.True(t, got.Items[0].Subtotal.Equal(decimal.RequireFromString("20.00")), got.Items[0].Subtotal.String())
	}
	check()

	//決済確定後も同じ
	_, err := env.checkout.ConfirmPayment(ctx, out.Token)
	require.NoError(t, err)
	check()
}

func TestCreateOrder_EmptyCart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.checkout.CreateOrder(ctx, 1, CreateOrderInput{ShippingAddress: validAddress()})
	requireKind(t, err, KindEmptyCart)

	_, err = env.cart.GetCart(ctx, 1)
	require.NoError(t, err)
	_, err = env.checkout.CreateOrder(ctx, 1, CreateOrderInput{ShippingAddress: validAddress()})
	requireKind(t, err, KindEmptyCart)
}

func TestCreateOrder_SecondCheckoutSeesEmptyCart(t *testing.T) {
	env := newTestEnv(t)
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 5)

	env.placeOrder(t, 1, CartItemInput{ProductID: p.ID, Quantity: 1})

	_, err := env.checkout.CreateOrder(context.Background(), 1, CreateOrderInput{ShippingAddress: validAddress()})
	requireKind(t, err, KindEmptyCart)
	assert.Equal(t, int64(4), testutil.Stock(t, env.db, p.ID))
}

func TestCreateOrder_ValidatesAddress(t *testing.T) {
	env := newTestEnv(t)
	addr := validAddress()
	addr.City = "   "
	addr.Zip = strings.Repeat("9", 21)

	_, err := env.checkout.CreateOrder(context.Background(), 1, CreateOrderInput{ShippingAddress: addr})
	he := requireKind(t, err, KindValidation)
	assert.Equal(t, "required", he.Details["city"])
	assert.Equal(t, "too long", he.Details["zip"])

	_, err = env.checkout.CreateOrder(context.Background(), 1, CreateOrderInput{
		ShippingAddress: validAddress(),
		Notes:           strings.Repeat("x", maxNotesLength+1),
	})
	requireKind(t, err, KindValidation)
}

func TestCreateOrder_AllOrNothingReservation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := testutil.SeedProduct(t, env.db, "a", "5.00", 5)
	b := testutil.SeedProduct(t, env.db, "b", "7.00", 1)

	_, err := env.cart.AddItem(ctx, 1, CartItemInput{ProductID: a.ID, Quantity: 3})
	require.NoError(t, err)
	_, err = env.cart.AddItem(ctx, 1, CartItemInput{ProductID: b.ID, Quantity: 1})
	require.NoError(t, err)

	//カート投入後に在庫が減った
	require.NoError(t, env.db.Model(&model.Product{}).Where("id = ?", b.ID).Update("stock", 0).Error)

	_, err = env.checkout.CreateOrder(ctx, 1, CreateOrderInput{ShippingAddress: validAddress()})
	he := requireKind(t, err, KindInsufficientStock)
	assert.Equal(t, b.ID, he.Details["productId"])
	assert.Equal(t, int64(0), he.Details["available"])

	assert.Equal(t, int64(5), testutil.Stock(t, env.db, a.ID))

	var count int64
	require.NoError(t, env.db.Model(&model.Order{}).Count(&count).Error)
	assert.Zero(t, count)

	//カートはそのまま、再挑戦できる
	cart, err := env.cart.GetCart(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, cart.Items, 2)
}

func TestCreateOrder_ConcurrentLastUnit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "last", "10.00", 1)

	const buyers = 4
	for uid := int64(1); uid <= buyers; uid++ {
		_, err := env.cart.AddItem(ctx, uid, CartItemInput{ProductID: p.ID, Quantity: 1})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make([]error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.checkout.CreateOrder(ctx, int64(i+1), CreateOrderInput{ShippingAddress: validAddress()})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		requireKind(t, err, KindInsufficientStock)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int64(0), testutil.Stock(t, env.db, p.ID))
}

func TestCreateOrder_GatewayFailureCompensates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 3)
	env.gw.createErr = gateway.ErrUnavailable

	_, err := env.cart.AddItem(ctx, 1, CartItemInput{ProductID: p.ID, Quantity: 2})
	require.NoError(t, err)

	_, err = env.checkout.CreateOrder(ctx, 1, CreateOrderInput{ShippingAddress: validAddress()})
	he := requireKind(t, err, KindGatewayUnavailable)
	assert.Equal(t, http.StatusBadGateway, he.Status)
	assert.True(t, he.Retryable)

	assert.Equal(t, int64(3), testutil.Stock(t, env.db, p.ID))

	var orders []model.Order
	require.NoError(t, env.db.Find(&orders).Error)
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderStatusCancelled, orders[0].Status)
	assert.Equal(t, model.PaymentStatusFailed, orders[0].PaymentStatus)
	assert.True(t, orders[0].StockReleased)

	//カートは残っていて、ゲートウェイが戻れば注文できる
	cart, err := env.cart.GetCart(ctx, 1)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)

	env.gw.createErr = nil
	_, err = env.checkout.CreateOrder(ctx, 1, CreateOrderInput{ShippingAddress: validAddress()})
	require.NoError(t, err)
	assert.Equal(t, int64(1), testutil.Stock(t, env.db, p.ID))
}

func TestCreateOrder_MissingReturnURL(t *testing.T) {
	env := newTestEnv(t, withReturnURL(""))
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 3)

	_, err := env.cart.AddItem(ctx, 1, CartItemInput{ProductID: p.ID, Quantity: 1})
	require.NoError(t, err)

	_, err = env.checkout.CreateOrder(ctx, 1, CreateOrderInput{ShippingAddress: validAddress()})
	he := requireKind(t, err, KindConfiguration)
	assert.Equal(t, http.StatusInternalServerError, he.Status)
	assert.True(t, errors.Is(err, gateway.ErrMisconfigured))

	creates, _, _ := env.gw.counts()
	assert.Zero(t, creates)
	assert.Equal(t, int64(3), testutil.Stock(t, env.db, p.ID))

	//注文も在庫移動も残らず、カートもそのまま
	var orders, movements int64
	require.NoError(t, env.db.Model(&model.Order{}).Count(&orders).Error)
	require.NoError(t, env.db.Model(&model.InventoryMovement{}).Count(&movements).Error)
	assert.Zero(t, orders)
	assert.Zero(t, movements)

	cart, err := env.cart.GetCart(ctx, 1)
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	var c model.Cart
	require.NoError(t, env.db.First(&c, cart.ID).Error)
	assert.Equal(t, model.CartStatusActive, c.Status)
}

func TestConfirmPayment_IsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 2)
	out := env.placeOrder(t, 1, CartItemInput{ProductID: p.ID, Quantity: 2})

	first, err := env.checkout.ConfirmPayment(ctx, out.Token)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusConfirmed, first.Status)
	assert.Equal(t, model.PaymentStatusPaid, first.PaymentStatus)
	require.NotNil(t, first.AuthorizationCode)

	second, err := env.checkout.ConfirmPayment(ctx, out.Token)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, commits, _ := env.gw.counts()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 1, env.notifier.count(model.EventPaymentConfirmed))
}

func TestConfirmPayment_ConcurrentCallsCommitOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 2)
	out := env.placeOrder(t, 1, CartItemInput{ProductID: p.ID, Quantity: 1})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.checkout.ConfirmPayment(ctx, out.Token)
			if err != nil {
				//ロックを取れなかった呼び出しだけが失敗する
				he, ok := AsHTTPError(err)
				if assert.True(t, ok) {
					assert.Equal(t, KindConflict, he.Kind)
				}
			}
		}()
	}
	wg.Wait()

	_, commits, _ := env.gw.counts()
	assert.Equal(t, 1, commits)
	assert.Equal(t, 1, env.notifier.count(model.EventPaymentConfirmed))
	assert.Equal(t, model.PaymentStatusPaid, env.order(t, out.OrderID).PaymentStatus)
}

func TestConfirmPayment_RejectedReleasesStock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 2)
	out := env.placeOrder(t, 1, CartItemInput{ProductID: p.ID, Quantity: 2})
	env.gw.commitStatus = "FAILED"

	res, err := env.checkout.ConfirmPayment(ctx, out.Token)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusFailed, res.PaymentStatus)
	assert.Equal(t, model.OrderStatusPending, res.Status)
	assert.Equal(t, int64(2), testutil.Stock(t, env.db, p.ID))

	//もう一度来ても在庫は二重に戻らない
	_, err = env.checkout.ConfirmPayment(ctx, out.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(2), testutil.Stock(t, env.db, p.ID))
	assert.Equal(t, 1, env.notifier.count(model.EventPaymentFailed))
}

func TestConfirmPayment_Aborted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 2)
	out := env.placeOrder(t, 1, CartItemInput{ProductID: p.ID, Quantity: 1})
	env.gw.commitErr = gateway.ErrAborted

	_, err := env.checkout.ConfirmPayment(ctx, out.Token)
	requireKind(t, err, KindGatewayAborted)

	o := env.order(t, out.OrderID)
	assert.Equal(t, model.PaymentStatusFailed, o.PaymentStatus)
	require.NotNil(t, o.GatewayStatus)
	assert.Equal(t, "ABORTED", *o.GatewayStatus)
	assert.Equal(t, int64(2), testutil.Stock(t, env.db, p.ID))
}

func TestConfirmPayment_UnavailableLeavesOrderPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 2)
	out := env.placeOrder(t, 1, CartItemInput{ProductID: p.ID, Quantity: 1})
	env.gw.commitErr = gateway.ErrUnavailable

	_, err := env.checkout.ConfirmPayment(ctx, out.Token)
	he := requireKind(t, err, KindGatewayUnavailable)
	assert.Equal(t, http.StatusBadGateway, he.Status)

	assert.Equal(t, model.PaymentStatusPending, env.order(t, out.OrderID).PaymentStatus)
	assert.Equal(t, int64(1), testutil.Stock(t, env.db, p.ID))

	//復旧後の再試行で確定できる
	env.gw.commitErr = nil
	res, err := env.checkout.ConfirmPayment(ctx, out.Token)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPaid, res.PaymentStatus)
}

func TestConfirmPayment_InvalidStateFallsBackToStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 2)
	out := env.placeOrder(t, 1, CartItemInput{ProductID: p.ID, Quantity: 1})

	env.gw.commitErr = gateway.ErrInvalidState
	env.gw.statusResult = &gateway.Transaction{
		Status:            gateway.StatusAuthorized,
		Amount:            out.Amount,
		AuthorizationCode: "PREV01",
	}

	res, err := env.checkout.ConfirmPayment(ctx, out.Token)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPaid, res.PaymentStatus)
	require.NotNil(t, res.AuthorizationCode)
	assert.Equal(t, "PREV01", *res.AuthorizationCode)
}

func TestConfirmPayment_UnknownToken(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.checkout.ConfirmPayment(context.Background(), "nope")
	requireKind(t, err, KindNotFound)

	_, err = env.checkout.ConfirmPayment(context.Background(), "  ")
	requireKind(t, err, KindValidation)
}

func TestAbortPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 2)
	out := env.placeOrder(t, 1, CartItemInput{ProductID: p.ID, Quantity: 2})

	_, err := env.checkout.AbortPayment(ctx, out.Token)
	requireKind(t, err, KindGatewayAborted)
	assert.Equal(t, model.PaymentStatusFailed, env.order(t, out.OrderID).PaymentStatus)
	assert.Equal(t, int64(2), testutil.Stock(t, env.db, p.ID))

	res, err := env.checkout.AbortPayment(ctx, out.Token)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusFailed, res.PaymentStatus)
}

func TestPaymentStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 2)
	out := env.placeOrder(t, 1, CartItemInput{ProductID: p.ID, Quantity: 1})

	st, err := env.checkout.PaymentStatus(ctx, AuthContext{UserID: 1}, out.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPending, st.PaymentStatus)
	require.NotNil(t, st.Remote)
	assert.Equal(t, "INITIALIZED", st.Remote.Status)

	//照会失敗でもローカルの状態は返す
	env.gw.statusErr = gateway.ErrUnavailable
	st, err = env.checkout.PaymentStatus(ctx, AuthContext{UserID: 1}, out.OrderID)
	require.NoError(t, err)
	assert.Nil(t, st.Remote)

	_, err = env.checkout.PaymentStatus(ctx, AuthContext{UserID: 2}, out.OrderID)
	requireKind(t, err, KindForbidden)

	_, err = env.checkout.PaymentStatus(ctx, AuthContext{UserID: 2, IsAdmin: true}, out.OrderID)
	require.NoError(t, err)
}

func TestCancelOrder_PendingRestoresStock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 2)
	out := env.placeOrder(t, 1, CartItemInput{ProductID: p.ID, Quantity: 2})

	got, err := env.checkout.CancelOrder(ctx, AuthContext{UserID: 1}, out.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, got.Status)
	assert.Equal(t, model.PaymentStatusPending, got.PaymentStatus)
	assert.Equal(t, int64(2), testutil.Stock(t, env.db, p.ID))

	_, _, refunds := env.gw.counts()
	assert.Zero(t, refunds)

	var logs []model.AuditLog
	require.NoError(t, env.db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, model.AuditActionCancelOrder, logs[0].Action)

	//取消済みの注文に決済確定が来ても外部は呼ばない
	_, err = env.checkout.ConfirmPayment(ctx, out.Token)
	requireKind(t, err, KindGatewayInvalidState)
	_, commits, _ := env.gw.counts()
	assert.Zero(t, commits)
}

func TestCancelOrder_PaidRefundsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 2)
	out := env.placeOrder(t, 1, CartItemInput{ProductID: p.ID, Quantity: 2})
	_, err := env.checkout.ConfirmPayment(ctx, out.Token)
	require.NoError(t, err)

	got, err := env.checkout.CancelOrder(ctx, AuthContext{UserID: 1}, out.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, got.Status)
	assert.Equal(t, model.PaymentStatusRefunded, got.PaymentStatus)
	assert.Equal(t, int64(2), testutil.Stock(t, env.db, p.ID))

	_, err = env.checkout.CancelOrder(ctx, AuthContext{UserID: 1}, out.OrderID)
	requireKind(t, err, KindInvalidTransition)

	_, _, refunds := env.gw.counts()
	assert.Equal(t, 1, refunds)
	assert.Equal(t, 1, env.notifier.count(model.EventOrderCancelled))
	assert.Equal(t, 1, env.notifier.count(model.EventPaymentRefunded))
}

func TestCancelOrder_RefundFailureChangesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 2)
	out := env.placeOrder(t, 1, CartItemInput{ProductID: p.ID, Quantity: 2})
	_, err := env.checkout.ConfirmPayment(ctx, out.Token)
	require.NoError(t, err)

	env.gw.refundErr = gateway.ErrUnavailable
	_, err = env.checkout.CancelOrder(ctx, AuthContext{UserID: 1}, out.OrderID)
	requireKind(t, err, KindGatewayUnavailable)

	o := env.order(t, out.OrderID)
	assert.Equal(t, model.OrderStatusConfirmed, o.Status)
	assert.Equal(t, model.PaymentStatusPaid, o.PaymentStatus)
	assert.Equal(t, int64(0), testutil.Stock(t, env.db, p.ID))
}

func TestCancelOrder_ShippedIsRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 2)
	out := env.placeOrder(t, 1, CartItemInput{ProductID: p.ID, Quantity: 1})
	_, err := env.checkout.ConfirmPayment(ctx, out.Token)
	require.NoError(t, err)

	for _, st := range []string{"processing", "shipped"} {
		_, err := env.admin.AdvanceStatus(ctx, 99, out.OrderID, AdminUpdateOrderStatusInput{Status: st})
		require.NoError(t, err)
	}

	_, err = env.checkout.CancelOrder(ctx, AuthContext{UserID: 1}, out.OrderID)
	he := requireKind(t, err, KindInvalidTransition)
	assert.Equal(t, "shipped", he.Details["from"])

	_, _, refunds := env.gw.counts()
	assert.Zero(t, refunds)
}

func TestCancelOrder_OtherUserForbidden(t *testing.T) {
	env := newTestEnv(t)
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 2)
	out := env.placeOrder(t, 1, CartItemInput{ProductID: p.ID, Quantity: 1})

	_, err := env.checkout.CancelOrder(context.Background(), AuthContext{UserID: 2}, out.OrderID)
	requireKind(t, err, KindForbidden)
	assert.Equal(t, model.OrderStatusPending, env.order(t, out.OrderID).Status)
}

func TestRefund_AdminOnlyAndKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 2)
	out := env.placeOrder(t, 1, CartItemInput{ProductID: p.ID, Quantity: 1})

	_, err := env.checkout.Refund(ctx, AuthContext{UserID: 99, IsAdmin: true}, out.OrderID)
	requireKind(t, err, KindInvalidTransition)

	_, err = env.checkout.ConfirmPayment(ctx, out.Token)
	require.NoError(t, err)

	_, err = env.checkout.Refund(ctx, AuthContext{UserID: 1}, out.OrderID)
	requireKind(t, err, KindForbidden)

	res, err := env.checkout.Refund(ctx, AuthContext{UserID: 99, IsAdmin: true}, out.OrderID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusRefunded, res.PaymentStatus)
	assert.Equal(t, model.OrderStatusConfirmed, res.Status)

	var logs []model.AuditLog
	require.NoError(t, env.db.Where("action = ?", model.AuditActionRefundPayment).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, int64(99), logs[0].ActorUserID)
}

func TestRefund_RejectedByGateway(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 2)
	out := env.placeOrder(t, 1, CartItemInput{ProductID: p.ID, Quantity: 1})
	_, err := env.checkout.ConfirmPayment(ctx, out.Token)
	require.NoError(t, err)

	env.gw.refundType = "FAILED"
	_, err = env.checkout.Refund(ctx, AuthContext{UserID: 99, IsAdmin: true}, out.OrderID)
	requireKind(t, err, KindGatewayInvalidState)
	assert.Equal(t, model.PaymentStatusPaid, env.order(t, out.OrderID).PaymentStatus)
}

func TestConfirmPayment_LockOutlivesGatewayCalls(t *testing.T) {
	locker := &ttlRecordingLocker{Locker: cache.NewMemoryLocker()}
	env := newTestEnv(t, withGatewayTimeout(5*time.Second), withLocker(locker))
	ctx := context.Background()
	p := testutil.SeedProduct(t, env.db, "widget", "10.00", 2)

	out := env.placeOrder(t, 1, CartItemInput{ProductID: p.ID, Quantity: 1})
	_, err := env.checkout.ConfirmPayment(ctx, out.Token)
	require.NoError(t, err)
	_, err = env.checkout.CancelOrder(ctx, AuthContext{UserID: 1}, out.OrderID)
	require.NoError(t, err)

	locker.mu.Lock()
	defer locker.mu.Unlock()
	require.NotEmpty(t, locker.ttls)
	for _, ttl := range locker.ttls {
		assert.Equal(t, 20*time.Second, ttl)
	}
}
