package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/smartcart/internal/alert"
	"github.com/mmeshcher/smartcart/internal/backend"
	"github.com/mmeshcher/smartcart/internal/cache"
	"github.com/mmeshcher/smartcart/internal/cart"
	"github.com/mmeshcher/smartcart/internal/model"
	"github.com/mmeshcher/smartcart/internal/payment"
	"github.com/mmeshcher/smartcart/internal/repository"
	"github.com/mmeshcher/smartcart/internal/transport"
	"github.com/mmeshcher/smartcart/internal/verification"
	"github.com/mmeshcher/smartcart/internal/weighing"
)

type fakeChannel struct {
	lines chan string
	done  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	sent   []string
	err    error
	onSend func(cmd string)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{lines: make(chan string, 16), done: make(chan struct{})}
}

func (c *fakeChannel) Lines() <-chan string  { return c.lines }
func (c *fakeChannel) Done() <-chan struct{} { return c.done }

func (c *fakeChannel) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return transport.ErrChannelClosed
	default:
	}

	cmd := strings.TrimSuffix(string(frame), "\n")
	c.mu.Lock()
	c.sent = append(c.sent, cmd)
	hook := c.onSend
	c.mu.Unlock()

	if hook != nil {
		hook(cmd)
	}
	return nil
}

func (c *fakeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeChannel) Close() error {
	c.fail(nil)
	return nil
}

func (c *fakeChannel) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		close(c.lines)
	})
}

func (c *fakeChannel) commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type stubBackend struct {
	mu sync.Mutex

	started    int
	ended      int
	processed  []string
	updates    map[string]int
	produce    map[string]float64
	receipts   []backend.Receipt
	cartItems  []model.LineItem
	unresolved []model.LineItem
	resolved   int

	processErr error
}

func newStubBackend() *stubBackend {
	return &stubBackend{updates: map[string]int{}, produce: map[string]float64{}}
}

func (b *stubBackend) Configured() bool { return true }

func (b *stubBackend) StartSession(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started++
	return "remote-1", nil
}

func (b *stubBackend) EndSession(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ended++
	return nil
}

func (b *stubBackend) GetCartItems(ctx context.Context) ([]model.LineItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cartItems, nil
}

func (b *stubBackend) GetUnresolvedItems(ctx context.Context) ([]model.LineItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unresolved, nil
}

func (b *stubBackend) ProcessUPC(ctx context.Context, upc string) (model.LineItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.processErr != nil {
		return model.LineItem{}, b.processErr
	}
	b.processed = append(b.processed, upc)
	return model.LineItem{
		UPC:         upc,
		Description: "Flamin Hot Cheetos",
		UnitPrice:   decimal.RequireFromString("2.99"),
		Quantity:    len(b.processed),
	}, nil
}

func (b *stubBackend) ProcessProduceUPC(ctx context.Context, upc string, weight float64) (model.LineItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.produce[upc] = weight
	return model.LineItem{UPC: upc, IsWeighed: true, Weight: weight}, nil
}

func (b *stubBackend) UpdateCart(ctx context.Context, upc string, removeQty int) (model.LineItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates[upc] += removeQty
	return model.LineItem{UPC: upc}, nil
}

func (b *stubBackend) QRPayment(ctx context.Context, items []model.LineItem) (backend.QROrder, error) {
	return backend.QROrder{OrderID: "order-1", CheckoutURL: "https://pay.example/order-1"}, nil
}

func (b *stubBackend) GetOrderStatus(ctx context.Context, orderID string) (string, error) {
	return "COMPLETED", nil
}

func (b *stubBackend) ResolveAllRequiredItems(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolved++
	b.unresolved = nil
	return nil
}

func (b *stubBackend) SendReceipt(ctx context.Context, r backend.Receipt) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipts = append(b.receipts, r)
	return nil
}

type stubJournal struct {
	mu       sync.Mutex
	sessions []repository.SessionRecord
	ended    map[string]string
	payments map[string]repository.PaymentRecord
	events   []string
}

func newStubJournal() *stubJournal {
	return &stubJournal{ended: map[string]string{}, payments: map[string]repository.PaymentRecord{}}
}

func (j *stubJournal) CreateSession(ctx context.Context, s repository.SessionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sessions = append(j.sessions, s)
	return nil
}

func (j *stubJournal) EndSession(ctx context.Context, id, reason string, itemCount int, total decimal.Decimal) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ended[id] = reason
	return nil
}

func (j *stubJournal) GetSession(ctx context.Context, id string) (*repository.SessionRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, s := range j.sessions {
		if s.ID == id {
			rec := s
			if reason, ok := j.ended[id]; ok {
				rec.EndReason = reason
			}
			return &rec, nil
		}
	}
	return nil, repository.ErrSessionNotFound
}

func (j *stubJournal) ListPayments(ctx context.Context, sessionID string) ([]repository.PaymentRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var res []repository.PaymentRecord
	for _, p := range j.payments {
		if p.SessionID == sessionID {
			res = append(res, p)
		}
	}
	return res, nil
}

func (j *stubJournal) RecordPayment(ctx context.Context, p repository.PaymentRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.payments[p.ID] = p
	return nil
}

func (j *stubJournal) RecordEvent(ctx context.Context, sessionID, kind string, payload any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, kind)
	return nil
}

func (j *stubJournal) Close() error { return nil }

func (j *stubJournal) endReason(id string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.ended[id]
	return r, ok
}

func (j *stubJournal) hasEvent(kind string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, k := range j.events {
		if k == kind {
			return true
		}
	}
	return false
}

type stubNotifier struct {
	mu     sync.Mutex
	alerts []alert.Alert
	err    error
}

func (n *stubNotifier) Notify(ctx context.Context, a alert.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *stubNotifier) Close() {}

func (n *stubNotifier) count(kind alert.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, a := range n.alerts {
		if a.Kind == kind {
			c++
		}
	}
	return c
}

func testConfig() Config {
	return Config{
		CartID:            "cart-test",
		ReconnectMaxDelay: 50 * time.Millisecond,
		Weighing: weighing.Config{
			PollInterval: 10 * time.Millisecond,
			Settle:       5 * time.Millisecond,
			Debounce:     10 * time.Millisecond,
			Timeout:      2 * time.Second,
			IdleIsStill:  true,
		},
		Payment: payment.Config{
			RetryBackoff: 10 * time.Millisecond,
			PollInterval: 10 * time.Millisecond,
		},
	}
}

func newTestOrchestrator(t *testing.T, deps Deps) (*Orchestrator, *fakeChannel) {
	t.Helper()

	ch := newFakeChannel()
	dial := func(ctx context.Context) (transport.Channel, error) { return ch, nil }

	o, err := New(testConfig(), dial, deps, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })

	o.attach(ch)
	return o, ch
}

func productLine(upc string, qty int, price string) string {
	return fmt.Sprintf(`PRODUCT_ADDED_JSON:{"product-added": {"upc": %q, "description": "Soda", "price": %s, "qty": %d}}`, upc, price, qty)
}

func TestProductAddedTwiceIncrementsQuantity(t *testing.T) {
	o, _ := newTestOrchestrator(t, Deps{})

	o.dispatch(productLine("111", 1, "3.00"))
	o.dispatch(productLine("111", 1, "3.00"))

	st := o.Status()
	require.Len(t, st.Items, 1)
	assert.Equal(t, 2, st.Items[0].Quantity)
	assert.True(t, st.Totals.Total.Equal(decimal.RequireFromString("6")))
}

func TestMalformedLineDoesNotStopLaterEvents(t *testing.T) {
	o, _ := newTestOrchestrator(t, Deps{})

	o.dispatch(`PRODUCT_ADDED_JSON:{"product-added": {`)
	o.dispatch(`random debug output from the sensor`)
	o.dispatch(productLine("222", 1, "1.50"))

	st := o.Status()
	require.Len(t, st.Items, 1)
	assert.Equal(t, "222", st.Items[0].UPC)
}

func TestClearCartTwiceLeavesCartEmpty(t *testing.T) {
	o, ch := newTestOrchestrator(t, Deps{})
	ctx := context.Background()

	o.dispatch(productLine("111", 2, "3.00"))
	require.Len(t, o.Status().Items, 1)

	require.NoError(t, o.ClearCart(ctx))
	assert.Empty(t, o.Status().Items)

	require.NoError(t, o.ClearCart(ctx))
	assert.Empty(t, o.Status().Items)

	assert.Equal(t, []string{"CT_CLEAR", "CT_CLEAR"}, ch.commands())
}

func TestCommandsRejectedWithoutHardware(t *testing.T) {
	dial := func(ctx context.Context) (transport.Channel, error) { return nil, errors.New("no device") }
	o, err := New(testConfig(), dial, Deps{}, zap.NewNop())
	require.NoError(t, err)
	defer o.Close()

	assert.True(t, o.Degraded())
	assert.Equal(t, model.UIDegraded, o.Status().UI)

	_, err = o.StartSession(context.Background())
	assert.ErrorIs(t, err, ErrDegraded)

	assert.ErrorIs(t, o.ClearCart(context.Background()), ErrDegraded)
}

func TestSendChecksCancellationFirst(t *testing.T) {
	o, ch := newTestOrchestrator(t, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, o.TareCart(ctx), context.Canceled)
	assert.Empty(t, ch.commands())
}

func TestCardPurchaseFlow(t *testing.T) {
	be := newStubBackend()
	journal := newStubJournal()
	o, ch := newTestOrchestrator(t, Deps{Backend: be, Journal: journal})
	ctx := context.Background()

	id, err := o.StartSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.UIShopping, o.Status().UI)
	assert.Equal(t, "remote-1", o.Status().BackendSession)

	o.dispatch(productLine("111", 1, "3.00"))
	o.dispatch(productLine("333", 2, "1.25"))

	res, err := o.StartPayment(ctx, payment.MethodCard)
	require.NoError(t, err)
	require.True(t, res.Decision.Allowed)
	assert.Equal(t, payment.StateCardAwaiting, res.Session.State)

	o.dispatch(`PAYMENT_JSON:{"payment-received": {"status": "success"}}`)

	st := o.Status()
	assert.Equal(t, model.UIPostPurchase, st.UI)
	assert.Empty(t, st.Items)
	require.NotNil(t, st.LastPurchase)
	assert.True(t, st.LastPurchase.Total.Equal(decimal.RequireFromString("5.5")))
	assert.Equal(t, []string{"CT_START", "PAY_START", "CT_STOP"}, ch.commands())

	require.NoError(t, o.SendReceipt(ctx, "shopper@example.com"))
	assert.Equal(t, model.UILanding, o.Status().UI)
	assert.Empty(t, o.SessionID())

	be.mu.Lock()
	require.Len(t, be.receipts, 1)
	assert.Equal(t, "shopper@example.com", be.receipts[0].Email)
	assert.Len(t, be.receipts[0].Items, 2)
	assert.Equal(t, 1, be.ended)
	be.mu.Unlock()

	require.Eventually(t, func() bool {
		reason, ok := journal.endReason(id)
		return ok && reason == endReasonPurchased
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		h, err := o.History(ctx, id)
		return err == nil && len(h.Payments) == 1 && h.Payments[0].Status == string(payment.StatusSucceeded)
	}, time.Second, 10*time.Millisecond)

	h, err := o.History(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, endReasonPurchased, h.Session.EndReason)
	assert.Equal(t, "remote-1", h.Session.BackendSessionID)
	assert.Equal(t, "card", h.Payments[0].Method)
}

func TestHistoryRequiresJournal(t *testing.T) {
	o, _ := newTestOrchestrator(t, Deps{})

	_, err := o.History(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoJournal)

	o2, _ := newTestOrchestrator(t, Deps{Journal: newStubJournal()})
	_, err = o2.History(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrSessionNotFound)
}

func TestQRPurchaseFlow(t *testing.T) {
	be := newStubBackend()
	o, _ := newTestOrchestrator(t, Deps{Backend: be})
	ctx := context.Background()

	_, err := o.StartSession(ctx)
	require.NoError(t, err)
	o.dispatch(productLine("111", 1, "3.00"))

	res, err := o.StartPayment(ctx, payment.MethodQR)
	require.NoError(t, err)
	assert.Equal(t, "order-1", res.Session.OrderID)

	require.Eventually(t, func() bool {
		return o.Status().UI == model.UIPostPurchase
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, o.FinishPurchase(ctx))
	assert.Equal(t, model.UILanding, o.Status().UI)
	assert.ErrorIs(t, o.FinishPurchase(ctx), ErrNoPurchase)
}

func TestStartPaymentRequiresSession(t *testing.T) {
	o, _ := newTestOrchestrator(t, Deps{})

	_, err := o.StartPayment(context.Background(), payment.MethodCard)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestVerificationFailureBlocksCheckout(t *testing.T) {
	notifier := &stubNotifier{}
	journal := newStubJournal()
	o, ch := newTestOrchestrator(t, Deps{Notifier: notifier, Journal: journal})
	ctx := context.Background()

	_, err := o.StartSession(ctx)
	require.NoError(t, err)
	o.dispatch(productLine("111", 1, "3.00"))
	o.dispatch(`ITEM_VERIFICATION_JSON:{"item-verification-received": {"status": "failure", "measured_weight": 12.0, "expected_weight": 8.0, "weight_difference": 4.0, "tags_scanned": [], "rfid_upcs": []}}`)

	d := o.Checkout(context.Background())
	assert.False(t, d.Allowed)

	res, err := o.StartPayment(ctx, payment.MethodCard)
	require.NoError(t, err)
	assert.False(t, res.Decision.Allowed)
	assert.NotContains(t, ch.commands(), "PAY_START")

	require.Eventually(t, func() bool {
		return notifier.count(alert.KindVerificationBlocked) >= 1 && journal.hasEvent("checkout_blocked")
	}, time.Second, 10*time.Millisecond)

	o.OverrideVerification("alice")
	assert.True(t, o.Checkout(context.Background()).Allowed)
}

func TestResolveAllClearsUnresolvedItems(t *testing.T) {
	be := newStubBackend()
	o, _ := newTestOrchestrator(t, Deps{Backend: be})

	o.dispatch(`PRODUCT_ADDED_JSON:{"product-added": {"upc": "777", "description": "Wine", "price": 12.00, "qty": 1, "requires_verification": 1}}`)
	require.False(t, o.Checkout(context.Background()).Allowed)
	assert.Equal(t, []string{"777"}, o.Status().Unresolved)

	n, err := o.ResolveAll(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, o.Checkout(context.Background()).Allowed)

	be.mu.Lock()
	assert.Equal(t, 1, be.resolved)
	be.mu.Unlock()
}

func TestBackendUnresolvedItemsBlockCheckout(t *testing.T) {
	be := newStubBackend()
	be.unresolved = []model.LineItem{{UPC: "777", Description: "Wine", RequiresVerification: true}}
	o, ch := newTestOrchestrator(t, Deps{Backend: be})
	ctx := context.Background()

	_, err := o.StartSession(ctx)
	require.NoError(t, err)
	o.dispatch(productLine("111", 1, "3.00"))

	d := o.Checkout(ctx)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reasons, verification.ReasonUnresolvedItems)
	assert.Equal(t, []string{"777"}, o.Status().Unresolved)

	res, err := o.StartPayment(ctx, payment.MethodCard)
	require.NoError(t, err)
	assert.False(t, res.Decision.Allowed)
	assert.NotContains(t, ch.commands(), "PAY_START")

	_, err = o.ResolveAll(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, o.Checkout(ctx).Allowed)
	assert.Empty(t, o.Status().Unresolved)
}

func TestScanUPC(t *testing.T) {
	be := newStubBackend()
	o, _ := newTestOrchestrator(t, Deps{Backend: be})
	ctx := context.Background()

	_, err := o.ScanUPC(ctx, "123456789013")
	assert.ErrorIs(t, err, ErrInvalidUPC)

	_, err = o.ScanUPC(ctx, "123456789012")
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = o.StartSession(ctx)
	require.NoError(t, err)

	_, err = o.ScanUPC(ctx, "UPC:123456789012")
	require.NoError(t, err)
	item, err := o.ScanUPC(ctx, "123456789012")
	require.NoError(t, err)
	assert.Equal(t, 2, item.Quantity)

	st := o.Status()
	require.Len(t, st.Items, 1)
	assert.Equal(t, 2, st.Items[0].Quantity)
}

func TestRemoveItemMirrorsBackend(t *testing.T) {
	be := newStubBackend()
	o, _ := newTestOrchestrator(t, Deps{Backend: be})
	ctx := context.Background()

	o.dispatch(productLine("111", 3, "3.00"))

	left, ok, err := o.RemoveItem(ctx, "111", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, left.Quantity)

	_, ok, err = o.RemoveItem(ctx, "111", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = o.RemoveItem(ctx, "111", 1)
	assert.ErrorIs(t, err, cart.ErrItemNotFound)

	be.mu.Lock()
	assert.Equal(t, 3, be.updates["111"])
	be.mu.Unlock()
}

func TestWeighAddsProduceAndMirrorsBackend(t *testing.T) {
	be := newStubBackend()
	o, ch := newTestOrchestrator(t, Deps{Backend: be})

	var mu sync.Mutex
	replies := []string{"MOVING", "MOVING", "STOPPED"}
	ch.onSend = func(cmd string) {
		switch cmd {
		case "IMU_CHECK_ACTIVITY":
			mu.Lock()
			activity := "STOPPED"
			if len(replies) > 0 {
				activity, replies = replies[0], replies[1:]
			}
			mu.Unlock()
			go o.dispatch(fmt.Sprintf(`IMU_ACTIVITY_JSON:{"imu-activity-received": %q}`, activity))
		case "MEASURE_PROD_WEIGHT":
			go o.dispatch(`PRODUCE_WEIGHT_JSON:{"produce-weight-received": 12.5}`)
		}
	}

	out, err := o.Weigh(context.Background(), weighing.Request{
		UPC:         "4011",
		Description: "Bananas",
		UnitPrice:   decimal.RequireFromString("2.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, 12.5, out.Weight)
	assert.True(t, out.Subtotal.Equal(decimal.RequireFromString("25")))

	st := o.Status()
	require.Len(t, st.Items, 1)
	assert.True(t, st.Items[0].IsWeighed)

	be.mu.Lock()
	assert.Equal(t, 12.5, be.produce["4011"])
	be.mu.Unlock()
}

func TestResetCartEndsSession(t *testing.T) {
	be := newStubBackend()
	journal := newStubJournal()
	o, ch := newTestOrchestrator(t, Deps{Backend: be, Journal: journal})
	ctx := context.Background()

	id, err := o.StartSession(ctx)
	require.NoError(t, err)
	o.dispatch(productLine("111", 1, "3.00"))

	require.NoError(t, o.ResetCart(ctx))

	st := o.Status()
	assert.Empty(t, st.Items)
	assert.Equal(t, model.UILanding, st.UI)
	assert.Empty(t, st.SessionID)
	assert.Equal(t, []string{"CT_START", "CT_CLEAR"}, ch.commands())

	require.Eventually(t, func() bool {
		reason, ok := journal.endReason(id)
		return ok && reason == endReasonReset
	}, time.Second, 10*time.Millisecond)
}

func TestRequestHelpNotifiesStaff(t *testing.T) {
	notifier := &stubNotifier{}
	o, _ := newTestOrchestrator(t, Deps{Notifier: notifier})

	require.NoError(t, o.RequestHelp(context.Background(), ""))
	assert.Equal(t, 1, notifier.count(alert.KindHelp))

	notifier.err = alert.ErrNotConnected
	assert.ErrorIs(t, o.RequestHelp(context.Background(), "spill in aisle 4"), alert.ErrNotConnected)
}

func TestUISubscriberReceivesEvents(t *testing.T) {
	o, _ := newTestOrchestrator(t, Deps{})

	events, cancel := o.SubscribeUI(8)
	defer cancel()

	o.dispatch(productLine("111", 1, "3.00"))

	var types []string
	for len(types) < 2 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("ui events not delivered, got %v", types)
		}
	}
	assert.ElementsMatch(t, []string{"cart", string(model.EventProductAdded)}, types)
}

func TestRunReconnectsAfterChannelLoss(t *testing.T) {
	notifier := &stubNotifier{}
	first, second := newFakeChannel(), newFakeChannel()

	var mu sync.Mutex
	dials := 0
	dial := func(ctx context.Context) (transport.Channel, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		switch dials {
		case 1:
			return first, nil
		case 2:
			return nil, errors.New("device busy")
		default:
			return second, nil
		}
	}

	o, err := New(testConfig(), dial, Deps{Notifier: notifier}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool { return !o.Degraded() }, time.Second, 5*time.Millisecond)

	first.lines <- productLine("111", 1, "3.00")
	require.Eventually(t, func() bool { return len(o.Status().Items) == 1 }, time.Second, 5*time.Millisecond)

	first.fail(&transport.ChannelError{Op: "exit", Err: errors.New("exit status 1")})

	require.Eventually(t, func() bool {
		return notifier.count(alert.KindHardwareDisconnected) == 1 && notifier.count(alert.KindHardwareRestored) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, o.Degraded())

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, o.Close())
}

func TestRunRestoresCartFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rc := cache.NewRedisCache(client)
	defer rc.Close()

	ctx := context.Background()
	require.NoError(t, rc.Set(ctx, "cart-test", &cache.Snapshot{
		SessionID: "session-before-restart",
		Items: []model.LineItem{
			{UPC: "111", Description: "Soda", UnitPrice: decimal.RequireFromString("3"), Quantity: 2},
		},
	}))

	ch := newFakeChannel()
	o, err := New(testConfig(), func(ctx context.Context) (transport.Channel, error) { return ch, nil },
		Deps{Cache: rc}, zap.NewNop())
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- o.Run(runCtx) }()

	require.Eventually(t, func() bool { return !o.Degraded() }, time.Second, 5*time.Millisecond)

	st := o.Status()
	assert.Equal(t, "session-before-restart", st.SessionID)
	assert.Equal(t, model.UIShopping, st.UI)
	require.Len(t, st.Items, 1)

	require.NoError(t, o.ClearCart(ctx))
	require.Eventually(t, func() bool {
		_, err := rc.Get(ctx, "cart-test")
		return errors.Is(err, cache.ErrCacheMiss)
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, o.Close())
}
