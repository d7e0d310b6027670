// Package service реализует оркестратор сессии киоска умной тележки.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/smartcart/internal/alert"
	"github.com/mmeshcher/smartcart/internal/backend"
	"github.com/mmeshcher/smartcart/internal/cache"
	"github.com/mmeshcher/smartcart/internal/cart"
	"github.com/mmeshcher/smartcart/internal/eventbus"
	"github.com/mmeshcher/smartcart/internal/model"
	"github.com/mmeshcher/smartcart/internal/payment"
	"github.com/mmeshcher/smartcart/internal/repository"
	"github.com/mmeshcher/smartcart/internal/scheduler"
	"github.com/mmeshcher/smartcart/internal/transport"
	"github.com/mmeshcher/smartcart/internal/verification"
	"github.com/mmeshcher/smartcart/internal/weighing"
)

var (
	// ErrDegraded возвращается, пока нет связи с оборудованием.
	ErrDegraded = errors.New("hardware disconnected")
	// ErrNoSession возвращается, если операция требует открытой сессии покупателя.
	ErrNoSession = errors.New("no active session")
	// ErrInvalidUPC возвращается при вводе кода с неверной контрольной цифрой.
	ErrInvalidUPC = errors.New("invalid upc")
	// ErrNoPurchase возвращается, если нет завершённой покупки для чека.
	ErrNoPurchase = errors.New("no completed purchase")
	// ErrInvalidEmail возвращается при пустом адресе для чека.
	ErrInvalidEmail = errors.New("invalid email")
	// ErrNoJournal возвращается, если журнал не подключён.
	ErrNoJournal = errors.New("session journal not configured")
)

// Backend описывает удалённый сервис каталога и заказов.
type Backend interface {
	Configured() bool
	StartSession(ctx context.Context) (string, error)
	EndSession(ctx context.Context) error
	GetCartItems(ctx context.Context) ([]model.LineItem, error)
	GetUnresolvedItems(ctx context.Context) ([]model.LineItem, error)
	ProcessUPC(ctx context.Context, upc string) (model.LineItem, error)
	ProcessProduceUPC(ctx context.Context, upc string, weight float64) (model.LineItem, error)
	UpdateCart(ctx context.Context, upc string, removeQty int) (model.LineItem, error)
	QRPayment(ctx context.Context, items []model.LineItem) (backend.QROrder, error)
	GetOrderStatus(ctx context.Context, orderID string) (string, error)
	ResolveAllRequiredItems(ctx context.Context) error
	SendReceipt(ctx context.Context, r backend.Receipt) error
}

// Journal описывает журнал сессий и оплат.
type Journal interface {
	CreateSession(ctx context.Context, s repository.SessionRecord) error
	EndSession(ctx context.Context, id, reason string, itemCount int, total decimal.Decimal) error
	GetSession(ctx context.Context, id string) (*repository.SessionRecord, error)
	RecordPayment(ctx context.Context, p repository.PaymentRecord) error
	ListPayments(ctx context.Context, sessionID string) ([]repository.PaymentRecord, error)
	RecordEvent(ctx context.Context, sessionID, kind string, payload any) error
	Close() error
}

// Cache хранит снимок корзины для восстановления после перезапуска.
type Cache interface {
	Set(ctx context.Context, cartID string, s *cache.Snapshot) error
	Delete(ctx context.Context, cartID string) error
	Load(ctx context.Context, cartID string, fetch func(ctx context.Context) (*cache.Snapshot, error)) (*cache.Snapshot, error)
	Close() error
}

// Config содержит параметры оркестратора.
type Config struct {
	CartID            string
	ReconnectMaxDelay time.Duration
	Weighing          weighing.Config
	Payment           payment.Config
}

// Deps содержит внешние зависимости. Любая может быть nil.
type Deps struct {
	Backend  Backend
	Journal  Journal
	Cache    Cache
	Notifier alert.Notifier
}

// Orchestrator связывает канал оборудования, шину событий, корзину и сценарии взвешивания и оплаты.
type Orchestrator struct {
	cfg    Config
	dial   transport.DialFunc
	logger *zap.Logger

	bus   *eventbus.Bus
	sched *scheduler.Scheduler
	cart  *cart.State
	gate  *verification.Gate
	weigh *weighing.Workflow
	pay   *payment.Workflow

	backend  Backend
	journal  Journal
	cache    Cache
	notifier alert.Notifier

	seq atomic.Uint64

	mu           sync.RWMutex
	ch           transport.Channel
	everUp       bool
	screen       model.UIState
	sessionID    string
	remoteID     string
	lastPurchase *payment.Session

	ui uiHub

	lifecycle sync.Mutex

	snapMu    sync.Mutex
	snapItems []model.LineItem
	snapDirty chan struct{}
	done      chan struct{}

	jobsMu     sync.RWMutex
	jobs       chan job
	jobsClosed bool
	bg         sync.WaitGroup
}

// job описывает отложенную запись в журнал, кэш или брокер. Выполняется по порядку постановки.
type job struct {
	op string
	fn func(ctx context.Context) error
}

// New собирает оркестратор. Связь с оборудованием устанавливает Run.
func New(cfg Config, dial transport.DialFunc, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	if deps.Notifier == nil {
		deps.Notifier = alert.NopNotifier{}
	}

	o := &Orchestrator{
		cfg:       cfg,
		dial:      dial,
		logger:    logger,
		bus:       eventbus.New(logger),
		sched:     scheduler.New(logger),
		cart:      cart.New(),
		backend:   deps.Backend,
		journal:   deps.Journal,
		cache:     deps.Cache,
		notifier:  deps.Notifier,
		screen:    model.UILanding,
		snapDirty: make(chan struct{}, 1),
		done:      make(chan struct{}),
		jobs:      make(chan job, jobQueueSize),
	}
	o.ui.init(logger)

	var remote verification.Remote
	if o.backendReady() {
		remote = o.backend
	}
	o.gate = verification.NewGate(o.cart, remote, logger)

	weigh, err := weighing.New(cfg.Weighing, o.bus, o.sched, o, o.cart, logger)
	if err != nil {
		return nil, fmt.Errorf("create weighing workflow: %w", err)
	}
	o.weigh = weigh

	var orders payment.OrderBackend
	if o.backendReady() {
		orders = qrOrders{backend: o.backend}
	}
	o.pay = payment.New(cfg.Payment, o.bus, o.sched, o, o.gate, o.cart, orders, payment.Hooks{
		OnUpdate:    o.onPaymentUpdate,
		OnSucceeded: o.onPaymentSucceeded,
	}, logger)

	if err := o.subscribe(); err != nil {
		return nil, err
	}
	o.cart.OnChange(o.onCartChange)

	o.bg.Add(1)
	go o.runJobs()

	return o, nil
}

func (o *Orchestrator) subscribe() error {
	subs := []struct {
		kind model.EventKind
		h    eventbus.Handler
	}{
		{model.EventProductAdded, func(ev model.Event) { o.cart.ApplyProductAdded(ev.Item) }},
		{model.EventCartUpdate, func(ev model.Event) { o.cart.ApplyCartUpdate(ev.Item) }},
		{model.EventItemVerification, o.onVerification},
		{model.EventNotice, o.onNotice},
	}
	for _, s := range subs {
		if _, err := o.bus.Subscribe(s.kind, s.h); err != nil {
			return fmt.Errorf("subscribe to %s: %w", s.kind, err)
		}
	}

	if _, err := o.bus.SubscribeAll(o.forwardToUI); err != nil {
		return fmt.Errorf("subscribe ui forwarder: %w", err)
	}
	return nil
}

// Close останавливает таймеры и шину, дожидается фоновых записей и закрывает уведомления.
// Журнал и кэш закрывает владелец.
func (o *Orchestrator) Close() error {
	o.weigh.Cancel()
	o.pay.Cancel()
	o.sched.Stop()
	err := o.bus.Close()

	close(o.done)
	o.jobsMu.Lock()
	o.jobsClosed = true
	close(o.jobs)
	o.jobsMu.Unlock()
	o.bg.Wait()

	o.ui.close()
	o.notifier.Close()
	return err
}

func (o *Orchestrator) backendReady() bool {
	return o.backend != nil && o.backend.Configured()
}

// Status описывает состояние киоска для интерфейса.
type Status struct {
	UI              model.UIState              `json:"ui"`
	Connected       bool                       `json:"connected"`
	SessionID       string                     `json:"session_id,omitempty"`
	BackendSession  string                     `json:"backend_session_id,omitempty"`
	Items           []model.LineItem           `json:"items"`
	Totals          cart.Totals                `json:"totals"`
	Verification    model.VerificationSnapshot `json:"verification"`
	Unresolved      []string                   `json:"unresolved"`
	CheckoutAllowed bool                       `json:"checkout_allowed"`
	Weighing        weighing.State             `json:"weighing"`
	Payment         *payment.Session           `json:"payment,omitempty"`
	LastPurchase    *payment.Session           `json:"last_purchase,omitempty"`
}

// Status возвращает снимок состояния киоска.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	st := Status{
		UI:             o.screen,
		Connected:      o.ch != nil,
		SessionID:      o.sessionID,
		BackendSession: o.remoteID,
	}
	if o.lastPurchase != nil {
		p := *o.lastPurchase
		st.LastPurchase = &p
	}
	o.mu.RUnlock()

	if !st.Connected {
		st.UI = model.UIDegraded
	}

	st.Items = o.cart.Items()
	st.Totals = cart.Summarize(st.Items)
	st.Verification = o.gate.Snapshot()
	st.Unresolved = o.gate.UnresolvedItems()
	st.CheckoutAllowed = o.gate.CheckoutAllowed()
	st.Weighing = o.weigh.State()
	if o.pay.Active() {
		if s, ok := o.pay.Session(); ok {
			st.Payment = &s
		}
	}
	return st
}

// Degraded сообщает, потеряна ли связь с оборудованием.
func (o *Orchestrator) Degraded() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.ch == nil
}

// SessionID возвращает идентификатор текущей сессии покупателя.
func (o *Orchestrator) SessionID() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.sessionID
}

const (
	jobQueueSize = 128
	jobTimeout   = 5 * time.Second
)

// background ставит запись в очередь. При переполнении запись теряется с предупреждением.
func (o *Orchestrator) background(op string, fn func(ctx context.Context) error) {
	o.jobsMu.RLock()
	defer o.jobsMu.RUnlock()

	if o.jobsClosed {
		return
	}
	select {
	case o.jobs <- job{op: op, fn: fn}:
	default:
		o.logger.Warn("background queue full, write dropped", zap.String("op", op))
	}
}

func (o *Orchestrator) runJobs() {
	defer o.bg.Done()

	for j := range o.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		if err := j.fn(ctx); err != nil {
			o.logger.Warn("background write failed", zap.String("op", j.op), zap.Error(err))
		}
		cancel()
	}
}

func (o *Orchestrator) recordEvent(kind string, payload any) {
	if o.journal == nil {
		return
	}
	sessionID := o.SessionID()
	o.background("record "+kind, func(ctx context.Context) error {
		return o.journal.RecordEvent(ctx, sessionID, kind, payload)
	})
}

func (o *Orchestrator) alert(kind alert.Kind, message string) {
	a := alert.Alert{
		Kind:      kind,
		CartID:    o.cfg.CartID,
		SessionID: o.SessionID(),
		Message:   message,
		At:        time.Now(),
	}
	o.background("alert "+string(kind), func(ctx context.Context) error {
		return o.notifier.Notify(ctx, a)
	})
}

var now = time.Now

// qrOrders приводит клиент сервиса к интерфейсу оплаты по QR.
type qrOrders struct {
	backend Backend
}

func (q qrOrders) CreateQROrder(ctx context.Context, items []model.LineItem) (payment.Order, error) {
	order, err := q.backend.QRPayment(ctx, items)
	if err != nil {
		return payment.Order{}, err
	}
	return payment.Order{ID: order.OrderID, CheckoutURL: order.CheckoutURL}, nil
}

func (q qrOrders) OrderStatus(ctx context.Context, orderID string) (string, error) {
	return q.backend.GetOrderStatus(ctx, orderID)
}
