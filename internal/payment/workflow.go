// Package payment реализует оплату картой на терминале и оплату по QR-ссылке.
//
// Оплата картой управляется событиями: отказ терминала автоматически
// перезапускает PAY_START после паузы. Оплата по QR опрашивает статус заказа
// до терминального значения. Вход в оплату проверяется один раз, при старте.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/smartcart/internal/eventbus"
	"github.com/mmeshcher/smartcart/internal/model"
	"github.com/mmeshcher/smartcart/internal/protocol"
	"github.com/mmeshcher/smartcart/internal/scheduler"
	"github.com/mmeshcher/smartcart/internal/verification"
)

const (
	subscriberName = "payment"
	retryToken     = "payment-retry"
	pollToken      = "payment-order-poll"
	stopTimeout    = 5 * time.Second
)

var (
	// ErrBusy возвращается, если оплата уже идёт.
	ErrBusy = errors.New("payment already in progress")
	// ErrUnknownMethod возвращается для неизвестного способа оплаты.
	ErrUnknownMethod = errors.New("unknown payment method")
	// ErrEmptyCart возвращается, если в корзине нечего оплачивать.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrCancelled возвращается из Start, если оплату отменили до того, как она началась.
	ErrCancelled = errors.New("payment cancelled")
)

// Method описывает способ оплаты.
type Method string

const (
	MethodCard Method = "card"
	MethodQR   Method = "qr"
)

// ParseMethod разбирает способ оплаты из запроса UI.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "card":
		return MethodCard, nil
	case "qr", "qr code", "qr_code":
		return MethodQR, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// Status описывает итог сессии оплаты.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// State описывает фазу сессии оплаты.
type State string

const (
	StateIdle           State = "IDLE"
	StateMethodSelected State = "METHOD_SELECTED"
	StateCardAwaiting   State = "CARD_AWAITING"
	StateCardDeclined   State = "CARD_DECLINED"
	StateQRAwaiting     State = "QR_AWAITING"
	StateSucceeded      State = "SUCCEEDED"
	StateFailed         State = "FAILED"
	StateCancelled      State = "CANCELLED"
)

func (s State) terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// Session описывает сессию оплаты. У оплаты картой нет OrderID.
type Session struct {
	ID          string           `json:"id"`
	Method      Method           `json:"method"`
	OrderID     string           `json:"order_id,omitempty"`
	CheckoutURL string           `json:"checkout_url,omitempty"`
	Status      Status           `json:"status"`
	State       State            `json:"state"`
	Attempts    int              `json:"attempts"`
	Items       []model.LineItem `json:"items"`
	Total       decimal.Decimal  `json:"total"`
	StartedAt   time.Time        `json:"started_at"`
	Error       string           `json:"error,omitempty"`
}

// token возвращает токен задачи планировщика, принадлежащей только этой сессии.
func (s *Session) token(base string) string {
	return base + ":" + s.ID
}

func (s *Session) clone() Session {
	c := *s
	c.Items = append([]model.LineItem(nil), s.Items...)
	return c
}

// StartResult содержит результат попытки начать оплату. Если Decision.Allowed == false,
// оплата не начата и Session пуста.
type StartResult struct {
	Session  Session               `json:"session"`
	Decision verification.Decision `json:"decision"`
}

// Order описывает заказ, созданный для оплаты по QR.
type Order struct {
	ID          string
	CheckoutURL string
}

// OrderBackend создаёт QR-заказы и сообщает их статус.
type OrderBackend interface {
	CreateQROrder(ctx context.Context, items []model.LineItem) (Order, error)
	OrderStatus(ctx context.Context, orderID string) (string, error)
}

// Gate решает, можно ли начинать оплату.
type Gate interface {
	Evaluate() verification.Decision
}

// Commander отправляет команды оборудованию.
type Commander interface {
	Send(ctx context.Context, cmd protocol.Command) error
}

// Cart описывает корзину, которую оплачивают.
type Cart interface {
	Items() []model.LineItem
	Clear()
}

// Hooks содержит уведомления о ходе оплаты. Вызываются вне блокировок.
type Hooks struct {
	OnUpdate    func(s Session)
	OnSucceeded func(ctx context.Context, s Session)
}

// Config содержит параметры оплаты.
type Config struct {
	RetryBackoff time.Duration
	// MaxRetries ограничивает автоматические повторы после отказа терминала. Ноль снимает ограничение.
	MaxRetries   int
	PollInterval time.Duration
}

// Workflow реализует конечный автомат оплаты.
type Workflow struct {
	cfg     Config
	bus     *eventbus.Bus
	sched   *scheduler.Scheduler
	cmd     Commander
	gate    Gate
	cart    Cart
	backend OrderBackend
	hooks   Hooks
	logger  *zap.Logger

	mu      sync.Mutex
	session *Session
	last    *Session
	handle  eventbus.Handle
}

// New создаёт автомат оплаты. backend может быть nil, тогда оплата по QR недоступна.
func New(cfg Config, bus *eventbus.Bus, sched *scheduler.Scheduler, cmd Commander, gate Gate,
	cart Cart, backend OrderBackend, hooks Hooks, logger *zap.Logger) *Workflow {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Workflow{
		cfg:     cfg,
		bus:     bus,
		sched:   sched,
		cmd:     cmd,
		gate:    gate,
		cart:    cart,
		backend: backend,
		hooks:   hooks,
		logger:  logger,
	}
}

// Session возвращает текущую сессию или последнюю завершённую.
func (w *Workflow) Session() (Session, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.session != nil:
		return w.session.clone(), true
	case w.last != nil:
		return w.last.clone(), true
	}
	return Session{}, false
}

// Active сообщает, идёт ли оплата.
func (w *Workflow) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session != nil
}

// Start начинает оплату выбранным способом.
func (w *Workflow) Start(ctx context.Context, method Method) (StartResult, error) {
	if method != MethodCard && method != MethodQR {
		return StartResult{}, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	if method == MethodQR && w.backend == nil {
		return StartResult{}, fmt.Errorf("%w: qr payments need an order backend", ErrUnknownMethod)
	}

	decision := w.gate.Evaluate()
	if !decision.Allowed {
		w.logger.Info("checkout blocked by verification", zap.Any("reasons", decision.Reasons))
		return StartResult{Decision: decision}, nil
	}

	items := w.cart.Items()
	if len(items) == 0 {
		return StartResult{Decision: decision}, ErrEmptyCart
	}

	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}

	w.mu.Lock()
	if w.session != nil {
		w.mu.Unlock()
		return StartResult{Decision: decision}, ErrBusy
	}
	sess := &Session{
		ID:        uuid.NewString(),
		Method:    method,
		Status:    StatusPending,
		State:     StateMethodSelected,
		Items:     items,
		Total:     total,
		StartedAt: time.Now(),
	}
	w.session = sess
	w.mu.Unlock()

	logger := w.logger.With(zap.String("payment_id", sess.ID), zap.String("method", string(method)))
	logger.Info("payment started", zap.String("total", total.StringFixed(2)))

	var err error
	switch method {
	case MethodCard:
		err = w.startCard(ctx, sess)
	case MethodQR:
		err = w.startQR(ctx, sess)
	}
	if err != nil {
		logger.Warn("payment start failed", zap.Error(err))
		w.fail(sess, err)
		return StartResult{Decision: decision}, err
	}

	w.mu.Lock()
	if w.session != sess {
		w.mu.Unlock()
		logger.Info("payment cancelled while starting")
		return StartResult{Decision: decision}, ErrCancelled
	}
	res := StartResult{Session: sess.clone(), Decision: decision}
	w.mu.Unlock()

	w.notify(res.Session)
	return res, nil
}

func (w *Workflow) startCard(ctx context.Context, sess *Session) error {
	w.mu.Lock()
	if !w.startingLocked(sess) {
		w.mu.Unlock()
		return ErrCancelled
	}
	handle, err := w.bus.SubscribeExclusive(subscriberName, model.EventPayment, func(ev model.Event) {
		w.onCardResult(sess, ev.Payment)
	})
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("subscribe to payment results: %w", err)
	}
	w.handle = handle
	sess.State = StateCardAwaiting
	sess.Attempts = 1
	w.mu.Unlock()

	if err := w.cmd.Send(ctx, protocol.CommandStartPayment); err != nil {
		return fmt.Errorf("send %s: %w", protocol.CommandStartPayment, err)
	}
	return nil
}

func (w *Workflow) startQR(ctx context.Context, sess *Session) error {
	order, err := w.backend.CreateQROrder(ctx, sess.Items)
	if err != nil {
		return fmt.Errorf("create qr order: %w", err)
	}
	if order.ID == "" {
		return errors.New("create qr order: backend returned no order id")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// пока создавался заказ, оплату могли отменить и начать новую
	if !w.startingLocked(sess) {
		return ErrCancelled
	}
	sess.OrderID = order.ID
	sess.CheckoutURL = order.CheckoutURL
	sess.State = StateQRAwaiting

	return w.sched.Every(sess.token(pollToken), w.cfg.PollInterval, func(ctx context.Context) bool {
		return w.pollOrder(ctx, sess)
	})
}

func (w *Workflow) startingLocked(sess *Session) bool {
	return w.session == sess && sess.State == StateMethodSelected
}

func (w *Workflow) onCardResult(sess *Session, res model.PaymentResult) {
	w.mu.Lock()
	if w.session != sess || sess.State != StateCardAwaiting {
		w.mu.Unlock()
		w.logger.Debug("payment result ignored", zap.String("status", string(res.Status)))
		return
	}

	if res.Status == model.PaymentSuccess {
		w.mu.Unlock()
		w.succeed(sess)
		return
	}

	retries := sess.Attempts - 1
	if w.cfg.MaxRetries > 0 && retries >= w.cfg.MaxRetries {
		w.mu.Unlock()
		w.fail(sess, fmt.Errorf("card declined %d times", sess.Attempts))
		return
	}

	sess.State = StateCardDeclined
	snapshot := sess.clone()
	w.mu.Unlock()

	w.logger.Info("card payment declined, retrying",
		zap.String("payment_id", sess.ID),
		zap.Int("attempts", snapshot.Attempts),
		zap.Duration("backoff", w.cfg.RetryBackoff),
	)
	w.notify(snapshot)

	w.scheduleRetry(sess)
}

func (w *Workflow) scheduleRetry(sess *Session) {
	err := w.sched.After(sess.token(retryToken), w.cfg.RetryBackoff, func(ctx context.Context) {
		w.retryCard(ctx, sess)
	})
	if err != nil {
		w.fail(sess, fmt.Errorf("schedule card retry: %w", err))
	}
}

func (w *Workflow) retryCard(ctx context.Context, sess *Session) {
	w.mu.Lock()
	if w.session != sess || sess.State != StateCardDeclined || ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	sess.State = StateCardAwaiting
	sess.Attempts++
	snapshot := sess.clone()
	w.mu.Unlock()

	if err := w.cmd.Send(ctx, protocol.CommandStartPayment); err != nil {
		if ctx.Err() != nil {
			return
		}
		// без связи с терминалом сессия ждёт и повторяет команду после паузы
		w.mu.Lock()
		if w.session != sess || sess.State != StateCardAwaiting {
			w.mu.Unlock()
			return
		}
		sess.State = StateCardDeclined
		sess.Attempts--
		w.mu.Unlock()

		w.logger.Warn("card retry not sent, rescheduling",
			zap.String("payment_id", sess.ID),
			zap.Error(err),
		)
		w.scheduleRetry(sess)
		return
	}
	w.notify(snapshot)
}

func (w *Workflow) pollOrder(ctx context.Context, sess *Session) bool {
	w.mu.Lock()
	if w.session != sess || sess.State != StateQRAwaiting {
		w.mu.Unlock()
		return false
	}
	orderID := sess.OrderID
	w.mu.Unlock()

	status, err := w.backend.OrderStatus(ctx, orderID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		w.logger.Warn("order status poll failed", zap.String("order_id", orderID), zap.Error(err))
		return true
	}

	switch classifyOrderStatus(status) {
	case StatusSucceeded:
		w.succeed(sess)
		return false
	case StatusFailed:
		w.fail(sess, fmt.Errorf("order %s finished with status %s", orderID, status))
		return false
	default:
		return ctx.Err() == nil
	}
}

// classifyOrderStatus приводит статус заказа к итогу оплаты. Все нетерминальные статусы означают ожидание.
func classifyOrderStatus(status string) Status {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETED", "APPROVED", "SUCCEEDED":
		return StatusSucceeded
	case "ERROR", "FAILED", "CANCELED", "CANCELLED":
		return StatusFailed
	default:
		return StatusPending
	}
}

// Cancel прерывает оплату. Корзина не меняется.
func (w *Workflow) Cancel() bool {
	w.mu.Lock()
	sess := w.session
	if sess == nil {
		w.mu.Unlock()
		return false
	}
	sess.State = StateCancelled
	sess.Status = StatusFailed
	snapshot := w.closeLocked()
	w.mu.Unlock()

	w.logger.Info("payment cancelled", zap.String("payment_id", sess.ID))
	w.notify(snapshot)
	return true
}

func (w *Workflow) succeed(sess *Session) {
	w.mu.Lock()
	if w.session != sess {
		w.mu.Unlock()
		return
	}
	sess.State = StateSucceeded
	sess.Status = StatusSucceeded
	snapshot := w.closeLocked()
	w.mu.Unlock()

	w.logger.Info("payment succeeded",
		zap.String("payment_id", sess.ID),
		zap.String("order_id", snapshot.OrderID),
		zap.Int("attempts", snapshot.Attempts),
	)

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	w.cart.Clear()
	if err := w.cmd.Send(ctx, protocol.CommandStopTracking); err != nil {
		w.logger.Error("send stop after payment", zap.Error(err))
	}

	w.notify(snapshot)
	if w.hooks.OnSucceeded != nil {
		w.hooks.OnSucceeded(ctx, snapshot)
	}
}

func (w *Workflow) fail(sess *Session, cause error) {
	w.mu.Lock()
	if w.session != sess {
		w.mu.Unlock()
		return
	}
	sess.State = StateFailed
	sess.Status = StatusFailed
	sess.Error = cause.Error()
	snapshot := w.closeLocked()
	w.mu.Unlock()

	w.logger.Warn("payment failed", zap.String("payment_id", sess.ID), zap.Error(cause))
	w.notify(snapshot)
}

// closeLocked снимает подписку и задачи текущей сессии.
func (w *Workflow) closeLocked() Session {
	w.sched.Cancel(w.session.token(retryToken))
	w.sched.Cancel(w.session.token(pollToken))
	if w.handle != 0 {
		_ = w.bus.Unsubscribe(w.handle)
		w.handle = 0
	}

	snapshot := w.session.clone()
	w.last = w.session
	w.session = nil
	return snapshot
}

func (w *Workflow) notify(s Session) {
	if w.hooks.OnUpdate != nil {
		w.hooks.OnUpdate(s)
	}
}
