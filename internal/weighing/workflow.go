// Package weighing реализует взвешивание весового товара.
//
// Запрос ждёт неподвижности тележки по данным IMU, выдерживает паузу,
// запускает измерение и принимает вес после короткого окна стабилизации.
// Одновременно активен только один запрос.
package weighing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/smartcart/internal/eventbus"
	"github.com/mmeshcher/smartcart/internal/model"
	"github.com/mmeshcher/smartcart/internal/protocol"
	"github.com/mmeshcher/smartcart/internal/scheduler"
)

const (
	subscriberName = "weighing"
	activityToken  = "weighing-activity-poll"
)

var (
	// ErrBusy возвращается, если взвешивание уже идёт.
	ErrBusy = errors.New("weighing already in progress")
	// ErrTimeout возвращается, если за отведённое время не пришло нужное событие.
	ErrTimeout = errors.New("weighing timed out")
	// ErrCancelled возвращается при отмене взвешивания.
	ErrCancelled = errors.New("weighing cancelled")
	// ErrInvalidRequest возвращается, если в запросе нет UPC или цена отрицательна.
	ErrInvalidRequest = errors.New("invalid weigh request")
)

// State описывает фазу взвешивания.
type State string

const (
	StateIdle              State = "IDLE"
	StateAwaitingStillness State = "AWAITING_STILLNESS"
	StateMeasuring         State = "MEASURING"
	StateCompleted         State = "COMPLETED"
	StateCancelled         State = "CANCELLED"
	StateTimedOut          State = "TIMED_OUT"
	StateFailed            State = "FAILED"
)

// Request описывает запрос на взвешивание товара.
type Request struct {
	UPC         string          `json:"upc"`
	Description string          `json:"description"`
	Brand       string          `json:"brand,omitempty"`
	UnitPrice   decimal.Decimal `json:"price"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Outcome содержит результат успешного взвешивания.
type Outcome struct {
	Item     model.LineItem  `json:"item"`
	Weight   float64         `json:"weight"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

// Commander отправляет команды оборудованию.
type Commander interface {
	Send(ctx context.Context, cmd protocol.Command) error
}

// Cart принимает измеренный товар.
type Cart interface {
	AddWeighed(item model.LineItem, weight float64) model.LineItem
}

// Config содержит тайминги взвешивания.
type Config struct {
	PollInterval time.Duration
	Settle       time.Duration
	Debounce     time.Duration
	// Timeout ограничивает весь запрос. Ноль отключает ограничение.
	Timeout time.Duration
	// IdleIsStill разрешает считать IDLE неподвижностью наравне со STOPPED.
	IdleIsStill bool
}

// Workflow реализует конечный автомат взвешивания.
type Workflow struct {
	cfg    Config
	bus    *eventbus.Bus
	sched  *scheduler.Scheduler
	cmd    Commander
	cart   Cart
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	last     State
	request  *Request
	activity model.MotionActivity
	// cancel задан, пока идёт запрос
	cancel context.CancelFunc
}

// New создаёт автомат и подписывает его на события IMU. Опрос IMU выполняет sched.
func New(cfg Config, bus *eventbus.Bus, sched *scheduler.Scheduler, cmd Commander, cart Cart,
	logger *zap.Logger) (*Workflow, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	w := &Workflow{
		cfg:    cfg,
		bus:    bus,
		sched:  sched,
		cmd:    cmd,
		cart:   cart,
		logger: logger,
		state:  StateIdle,
		last:   StateIdle,
	}

	if _, err := bus.Subscribe(model.EventMotionActivity, w.onActivity); err != nil {
		return nil, fmt.Errorf("subscribe to motion activity: %w", err)
	}
	return w, nil
}

// State возвращает текущую фазу.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// LastResult возвращает итог последнего завершённого запроса.
func (w *Workflow) LastResult() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Request возвращает активный запрос.
func (w *Workflow) Request() (Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.request == nil {
		return Request{}, false
	}
	return *w.request, true
}

// Cancel отменяет активный запрос. Корзина не меняется.
func (w *Workflow) Cancel() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return false
	}
	w.cancel()
	return true
}

// Weigh выполняет запрос и блокируется до результата.
func (w *Workflow) Weigh(ctx context.Context, req Request) (Outcome, error) {
	if req.UPC == "" || req.UnitPrice.IsNegative() {
		return Outcome{}, ErrInvalidRequest
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}

	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return Outcome{}, ErrBusy
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if w.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	w.request = &req
	w.activity = model.ActivityUnknown
	w.cancel = cancel
	w.state = StateAwaitingStillness
	w.mu.Unlock()

	logger := w.logger.With(zap.String("upc", req.UPC))
	logger.Info("weighing started")

	weights := make(chan float64, 16)
	handle, err := w.bus.SubscribeExclusive(subscriberName, model.EventProduceWeight, func(ev model.Event) {
		if ev.Weight <= 0 {
			logger.Debug("non-positive produce weight ignored", zap.Float64("weight", ev.Weight))
			return
		}
		select {
		case weights <- ev.Weight:
		default:
		}
	})
	if err != nil {
		cancel()
		w.finish(StateFailed)
		return Outcome{}, fmt.Errorf("subscribe to produce weight: %w", err)
	}
	defer func() {
		_ = w.bus.Unsubscribe(handle)
	}()

	weight, err := w.run(runCtx, weights)
	if err != nil {
		final, wrapped := w.classify(runCtx, err)
		cancel()
		w.finish(final)
		logger.Info("weighing finished without result", zap.String("state", string(final)), zap.Error(err))
		return Outcome{}, wrapped
	}

	cancel()

	item := w.cart.AddWeighed(model.LineItem{
		UPC:         req.UPC,
		Description: req.Description,
		Brand:       req.Brand,
		UnitPrice:   req.UnitPrice,
	}, weight)

	w.finish(StateCompleted)

	added := model.LineItem{UPC: req.UPC, UnitPrice: req.UnitPrice, IsWeighed: true, Weight: weight}
	out := Outcome{
		Item:     item,
		Weight:   weight,
		Subtotal: added.Subtotal(),
	}
	logger.Info("weighing completed",
		zap.Float64("weight", weight),
		zap.String("subtotal", out.Subtotal.StringFixed(2)),
	)
	return out, nil
}

func (w *Workflow) run(ctx context.Context, weights chan float64) (float64, error) {
	if err := w.awaitStillness(ctx); err != nil {
		return 0, err
	}

	w.setState(StateMeasuring)
	if err := sleep(ctx, w.cfg.Settle); err != nil {
		return 0, err
	}

	// показания, пришедшие до команды измерения, не относятся к запросу
	drain(weights)
	if err := w.send(ctx, protocol.CommandMeasureProduce); err != nil {
		return 0, err
	}

	return w.awaitWeight(ctx, weights)
}

// awaitStillness запрашивает состояние IMU сразу и затем каждые PollInterval, пока тележка не остановится.
func (w *Workflow) awaitStillness(ctx context.Context) error {
	if err := w.send(ctx, protocol.CommandCheckActivity); err != nil {
		return err
	}

	still := make(chan struct{})
	failed := make(chan error, 1)
	err := w.sched.Every(activityToken, w.cfg.PollInterval, func(pollCtx context.Context) bool {
		if w.isStill(w.latestActivity()) {
			close(still)
			return false
		}
		if err := w.send(pollCtx, protocol.CommandCheckActivity); err != nil {
			failed <- err
			return false
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("schedule activity poll: %w", err)
	}
	defer w.sched.Cancel(activityToken)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-failed:
		return err
	case <-still:
		return nil
	}
}

func (w *Workflow) awaitWeight(ctx context.Context, weights <-chan float64) (float64, error) {
	var weight float64
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case weight = <-weights:
	}

	if w.cfg.Debounce <= 0 {
		return weight, nil
	}

	timer := time.NewTimer(w.cfg.Debounce)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case weight = <-weights:
		case <-timer.C:
			return weight, nil
		}
	}
}

func (w *Workflow) send(ctx context.Context, cmd protocol.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.cmd.Send(ctx, cmd)
}

func (w *Workflow) isStill(a model.MotionActivity) bool {
	switch a {
	case model.ActivityStopped:
		return true
	case model.ActivityIdle:
		return w.cfg.IdleIsStill
	default:
		return false
	}
}

func (w *Workflow) onActivity(ev model.Event) {
	w.mu.Lock()
	w.activity = ev.Activity
	w.mu.Unlock()
}

func (w *Workflow) latestActivity() model.MotionActivity {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activity
}

func (w *Workflow) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Workflow) finish(final State) {
	w.mu.Lock()
	w.state = StateIdle
	w.last = final
	w.request = nil
	w.cancel = nil
	w.mu.Unlock()
}

func (w *Workflow) classify(ctx context.Context, err error) (State, error) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return StateTimedOut, ErrTimeout
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return StateCancelled, ErrCancelled
	default:
		return StateFailed, err
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func drain(ch chan float64) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
