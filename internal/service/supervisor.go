package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/smartcart/internal/alert"
	"github.com/mmeshcher/smartcart/internal/cache"
	"github.com/mmeshcher/smartcart/internal/model"
	"github.com/mmeshcher/smartcart/internal/protocol"
	"github.com/mmeshcher/smartcart/internal/transport"
)

const (
	reconnectBase   = 500 * time.Millisecond
	snapshotTimeout = 2 * time.Second
)

// Run держит связь с оборудованием до отмены ctx. Подключается с экспоненциальной задержкой,
// читает строки канала и публикует события в шину. Потеря канала переводит киоск
// в деградированный режим до переподключения.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.restore(ctx)

	o.bg.Add(1)
	go o.snapshotLoop(ctx)

	for {
		ch, err := o.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connect to hardware: %w", err)
		}

		o.attach(ch)
		o.pump(ctx, ch)
		o.detach(ctx, ch)

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (o *Orchestrator) connect(ctx context.Context) (transport.Channel, error) {
	b := retry.WithCappedDuration(o.cfg.ReconnectMaxDelay, retry.NewExponential(reconnectBase))

	var ch transport.Channel
	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		c, err := o.dial(ctx)
		if err != nil {
			o.logger.Warn("hardware connect failed", zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		ch = c
		return nil
	})
	return ch, err
}

func (o *Orchestrator) attach(ch transport.Channel) {
	o.mu.Lock()
	o.ch = ch
	restored := o.everUp
	o.everUp = true
	o.mu.Unlock()

	o.logger.Info("hardware connected")
	o.ui.publish("connection", map[string]any{"connected": true})

	if restored {
		o.alert(alert.KindHardwareRestored, "hardware connection restored")
		o.recordEvent("hardware_restored", nil)
	}
}

func (o *Orchestrator) pump(ctx context.Context, ch transport.Channel) {
	lines := ch.Lines()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			o.dispatch(line)
		}
	}
}

func (o *Orchestrator) detach(ctx context.Context, ch transport.Channel) {
	o.mu.Lock()
	if o.ch == ch {
		o.ch = nil
	}
	o.mu.Unlock()

	_ = ch.Close()
	if ctx.Err() != nil {
		return
	}

	cause := ch.Err()
	if cause == nil {
		cause = transport.ErrChannelClosed
	}
	o.logger.Error("hardware channel lost", zap.Error(cause))

	o.weigh.Cancel()
	o.ui.publish("connection", map[string]any{"connected": false, "error": cause.Error()})
	o.alert(alert.KindHardwareDisconnected, cause.Error())
	o.recordEvent("hardware_disconnected", map[string]string{"error": cause.Error()})
}

// dispatch декодирует строку канала и публикует событие. Битые строки журналируются и отбрасываются.
func (o *Orchestrator) dispatch(line string) {
	ev, err := protocol.Decode(line)
	if err != nil {
		var pf *protocol.ParseFailure
		if errors.As(err, &pf) {
			o.logger.Warn("malformed hardware frame dropped",
				zap.String("tag", pf.Tag),
				zap.String("line", pf.Raw),
				zap.Error(pf.Cause),
			)
			return
		}
		o.logger.Warn("hardware frame dropped", zap.String("line", line), zap.Error(err))
		return
	}

	ev.Seq = o.seq.Add(1)
	ev.ReceivedAt = time.Now()

	if protocol.IsDiagnostic(ev) {
		o.logger.Debug("hardware output", zap.String("line", ev.Raw))
	}
	o.bus.Publish(ev)
}

// Send кодирует команду и пишет её в канал. Отменённый ctx и отсутствие связи проверяются до записи.
func (o *Orchestrator) Send(ctx context.Context, cmd protocol.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	frame, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}

	o.mu.RLock()
	ch := o.ch
	o.mu.RUnlock()
	if ch == nil {
		return ErrDegraded
	}

	if err := ch.Send(ctx, frame); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	o.logger.Debug("command sent", zap.String("command", string(cmd)))
	return nil
}

// restore поднимает корзину прерванной сессии из кэша, а при промахе из сервиса.
func (o *Orchestrator) restore(ctx context.Context) {
	if o.cache == nil {
		return
	}

	fetch := func(ctx context.Context) (*cache.Snapshot, error) {
		if !o.backendReady() {
			return nil, cache.ErrCacheMiss
		}
		items, err := o.backend.GetCartItems(ctx)
		if err != nil {
			return nil, err
		}
		return &cache.Snapshot{Items: items, UpdatedAt: time.Now()}, nil
	}

	snap, err := o.cache.Load(ctx, o.cfg.CartID, fetch)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			o.logger.Warn("cart restore failed", zap.Error(err))
		}
		return
	}
	if len(snap.Items) == 0 {
		return
	}

	sessionID := snap.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	o.mu.Lock()
	o.sessionID = sessionID
	o.screen = model.UIShopping
	o.mu.Unlock()

	o.cart.Restore(snap.Items)
	o.logger.Info("cart restored",
		zap.String("session_id", sessionID),
		zap.Int("items", len(snap.Items)),
	)
}

func (o *Orchestrator) onCartChange(items []model.LineItem) {
	o.ui.publish("cart", cartView(items))

	if o.cache == nil {
		return
	}
	o.snapMu.Lock()
	o.snapItems = items
	o.snapMu.Unlock()

	select {
	case o.snapDirty <- struct{}{}:
	default:
	}
}

// snapshotLoop пишет в кэш последнее состояние корзины. Промежуточные состояния пропускаются.
func (o *Orchestrator) snapshotLoop(ctx context.Context) {
	defer o.bg.Done()

	if o.cache == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.done:
			return
		case <-o.snapDirty:
		}

		o.snapMu.Lock()
		items := o.snapItems
		o.snapMu.Unlock()

		wctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		var err error
		if len(items) == 0 {
			err = o.cache.Delete(wctx, o.cfg.CartID)
		} else {
			err = o.cache.Set(wctx, o.cfg.CartID, &cache.Snapshot{SessionID: o.SessionID(), Items: items})
		}
		cancel()

		if err != nil {
			o.logger.Warn("cart snapshot write failed", zap.Error(err))
		}
	}
}
