// Package eventbus рассылает декодированные события оборудования подписчикам.
//
// Доставка синхронная, в порядке регистрации подписчиков. Паника одного
// обработчика логируется и не мешает доставке остальным.
package eventbus

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/mmeshcher/smartcart/internal/model"
)

var (
	// ErrBusClosed возвращается при подписке на закрытую шину.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrSubscriptionNotFound возвращается при отписке по неизвестному идентификатору.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Handler получает копию события.
type Handler func(ev model.Event)

// Handle идентифицирует подписку.
type Handle uint64

type subscription struct {
	id      Handle
	kind    model.EventKind
	all     bool
	handler Handler
}

type exclusiveKey struct {
	owner string
	kind  model.EventKind
}

// Bus рассылает события подписчикам.
type Bus struct {
	logger *zap.Logger

	mu        sync.RWMutex
	nextID    Handle
	subs      []subscription
	exclusive map[exclusiveKey]Handle
	closed    bool
}

// New создаёт шину.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		logger:    logger,
		exclusive: make(map[exclusiveKey]Handle),
	}
}

// Subscribe регистрирует обработчик событий одного типа.
func (b *Bus) Subscribe(kind model.EventKind, h Handler) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addLocked(subscription{kind: kind, handler: h})
}

// SubscribeAll регистрирует обработчик всех событий.
func (b *Bus) SubscribeAll(h Handler) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addLocked(subscription{all: true, handler: h})
}

// SubscribeExclusive регистрирует единственный активный обработчик owner для kind.
// Предыдущий обработчик того же владельца и типа снимается.
func (b *Bus) SubscribeExclusive(owner string, kind model.EventKind, h Handler) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := exclusiveKey{owner: owner, kind: kind}
	if prev, ok := b.exclusive[key]; ok {
		b.removeLocked(prev)
		b.logger.Debug("exclusive subscription retired",
			zap.String("owner", owner),
			zap.String("kind", string(kind)),
		)
	}

	id, err := b.addLocked(subscription{kind: kind, handler: h})
	if err != nil {
		delete(b.exclusive, key)
		return 0, err
	}
	b.exclusive[key] = id
	return id, nil
}

// Unsubscribe снимает подписку.
func (b *Bus) Unsubscribe(id Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.removeLocked(id) {
		return ErrSubscriptionNotFound
	}
	for key, h := range b.exclusive {
		if h == id {
			delete(b.exclusive, key)
		}
	}
	return nil
}

// Publish синхронно доставляет событие подписчикам. Обработчики могут подписываться
// и отписываться во время доставки, изменения действуют со следующего события.
func (b *Bus) Publish(ev model.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.all || s.kind == ev.Kind {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.deliver(s, ev.Clone())
	}
}

func (b *Bus) deliver(s subscription, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.Uint64("subscription", uint64(s.id)),
				zap.String("kind", string(ev.Kind)),
				zap.Any("panic", r),
			)
		}
	}()
	s.handler(ev)
}

// Close снимает все подписки. Последующие Publish игнорируются.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}
	b.closed = true
	b.subs = nil
	b.exclusive = make(map[exclusiveKey]Handle)
	return nil
}

func (b *Bus) addLocked(s subscription) (Handle, error) {
	if b.closed {
		return 0, ErrBusClosed
	}
	b.nextID++
	s.id = b.nextID
	b.subs = append(b.subs, s)
	return s.id, nil
}

func (b *Bus) removeLocked(id Handle) bool {
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}
