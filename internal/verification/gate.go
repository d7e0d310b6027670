// Package verification хранит результат сверки содержимого тележки и решает, можно ли оплачивать.
package verification

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mmeshcher/smartcart/internal/model"
)

// Reason описывает причину блокировки оплаты.
type Reason string

const (
	ReasonVerificationFailed Reason = "verification_failed"
	ReasonUnresolvedItems    Reason = "unresolved_items"
)

// Decision содержит результат проверки перед оплатой. Блокировка не является ошибкой.
type Decision struct {
	Allowed    bool                       `json:"allowed"`
	Status     model.VerificationStatus   `json:"status"`
	Reasons    []Reason                   `json:"reasons,omitempty"`
	Unresolved []model.LineItem           `json:"unresolved,omitempty"`
	Snapshot   model.VerificationSnapshot `json:"snapshot"`
}

// CartView описывает часть корзины, нужную для проверки.
type CartView interface {
	Unresolved() []model.LineItem
	ResolveAll() int
}

// Remote хранит отметки проверки во внешней системе.
type Remote interface {
	GetUnresolvedItems(ctx context.Context) ([]model.LineItem, error)
	ResolveAllRequiredItems(ctx context.Context) error
}

// Gate хранит текущий снимок сверки и выводит множество непроверенных позиций
// из корзины и из последнего ответа внешней системы.
type Gate struct {
	logger *zap.Logger
	cart   CartView
	remote Remote

	mu       sync.RWMutex
	snapshot model.VerificationSnapshot
	pending  []model.LineItem
}

// NewGate создаёт проверку со статусом success: пока сверка не провалилась, блокировать нечего.
// remote может быть nil.
func NewGate(cart CartView, remote Remote, logger *zap.Logger) *Gate {
	return &Gate{
		logger:   logger,
		cart:     cart,
		remote:   remote,
		snapshot: model.VerificationSnapshot{Status: model.VerificationSuccess},
	}
}

// Refresh запрашивает у внешней системы позиции, ожидающие проверки. При ошибке
// остаётся предыдущий ответ.
func (g *Gate) Refresh(ctx context.Context) error {
	if g.remote == nil {
		return nil
	}

	items, err := g.remote.GetUnresolvedItems(ctx)
	if err != nil {
		return fmt.Errorf("get unresolved items: %w", err)
	}

	g.mu.Lock()
	g.pending = items
	g.mu.Unlock()
	return nil
}

// Apply заменяет снимок целиком.
func (g *Gate) Apply(s model.VerificationSnapshot) {
	g.mu.Lock()
	g.snapshot = s
	g.mu.Unlock()

	if s.Status == model.VerificationFailure {
		g.logger.Info("cart verification failed",
			zap.Float64("measured_weight", s.MeasuredWeight),
			zap.Float64("expected_weight", s.ExpectedWeight),
			zap.Float64("weight_difference", s.WeightDifference),
		)
	}
}

// CurrentStatus возвращает статус последней сверки.
func (g *Gate) CurrentStatus() model.VerificationStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshot.Status
}

// Snapshot возвращает копию последнего снимка.
func (g *Gate) Snapshot() model.VerificationSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := g.snapshot
	s.ScannedTags = append([]string(nil), s.ScannedTags...)
	s.RFIDUPCs = append([]string(nil), s.RFIDUPCs...)
	return s
}

// UnresolvedItems возвращает UPC позиций, ожидающих проверки.
func (g *Gate) UnresolvedItems() []string {
	items := g.unresolved()
	upcs := make([]string, 0, len(items))
	for _, it := range items {
		upcs = append(upcs, it.UPC)
	}
	return upcs
}

// CheckoutAllowed разрешает оплату при статусе success и пустом множестве непроверенных позиций.
func (g *Gate) CheckoutAllowed() bool {
	return g.Evaluate().Allowed
}

// Evaluate считает решение на текущий момент.
func (g *Gate) Evaluate() Decision {
	snap := g.Snapshot()
	unresolved := g.unresolved()

	d := Decision{
		Status:     snap.Status,
		Unresolved: unresolved,
		Snapshot:   snap,
	}
	if snap.Status != model.VerificationSuccess {
		d.Reasons = append(d.Reasons, ReasonVerificationFailed)
	}
	if len(unresolved) > 0 {
		d.Reasons = append(d.Reasons, ReasonUnresolvedItems)
	}
	d.Allowed = len(d.Reasons) == 0
	return d
}

// unresolved объединяет позиции корзины и внешней системы. Позиция корзины важнее
// одноимённой внешней.
func (g *Gate) unresolved() []model.LineItem {
	items := g.cart.Unresolved()

	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, p := range g.pending {
		if !containsUPC(items, p.UPC) {
			items = append(items, p)
		}
	}
	return items
}

func containsUPC(items []model.LineItem, upc string) bool {
	for _, it := range items {
		if it.UPC == upc {
			return true
		}
	}
	return false
}

// ResolveAll снимает все отметки проверки. Статус сверки не меняется.
func (g *Gate) ResolveAll(ctx context.Context) (int, error) {
	n := g.cart.ResolveAll()
	g.logger.Info("required items resolved", zap.Int("count", n))

	if g.remote == nil {
		return n, nil
	}
	if err := g.remote.ResolveAllRequiredItems(ctx); err != nil {
		return n, fmt.Errorf("resolve required items: %w", err)
	}

	g.mu.Lock()
	g.pending = nil
	g.mu.Unlock()
	return n, nil
}

// Override фиксирует решение сотрудника: статус сверки считается успешным до следующего события.
func (g *Gate) Override() {
	g.mu.Lock()
	g.snapshot.Status = model.VerificationSuccess
	g.mu.Unlock()

	g.logger.Info("verification overridden by worker")
}

// Reset возвращает проверку в исходное состояние при завершении сессии.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.snapshot = model.VerificationSnapshot{Status: model.VerificationSuccess}
	g.pending = nil
	g.mu.Unlock()
}
