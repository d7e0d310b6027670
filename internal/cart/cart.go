// Package cart хранит текущее содержимое тележки.
package cart

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/smartcart/internal/model"
)

// ErrItemNotFound возвращается при удалении отсутствующей позиции.
var ErrItemNotFound = errors.New("item not found in cart")

// Totals содержит итог корзины. Весовая позиция считается одной штукой.
type Totals struct {
	Count int             `json:"count"`
	Total decimal.Decimal `json:"total"`
}

// State хранит содержимое корзины в памяти. Позиции уникальны по UPC и хранятся в порядке добавления.
type State struct {
	mu       sync.RWMutex
	items    []model.LineItem
	onChange func(items []model.LineItem)
}

// New создаёт пустую корзину.
func New() *State {
	return &State{}
}

// OnChange задаёт обработчик, получающий снимок корзины после каждого изменения.
func (s *State) OnChange(fn func(items []model.LineItem)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// ApplyProductAdded добавляет позицию или увеличивает существующую. Увеличение
// снимает отметку проверки: повторно добавленный товар нужно проверить заново.
func (s *State) ApplyProductAdded(item model.LineItem) model.LineItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(item.UPC)
	if i < 0 {
		if !item.IsWeighed && item.Quantity <= 0 {
			item.Quantity = 1
		}
		s.items = append(s.items, item)
		i = len(s.items) - 1
	} else {
		cur := &s.items[i]
		if cur.IsWeighed {
			cur.Weight += item.Weight
		} else {
			cur.Quantity += max(item.Quantity, 1)
		}
		if item.RequiresVerification {
			cur.RequiresVerification = true
		}
		if item.Description != "" {
			cur.Description = item.Description
		}
		if !item.UnitPrice.IsZero() {
			cur.UnitPrice = item.UnitPrice
		}
		cur.Resolved = false
	}
	res := s.items[i]
	s.notifyLocked()
	return res
}

// AddWeighed добавляет измеренный весовой товар.
func (s *State) AddWeighed(item model.LineItem, weight float64) model.LineItem {
	item.IsWeighed = true
	item.Weight = weight
	item.Quantity = 0
	return s.ApplyProductAdded(item)
}

// ApplyCartUpdate заменяет позицию целиком. Нулевое количество (или вес) удаляет её.
func (s *State) ApplyCartUpdate(item model.LineItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	empty := (item.IsWeighed && item.Weight <= 0) || (!item.IsWeighed && item.Quantity <= 0)

	i := s.indexLocked(item.UPC)
	switch {
	case i < 0 && empty:
		return
	case i < 0:
		s.items = append(s.items, item)
	case empty:
		s.items = append(s.items[:i:i], s.items[i+1:]...)
	default:
		s.items[i] = item
	}
	s.notifyLocked()
}

// Remove уменьшает количество позиции на qty. Весовая позиция и qty <= 0 удаляют её целиком.
// Возвращает оставшуюся позицию и признак того, что она ещё в корзине.
func (s *State) Remove(upc string, qty int) (model.LineItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(upc)
	if i < 0 {
		return model.LineItem{}, false, ErrItemNotFound
	}

	cur := s.items[i]
	if cur.IsWeighed || qty <= 0 || qty >= cur.Quantity {
		s.items = append(s.items[:i:i], s.items[i+1:]...)
		s.notifyLocked()
		cur.Quantity = 0
		return cur, false, nil
	}

	s.items[i].Quantity -= qty
	s.notifyLocked()
	return s.items[i], true, nil
}

// Clear очищает корзину. Повторный вызов безопасен.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.items) == 0 {
		return
	}
	s.items = nil
	s.notifyLocked()
}

// Restore заменяет содержимое корзины снимком.
func (s *State) Restore(items []model.LineItem) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = append([]model.LineItem(nil), items...)
	s.notifyLocked()
}

// ResolveAll отмечает все позиции, требующие проверки, как проверенные.
func (s *State) ResolveAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i := range s.items {
		if s.items[i].Unresolved() {
			s.items[i].Resolved = true
			n++
		}
	}
	if n > 0 {
		s.notifyLocked()
	}
	return n
}

// Unresolved возвращает позиции, ожидающие проверки сотрудником.
func (s *State) Unresolved() []model.LineItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []model.LineItem
	for _, it := range s.items {
		if it.Unresolved() {
			res = append(res, it)
		}
	}
	return res
}

// Items возвращает копию содержимого корзины.
func (s *State) Items() []model.LineItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.LineItem(nil), s.items...)
}

// Get возвращает позицию по UPC.
func (s *State) Get(upc string) (model.LineItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.indexLocked(upc); i >= 0 {
		return s.items[i], true
	}
	return model.LineItem{}, false
}

// Len возвращает число позиций.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Totals считает количество товаров и сумму.
func (s *State) Totals() Totals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Summarize(s.items)
}

// Summarize считает итог по снимку позиций.
func Summarize(items []model.LineItem) Totals {
	t := Totals{Total: decimal.Zero}
	for _, it := range items {
		if it.IsWeighed {
			t.Count++
		} else {
			t.Count += it.Quantity
		}
		t.Total = t.Total.Add(it.Subtotal())
	}
	return t
}

func (s *State) indexLocked(upc string) int {
	for i := range s.items {
		if s.items[i].UPC == upc {
			return i
		}
	}
	return -1
}

func (s *State) notifyLocked() {
	if s.onChange == nil {
		return
	}
	s.onChange(append([]model.LineItem(nil), s.items...))
}
