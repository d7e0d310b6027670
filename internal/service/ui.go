package service

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/smartcart/internal/cart"
	"github.com/mmeshcher/smartcart/internal/model"
	"github.com/mmeshcher/smartcart/internal/protocol"
)

const defaultUIBuffer = 64

// uiHub раздаёт сообщения подписчикам интерфейса. Медленный подписчик теряет сообщения,
// остальные их получают.
type uiHub struct {
	logger *zap.Logger

	mu     sync.Mutex
	next   int
	subs   map[int]chan model.UIEvent
	closed bool
}

func (h *uiHub) init(logger *zap.Logger) {
	h.logger = logger
	h.subs = make(map[int]chan model.UIEvent)
}

func (h *uiHub) subscribe(buffer int) (<-chan model.UIEvent, func()) {
	if buffer <= 0 {
		buffer = defaultUIBuffer
	}
	ch := make(chan model.UIEvent, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *uiHub) publish(typ string, payload any) {
	ev := model.UIEvent{Type: typ, Payload: payload, At: time.Now()}

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("ui subscriber lagging, event dropped", zap.Int("subscriber", id), zap.String("type", typ))
		}
	}
}

func (h *uiHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

// SubscribeUI подписывает интерфейс на события киоска. Возвращённая функция отменяет подписку.
func (o *Orchestrator) SubscribeUI(buffer int) (<-chan model.UIEvent, func()) {
	return o.ui.subscribe(buffer)
}

// forwardToUI пересылает события оборудования интерфейсу. Диагностика не пересылается.
func (o *Orchestrator) forwardToUI(ev model.Event) {
	if protocol.IsDiagnostic(ev) {
		return
	}
	o.ui.publish(string(ev.Kind), eventPayload(ev))
}

func eventPayload(ev model.Event) any {
	switch ev.Kind {
	case model.EventProductAdded, model.EventCartUpdate:
		return ev.Item
	case model.EventPayment:
		return ev.Payment
	case model.EventProduceWeight:
		return map[string]float64{"weight": ev.Weight}
	case model.EventItemVerification:
		return ev.Verification
	case model.EventMotionActivity:
		return map[string]model.MotionActivity{"activity": ev.Activity}
	case model.EventNotice:
		return ev.Notice
	}
	return nil
}

type cartPayload struct {
	Items  []model.LineItem `json:"items"`
	Totals cart.Totals      `json:"totals"`
}

func cartView(items []model.LineItem) cartPayload {
	if items == nil {
		items = []model.LineItem{}
	}
	return cartPayload{Items: items, Totals: cart.Summarize(items)}
}
