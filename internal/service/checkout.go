package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/mmeshcher/smartcart/internal/alert"
	"github.com/mmeshcher/smartcart/internal/cart"
	"github.com/mmeshcher/smartcart/internal/model"
	"github.com/mmeshcher/smartcart/internal/payment"
	"github.com/mmeshcher/smartcart/internal/repository"
	"github.com/mmeshcher/smartcart/internal/verification"
	"github.com/mmeshcher/smartcart/internal/weighing"
)

// Weigh взвешивает весовой товар и добавляет его в корзину. Блокируется до результата.
func (o *Orchestrator) Weigh(ctx context.Context, req weighing.Request) (weighing.Outcome, error) {
	if o.Degraded() {
		return weighing.Outcome{}, ErrDegraded
	}

	o.ui.publish("weighing", map[string]any{"state": weighing.StateAwaitingStillness, "upc": req.UPC})

	out, err := o.weigh.Weigh(ctx, req)
	if err != nil {
		o.ui.publish("weighing", map[string]any{
			"state": o.weigh.LastResult(),
			"upc":   req.UPC,
			"error": err.Error(),
		})
		return out, err
	}

	if o.backendReady() {
		if _, err := o.backend.ProcessProduceUPC(ctx, req.UPC, out.Weight); err != nil {
			o.logger.Warn("mirror weighed item to backend", zap.String("upc", req.UPC), zap.Error(err))
		}
	}

	o.ui.publish("weighing", map[string]any{"state": weighing.StateCompleted, "outcome": out})
	return out, nil
}

// CancelWeigh прерывает взвешивание. Корзина не меняется.
func (o *Orchestrator) CancelWeigh() bool {
	return o.weigh.Cancel()
}

// Checkout проверяет, можно ли переходить к оплате.
func (o *Orchestrator) Checkout(ctx context.Context) verification.Decision {
	o.refreshVerification(ctx)

	d := o.gate.Evaluate()
	if !d.Allowed {
		o.blocked(d)
	}
	return d
}

// StartPayment начинает оплату. Если проверка не пройдена, возвращает решение без ошибки.
func (o *Orchestrator) StartPayment(ctx context.Context, method payment.Method) (payment.StartResult, error) {
	if o.SessionID() == "" {
		return payment.StartResult{}, ErrNoSession
	}
	o.refreshVerification(ctx)

	res, err := o.pay.Start(ctx, method)
	if err == nil && !res.Decision.Allowed {
		o.blocked(res.Decision)
	}
	return res, err
}

// CancelPayment прерывает оплату.
func (o *Orchestrator) CancelPayment() bool {
	return o.pay.Cancel()
}

// ResolveAll отмечает все товары проверенными от имени сотрудника.
func (o *Orchestrator) ResolveAll(ctx context.Context, worker string) (int, error) {
	n, err := o.gate.ResolveAll(ctx)
	o.recordEvent("resolve_all", map[string]any{"worker": worker, "count": n})
	return n, err
}

// OverrideVerification фиксирует, что сотрудник подтвердил содержимое тележки вопреки сверке.
func (o *Orchestrator) OverrideVerification(worker string) {
	o.gate.Override()
	o.logger.Info("verification overridden", zap.String("worker", worker))
	o.recordEvent("verification_override", map[string]string{"worker": worker})
	o.ui.publish("verification", o.gate.Snapshot())
}

// refreshVerification подтягивает из сервиса позиции, ожидающие проверки. Ошибка только журналируется.
func (o *Orchestrator) refreshVerification(ctx context.Context) {
	if o.SessionID() == "" {
		return
	}
	if err := o.gate.Refresh(ctx); err != nil {
		o.logger.Warn("refresh unresolved items", zap.Error(err))
	}
}

func (o *Orchestrator) blocked(d verification.Decision) {
	o.ui.publish("checkout", d)
	o.alert(alert.KindVerificationBlocked, "checkout blocked by cart verification")
	o.recordEvent("checkout_blocked", d.Reasons)
}

func (o *Orchestrator) onVerification(ev model.Event) {
	prev := o.gate.CurrentStatus()
	o.gate.Apply(ev.Verification)

	if ev.Verification.Status == model.VerificationFailure && prev != model.VerificationFailure {
		o.alert(alert.KindVerificationBlocked, "cart weight does not match scanned items")
		o.recordEvent("verification_failed", ev.Verification)
	}
}

func (o *Orchestrator) onPaymentUpdate(s payment.Session) {
	o.ui.publish("payment", s)

	if o.journal == nil {
		return
	}
	rec := repository.PaymentRecord{
		ID:        s.ID,
		SessionID: o.SessionID(),
		Method:    string(s.Method),
		OrderID:   s.OrderID,
		Status:    string(s.Status),
		State:     string(s.State),
		Attempts:  s.Attempts,
		Total:     s.Total,
		Error:     s.Error,
		StartedAt: s.StartedAt,
	}
	o.background("record payment", func(ctx context.Context) error {
		return o.journal.RecordPayment(ctx, rec)
	})
}

// onPaymentSucceeded переводит киоск на экран после покупки. Корзину уже очистил сценарий оплаты.
func (o *Orchestrator) onPaymentSucceeded(_ context.Context, s payment.Session) {
	o.mu.Lock()
	purchase := s
	o.lastPurchase = &purchase
	o.screen = model.UIPostPurchase
	id := o.sessionID
	o.mu.Unlock()

	totals := cart.Summarize(s.Items)
	if id != "" && o.journal != nil {
		o.background("end session", func(ctx context.Context) error {
			return o.journal.EndSession(ctx, id, endReasonPurchased, totals.Count, totals.Total)
		})
	}

	o.ui.publish("purchase", map[string]any{
		"payment_id": s.ID,
		"order_id":   s.OrderID,
		"total":      totals.Total,
		"count":      totals.Count,
		"ui":         model.UIPostPurchase,
	})
}
