package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/smartcart/internal/alert"
	"github.com/mmeshcher/smartcart/internal/backend"
	"github.com/mmeshcher/smartcart/internal/cart"
	"github.com/mmeshcher/smartcart/internal/model"
	"github.com/mmeshcher/smartcart/internal/protocol"
	"github.com/mmeshcher/smartcart/internal/repository"
	"github.com/mmeshcher/smartcart/internal/validation"
)

const (
	endReasonEnded     = "ended"
	endReasonReset     = "reset"
	endReasonPurchased = "purchased"
)

// StartSession открывает сессию покупателя: сессию в сервисе, отслеживание тележки и запись в журнале.
// Повторный вызов во время покупок возвращает текущую сессию.
func (o *Orchestrator) StartSession(ctx context.Context) (string, error) {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.RLock()
	current, screen := o.sessionID, o.screen
	o.mu.RUnlock()
	if current != "" && screen == model.UIShopping {
		return current, nil
	}

	if o.Degraded() {
		return "", ErrDegraded
	}

	remoteID := ""
	if o.backendReady() {
		id, err := o.backend.StartSession(ctx)
		if err != nil {
			return "", fmt.Errorf("start backend session: %w", err)
		}
		remoteID = id
	}

	if err := o.Send(ctx, protocol.CommandStartTracking); err != nil {
		return "", err
	}

	id := uuid.NewString()
	o.gate.Reset()

	o.mu.Lock()
	o.sessionID = id
	o.remoteID = remoteID
	o.screen = model.UIShopping
	o.lastPurchase = nil
	o.mu.Unlock()

	if o.journal != nil {
		rec := repository.SessionRecord{ID: id, CartID: o.cfg.CartID, BackendSessionID: remoteID, StartedAt: now()}
		o.background("create session", func(ctx context.Context) error {
			return o.journal.CreateSession(ctx, rec)
		})
	}

	o.logger.Info("session started", zap.String("session_id", id), zap.String("backend_session_id", remoteID))
	o.ui.publish("session", map[string]any{"session_id": id, "ui": model.UIShopping})
	return id, nil
}

// EndSession завершает сессию без покупки: корзина очищается, тележка прекращает отслеживание.
func (o *Orchestrator) EndSession(ctx context.Context) error {
	return o.endSession(ctx, endReasonEnded, protocol.CommandStopTracking)
}

// ResetCart сбрасывает сессию и очищает корзину на оборудовании.
func (o *Orchestrator) ResetCart(ctx context.Context) error {
	return o.endSession(ctx, endReasonReset, protocol.CommandClearTracking)
}

func (o *Orchestrator) endSession(ctx context.Context, reason string, cmd protocol.Command) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.weigh.Cancel()
	o.pay.Cancel()

	if o.backendReady() {
		if err := o.backend.EndSession(ctx); err != nil {
			o.logger.Warn("end backend session", zap.Error(err))
		}
	}

	sendErr := o.Send(ctx, cmd)

	totals := o.cart.Totals()
	o.cart.Clear()
	o.gate.Reset()

	o.mu.Lock()
	id := o.sessionID
	o.sessionID = ""
	o.remoteID = ""
	o.screen = model.UILanding
	o.lastPurchase = nil
	o.mu.Unlock()

	if id != "" && o.journal != nil {
		o.background("end session", func(ctx context.Context) error {
			return o.journal.EndSession(ctx, id, reason, totals.Count, totals.Total)
		})
	}

	o.logger.Info("session ended", zap.String("session_id", id), zap.String("reason", reason))
	o.ui.publish("session", map[string]any{"session_id": id, "ui": model.UILanding, "reason": reason})

	if sendErr != nil {
		return fmt.Errorf("session ended locally: %w", sendErr)
	}
	return nil
}

// ClearCart очищает корзину на оборудовании и в памяти. Повторный вызов безопасен.
func (o *Orchestrator) ClearCart(ctx context.Context) error {
	if err := o.Send(ctx, protocol.CommandClearTracking); err != nil {
		return err
	}
	o.cart.Clear()
	return nil
}

// ScanUPC добавляет товар по коду, введённому вручную.
func (o *Orchestrator) ScanUPC(ctx context.Context, code string) (model.LineItem, error) {
	code = validation.NormalizeUPC(code)
	if !validation.IsValidProductCode(code) {
		return model.LineItem{}, fmt.Errorf("%w: %q", ErrInvalidUPC, code)
	}
	if o.SessionID() == "" {
		return model.LineItem{}, ErrNoSession
	}
	if !o.backendReady() {
		return model.LineItem{}, backend.ErrNotConfigured
	}

	item, err := o.backend.ProcessUPC(ctx, code)
	if err != nil {
		return model.LineItem{}, fmt.Errorf("process upc %s: %w", code, err)
	}

	// Сервис возвращает позицию с итоговым количеством.
	o.cart.ApplyCartUpdate(item)
	return item, nil
}

// RemoveItem уменьшает позицию на qty (qty <= 0 удаляет её целиком) и повторяет изменение в сервисе.
func (o *Orchestrator) RemoveItem(ctx context.Context, upc string, qty int) (model.LineItem, bool, error) {
	cur, ok := o.cart.Get(upc)
	if !ok {
		return model.LineItem{}, false, cart.ErrItemNotFound
	}

	if o.backendReady() {
		removeQty := qty
		if removeQty <= 0 || cur.IsWeighed {
			removeQty = max(cur.Quantity, 1)
		}
		if _, err := o.backend.UpdateCart(ctx, upc, removeQty); err != nil {
			return model.LineItem{}, false, fmt.Errorf("update backend cart: %w", err)
		}
	}

	return o.cart.Remove(upc, qty)
}

// RequestHelp вызывает сотрудника к тележке.
func (o *Orchestrator) RequestHelp(ctx context.Context, message string) error {
	if strings.TrimSpace(message) == "" {
		message = "customer requested assistance"
	}

	err := o.notifier.Notify(ctx, alert.Alert{
		Kind:      alert.KindHelp,
		CartID:    o.cfg.CartID,
		SessionID: o.SessionID(),
		Message:   message,
		At:        now(),
	})
	if err != nil {
		return fmt.Errorf("notify staff: %w", err)
	}

	o.recordEvent("help_requested", map[string]string{"message": message})
	o.ui.publish("help", map[string]string{"message": message})
	return nil
}

// SendReceipt отправляет чек последней покупки и возвращает киоск на стартовый экран.
func (o *Orchestrator) SendReceipt(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}

	o.mu.RLock()
	purchase := o.lastPurchase
	o.mu.RUnlock()
	if purchase == nil {
		return ErrNoPurchase
	}
	if !o.backendReady() {
		return backend.ErrNotConfigured
	}

	lines := make([]backend.ReceiptLine, 0, len(purchase.Items))
	for _, it := range purchase.Items {
		qty := float64(it.Quantity)
		if it.IsWeighed {
			qty = it.Weight
		}
		lines = append(lines, backend.ReceiptLine{Name: it.Description, Quantity: qty, Price: it.UnitPrice})
	}

	orderID := purchase.OrderID
	if orderID == "" {
		orderID = purchase.ID
	}

	err := o.backend.SendReceipt(ctx, backend.Receipt{
		Email:   email,
		Items:   lines,
		Total:   purchase.Total,
		OrderID: orderID,
	})
	if err != nil {
		return fmt.Errorf("send receipt: %w", err)
	}

	o.logger.Info("receipt sent", zap.String("order_id", orderID))
	return o.FinishPurchase(ctx)
}

// FinishPurchase закрывает экран после покупки без отправки чека.
func (o *Orchestrator) FinishPurchase(ctx context.Context) error {
	o.lifecycle.Lock()
	defer o.lifecycle.Unlock()

	o.mu.Lock()
	if o.screen != model.UIPostPurchase {
		o.mu.Unlock()
		return ErrNoPurchase
	}
	id := o.sessionID
	o.sessionID = ""
	o.remoteID = ""
	o.screen = model.UILanding
	o.lastPurchase = nil
	o.mu.Unlock()

	if o.backendReady() {
		if err := o.backend.EndSession(ctx); err != nil && !errors.Is(err, backend.ErrNotConfigured) {
			o.logger.Warn("end backend session", zap.Error(err))
		}
	}

	o.ui.publish("session", map[string]any{"session_id": id, "ui": model.UILanding, "reason": endReasonPurchased})
	return nil
}

// TareProduce обнуляет весы для весового товара.
func (o *Orchestrator) TareProduce(ctx context.Context) error {
	return o.adminCommand(ctx, protocol.CommandTareProduce)
}

// TareCart обнуляет весы тележки.
func (o *Orchestrator) TareCart(ctx context.Context) error {
	return o.adminCommand(ctx, protocol.CommandTareCart)
}

// MeasureCart запрашивает взвешивание тележки.
func (o *Orchestrator) MeasureCart(ctx context.Context) error {
	return o.adminCommand(ctx, protocol.CommandMeasureCart)
}

func (o *Orchestrator) adminCommand(ctx context.Context, cmd protocol.Command) error {
	if err := o.Send(ctx, cmd); err != nil {
		return err
	}
	o.recordEvent("admin_command", map[string]string{"command": string(cmd)})
	return nil
}

func (o *Orchestrator) onNotice(ev model.Event) {
	o.logger.Info("hardware notice",
		zap.String("component", ev.Notice.Component),
		zap.String("message", ev.Notice.Message),
	)
}

// SessionHistory содержит запись журнала о сессии и её оплаты.
type SessionHistory struct {
	Session  repository.SessionRecord   `json:"session"`
	Payments []repository.PaymentRecord `json:"payments"`
}

// History читает из журнала сессию и её оплаты.
func (o *Orchestrator) History(ctx context.Context, sessionID string) (SessionHistory, error) {
	if o.journal == nil {
		return SessionHistory{}, ErrNoJournal
	}

	rec, err := o.journal.GetSession(ctx, sessionID)
	if err != nil {
		return SessionHistory{}, err
	}
	payments, err := o.journal.ListPayments(ctx, sessionID)
	if err != nil {
		return SessionHistory{}, fmt.Errorf("list payments: %w", err)
	}
	if payments == nil {
		payments = []repository.PaymentRecord{}
	}
	return SessionHistory{Session: *rec, Payments: payments}, nil
}
