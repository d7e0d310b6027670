// Package handler содержит HTTP-обработчики API киоска умной тележки.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/mmeshcher/smartcart/internal/alert"
	"github.com/mmeshcher/smartcart/internal/backend"
	"github.com/mmeshcher/smartcart/internal/cart"
	"github.com/mmeshcher/smartcart/internal/middleware"
	"github.com/mmeshcher/smartcart/internal/model"
	"github.com/mmeshcher/smartcart/internal/payment"
	"github.com/mmeshcher/smartcart/internal/repository"
	"github.com/mmeshcher/smartcart/internal/service"
	"github.com/mmeshcher/smartcart/internal/verification"
	"github.com/mmeshcher/smartcart/internal/weighing"
)

// Service определяет контракт оркестратора, используемый HTTP-обработчиками.
type Service interface {
	Status() service.Status
	SubscribeUI(buffer int) (<-chan model.UIEvent, func())

	StartSession(ctx context.Context) (string, error)
	EndSession(ctx context.Context) error
	ResetCart(ctx context.Context) error
	ScanUPC(ctx context.Context, code string) (model.LineItem, error)
	RemoveItem(ctx context.Context, upc string, qty int) (model.LineItem, bool, error)

	Weigh(ctx context.Context, req weighing.Request) (weighing.Outcome, error)
	CancelWeigh() bool

	Checkout(ctx context.Context) verification.Decision
	StartPayment(ctx context.Context, method payment.Method) (payment.StartResult, error)
	CancelPayment() bool
	SendReceipt(ctx context.Context, email string) error
	FinishPurchase(ctx context.Context) error
	RequestHelp(ctx context.Context, message string) error

	ClearCart(ctx context.Context) error
	ResolveAll(ctx context.Context, worker string) (int, error)
	OverrideVerification(worker string)
	TareProduce(ctx context.Context) error
	TareCart(ctx context.Context) error
	MeasureCart(ctx context.Context) error
	History(ctx context.Context, sessionID string) (service.SessionHistory, error)
}

// Handler реализует HTTP-обработчики API киоска.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// GetStatus возвращает текущее состояние киоска.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Status())
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

// StartSession открывает сессию покупателя.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	id, err := h.service.StartSession(r.Context())
	if err != nil {
		h.writeError(w, "start session", err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: id})
}

// EndSession завершает сессию без покупки.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	if err := h.service.EndSession(r.Context()); err != nil {
		h.writeError(w, "end session", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ResetCart сбрасывает сессию и корзину.
func (h *Handler) ResetCart(w http.ResponseWriter, r *http.Request) {
	if err := h.service.ResetCart(r.Context()); err != nil {
		h.writeError(w, "reset cart", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type scanRequest struct {
	UPC string `json:"upc"`
}

// ScanUPC добавляет товар по введённому коду.
func (h *Handler) ScanUPC(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.UPC) == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	item, err := h.service.ScanUPC(r.Context(), req.UPC)
	if err != nil {
		h.writeError(w, "scan upc", err, zap.String("upc", req.UPC))
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// RemoveItem уменьшает количество позиции. Без параметра qty позиция удаляется целиком.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	upc := chi.URLParam(r, "upc")

	qty := 0
	if raw := r.URL.Query().Get("qty"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		qty = n
	}

	item, remaining, err := h.service.RemoveItem(r.Context(), upc, qty)
	if err != nil {
		h.writeError(w, "remove item", err, zap.String("upc", upc))
		return
	}
	if !remaining {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// Weigh запускает взвешивание и ждёт результата.
func (h *Handler) Weigh(w http.ResponseWriter, r *http.Request) {
	var req weighing.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	out, err := h.service.Weigh(r.Context(), req)
	if err != nil {
		h.writeError(w, "weigh", err, zap.String("upc", req.UPC))
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// CancelWeigh прерывает взвешивание.
func (h *Handler) CancelWeigh(w http.ResponseWriter, r *http.Request) {
	if !h.service.CancelWeigh() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Checkout проверяет, можно ли оплачивать. Блокировка возвращается с кодом 409.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	d := h.service.Checkout(r.Context())
	status := http.StatusOK
	if !d.Allowed {
		status = http.StatusConflict
	}
	writeJSON(w, status, d)
}

type paymentRequest struct {
	Method string `json:"method"`
}

// StartPayment начинает оплату выбранным способом.
func (h *Handler) StartPayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	method, err := payment.ParseMethod(req.Method)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.StartPayment(r.Context(), method)
	if err != nil {
		h.writeError(w, "start payment", err, zap.String("method", string(method)))
		return
	}
	if !res.Decision.Allowed {
		writeJSON(w, http.StatusConflict, res)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// CancelPayment прерывает оплату.
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	if !h.service.CancelPayment() {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type receiptRequest struct {
	Email string `json:"email"`
}

// SendReceipt отправляет чек на почту покупателя.
func (h *Handler) SendReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SendReceipt(r.Context(), req.Email); err != nil {
		h.writeError(w, "send receipt", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// FinishPurchase возвращает киоск на стартовый экран без чека.
func (h *Handler) FinishPurchase(w http.ResponseWriter, r *http.Request) {
	if err := h.service.FinishPurchase(r.Context()); err != nil {
		h.writeError(w, "finish purchase", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type helpRequest struct {
	Message string `json:"message"`
}

// RequestHelp вызывает сотрудника. Тело запроса необязательно.
func (h *Handler) RequestHelp(w http.ResponseWriter, r *http.Request) {
	var req helpRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	if err := h.service.RequestHelp(r.Context(), req.Message); err != nil {
		h.writeError(w, "request help", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError переводит ошибку оркестратора в код ответа. Неизвестные ошибки журналируются.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error, fields ...zap.Field) {
	status := statusFor(err)
	if status == http.StatusInternalServerError || status == http.StatusBadGateway {
		h.logger.Error(op+" error", append(fields, zap.Error(err))...)
	} else {
		h.logger.Debug(op+" rejected", append(fields, zap.Error(err))...)
	}
	http.Error(w, http.StatusText(status), status)
}

func statusFor(err error) int {
	var remote *backend.RemoteError
	switch {
	case errors.Is(err, service.ErrDegraded),
		errors.Is(err, alert.ErrNotConnected),
		errors.Is(err, gobreaker.ErrOpenState):
		return http.StatusServiceUnavailable
	case errors.Is(err, backend.ErrNotConfigured),
		errors.Is(err, service.ErrNoJournal):
		return http.StatusNotImplemented
	case errors.Is(err, service.ErrInvalidUPC),
		errors.Is(err, service.ErrInvalidEmail),
		errors.Is(err, weighing.ErrInvalidRequest),
		errors.Is(err, payment.ErrUnknownMethod):
		return http.StatusBadRequest
	case errors.Is(err, cart.ErrItemNotFound),
		errors.Is(err, repository.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNoSession),
		errors.Is(err, service.ErrNoPurchase),
		errors.Is(err, weighing.ErrBusy),
		errors.Is(err, weighing.ErrCancelled),
		errors.Is(err, payment.ErrBusy),
		errors.Is(err, payment.ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, payment.ErrEmptyCart):
		return http.StatusUnprocessableEntity
	case errors.Is(err, weighing.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &remote):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
