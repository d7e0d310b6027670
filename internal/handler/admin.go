package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/smartcart/internal/middleware"
)

type loginRequest struct {
	Worker   string `json:"worker"`
	Password string `json:"password"`
}

// Login выдаёт сотруднику cookie для административных маршрутов.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	req.Worker = strings.TrimSpace(req.Worker)
	if req.Worker == "" || strings.Contains(req.Worker, ".") {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !h.authMiddleware.CheckPassword(req.Password) {
		h.logger.Warn("admin login rejected", zap.String("worker", req.Worker))
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	h.authMiddleware.SetAuthCookie(w, req.Worker)
	h.logger.Info("admin logged in", zap.String("worker", req.Worker))
	w.WriteHeader(http.StatusOK)
}

// Logout удаляет cookie сотрудника.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.authMiddleware.ClearAuthCookie(w)
	w.WriteHeader(http.StatusOK)
}

type resolveResponse struct {
	Resolved int `json:"resolved"`
}

// ResolveAll отмечает все товары, требующие проверки, проверенными.
func (h *Handler) ResolveAll(w http.ResponseWriter, r *http.Request) {
	worker, _ := middleware.GetWorkerFromContext(r.Context())

	n, err := h.service.ResolveAll(r.Context(), worker)
	if err != nil {
		h.writeError(w, "resolve all", err, zap.String("worker", worker))
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{Resolved: n})
}

// OverrideVerification снимает блокировку сверки веса.
func (h *Handler) OverrideVerification(w http.ResponseWriter, r *http.Request) {
	worker, _ := middleware.GetWorkerFromContext(r.Context())
	h.service.OverrideVerification(worker)
	w.WriteHeader(http.StatusOK)
}

// ClearCart очищает корзину без завершения сессии.
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "clear cart", h.service.ClearCart)
}

// TareProduce обнуляет весы для весового товара.
func (h *Handler) TareProduce(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "tare produce", h.service.TareProduce)
}

// TareCart обнуляет весы тележки.
func (h *Handler) TareCart(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "tare cart", h.service.TareCart)
}

// MeasureCart запрашивает взвешивание тележки.
func (h *Handler) MeasureCart(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, "measure cart", h.service.MeasureCart)
}

func (h *Handler) command(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context) error) {
	worker, _ := middleware.GetWorkerFromContext(r.Context())
	if err := fn(r.Context()); err != nil {
		h.writeError(w, op, err, zap.String("worker", worker))
		return
	}
	h.logger.Info("admin command", zap.String("op", op), zap.String("worker", worker))
	w.WriteHeader(http.StatusOK)
}

// GetSessionHistory возвращает из журнала сессию покупателя и её оплаты.
func (h *Handler) GetSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	history, err := h.service.History(r.Context(), id)
	if err != nil {
		h.writeError(w, "session history", err, zap.String("session_id", id))
		return
	}
	writeJSON(w, http.StatusOK, history)
}
