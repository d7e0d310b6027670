package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/smartcart/internal/model"
	"github.com/mmeshcher/smartcart/internal/protocol"
)

// Имена удалённых функций.
const (
	FnStartSession            = "start_session"
	FnEndSession              = "end_session"
	FnGetCartItems            = "get_cart_items"
	FnProcessUPC              = "process_upc"
	FnProcessProduceUPC       = "process_produce_upc"
	FnUpdateCart              = "update_cart"
	FnQRPayment               = "qr_payment"
	FnGetOrderStatus          = "get_order_status"
	FnResolveAllRequiredItems = "resolve_all_required_items"
	FnGetUnresolvedItems      = "get_unresolved_items"
	FnSendReceipt             = "send_receipt"
)

// QROrder описывает заказ с платёжной ссылкой.
type QROrder struct {
	OrderID     string `json:"order_id"`
	CheckoutURL string `json:"checkout_url"`
}

// ReceiptLine описывает строку чека.
type ReceiptLine struct {
	Name     string          `json:"name"`
	Quantity float64         `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// Receipt описывает чек, отправляемый покупателю по почте.
type Receipt struct {
	Email   string          `json:"email"`
	Items   []ReceiptLine   `json:"items"`
	Total   decimal.Decimal `json:"total"`
	OrderID string          `json:"orderId"`
}

// StartSession открывает сессию корзины и возвращает её идентификатор.
func (c *Client) StartSession(ctx context.Context) (string, error) {
	raw, err := c.Call(ctx, FnStartSession)
	if err != nil {
		return "", err
	}

	var resp struct {
		SessionID json.RawMessage `json:"session_id"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode %s response: %w", FnStartSession, err)
	}
	return rawString(resp.SessionID), nil
}

// EndSession закрывает сессию и очищает корзину на стороне сервиса.
func (c *Client) EndSession(ctx context.Context) error {
	_, err := c.Call(ctx, FnEndSession)
	return err
}

// GetCartItems возвращает содержимое корзины, сохранённое сервисом.
func (c *Client) GetCartItems(ctx context.Context) ([]model.LineItem, error) {
	return c.items(ctx, FnGetCartItems)
}

// GetUnresolvedItems возвращает позиции, ожидающие проверки.
func (c *Client) GetUnresolvedItems(ctx context.Context) ([]model.LineItem, error) {
	return c.items(ctx, FnGetUnresolvedItems)
}

// ProcessUPC добавляет штучный товар по UPC и возвращает обновлённую позицию.
func (c *Client) ProcessUPC(ctx context.Context, upc string) (model.LineItem, error) {
	return c.productAdded(ctx, FnProcessUPC, upc)
}

// ProcessProduceUPC добавляет весовой товар с измеренным весом.
func (c *Client) ProcessProduceUPC(ctx context.Context, upc string, weight float64) (model.LineItem, error) {
	return c.productAdded(ctx, FnProcessProduceUPC, upc, weight)
}

// UpdateCart уменьшает количество позиции на removeQty.
func (c *Client) UpdateCart(ctx context.Context, upc string, removeQty int) (model.LineItem, error) {
	arg := map[string]any{"upc": upc, "remove_qty": removeQty}
	return c.productAdded(ctx, FnUpdateCart, arg)
}

type qrItem struct {
	UPC         string          `json:"upc"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Qty         int             `json:"qty"`
	Produce     int             `json:"produce"`
	Weight      float64         `json:"weight"`
}

// QRPayment создаёт заказ на содержимое корзины и возвращает ссылку на оплату.
func (c *Client) QRPayment(ctx context.Context, items []model.LineItem) (QROrder, error) {
	wire := make([]qrItem, 0, len(items))
	for _, it := range items {
		q := qrItem{
			UPC:         it.UPC,
			Description: it.Description,
			Price:       it.UnitPrice,
			Qty:         it.Quantity,
			Weight:      it.Weight,
		}
		if it.IsWeighed {
			q.Produce = 1
		}
		wire = append(wire, q)
	}

	raw, err := c.Call(ctx, FnQRPayment, wire)
	if err != nil {
		return QROrder{}, err
	}

	var order QROrder
	if err := json.Unmarshal(raw, &order); err != nil {
		return QROrder{}, fmt.Errorf("decode %s response: %w", FnQRPayment, err)
	}
	if order.OrderID == "" || order.CheckoutURL == "" {
		return QROrder{}, fmt.Errorf("%s: response without order id or checkout url", FnQRPayment)
	}
	return order, nil
}

// GetOrderStatus возвращает статус заказа как есть (PENDING, COMPLETED, ERROR, …).
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (string, error) {
	raw, err := c.Call(ctx, FnGetOrderStatus, orderID)
	if err != nil {
		return "", err
	}

	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode %s response: %w", FnGetOrderStatus, err)
	}
	return resp.Status, nil
}

// ResolveAllRequiredItems отмечает все позиции проверенными.
func (c *Client) ResolveAllRequiredItems(ctx context.Context) error {
	_, err := c.Call(ctx, FnResolveAllRequiredItems)
	return err
}

// SendReceipt отправляет чек на почту покупателя.
func (c *Client) SendReceipt(ctx context.Context, r Receipt) error {
	if r.Email == "" {
		return errors.New("receipt email is required")
	}
	_, err := c.Call(ctx, FnSendReceipt, r)
	return err
}

func (c *Client) items(ctx context.Context, function string) ([]model.LineItem, error) {
	raw, err := c.Call(ctx, function)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", function, err)
	}

	items := make([]model.LineItem, 0, len(resp.Items))
	for _, r := range resp.Items {
		it, err := protocol.DecodeLineItem(r)
		if err != nil {
			return nil, fmt.Errorf("decode %s item: %w", function, err)
		}
		items = append(items, it)
	}
	return items, nil
}

func (c *Client) productAdded(ctx context.Context, function string, args ...any) (model.LineItem, error) {
	raw, err := c.Call(ctx, function, args...)
	if err != nil {
		return model.LineItem{}, err
	}

	var resp struct {
		Item json.RawMessage `json:"product-added"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return model.LineItem{}, fmt.Errorf("decode %s response: %w", function, err)
	}
	if len(resp.Item) == 0 || string(resp.Item) == "null" {
		return model.LineItem{}, fmt.Errorf("%s: response without item", function)
	}

	it, err := protocol.DecodeLineItem(resp.Item)
	if err != nil {
		return model.LineItem{}, fmt.Errorf("decode %s item: %w", function, err)
	}
	return it, nil
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}
