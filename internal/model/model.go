// Package model содержит доменные сущности киоска умной тележки.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LineItem описывает позицию корзины. Штучный товар учитывается количеством,
// весовой товар (IsWeighed) учитывается измеренным весом в унциях.
type LineItem struct {
	UPC                  string          `json:"upc"`
	Description          string          `json:"description"`
	Brand                string          `json:"brand,omitempty"`
	UnitPrice            decimal.Decimal `json:"price"`
	Quantity             int             `json:"qty"`
	Weight               float64         `json:"weight"`
	IsWeighed            bool            `json:"produce"`
	RequiresVerification bool            `json:"requires_verification"`
	Resolved             bool            `json:"resolved"`
}

// Subtotal возвращает стоимость позиции.
func (i LineItem) Subtotal() decimal.Decimal {
	if i.IsWeighed {
		return i.UnitPrice.Mul(decimal.NewFromFloat(i.Weight)).Round(2)
	}
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity))).Round(2)
}

// Unresolved сообщает, ожидает ли позиция проверки сотрудником.
func (i LineItem) Unresolved() bool {
	return i.RequiresVerification && !i.Resolved
}

// EventKind определяет тип события, пришедшего от аппаратного процесса.
type EventKind string

const (
	EventCartUpdate       EventKind = "CART_UPDATE"
	EventProductAdded     EventKind = "PRODUCT_ADDED"
	EventPayment          EventKind = "PAYMENT"
	EventProduceWeight    EventKind = "PRODUCE_WEIGHT"
	EventItemVerification EventKind = "ITEM_VERIFICATION"
	EventMotionActivity   EventKind = "IMU_ACTIVITY"
	EventNotice           EventKind = "MISC"
	EventDiagnostic       EventKind = "DIAGNOSTIC"
)

// MotionActivity описывает состояние движения тележки по данным IMU.
type MotionActivity string

const (
	ActivityUnknown MotionActivity = ""
	ActivityMoving  MotionActivity = "MOVING"
	ActivityStopped MotionActivity = "STOPPED"
	ActivityIdle    MotionActivity = "IDLE"
)

// PaymentOutcome описывает результат оплаты картой на терминале.
type PaymentOutcome string

const (
	PaymentSuccess PaymentOutcome = "success"
	PaymentFailure PaymentOutcome = "failure"
)

// PaymentResult содержит результат оплаты, присланный терминалом.
type PaymentResult struct {
	Status PaymentOutcome `json:"status"`
}

// VerificationStatus описывает итог сверки веса и RFID-меток.
type VerificationStatus string

const (
	VerificationSuccess VerificationStatus = "success"
	VerificationFailure VerificationStatus = "failure"
)

// VerificationSnapshot содержит последний результат сверки содержимого тележки.
type VerificationSnapshot struct {
	Status           VerificationStatus `json:"status"`
	MeasuredWeight   float64            `json:"measured_weight"`
	ExpectedWeight   float64            `json:"expected_weight"`
	WeightDifference float64            `json:"weight_difference"`
	ScannedTags      []string           `json:"tags_scanned"`
	RFIDUPCs         []string           `json:"rfid_upcs"`
}

// Notice описывает служебное сообщение компонента оборудования.
type Notice struct {
	Component string `json:"component"`
	Message   string `json:"message"`
}

// Event описывает декодированное событие канала оборудования. Заполнено только поле,
// соответствующее Kind.
type Event struct {
	Kind         EventKind
	Seq          uint64
	ReceivedAt   time.Time
	Item         LineItem
	Payment      PaymentResult
	Weight       float64
	Verification VerificationSnapshot
	Activity     MotionActivity
	Notice       Notice
	Raw          string
}

// Clone возвращает копию события, не разделяющую срезы с оригиналом.
func (e Event) Clone() Event {
	c := e
	if e.Verification.ScannedTags != nil {
		c.Verification.ScannedTags = append([]string(nil), e.Verification.ScannedTags...)
	}
	if e.Verification.RFIDUPCs != nil {
		c.Verification.RFIDUPCs = append([]string(nil), e.Verification.RFIDUPCs...)
	}
	return c
}

// UIState описывает экран, который должен показывать киоск.
type UIState string

const (
	UILanding      UIState = "LANDING"
	UIShopping     UIState = "SHOPPING"
	UIPostPurchase UIState = "POST_PURCHASE"
	UIDegraded     UIState = "DEGRADED"
)

// UIEvent описывает сообщение для подписчиков интерфейса: событие оборудования или итог операции.
type UIEvent struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}
