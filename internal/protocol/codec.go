package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/smartcart/internal/model"
)

// ParseFailure описывает строку, которую не удалось разобрать. Такие строки
// логируются и отбрасываются, канал при этом продолжает работу.
type ParseFailure struct {
	Raw   string
	Tag   string
	Cause error
}

func (f *ParseFailure) Error() string {
	return fmt.Sprintf("decode %s frame: %v", f.Tag, f.Cause)
}

func (f *ParseFailure) Unwrap() error {
	return f.Cause
}

// Decode разбирает одну строку канала. Строки с неизвестным тегом возвращаются
// как диагностическое событие без ошибки.
func Decode(line string) (model.Event, error) {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)

	tag, payload, ok := strings.Cut(trimmed, ":")
	if !ok || !isKnownTag(tag) {
		return model.Event{Kind: model.EventDiagnostic, Raw: line}, nil
	}

	ev, err := decodePayload(tag, []byte(payload))
	if err != nil {
		return model.Event{}, &ParseFailure{Raw: line, Tag: tag, Cause: err}
	}
	ev.Raw = line
	return ev, nil
}

// Encode кодирует команду для записи в канал.
func Encode(cmd Command) ([]byte, error) {
	s := string(cmd)
	if strings.TrimSpace(s) == "" {
		return nil, ErrEmptyCommand
	}
	if strings.ContainsAny(s, "\r\n") {
		return nil, ErrInvalidCommand
	}
	return append([]byte(s), '\n'), nil
}

func isKnownTag(tag string) bool {
	switch tag {
	case TagCartUpdate, TagProductAdded, TagPayment, TagProduceWeight,
		TagItemVerification, TagMotionActivity, TagNotice:
		return true
	}
	return false
}

func decodePayload(tag string, payload []byte) (model.Event, error) {
	if tag == TagNotice {
		var n model.Notice
		if err := strictUnmarshal(payload, &n); err != nil {
			return model.Event{}, err
		}
		return model.Event{Kind: model.EventNotice, Notice: n}, nil
	}

	var envelope map[string]json.RawMessage
	if err := strictUnmarshal(payload, &envelope); err != nil {
		return model.Event{}, err
	}

	switch tag {
	case TagCartUpdate:
		item, err := decodeItem(envelope, "cart_update")
		if err != nil {
			return model.Event{}, err
		}
		return model.Event{Kind: model.EventCartUpdate, Item: item}, nil

	case TagProductAdded:
		item, err := decodeItem(envelope, "product-added")
		if err != nil {
			return model.Event{}, err
		}
		return model.Event{Kind: model.EventProductAdded, Item: item}, nil

	case TagPayment:
		raw, err := field(envelope, "payment-received")
		if err != nil {
			return model.Event{}, err
		}
		var p struct {
			Status string `json:"status"`
		}
		if err := strictUnmarshal(raw, &p); err != nil {
			return model.Event{}, err
		}
		status, err := parsePaymentStatus(p.Status)
		if err != nil {
			return model.Event{}, err
		}
		return model.Event{Kind: model.EventPayment, Payment: model.PaymentResult{Status: status}}, nil

	case TagProduceWeight:
		raw, err := field(envelope, "produce-weight-received")
		if err != nil {
			return model.Event{}, err
		}
		var w float64
		if err := strictUnmarshal(raw, &w); err != nil {
			return model.Event{}, err
		}
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return model.Event{}, fmt.Errorf("weight is not a finite number")
		}
		return model.Event{Kind: model.EventProduceWeight, Weight: w}, nil

	case TagItemVerification:
		raw, err := field(envelope, "item-verification-received")
		if err != nil {
			return model.Event{}, err
		}
		v, err := decodeVerification(raw)
		if err != nil {
			return model.Event{}, err
		}
		return model.Event{Kind: model.EventItemVerification, Verification: v}, nil

	case TagMotionActivity:
		raw, err := field(envelope, "imu-activity-received")
		if err != nil {
			return model.Event{}, err
		}
		var s string
		if err := strictUnmarshal(raw, &s); err != nil {
			return model.Event{}, err
		}
		activity, err := ParseActivity(s)
		if err != nil {
			return model.Event{}, err
		}
		return model.Event{Kind: model.EventMotionActivity, Activity: activity}, nil
	}

	return model.Event{}, fmt.Errorf("unsupported tag %q", tag)
}

// ParseActivity нормализует состояние IMU. Допускается форма "[IMU] moving".
func ParseActivity(s string) (model.MotionActivity, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSpace(strings.TrimPrefix(s, "[IMU]"))

	switch a := model.MotionActivity(strings.ToUpper(s)); a {
	case model.ActivityMoving, model.ActivityStopped, model.ActivityIdle:
		return a, nil
	}
	return model.ActivityUnknown, fmt.Errorf("unknown imu activity %q", s)
}

func parsePaymentStatus(s string) (model.PaymentOutcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success":
		return model.PaymentSuccess, nil
	case "failure", "failed":
		return model.PaymentFailure, nil
	}
	return "", fmt.Errorf("unknown payment status %q", s)
}

func field(envelope map[string]json.RawMessage, key string) (json.RawMessage, error) {
	raw, ok := envelope[key]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("missing %q", key)
	}
	return raw, nil
}

type wireItem struct {
	UPC                  flexString      `json:"upc"`
	Description          string          `json:"description"`
	Brand                string          `json:"brand"`
	Price                decimal.Decimal `json:"price"`
	Qty                  float64         `json:"qty"`
	Weight               float64         `json:"weight"`
	Produce              flexBool        `json:"produce"`
	RequiresVerification flexBool        `json:"requires_verification"`
	Resolved             flexBool        `json:"resolved"`
}

func decodeItem(envelope map[string]json.RawMessage, key string) (model.LineItem, error) {
	raw, err := field(envelope, key)
	if err != nil {
		return model.LineItem{}, err
	}
	return DecodeLineItem(raw)
}

// DecodeLineItem разбирает позицию корзины в том виде, в каком её присылают оборудование и бэкенд.
func DecodeLineItem(raw json.RawMessage) (model.LineItem, error) {
	var w wireItem
	if err := strictUnmarshal(raw, &w); err != nil {
		return model.LineItem{}, err
	}

	upc := strings.TrimSpace(string(w.UPC))
	if upc == "" {
		return model.LineItem{}, fmt.Errorf("line item without upc")
	}
	if w.Qty < 0 || w.Weight < 0 || w.Price.IsNegative() {
		return model.LineItem{}, fmt.Errorf("negative amount for upc %s", upc)
	}

	item := model.LineItem{
		UPC:                  upc,
		Description:          w.Description,
		Brand:                w.Brand,
		UnitPrice:            w.Price,
		IsWeighed:            bool(w.Produce),
		RequiresVerification: bool(w.RequiresVerification),
		Resolved:             bool(w.Resolved),
	}
	if item.IsWeighed {
		// у весового товара в корзине бэкенда вес хранится в qty
		item.Weight = w.Weight
		if item.Weight == 0 {
			item.Weight = w.Qty
		}
	} else {
		item.Quantity = int(math.Round(w.Qty))
	}
	return item, nil
}

func decodeVerification(raw json.RawMessage) (model.VerificationSnapshot, error) {
	var w struct {
		Status           string   `json:"status"`
		MeasuredWeight   float64  `json:"measured_weight"`
		ExpectedWeight   float64  `json:"expected_weight"`
		WeightDifference float64  `json:"weight_difference"`
		TagsScanned      []string `json:"tags_scanned"`
		RFIDUPCs         []string `json:"rfid_upcs"`
	}
	if err := strictUnmarshal(raw, &w); err != nil {
		return model.VerificationSnapshot{}, err
	}

	var status model.VerificationStatus
	switch strings.ToLower(strings.TrimSpace(w.Status)) {
	case "success":
		status = model.VerificationSuccess
	case "failure", "failed":
		status = model.VerificationFailure
	default:
		return model.VerificationSnapshot{}, fmt.Errorf("unknown verification status %q", w.Status)
	}

	return model.VerificationSnapshot{
		Status:           status,
		MeasuredWeight:   w.MeasuredWeight,
		ExpectedWeight:   w.ExpectedWeight,
		WeightDifference: w.WeightDifference,
		ScannedTags:      w.TagsScanned,
		RFIDUPCs:         w.RFIDUPCs,
	}, nil
}

func strictUnmarshal(data []byte, v any) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("trailing data after json document")
	}
	return nil
}

// flexBool принимает true/false, 0/1 и null: оборудование присылает флаги в разных формах.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch s := strings.TrimSpace(string(data)); s {
	case "true", "1", `"1"`, `"true"`:
		*b = true
	case "false", "0", "null", `""`, `"0"`, `"false"`:
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", s)
	}
	return nil
}

// flexString принимает UPC как строку или как число.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid upc %s", data)
	}
	*s = flexString(n.String())
	return nil
}

// IsDiagnostic сообщает, что строка не относится к протоколу и должна быть только залогирована.
func IsDiagnostic(ev model.Event) bool {
	return ev.Kind == model.EventDiagnostic
}
