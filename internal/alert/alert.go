// Package alert отправляет оповещения персоналу магазина.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Kind описывает тип оповещения.
type Kind string

const (
	KindHelp                 Kind = "help"
	KindVerificationBlocked  Kind = "verification_blocked"
	KindHardwareDisconnected Kind = "hardware_disconnected"
	KindHardwareRestored     Kind = "hardware_restored"
)

// ErrNotConnected возвращается, если соединения с брокером нет.
var ErrNotConnected = errors.New("mqtt not connected")

// Alert описывает оповещение для персонала.
type Alert struct {
	Kind      Kind      `json:"kind"`
	CartID    string    `json:"cart_id"`
	SessionID string    `json:"session_id,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Notifier доставляет оповещения персоналу.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
	Close()
}

// NopNotifier используется, когда брокер не настроен.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Alert) error { return nil }
func (NopNotifier) Close()                              {}

const publishTimeout = 2 * time.Second

// MQTTNotifier публикует оповещения в топик smartcart/<cart>/alerts/<kind>.
type MQTTNotifier struct {
	client mqtt.Client
	cartID string
	logger *zap.Logger

	mu        sync.Mutex
	published uint64
}

// NewMQTTNotifier подключается к брокеру. Переподключение выполняет клиент paho.
func NewMQTTNotifier(broker, cartID string, logger *zap.Logger) (*MQTTNotifier, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", broker))
	opts.SetClientID("smartcart-" + cartID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connection established", zap.String("broker", broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.String("broker", broker), zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return newMQTTNotifier(client, cartID, logger), nil
}

func newMQTTNotifier(client mqtt.Client, cartID string, logger *zap.Logger) *MQTTNotifier {
	return &MQTTNotifier{client: client, cartID: cartID, logger: logger}
}

// Topic возвращает топик для оповещения данного типа.
func (n *MQTTNotifier) Topic(kind Kind) string {
	return fmt.Sprintf("smartcart/%s/alerts/%s", n.cartID, kind)
}

// Notify публикует оповещение с QoS 1.
func (n *MQTTNotifier) Notify(ctx context.Context, a Alert) error {
	if !n.client.IsConnected() {
		return ErrNotConnected
	}
	if a.CartID == "" {
		a.CartID = n.cartID
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}

	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	token := n.client.Publish(n.Topic(a.Kind), 1, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	n.mu.Lock()
	n.published++
	n.mu.Unlock()

	n.logger.Debug("alert published", zap.String("kind", string(a.Kind)), zap.Int("size", len(payload)))
	return nil
}

// Published возвращает число доставленных оповещений.
func (n *MQTTNotifier) Published() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.published
}

// Close отключается от брокера.
func (n *MQTTNotifier) Close() {
	if n.client.IsConnected() {
		n.client.Disconnect(250)
	}
}
