package alert

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubToken struct {
	done chan struct{}
	err  error
}

func newStubToken(err error) *stubToken {
	t := &stubToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *stubToken) Wait() bool                     { return true }
func (t *stubToken) WaitTimeout(time.Duration) bool { return true }
func (t *stubToken) Done() <-chan struct{}          { return t.done }
func (t *stubToken) Error() error                   { return t.err }

type stubClient struct {
	mqtt.Client
	connected    bool
	publishErr   error
	topics       []string
	payloads     [][]byte
	disconnected bool
}

func (c *stubClient) IsConnected() bool { return c.connected }

func (c *stubClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	return newStubToken(c.publishErr)
}

func (c *stubClient) Disconnect(uint) { c.disconnected = true }

func TestMQTTNotifierPublishesAlert(t *testing.T) {
	client := &stubClient{connected: true}
	n := newMQTTNotifier(client, "cart-7", zap.NewNop())

	err := n.Notify(context.Background(), Alert{Kind: KindHelp, Message: "customer needs help"})
	require.NoError(t, err)

	require.Len(t, client.topics, 1)
	assert.Equal(t, "smartcart/cart-7/alerts/help", client.topics[0])

	var got Alert
	require.NoError(t, json.Unmarshal(client.payloads[0], &got))
	assert.Equal(t, "cart-7", got.CartID)
	assert.Equal(t, KindHelp, got.Kind)
	assert.False(t, got.At.IsZero())
	assert.Equal(t, uint64(1), n.Published())
}

func TestMQTTNotifierNotConnected(t *testing.T) {
	client := &stubClient{}
	n := newMQTTNotifier(client, "cart-7", zap.NewNop())

	err := n.Notify(context.Background(), Alert{Kind: KindHardwareDisconnected})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, client.topics)
}

func TestMQTTNotifierPublishError(t *testing.T) {
	boom := errors.New("broker rejected")
	client := &stubClient{connected: true, publishErr: boom}
	n := newMQTTNotifier(client, "cart-7", zap.NewNop())

	err := n.Notify(context.Background(), Alert{Kind: KindVerificationBlocked})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, n.Published())
}

func TestMQTTNotifierClose(t *testing.T) {
	client := &stubClient{connected: true}
	n := newMQTTNotifier(client, "cart-7", zap.NewNop())
	n.Close()
	assert.True(t, client.disconnected)
}

func TestNopNotifier(t *testing.T) {
	var n Notifier = NopNotifier{}
	assert.NoError(t, n.Notify(context.Background(), Alert{Kind: KindHelp}))
	n.Close()
}
