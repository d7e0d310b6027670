// Package backend предоставляет клиент для сервиса каталога и заказов.
//
// Сервис вызывается как удалённая функция: имя функции и список аргументов
// уходят в POST {base}/rpc, в ответ приходит один JSON-документ.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// ErrNotConfigured возвращается, если адрес сервиса не задан.
var ErrNotConfigured = errors.New("backend client not configured")

// RemoteError возвращается, если функция выполнилась, но вернула status=error.
type RemoteError struct {
	Function string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("backend %s: %s", e.Function, e.Message)
}

// Client инкапсулирует HTTP-взаимодействие с сервисом каталога и заказов.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
	breaker    *gobreaker.CircuitBreaker[json.RawMessage]
	logger     *zap.Logger
}

type rpcRequest struct {
	Function string `json:"function"`
	Args     []any  `json:"args"`
}

type statusEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// NewClient создаёт клиент для сервиса по указанному адресу.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	hc := retryablehttp.NewClient()
	hc.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	hc.RetryMax = 2
	hc.RetryWaitMin = 200 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.Logger = leveledLogger{logger.Sugar()}

	c := &Client{
		baseURL:    base,
		httpClient: hc,
		logger:     logger,
	}

	c.breaker = gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "backend",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var remote *RemoteError
			return err == nil || errors.As(err, &remote) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("backend circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return c
}

// Configured сообщает, задан ли адрес сервиса.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Call вызывает удалённую функцию и возвращает её JSON-ответ.
func (c *Client) Call(ctx context.Context, function string, args ...any) (json.RawMessage, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	if args == nil {
		args = []any{}
	}

	return c.breaker.Execute(func() (json.RawMessage, error) {
		return c.do(ctx, function, args)
	})
}

func (c *Client) do(ctx context.Context, function string, args []any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{Function: function, Args: args})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", function, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status: %d", function, resp.StatusCode)
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || !json.Valid(raw) {
		return nil, fmt.Errorf("%s: response is not json", function)
	}

	var env statusEnvelope
	if json.Unmarshal(raw, &env) == nil && (env.Status == "error" || env.Status == "failed") {
		msg := env.Message
		if msg == "" {
			msg = env.Error
		}
		return nil, &RemoteError{Function: function, Message: msg}
	}

	return raw, nil
}

// leveledLogger передаёт журнал повторов retryablehttp в zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
