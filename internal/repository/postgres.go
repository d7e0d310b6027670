// Package repository содержит журнал сессий и оплат киоска в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrSessionNotFound возвращается, если сессия не найдена в журнале.
var ErrSessionNotFound = errors.New("session not found")

// SessionRecord описывает запись о сессии покупателя.
type SessionRecord struct {
	ID               string          `json:"id"`
	CartID           string          `json:"cart_id"`
	BackendSessionID string          `json:"backend_session_id,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	EndedAt          *time.Time      `json:"ended_at,omitempty"`
	EndReason        string          `json:"end_reason,omitempty"`
	ItemCount        int             `json:"item_count"`
	Total            decimal.Decimal `json:"total"`
}

// PaymentRecord описывает запись о сессии оплаты.
type PaymentRecord struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id,omitempty"`
	Method    string          `json:"method"`
	OrderID   string          `json:"order_id,omitempty"`
	Status    string          `json:"status"`
	State     string          `json:"state"`
	Attempts  int             `json:"attempts"`
	Total     decimal.Decimal `json:"total"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PostgresRepository предоставляет доступ к журналу в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет запись при временных ошибках: обрыв соединения, конфликт сериализации, дедлок.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure ||
			pgErr.Code == pgerrcode.DeadlockDetected ||
			pgerrcode.IsConnectionException(pgErr.Code)
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateSession сохраняет начало сессии. Повторная запись той же сессии игнорируется.
func (r *PostgresRepository) CreateSession(ctx context.Context, s SessionRecord) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO kiosk_sessions (id, cart_id, backend_session_id, started_at)
			 VALUES ($1, $2, NULLIF($3, ''), $4)
			 ON CONFLICT (id) DO NOTHING`,
			s.ID, s.CartID, s.BackendSessionID, s.StartedAt,
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// EndSession закрывает сессию с итогом корзины.
func (r *PostgresRepository) EndSession(ctx context.Context, id, reason string, itemCount int, total decimal.Decimal) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE kiosk_sessions
			 SET ended_at = now(), end_reason = $2, item_count = $3, total = $4
			 WHERE id = $1 AND ended_at IS NULL`,
			id, reason, itemCount, total,
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrSessionNotFound
		}
		return nil
	})
}

// GetSession возвращает сессию по идентификатору.
func (r *PostgresRepository) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, cart_id, COALESCE(backend_session_id, ''), started_at, ended_at,
		        COALESCE(end_reason, ''), item_count, total
		 FROM kiosk_sessions WHERE id = $1`,
		id,
	)

	var s SessionRecord
	err := row.Scan(&s.ID, &s.CartID, &s.BackendSessionID, &s.StartedAt, &s.EndedAt, &s.EndReason, &s.ItemCount, &s.Total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// RecordPayment сохраняет текущее состояние сессии оплаты.
func (r *PostgresRepository) RecordPayment(ctx context.Context, p PaymentRecord) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO payments (id, session_id, method, order_id, status, state, attempts, total, error, started_at, updated_at)
			 VALUES ($1, NULLIF($2, '')::uuid, $3, NULLIF($4, ''), $5, $6, $7, $8, NULLIF($9, ''), $10, now())
			 ON CONFLICT (id) DO UPDATE SET
			     order_id = EXCLUDED.order_id,
			     status = EXCLUDED.status,
			     state = EXCLUDED.state,
			     attempts = EXCLUDED.attempts,
			     error = EXCLUDED.error,
			     updated_at = now()`,
			p.ID, p.SessionID, p.Method, p.OrderID, p.Status, p.State, p.Attempts, p.Total, p.Error, p.StartedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert payment: %w", err)
		}
		return nil
	})
}

// ListPayments возвращает оплаты сессии, новые первыми.
func (r *PostgresRepository) ListPayments(ctx context.Context, sessionID string) ([]PaymentRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, COALESCE(session_id::text, ''), method, COALESCE(order_id, ''), status, state,
		        attempts, total, COALESCE(error, ''), started_at, updated_at
		 FROM payments
		 WHERE session_id = $1
		 ORDER BY started_at DESC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payments: %w", err)
	}
	defer rows.Close()

	var res []PaymentRecord
	for rows.Next() {
		var p PaymentRecord
		if err := rows.Scan(&p.ID, &p.SessionID, &p.Method, &p.OrderID, &p.Status, &p.State,
			&p.Attempts, &p.Total, &p.Error, &p.StartedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// RecordEvent сохраняет служебное событие сессии: вызов сотрудника, ручную проверку, потерю связи.
func (r *PostgresRepository) RecordEvent(ctx context.Context, sessionID, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}

	return r.withRetry(ctx, func(ctx context.Context) error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO kiosk_events (session_id, kind, payload) VALUES (NULLIF($1, '')::uuid, $2, $3)`,
			sessionID, kind, data,
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		return nil
	})
}
