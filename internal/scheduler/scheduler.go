// Package scheduler запускает отложенные и периодические задачи, адресуемые токеном.
//
// Повторная постановка задачи с тем же токеном заменяет предыдущую, поэтому
// отмена опроса или повтора всегда сводится к одному вызову Cancel.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrStopped возвращается при постановке задачи в остановленный планировщик.
var ErrStopped = errors.New("scheduler stopped")

type task struct {
	cancel context.CancelFunc
}

// Scheduler хранит набор именованных задач.
type Scheduler struct {
	logger *zap.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	stopped bool
	wg      sync.WaitGroup
}

// New создаёт планировщик.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		logger: logger,
		tasks:  make(map[string]*task),
	}
}

// After выполняет fn один раз через d. Контекст fn отменяется при Cancel(token).
func (s *Scheduler) After(token string, d time.Duration, fn func(ctx context.Context)) error {
	return s.schedule(token, func(ctx context.Context) {
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.run(token, func() { fn(ctx) })
	})
}

// Every вызывает fn каждые d, пока fn возвращает true и задача не отменена.
func (s *Scheduler) Every(token string, d time.Duration, fn func(ctx context.Context) bool) error {
	return s.schedule(token, func(ctx context.Context) {
		ticker := time.NewTicker(d)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			more := true
			s.run(token, func() { more = fn(ctx) })
			if !more || ctx.Err() != nil {
				return
			}
		}
	})
}

// Cancel отменяет задачу token. Сообщает, была ли такая задача.
func (s *Scheduler) Cancel(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[token]
	if !ok {
		return false
	}
	t.cancel()
	delete(s.tasks, token)
	return true
}

// Pending сообщает, запланирована ли задача token.
func (s *Scheduler) Pending(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[token]
	return ok
}

// Stop отменяет все задачи и ждёт завершения уже запущенных. Нельзя вызывать из задачи.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for token, t := range s.tasks {
		t.cancel()
		delete(s.tasks, token)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) schedule(token string, loop func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if prev, ok := s.tasks[token]; ok {
		prev.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel}
	s.tasks[token] = t

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finish(token, t)
		loop(ctx)
	}()
	return nil
}

func (s *Scheduler) finish(token string, t *task) {
	t.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[token] == t {
		delete(s.tasks, token)
	}
}

func (s *Scheduler) run(token string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", zap.String("token", token), zap.Any("panic", r))
		}
	}()
	fn()
}
