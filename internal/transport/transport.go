// Package transport содержит двунаправленный канал к процессу управления оборудованием.
//
// Канал отдаёт входящие строки в порядке поступления и принимает уже
// закодированные команды. Запись сериализуется внутри канала.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

const (
	linesBuffer  = 64
	maxLineBytes = 1 << 20
)

// ErrChannelClosed возвращается при записи в закрытый или упавший канал.
var ErrChannelClosed = errors.New("hardware channel closed")

// ChannelError описывает потерю канала: выход процесса, обрыв пайпа, ошибку порта.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("hardware channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// Channel отдаёт поток строк от оборудования и принимает команды.
type Channel interface {
	// Lines закрывается, когда поток завершён. Причину возвращает Err.
	Lines() <-chan string
	Send(ctx context.Context, frame []byte) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// DialFunc открывает новый канал. Используется супервизором при переподключении.
type DialFunc func(ctx context.Context) (Channel, error)

type stream struct {
	logger *zap.Logger

	writeMu sync.Mutex
	w       io.Writer

	lines chan string
	done  chan struct{}

	failOnce sync.Once
	mu       sync.Mutex
	err      error
}

func newStream(w io.Writer, logger *zap.Logger) *stream {
	return &stream{
		logger: logger,
		w:      w,
		lines:  make(chan string, linesBuffer),
		done:   make(chan struct{}),
	}
}

func (s *stream) Lines() <-chan string {
	return s.lines
}

func (s *stream) Done() <-chan struct{} {
	return s.done
}

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.done:
		return ErrChannelClosed
	default:
	}

	if _, err := s.w.Write(frame); err != nil {
		cerr := &ChannelError{Op: "write", Err: err}
		s.fail(cerr)
		return cerr
	}
	return nil
}

func (s *stream) fail(err error) {
	s.failOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// readLines читает строки до конца потока. Строки после закрытия канала вычитываются и отбрасываются.
func (s *stream) readLines(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		select {
		case s.lines <- line:
		case <-s.done:
		}
	}
	return scanner.Err()
}
