package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
	"go.uber.org/zap"
)

// SerialChannel работает с контроллером тележки через последовательный порт.
type SerialChannel struct {
	*stream

	port      io.ReadWriteCloser
	device    string
	closeOnce sync.Once
}

// SerialDialer возвращает DialFunc, открывающую порт device.
func SerialDialer(device string, baud int, logger *zap.Logger) DialFunc {
	return func(ctx context.Context) (Channel, error) {
		return OpenSerial(device, baud, logger)
	}
}

// OpenSerial открывает порт и запускает чтение строк.
func OpenSerial(device string, baud int, logger *zap.Logger) (*SerialChannel, error) {
	c := &serial.Config{
		Name:        device,
		Baud:        baud,
		ReadTimeout: time.Second,
	}
	port, err := serial.OpenPort(c)
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: fmt.Errorf("open serial %s: %w", device, err)}
	}

	logger.Info("serial channel opened", zap.String("device", device), zap.Int("baud", baud))
	return newSerialChannel(port, device, logger), nil
}

func newSerialChannel(port io.ReadWriteCloser, device string, logger *zap.Logger) *SerialChannel {
	s := &SerialChannel{
		stream: newStream(port, logger.With(zap.String("device", device))),
		port:   port,
		device: device,
	}
	go s.run()
	return s
}

func (s *SerialChannel) run() {
	err := s.readLines(&timeoutReader{r: s.port, done: s.done})
	if err == nil {
		err = io.EOF
	}
	s.fail(&ChannelError{Op: "read", Err: err})
	close(s.lines)
}

// Close закрывает порт.
func (s *SerialChannel) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.fail(&ChannelError{Op: "close", Err: ErrChannelClosed})
		err = s.port.Close()
	})
	return err
}

// timeoutReader скрывает таймауты чтения порта: пустое чтение с io.EOF означает только
// отсутствие данных, пока канал не закрыт.
type timeoutReader struct {
	r    io.Reader
	done <-chan struct{}
}

func (t *timeoutReader) Read(p []byte) (int, error) {
	for {
		n, err := t.r.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		select {
		case <-t.done:
			return 0, io.EOF
		default:
		}
	}
}
