package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const killTimeout = 2 * time.Second

// ProcessChannel запускает процесс управления оборудованием и общается с ним через stdin/stdout.
// Stderr процесса пересылается в лог.
type ProcessChannel struct {
	*stream

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	exited    chan struct{}
	closeOnce sync.Once
}

// ProcessDialer возвращает DialFunc, запускающую command (например, "python3 cart_ops.py").
func ProcessDialer(command string, logger *zap.Logger) DialFunc {
	return func(ctx context.Context) (Channel, error) {
		return StartProcess(ctx, command, logger)
	}
}

// StartProcess запускает процесс и возвращает канал к нему.
func StartProcess(ctx context.Context, command string, logger *zap.Logger) (*ProcessChannel, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, fmt.Errorf("empty hardware command")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, &ChannelError{Op: "start", Err: err}
	}

	logger = logger.With(zap.Int("pid", cmd.Process.Pid))
	logger.Info("hardware process started", zap.String("command", command))

	p := &ProcessChannel{
		stream: newStream(stdin, logger),
		cmd:    cmd,
		stdin:  stdin,
		exited: make(chan struct{}),
	}

	go p.run(stdout, stderr)

	return p, nil
}

func (p *ProcessChannel) run(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.logStderr(stderr)
	}()

	readErr := p.readLines(stdout)
	wg.Wait()

	waitErr := p.cmd.Wait()
	close(p.exited)

	switch {
	case waitErr != nil:
		p.fail(&ChannelError{Op: "exit", Err: waitErr})
	case readErr != nil:
		p.fail(&ChannelError{Op: "read", Err: readErr})
	default:
		p.fail(&ChannelError{Op: "exit", Err: io.EOF})
	}
	close(p.lines)

	p.logger.Info("hardware process exited", zap.Error(p.Err()))
}

func (p *ProcessChannel) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]", "Traceback"):
			p.logger.Error("hardware process stderr", zap.String("log", line))
		case containsAny(line, "[WARNING]", "[WARN]"):
			p.logger.Warn("hardware process stderr", zap.String("log", line))
		default:
			p.logger.Info("hardware process stderr", zap.String("log", line))
		}
	}
}

// Close закрывает stdin и ждёт выхода процесса. Если процесс не завершился вовремя, он убивается.
func (p *ProcessChannel) Close() error {
	p.closeOnce.Do(func() {
		p.fail(&ChannelError{Op: "close", Err: ErrChannelClosed})
		_ = p.stdin.Close()

		select {
		case <-p.exited:
		case <-time.After(killTimeout):
			p.logger.Warn("hardware process did not exit, killing")
			if err := p.cmd.Process.Kill(); err != nil {
				p.logger.Error("kill hardware process", zap.Error(err))
			}
			<-p.exited
		}
	})
	return nil
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
