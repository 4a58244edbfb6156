package procworker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/overseer/internal/protocol"
	"github.com/mattjoyce/overseer/internal/supervisor"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a worker.
	maxStderrBytes = 64 * 1024

	// DefaultGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	DefaultGracePeriod = 5 * time.Second
)

// Process is a supervisor.Worker backed by an operating system process.
// Messages are read from its stdout as NDJSON; the exit status becomes the
// terminal event.
type Process struct {
	cmd    *exec.Cmd
	events chan supervisor.Event
	stderr *cappedBuffer
	grace  time.Duration
	logger *slog.Logger

	killOnce sync.Once
	killed   chan struct{}
	exited   chan struct{}
}

// Start spawns def, writes req to its stdin and begins streaming events.
func Start(def Definition, req *protocol.Request, logger *slog.Logger) (*Process, error) {
	if def.Command == "" {
		return nil, fmt.Errorf("worker %q has no command", def.Name)
	}
	if logger == nil {
		logger = slog.Default()
	}
	grace := def.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	// Don't use CommandContext: termination is driven by Kill.
	cmd := exec.Command(def.Command, def.Args...)
	cmd.Dir = def.Dir
	if len(def.Env) > 0 {
		cmd.Env = append(os.Environ(), def.Env...)
	}
	// Bounds how long Wait blocks on stdout held open by orphaned children.
	cmd.WaitDelay = grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr

	p := &Process{
		cmd:    cmd,
		events: make(chan supervisor.Event, 16),
		stderr: stderr,
		grace:  grace,
		logger: logger,
		killed: make(chan struct{}),
		exited: make(chan struct{}),
	}

	logger.Debug("spawning worker", "command", def.Command, "args", def.Args)
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}

	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			// A worker that ignores stdin may exit before reading it.
			logger.Debug("write request", "error", err)
		}
	}()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		p.readOutput(pr)
	}()

	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		<-readDone
		p.finish(err)
	}()

	return p, nil
}

// Events satisfies supervisor.Worker. The channel is closed after the
// terminal event.
func (p *Process) Events() <-chan supervisor.Event {
	return p.events
}

// Kill sends SIGTERM and, if the process is still running after the grace
// period, SIGKILL. It never blocks and only the first call signals.
func (p *Process) Kill() error {
	var err error
	p.killOnce.Do(func() {
		close(p.killed)

		select {
		case <-p.exited:
			return
		default:
		}

		if serr := p.cmd.Process.Signal(syscall.SIGTERM); serr != nil {
			if errors.Is(serr, os.ErrProcessDone) {
				return
			}
			err = fmt.Errorf("send SIGTERM: %w", serr)
		}

		go func() {
			grace := time.NewTimer(p.grace)
			defer grace.Stop()
			select {
			case <-p.exited:
			case <-grace.C:
				p.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL", "pid", p.cmd.Process.Pid)
				if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
					p.logger.Error("failed to send SIGKILL", "error", kerr)
				}
			}
		}()
	})
	return err
}

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.exited
}

// Stderr returns the captured stderr, truncated to 64KB.
func (p *Process) Stderr() string {
	return p.stderr.String()
}

func (p *Process) readOutput(r io.Reader) {
	err := protocol.ReadMessages(r, func(msg *protocol.Message) bool {
		if msg.Type == protocol.TypeLog {
			p.logger.Log(context.Background(), workerLevel(msg.Level), msg.Text, "source", "worker")
			return true
		}
		p.send(supervisor.Message(msg.Payload()))
		// Keep draining after Kill so the process never blocks on stdout.
		return true
	})
	if err != nil {
		p.logger.Warn("worker output ended abnormally", "error", err)
		// Drain whatever is left so the copying goroutine in exec can finish.
		_, _ = io.Copy(io.Discard, r)
	}
}

func (p *Process) finish(err error) {
	defer close(p.events)
	close(p.exited)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.send(supervisor.Exited(0))
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		p.logger.Warn("worker exited with non-zero status", "exit_code", code, "stderr", p.stderr.String())
		p.send(supervisor.Exited(code))
	case errors.Is(err, exec.ErrWaitDelay):
		p.logger.Warn("worker left stdout open after exiting")
		p.send(supervisor.Exited(0))
	default:
		p.send(supervisor.Failed(fmt.Errorf("wait for process: %w", err)))
	}
}

// send delivers ev unless the process has been killed.
func (p *Process) send(ev supervisor.Event) {
	select {
	case <-p.killed:
		return
	default:
	}
	select {
	case p.events <- ev:
	case <-p.killed:
	}
}

func workerLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// cappedBuffer keeps the first limit bytes written to it and discards the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
