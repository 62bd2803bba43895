package procedure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sagaflow/sagaflow/pkg/engine"
	"github.com/sagaflow/sagaflow/pkg/procedure/protocol"
)

// DefaultStartupTimeout bounds the wait for the runner's READY message.
const DefaultStartupTimeout = 10 * time.Second

// ErrRunnerClosed is returned by Invoke once the runner is gone.
var ErrRunnerClosed = errors.New("procedure runner closed")

// Launcher starts a runner and hands back its stdin and stdout.
type Launcher interface {
	Launch(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, err error)
	// Stop releases whatever Launch started. It is called after stdin is closed.
	Stop() error
}

// ExecLauncher runs the runner as a local child process.
type ExecLauncher struct {
	Path string
	Args []string
	Env  []string

	// Stderr receives the runner's stderr. Defaults to os.Stderr.
	Stderr io.Writer

	cmd *exec.Cmd
}

// Launch starts the child process.
func (l *ExecLauncher) Launch(_ context.Context) (io.WriteCloser, io.ReadCloser, error) {
	if l.Path == "" {
		return nil, nil, fmt.Errorf("runner path is required")
	}

	// The runner outlives the start context, so it is not bound to it.
	cmd := exec.Command(l.Path, l.Args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start runner %s: %w", l.Path, err)
	}

	l.cmd = cmd
	return stdin, stdout, nil
}

// Stop waits for the child to exit, killing it if it lingers.
func (l *ExecLauncher) Stop() error {
	if l.cmd == nil || l.cmd.Process == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- l.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		_ = l.cmd.Process.Kill()
		return <-done
	}
}

// ProcessConfig configures a ProcessRuntime.
type ProcessConfig struct {
	Launcher       Launcher
	StartupTimeout time.Duration

	// CommandTimeout is sent with each command when the context has no deadline.
	CommandTimeout time.Duration
}

type decoded struct {
	msg *protocol.Message
	err error
}

// ProcessRuntime invokes procedures in a separate runner process speaking
// the JSON line protocol over stdio. Commands are serialized.
type ProcessRuntime struct {
	cfg    ProcessConfig
	logger zerolog.Logger

	mu       sync.Mutex
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	encoder  *protocol.Encoder
	messages chan decoded
	ready    *protocol.ReadyMessage
	closed   bool
}

// NewProcessRuntime creates a runtime. Call Start before Invoke.
func NewProcessRuntime(cfg ProcessConfig, logger zerolog.Logger) (*ProcessRuntime, error) {
	if cfg.Launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	return &ProcessRuntime{
		cfg:    cfg,
		logger: logger.With().Str("component", "process-runtime").Logger(),
	}, nil
}

// Start launches the runner and waits for READY.
func (p *ProcessRuntime) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrRunnerClosed
	}
	if p.ready != nil {
		return nil
	}

	stdin, stdout, err := p.cfg.Launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("failed to launch runner: %w", err)
	}
	p.stdin = stdin
	p.stdout = stdout
	p.encoder = protocol.NewEncoder(stdin)
	p.messages = make(chan decoded)

	go read(protocol.NewDecoder(stdout), p.messages)

	readyCtx, cancel := context.WithTimeout(ctx, p.cfg.StartupTimeout)
	defer cancel()

	select {
	case <-readyCtx.Done():
		p.shutdown()
		return fmt.Errorf("timeout waiting for READY message")
	case d, ok := <-p.messages:
		if !ok {
			p.shutdown()
			return fmt.Errorf("runner exited before READY")
		}
		if d.err != nil {
			p.shutdown()
			return fmt.Errorf("failed to receive READY: %w", d.err)
		}
		if d.msg.Type != protocol.MessageTypeReady {
			p.shutdown()
			return fmt.Errorf("expected READY, got %s", d.msg.Type)
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseData(d.msg.Data, &ready); err != nil {
			p.shutdown()
			return err
		}
		p.ready = &ready
	}

	p.logger.Info().
		Str("version", p.ready.Version).
		Int("pid", p.ready.PID).
		Int("procedures", len(p.ready.Procedures)).
		Msg("Procedure runner ready")
	return nil
}

// Ready returns the runner's READY announcement, nil before Start.
func (p *ProcessRuntime) Ready() *protocol.ReadyMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// read pumps decoded lines into out until the stream ends.
func read(dec *protocol.Decoder, out chan<- decoded) {
	defer close(out)
	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return
		}
		out <- decoded{msg: msg, err: err}
		if errors.Is(err, protocol.ErrStreamBroken) {
			return
		}
	}
}

// Invoke implements engine.ProcedureRuntime.
func (p *ProcessRuntime) Invoke(ctx context.Context, runCode string, payload map[string]interface{}) (*engine.ProcedureResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrRunnerClosed
	}
	if p.ready == nil {
		return nil, fmt.Errorf("procedure runner not started")
	}

	inv, _ := engine.InvocationFrom(ctx)
	cmd := &protocol.CommandMessage{
		ID:             uuid.New().String(),
		Type:           protocol.CommandTypeInvoke,
		RunCode:        runCode,
		Payload:        payload,
		IdempotencyKey: inv.IdempotencyKey,
		Metadata:       commandMetadata(inv),
	}
	if deadline, ok := ctx.Deadline(); ok {
		cmd.TimeoutMs = time.Until(deadline).Milliseconds()
		if cmd.TimeoutMs <= 0 {
			return nil, ctx.Err()
		}
	} else if p.cfg.CommandTimeout > 0 {
		cmd.TimeoutMs = p.cfg.CommandTimeout.Milliseconds()
	}

	log := p.logger.With().Str("command_id", cmd.ID).Str("run_code", runCode).Logger()

	if err := p.encoder.EncodeCommand(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", runCode, ctx.Err())
		case d, ok := <-p.messages:
			if !ok {
				p.closed = true
				return nil, fmt.Errorf("%w: stream ended", ErrRunnerClosed)
			}
			if d.err != nil {
				return nil, fmt.Errorf("failed to read response: %w", d.err)
			}
			result, done, err := p.handle(log, cmd.ID, d.msg)
			if done || err != nil {
				return result, err
			}
		}
	}
}

// handle processes one reply. done reports whether the command is finished.
func (p *ProcessRuntime) handle(log zerolog.Logger, commandID string, msg *protocol.Message) (*engine.ProcedureResult, bool, error) {
	switch msg.Type {
	case protocol.MessageTypeEvent:
		var evt protocol.EventMessage
		if err := protocol.ParseData(msg.Data, &evt); err != nil {
			return nil, false, fmt.Errorf("failed to parse event: %w", err)
		}
		if evt.CommandID != commandID {
			return nil, false, nil
		}
		logEvent(log, &evt)
		return nil, false, nil

	case protocol.MessageTypeDone:
		var done protocol.DoneMessage
		if err := protocol.ParseData(msg.Data, &done); err != nil {
			return nil, false, fmt.Errorf("failed to parse done: %w", err)
		}
		if done.CommandID != commandID {
			// Late reply to a command abandoned on context cancellation.
			log.Warn().Str("stale_command_id", done.CommandID).Msg("Discarding stale reply")
			return nil, false, nil
		}
		log.Debug().Bool("success", done.Success).Float64("duration_s", done.Duration).Msg("Command finished")
		return &engine.ProcedureResult{
			Success: done.Success,
			Output:  done.Output,
			Error:   done.Error,
		}, true, nil

	case protocol.MessageTypeError:
		var errMsg protocol.ErrorMessage
		if err := protocol.ParseData(msg.Data, &errMsg); err != nil {
			return nil, false, fmt.Errorf("failed to parse error: %w", err)
		}
		if errMsg.CommandID != "" && errMsg.CommandID != commandID {
			log.Warn().Str("stale_command_id", errMsg.CommandID).Msg("Discarding stale error")
			return nil, false, nil
		}
		if errMsg.Code == protocol.CodeUnknownProcedure {
			return nil, true, fmt.Errorf("%w: %s", ErrUnknownProcedure, errMsg.Message)
		}
		return nil, true, fmt.Errorf("runner error %s: %s", errMsg.Code, errMsg.Message)

	case protocol.MessageTypeExit:
		var exit protocol.ExitMessage
		_ = protocol.ParseData(msg.Data, &exit)
		p.closed = true
		return nil, true, fmt.Errorf("%w: runner exited (%s)", ErrRunnerClosed, exit.Reason)

	default:
		return nil, true, fmt.Errorf("unexpected message type: %s", msg.Type)
	}
}

func logEvent(log zerolog.Logger, evt *protocol.EventMessage) {
	var e *zerolog.Event
	switch evt.Level {
	case "warn":
		e = log.Warn()
	case "debug":
		e = log.Debug()
	default:
		e = log.Info()
	}
	for k, v := range evt.Metadata {
		e = e.Str(k, v)
	}
	e.Msg(evt.Message)
}

// Close closes the runner's stdin and stops it.
func (p *ProcessRuntime) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed && p.stdin == nil {
		return nil
	}
	p.closed = true
	return p.shutdown()
}

func (p *ProcessRuntime) shutdown() error {
	var firstErr error
	if p.stdin != nil {
		if err := p.stdin.Close(); err != nil {
			firstErr = err
		}
		p.stdin = nil
	}
	if p.messages != nil {
		// Drain so the reader can observe EOF and exit.
		go func(ch <-chan decoded) {
			for range ch {
			}
		}(p.messages)
	}
	if err := p.cfg.Launcher.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if p.stdout != nil {
		_ = p.stdout.Close()
		p.stdout = nil
	}
	return firstErr
}
