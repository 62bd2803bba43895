package procedure

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

// pipeLauncher runs Serve in a goroutine instead of a child process.
type pipeLauncher struct {
	rt     engine.ProcedureRuntime
	silent bool

	stdoutW *io.PipeWriter
	done    chan struct{}
}

func (l *pipeLauncher) Launch(context.Context) (io.WriteCloser, io.ReadCloser, error) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	l.stdoutW = stdoutW
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		if l.silent {
			_, _ = io.Copy(io.Discard, stdinR)
			return
		}
		_ = Serve(context.Background(), stdinR, stdoutW, l.rt, ServerConfig{
			Version:    "pipe",
			Procedures: []string{"ADD_LINE", "DECLINE", "WAIT"},
			Logger:     zerolog.Nop(),
		})
	}()
	return stdinW, stdoutR, nil
}

func (l *pipeLauncher) Stop() error {
	if l.done != nil {
		<-l.done
	}
	if l.stdoutW != nil {
		return l.stdoutW.Close()
	}
	return nil
}

func startProcessRuntime(t *testing.T) *ProcessRuntime {
	t.Helper()
	p, err := NewProcessRuntime(ProcessConfig{
		Launcher:       &pipeLauncher{rt: testRegistry()},
		StartupTimeout: time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create runtime: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestProcessRuntime_RequiresLauncher(t *testing.T) {
	if _, err := NewProcessRuntime(ProcessConfig{}, zerolog.Nop()); err == nil {
		t.Error("expected error without launcher")
	}
}

func TestProcessRuntime_Invoke(t *testing.T) {
	p := startProcessRuntime(t)

	ready := p.Ready()
	if ready == nil || ready.Version != "pipe" || len(ready.Procedures) != 3 {
		t.Fatalf("unexpected ready: %+v", ready)
	}

	ctx := engine.WithInvocation(context.Background(), engine.Invocation{
		NodeID:         "add_line",
		IdempotencyKey: "key-1",
	})
	res, err := p.Invoke(ctx, "ADD_LINE", map[string]interface{}{"cart_id": "cart-9"})
	if err != nil {
		t.Fatalf("invoke failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Error)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(res.Output, &out); err != nil {
		t.Fatal(err)
	}
	if out["cart_id"] != "cart-9" || out["key"] != "key-1" || out["node"] != "add_line" || out["comp"] != false {
		t.Errorf("invocation did not cross the process boundary: %v", out)
	}
}

func TestProcessRuntime_FailureAndUnknown(t *testing.T) {
	p := startProcessRuntime(t)
	ctx := context.Background()

	res, err := p.Invoke(ctx, "DECLINE", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success || res.Error != "card declined" {
		t.Errorf("expected failed result, got %+v", res)
	}

	if _, err := p.Invoke(ctx, "MISSING", nil); !errors.Is(err, ErrUnknownProcedure) {
		t.Errorf("expected ErrUnknownProcedure, got %v", err)
	}
}

func TestProcessRuntime_AbandonedCommandDoesNotPoisonNext(t *testing.T) {
	p := startProcessRuntime(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.Invoke(ctx, "WAIT", nil); err == nil {
		t.Fatal("expected timeout")
	}

	res, err := p.Invoke(context.Background(), "DECLINE", nil)
	if err != nil {
		t.Fatalf("unexpected error after abandoned command: %v", err)
	}
	if res.Error != "card declined" {
		t.Errorf("expected reply for the new command, got %+v", res)
	}
}

func TestProcessRuntime_Close(t *testing.T) {
	p := startProcessRuntime(t)

	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := p.Invoke(context.Background(), "ADD_LINE", nil); !errors.Is(err, ErrRunnerClosed) {
		t.Errorf("expected ErrRunnerClosed, got %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}

func TestProcessRuntime_StartupTimeout(t *testing.T) {
	p, err := NewProcessRuntime(ProcessConfig{
		Launcher:       &pipeLauncher{silent: true},
		StartupTimeout: 30 * time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	err = p.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "READY") {
		t.Errorf("expected READY timeout, got %v", err)
	}
}

func TestProcessRuntime_InvokeBeforeStart(t *testing.T) {
	p, _ := NewProcessRuntime(ProcessConfig{Launcher: &pipeLauncher{}}, zerolog.Nop())
	if _, err := p.Invoke(context.Background(), "X", nil); err == nil {
		t.Error("expected error before Start")
	}
}
