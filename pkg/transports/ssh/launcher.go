package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sagaflow/sagaflow/pkg/procedure"
)

var _ procedure.Launcher = (*RunnerLauncher)(nil)

// RunnerLauncher starts the procedure runner on a remote host and speaks the
// line protocol over the SSH session's stdio.
type RunnerLauncher struct {
	Config *Config

	// LocalBinary, when set, is uploaded to RemotePath before launch and
	// removed on Stop.
	LocalBinary string
	RemotePath  string
	Args        []string

	// Stderr receives the remote runner's stderr. Defaults to os.Stderr.
	Stderr io.Writer
	Logger zerolog.Logger

	client   *Client
	session  *Session
	uploaded bool
}

// Launch connects, uploads the runner if configured, and starts it.
func (l *RunnerLauncher) Launch(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	if l.RemotePath == "" {
		return nil, nil, fmt.Errorf("remote runner path is required")
	}

	client, err := NewClient(l.Config, l.Logger)
	if err != nil {
		return nil, nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, nil, err
	}
	l.client = client

	if l.LocalBinary != "" {
		if err := client.Upload(ctx, l.LocalBinary, l.RemotePath, 0o755); err != nil {
			l.disconnect()
			return nil, nil, err
		}
		l.uploaded = true
	}

	stderr := l.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	session, err := client.Start(l.command(), stderr)
	if err != nil {
		l.cleanup()
		return nil, nil, err
	}
	l.session = session

	l.Logger.Info().
		Str("host", l.Config.Address()).
		Str("runner", l.RemotePath).
		Bool("uploaded", l.uploaded).
		Msg("Remote procedure runner started")

	return session.Stdin, io.NopCloser(session.Stdout), nil
}

func (l *RunnerLauncher) command() string {
	parts := make([]string, 0, len(l.Args)+1)
	parts = append(parts, ShellQuote(l.RemotePath))
	for _, arg := range l.Args {
		parts = append(parts, ShellQuote(arg))
	}
	return strings.Join(parts, " ")
}

// Stop waits briefly for the remote runner to exit, then tears down the
// session, the uploaded binary and the connection.
func (l *RunnerLauncher) Stop() error {
	var err error
	if l.session != nil {
		done := make(chan error, 1)
		go func() { done <- l.session.Wait() }()
		select {
		case err = <-done:
		case <-time.After(5 * time.Second):
			err = l.session.Close()
		}
		l.session = nil
	}
	l.cleanup()
	return err
}

func (l *RunnerLauncher) cleanup() {
	if l.uploaded && l.client != nil {
		if err := l.client.Remove(l.RemotePath); err != nil {
			l.Logger.Warn().Err(err).Str("path", l.RemotePath).Msg("Failed to remove uploaded runner")
		}
		l.uploaded = false
	}
	l.disconnect()
}

func (l *RunnerLauncher) disconnect() {
	if l.client == nil {
		return
	}
	if err := l.client.Close(); err != nil {
		l.Logger.Debug().Err(err).Msg("SSH disconnect failed")
	}
	l.client = nil
}
