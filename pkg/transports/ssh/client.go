package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// ErrNotConnected is returned by operations on a client without a connection.
var ErrNotConnected = errors.New("not connected")

// Client is a single SSH connection to a runner host.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu     sync.RWMutex
	client *ssh.Client
}

// NewClient creates a client. Call Connect before use.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Address()).Logger(),
	}, nil
}

// Connect dials the host. Calling it on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", c.config.Address(), clientConfig)
		done <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		// Close a connection that completes after the caller gave up.
		go func() {
			if r := <-done; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case r := <-done:
		if r.err != nil {
			return &TransportError{
				Op:          "connect",
				Err:         r.err,
				IsTemporary: !strings.Contains(r.err.Error(), "unable to authenticate"),
				IsAuthError: strings.Contains(r.err.Error(), "unable to authenticate"),
			}
		}
		c.client = r.client
	}

	c.logger.Debug().Msg("SSH connection established")
	return nil
}

// Close drops the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *Client) conn() (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, &TransportError{Op: "session", Err: ErrNotConnected}
	}
	return c.client, nil
}

// Run executes cmd and returns its trimmed output. A non-zero exit status is
// an error.
func (c *Client) Run(ctx context.Context, cmd string) (string, string, error) {
	conn, err := c.conn()
	if err != nil {
		return "", "", err
	}
	session, err := conn.NewSession()
	if err != nil {
		return "", "", &TransportError{Op: "execute", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		runErr = ctx.Err()
	case runErr = <-done:
	}

	out := strings.TrimSpace(stdout.String())
	errOut := strings.TrimSpace(stderr.String())
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return out, errOut, &TransportError{
				Op:  "execute",
				Err: fmt.Errorf("command exited with code %d: %s", exitErr.ExitStatus(), errOut),
			}
		}
		return out, errOut, &TransportError{Op: "execute", Err: runErr, IsTemporary: true}
	}
	return out, errOut, nil
}

// Upload copies a local file to remotePath over SFTP, creating parent
// directories, and applies mode when non-zero.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	start := time.Now()

	local, err := os.Open(localPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer local.Close()

	client, err := c.sftp()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	remote, err := client.Create(remotePath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	defer remote.Close()

	written, err := copyWithContext(ctx, remote, local)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	if mode != 0 {
		if err := client.Chmod(remotePath, mode); err != nil {
			return &TransportError{Op: "upload", Err: fmt.Errorf("failed to set permissions: %w", err)}
		}
	}

	c.logger.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("File uploaded")
	return nil
}

// Remove deletes a remote file over SFTP.
func (c *Client) Remove(remotePath string) error {
	client, err := c.sftp()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Remove(remotePath); err != nil {
		return &TransportError{Op: "remove", Err: err}
	}
	return nil
}

func (c *Client) sftp() (*sftp.Client, error) {
	conn, err := c.conn()
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	return client, nil
}

// Session is a running remote command with piped stdio.
type Session struct {
	session *ssh.Session
	Stdin   io.WriteCloser
	Stdout  io.Reader
}

// Wait blocks until the remote command exits.
func (s *Session) Wait() error {
	return s.session.Wait()
}

// Close terminates the session.
func (s *Session) Close() error {
	err := s.session.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Start runs cmd without waiting for it and returns its stdio. Remote stderr
// is copied to stderr when it is non-nil.
func (c *Client) Start(cmd string, stderr io.Writer) (*Session, error) {
	conn, err := c.conn()
	if err != nil {
		return nil, err
	}
	session, err := conn.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create stdout pipe: %w", err)}
	}
	if stderr != nil {
		session.Stderr = stderr
	}

	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to start %q: %w", cmd, err)}
	}

	return &Session{session: session, Stdin: stdin, Stdout: stdout}, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '/' || r == '.' || r == '-' || r == '_' || r == '=' || r == ':' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
