package ssh

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// testSSHServer runs exec requests through the local shell and serves the
// sftp subsystem from the local filesystem.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command := string(req.Payload[4:])
			req.Reply(true, nil)
			go ssh.DiscardRequests(requests)

			status := runLocal(command, channel)
			channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			return

		case "subsystem":
			if string(req.Payload[4:]) != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go ssh.DiscardRequests(requests)

			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func runLocal(command string, channel ssh.Channel) uint32 {
	cmd := exec.Command("sh", "-c", command)
	cmd.Stdout = channel
	cmd.Stderr = channel.Stderr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return 255
	}
	if err := cmd.Start(); err != nil {
		return 127
	}
	go func() {
		_, _ = io.Copy(stdin, channel)
		stdin.Close()
	}()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return uint32(exitErr.ExitCode())
		}
		return 255
	}
	return 0
}

func (s *testSSHServer) close() {
	close(s.done)
	s.listener.Close()
}

func (s *testSSHServer) clientConfig(t *testing.T) *Config {
	t.Helper()

	host, portStr, err := net.SplitHostPort(s.addr)
	if err != nil {
		t.Fatalf("bad address %s: %v", s.addr, err)
	}
	port, _ := strconv.Atoi(portStr)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	return config
}

func connectedClient(t *testing.T, server *testSSHServer) *Client {
	t.Helper()

	client, err := NewClient(server.clientConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClientConnectAuthFailure(t *testing.T) {
	server := newTestSSHServer(t)

	config := server.clientConfig(t)
	config.Password = "wrong"
	client, err := NewClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	err = client.Connect(context.Background())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !transportErr.IsAuthError {
		t.Errorf("expected auth error, got %v", transportErr)
	}
	if transportErr.Temporary() {
		t.Error("auth failures should not be temporary")
	}
}

func TestClientRequiresConnection(t *testing.T) {
	client, err := NewClient(&Config{
		Host:              "example.com",
		Port:              22,
		User:              "testuser",
		AuthMethod:        AuthMethodPassword,
		Password:          "secret",
		ConnectionTimeout: time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if _, _, err := client.Run(context.Background(), "true"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close on an unconnected client failed: %v", err)
	}
}

func TestClientRun(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)
	ctx := context.Background()

	stdout, _, err := client.Run(ctx, "echo hello")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stdout != "hello" {
		t.Errorf("expected 'hello', got %q", stdout)
	}

	_, stderr, err := client.Run(ctx, "echo broken >&2; exit 3")
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "code 3") {
		t.Errorf("expected exit code in error, got %v", err)
	}
	if stderr != "broken" {
		t.Errorf("expected stderr 'broken', got %q", stderr)
	}
}

func TestClientUploadAndRemove(t *testing.T) {
	server := newTestSSHServer(t)
	client := connectedClient(t, server)

	local := filepath.Join(t.TempDir(), "runner")
	if err := os.WriteFile(local, []byte("#!/bin/sh\necho uploaded\n"), 0o600); err != nil {
		t.Fatalf("failed to write local file: %v", err)
	}
	remote := filepath.Join(t.TempDir(), "nested", "dir", "runner")

	if err := client.Upload(context.Background(), local, remote, 0o755); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	info, err := os.Stat(remote)
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("expected mode 0755, got %v", info.Mode().Perm())
	}

	out, _, err := client.Run(context.Background(), ShellQuote(remote))
	if err != nil {
		t.Fatalf("running uploaded file failed: %v", err)
	}
	if out != "uploaded" {
		t.Errorf("expected 'uploaded', got %q", out)
	}

	if err := client.Remove(remote); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(remote); !os.IsNotExist(err) {
		t.Errorf("expected remote file to be removed, stat err = %v", err)
	}
}

func TestRunnerLauncherRoundTrip(t *testing.T) {
	server := newTestSSHServer(t)

	local := filepath.Join(t.TempDir(), "procedure-runner")
	if err := os.WriteFile(local, []byte("#!/bin/sh\nexec cat\n"), 0o600); err != nil {
		t.Fatalf("failed to write runner: %v", err)
	}
	remote := filepath.Join(t.TempDir(), "bin", "procedure-runner")

	launcher := &RunnerLauncher{
		Config:      server.clientConfig(t),
		LocalBinary: local,
		RemotePath:  remote,
		Stderr:      io.Discard,
		Logger:      zerolog.Nop(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stdin, stdout, err := launcher.Launch(ctx)
	if err != nil {
		t.Fatalf("Launch failed: %v", err)
	}

	if _, err := io.WriteString(stdin, `{"type":"PING"}`+"\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	line, err := bufio.NewReader(stdout).ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if line != `{"type":"PING"}`+"\n" {
		t.Errorf("expected echoed line, got %q", line)
	}

	if err := stdin.Close(); err != nil {
		t.Fatalf("closing stdin failed: %v", err)
	}
	if err := launcher.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if _, err := os.Stat(remote); !os.IsNotExist(err) {
		t.Errorf("expected uploaded runner to be removed, stat err = %v", err)
	}
}

func TestRunnerLauncherRequiresRemotePath(t *testing.T) {
	launcher := &RunnerLauncher{Config: DefaultConfig("example.com", "testuser"), Logger: zerolog.Nop()}
	if _, _, err := launcher.Launch(context.Background()); err == nil {
		t.Error("expected error without a remote path")
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"/usr/local/bin/runner": "/usr/local/bin/runner",
		"--timeout=30s":         "--timeout=30s",
		"":                      "''",
		"two words":             "'two words'",
		"it's":                  `'it'\''s'`,
	}
	for in, want := range tests {
		if got := ShellQuote(in); got != want {
			t.Errorf("ShellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}
