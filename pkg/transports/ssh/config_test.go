package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig("runner.internal", "sagaflow")

	if c.Address() != "runner.internal:22" {
		t.Errorf("Address() = %s", c.Address())
	}
	if c.AuthMethod != AuthMethodKey || !c.StrictHostKeyChecking {
		t.Errorf("auth = %s, strict = %v; want key auth with strict checking", c.AuthMethod, c.StrictHostKeyChecking)
	}
	if c.ConnectionTimeout != 30*time.Second {
		t.Errorf("ConnectionTimeout = %s", c.ConnectionTimeout)
	}
	if !strings.HasSuffix(c.KnownHostsPath, filepath.Join(".ssh", "known_hosts")) {
		t.Errorf("KnownHostsPath = %s", c.KnownHostsPath)
	}
	if !c.Enabled() || (&Config{}).Enabled() {
		t.Error("Enabled() should follow Host")
	}
}

func TestConfig_Validate(t *testing.T) {
	keyPath := writeTestKey(t)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"password auth", func(c *Config) { c.AuthMethod, c.Password = AuthMethodPassword, "s3cret" }, ""},
		{"key auth", func(c *Config) { c.PrivateKeyPath = keyPath }, ""},
		{"no host", func(c *Config) { c.Host = "" }, "host is required"},
		{"port too large", func(c *Config) { c.Port = 70000 }, "invalid port"},
		{"no user", func(c *Config) { c.User = "" }, "user is required"},
		{"empty password", func(c *Config) { c.AuthMethod = AuthMethodPassword }, "password is required"},
		{"missing key file", func(c *Config) { c.PrivateKeyPath = "/nonexistent/key" }, "private key file not found"},
		{"agent auth", func(c *Config) { c.AuthMethod = "agent" }, "unsupported auth method"},
		{"zero timeout", func(c *Config) {
			c.PrivateKeyPath = keyPath
			c.ConnectionTimeout = 0
		}, "connection timeout must be positive"},
		{"strict without known_hosts", func(c *Config) {
			c.PrivateKeyPath = keyPath
			c.KnownHostsPath = ""
		}, "known hosts path is required"},
		{"lax without known_hosts", func(c *Config) {
			c.PrivateKeyPath = keyPath
			c.KnownHostsPath = ""
			c.StrictHostKeyChecking = false
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig("runner.internal", "sagaflow")
			tt.mutate(c)

			err := c.Validate()
			switch {
			case tt.wantErr == "" && err != nil:
				t.Errorf("unexpected error: %v", err)
			case tt.wantErr != "" && err == nil:
				t.Errorf("expected %q, got nil", tt.wantErr)
			case tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr):
				t.Errorf("expected %q in %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfig_BuildSSHClientConfig(t *testing.T) {
	keyPath := writeTestKey(t)

	tests := []struct {
		name      string
		mutate    func(*Config)
		wantAuth  int
		wantError bool
	}{
		// password plus keyboard-interactive
		{"password", func(c *Config) { c.AuthMethod, c.Password = AuthMethodPassword, "s3cret" }, 2, false},
		{"private key", func(c *Config) { c.PrivateKeyPath = keyPath }, 1, false},
		{"unreadable key", func(c *Config) { c.PrivateKeyPath = filepath.Join(t.TempDir(), "nope") }, 0, true},
		{"missing known_hosts", func(c *Config) {
			c.PrivateKeyPath = keyPath
			c.StrictHostKeyChecking = true
			c.KnownHostsPath = filepath.Join(t.TempDir(), "known_hosts")
		}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig("runner.internal", "sagaflow")
			c.StrictHostKeyChecking = false
			tt.mutate(c)

			cc, err := c.BuildSSHClientConfig()
			if tt.wantError {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildSSHClientConfig failed: %v", err)
			}
			if cc.User != "sagaflow" || cc.Timeout != 30*time.Second {
				t.Errorf("user = %s, timeout = %s", cc.User, cc.Timeout)
			}
			if len(cc.Auth) != tt.wantAuth {
				t.Errorf("got %d auth methods, want %d", len(cc.Auth), tt.wantAuth)
			}
		})
	}
}

// writeTestKey writes an unencrypted ED25519 private key and returns its path.
func writeTestKey(t *testing.T) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("Failed to marshal key: %v", err)
	}

	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("Failed to write key: %v", err)
	}
	return path
}
