package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeSettings(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write settings: %v", err)
	}
	return path
}

func loaderWithEnv(env map[string]string) *Loader {
	l := NewLoader()
	if env == nil {
		env = map[string]string{}
	}
	l.Environment = env
	return l
}

func TestLoad_Defaults(t *testing.T) {
	s, err := loaderWithEnv(nil).Load("")
	if err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
	if s.SpecDir != "specs" || s.Database.Path != "sagaflow.db" {
		t.Errorf("unexpected defaults: %+v", s)
	}
	if s.Locks.Backend != LockBackendSQLite || s.Procedures.Runtime != RuntimeAuto {
		t.Errorf("unexpected backend defaults: %s / %s", s.Locks.Backend, s.Procedures.Runtime)
	}
	if rp := s.RetryPolicy(); rp.MaxAttempts != 3 {
		t.Errorf("unexpected retry policy: %+v", rp)
	}
}

func TestLoad_YAMLOverlay(t *testing.T) {
	path := writeSettings(t, "sagaflow.yaml", `
spec_dir: /srv/specs
locks:
  backend: redis
  redis:
    addr: redis:6379
executor:
  default_node_timeout: 2s
telemetry:
  logging:
    level: debug
`)

	s, err := loaderWithEnv(nil).Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.SpecDir != "/srv/specs" {
		t.Errorf("spec_dir = %s", s.SpecDir)
	}
	if s.Locks.Backend != LockBackendRedis || s.Locks.Redis.Addr != "redis:6379" {
		t.Errorf("unexpected locks: %+v", s.Locks)
	}
	if s.Locks.Redis.Prefix != "sagaflow:lock:" {
		t.Errorf("absent keys should keep their defaults, got prefix %q", s.Locks.Redis.Prefix)
	}
	if s.Executor.DefaultNodeTimeout != 2*time.Second {
		t.Errorf("default_node_timeout = %s", s.Executor.DefaultNodeTimeout)
	}
	if s.Telemetry.Logging.Level != "debug" || s.Telemetry.Logging.Format != "console" {
		t.Errorf("unexpected logging: %+v", s.Telemetry.Logging)
	}
	if s.Database.Path != "sagaflow.db" {
		t.Errorf("database path should keep its default, got %s", s.Database.Path)
	}
}

func TestLoad_JSONFile(t *testing.T) {
	path := writeSettings(t, "sagaflow.json", `{"spec_dir": "/json/specs", "policy": {"paths": ["policies"], "watch": true}}`)

	s, err := loaderWithEnv(nil).Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.SpecDir != "/json/specs" || !s.Policy.Watch || len(s.Policy.Paths) != 1 {
		t.Errorf("unexpected settings: %+v", s)
	}
}

func TestLoad_CUEFile(t *testing.T) {
	path := writeSettings(t, "sagaflow.cue", `
spec_dir: "/cue/specs"
procedures: {
	runtime: "starlark"
	timeout: "5s"
}
`)

	s, err := loaderWithEnv(nil).Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.SpecDir != "/cue/specs" || s.Procedures.Runtime != RuntimeStarlark {
		t.Errorf("unexpected settings: %+v", s)
	}
	if s.Procedures.Timeout != 5*time.Second {
		t.Errorf("timeout = %s", s.Procedures.Timeout)
	}
}

func TestLoad_EnvironmentWins(t *testing.T) {
	path := writeSettings(t, "sagaflow.yaml", "locks:\n  backend: redis\n")

	s, err := loaderWithEnv(map[string]string{
		"SAGAFLOW_LOCKS_BACKEND":               "memory",
		"SAGAFLOW_DB_PATH":                     ":memory:",
		"SAGAFLOW_POLICY_PATHS":                "a.rego,b.rego",
		"SAGAFLOW_TELEMETRY_LOG_LEVEL":         "warn",
		"SAGAFLOW_EXECUTOR_RETRY_MAX_ATTEMPTS": "5",
		"SAGAFLOW_PROCEDURES_TIMEOUT":          "1m",
		"SAGAFLOW_PROCEDURES_REMOTE_PORT":      "2222",
	}).Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Locks.Backend != LockBackendMemory {
		t.Errorf("backend = %s", s.Locks.Backend)
	}
	if s.Database.Path != ":memory:" {
		t.Errorf("db path = %s", s.Database.Path)
	}
	if strings.Join(s.Policy.Paths, "|") != "a.rego|b.rego" {
		t.Errorf("policy paths = %v", s.Policy.Paths)
	}
	if s.Telemetry.Logging.Level != "warn" {
		t.Errorf("log level = %s", s.Telemetry.Logging.Level)
	}
	if s.Executor.RetryMaxAttempts != 5 || s.Procedures.Timeout != time.Minute {
		t.Errorf("unexpected executor/procedures: %+v / %+v", s.Executor, s.Procedures)
	}
	if s.Procedures.Remote.Port != 2222 || s.Procedures.Remote.Enabled() {
		t.Errorf("unexpected remote runner: %+v", s.Procedures.Remote)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "unknown lock backend",
			yaml:    "locks:\n  backend: etcd\n",
			wantErr: "locks.backend must be one of",
		},
		{
			name:    "redis without address",
			yaml:    "locks:\n  backend: redis\n  redis:\n    addr: \"\"\n",
			wantErr: "locks.redis.addr is required",
		},
		{
			name:    "process runtime without runner",
			yaml:    "procedures:\n  runtime: process\n",
			wantErr: "procedures.runner_path is required",
		},
		{
			name:    "remote runner without user",
			yaml:    "procedures:\n  runtime: process\n  runner_path: /opt/runner\n  remote:\n    host: runner.internal\n",
			wantErr: "procedures.remote: user is required",
		},
		{
			name:    "unknown routed runtime",
			yaml:    "procedures:\n  routes:\n    HERA.PAY.: lua\n",
			wantErr: "procedures.routes[HERA.PAY.] must be one of",
		},
		{
			name:    "routed process without runner",
			yaml:    "procedures:\n  routes:\n    HERA.PAY.: process\n",
			wantErr: "procedures.runner_path is required",
		},
		{
			name:    "upload without remote host",
			yaml:    "procedures:\n  remote_upload: ./bin/procedure-runner\n",
			wantErr: "procedures.remote_upload needs procedures.remote.host",
		},
		{
			name:    "missing spec dir",
			yaml:    "spec_dir: \"\"\n",
			wantErr: "spec_dir is required",
		},
		{
			name:    "bad log level",
			yaml:    "telemetry:\n  logging:\n    level: loud\n",
			wantErr: "invalid log level",
		},
		{
			name:    "unknown persistence policy",
			yaml:    "executor:\n  on_persistence_failure: ignore\n",
			wantErr: "executor.on_persistence_failure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSettings(t, "sagaflow.yaml", tt.yaml)
			_, err := loaderWithEnv(nil).Load(path)

			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected a ValidationError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected %q in %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoad_FileErrors(t *testing.T) {
	tests := map[string]string{
		"settings.toml": "spec_dir = 'x'",
		"broken.yaml":   "spec_dir: [",
		"broken.cue":    "spec_dir: ",
		"abstract.cue":  "spec_dir: string",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			path := writeSettings(t, name, content)
			if _, err := loaderWithEnv(nil).Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := loaderWithEnv(nil).Load("/nonexistent/sagaflow.yaml"); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestLoad_BadEnvironment(t *testing.T) {
	_, err := loaderWithEnv(map[string]string{"SAGAFLOW_EXECUTOR_RETRY_MAX_ATTEMPTS": "many"}).Load("")
	if err == nil || !strings.Contains(err.Error(), "environment") {
		t.Errorf("expected an environment parse error, got %v", err)
	}
}
