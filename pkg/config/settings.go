package config

import (
	"time"

	"github.com/sagaflow/sagaflow/pkg/engine"
	"github.com/sagaflow/sagaflow/pkg/telemetry"
	"github.com/sagaflow/sagaflow/pkg/transports/ssh"
)

// Lock backends.
const (
	LockBackendMemory = "memory"
	LockBackendSQLite = "sqlite"
	LockBackendRedis  = "redis"
)

// Procedure runtimes.
const (
	RuntimeStarlark = "starlark"
	RuntimeWASM     = "wasm"
	RuntimeProcess  = "process"
	RuntimeAuto     = "auto"
)

// Settings is the complete SagaFlow configuration.
type Settings struct {
	// SpecDir is the root of the platform/ and tenants/ spec tree.
	SpecDir string `yaml:"spec_dir" env:"SPEC_DIR" validate:"required"`

	// WatchSpecs invalidates cached specs when files under SpecDir change.
	WatchSpecs bool `yaml:"watch_specs" env:"WATCH_SPECS"`

	Database   DatabaseConfig   `yaml:"database" envPrefix:"DB_"`
	Locks      LocksConfig      `yaml:"locks" envPrefix:"LOCKS_"`
	Executor   ExecutorConfig   `yaml:"executor" envPrefix:"EXECUTOR_"`
	Procedures ProceduresConfig `yaml:"procedures" envPrefix:"PROCEDURES_"`
	Policy     PolicyConfig     `yaml:"policy" envPrefix:"POLICY_"`

	Telemetry telemetry.Config `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path            string        `yaml:"path" env:"PATH" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// LocksConfig selects the resource lock backend.
type LocksConfig struct {
	Backend string        `yaml:"backend" env:"BACKEND" validate:"oneof=memory sqlite redis"`
	TTL     time.Duration `yaml:"ttl" env:"TTL" validate:"gte=0"`
	Redis   RedisConfig   `yaml:"redis" envPrefix:"REDIS_"`
}

// RedisConfig configures the Redis lock backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB" validate:"gte=0"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

// ExecutorConfig tunes the executor.
type ExecutorConfig struct {
	DefaultNodeTimeout   time.Duration `yaml:"default_node_timeout" env:"DEFAULT_NODE_TIMEOUT" validate:"gte=0"`
	OnPersistenceFailure string        `yaml:"on_persistence_failure" env:"ON_PERSISTENCE_FAILURE" validate:"oneof=escalate warn"`
	RetryMaxAttempts     int           `yaml:"retry_max_attempts" env:"RETRY_MAX_ATTEMPTS" validate:"gte=1"`
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay" env:"RETRY_BASE_DELAY" validate:"gte=0"`
	RetryMaxDelay        time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY" validate:"gte=0"`
}

// ProceduresConfig selects and configures the procedure runtime.
type ProceduresConfig struct {
	// Runtime is starlark, wasm, process or auto. Auto routes each run code
	// to whichever of the Starlark and WASM directories provides it.
	Runtime string `yaml:"runtime" env:"RUNTIME" validate:"oneof=starlark wasm process auto"`

	StarlarkDir      string        `yaml:"starlark_dir" env:"STARLARK_DIR"`
	StarlarkMaxSteps uint64        `yaml:"starlark_max_steps" env:"STARLARK_MAX_STEPS"`
	WASMDir          string        `yaml:"wasm_dir" env:"WASM_DIR"`
	WASMMemoryPages  uint32        `yaml:"wasm_memory_pages" env:"WASM_MEMORY_PAGES"`
	RunnerPath       string        `yaml:"runner_path" env:"RUNNER_PATH"`
	RunnerArgs       []string      `yaml:"runner_args" env:"RUNNER_ARGS"`
	Timeout          time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gte=0"`

	// Routes sends run codes with a given prefix to a named runtime
	// (starlark, wasm or process). Others go to Runtime.
	Routes map[string]string `yaml:"routes" env:"ROUTES"`

	// Remote starts the process runtime's runner over SSH when Remote.Host
	// is set. RunnerPath is then the path on the remote host.
	Remote ssh.Config `yaml:"remote" envPrefix:"REMOTE_"`

	// RemoteUpload is a local runner binary copied to RunnerPath before launch.
	RemoteUpload string `yaml:"remote_upload" env:"REMOTE_UPLOAD"`
}

// PolicyConfig configures the admission policy gate.
type PolicyConfig struct {
	Enabled bool     `yaml:"enabled" env:"ENABLED"`
	Paths   []string `yaml:"paths" env:"PATHS"`
	Watch   bool     `yaml:"watch" env:"WATCH"`
}

// Default returns the settings used when no file or environment overrides
// them.
func Default() *Settings {
	retry := engine.DefaultRetryPolicy()
	return &Settings{
		SpecDir: "specs",
		Database: DatabaseConfig{
			Path:            "sagaflow.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Locks: LocksConfig{
			Backend: LockBackendSQLite,
			TTL:     5 * time.Minute,
			Redis: RedisConfig{
				Addr:   "localhost:6379",
				Prefix: "sagaflow:lock:",
			},
		},
		Executor: ExecutorConfig{
			OnPersistenceFailure: string(engine.PersistenceEscalate),
			RetryMaxAttempts:     retry.MaxAttempts,
			RetryBaseDelay:       retry.BaseDelay,
			RetryMaxDelay:        retry.MaxDelay,
		},
		Procedures: ProceduresConfig{
			Runtime:     RuntimeAuto,
			StarlarkDir: "procedures",
			WASMDir:     "procedures",
			Timeout:     30 * time.Second,
			Remote:      *ssh.DefaultConfig("", ""),
		},
		Policy: PolicyConfig{
			Enabled: true,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// RetryPolicy returns the ledger retry policy.
func (s *Settings) RetryPolicy() engine.RetryPolicy {
	return engine.RetryPolicy{
		MaxAttempts: s.Executor.RetryMaxAttempts,
		BaseDelay:   s.Executor.RetryBaseDelay,
		MaxDelay:    s.Executor.RetryMaxDelay,
	}
}
