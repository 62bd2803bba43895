package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sagaflow/sagaflow/pkg/config"
	"github.com/sagaflow/sagaflow/pkg/engine"
	"github.com/sagaflow/sagaflow/pkg/policy"
	"github.com/sagaflow/sagaflow/pkg/procedure"
	"github.com/sagaflow/sagaflow/pkg/specstore"
	"github.com/sagaflow/sagaflow/pkg/stores"
	"github.com/sagaflow/sagaflow/pkg/telemetry"
	"github.com/sagaflow/sagaflow/pkg/transports/ssh"
)

// app holds everything a command needs, wired from settings.
type app struct {
	settings *config.Settings
	logger   zerolog.Logger
	tel      *telemetry.Telemetry

	source   *specstore.DirectorySource
	resolver *specstore.Resolver
	store    *stores.SQLiteStore
	locks    engine.LockManager
	redis    *redis.Client
	checker  *policy.Checker
	runtime  engine.ProcedureRuntime
	executor *engine.Executor

	// loadProblems are spec files that could not be registered.
	loadProblems []string

	closers []func(context.Context) error
}

// appNeeds selects the parts a command wires.
type appNeeds struct {
	store    bool
	runtime  bool
	executor bool
}

// loadSettings reads the config file and applies the persistent flags.
func loadSettings() (*config.Settings, error) {
	s, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if specDir != "" {
		s.SpecDir = specDir
	}
	if dbPath != "" {
		s.Database.Path = dbPath
	}
	if runtimeFlag != "" {
		s.Procedures.Runtime = runtimeFlag
	}
	if verbose {
		s.Telemetry.Logging.Level = "debug"
	}
	if err := config.NewLoader().Validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

func newApp(ctx context.Context, needs appNeeds) (*app, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&settings.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		settings: settings,
		tel:      tel,
		logger:   tel.Logger.Zerolog(),
	}
	a.closers = append(a.closers, tel.Shutdown)

	if err := a.wireSpecs(); err != nil {
		a.close()
		return nil, err
	}

	if needs.store {
		if err := a.wireStore(ctx); err != nil {
			a.close()
			return nil, err
		}
	}

	if settings.Policy.Enabled {
		if err := a.wirePolicy(ctx); err != nil {
			a.close()
			return nil, err
		}
	}

	if needs.runtime {
		if err := a.wireRuntime(ctx); err != nil {
			a.close()
			return nil, err
		}
	}

	if needs.executor {
		if err := a.wireExecutor(); err != nil {
			a.close()
			return nil, err
		}
	}

	return a, nil
}

func (a *app) wireSpecs() error {
	a.source = specstore.NewDirectorySource(a.settings.SpecDir, a.logger)
	if err := a.source.Load(); err != nil {
		var loadErr *specstore.LoadError
		if !errors.As(err, &loadErr) {
			return err
		}
		for _, problem := range loadErr.Problems {
			log.Warn().Msg(problem)
		}
		a.loadProblems = loadErr.Problems
	}
	a.resolver = specstore.NewResolver(a.source, a.logger)
	return nil
}

func (a *app) wireStore(ctx context.Context) error {
	db := a.settings.Database
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            db.Path,
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
		LockTTL:         a.settings.Locks.TTL,
	})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.store = store
	a.closers = append(a.closers, func(ctx context.Context) error {
		// Drain queued events into the store before it closes.
		if err := a.tel.Events.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Event drain incomplete")
		}
		return store.Close()
	})

	// Persist every engine event for the history command.
	a.tel.Events.Subscribe(func(ctx context.Context, ev telemetry.Event) {
		if err := store.RecordEvent(ctx, ev.ID, ev.Event); err != nil {
			a.logger.Warn().Err(err).Str("event_id", ev.ID).Msg("Failed to persist event")
		}
	}, nil)

	switch a.settings.Locks.Backend {
	case config.LockBackendSQLite:
		a.locks = store
	case config.LockBackendRedis:
		r := a.settings.Locks.Redis
		a.redis = redis.NewClient(&redis.Options{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
		})
		a.closers = append(a.closers, func(context.Context) error { return a.redis.Close() })
		locks := stores.NewRedisLockManager(a.redis, stores.RedisLockConfig{
			Prefix: r.Prefix,
			TTL:    a.settings.Locks.TTL,
		})
		if err := locks.Ping(ctx); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", r.Addr, err)
		}
		a.locks = locks
	default:
		a.locks = engine.NewMemoryLockManager()
	}
	return nil
}

func (a *app) wirePolicy(ctx context.Context) error {
	checker, err := policy.NewChecker(ctx, a.logger)
	if err != nil {
		return err
	}
	if paths := a.settings.Policy.Paths; len(paths) > 0 {
		if err := checker.LoadPolicies(ctx, paths); err != nil {
			return err
		}
		if a.settings.Policy.Watch {
			if err := checker.Watch(ctx, paths); err != nil {
				return err
			}
			a.closers = append(a.closers, func(context.Context) error { return checker.Close() })
		}
	}
	a.checker = checker
	return nil
}

func (a *app) wireRuntime(ctx context.Context) error {
	p := a.settings.Procedures
	built := map[string]engine.ProcedureRuntime{}

	var build func(name string) (engine.ProcedureRuntime, error)
	build = func(name string) (engine.ProcedureRuntime, error) {
		if rt, ok := built[name]; ok {
			return rt, nil
		}
		var rt engine.ProcedureRuntime
		switch name {
		case config.RuntimeStarlark:
			rt = procedure.NewStarlarkRuntime(procedure.StarlarkConfig{
				Dir:      p.StarlarkDir,
				Timeout:  p.Timeout,
				MaxSteps: p.StarlarkMaxSteps,
			}, a.logger)
		case config.RuntimeWASM:
			w, err := procedure.NewWASMRuntime(ctx, procedure.WASMConfig{
				Dir:              p.WASMDir,
				Timeout:          p.Timeout,
				MemoryLimitPages: p.WASMMemoryPages,
			}, a.logger)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, w.Close)
			rt = w
		case config.RuntimeProcess:
			proc, err := a.startRunner(ctx)
			if err != nil {
				return nil, err
			}
			rt = proc
		default:
			s, err := build(config.RuntimeStarlark)
			if err != nil {
				return nil, err
			}
			w, err := build(config.RuntimeWASM)
			if err != nil {
				return nil, err
			}
			rt = procedure.Chain{s, w}
		}
		built[name] = rt
		return rt, nil
	}

	rt, err := build(p.Runtime)
	if err != nil {
		return err
	}

	if len(p.Routes) > 0 {
		router := procedure.NewRouter(rt)
		for prefix, name := range p.Routes {
			target, err := build(name)
			if err != nil {
				return err
			}
			router.Route(prefix, target)
		}
		rt = router
	}

	a.runtime = a.tel.InstrumentRuntime(rt)
	return nil
}

// startRunner launches the procedure runner locally or, when a remote host
// is configured, over SSH.
func (a *app) startRunner(ctx context.Context) (*procedure.ProcessRuntime, error) {
	p := a.settings.Procedures

	var launcher procedure.Launcher = &procedure.ExecLauncher{
		Path: p.RunnerPath,
		Args: p.RunnerArgs,
		Env:  os.Environ(),
	}
	if p.Remote.Enabled() {
		remote := p.Remote
		launcher = &ssh.RunnerLauncher{
			Config:      &remote,
			LocalBinary: p.RemoteUpload,
			RemotePath:  p.RunnerPath,
			Args:        p.RunnerArgs,
			Logger:      a.logger,
		}
	}

	proc, err := procedure.NewProcessRuntime(procedure.ProcessConfig{
		Launcher:       launcher,
		CommandTimeout: p.Timeout,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	if err := proc.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start procedure runner: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { return proc.Close() })
	return proc, nil
}

func (a *app) wireExecutor() error {
	cfg := engine.ExecutorConfig{
		Resolver:             a.resolver,
		Runtime:              a.runtime,
		Events:               a.tel.Events,
		Metrics:              a.tel.Metrics,
		Tracer:               a.tel.Tracer.Tracer(),
		Logger:               a.tel.Logger.NewComponentLogger("executor").Zerolog(),
		Retry:                a.settings.RetryPolicy(),
		OnPersistenceFailure: engine.PersistenceFailurePolicy(a.settings.Executor.OnPersistenceFailure),
		DefaultNodeTimeout:   a.settings.Executor.DefaultNodeTimeout,
	}
	if a.runtime == nil {
		// simulation never invokes procedures
		cfg.Runtime = procedure.NewRegistry()
	}
	if a.store != nil {
		cfg.Auditor = a.store
		cfg.Locks = a.locks
	} else {
		cfg.Auditor = engine.NewMemoryAuditor()
	}
	if a.checker != nil {
		cfg.Policy = a.checker
	}

	executor, err := engine.NewExecutor(cfg)
	if err != nil {
		return err
	}
	a.executor = executor
	return nil
}

// watchSpecs keeps the resolver cache in step with the spec directory.
func (a *app) watchSpecs(ctx context.Context) error {
	w := specstore.NewWatcher(a.source, a.resolver, 0, a.logger)
	return w.Start(ctx)
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			log.Warn().Err(err).Msg("Shutdown step failed")
		}
	}
	a.closers = nil
}
