package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SAGAFLOW_"

// ValidationError reports every invalid setting at once.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid settings: %s", strings.Join(e.Problems, "; "))
}

// Loader builds Settings from defaults, an optional file and the
// environment, in that order.
type Loader struct {
	// Environment replaces os.Environ when set.
	Environment map[string]string

	validator *validator.Validate
	cue       *cue.Context
}

// NewLoader creates a loader reading the process environment.
func NewLoader() *Loader {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return yamlName(fld.Tag.Get("yaml"), fld.Name)
	})
	return &Loader{validator: v, cue: cuecontext.New()}
}

// Load reads settings. An empty path skips the file layer.
func (l *Loader) Load(path string) (*Settings, error) {
	s := Default()

	if path != "" {
		if err := l.loadFile(path, s); err != nil {
			return nil, err
		}
	}

	opts := env.Options{Prefix: EnvPrefix}
	if l.Environment != nil {
		opts.Environment = l.Environment
	}
	if err := env.ParseWithOptions(s, opts); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := l.Validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Load is a shorthand for NewLoader().Load(path).
func Load(path string) (*Settings, error) {
	return NewLoader().Load(path)
}

// loadFile overlays a YAML, JSON or CUE file onto s. Keys absent from the
// file keep their current values.
func (l *Loader) loadFile(path string, s *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
	case ".cue":
		// CUE exports to JSON, which the YAML decoder accepts.
		val := l.cue.CompileBytes(data, cue.Filename(path))
		if err := val.Err(); err != nil {
			return fmt.Errorf("invalid CUE settings %s: %s", path, cueerrors.Details(err, nil))
		}
		if err := val.Validate(cue.Concrete(true)); err != nil {
			return fmt.Errorf("incomplete CUE settings %s: %s", path, cueerrors.Details(err, nil))
		}
		data, err = val.MarshalJSON()
		if err != nil {
			return fmt.Errorf("failed to export CUE settings: %w", err)
		}
	default:
		return fmt.Errorf("unsupported settings file type: %s", path)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	return nil
}

// Validate checks struct tags, cross-field rules and the telemetry config.
func (l *Loader) Validate(s *Settings) error {
	var problems []string

	if err := l.validator.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate settings: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	if s.Locks.Backend == LockBackendRedis && s.Locks.Redis.Addr == "" {
		problems = append(problems, "locks.redis.addr is required for the redis backend")
	}
	usesProcess := s.Procedures.Runtime == RuntimeProcess
	for prefix, name := range s.Procedures.Routes {
		switch name {
		case RuntimeStarlark, RuntimeWASM:
		case RuntimeProcess:
			usesProcess = true
		default:
			problems = append(problems, fmt.Sprintf("procedures.routes[%s] must be one of [starlark wasm process], got %s", prefix, name))
		}
	}
	if usesProcess && s.Procedures.RunnerPath == "" {
		problems = append(problems, "procedures.runner_path is required for the process runtime")
	}
	if usesProcess && s.Procedures.Remote.Enabled() {
		if err := s.Procedures.Remote.Validate(); err != nil {
			problems = append(problems, "procedures.remote: "+err.Error())
		}
	}
	if s.Procedures.RemoteUpload != "" && !s.Procedures.Remote.Enabled() {
		problems = append(problems, "procedures.remote_upload needs procedures.remote.host")
	}
	if s.Policy.Watch && len(s.Policy.Paths) == 0 {
		problems = append(problems, "policy.watch needs at least one policy path")
	}
	if err := s.Telemetry.Validate(); err != nil {
		problems = append(problems, "telemetry: "+err.Error())
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Settings.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}

func yamlName(tag, fallback string) string {
	name := strings.SplitN(tag, ",", 2)[0]
	switch name {
	case "-":
		return ""
	case "":
		return fallback
	default:
		return name
	}
}
