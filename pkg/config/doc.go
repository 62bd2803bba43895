// Package config loads SagaFlow settings.
//
// Settings are layered: Default() first, then an optional file, then
// environment variables prefixed with SAGAFLOW_. The file may be YAML, JSON
// or CUE; CUE files are evaluated and must be concrete. Environment names
// follow the nesting of the settings, for example
//
//	SAGAFLOW_SPEC_DIR=/etc/sagaflow/specs
//	SAGAFLOW_DB_PATH=/var/lib/sagaflow/sagaflow.db
//	SAGAFLOW_LOCKS_BACKEND=redis
//	SAGAFLOW_LOCKS_REDIS_ADDR=redis:6379
//	SAGAFLOW_PROCEDURES_RUNTIME=process
//	SAGAFLOW_PROCEDURES_ROUTES=HERA.FIN.:wasm,HERA.SALON.:starlark
//	SAGAFLOW_PROCEDURES_REMOTE_HOST=runner.internal
//	SAGAFLOW_TELEMETRY_LOG_LEVEL=debug
//
// The result is validated as a whole; a *ValidationError lists every
// problem found.
package config
