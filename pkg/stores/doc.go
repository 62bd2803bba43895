// Package stores provides the durable persistence layer for SagaFlow.
//
// SQLiteStore is the engine's append-only Auditor (the unique idempotency key
// arbitrates concurrent writers), a TTL-bounded LockManager, and the run,
// compensation, and event history behind the CLI. Schema changes ship as
// embedded golang-migrate migrations.
//
// RedisLockManager is an alternative LockManager for invocations spread over
// several processes or hosts.
package stores
