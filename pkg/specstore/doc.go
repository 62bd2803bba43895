// Package specstore resolves orchestration identifiers to specs.
//
// A Resolver looks up (smart_code, tenant_id) against an engine.SpecSource,
// preferring the tenant's override and falling back to the platform default
// registered under the empty tenant. Resolutions are cached in a Cache owned by
// the Resolver; Invalidate drops entries explicitly.
//
// Two sources are provided:
//
//   - MemorySource: an in-process registry for tests and embedders
//   - DirectorySource: JSON, YAML and CUE files under <root>/platform and
//     <root>/tenants/<tenant>
//
// A Watcher reloads a DirectorySource on file changes and invalidates the
// affected cache entries.
package specstore
