package specstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

const (
	platformDir = "platform"
	tenantsDir  = "tenants"
)

// LoadError lists the files that could not be registered: unreadable or
// undecodable files, bad smart codes and duplicates. Specs from the other
// files are still registered.
type LoadError struct {
	Root     string
	Problems []string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("spec directory %s: %d problem(s): %s", e.Root, len(e.Problems), strings.Join(e.Problems, "; "))
}

type fileEntry struct {
	spec   *engine.OrchestrationSpec
	path   string
	digest [sha256.Size]byte
}

// DirectorySource loads specs from a directory tree:
//
//	<root>/platform/**/*.{json,yaml,yml,cue}         platform defaults
//	<root>/tenants/<tenant>/**/*.{json,yaml,yml,cue} tenant overrides
//
// Each file holds exactly one spec.
type DirectorySource struct {
	root     string
	logger   zerolog.Logger
	validate *validator.Validate
	cue      *cue.Context

	// reloadMu serializes reloads; the CUE context is not safe for concurrent use.
	reloadMu sync.Mutex

	mu      sync.RWMutex
	entries map[Key]fileEntry
}

// NewDirectorySource creates a source rooted at root. Call Load before use.
func NewDirectorySource(root string, logger zerolog.Logger) *DirectorySource {
	return &DirectorySource{
		root:     root,
		logger:   logger.With().Str("component", "spec-directory").Logger(),
		validate: NewValidator(),
		cue:      cuecontext.New(),
		entries:  make(map[Key]fileEntry),
	}
}

// Root returns the directory the source reads from.
func (d *DirectorySource) Root() string {
	return d.root
}

// Load reads the directory tree and replaces the registered specs. A *LoadError
// is returned when some files failed; the rest are still registered.
func (d *DirectorySource) Load() error {
	_, err := d.Reload()
	return err
}

// Reload re-reads the directory tree and returns the keys whose spec was added,
// removed, or changed.
func (d *DirectorySource) Reload() ([]Key, error) {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	if _, err := os.Stat(d.root); err != nil {
		return nil, fmt.Errorf("failed to stat spec directory: %w", err)
	}

	next := make(map[Key]fileEntry)
	var problems []string

	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !IsSpecFile(path) {
			return nil
		}

		tenantID, ok := d.tenantFor(path)
		if !ok {
			d.logger.Debug().Str("file", path).Msg("ignoring spec file outside platform/ and tenants/")
			return nil
		}

		fe, err := d.loadFile(path, tenantID)
		if err != nil {
			problems = append(problems, err.Error())
			return nil
		}

		key := NewKey(fe.spec.SmartCode, tenantID)
		if prev, dup := next[key]; dup {
			problems = append(problems, fmt.Sprintf("%s: duplicate spec %s (also in %s)", path, key, prev.path))
			return nil
		}
		next[key] = fe
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk spec directory: %w", err)
	}

	d.mu.Lock()
	changed := diffEntries(d.entries, next)
	d.entries = next
	d.mu.Unlock()

	d.logger.Info().
		Str("root", d.root).
		Int("specs", len(next)).
		Int("changed", len(changed)).
		Int("problems", len(problems)).
		Msg("spec directory loaded")

	if len(problems) > 0 {
		sort.Strings(problems)
		return changed, &LoadError{Root: d.root, Problems: problems}
	}
	return changed, nil
}

// GetSpec implements engine.SpecSource.
func (d *DirectorySource) GetSpec(_ context.Context, smartCode, tenantID string) (*engine.OrchestrationSpec, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fe, ok := d.entries[NewKey(smartCode, tenantID)]
	if !ok {
		return nil, nil
	}
	return fe.spec, nil
}

// ListSpecs implements engine.SpecSource.
func (d *DirectorySource) ListSpecs(_ context.Context) ([]engine.SpecRef, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	refs := make([]engine.SpecRef, 0, len(d.entries))
	for _, fe := range d.entries {
		refs = append(refs, refOf(fe.spec))
	}
	return refs, nil
}

// tenantFor maps a file path to the tenant it belongs to.
func (d *DirectorySource) tenantFor(path string) (string, bool) {
	rel, err := filepath.Rel(d.root, path)
	if err != nil {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	switch {
	case len(parts) >= 2 && parts[0] == platformDir:
		return engine.PlatformTenant, true
	case len(parts) >= 3 && parts[0] == tenantsDir && parts[1] != "":
		return parts[1], true
	}
	return "", false
}

// loadFile decodes one spec. Only an unusable smart code rejects the file;
// structural problems in the body are left for engine.Validate so that
// callers see every violation instead of a missing spec.
func (d *DirectorySource) loadFile(path, tenantID string) (fileEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileEntry{}, fmt.Errorf("%s: failed to read: %w", path, err)
	}

	spec, err := d.decode(path, data)
	if err != nil {
		return fileEntry{}, fmt.Errorf("%s: %w", path, err)
	}

	if err := d.validate.Struct(spec); err != nil {
		return fileEntry{}, fmt.Errorf("%s: %s", path, strings.Join(describeValidation(err), "; "))
	}

	spec.TenantID = tenantID
	spec.Source = path
	return fileEntry{spec: spec, path: path, digest: sha256.Sum256(data)}, nil
}

// decode parses one spec file according to its extension.
func (d *DirectorySource) decode(path string, data []byte) (*engine.OrchestrationSpec, error) {
	var spec engine.OrchestrationSpec

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}

	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&spec); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		spec.Nodes = normalizeYAMLMetadata(spec.Nodes)

	case ".cue":
		val := d.cue.CompileBytes(data, cue.Filename(path))
		if err := val.Err(); err != nil {
			return nil, fmt.Errorf("invalid CUE: %s", cueerrors.Details(err, nil))
		}
		if err := val.Validate(cue.Concrete(true)); err != nil {
			return nil, fmt.Errorf("incomplete CUE value: %s", cueerrors.Details(err, nil))
		}
		if err := val.Decode(&spec); err != nil {
			return nil, fmt.Errorf("failed to decode CUE value: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported spec format %q", filepath.Ext(path))
	}

	return &spec, nil
}

// normalizeYAMLMetadata converts the map[interface{}]interface{} values yaml.v3
// can produce for nested mappings into JSON-compatible maps.
func normalizeYAMLMetadata(nodes []engine.Node) []engine.Node {
	for i := range nodes {
		for k, v := range nodes[i].Metadata {
			nodes[i].Metadata[k] = jsonCompatible(v)
		}
	}
	return nodes
}

func jsonCompatible(v interface{}) interface{} {
	switch x := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, item := range x {
			out[fmt.Sprint(k)] = jsonCompatible(item)
		}
		return out
	case map[string]interface{}:
		for k, item := range x {
			x[k] = jsonCompatible(item)
		}
		return x
	case []interface{}:
		for i, item := range x {
			x[i] = jsonCompatible(item)
		}
		return x
	}
	return v
}

// diffEntries returns the keys added, removed, or modified between two loads.
func diffEntries(prev, next map[Key]fileEntry) []Key {
	var changed []Key
	for k, fe := range next {
		if old, ok := prev[k]; !ok || old.digest != fe.digest || old.path != fe.path {
			changed = append(changed, k)
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].String() < changed[j].String() })
	return changed
}

// IsSpecFile reports whether path has a supported spec extension.
func IsSpecFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml", ".cue":
		return true
	}
	return false
}
