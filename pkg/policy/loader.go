package policy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 300 * time.Millisecond

// decoders turn file contents into a policy, keyed by extension.
var decoders = map[string]func(path string, data []byte) (*Policy, error){
	".rego": decodeRego,
	".json": decodeJSON,
}

func isPolicyFile(path string) bool {
	_, ok := decoders[filepath.Ext(path)]
	return ok
}

// Loader reads policies from .rego modules and .json definitions and
// watches them for changes.
type Loader struct {
	logger zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{logger: logger.With().Str("component", "policy-loader").Logger()}
}

// LoadFromPaths loads every policy named by paths. A path may be a file or
// a directory searched recursively. Broken files inside a directory are
// logged and skipped; a broken file named directly is an error.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, root := range paths {
		found, err := l.collect(ctx, root)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", root, err)
		}
		all = append(all, found...)
	}
	l.logger.Debug().Int("total", len(all)).Int("sources", len(paths)).Msg("Policies loaded")
	return all, nil
}

func (l *Loader) collect(ctx context.Context, root string) ([]Policy, error) {
	var found []Policy
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		explicit := path == root
		if !explicit && !isPolicyFile(path) {
			return nil
		}

		p, err := l.readPolicy(path)
		switch {
		case err == nil:
			found = append(found, *p)
		case explicit:
			return err
		default:
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping unreadable policy file")
		}
		return nil
	})
	return found, err
}

// readPolicy loads a single policy file.
func (l *Loader) readPolicy(path string) (*Policy, error) {
	decode, ok := decoders[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("unsupported policy file type: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := decode(path, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.Source = path
	if p.LoadedAt.IsZero() {
		p.LoadedAt = time.Now().UTC()
	}
	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy file read")
	return p, nil
}

// decodeRego names the policy after its file and describes it with the
// module's leading comment block.
func decodeRego(path string, data []byte) (*Policy, error) {
	src := string(data)
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: leadingComment(src),
		Rego:        src,
		Enabled:     true,
	}, nil
}

// decodeJSON reads a definition that carries its Rego inline. Files can
// never mark themselves built-in.
func decodeJSON(_ string, data []byte) (*Policy, error) {
	p := Policy{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid JSON policy: %w", err)
	}
	switch {
	case p.Name == "":
		return nil, errors.New("JSON policy has no name")
	case p.Rego == "":
		return nil, fmt.Errorf("JSON policy %s has no rego", p.Name)
	}
	p.Builtin = false
	return &p, nil
}

// leadingComment joins the "#" lines before the first statement.
func leadingComment(src string) string {
	var parts []string
	sc := bufio.NewScanner(strings.NewReader(src))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		text, isComment := strings.CutPrefix(line, "#")
		if !isComment {
			if line != "" && len(parts) > 0 {
				break
			}
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// Watch reloads the policies under paths after any policy file there
// changes and hands them to apply. It replaces a previous watch.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	for _, root := range paths {
		if err := addTree(w, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Cannot watch policy path")
		}
	}

	l.mu.Lock()
	if l.watcher != nil {
		_ = l.watcher.Close()
	}
	l.watcher = w
	l.mu.Unlock()

	go l.loop(ctx, w, paths, apply)
	l.logger.Info().Int("paths", len(paths)).Msg("Watching policy paths")
	return nil
}

// addTree watches root, or every directory below it.
func addTree(w *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return w.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return w.Add(path)
	})
}

const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

func (l *Loader) loop(ctx context.Context, w *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	debounce := time.NewTimer(reloadDelay)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&relevantOps == 0 || !isPolicyFile(ev.Name) {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Stringer("op", ev.Op).Msg("Policy file changed")
			debounce.Reset(reloadDelay)
		case <-debounce.C:
			policies, err := l.LoadFromPaths(ctx, paths)
			if err == nil {
				err = apply(policies)
			}
			if err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed")
				continue
			}
			l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// StopWatching ends the current watch, if any.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
