package policy

import (
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

// DefaultDebounce is how long a Watcher waits for policy writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Source reads policies from files and directories. A .rego file is one
// policy named after the file. A .json file holds either a single Policy or
// a bundle: {"name", "version", "policies": [...]}. Bundle members are tagged
// with the bundle name and version.
type Source struct {
	paths  []string
	logger zerolog.Logger
}

// NewSource creates a source over the given files or directories.
func NewSource(logger zerolog.Logger, paths ...string) *Source {
	return &Source{
		paths:  paths,
		logger: logger.With().Str("component", "policy-source").Logger(),
	}
}

// Load reads every policy under the source paths. A named file that cannot
// be parsed is an error; a bad file found while walking a directory is
// logged and skipped so one typo does not drop the whole directory.
func (s *Source) Load(ctx context.Context) ([]Policy, error) {
	var policies []Policy
	for _, path := range s.paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		if !info.IsDir() {
			loaded, err := s.readFile(path)
			if err != nil {
				return nil, err
			}
			policies = append(policies, loaded...)
			continue
		}

		err = filepath.WalkDir(path, func(file string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !policyFile(file) {
				return nil
			}
			loaded, err := s.readFile(file)
			if err != nil {
				s.logger.Warn().Err(err).Str("path", file).Msg("Skipping policy file")
				return nil
			}
			policies = append(policies, loaded...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", path, err)
		}
	}

	s.logger.Debug().
		Int("policies", len(policies)).
		Int("paths", len(s.paths)).
		Msg("Policies read")
	return policies, nil
}

func (s *Source) readFile(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".rego":
		return []Policy{regoPolicy(path, string(data), info.ModTime())}, nil
	case ".json":
		return jsonPolicies(path, data, info.ModTime())
	default:
		return nil, fmt.Errorf("unsupported policy file %s", path)
	}
}

func regoPolicy(path, src string, modified time.Time) Policy {
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Description: regoDescription(src),
		Rego:        src,
		Severity:    SeverityWarning,
		Enabled:     true,
		Source:      path,
		CreatedAt:   modified,
		UpdatedAt:   modified,
	}
}

// policyDoc decodes a JSON policy with Enabled defaulting to true.
type policyDoc struct {
	Policy
	Enabled *bool `json:"enabled"`
}

func (d policyDoc) policy(source, fallbackName string, modified time.Time) Policy {
	p := d.Policy
	p.Enabled = d.Enabled == nil || *d.Enabled
	if p.Name == "" {
		p.Name = fallbackName
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = modified
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = modified
	}
	p.Source = source
	return p
}

func jsonPolicies(path string, data []byte, modified time.Time) ([]Policy, error) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	var shape map[string]json.RawMessage
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", path, err)
	}

	if _, ok := shape["policies"]; !ok {
		var doc policyDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse policy %s: %w", path, err)
		}
		return []Policy{doc.policy(path, base, modified)}, nil
	}

	var bundle struct {
		Name     string      `json:"name"`
		Version  string      `json:"version"`
		Policies []policyDoc `json:"policies"`
	}
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse bundle %s: %w", path, err)
	}
	if bundle.Name == "" {
		bundle.Name = base
	}

	policies := make([]Policy, 0, len(bundle.Policies))
	for i, doc := range bundle.Policies {
		if doc.Name == "" {
			return nil, fmt.Errorf("bundle %s: policy %d has no name", bundle.Name, i)
		}
		p := doc.policy(path, "", modified)
		p.Tags = append(p.Tags, "bundle:"+bundle.Name)
		if bundle.Version != "" {
			p.Tags = append(p.Tags, "bundle-version:"+bundle.Version)
		}
		policies = append(policies, p)
	}
	return policies, nil
}

// regoDescription joins the first block of non-empty comment lines.
func regoDescription(src string) string {
	var parts []string
	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimSpace(line)
		comment, ok := strings.CutPrefix(line, "#")
		switch {
		case ok:
			if c := strings.TrimSpace(comment); c != "" {
				parts = append(parts, c)
			}
		case line == "":
		case len(parts) > 0:
			return strings.Join(parts, " ")
		}
	}
	return strings.Join(parts, " ")
}

func policyFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".rego", ".json":
		return true
	}
	return false
}

// ReloadFunc receives the re-read policy set, or the error that prevented it.
type ReloadFunc func(policies []Policy, err error)

// Watcher re-reads a Source whenever one of its policy files changes.
type Watcher struct {
	source   *Source
	debounce time.Duration
	logger   zerolog.Logger

	files map[string]bool
	roots []string

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher over source.
func NewWatcher(source *Source, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		source:   source,
		debounce: debounce,
		logger:   source.logger.With().Str("component", "policy-watcher").Logger(),
		files:    make(map[string]bool),
	}
}

// Start begins watching. onReload runs on a background goroutine after each
// debounced change until ctx is done.
func (w *Watcher) Start(ctx context.Context, onReload ReloadFunc) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range w.source.paths {
		info, err := os.Stat(path)
		if err != nil {
			_ = fw.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		if info.IsDir() {
			w.roots = append(w.roots, filepath.Clean(path))
			err = addTree(fw, path)
		} else {
			// Editors often replace files, so watch the containing directory.
			w.files[filepath.Clean(path)] = true
			err = fw.Add(filepath.Dir(path))
		}
		if err != nil {
			_ = fw.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	go w.processEvents(ctx, fw, onReload)

	w.logger.Info().Strs("paths", w.source.paths).Msg("Watching policies for changes")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, fw *fsnotify.Watcher, onReload ReloadFunc) {
	defer func() { _ = fw.Close() }()

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) && w.underRoot(event.Name) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addTree(fw, event.Name); err != nil {
						w.logger.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !w.relevant(event.Name) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, func() {
				policies, err := w.source.Load(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					w.logger.Warn().Err(err).Msg("Policy reload failed")
				}
				onReload(policies, err)
			})
			w.mu.Unlock()

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// relevant keeps events for named policy files and for policy files
// anywhere under a watched directory.
func (w *Watcher) relevant(name string) bool {
	if w.files[filepath.Clean(name)] {
		return true
	}
	return policyFile(name) && w.underRoot(name)
}

func (w *Watcher) underRoot(name string) bool {
	name = filepath.Clean(name)
	for _, root := range w.roots {
		if rel, err := filepath.Rel(root, name); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func addTree(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
}
