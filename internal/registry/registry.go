// Package registry discovers installed adapter packages on disk and
// maps an adapter type to its entry path (spec §4.3).
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// manifestFileName is the well-known relative filename a package
// directory must contain (spec §6 "Manifest file").
const manifestFileName = "adapter.json"

// ErrUnknownType is returned by Resolve when no manifest declares the
// requested adapter type (spec §7 UnknownAdapterType).
var ErrUnknownType = errors.New("registry: unknown adapter type")

// SetupCapability describes one onboarding capability (discover or
// pair) an adapter declares in its manifest.
type SetupCapability struct {
	Description string `json:"description"`
}

// Setup groups the onboarding capabilities a manifest may declare.
type Setup struct {
	Discover *SetupCapability `json:"discover,omitempty"`
	Pair     *SetupCapability `json:"pair,omitempty"`
}

// manifest is the on-disk shape of adapter.json.
type manifest struct {
	Type          string `json:"type"`
	Entry         string `json:"entry"`
	MultiInstance bool   `json:"multiInstance"`
	Setup         *Setup `json:"setup,omitempty"`
}

// entry is a resolved manifest: the entry path made absolute relative
// to the manifest's own directory.
type entry struct {
	entryPath     string
	multiInstance bool
	setup         *Setup
}

// Registry scans one or more package directories for manifests and
// resolves adapter types to entry paths. Manifests are read-only
// during a run except via an explicit Rescan.
type Registry struct {
	mu     sync.RWMutex
	dirs   []string
	byType map[string]entry
}

// New scans dirs immediately and returns a ready Registry.
func New(dirs ...string) (*Registry, error) {
	r := &Registry{dirs: dirs}
	if err := r.Rescan(); err != nil {
		return nil, err
	}
	return r, nil
}

// Rescan reloads every manifest under the registry's package
// directories, replacing the in-memory type map atomically.
func (r *Registry) Rescan() error {
	byType := make(map[string]entry)

	for _, dir := range r.dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() || d.Name() != manifestFileName {
				return nil
			}

			m, parseErr := parseManifest(path)
			if parseErr != nil {
				log.Warn().Err(parseErr).Str("path", path).Msg("Skipping invalid adapter manifest")
				return nil
			}

			byType[m.Type] = entry{
				entryPath:     filepath.Join(filepath.Dir(path), m.Entry),
				multiInstance: m.MultiInstance,
				setup:         m.Setup,
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("registry: scan %s: %w", dir, err)
		}
	}

	r.mu.Lock()
	r.byType = byType
	r.mu.Unlock()
	return nil
}

func parseManifest(path string) (manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return manifest{}, fmt.Errorf("read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Type == "" {
		return manifest{}, fmt.Errorf("manifest missing type")
	}
	if m.Entry == "" {
		return manifest{}, fmt.Errorf("manifest missing entry")
	}
	return m, nil
}

// Resolve returns the entry path for an adapter type.
func (r *Registry) Resolve(adapterType string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byType[adapterType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownType, adapterType)
	}
	return e.entryPath, nil
}

// Setup returns the onboarding capabilities declared for adapterType,
// or nil if the type does not declare any (or is unknown).
func (r *Registry) Setup(adapterType string) *Setup {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byType[adapterType]
	if !ok {
		return nil
	}
	return e.setup
}

// MultiInstance reports whether multiple configured adapters of this
// type are permitted.
func (r *Registry) MultiInstance(adapterType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[adapterType].multiInstance
}

// Types returns every currently known adapter type.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	return out
}

// WatchForChanges starts an fsnotify watch over the registry's package
// directories and calls onRescan (best-effort; errors are logged) each
// time a manifest file is created, written, or removed. The returned
// stop function closes the watcher.
func (r *Registry) WatchForChanges(onRescan func()) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("registry: create watcher: %w", err)
	}

	for _, dir := range r.dirs {
		if addErr := watchTree(watcher, dir); addErr != nil {
			log.Warn().Err(addErr).Str("dir", dir).Msg("Failed to watch adapter package directory")
		}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != manifestFileName {
					continue
				}
				if err := r.Rescan(); err != nil {
					log.Warn().Err(err).Msg("Adapter registry rescan failed")
					continue
				}
				if onRescan != nil {
					onRescan()
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(watchErr).Msg("Adapter registry watcher error")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = watcher.Close()
	}, nil
}

func watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
