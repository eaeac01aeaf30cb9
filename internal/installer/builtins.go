package installer

import (
	"embed"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"skillhub/internal/api"
	"skillhub/pkg/logging"
)

// BuiltinPackagePrefix marks packages the platform ships with and installs
// lazily on first invocation.
const BuiltinPackagePrefix = "skill.builtin."

// IsBuiltin reports whether a package id belongs to the bundled skill set.
func IsBuiltin(packageID string) bool {
	return strings.HasPrefix(packageID, BuiltinPackagePrefix)
}

//go:embed resources/*.json
var builtinManifests embed.FS

// BuiltinLibrary loads bundled skill manifests. Manifests are embedded in the
// binary; an optional override directory takes precedence and is watched so
// edited files invalidate the cache without a restart.
type BuiltinLibrary struct {
	overrideDir string

	mu    sync.RWMutex
	cache map[string]*api.Manifest

	watcher *fsnotify.Watcher
}

// NewBuiltinLibrary creates a library. overrideDir may be empty.
func NewBuiltinLibrary(overrideDir string) *BuiltinLibrary {
	return &BuiltinLibrary{
		overrideDir: overrideDir,
		cache:       make(map[string]*api.Manifest),
	}
}

// Load returns the validated manifest for a bundled package. Manifests live
// as <package_id>.json, first in the override directory, then embedded.
func (l *BuiltinLibrary) Load(packageID string) (*api.Manifest, error) {
	l.mu.RLock()
	if m, ok := l.cache[packageID]; ok {
		l.mu.RUnlock()
		return m, nil
	}
	l.mu.RUnlock()

	data, err := l.read(packageID)
	if err != nil {
		return nil, err
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	if m.PackageID != packageID {
		return nil, api.NewError(api.CodeInvalidManifest,
			"builtin manifest file %s.json declares package_id %q", packageID, m.PackageID)
	}

	l.mu.Lock()
	l.cache[packageID] = m
	l.mu.Unlock()
	return m, nil
}

func (l *BuiltinLibrary) read(packageID string) ([]byte, error) {
	name := packageID + ".json"
	if l.overrideDir != "" {
		data, err := os.ReadFile(filepath.Join(l.overrideDir, name))
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	data, err := builtinManifests.ReadFile("resources/" + name)
	if err != nil {
		return nil, api.NewError(api.CodeSkillNotInstalled, "no bundled manifest for package %s", packageID)
	}
	return data, nil
}

// Watch starts an fsnotify watcher on the override directory; any change
// there invalidates the manifest cache. A missing or empty override
// directory configuration disables watching.
func (l *BuiltinLibrary) Watch() error {
	if l.overrideDir == "" {
		return nil
	}
	if _, err := os.Stat(l.overrideDir); os.IsNotExist(err) {
		logging.Debug("BuiltinLibrary", "Override directory %s does not exist, not watching", l.overrideDir)
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(l.overrideDir); err != nil {
		watcher.Close()
		return err
	}
	l.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				logging.Debug("BuiltinLibrary", "Override change %s, invalidating manifest cache", event)
				l.mu.Lock()
				l.cache = make(map[string]*api.Manifest)
				l.mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logging.Warn("BuiltinLibrary", "Watcher error: %v", err)
			}
		}
	}()
	logging.Info("BuiltinLibrary", "Watching %s for manifest overrides", l.overrideDir)
	return nil
}

// Close stops the watcher if one is running.
func (l *BuiltinLibrary) Close() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
