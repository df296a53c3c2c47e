package vfs

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"siyuan-fuse/siyuan"
)

// StoreFactory creates the remote store for a connection config.
type StoreFactory func(cfg siyuan.Config) siyuan.Store

// Manager holds one FileSystem per named connection ("instance"). Caches
// are never shared between instances.
type Manager struct {
	opts     Options
	newStore StoreFactory

	mu        sync.RWMutex
	instances map[string]*managedFS
}

// managedFS holds a FileSystem and the config its store was created with,
// to detect connection changes.
type managedFS struct {
	fs  *FileSystem
	cfg siyuan.Config
}

// NewManager creates a manager whose filesystems are built with opts
// (Instance is set per connection). A nil newStore creates siyuan.Clients
// sharing opts' logger and metrics.
func NewManager(opts Options, newStore StoreFactory) *Manager {
	if newStore == nil {
		newStore = func(cfg siyuan.Config) siyuan.Store {
			return siyuan.NewClient(cfg, siyuan.WithLogger(opts.Logger), siyuan.WithMetrics(opts.Metrics))
		}
	}
	return &Manager{
		opts:      opts,
		newStore:  newStore,
		instances: make(map[string]*managedFS),
	}
}

// Ensure returns the FileSystem for name, creating it on first use. When cfg
// differs from the config the instance was created with, the existing
// FileSystem switches to a new store and drops its caches, so hosts holding
// it keep working.
func (m *Manager) Ensure(name string, cfg siyuan.Config) (*FileSystem, error) {
	if name == "" {
		name = DefaultInstance
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("instance %q: no base URL configured", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if mf, ok := m.instances[name]; ok {
		if !mf.cfg.Equal(cfg) {
			mf.fs.UpdateConnection(m.newStore(cfg))
			mf.cfg = cfg
			m.logger().Info("instance reconfigured", zap.String("instance", name))
		}
		return mf.fs, nil
	}

	opts := m.opts
	opts.Instance = name
	fs := New(m.newStore(cfg), opts)
	m.instances[name] = &managedFS{fs: fs, cfg: cfg}
	m.logger().Info("instance created", zap.String("instance", name))
	return fs, nil
}

// Get returns the FileSystem for name. Ensure must have been called first.
func (m *Manager) Get(name string) (*FileSystem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mf, ok := m.instances[name]
	if !ok {
		return nil, fmt.Errorf("instance %q not found: ensure it is configured first", name)
	}
	return mf.fs, nil
}

// Names returns the configured instance names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.instances))
	for name := range m.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove closes and forgets the instance called name.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	mf, ok := m.instances[name]
	delete(m.instances, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return mf.fs.Close()
}

// Close closes every instance and returns all failures combined.
func (m *Manager) Close() error {
	m.mu.Lock()
	instances := m.instances
	m.instances = make(map[string]*managedFS)
	m.mu.Unlock()

	var result *multierror.Error
	for name, mf := range instances {
		if err := mf.fs.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("instance %q: %w", name, err))
		}
	}
	return result.ErrorOrNil()
}

func (m *Manager) logger() *zap.Logger {
	if m.opts.Logger == nil {
		return zap.NewNop()
	}
	return m.opts.Logger
}
