package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/gatebox-dev/gatebox/internal/store"
)

// Sources an active policy can come from.
const (
	SourceFile    = "file"
	SourceStore   = "store"
	SourceAdmin   = "admin"
	SourceDefault = "default"
)

// ErrNoActivePolicy reports an empty or fully disabled policy table.
var ErrNoActivePolicy = errors.New("no enabled policy in store")

// Instance is one constructed, immutable policy. Swapping replaces the whole
// instance; in-flight transactions keep the instance they started with.
type Instance struct {
	Name     string
	Config   map[string]any
	Source   string
	LoadedAt time.Time
	Policy   Policy

	hooks hookSet
}

// Manager owns the process-wide active policy and its source. Reads are
// lock-free; a reload builds the new instance fully before the swap.
type Manager struct {
	active atomic.Pointer[Instance]

	mu       sync.Mutex
	filePath string
	policies store.PolicyRepository
	onSwap   []func(*Instance)

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	running bool
	lastMod time.Time
}

// NewManager returns a manager with no active policy. Callers select a
// source with UseFile or UseStore, or install one directly with Swap.
func NewManager() *Manager {
	return &Manager{}
}

// Active returns the current policy instance, or nil before the first swap.
func (m *Manager) Active() *Instance {
	return m.active.Load()
}

// OnSwap registers a callback invoked after every successful swap.
func (m *Manager) OnSwap(fn func(*Instance)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSwap = append(m.onSwap, fn)
}

// NewInstance builds the named policy and detects its hooks without
// installing it anywhere. Admin validation uses it as a dry run.
func NewInstance(name string, config map[string]any, source string) (*Instance, error) {
	p, err := Build(name, config)
	if err != nil {
		return nil, err
	}
	return &Instance{
		Name:     name,
		Config:   config,
		Source:   source,
		LoadedAt: time.Now().UTC(),
		Policy:   p,
		hooks:    detectHooks(p),
	}, nil
}

// Swap builds the named policy and atomically installs it. The previous
// instance stays active when the build fails.
func (m *Manager) Swap(name string, config map[string]any, source string) (*Instance, error) {
	inst, err := NewInstance(name, config, source)
	if err != nil {
		return nil, err
	}
	m.active.Store(inst)
	logrus.WithFields(logrus.Fields{
		"policy": inst.Name,
		"source": inst.Source,
	}).Info("Active policy swapped")
	m.notify(inst)
	return inst, nil
}

// UseFile selects a policy file as the source and loads it once. Pair with
// Watch for hot reload.
func (m *Manager) UseFile(path string) error {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	m.mu.Lock()
	m.filePath = path
	m.policies = nil
	m.mu.Unlock()
	return m.loadFile(path)
}

// UseStore selects the durable policy table as the source and loads the
// newest enabled row. Returns ErrNoActivePolicy when no row is enabled.
func (m *Manager) UseStore(repo store.PolicyRepository) error {
	m.mu.Lock()
	m.policies = repo
	m.filePath = ""
	m.mu.Unlock()
	return m.loadStore()
}

// Reload re-reads the active source. A no-op when no source is selected.
func (m *Manager) Reload() error {
	m.mu.Lock()
	path, repo := m.filePath, m.policies
	m.mu.Unlock()
	switch {
	case path != "":
		return m.loadFile(path)
	case repo != nil:
		return m.loadStore()
	}
	return nil
}

// Watch starts hot reload of the file source. Editors replace the file on
// save, so the parent directory is watched and events are filtered by name.
func (m *Manager) Watch() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.filePath == "" {
		return fmt.Errorf("policy watch requires a file source")
	}
	if m.running {
		return fmt.Errorf("policy watcher already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	if stat, err := os.Stat(m.filePath); err == nil {
		m.lastMod = stat.ModTime()
	}
	if err := watcher.Add(filepath.Dir(m.filePath)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch policy file: %w", err)
	}

	m.watcher = watcher
	m.stopCh = make(chan struct{})
	m.running = true
	go m.watchLoop()
	return nil
}

// Close stops the watcher, if running.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	m.running = false
	close(m.stopCh)
	return m.watcher.Close()
}

func (m *Manager) loadFile(path string) error {
	spec, err := LoadSpec(path)
	if err != nil {
		return err
	}
	_, err = m.Swap(spec.Name, spec.Config, SourceFile)
	return err
}

func (m *Manager) loadStore() error {
	m.mu.Lock()
	repo := m.policies
	m.mu.Unlock()

	row, err := repo.Active()
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoActivePolicy
		}
		return fmt.Errorf("read active policy: %w", err)
	}
	var config map[string]any
	if row.Config != "" {
		if err := json.Unmarshal([]byte(row.Config), &config); err != nil {
			return fmt.Errorf("decode stored policy %s: %w", row.Name, err)
		}
	}
	_, err = m.Swap(row.Name, config, SourceStore)
	return err
}

func (m *Manager) watchLoop() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !m.isPolicyFileEvent(event) {
				continue
			}
			// Debounce rapid rewrites; editors fire several events per save.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, m.handleFileChange)

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			logrus.Warnf("Policy watcher error: %v", err)

		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) isPolicyFileEvent(event fsnotify.Event) bool {
	m.mu.Lock()
	path := m.filePath
	m.mu.Unlock()
	if event.Name != path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (m *Manager) handleFileChange() {
	m.mu.Lock()
	path := m.filePath
	m.mu.Unlock()

	stat, err := os.Stat(path)
	if err != nil {
		return
	}
	m.mu.Lock()
	if !stat.ModTime().After(m.lastMod) {
		m.mu.Unlock()
		return
	}
	m.lastMod = stat.ModTime()
	m.mu.Unlock()

	// A bad rewrite keeps the previous instance serving.
	if err := m.loadFile(path); err != nil {
		logrus.Errorf("Failed to reload policy file: %v", err)
		return
	}
	logrus.WithField("path", path).Info("Policy file reloaded")
}

func (m *Manager) notify(inst *Instance) {
	m.mu.Lock()
	callbacks := make([]func(*Instance), len(m.onSwap))
	copy(callbacks, m.onSwap)
	m.mu.Unlock()
	for _, fn := range callbacks {
		fn(inst)
	}
}
