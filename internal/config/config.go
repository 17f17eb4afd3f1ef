// Package config loads and hot-reloads the dispatcher's tuning knobs.
// Grounded on msageha-maestro_v2/internal/model's Config-struct-plus-YAML-tags
// convention and internal/yaml's atomic-write/schema-validate pair.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	yamlv3 "gopkg.in/yaml.v3"
)

// DispatcherConfig holds the knobs Init and the worker pool need. Dispatch
// priority is strictly geometric (spec.md §1 Non-goals: "fair scheduling...
// priority is strictly geometric"), so unlike the teacher's
// QueueConfig.PriorityAgingSec there is no aging knob here.
type DispatcherConfig struct {
	SchemaVersion int `yaml:"schema_version"`

	// NumThreads is the worker-thread count Init uses to bound the
	// initial query-subtree frontier (spec.md §4.1).
	NumThreads int `yaml:"num_threads"`

	// MaxFrontierNodes caps how many subtrees Init's partitioner may
	// return; 0 means "use NumThreads" (spec.md §4.1: "roughly one per
	// worker thread, but the external partitioner is free to return more
	// or fewer").
	MaxFrontierNodes int `yaml:"max_frontier_nodes"`

	// DebugAssertions enables panic-on-underflow instead of
	// saturate-at-zero (spec.md §7(c)/(d)).
	DebugAssertions bool `yaml:"debug_assertions"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`
}

// CurrentSchemaVersion is bumped whenever DispatcherConfig's shape changes
// in a way old files can't be read as, mirroring
// internal/yaml.CurrentSchemaVersion.
const CurrentSchemaVersion = 1

// Default returns a DispatcherConfig with sane defaults for a single-
// process demo: one worker thread, MaxFrontierNodes 0 (so the frontier is
// bounded by NumThreads), no debug assertions, info-level logging.
func Default() DispatcherConfig {
	return DispatcherConfig{
		SchemaVersion: CurrentSchemaVersion,
		NumThreads:    1,
		LogLevel:      "info",
	}
}

// Load reads and validates a DispatcherConfig from path.
func Load(path string) (DispatcherConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DispatcherConfig{}, fmt.Errorf("read config: %w", err)
	}
	var cfg DispatcherConfig
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return DispatcherConfig{}, fmt.Errorf("parse config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return DispatcherConfig{}, err
	}
	return cfg, nil
}

func validate(cfg DispatcherConfig) error {
	if cfg.SchemaVersion < 1 || cfg.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("config: unsupported schema_version %d (max supported: %d)", cfg.SchemaVersion, CurrentSchemaVersion)
	}
	if cfg.NumThreads < 0 {
		return fmt.Errorf("config: num_threads must be >= 0, got %d", cfg.NumThreads)
	}
	return nil
}

// AtomicWrite writes cfg to path via a temp-file-then-rename sequence,
// fsyncing before the rename so a crash never leaves a half-written
// config file — the same sequence
// msageha-maestro_v2/internal/yaml/atomic.go uses for queue files.
func AtomicWrite(path string, cfg DispatcherConfig) error {
	content, err := yamlv3.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".dtqueue-config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename config file: %w", err)
	}
	return nil
}

// Watcher pushes a freshly-loaded DispatcherConfig onto Updates whenever
// path changes on disk. It never mutates a running Dispatcher directly —
// the spec requires tunables to be snapshot at Init, not changed mid-flight
// (spec.md §5: "no suspension points inside a critical section") — so the
// owning process is responsible for deciding when to apply an update
// (typically: at the next full Init of a new computation).
type Watcher struct {
	Updates chan DispatcherConfig

	watcher *fsnotify.Watcher
	path    string
	done    chan struct{}
}

// WatchConfig starts watching path for changes, using fsnotify the way
// msageha-maestro_v2/internal/daemon/daemon.go watches its queue
// directory. Call Close to stop.
func WatchConfig(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	w := &Watcher{
		Updates: make(chan DispatcherConfig, 1),
		watcher: fsw,
		path:    path,
		done:    make(chan struct{}),
	}

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.Updates)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				continue // transient partial write; next event will retry
			}
			select {
			case w.Updates <- cfg:
			default:
				// Drop the stale pending update in favor of the fresh one.
				select {
				case <-w.Updates:
				default:
				}
				w.Updates <- cfg
			}
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
