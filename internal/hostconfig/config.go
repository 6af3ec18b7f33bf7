// Package hostconfig loads and hot-reloads the Host's on-disk configuration,
// following the yaml-tagged-struct convention of the teacher's wing config
// (internal/config/wing.go) generalized to this spec's knobs.
package hostconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/midterm/midterm/internal/hostlog"
)

// ResyncMode selects how Session.Subscribe's initial Resync is populated.
type ResyncMode string

const (
	ResyncRaw   ResyncMode = "raw"
	ResyncVTerm ResyncMode = "vterm"
)

// Config is the Host's resolved, validated configuration.
type Config struct {
	LogLevel hostlog.Level `yaml:"log_level"`

	ScrollbackBytes   int `yaml:"scrollback_bytes"`
	SubscriberMaxBytes int `yaml:"subscriber_max_bytes"`
	SubscriberMaxChunks int `yaml:"subscriber_max_chunks"`

	ResyncMode ResyncMode `yaml:"resync_mode"`

	IPCWorkers int `yaml:"ipc_workers"`

	RunAs RunAsTarget `yaml:"run_as,omitempty"`
}

// RunAsTarget names the OS principal the Host should de-elevate each shell
// to, accepted either as a bare string (Unix username) or a mapping (the
// same "scalar-or-mapping" convention as the teacher's PathList).
type RunAsTarget struct {
	User string
	UID  string
	GID  string
	SID  string // Windows
}

func (r *RunAsTarget) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		r.User = value.Value
		return nil
	}
	if value.Kind == yaml.MappingNode {
		var m struct {
			User string `yaml:"user"`
			UID  string `yaml:"uid"`
			GID  string `yaml:"gid"`
			SID  string `yaml:"sid"`
		}
		if err := value.Decode(&m); err != nil {
			return err
		}
		r.User, r.UID, r.GID, r.SID = m.User, m.UID, m.GID, m.SID
		return nil
	}
	return &yaml.TypeError{Errors: []string{"run_as: expected scalar or mapping"}}
}

func (r RunAsTarget) MarshalYAML() (any, error) {
	if r.UID == "" && r.GID == "" && r.SID == "" {
		return r.User, nil
	}
	return struct {
		User string `yaml:"user,omitempty"`
		UID  string `yaml:"uid,omitempty"`
		GID  string `yaml:"gid,omitempty"`
		SID  string `yaml:"sid,omitempty"`
	}{r.User, r.UID, r.GID, r.SID}, nil
}

// Default returns the spec's documented defaults: 2 MiB scrollback, 4 MiB /
// 1024-chunk subscriber queues, raw resync, a 4-worker IPC pool.
func Default() Config {
	return Config{
		LogLevel:            hostlog.LevelInfo,
		ScrollbackBytes:     2 * 1024 * 1024,
		SubscriberMaxBytes:  4 * 1024 * 1024,
		SubscriberMaxChunks: 1024,
		ResyncMode:          ResyncRaw,
		IPCWorkers:          4,
	}
}

func (c Config) validate() error {
	if c.ScrollbackBytes <= 0 {
		return fmt.Errorf("scrollback_bytes must be positive")
	}
	if c.SubscriberMaxBytes <= 0 || c.SubscriberMaxChunks <= 0 {
		return fmt.Errorf("subscriber_max_bytes and subscriber_max_chunks must be positive")
	}
	if c.ResyncMode != ResyncRaw && c.ResyncMode != ResyncVTerm {
		return fmt.Errorf("resync_mode must be %q or %q", ResyncRaw, ResyncVTerm)
	}
	if c.IPCWorkers <= 0 {
		c.IPCWorkers = 4
	}
	return nil
}

// Load reads path, merging onto Default(). A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("hostconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("hostconfig: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("hostconfig: %s: %w", path, err)
	}
	return cfg, nil
}

// Watcher hot-reloads Config from disk whenever the file changes, handing
// each new snapshot to onChange. Sessions already running keep whatever
// Config they were created with (see Session.cfg in package session); only
// newly created Sessions observe the new values.
type Watcher struct {
	mu      sync.RWMutex
	current Config
	path    string
	log     *hostlog.Logger
	watcher *fsnotify.Watcher
	onChange func(Config)
}

// NewWatcher loads path once and begins watching its parent directory for
// changes (fsnotify watches directories more reliably than bare files across
// editors that rewrite-via-rename).
func NewWatcher(path string, log *hostlog.Logger, onChange func(Config)) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{current: cfg, path: path, log: log, onChange: onChange}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("hostconfig: fsnotify: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err == nil {
		fw.Add(dir)
	}
	w.watcher = fw
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			debounce.Reset(200 * time.Millisecond)
		case <-debounce.C:
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.log != nil {
				w.log.Warn("hostconfig: watch error", "err", err)
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		if w.log != nil {
			w.log.Warn("hostconfig: reload failed, keeping previous config", "err", err)
		}
		return
	}
	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()
	if w.log != nil {
		w.log.Info("hostconfig: reloaded", "path", w.path)
	}
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

func (w *Watcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// DefaultConfigPath returns the per-platform config file location described
// in spec.md §6 (log directory section implies the same split for config):
// a system path when running as a service, a user path otherwise.
func DefaultConfigPath(systemService bool) string {
	if systemService {
		if runtime.GOOS == "windows" {
			return `C:\ProgramData\MidTerm\config.yaml`
		}
		return "/etc/midterm/config.yaml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".midterm", "config.yaml")
}

// DefaultLogDir mirrors spec.md §6 exactly.
func DefaultLogDir(systemService bool) string {
	if systemService {
		if runtime.GOOS == "windows" {
			return `C:\ProgramData\MidTerm\Logs`
		}
		return "/var/log/midterm"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".midterm", "logs")
}

// DefaultSocketPath mirrors spec.md §6's named-pipe / unix-socket contract.
func DefaultSocketPath() string {
	if runtime.GOOS == "windows" {
		user := os.Getenv("USERNAME")
		return `\\.\pipe\midterm-host-` + user
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "midterm-host.sock")
	}
	return fmt.Sprintf("/tmp/midterm-host-%d.sock", os.Getuid())
}
