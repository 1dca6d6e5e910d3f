// Package config loads and hot-reloads mxgateway's YAML configuration:
// env-var substitution, default application, validation, and an
// fsnotify.Watcher debounce loop that reloads the users catalog on
// change, since this gateway fans one client session out to a fixed
// backend shard set rather than routing by tenant.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/relaydb/mxgateway/internal/backendpool"
	"github.com/relaydb/mxgateway/internal/scl"
)

// Config is the top-level configuration for mxgateway.
type Config struct {
	Listen       ListenConfig    `yaml:"listen"`
	Backends     []BackendConfig `yaml:"backends"`
	SCL          SCLConfig       `yaml:"scl"`
	UsersCatalog string          `yaml:"users_catalog"`
}

// ListenConfig defines the addresses mxgateway listens on.
type ListenConfig struct {
	MySQLBind string `yaml:"mysql_bind"`
	APIBind   string `yaml:"api_bind"`
}

// BackendConfig describes one backend shard a routing session attaches
// to and drives replay against on connect. There is no backend
// password here: a session replays the SHA1(password) its own client
// authentication produced, so the backend account's credential is
// whatever the client authenticated with, not a value configured here.
type BackendConfig struct {
	ID          string        `yaml:"id"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	Username    string        `yaml:"username"`
	Schema      string        `yaml:"schema"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// Spec converts a BackendConfig into the backendpool.Spec the dial path
// consumes.
func (b BackendConfig) Spec() backendpool.Spec {
	return backendpool.Spec{
		ID:       b.ID,
		Host:     b.Host,
		Port:     b.Port,
		Username: b.Username,
		Schema:   b.Schema,
	}
}

// SCLConfig configures the session command list's reply-reconciliation
// semantics and retention properties, in the YAML-friendly string form
// the config file stores.
type SCLConfig struct {
	ReplyOn   string `yaml:"reply_on"`   // first | last | allok
	MustReply string `yaml:"must_reply"` // one | all
	OnError   string `yaml:"on_error"`   // drop | abort
	MaxLen    int    `yaml:"max_len"`
	OnMlenErr string `yaml:"on_mlen_err"` // drop_first | reject_new
}

// Semantics decodes the configured reply reconciliation policy.
func (s SCLConfig) Semantics() (scl.Semantics, error) {
	sem := scl.DefaultSemantics()
	switch s.ReplyOn {
	case "", "first":
		sem.ReplyOn = scl.ReplyOnFirst
	case "last":
		sem.ReplyOn = scl.ReplyOnLast
	case "allok":
		sem.ReplyOn = scl.ReplyOnAllOk
	default:
		return sem, fmt.Errorf("scl.reply_on: unknown value %q", s.ReplyOn)
	}
	switch s.MustReply {
	case "", "all":
		sem.MustReply = scl.MustReplyAll
	case "one":
		sem.MustReply = scl.MustReplyOne
	default:
		return sem, fmt.Errorf("scl.must_reply: unknown value %q", s.MustReply)
	}
	switch s.OnError {
	case "", "abort":
		sem.OnError = scl.OnErrorAbort
	case "drop":
		sem.OnError = scl.OnErrorDrop
	default:
		return sem, fmt.Errorf("scl.on_error: unknown value %q", s.OnError)
	}
	return sem, nil
}

// Properties decodes the configured retention policy.
func (s SCLConfig) Properties() (scl.Properties, error) {
	props := scl.DefaultProperties()
	props.MaxLen = s.MaxLen
	switch s.OnMlenErr {
	case "", "reject_new":
		props.OnMlenErr = scl.OnMlenErrRejectNew
	case "drop_first":
		props.OnMlenErr = scl.OnMlenErrDropFirst
	default:
		return props, fmt.Errorf("scl.on_mlen_err: unknown value %q", s.OnMlenErr)
	}
	return props, nil
}

// envRefPattern matches a ${VAR_NAME} placeholder in raw YAML bytes,
// before unmarshaling, so secrets can live in the environment instead
// of the checked-in config file.
var envRefPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvRefs resolves every ${VAR_NAME} placeholder in data against
// the process environment. A placeholder naming an unset variable is
// left untouched rather than expanded to the empty string, so a typo'd
// env var name fails loudly downstream (bad host, bad port) instead of
// silently producing an empty credential.
func expandEnvRefs(data []byte) []byte {
	return envRefPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envRefPattern.FindSubmatch(match)[1]
		val, ok := os.LookupEnv(string(name))
		if !ok {
			return match
		}
		return []byte(val)
	})
}

// Load reads, env-expands, parses, validates, and defaults a YAML
// config file in one pass.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data := expandEnvRefs(raw)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.MySQLBind == "" {
		cfg.Listen.MySQLBind = "127.0.0.1:4406"
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1:8080"
	}
	for i := range cfg.Backends {
		if cfg.Backends[i].DialTimeout == 0 {
			cfg.Backends[i].DialTimeout = 5 * time.Second
		}
		if cfg.Backends[i].IdleTimeout == 0 {
			cfg.Backends[i].IdleTimeout = 5 * time.Minute
		}
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Backends))
	if len(cfg.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	for _, b := range cfg.Backends {
		if b.ID == "" {
			return fmt.Errorf("backend: id is required")
		}
		if seen[b.ID] {
			return fmt.Errorf("backend %q: duplicate id", b.ID)
		}
		seen[b.ID] = true
		if b.Host == "" {
			return fmt.Errorf("backend %q: host is required", b.ID)
		}
		if b.Port == 0 {
			return fmt.Errorf("backend %q: port is required", b.ID)
		}
		if b.Username == "" {
			return fmt.Errorf("backend %q: username is required", b.ID)
		}
	}
	if _, err := cfg.SCL.Semantics(); err != nil {
		return err
	}
	if _, err := cfg.SCL.Properties(); err != nil {
		return err
	}
	return nil
}

// reloadDebounceWindow is how long the watcher waits after the last
// filesystem event before actually reloading, coalescing the burst of
// Write+Create events an editor's save-via-rename produces into one
// reload.
const reloadDebounceWindow = 500 * time.Millisecond

// Watcher reloads a config file on change, pushing every successfully
// parsed revision through a caller-supplied callback. Failed reloads
// are logged and otherwise ignored: the previous in-memory Config keeps
// serving traffic rather than a bad edit tearing down the gateway.
type Watcher struct {
	path     string
	onReload func(*Config)
	fsw      *fsnotify.Watcher
	mu       sync.Mutex
	pending  *time.Timer
	done     chan struct{}
}

// NewWatcher starts watching path for changes, invoking onReload from
// its own goroutine each time a debounced reload succeeds.
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	w := &Watcher{
		path:     path,
		onReload: onReload,
		fsw:      fsw,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.scheduleReload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "err", err)
		case <-w.done:
			return
		}
	}
}

// scheduleReload (re)arms a one-shot timer so a burst of filesystem
// events within the debounce window collapses to a single reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(reloadDebounceWindow, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config hot-reload failed", "path", w.path, "err", err)
		return
	}
	slog.Info("configuration reloaded", "path", w.path)
	w.onReload(cfg)
}

// Stop halts the watcher and releases its fsnotify handle.
func (w *Watcher) Stop() error {
	close(w.done)
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()
	return w.fsw.Close()
}
