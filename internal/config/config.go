// Package config loads and hot-reloads the YAML configuration that wires a
// pgclient Client together: endpoint, credentials, TLS policy, and pool
// limits (spec.md §6). It follows the teacher's conventions for this
// concern: ${VAR} environment substitution before YAML parsing and an
// fsnotify-backed watcher with a debounce timer for hot reload. Fields are
// plain values; there are no pointer-typed override fields.
package config

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/dbbouncer/pgclient/internal/pool"
	"github.com/dbbouncer/pgclient/internal/proto"
)

// Config is the top-level configuration for a pgclient deployment: one
// endpoint plus the pool behavior governing it, and the debug/metrics HTTP
// surface the operator exposes alongside it.
type Config struct {
	Endpoint EndpointConfig `yaml:"endpoint"`
	Pool     PoolConfig     `yaml:"pool"`
	Debug    DebugConfig    `yaml:"debug"`
}

// EndpointConfig names the Postgres server and the credentials/TLS policy
// used to authenticate to it (spec.md §6 "Connection configuration").
type EndpointConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	UnixSocketPath string `yaml:"unix_socket_path"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	// TLSMode is one of "disable", "prefer", "require".
	TLSMode        string `yaml:"tls_mode"`
	TLSServerName  string `yaml:"tls_server_name"`
	TLSCACertFile  string `yaml:"tls_ca_cert_file"`

	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	RequireBackendKeyData bool          `yaml:"require_backend_key_data"`
}

// PoolConfig mirrors internal/pool.Config's YAML shape (spec.md §4.5
// "Configuration"), with pointer fields left as plain values: unlike the
// teacher's per-tenant overrides, a pgclient.Client has exactly one pool,
// so there is no default/override distinction to preserve.
type PoolConfig struct {
	MinimumConnections    int           `yaml:"min_connections"`
	MaximumConnections    int           `yaml:"max_connections"`     // soft limit
	MaximumConnectionHard int           `yaml:"max_connections_hard"`
	ConnectionIdleTimeout time.Duration `yaml:"connection_idle_timeout"`
	KeepAliveFrequency    time.Duration `yaml:"keepalive_frequency"`
	KeepAliveQuery        string        `yaml:"keepalive_query"`
	BackoffBase           time.Duration `yaml:"backoff_base"`
	BackoffCap            time.Duration `yaml:"backoff_cap"`
}

// DebugConfig configures the optional introspection HTTP endpoint
// (internal/debugapi).
type DebugConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// TLSPolicy parses EndpointConfig.TLSMode into the proto package's enum,
// defaulting to TLSPrefer the way the teacher defaults optional enums.
func (e EndpointConfig) TLSPolicy() (proto.TLSMode, error) {
	switch e.TLSMode {
	case "", "prefer":
		return proto.TLSPrefer, nil
	case "disable":
		return proto.TLSDisable, nil
	case "require":
		return proto.TLSRequire, nil
	default:
		return proto.TLSDisable, fmt.Errorf("config: unknown tls_mode %q", e.TLSMode)
	}
}

// TLSClientConfig builds the *tls.Config Dial should use, or nil for
// TLSDisable. IP-literal hosts disable SNI automatically (spec.md §6).
func (e EndpointConfig) TLSClientConfig() *tls.Config {
	mode, _ := e.TLSPolicy()
	if mode == proto.TLSDisable {
		return nil
	}
	serverName := e.TLSServerName
	if serverName == "" {
		serverName = e.Host
	}
	return &tls.Config{ServerName: serverName, MinVersion: tls.VersionTLS12}
}

// PoolSettings converts the YAML shape into internal/pool.Config.
func (p PoolConfig) PoolSettings() pool.Config {
	return pool.Config{
		MinimumConnections:    p.MinimumConnections,
		MaximumSoftLimit:      p.MaximumConnections,
		MaximumHardLimit:      p.MaximumConnectionHard,
		ConnectionIdleTimeout: p.ConnectionIdleTimeout,
		KeepAlive: pool.KeepAlive{
			Frequency: p.KeepAliveFrequency,
			Query:     p.KeepAliveQuery,
		},
		ConnectBackoff: pool.Backoff{Base: p.BackoffBase, Cap: p.BackoffCap},
	}
}

// Redacted returns a copy of Config with the password masked, suitable for
// logging (spec.md §7 "Secrets are never included in any error rendering").
func (c Config) Redacted() Config {
	cp := c
	if cp.Endpoint.Password != "" {
		cp.Endpoint.Password = "***REDACTED***"
	}
	return cp
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable
// values, leaving unresolvable references untouched.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with ${VAR} environment
// substitution, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validating: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Endpoint.Port == 0 {
		cfg.Endpoint.Port = 5432
	}
	if cfg.Endpoint.ConnectTimeout == 0 {
		cfg.Endpoint.ConnectTimeout = 10 * time.Second
	}
	if cfg.Pool.MaximumConnections == 0 {
		cfg.Pool.MaximumConnections = 10
	}
	if cfg.Pool.MaximumConnectionHard == 0 {
		cfg.Pool.MaximumConnectionHard = cfg.Pool.MaximumConnections
	}
	if cfg.Pool.ConnectionIdleTimeout == 0 {
		cfg.Pool.ConnectionIdleTimeout = 10 * time.Minute
	}
	if cfg.Pool.KeepAliveQuery == "" {
		cfg.Pool.KeepAliveQuery = "SELECT 1"
	}
	if cfg.Debug.Port == 0 {
		cfg.Debug.Port = 8080
	}
	if cfg.Debug.Bind == "" {
		cfg.Debug.Bind = "127.0.0.1"
	}
}

func validate(cfg *Config) error {
	if cfg.Endpoint.Host == "" && cfg.Endpoint.UnixSocketPath == "" {
		return fmt.Errorf("endpoint: host or unix_socket_path is required")
	}
	if cfg.Endpoint.Username == "" {
		return fmt.Errorf("endpoint: username is required")
	}
	if _, err := cfg.Endpoint.TLSPolicy(); err != nil {
		return err
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the
// newly loaded config, debouncing rapid-fire filesystem events the way
// editors and deploy tooling tend to produce them.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher and starts its run loop.
func NewWatcher(path string, callback func(*Config), logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watching file: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	cw := &Watcher{path: path, callback: callback, watcher: w, logger: logger, stopCh: make(chan struct{})}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("config: watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		cw.logger.Warn("config: hot-reload failed", "err", err)
		return
	}
	cw.logger.Info("config: configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
