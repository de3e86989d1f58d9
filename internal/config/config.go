package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for DBBouncer.
type Config struct {
	Listen      ListenConfig            `yaml:"listen"`
	Defaults    PoolDefaults            `yaml:"defaults"`
	HealthCheck HealthCheckConfig       `yaml:"health_check"`
	Tenants     map[string]TenantConfig `yaml:"tenants"`
}

// ListenConfig defines the ports and bind addresses DBBouncer listens on.
type ListenConfig struct {
	PostgresPort int    `yaml:"postgres_port"`
	MySQLPort    int    `yaml:"mysql_port"`
	APIPort      int    `yaml:"api_port"`
	APIBind      string `yaml:"api_bind"`
	APIKey       string `yaml:"api_key"`
	TLSCert      string `yaml:"tls_cert"`
	TLSKey       string `yaml:"tls_key"`

	// PostgresAuthMode selects the frontend authentication method applied
	// to clients connecting to the PostgreSQL listener: "trust" or
	// "password". Defaults to "password".
	PostgresAuthMode string `yaml:"postgres_auth_mode"`

	// CancelEnabled controls whether CancelRequest frames are honored via
	// the in-process cancel registry. Disabling it makes the listener
	// silently ignore cancel requests, matching a deployment that fronts
	// multiple proxy instances without a shared registry.
	CancelEnabled *bool `yaml:"cancel_enabled,omitempty"`

	// MaxProxyConnections bounds total concurrently accepted frontend
	// connections across all tenants.
	MaxProxyConnections int `yaml:"max_proxy_connections"`
}

// CancelEnabledOrDefault reports whether cancel dispatch is enabled,
// defaulting to true when unset.
func (lc ListenConfig) CancelEnabledOrDefault() bool {
	if lc.CancelEnabled == nil {
		return true
	}
	return *lc.CancelEnabled
}

// HealthCheckConfig controls the periodic background health checker.
type HealthCheckConfig struct {
	Interval          time.Duration `yaml:"interval"`
	FailureThreshold  int           `yaml:"failure_threshold"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PoolDefaults defines default pool settings applied when tenants don't override.
type PoolDefaults struct {
	MinConnections int           `yaml:"min_connections"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLifetime    time.Duration `yaml:"max_lifetime"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	PoolMode       string        `yaml:"pool_mode"`
}

// TenantConfig holds the database configuration for a single tenant.
type TenantConfig struct {
	DBType         string         `yaml:"db_type"`
	Host           string         `yaml:"host"`
	Port           int            `yaml:"port"`
	DBName         string         `yaml:"dbname"`
	Username       string         `yaml:"username"`
	Password       string         `yaml:"password"`
	MinConnections *int           `yaml:"min_connections,omitempty"`
	MaxConnections *int           `yaml:"max_connections,omitempty"`
	IdleTimeout    *time.Duration `yaml:"idle_timeout,omitempty"`
	MaxLifetime    *time.Duration `yaml:"max_lifetime,omitempty"`
	AcquireTimeout *time.Duration `yaml:"acquire_timeout,omitempty"`
	DialTimeout    *time.Duration `yaml:"dial_timeout,omitempty"`
	PoolMode       string         `yaml:"pool_mode,omitempty"`

	// AdditionalHosts lists standby replicas dialed, in random order, when
	// Host is unreachable — a connect_proxy-style candidate list rather
	// than a single fixed endpoint.
	AdditionalHosts []string `yaml:"additional_hosts,omitempty"`

	// FrontendPassword is the password clients present to the proxy
	// itself when the listener's auth mode is "password". It is
	// independent of Password, which authenticates the proxy to the real
	// backend.
	FrontendPassword string `yaml:"frontend_password,omitempty"`
}

// HostCandidates returns Host followed by AdditionalHosts, the dial order
// a backend connector should try.
func (t TenantConfig) HostCandidates() []string {
	hosts := make([]string, 0, 1+len(t.AdditionalHosts))
	hosts = append(hosts, t.Host)
	hosts = append(hosts, t.AdditionalHosts...)
	return hosts
}

// EffectiveMinConnections returns the tenant's min connections or the default.
func (t TenantConfig) EffectiveMinConnections(defaults PoolDefaults) int {
	if t.MinConnections != nil {
		return *t.MinConnections
	}
	return defaults.MinConnections
}

// EffectiveMaxConnections returns the tenant's max connections or the default.
func (t TenantConfig) EffectiveMaxConnections(defaults PoolDefaults) int {
	if t.MaxConnections != nil {
		return *t.MaxConnections
	}
	return defaults.MaxConnections
}

// EffectiveIdleTimeout returns the tenant's idle timeout or the default.
func (t TenantConfig) EffectiveIdleTimeout(defaults PoolDefaults) time.Duration {
	if t.IdleTimeout != nil {
		return *t.IdleTimeout
	}
	return defaults.IdleTimeout
}

// EffectiveMaxLifetime returns the tenant's max lifetime or the default.
func (t TenantConfig) EffectiveMaxLifetime(defaults PoolDefaults) time.Duration {
	if t.MaxLifetime != nil {
		return *t.MaxLifetime
	}
	return defaults.MaxLifetime
}

// EffectiveAcquireTimeout returns the tenant's acquire timeout or the default.
func (t TenantConfig) EffectiveAcquireTimeout(defaults PoolDefaults) time.Duration {
	if t.AcquireTimeout != nil {
		return *t.AcquireTimeout
	}
	return defaults.AcquireTimeout
}

// EffectiveDialTimeout returns the tenant's dial timeout or the default.
func (t TenantConfig) EffectiveDialTimeout(defaults PoolDefaults) time.Duration {
	if t.DialTimeout != nil {
		return *t.DialTimeout
	}
	return defaults.DialTimeout
}

// EffectivePoolMode returns the tenant's pool mode ("transaction" or
// "session") or the default.
func (t TenantConfig) EffectivePoolMode(defaults PoolDefaults) string {
	if t.PoolMode != "" {
		return t.PoolMode
	}
	if defaults.PoolMode != "" {
		return defaults.PoolMode
	}
	return "session"
}

// Redacted returns a copy of the TenantConfig with the password masked.
func (t TenantConfig) Redacted() TenantConfig {
	c := t
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

// TLSEnabled returns true if both TLS cert and key paths are configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

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
	if cfg.Listen.PostgresPort == 0 {
		cfg.Listen.PostgresPort = 6432
	}
	if cfg.Listen.MySQLPort == 0 {
		cfg.Listen.MySQLPort = 3307
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Defaults.MinConnections == 0 {
		cfg.Defaults.MinConnections = 2
	}
	if cfg.Defaults.MaxConnections == 0 {
		cfg.Defaults.MaxConnections = 20
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 5 * time.Minute
	}
	if cfg.Defaults.MaxLifetime == 0 {
		cfg.Defaults.MaxLifetime = 30 * time.Minute
	}
	if cfg.Defaults.AcquireTimeout == 0 {
		cfg.Defaults.AcquireTimeout = 10 * time.Second
	}
	if cfg.Listen.PostgresAuthMode == "" {
		cfg.Listen.PostgresAuthMode = "password"
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 15 * time.Second
	}
	if cfg.HealthCheck.FailureThreshold == 0 {
		cfg.HealthCheck.FailureThreshold = 3
	}
	if cfg.HealthCheck.ConnectionTimeout == 0 {
		cfg.HealthCheck.ConnectionTimeout = 5 * time.Second
	}
	if cfg.Defaults.DialTimeout == 0 {
		cfg.Defaults.DialTimeout = 5 * time.Second
	}
	if cfg.Listen.MaxProxyConnections == 0 {
		cfg.Listen.MaxProxyConnections = 10000
	}
}

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// ValidateTenantID reports whether id is safe to use as a map key,
// metrics label, and (via ExtractTenantFromUsername) a username
// component: non-empty, starting with an alphanumeric, and containing
// only alphanumerics, underscores, and dashes.
func ValidateTenantID(id string) error {
	if !tenantIDPattern.MatchString(id) {
		return fmt.Errorf("invalid tenant id %q: must start with a letter or digit and contain only letters, digits, '_' or '-'", id)
	}
	return nil
}

func validatePort(port int) bool {
	return port > 0 && port <= 65535
}

func validate(cfg *Config) error {
	if cfg.Listen.PostgresAuthMode != "" && cfg.Listen.PostgresAuthMode != "trust" && cfg.Listen.PostgresAuthMode != "password" {
		return fmt.Errorf("listen.postgres_auth_mode: unsupported value %q (must be trust or password)", cfg.Listen.PostgresAuthMode)
	}
	if cfg.Listen.PostgresPort != 0 && !validatePort(cfg.Listen.PostgresPort) {
		return fmt.Errorf("listen.postgres_port: invalid port %d", cfg.Listen.PostgresPort)
	}
	if cfg.Listen.MySQLPort != 0 && !validatePort(cfg.Listen.MySQLPort) {
		return fmt.Errorf("listen.mysql_port: invalid port %d", cfg.Listen.MySQLPort)
	}
	if cfg.Defaults.MinConnections != 0 && cfg.Defaults.MaxConnections != 0 && cfg.Defaults.MinConnections > cfg.Defaults.MaxConnections {
		return fmt.Errorf("defaults: min_connections (%d) exceeds max_connections (%d)", cfg.Defaults.MinConnections, cfg.Defaults.MaxConnections)
	}

	for id, tenant := range cfg.Tenants {
		if err := ValidateTenantID(id); err != nil {
			return fmt.Errorf("tenant %q: %w", id, err)
		}
		if tenant.DBType != "postgres" && tenant.DBType != "mysql" {
			return fmt.Errorf("tenant %q: unsupported db_type %q (must be postgres or mysql)", id, tenant.DBType)
		}
		if tenant.Host == "" {
			return fmt.Errorf("tenant %q: host is required", id)
		}
		if strings.Contains(tenant.Host, ":") {
			return fmt.Errorf("tenant %q: host must not include a port (use the port field)", id)
		}
		if tenant.Port == 0 {
			return fmt.Errorf("tenant %q: port is required", id)
		}
		if !validatePort(tenant.Port) {
			return fmt.Errorf("tenant %q: invalid port %d", id, tenant.Port)
		}
		if tenant.DBName == "" {
			return fmt.Errorf("tenant %q: dbname is required", id)
		}
		if tenant.Username == "" {
			return fmt.Errorf("tenant %q: username is required", id)
		}
		if tenant.MinConnections != nil && tenant.MaxConnections != nil && *tenant.MinConnections > *tenant.MaxConnections {
			return fmt.Errorf("tenant %q: min_connections (%d) exceeds max_connections (%d)", id, *tenant.MinConnections, *tenant.MaxConnections)
		}
		if tenant.PoolMode != "" && tenant.PoolMode != "transaction" && tenant.PoolMode != "session" {
			return fmt.Errorf("tenant %q: unsupported pool_mode %q (must be transaction or session)", id, tenant.PoolMode)
		}
	}
	if cfg.Defaults.PoolMode != "" && cfg.Defaults.PoolMode != "transaction" && cfg.Defaults.PoolMode != "session" {
		return fmt.Errorf("defaults.pool_mode: unsupported value %q (must be transaction or session)", cfg.Defaults.PoolMode)
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	// Debounce timer to avoid rapid reloads
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
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
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
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
