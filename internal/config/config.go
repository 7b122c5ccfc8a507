// Package config loads pgvpd's configuration: built-in defaults, then a
// TOML file, then environment variables, in that priority order (spec.md
// §6 "Configuration"). No option is read from the command line: the only
// flag cmd/pgvpd parses is -config, which names the file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

// Config is pgvpd's fully resolved configuration.
type Config struct {
	Listen   ListenConfig
	Upstream UpstreamConfig
	Pool     PoolConfig
	Tenant   TenantConfig
	Admin    AdminConfig
	Resolver []ResolverConfig
	LogLevel string
}

// ListenConfig is the client-facing listener and identity-parsing surface.
type ListenConfig struct {
	Host             string
	Port             int
	TLSPort          int // 0 disables the TLS listener
	TLSCert          string
	TLSKey           string
	TenantSeparator  byte
	ValueSeparator   byte
	ContextVariables []string
	SuperuserBypass  []string
	SetRole          string
	HandshakeTimeout time.Duration
}

// UpstreamConfig is the real PostgreSQL server pgvpd proxies to.
type UpstreamConfig struct {
	Host           string
	Port           int
	LoginUser      string
	Password       string
	TLSEnable      bool
	TLSVerify      bool
	TLSCAFile      string
	TLSFallThrough bool
}

// PoolConfig configures session-mode pooling. Mode is "none" or "session".
type PoolConfig struct {
	Mode            string
	Size            int
	Password        string
	IdleTimeout     time.Duration
	CheckoutTimeout time.Duration
}

// TenantConfig configures the tenant registry's admission limits.
type TenantConfig struct {
	Allow          []string
	Deny           []string
	MaxConnections int
	RateLimit      int
	QueryTimeout   time.Duration
}

// AdminConfig is the read-only admin HTTP surface's bind address.
type AdminConfig struct {
	Host string
	Port int
}

func (a AdminConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// ResolverConfig is one [[resolver]] table from the config file —
// spec.md §3 "Resolver definition" decoded field-for-field.
type ResolverConfig struct {
	Name      string            `toml:"name"`
	SQL       string            `toml:"sql"`
	Params    []string          `toml:"params"`
	Inject    map[string]string `toml:"inject"`
	Required  bool              `toml:"required"`
	Unique    bool              `toml:"unique"`
	CacheTTL  int               `toml:"cache_ttl"` // seconds; 0 means not cached
	DependsOn []string          `toml:"depends_on"`
}

// fileConfig mirrors Config's shape for TOML decoding: duration fields
// are plain strings here (go-toml does not parse Go duration syntax) and
// converted to time.Duration by toDomain after decoding.
type fileConfig struct {
	Listen struct {
		Host             string   `toml:"host"`
		Port             int      `toml:"port"`
		TLSPort          int      `toml:"tls_port"`
		TLSCert          string   `toml:"tls_cert"`
		TLSKey           string   `toml:"tls_key"`
		TenantSeparator  string   `toml:"tenant_separator"`
		ValueSeparator   string   `toml:"value_separator"`
		ContextVariables []string `toml:"context_variables"`
		SuperuserBypass  []string `toml:"superuser_bypass"`
		SetRole          string   `toml:"set_role"`
		HandshakeTimeout string   `toml:"handshake_timeout"`
	} `toml:"listen"`

	Upstream struct {
		Host           string `toml:"host"`
		Port           int    `toml:"port"`
		LoginUser      string `toml:"login_user"`
		Password       string `toml:"password"`
		TLSEnable      bool   `toml:"tls_enable"`
		TLSVerify      bool   `toml:"tls_verify"`
		TLSCAFile      string `toml:"tls_ca_file"`
		TLSFallThrough bool   `toml:"tls_fall_through"`
	} `toml:"upstream"`

	Pool struct {
		Mode            string `toml:"mode"`
		Size            int    `toml:"size"`
		Password        string `toml:"password"`
		IdleTimeout     string `toml:"idle_timeout"`
		CheckoutTimeout string `toml:"checkout_timeout"`
	} `toml:"pool"`

	Tenant struct {
		Allow          []string `toml:"allow"`
		Deny           []string `toml:"deny"`
		MaxConnections int      `toml:"max_connections"`
		RateLimit      int      `toml:"rate_limit"`
		QueryTimeout   string   `toml:"query_timeout"`
	} `toml:"tenant"`

	Admin struct {
		Host string `toml:"host"`
		Port int    `toml:"port"`
	} `toml:"admin"`

	Resolver []ResolverConfig `toml:"resolver"`

	LogLevel string `toml:"log_level"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values, run over the raw file bytes before TOML decoding
// (same approach as the teacher's substituteEnvVars, applied ahead of
// the parse rather than after it since TOML, unlike YAML, would reject
// an unquoted bare ${...} token in most positions).
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads path, applies ${VAR} substitution, decodes the TOML, lays
// it over the built-in defaults, applies PGVPD_-prefixed environment
// overrides, and validates the result (spec.md §6's first three priority
// tiers). Nothing layers command-line option values on top of the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	data = substituteEnvVars(data)

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg, err := toDomain(fc)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

func toDomain(fc fileConfig) (*Config, error) {
	cfg := &Config{
		Listen: ListenConfig{
			Host:             fc.Listen.Host,
			Port:             fc.Listen.Port,
			TLSPort:          fc.Listen.TLSPort,
			TLSCert:          fc.Listen.TLSCert,
			TLSKey:           fc.Listen.TLSKey,
			ContextVariables: fc.Listen.ContextVariables,
			SuperuserBypass:  fc.Listen.SuperuserBypass,
			SetRole:          fc.Listen.SetRole,
		},
		Upstream: UpstreamConfig{
			Host:           fc.Upstream.Host,
			Port:           fc.Upstream.Port,
			LoginUser:      fc.Upstream.LoginUser,
			Password:       fc.Upstream.Password,
			TLSEnable:      fc.Upstream.TLSEnable,
			TLSVerify:      fc.Upstream.TLSVerify,
			TLSCAFile:      fc.Upstream.TLSCAFile,
			TLSFallThrough: fc.Upstream.TLSFallThrough,
		},
		Pool: PoolConfig{
			Mode:     fc.Pool.Mode,
			Size:     fc.Pool.Size,
			Password: fc.Pool.Password,
		},
		Tenant: TenantConfig{
			Allow:          fc.Tenant.Allow,
			Deny:           fc.Tenant.Deny,
			MaxConnections: fc.Tenant.MaxConnections,
			RateLimit:      fc.Tenant.RateLimit,
		},
		Admin:    AdminConfig{Host: fc.Admin.Host, Port: fc.Admin.Port},
		Resolver: fc.Resolver,
		LogLevel: fc.LogLevel,
	}

	if fc.Listen.TenantSeparator != "" {
		cfg.Listen.TenantSeparator = fc.Listen.TenantSeparator[0]
	}
	if fc.Listen.ValueSeparator != "" {
		cfg.Listen.ValueSeparator = fc.Listen.ValueSeparator[0]
	}

	var err error
	if cfg.Listen.HandshakeTimeout, err = parseDuration("listen.handshake_timeout", fc.Listen.HandshakeTimeout); err != nil {
		return nil, err
	}
	if cfg.Pool.IdleTimeout, err = parseDuration("pool.idle_timeout", fc.Pool.IdleTimeout); err != nil {
		return nil, err
	}
	if cfg.Pool.CheckoutTimeout, err = parseDuration("pool.checkout_timeout", fc.Pool.CheckoutTimeout); err != nil {
		return nil, err
	}
	if cfg.Tenant.QueryTimeout, err = parseDuration("tenant.query_timeout", fc.Tenant.QueryTimeout); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Host == "" {
		cfg.Listen.Host = "0.0.0.0"
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 6432
	}
	if cfg.Listen.TenantSeparator == 0 {
		cfg.Listen.TenantSeparator = '.'
	}
	if cfg.Listen.ValueSeparator == 0 {
		cfg.Listen.ValueSeparator = ':'
	}
	if cfg.Listen.HandshakeTimeout == 0 {
		cfg.Listen.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Upstream.Port == 0 {
		cfg.Upstream.Port = 5432
	}
	if cfg.Pool.Mode == "" {
		cfg.Pool.Mode = "none"
	}
	if cfg.Pool.Size == 0 {
		cfg.Pool.Size = 10
	}
	if cfg.Pool.IdleTimeout == 0 {
		cfg.Pool.IdleTimeout = 5 * time.Minute
	}
	if cfg.Pool.CheckoutTimeout == 0 {
		cfg.Pool.CheckoutTimeout = 5 * time.Second
	}
	if cfg.Admin.Host == "" {
		cfg.Admin.Host = "127.0.0.1"
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 8080
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// envOverride is one PGVPD_-prefixed environment variable mapped onto a
// Config field, applied after file defaults and before validation
// (spec.md §6 priority tier 3).
type envOverride struct {
	name string
	set  func(cfg *Config, value string) error
}

// envOverrides covers every option spec.md §6 "Recognized options" names,
// except resolver file path: [[resolver]] tables are structured (name,
// sql, params, inject, depends_on) and are always decoded inline from the
// same TOML file (internal/config/resolvers.go), so there is no scalar
// Config field a single PGVPD_RESOLVER_FILE value could override — a
// resolver set is only ever reloaded as a whole file, through
// internal/config.Watcher, not field-by-field like the rest of this table.
var envOverrides = []envOverride{
	{"PGVPD_LISTEN_HOST", func(c *Config, v string) error { c.Listen.Host = v; return nil }},
	{"PGVPD_LISTEN_PORT", intOverride(func(c *Config) *int { return &c.Listen.Port })},
	{"PGVPD_LISTEN_TLS_PORT", intOverride(func(c *Config) *int { return &c.Listen.TLSPort })},
	{"PGVPD_LISTEN_TLS_CERT", func(c *Config, v string) error { c.Listen.TLSCert = v; return nil }},
	{"PGVPD_LISTEN_TLS_KEY", func(c *Config, v string) error { c.Listen.TLSKey = v; return nil }},
	{"PGVPD_LISTEN_TENANT_SEPARATOR", byteOverride(func(c *Config) *byte { return &c.Listen.TenantSeparator })},
	{"PGVPD_LISTEN_VALUE_SEPARATOR", byteOverride(func(c *Config) *byte { return &c.Listen.ValueSeparator })},
	{"PGVPD_LISTEN_CONTEXT_VARIABLES", listOverride(func(c *Config) *[]string { return &c.Listen.ContextVariables })},
	{"PGVPD_LISTEN_SUPERUSER_BYPASS", listOverride(func(c *Config) *[]string { return &c.Listen.SuperuserBypass })},
	{"PGVPD_LISTEN_SET_ROLE", func(c *Config, v string) error { c.Listen.SetRole = v; return nil }},
	{"PGVPD_LISTEN_HANDSHAKE_TIMEOUT", durationOverride(func(c *Config) *time.Duration { return &c.Listen.HandshakeTimeout })},
	{"PGVPD_UPSTREAM_HOST", func(c *Config, v string) error { c.Upstream.Host = v; return nil }},
	{"PGVPD_UPSTREAM_PORT", intOverride(func(c *Config) *int { return &c.Upstream.Port })},
	{"PGVPD_UPSTREAM_PASSWORD", func(c *Config, v string) error { c.Upstream.Password = v; return nil }},
	{"PGVPD_UPSTREAM_TLS_ENABLE", boolOverride(func(c *Config) *bool { return &c.Upstream.TLSEnable })},
	{"PGVPD_UPSTREAM_TLS_VERIFY", boolOverride(func(c *Config) *bool { return &c.Upstream.TLSVerify })},
	{"PGVPD_UPSTREAM_TLS_CA_FILE", func(c *Config, v string) error { c.Upstream.TLSCAFile = v; return nil }},
	{"PGVPD_POOL_MODE", func(c *Config, v string) error { c.Pool.Mode = v; return nil }},
	{"PGVPD_POOL_SIZE", intOverride(func(c *Config) *int { return &c.Pool.Size })},
	{"PGVPD_POOL_PASSWORD", func(c *Config, v string) error { c.Pool.Password = v; return nil }},
	{"PGVPD_POOL_IDLE_TIMEOUT", durationOverride(func(c *Config) *time.Duration { return &c.Pool.IdleTimeout })},
	{"PGVPD_POOL_CHECKOUT_TIMEOUT", durationOverride(func(c *Config) *time.Duration { return &c.Pool.CheckoutTimeout })},
	{"PGVPD_TENANT_ALLOW", listOverride(func(c *Config) *[]string { return &c.Tenant.Allow })},
	{"PGVPD_TENANT_DENY", listOverride(func(c *Config) *[]string { return &c.Tenant.Deny })},
	{"PGVPD_TENANT_MAX_CONNECTIONS", intOverride(func(c *Config) *int { return &c.Tenant.MaxConnections })},
	{"PGVPD_TENANT_RATE_LIMIT", intOverride(func(c *Config) *int { return &c.Tenant.RateLimit })},
	{"PGVPD_TENANT_QUERY_TIMEOUT", durationOverride(func(c *Config) *time.Duration { return &c.Tenant.QueryTimeout })},
	{"PGVPD_ADMIN_PORT", intOverride(func(c *Config) *int { return &c.Admin.Port })},
	{"PGVPD_LOG_LEVEL", func(c *Config, v string) error { c.LogLevel = v; return nil }},
}

func intOverride(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func boolOverride(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func durationOverride(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func byteOverride(field func(*Config) *byte) func(*Config, string) error {
	return func(c *Config, v string) error {
		if v == "" {
			return fmt.Errorf("separator override must not be empty")
		}
		*field(c) = v[0]
		return nil
	}
}

// listOverride splits v on commas into a string slice, trimming
// whitespace around each element — the env-var shape for every
// Config field that the file format decodes as a TOML array.
func listOverride(field func(*Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		*field(c) = out
		return nil
	}
}

func applyEnvOverrides(cfg *Config) {
	for _, o := range envOverrides {
		v, ok := os.LookupEnv(o.name)
		if !ok {
			continue
		}
		if err := o.set(cfg, v); err != nil {
			slog.Warn("ignoring malformed environment override", "var", o.name, "err", err)
			continue
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Upstream.Host == "" {
		return fmt.Errorf("upstream.host is required")
	}
	if cfg.Pool.Mode != "none" && cfg.Pool.Mode != "session" {
		return fmt.Errorf("pool.mode must be \"none\" or \"session\", got %q", cfg.Pool.Mode)
	}
	if cfg.Pool.Mode == "session" && cfg.Pool.Password == "" {
		return fmt.Errorf("pool.password is required when pool.mode is \"session\"")
	}
	if cfg.Listen.TLSPort != 0 && (cfg.Listen.TLSCert == "" || cfg.Listen.TLSKey == "") {
		return fmt.Errorf("listen.tls_port requires both listen.tls_cert and listen.tls_key")
	}
	seen := make(map[string]bool, len(cfg.Resolver))
	for _, r := range cfg.Resolver {
		if r.Name == "" {
			return fmt.Errorf("resolver entry missing name")
		}
		if seen[r.Name] {
			return fmt.Errorf("duplicate resolver name %q", r.Name)
		}
		seen[r.Name] = true
		if r.SQL == "" {
			return fmt.Errorf("resolver %q: sql is required", r.Name)
		}
	}
	return nil
}

// Redacted returns a copy of cfg with secrets masked, safe to log.
func (c Config) Redacted() Config {
	r := c
	if r.Upstream.Password != "" {
		r.Upstream.Password = "***REDACTED***"
	}
	if r.Pool.Password != "" {
		r.Pool.Password = "***REDACTED***"
	}
	return r
}

// String renders cfg for the startup banner, with secrets redacted.
func (c Config) String() string {
	r := c.Redacted()
	return fmt.Sprintf("listen=%s:%d upstream=%s:%d pool_mode=%s admin=%s",
		r.Listen.Host, r.Listen.Port, r.Upstream.Host, r.Upstream.Port, r.Pool.Mode, r.Admin.Addr())
}
