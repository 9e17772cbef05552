// Package config holds the persistent gateway configuration: a JSON file
// under the gatebox directory, guarded by a RWMutex, with defaults applied
// on load and atomic saves. Hot reload is provided by Watcher.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gatebox-dev/gatebox/internal/constant"
)

// Policy source selectors.
const (
	PolicySourceFile  = "file"
	PolicySourceStore = "store"
)

// Environment overrides, applied after every load. They never persist.
const (
	EnvListen       = "GATEBOX_LISTEN"        // host:port
	EnvRedisAddr    = "GATEBOX_REDIS_ADDR"    // enables the redis sink
	EnvPolicySource = "GATEBOX_POLICY_SOURCE" // "store" or a policy file path
)

// Upstream carries per-provider connection overrides. Empty values fall
// back to the SDK defaults, including its API-key environment lookup.
type Upstream struct {
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
}

// Policy selects where the active policy comes from.
type Policy struct {
	Source string `json:"source"`         // "file" or "store"
	Path   string `json:"path,omitempty"` // policy file for the file source
}

// Redis configures the observability fanout's redis sink.
type Redis struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db"`
}

// Record configures the JSONL file sink: "off", "failed", or "all".
type Record struct {
	Mode string `json:"mode"`
}

// Metrics selects the OTel exporter: "stdout", "otlp-grpc", "otlp-http",
// or empty for disabled.
type Metrics struct {
	Exporter string `json:"exporter,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// RateLimit bounds requests per client API key. RPS zero disables limiting.
type RateLimit struct {
	RPS   float64 `json:"rps"`
	Burst int     `json:"burst"`
}

// Config is the gateway configuration, persisted as JSON. Access goes
// through the accessors; setters persist immediately.
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	UserToken string `json:"user_token"` // bearer token for the admin API
	JWTSecret string `json:"jwt_secret"`

	Upstreams map[string]*Upstream `json:"upstreams"`
	Policy    Policy               `json:"policy"`
	Redis     Redis                `json:"redis"`
	Record    Record               `json:"record"`
	Metrics   Metrics              `json:"metrics"`
	RateLimit RateLimit            `json:"rate_limit"`

	Debug bool `json:"debug"`

	ConfigFile string `json:"-"`

	mu sync.RWMutex
}

// New loads the configuration from the default gatebox directory, creating
// it with defaults on first run.
func New() (*Config, error) {
	return NewWithDir(constant.GetGateboxConfDir())
}

// NewWithDir loads the configuration from a custom directory.
func NewWithDir(dir string) (*Config, error) {
	if dir == "" {
		return nil, fmt.Errorf("config directory is empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	cfg := &Config{ConfigFile: constant.GetConfigFile(dir)}
	if err := cfg.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg.mu.Lock()
		cfg.applyDefaults()
		err := cfg.save()
		cfg.applyEnv()
		cfg.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}
	return cfg, nil
}

// load reads the file and reapplies defaults and environment overrides.
// The watcher calls it on every file change.
func (c *Config) load() error {
	data, err := os.ReadFile(c.ConfigFile)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", c.ConfigFile, err)
	}
	if c.applyDefaults() {
		if err := c.save(); err != nil {
			return err
		}
	}
	c.applyEnv()
	return nil
}

// save writes the file atomically. Callers hold the lock.
func (c *Config) save() error {
	if c.ConfigFile == "" {
		return fmt.Errorf("config file path is empty")
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	tmp := c.ConfigFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, c.ConfigFile)
}

// Save persists the current state.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.save()
}

// applyDefaults fills missing fields and reports whether anything changed.
// Generated tokens are saved so they survive restarts.
func (c *Config) applyDefaults() bool {
	changed := false
	if c.Host == "" {
		c.Host = "127.0.0.1"
		changed = true
	}
	if c.Port == 0 {
		c.Port = 8080
		changed = true
	}
	if c.UserToken == "" {
		c.UserToken = "gatebox-" + randomHex(16)
		changed = true
	}
	if c.JWTSecret == "" {
		c.JWTSecret = randomHex(32)
		changed = true
	}
	if c.Upstreams == nil {
		c.Upstreams = make(map[string]*Upstream)
		changed = true
	}
	for _, name := range []string{"openai", "anthropic"} {
		if _, ok := c.Upstreams[name]; !ok {
			c.Upstreams[name] = &Upstream{}
			changed = true
		}
	}
	if c.Policy.Source == "" {
		c.Policy.Source = PolicySourceFile
		changed = true
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
		changed = true
	}
	if c.Record.Mode == "" {
		c.Record.Mode = "off"
		changed = true
	}
	return changed
}

// applyEnv overlays environment overrides. Callers hold the lock.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvListen); v != "" {
		if host, port, err := net.SplitHostPort(v); err == nil {
			if p, err := strconv.Atoi(port); err == nil {
				c.Host = host
				c.Port = p
			}
		}
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv(EnvPolicySource); v != "" {
		if v == PolicySourceStore {
			c.Policy.Source = PolicySourceStore
			c.Policy.Path = ""
		} else {
			c.Policy.Source = PolicySourceFile
			c.Policy.Path = v
		}
	}
}

// ListenAddr returns the host:port the server binds to.
func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// GetHost returns the listen host.
func (c *Config) GetHost() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Host
}

// GetPort returns the listen port.
func (c *Config) GetPort() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Port
}

// SetListen updates the listen address. Empty host and zero port keep the
// current values, so CLI flags can override either independently.
func (c *Config) SetListen(host string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if host != "" {
		c.Host = host
	}
	if port != 0 {
		c.Port = port
	}
	return c.save()
}

// GetUserToken returns the admin API bearer token.
func (c *Config) GetUserToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.UserToken
}

// SetUserToken replaces the admin API bearer token.
func (c *Config) SetUserToken(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.UserToken = token
	return c.save()
}

// GetJWTSecret returns the secret for signed admin tokens.
func (c *Config) GetJWTSecret() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.JWTSecret
}

// GetUpstream returns the overrides for a provider, zero when unset.
func (c *Config) GetUpstream(name string) Upstream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if up, ok := c.Upstreams[name]; ok && up != nil {
		return *up
	}
	return Upstream{}
}

// SetUpstream replaces the overrides for a provider.
func (c *Config) SetUpstream(name string, up Upstream) error {
	if name == "" {
		return fmt.Errorf("upstream name cannot be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Upstreams == nil {
		c.Upstreams = make(map[string]*Upstream)
	}
	c.Upstreams[name] = &up
	return c.save()
}

// GetPolicy returns the policy source selection.
func (c *Config) GetPolicy() Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Policy
}

// SetPolicy replaces the policy source selection.
func (c *Config) SetPolicy(p Policy) error {
	switch p.Source {
	case PolicySourceFile, PolicySourceStore:
	default:
		return fmt.Errorf("unknown policy source %q", p.Source)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Policy = p
	return c.save()
}

// GetRedis returns the redis sink settings.
func (c *Config) GetRedis() Redis {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Redis
}

// GetRecordMode returns the JSONL sink mode.
func (c *Config) GetRecordMode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Record.Mode
}

// SetRecordMode updates the JSONL sink mode.
func (c *Config) SetRecordMode(mode string) error {
	switch mode {
	case "off", "failed", "all":
	default:
		return fmt.Errorf("unknown record mode %q", mode)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Record.Mode = mode
	return c.save()
}

// GetMetrics returns the exporter selection.
func (c *Config) GetMetrics() Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Metrics
}

// GetRateLimit returns the per-key rate limit settings.
func (c *Config) GetRateLimit() RateLimit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RateLimit
}

// SetRateLimit updates the per-key rate limit settings.
func (c *Config) SetRateLimit(rl RateLimit) error {
	if rl.RPS < 0 {
		return fmt.Errorf("rate limit rps cannot be negative")
	}
	if rl.Burst < 0 {
		return fmt.Errorf("rate limit burst cannot be negative")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RateLimit = rl
	return c.save()
}

// GetDebug returns the debug flag.
func (c *Config) GetDebug() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Debug
}

// SetDebug updates the debug flag.
func (c *Config) SetDebug(debug bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Debug = debug
	return c.save()
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b)
}
