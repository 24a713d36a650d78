package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the serving node configuration
type Config struct {
	Debug    bool           `yaml:"debug"`
	SIP      SIPConfig      `yaml:"sip"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	HTTP     HTTPConfig     `yaml:"http"`
	Resolver ResolverConfig `yaml:"resolver"`
	Health   HealthConfig   `yaml:"health"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
	Etcd     EtcdConfig     `yaml:"etcd"`
	Redis    RedisConfig    `yaml:"redis"`
	HSS      HSSConfig      `yaml:"hss"`
	Auth     AuthConfig     `yaml:"auth"`
}

// SIPConfig contains SIP transport configuration
type SIPConfig struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	Transport string        `yaml:"transport"` // UDP, TCP, TLS
	TLS       TLSConfig     `yaml:"tls"`
	Timeouts  TimeoutConfig `yaml:"timeouts"`
}

// ProxyConfig contains the sproutlet dispatch configuration
type ProxyConfig struct {
	// RootHost is the host placed in reflexive URIs emitted by the proxy.
	RootHost string `yaml:"root_host"`
	// HostAliases lists additional hosts/domains that refer to this node.
	HostAliases []string `yaml:"host_aliases"`
	// StatelessProxies are next-hops treated as stateless forwarders.
	StatelessProxies []string `yaml:"stateless_proxies"`
	// DropForksOnTerminate controls whether terminating an internally
	// originated transaction silently drops in-flight forks (default) or
	// cancels them first.
	DropForksOnTerminate *bool `yaml:"drop_forks_on_terminate"`
	// SessionExpires is the target session interval in seconds handed to
	// the session-expires helper sproutlet.
	SessionExpires int `yaml:"session_expires"`
}

// HTTPConfig contains the administrative HTTP listener configuration
type HTTPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ResolverConfig contains SIP DNS resolver configuration
type ResolverConfig struct {
	Servers           []string      `yaml:"servers"` // DNS server addresses, host:port
	Timeout           time.Duration `yaml:"timeout"`
	BlacklistDuration time.Duration `yaml:"blacklist_duration"`
	Retries           int           `yaml:"retries"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MetricsConfig contains metrics and monitoring configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level         string `yaml:"level"`  // debug, info, warn, error
	Format        string `yaml:"format"` // json, text
	File          string `yaml:"file"`   // log file path, stdout when empty
	IncludeSource bool   `yaml:"include_source"`
	Version       string `yaml:"version"`
	InstanceID    string `yaml:"instance_id"`
}

// EtcdConfig contains etcd connection configuration
type EtcdConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	TLS         TLSConfig     `yaml:"tls"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Enabled      bool      `yaml:"enabled"`
	Host         string    `yaml:"host"`
	Port         int       `yaml:"port"`
	Password     string    `yaml:"password"`
	Database     int       `yaml:"database"`
	PoolSize     int       `yaml:"pool_size"`
	MinIdleConns int       `yaml:"min_idle_conns"`
	Timeout      int       `yaml:"timeout"` // in seconds
	TLS          TLSConfig `yaml:"tls"`

	// RemoteHost/RemotePort point at the remote-site store. Remote writes
	// are best-effort; empty host disables the remote mirror.
	RemoteHost string `yaml:"remote_host"`
	RemotePort int    `yaml:"remote_port"`
}

// HSSConfig contains the home subscriber server HTTP client configuration
type HSSConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AuthConfig contains authentication configuration for the admin HTTP surface
type AuthConfig struct {
	Enabled   bool          `yaml:"enabled"`
	JWTSecret string        `yaml:"jwt_secret"`
	Issuer    string        `yaml:"issuer"`
	Leeway    time.Duration `yaml:"leeway"`
}

// TLSConfig contains TLS configuration
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// TimeoutConfig contains various timeout settings
type TimeoutConfig struct {
	Transaction  time.Duration `yaml:"transaction"`
	Registration time.Duration `yaml:"registration"`
}

// DropForks reports the configured terminate policy, defaulting to drop.
func (p *ProxyConfig) DropForks() bool {
	if p.DropForksOnTerminate == nil {
		return true
	}
	return *p.DropForksOnTerminate
}

// Load loads configuration from file or returns default configuration
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	// If file doesn't exist, return default config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints that yaml decoding cannot express.
func (c *Config) Validate() error {
	if c.Proxy.RootHost == "" {
		return fmt.Errorf("proxy.root_host must be set")
	}
	if c.SIP.Port <= 0 || c.SIP.Port > 65535 {
		return fmt.Errorf("sip.port %d out of range", c.SIP.Port)
	}
	if c.Resolver.Retries < 0 {
		return fmt.Errorf("resolver.retries must not be negative")
	}
	return nil
}

// defaultConfig returns the default configuration
func defaultConfig() *Config {
	return &Config{
		Debug: false,
		SIP: SIPConfig{
			Host:      "0.0.0.0",
			Port:      5054,
			Transport: "UDP",
			Timeouts: TimeoutConfig{
				Transaction:  32 * time.Second,
				Registration: 3600 * time.Second,
			},
		},
		Proxy: ProxyConfig{
			RootHost:       "canopy.example.com",
			HostAliases:    []string{},
			SessionExpires: 600,
		},
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         9888,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Resolver: ResolverConfig{
			Servers:           []string{"127.0.0.1:53"},
			Timeout:           2 * time.Second,
			BlacklistDuration: 30 * time.Second,
			Retries:           2,
		},
		Health: HealthConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Etcd: EtcdConfig{
			Enabled:     false,
			Endpoints:   []string{"127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Host:         "127.0.0.1",
			Port:         6379,
			Database:     0,
			PoolSize:     10,
			MinIdleConns: 5,
			Timeout:      5,
		},
		HSS: HSSConfig{
			BaseURL: "http://127.0.0.1:8888",
			Timeout: 5 * time.Second,
		},
		Auth: AuthConfig{
			Enabled: false,
			Issuer:  "canopy",
			Leeway:  30 * time.Second,
		},
	}
}
