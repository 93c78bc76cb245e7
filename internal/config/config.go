// Package config loads planexec configuration from defaults, an optional
// YAML file, PLANEXEC_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override. server.max-body-bytes is
// read from PLANEXEC_SERVER_MAX_BODY_BYTES.
const EnvPrefix = "PLANEXEC"

// Cache backends.
const (
	CacheMemory = "memory"
	CacheNone   = "none"
	CacheEtcd   = "etcd"
)

var ErrInvalid = errors.New("config: invalid configuration")

type Config struct {
	Server   Server              `mapstructure:"server"`
	Log      Log                 `mapstructure:"log"`
	Otel     Otel                `mapstructure:"otel"`
	Metrics  Metrics             `mapstructure:"metrics"`
	Executor Executor            `mapstructure:"executor"`
	Cache    Cache               `mapstructure:"cache"`
	Authz    Authz               `mapstructure:"authz"`
	Stores   map[string]StoreSet `mapstructure:"stores"`
}

// StoreSet is one store's raw section. Each store decodes its own.
type StoreSet = map[string]any

type Server struct {
	Addr         string        `mapstructure:"addr"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Pretty       bool          `mapstructure:"pretty"`
	MaxBodyBytes int64         `mapstructure:"max-body-bytes"`
	CORSOrigins  []string      `mapstructure:"cors-origins"`
	// CustomErrorCodes reports error result codes instead of code 20.
	CustomErrorCodes bool `mapstructure:"custom-error-codes"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Otel struct {
	Endpoint string `mapstructure:"endpoint"`
	Service  string `mapstructure:"service"`
}

type Metrics struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type Executor struct {
	Concurrency         int `mapstructure:"concurrency"`
	GraphFetchBatchSize int `mapstructure:"graph-fetch-batch-size"`
}

type Cache struct {
	Backend string        `mapstructure:"backend"`
	Size    int           `mapstructure:"size"`
	TTL     time.Duration `mapstructure:"ttl"`
	Etcd    Etcd          `mapstructure:"etcd"`
}

type Etcd struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	Prefix      string        `mapstructure:"prefix"`
	DialTimeout time.Duration `mapstructure:"dial-timeout"`
}

// Authz lists which identities may use which connections. No rules means
// every connection is allowed.
type Authz struct {
	Rules []AuthzRule `mapstructure:"rules"`
}

type AuthzRule struct {
	Connection string   `mapstructure:"connection"`
	Identities []string `mapstructure:"identities"`
}

// Allow groups the rules by connection key.
func (a Authz) Allow() map[string][]string {
	if len(a.Rules) == 0 {
		return nil
	}
	out := map[string][]string{}
	for _, r := range a.Rules {
		out[r.Connection] = append(out[r.Connection], r.Identities...)
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.timeout", 30*time.Second)
	v.SetDefault("server.pretty", false)
	v.SetDefault("server.max-body-bytes", 32<<20)
	v.SetDefault("server.cors-origins", []string{})
	v.SetDefault("server.custom-error-codes", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.service", "planexec")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("executor.concurrency", 8)
	v.SetDefault("executor.graph-fetch-batch-size", 1000)
	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.size", 10000)
	v.SetDefault("cache.ttl", 10*time.Minute)
	v.SetDefault("cache.etcd.endpoints", []string{})
	v.SetDefault("cache.etcd.prefix", "/planexec/cache/")
	v.SetDefault("cache.etcd.dial-timeout", 5*time.Second)
	v.SetDefault("authz.rules", []any{})
	v.SetDefault("stores.relational.pool-eviction", 10*time.Minute)
	v.SetDefault("stores.relational.max-open-conns", 10)
	v.SetDefault("stores.service.backends", []string{})
	v.SetDefault("stores.service.max-conns-per-endpoint", 2)
	v.SetDefault("stores.service.rpc-timeout", 3*time.Second)
	v.SetDefault("stores.service.retries", 2)
	v.SetDefault("stores.service.idle-timeout", 10*time.Minute)
}

// RegisterFlags adds the flags Load understands to fs. Flag names are the
// configuration keys.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "YAML configuration file")
	fs.String("server.addr", ":8080", "HTTP listen address")
	fs.Duration("server.timeout", 30*time.Second, "Per-request timeout")
	fs.Bool("server.pretty", false, "Pretty-print JSON responses")
	fs.Int64("server.max-body-bytes", 32<<20, "Maximum request body size")
	fs.StringSlice("server.cors-origins", nil, "Allowed CORS origins")
	fs.String("log.level", "info", "Log level (debug, info, warn, error)")
	fs.String("log.format", "text", "Log format (text, json)")
	fs.String("otel.endpoint", "", "OTLP collector endpoint")
	fs.String("otel.service", "planexec", "OpenTelemetry service name")
	fs.Int("executor.concurrency", 8, "Worker pool size")
	fs.String("cache.backend", CacheMemory, "Graph fetch cache backend (memory, none, etcd)")
	fs.StringSlice("stores.service.backends", nil, "Map a service to an endpoint, Service=host:port. Repeatable; * sets the default")
}

// Load reads the configuration. file may be empty; when it is not, it is
// read from fsys. flags may be nil.
func Load(fsys afero.Fs, file string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetFs(fsys)
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
		if file == "" {
			file = v.GetString("config")
		}
	}
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case CacheMemory, CacheNone:
	case CacheEtcd:
		if len(c.Cache.Etcd.Endpoints) == 0 {
			return fmt.Errorf("%w: cache.etcd.endpoints is required for the etcd backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown cache.backend %q", ErrInvalid, c.Cache.Backend)
	}
	if c.Executor.Concurrency < 1 {
		return fmt.Errorf("%w: executor.concurrency must be positive", ErrInvalid)
	}
	if c.Executor.GraphFetchBatchSize < 0 {
		return fmt.Errorf("%w: executor.graph-fetch-batch-size must not be negative", ErrInvalid)
	}
	for _, r := range c.Authz.Rules {
		if r.Connection == "" {
			return fmt.Errorf("%w: authz rule without connection", ErrInvalid)
		}
	}
	return nil
}

// Store returns the section for storeType. Store types are matched without
// regard to case.
func (c *Config) Store(storeType string) StoreSet {
	return c.Stores[strings.ToLower(storeType)]
}
