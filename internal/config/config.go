// Package config provides configuration management for the cache daemon.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (STBCACHE_* prefix)
//  3. Configuration file (stbcache.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/stbcache/stbcache.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the daemon
type Config struct {
	// NodeName labels metrics and health output
	NodeName string `mapstructure:"node_name"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`

	Multicast MulticastConfig `mapstructure:"multicast"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Carousel  CarouselConfig  `mapstructure:"carousel"`
	Origin    OriginConfig    `mapstructure:"origin"`
	Persist   PersistConfig   `mapstructure:"persist"`
}

// MulticastConfig configures carousel reception
type MulticastConfig struct {
	// Enabled turns reception off for origin-only deployments
	Enabled bool `mapstructure:"enabled"`

	// Group is the IPv4 multicast group to join
	Group string `mapstructure:"group"`

	// Port is the UDP port of the group
	Port int `mapstructure:"port"`

	// Interface names the interface to join on, empty for the default
	Interface string `mapstructure:"interface"`

	// ReadBuffer is the socket receive buffer in bytes
	ReadBuffer int `mapstructure:"read_buffer"`
}

// HTTPConfig configures the content server
type HTTPConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	// WriteIdleTimeout bounds each write of a response body. There is no
	// whole-response timeout: large objects stream to slow clients.
	WriteIdleTimeout time.Duration `mapstructure:"write_idle_timeout"`
}

// AdminConfig configures the admin API server
type AdminConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// CacheConfig configures the cache store and sweeper
type CacheConfig struct {
	// Capacity is the byte ceiling enforced by the sweeper
	Capacity int64 `mapstructure:"capacity"`

	// MaxEntries is the entry ceiling, 0 for unlimited
	MaxEntries int `mapstructure:"max_entries"`

	// MaxObjectSize bounds carousel objects accepted for assembly
	MaxObjectSize int64 `mapstructure:"max_object_size"`

	// MMapThreshold is the payload size from which anonymous mappings are used
	MMapThreshold int64 `mapstructure:"mmap_threshold"`

	// DefaultTTL applies to carousel objects without a declared validity
	DefaultTTL time.Duration `mapstructure:"default_ttl"`

	// SweepInterval is the period of the eviction sweeper
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	// EvictLockWait bounds how long an eviction waits for readers
	EvictLockWait time.Duration `mapstructure:"evict_lock_wait"`
}

// CarouselConfig configures object reassembly
type CarouselConfig struct {
	// PIDs restricts reassembly to these streams, empty for all
	PIDs []uint16 `mapstructure:"pids"`

	// AssemblyTimeout discards objects still incomplete after this long
	AssemblyTimeout time.Duration `mapstructure:"assembly_timeout"`

	// MaxInFlight bounds concurrently assembled objects
	MaxInFlight int `mapstructure:"max_in_flight"`

	// URLPrefix builds origin URLs for objects that carry none
	URLPrefix string `mapstructure:"url_prefix"`
}

// OriginConfig configures miss handling
type OriginConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxObjectSize int64         `mapstructure:"max_object_size"`
	Populate      bool          `mapstructure:"populate"`
	TTL           time.Duration `mapstructure:"ttl"`
	SkipTLSVerify bool          `mapstructure:"skip_tls_verify"`
	S3            S3Config      `mapstructure:"s3"`
}

// S3Config configures s3:// origins
type S3Config struct {
	Driver    string `mapstructure:"driver"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// PersistConfig configures the on-disk snapshot
type PersistConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Dir         string `mapstructure:"dir"`
	Compression string `mapstructure:"compression"`
}

// Options are command line overrides
type Options struct {
	HTTPPort  int
	AdminPort int
	LogLevel  string
}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load from config file if specified
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		// Try to find config in standard locations
		v.SetConfigName("stbcache")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/stbcache")
		v.AddConfigPath("$HOME/.stbcache")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	// Environment variables override
	v.SetEnvPrefix("STBCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Apply command line options
	if opts.HTTPPort != 0 {
		v.Set("http.port", opts.HTTPPort)
	}
	if opts.AdminPort != 0 {
		v.Set("admin.port", opts.AdminPort)
	}
	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	hostname, _ := os.Hostname()
	v.SetDefault("node_name", hostname)
	v.SetDefault("log_level", "info")

	// Multicast carousel
	v.SetDefault("multicast.enabled", true)
	v.SetDefault("multicast.group", "239.255.1.1")
	v.SetDefault("multicast.port", 5001)
	v.SetDefault("multicast.interface", "")
	v.SetDefault("multicast.read_buffer", 4*1024*1024) // 4MB

	// Servers
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_header_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 2*time.Minute)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("http.write_idle_timeout", 30*time.Second)
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.port", 8081)
	v.SetDefault("admin.cors_origins", []string{"*"})

	// Cache
	v.SetDefault("cache.capacity", int64(10*1024*1024*1024)) // 10GB
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.max_object_size", int64(2*1024*1024*1024)) // 2GB
	v.SetDefault("cache.mmap_threshold", int64(1024*1024))         // 1MB
	v.SetDefault("cache.default_ttl", time.Hour)
	v.SetDefault("cache.sweep_interval", 5*time.Minute)
	v.SetDefault("cache.evict_lock_wait", 250*time.Millisecond)

	// Carousel
	v.SetDefault("carousel.pids", []uint16{})
	v.SetDefault("carousel.assembly_timeout", 10*time.Minute)
	v.SetDefault("carousel.max_in_flight", 256)
	v.SetDefault("carousel.url_prefix", "")

	// Origin
	v.SetDefault("origin.base_url", "")
	v.SetDefault("origin.timeout", 30*time.Second)
	v.SetDefault("origin.max_object_size", int64(2*1024*1024*1024)) // 2GB
	v.SetDefault("origin.populate", true)
	v.SetDefault("origin.ttl", time.Hour)
	v.SetDefault("origin.skip_tls_verify", false)
	v.SetDefault("origin.s3.driver", "aws")
	v.SetDefault("origin.s3.endpoint", "")
	v.SetDefault("origin.s3.region", "us-east-1")
	v.SetDefault("origin.s3.access_key", "")
	v.SetDefault("origin.s3.secret_key", "")
	v.SetDefault("origin.s3.use_ssl", true)

	// Persistence
	v.SetDefault("persist.enabled", false)
	v.SetDefault("persist.dir", "/var/cache/satellite")
	v.SetDefault("persist.compression", "zstd")
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	if err := validatePort("http.port", c.HTTP.Port); err != nil {
		return err
	}
	if c.HTTP.WriteIdleTimeout < 0 {
		return fmt.Errorf("http.write_idle_timeout cannot be negative, got %s", c.HTTP.WriteIdleTimeout)
	}
	if c.Admin.Enabled {
		if err := validatePort("admin.port", c.Admin.Port); err != nil {
			return err
		}
		if c.Admin.Port == c.HTTP.Port {
			return fmt.Errorf("admin.port and http.port must differ (both %d)", c.HTTP.Port)
		}
	}

	if c.Multicast.Enabled {
		group := net.ParseIP(c.Multicast.Group)
		if group == nil || group.To4() == nil || !group.IsMulticast() {
			return fmt.Errorf("multicast.group %q is not an IPv4 multicast address", c.Multicast.Group)
		}
		if err := validatePort("multicast.port", c.Multicast.Port); err != nil {
			return err
		}
	}

	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be positive, got %d", c.Cache.Capacity)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries cannot be negative")
	}
	if c.Cache.SweepInterval <= 0 {
		return fmt.Errorf("cache.sweep_interval must be positive, got %s", c.Cache.SweepInterval)
	}
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache.default_ttl must be positive, got %s", c.Cache.DefaultTTL)
	}
	if c.Cache.EvictLockWait < 0 {
		return fmt.Errorf("cache.evict_lock_wait cannot be negative")
	}

	if c.Carousel.AssemblyTimeout <= 0 {
		return fmt.Errorf("carousel.assembly_timeout must be positive, got %s", c.Carousel.AssemblyTimeout)
	}
	for _, pid := range c.Carousel.PIDs {
		if pid >= 0x1FFF {
			return fmt.Errorf("carousel.pids: %#x is not a data pid", pid)
		}
	}

	if c.Origin.TTL <= 0 {
		return fmt.Errorf("origin.ttl must be positive, got %s", c.Origin.TTL)
	}
	switch c.Origin.S3.Driver {
	case "aws", "minio":
	default:
		return fmt.Errorf("unknown origin.s3.driver %q", c.Origin.S3.Driver)
	}

	switch c.Persist.Compression {
	case "none", "zstd", "lz4":
	default:
		return fmt.Errorf("unknown persist.compression %q", c.Persist.Compression)
	}

	if c.Persist.Enabled {
		// Ensure snapshot directory exists with secure permissions
		if err := os.MkdirAll(c.Persist.Dir, 0750); err != nil {
			return fmt.Errorf("failed to create persist directory: %w", err)
		}
	}

	return nil
}

func validatePort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s %d out of range", name, port)
	}
	return nil
}
