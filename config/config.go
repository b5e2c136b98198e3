// Package config loads the godot option file. Every key can be overridden by
// an environment variable: server.address is GODOT_SERVER_ADDRESS.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var ErrNoConfig = errors.New("config file not found")

type Option struct {
	Log      Log      `mapstructure:"log"`
	Server   Server   `mapstructure:"server"`
	Cache    Cache    `mapstructure:"cache"`
	Upstream Upstream `mapstructure:"upstream"`
	Metrics  Metrics  `mapstructure:"metrics"`
}

type Log struct {
	File       string `mapstructure:"file"`
	STDOUT     bool   `mapstructure:"stdout"`
	Verbose    bool   `mapstructure:"verbose"`
	JSON       bool   `mapstructure:"json"`
	MaxAge     int    `mapstructure:"max_age" validate:"gte=0"`  // days
	MaxSize    int    `mapstructure:"max_size" validate:"gte=0"` // megabytes
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

type Server struct {
	Address string `mapstructure:"address" validate:"required"`

	// Workers is the number of sockets bound to Address, one reader each.
	Workers        int           `mapstructure:"workers" validate:"gte=1"`
	TCP            bool          `mapstructure:"tcp"`
	MaxTCPClients  int64         `mapstructure:"max_tcp_clients" validate:"gte=1"`
	TCPIdleTimeout time.Duration `mapstructure:"tcp_idle_timeout" validate:"gt=0s"`

	// a query is at least a header, the root name, type and class
	MinQuerySize  int `mapstructure:"min_query_size" validate:"gte=17"`
	MaxQuerySize  int `mapstructure:"max_query_size" validate:"gtefield=MinQuerySize,lte=65535"`
	MaxUDPSize    int `mapstructure:"max_udp_size" validate:"gte=512,lte=65535"`
	UDPBufferSize int `mapstructure:"udp_buffer_size" validate:"gte=0"`
	QueueSize     int `mapstructure:"queue_size" validate:"gte=1"`
}

type Cache struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gte=0s"` // disabled if zero
	MinTTL        time.Duration `mapstructure:"min_ttl" validate:"gte=0s"`
	MaxTTL        time.Duration `mapstructure:"max_ttl" validate:"gtefield=MinTTL"`
}

type Upstream struct {
	// Resolvers are groups of upstream urls, the fastest of every group is
	// used: udp://host[:port], tcp://host[:port] or tls://host[:port].
	Resolvers [][]string    `mapstructure:"resolvers" validate:"required,min=1,dive,min=1,dive,url"`
	Workers   int           `mapstructure:"workers" validate:"gte=1"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0s"`
	Proxy     string        `mapstructure:"proxy" validate:"omitempty,url"` // socks5 for tcp and tls

	// ECS settings, ECS will disable when nil
	ECS *ECS `mapstructure:"ecs"`
}

// ECS addresses left empty are looked up at LookupURL.
type ECS struct {
	IPV4       string `mapstructure:"ip_v4" validate:"omitempty,ipv4"`
	IPV6       string `mapstructure:"ip_v6" validate:"omitempty,ipv6"`
	MaskBitsV4 uint8  `mapstructure:"mask_bits_v4" validate:"lte=32"`
	MaskBitsV6 uint8  `mapstructure:"mask_bits_v6" validate:"lte=128"`
	LookupURL  string `mapstructure:"lookup_url" validate:"omitempty,url"`
}

type Metrics struct {
	Address string `mapstructure:"address"` // disabled if empty
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.max_age", 2)
	v.SetDefault("log.max_size", 10)
	v.SetDefault("log.max_backups", 100)

	v.SetDefault("server.address", "127.0.0.1:53")
	v.SetDefault("server.workers", 4)
	v.SetDefault("server.tcp", true)
	v.SetDefault("server.max_tcp_clients", 256)
	v.SetDefault("server.tcp_idle_timeout", 10*time.Second)
	v.SetDefault("server.min_query_size", 17)
	v.SetDefault("server.max_query_size", 512)
	v.SetDefault("server.max_udp_size", 65535)
	v.SetDefault("server.udp_buffer_size", 16<<20)
	v.SetDefault("server.queue_size", 1024)

	v.SetDefault("cache.sweep_interval", time.Minute)
	v.SetDefault("cache.min_ttl", time.Minute)
	v.SetDefault("cache.max_ttl", 24*time.Hour)

	v.SetDefault("upstream.workers", 16)
	v.SetDefault("upstream.timeout", 5*time.Second)
	v.SetDefault("upstream.proxy", "")

	v.SetDefault("metrics.address", "")
}

// Load reads the option file at path, JSON or YAML by extension, and
// validates the result.
func Load(path string) (*Option, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GODOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoConfig, path)
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var option Option
	if err := v.Unmarshal(&option); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	if err := validator.New().Struct(&option); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &option, nil
}
