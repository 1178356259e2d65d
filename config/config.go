// Package config loads the JSON configuration of a reqresp node and projects
// it onto the component configs.
//
//	{
//	  "protocol_id": "/reqresp/1.0.0",
//	  "request_timeout": "10s",
//	  "listen_addrs": ["/ip4/0.0.0.0/tcp/0"],
//	  "etcd_endpoints": ["127.0.0.1:2379"],
//	  "log": {"level": "info"}
//	}
//
// Zero or missing fields take the defaults of Default().
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	libprotocol "github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"mini-reqresp/engine"
	"mini-reqresp/logging"
	"mini-reqresp/protocol"
	"mini-reqresp/service"
	"mini-reqresp/transport"
)

const (
	DefaultListenAddr  = "/ip4/0.0.0.0/tcp/0"
	DefaultRegistryTTL = 10
	DefaultService     = "echo"
	DefaultPrefix      = "Echo: "
)

// Duration is a time.Duration written as a string such as "10s" in JSON.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

type Config struct {
	ProtocolID      string   `json:"protocol_id"`
	RequestTimeout  Duration `json:"request_timeout"`
	IdleConnTimeout Duration `json:"idle_conn_timeout"`
	MaxFrameSize    uint32   `json:"max_frame_size"`

	ListenAddrs     []string `json:"listen_addrs"`
	IdentityKeyFile string   `json:"identity_key_file"`

	Service               string  `json:"service"` // echo, time or prefix
	Prefix                string  `json:"prefix"`
	MaxConcurrentRequests int     `json:"max_concurrent_requests"` // 0 means unbounded
	RateLimit             float64 `json:"rate_limit"`              // requests per second, 0 disables
	RateBurst             int     `json:"rate_burst"`

	EtcdEndpoints []string `json:"etcd_endpoints"` // empty disables the registry
	RegistryTTL   int64    `json:"registry_ttl"`   // seconds
	Weight        int      `json:"weight"`
	Balancer      string   `json:"balancer"`

	MetricsAddr string         `json:"metrics_addr"` // empty disables /metrics
	Log         logging.Config `json:"log"`
}

func Default() *Config {
	return &Config{
		ProtocolID:      string(protocol.DefaultID),
		RequestTimeout:  Duration{engine.DefaultRequestTimeout},
		IdleConnTimeout: Duration{transport.DefaultIdleConnTimeout},
		MaxFrameSize:    protocol.DefaultMaxFrameSize,
		ListenAddrs:     []string{DefaultListenAddr},
		Service:         DefaultService,
		Prefix:          DefaultPrefix,
		RegistryTTL:     DefaultRegistryTTL,
		Weight:          1,
		Balancer:        "round_robin",
		Log:             logging.DefaultConfig(),
	}
}

// Load reads the JSON file at path on top of the defaults. Unknown fields are
// rejected.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve fills zero fields with their defaults.
func (c *Config) Resolve() {
	def := Default()
	if c.ProtocolID == "" {
		c.ProtocolID = def.ProtocolID
	}
	if c.RequestTimeout.Duration <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.IdleConnTimeout.Duration <= 0 {
		c.IdleConnTimeout = def.IdleConnTimeout
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.Service == "" {
		c.Service = def.Service
	}
	if c.RegistryTTL <= 0 {
		c.RegistryTTL = def.RegistryTTL
	}
	if c.Weight <= 0 {
		c.Weight = def.Weight
	}
	if c.Balancer == "" {
		c.Balancer = def.Balancer
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if err := protocol.ValidateID(libprotocol.ID(c.ProtocolID)); err != nil {
		errs = append(errs, err)
	}
	for _, a := range c.ListenAddrs {
		if _, err := ma.NewMultiaddr(a); err != nil {
			errs = append(errs, fmt.Errorf("listen address %q: %w", a, err))
		}
	}
	if c.MaxConcurrentRequests < 0 {
		errs = append(errs, errors.New("max_concurrent_requests must not be negative"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rate_limit must not be negative"))
	}
	switch c.Service {
	case "echo", "time", "prefix":
	default:
		errs = append(errs, fmt.Errorf("unknown service %q", c.Service))
	}
	switch c.Balancer {
	case "round_robin", "weighted_random", "consistent_hash":
	default:
		errs = append(errs, fmt.Errorf("unknown balancer %q", c.Balancer))
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		ProtocolID:     libprotocol.ID(c.ProtocolID),
		RequestTimeout: c.RequestTimeout.Duration,
		MaxFrameSize:   c.MaxFrameSize,
	}
}

func (c *Config) HostConfig(logger *zap.Logger) transport.HostConfig {
	return transport.HostConfig{
		ListenAddrs:     c.ListenAddrs,
		IdleConnTimeout: c.IdleConnTimeout.Duration,
		IdentityKeyFile: c.IdentityKeyFile,
		Logger:          logger,
	}
}

// BuildService returns the configured built-in service wrapped in the
// configured rate limit and concurrency limit.
func (c *Config) BuildService() (service.Service, error) {
	svc, err := service.ByName(c.Service, c.Prefix)
	if err != nil {
		return nil, err
	}
	if c.RateLimit > 0 {
		svc = service.RateLimit(svc, c.RateLimit, c.RateBurst)
	}
	if c.MaxConcurrentRequests > 0 {
		svc = service.Limit(svc, c.MaxConcurrentRequests)
	}
	return svc, nil
}
