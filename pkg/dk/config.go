// Package dk provides the DK server: a completion-driven HTTP/1.1 and HTTP/2
// server with optional TLS and an HTTP/3 diagnostic listener.
package dk

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Diogokranzz/HTTP-2/internal/logging"
)

// Config holds the server configuration options.
type Config struct {
	Addr         string `yaml:"addr"`           // Address for the TCP and UDP listeners
	Backend      string `yaml:"backend"`        // Reactor backend: "gnet" or "port"
	Multicore    bool   `yaml:"multicore"`      // Run gnet with one event loop per core
	NumEventLoop int    `yaml:"num_event_loop"` // Number of gnet event loops (0 for auto-detect)
	ReusePort    bool   `yaml:"reuse_port"`     // Enable SO_REUSEPORT
	QueueDepth   int    `yaml:"queue_depth"`    // Maximum in-flight reactor operations
	PoolBlocks   int    `yaml:"pool_blocks"`    // Connection buffer blocks; bounds concurrent connections

	CertFile string `yaml:"cert_file"` // TLS certificate (PEM); TLS is off when empty
	KeyFile  string `yaml:"key_file"`  // TLS private key (PEM)

	StaticFile      string `yaml:"static_file"`       // Landing page served for / and /index.html
	WriteStaticFile bool   `yaml:"write_static_file"` // Write the default landing page at startup

	MaxBodyBytes         int64  `yaml:"max_body_bytes"`         // Largest accepted HTTP/1.1 request body
	MaxConcurrentStreams uint32 `yaml:"max_concurrent_streams"` // Maximum concurrent HTTP/2 streams
	EnableH2             bool   `yaml:"enable_h2"`              // Accept the HTTP/2 preface
	DispatchH2           bool   `yaml:"dispatch_h2"`            // Route HTTP/2 requests through the route table instead of the demo response
	EnableQUIC           bool   `yaml:"enable_quic"`            // Open the UDP listener for QUIC diagnostics

	MetricsAddr     string `yaml:"metrics_addr"`      // Prometheus endpoint address; disabled when empty
	Compression     bool   `yaml:"compression"`       // Compress responses with brotli or gzip
	CompressMinSize int    `yaml:"compress_min_size"` // Smallest body worth compressing
	Tracing         bool   `yaml:"tracing"`           // Open an OpenTelemetry span per request

	Log    logging.Config `yaml:"log"`
	Logger *zap.Logger    `yaml:"-"` // Logger for server events
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:                 ":8080",
		Backend:              "gnet",
		Multicore:            true,
		ReusePort:            true,
		QueueDepth:           4096,
		PoolBlocks:           10000,
		StaticFile:           "index.html",
		WriteStaticFile:      true,
		MaxBodyBytes:         1 << 20,
		MaxConcurrentStreams: 100,
		EnableH2:             true,
		DispatchH2:           false,
		EnableQUIC:           true,
		Compression:          true,
		CompressMinSize:      1024,
		Log:                  logging.Config{Level: "info", Format: "json"},
		Logger:               zap.NewNop(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	c.Backend = strings.ToLower(c.Backend)
	switch c.Backend {
	case "":
		c.Backend = "gnet"
	case "gnet", "port":
	default:
		return errors.Errorf("config: unknown backend %q", c.Backend)
	}
	if c.NumEventLoop < 0 {
		return errors.Errorf("config: num_event_loop must not be negative, got %d", c.NumEventLoop)
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 4096
	}
	if c.PoolBlocks <= 0 {
		c.PoolBlocks = 10000
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("config: cert_file and key_file must be set together")
	}
	if c.StaticFile == "" {
		c.StaticFile = "index.html"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 100
	}
	if c.CompressMinSize <= 0 {
		c.CompressMinSize = 1024
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// LoadConfig reads a YAML file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "config: read")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "config: parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
