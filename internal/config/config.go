package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like
// "90s" or "1m30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration structure for the daemon.
type Config struct {
	Server    *ServerConfig    `json:"server,omitempty" toml:"server,omitempty"`
	Transport *TransportConfig `json:"transport,omitempty" toml:"transport,omitempty"`
	Processor *ProcessorConfig `json:"processor,omitempty" toml:"processor,omitempty"`
	Logging   *LoggingConfig   `json:"logging,omitempty" toml:"logging,omitempty"`
	Metrics   *MetricsConfig   `json:"metrics,omitempty" toml:"metrics,omitempty"`
}

// ServerConfig holds listener and lifecycle settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the acceptor listens on.
	ListenAddr *string `json:"listen_addr,omitempty" toml:"listen_addr,omitempty"`
	// WSListenAddr, when set, additionally serves the same protocol over
	// WebSocket at WSPath.
	WSListenAddr *string `json:"ws_listen_addr,omitempty" toml:"ws_listen_addr,omitempty"`
	WSPath       *string `json:"ws_path,omitempty" toml:"ws_path,omitempty"`
	// MaxConnections caps simultaneously accepted connections; further
	// dials queue in the listener backlog.
	MaxConnections *int `json:"max_connections,omitempty" toml:"max_connections,omitempty"`
	// IdleTimeout closes a connection that delivers no frame (including
	// heartbeats) for this long. Zero disables the check.
	IdleTimeout *Duration `json:"idle_timeout,omitempty" toml:"idle_timeout,omitempty"`
	// ShutdownGrace bounds how long Shutdown waits for live connections
	// to drain before force-closing them.
	ShutdownGrace *Duration `json:"shutdown_grace,omitempty" toml:"shutdown_grace,omitempty"`
}

// TransportConfig tunes the per-connection buffers and queues.
type TransportConfig struct {
	// HighWatermark and LowWatermark are byte thresholds on the outbound
	// queue. Reaching HighWatermark flips the connection to not-writable;
	// draining to LowWatermark flips it back.
	HighWatermark *int64 `json:"high_watermark,omitempty" toml:"high_watermark,omitempty"`
	LowWatermark  *int64 `json:"low_watermark,omitempty" toml:"low_watermark,omitempty"`
	// ReadBufferSize and WriteBufferSize size the bufio layers on the
	// socket.
	ReadBufferSize  *int `json:"read_buffer_size,omitempty" toml:"read_buffer_size,omitempty"`
	WriteBufferSize *int `json:"write_buffer_size,omitempty" toml:"write_buffer_size,omitempty"`
	// MaxBodyBytes caps the declared body length of any inbound frame.
	MaxBodyBytes *uint32 `json:"max_body_bytes,omitempty" toml:"max_body_bytes,omitempty"`
	// EventQueueSize buffers decoded events between the socket goroutines
	// and the connection's event loop.
	EventQueueSize *int `json:"event_queue_size,omitempty" toml:"event_queue_size,omitempty"`
	// WriteTimeout bounds a single frame write to the socket.
	WriteTimeout *Duration `json:"write_timeout,omitempty" toml:"write_timeout,omitempty"`
}

// ProcessorConfig sizes the request worker pool.
type ProcessorConfig struct {
	// Workers is the number of goroutines executing service calls.
	// Zero selects the number of CPUs.
	Workers *int `json:"workers,omitempty" toml:"workers,omitempty"`
	// QueueCapacity bounds the submitted-but-unstarted task queue.
	// When full, new requests are answered with SERVER_BUSY.
	QueueCapacity *int `json:"queue_capacity,omitempty" toml:"queue_capacity,omitempty"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum severity emitted: debug, info, warn or error.
	Level *string `json:"level,omitempty" toml:"level,omitempty"`
	// Target is "stderr", "stdout" or an absolute file path.
	Target *string `json:"target,omitempty" toml:"target,omitempty"`
	// WritabilityLevel is the severity used for backpressure transition
	// events. They are protocol-normal but operationally noteworthy, so
	// the default is warn.
	WritabilityLevel *string `json:"writability_level,omitempty" toml:"writability_level,omitempty"`
}

// MetricsConfig controls the optional Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled    *bool   `json:"enabled,omitempty" toml:"enabled,omitempty"`
	ListenAddr *string `json:"listen_addr,omitempty" toml:"listen_addr,omitempty"`
}

// Defaults applied by ApplyDefaults.
const (
	DefaultListenAddr     = ":8090"
	DefaultWSPath         = "/rpc"
	DefaultMaxConnections = 4096
	DefaultIdleTimeout    = 90 * time.Second
	DefaultShutdownGrace  = 15 * time.Second

	DefaultHighWatermark   = int64(64 << 10)
	DefaultLowWatermark    = int64(32 << 10)
	DefaultReadBufferSize  = 32 << 10
	DefaultWriteBufferSize = 32 << 10
	DefaultMaxBodyBytes    = uint32(4 << 20)
	DefaultEventQueueSize  = 64
	DefaultWriteTimeout    = 30 * time.Second

	DefaultQueueCapacity = 1024

	DefaultLogLevel         = "info"
	DefaultLogTarget        = "stderr"
	DefaultWritabilityLevel = "warn"

	DefaultMetricsListenAddr = ":9090"
)

// Default returns a configuration with every field at its default.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// Load reads, parses, applies defaults to and validates the TOML
// configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses TOML configuration bytes, applies defaults and
// validates. Unknown keys are rejected so typos do not silently
// fall back to defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse config: unknown key %q", undecoded[0].String())
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every nil field with its default value.
func (c *Config) ApplyDefaults() {
	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	s := c.Server
	if s.ListenAddr == nil {
		s.ListenAddr = ptr(DefaultListenAddr)
	}
	if s.WSPath == nil {
		s.WSPath = ptr(DefaultWSPath)
	}
	if s.MaxConnections == nil {
		s.MaxConnections = ptr(DefaultMaxConnections)
	}
	if s.IdleTimeout == nil {
		s.IdleTimeout = ptr(Duration(DefaultIdleTimeout))
	}
	if s.ShutdownGrace == nil {
		s.ShutdownGrace = ptr(Duration(DefaultShutdownGrace))
	}

	if c.Transport == nil {
		c.Transport = &TransportConfig{}
	}
	tr := c.Transport
	if tr.HighWatermark == nil {
		tr.HighWatermark = ptr(DefaultHighWatermark)
	}
	if tr.LowWatermark == nil {
		tr.LowWatermark = ptr(DefaultLowWatermark)
	}
	if tr.ReadBufferSize == nil {
		tr.ReadBufferSize = ptr(DefaultReadBufferSize)
	}
	if tr.WriteBufferSize == nil {
		tr.WriteBufferSize = ptr(DefaultWriteBufferSize)
	}
	if tr.MaxBodyBytes == nil {
		tr.MaxBodyBytes = ptr(DefaultMaxBodyBytes)
	}
	if tr.EventQueueSize == nil {
		tr.EventQueueSize = ptr(DefaultEventQueueSize)
	}
	if tr.WriteTimeout == nil {
		tr.WriteTimeout = ptr(Duration(DefaultWriteTimeout))
	}

	if c.Processor == nil {
		c.Processor = &ProcessorConfig{}
	}
	p := c.Processor
	if p.Workers == nil {
		p.Workers = ptr(runtime.NumCPU())
	}
	if p.QueueCapacity == nil {
		p.QueueCapacity = ptr(DefaultQueueCapacity)
	}

	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	lg := c.Logging
	if lg.Level == nil {
		lg.Level = ptr(DefaultLogLevel)
	}
	if lg.Target == nil {
		lg.Target = ptr(DefaultLogTarget)
	}
	if lg.WritabilityLevel == nil {
		lg.WritabilityLevel = ptr(DefaultWritabilityLevel)
	}

	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}
	m := c.Metrics
	if m.Enabled == nil {
		m.Enabled = ptr(false)
	}
	if m.ListenAddr == nil {
		m.ListenAddr = ptr(DefaultMetricsListenAddr)
	}
}

// Validate checks cross-field constraints. It assumes ApplyDefaults has
// run, so every field is non-nil.
func (c *Config) Validate() error {
	if *c.Server.ListenAddr == "" && (c.Server.WSListenAddr == nil || *c.Server.WSListenAddr == "") {
		return fmt.Errorf("config: server.listen_addr and server.ws_listen_addr are both empty, nothing to serve")
	}
	if *c.Server.MaxConnections <= 0 {
		return fmt.Errorf("config: server.max_connections must be positive, got %d", *c.Server.MaxConnections)
	}
	if *c.Server.IdleTimeout < 0 {
		return fmt.Errorf("config: server.idle_timeout must not be negative")
	}

	hi, lo := *c.Transport.HighWatermark, *c.Transport.LowWatermark
	if lo <= 0 || hi <= 0 {
		return fmt.Errorf("config: transport watermarks must be positive, got high=%d low=%d", hi, lo)
	}
	if lo >= hi {
		return fmt.Errorf("config: transport.low_watermark (%d) must be below transport.high_watermark (%d)", lo, hi)
	}
	if *c.Transport.MaxBodyBytes == 0 {
		return fmt.Errorf("config: transport.max_body_bytes must be positive")
	}
	if *c.Transport.EventQueueSize <= 0 {
		return fmt.Errorf("config: transport.event_queue_size must be positive, got %d", *c.Transport.EventQueueSize)
	}

	if *c.Processor.Workers < 0 {
		return fmt.Errorf("config: processor.workers must not be negative, got %d", *c.Processor.Workers)
	}
	if *c.Processor.QueueCapacity <= 0 {
		return fmt.Errorf("config: processor.queue_capacity must be positive, got %d", *c.Processor.QueueCapacity)
	}

	for _, lv := range []struct{ key, val string }{
		{"logging.level", *c.Logging.Level},
		{"logging.writability_level", *c.Logging.WritabilityLevel},
	} {
		switch lv.val {
		case "trace", "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("config: %s must be one of trace, debug, info, warn, error; got %q", lv.key, lv.val)
		}
	}

	if *c.Metrics.Enabled && *c.Metrics.ListenAddr == "" {
		return fmt.Errorf("config: metrics.listen_addr must be set when metrics are enabled")
	}

	return nil
}

func ptr[T any](v T) *T { return &v }
