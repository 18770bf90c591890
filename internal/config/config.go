// Package config provides configuration management for plexbridge using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort           = 5004
	defaultServerTimeout        = 30 * time.Second
	defaultShutdownTimeout      = 10 * time.Second
	defaultMaxOpenConns         = 25
	defaultMaxIdleConns         = 10
	defaultConnMaxIdleTime      = 30 * time.Minute
	defaultMaxConcurrentStreams = 5
	defaultMaxConcurrentPreview = 3
	defaultRingBufferBytes      = 16 * 1024 * 1024
	defaultChunkSizeBytes       = 64 * 1024
	defaultStartupDeadline      = 10 * time.Second
	defaultStallDeadline        = 30 * time.Second
	defaultIdleGrace            = 15 * time.Second
	defaultDrainDeadline        = 10 * time.Second
	defaultStopGrace            = 5 * time.Second
	defaultPreviewIdleTimeout   = 30 * time.Second
	defaultConnectTimeout       = 10 * time.Second
	defaultRequestTimeout       = 30 * time.Second
	defaultSegmentTimeout       = 15 * time.Second
	defaultVariantCacheTTL      = 25 * time.Minute
	defaultSegmentCacheEntries  = 1024
	defaultBaseBackoff          = time.Second
	defaultMaxBackoff           = 30 * time.Second
	defaultPreemptiveRenewal    = 25 * time.Minute
	defaultHealthyDwell         = 60 * time.Second
	defaultAuditRetention       = 24 * time.Hour
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Streaming  StreamingConfig  `mapstructure:"streaming"`
	Templates  TemplatesConfig  `mapstructure:"templates"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Resolver   ResolverConfig   `mapstructure:"resolver"`
	Clients    ClientsConfig    `mapstructure:"clients"`
	FFmpeg     FFmpegConfig     `mapstructure:"ffmpeg"`
	Device     DeviceConfig     `mapstructure:"device"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	BaseURL         string        `mapstructure:"base_url"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// StreamingConfig holds the tuner streaming plane configuration.
type StreamingConfig struct {
	// MaxConcurrentStreams caps concurrent tuner sessions.
	MaxConcurrentStreams int `mapstructure:"max_concurrent_streams"`
	// MaxConcurrentPreviews caps concurrent preview sessions.
	MaxConcurrentPreviews int `mapstructure:"max_concurrent_previews"`
	// RingBufferBytes is the fan-out buffer capacity per session.
	RingBufferBytes ByteSize `mapstructure:"ring_buffer_bytes"`
	// ChunkSizeBytes is the upper bound on a single producer read.
	ChunkSizeBytes ByteSize `mapstructure:"chunk_size_bytes"`
	// StartupDeadline is how long a session may wait for the first byte.
	StartupDeadline time.Duration `mapstructure:"startup_deadline"`
	// StallDeadline is how long an active session may run without bytes.
	StallDeadline time.Duration `mapstructure:"stall_deadline"`
	// IdleGrace is how long a session survives with zero subscribers.
	IdleGrace time.Duration `mapstructure:"idle_grace"`
	// DrainDeadline bounds the drain phase before the session is forced down.
	DrainDeadline time.Duration `mapstructure:"drain_deadline"`
	// StopGrace is the soft-terminate window before the subprocess is killed.
	StopGrace time.Duration `mapstructure:"stop_grace"`
	// PreviewIdleTimeout ends previews that nobody is reading.
	PreviewIdleTimeout time.Duration `mapstructure:"preview_idle_timeout"`
}

// TemplatesConfig holds subprocess argument templates. Each template contains
// a single [URL] placeholder substituted with the resolved upstream URL.
type TemplatesConfig struct {
	MpegtsCopy     string `mapstructure:"mpegts_copy"`
	MpegtsReencode string `mapstructure:"mpegts_reencode"`
	PreviewMP4     string `mapstructure:"preview_mp4"`
	HLSExtraArgs   string `mapstructure:"hls_extra_args"`
}

// ResilienceConfig tunes the recovery ladder.
type ResilienceConfig struct {
	N1                int           `mapstructure:"n1"`
	N2                int           `mapstructure:"n2"`
	N3                int           `mapstructure:"n3"`
	BaseBackoff       time.Duration `mapstructure:"base_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	PreemptiveRenewal time.Duration `mapstructure:"preemptive_renewal"`
	HealthyDwell      time.Duration `mapstructure:"healthy_dwell"`
}

// ResolverConfig tunes the upstream and segment resolvers.
type ResolverConfig struct {
	// Quality selects the HLS variant: highest, lowest, medium.
	Quality string `mapstructure:"quality"`
	// BeaconParams are query parameter names that carry a wrapped stream URL.
	BeaconParams []string `mapstructure:"beacon_params"`
	// VariantCacheTTL bounds master-playlist resolution caching.
	VariantCacheTTL time.Duration `mapstructure:"variant_cache_ttl"`
	// SegmentCacheMaxEntries bounds the segment URL cache.
	SegmentCacheMaxEntries int `mapstructure:"segment_cache_max_entries"`
	// ConnectTimeout applies to upstream connection establishment.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// RequestTimeout applies to playlist and redirect requests.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// SegmentTimeout applies to individual segment fetches.
	SegmentTimeout time.Duration `mapstructure:"segment_timeout"`
}

// ClientRule classifies a client by User-Agent substring and selects its
// transcode template and resilience default.
type ClientRule struct {
	Substring  string `mapstructure:"substring"`
	Class      string `mapstructure:"class"` // media-server, vlc, web, generic
	Template   string `mapstructure:"template"`
	Resilience *bool  `mapstructure:"resilience"`
}

// ClientsConfig holds the ordered client classification rules.
type ClientsConfig struct {
	Rules []ClientRule `mapstructure:"rules"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // empty = look up "ffmpeg" in PATH
	ProbePath  string `mapstructure:"probe_path"`
}

// DeviceConfig describes the emulated network tuner.
type DeviceConfig struct {
	FriendlyName string `mapstructure:"friendly_name"`
	DeviceID     string `mapstructure:"device_id"`
	TunerCount   int    `mapstructure:"tuner_count"` // 0 = max_concurrent_streams
	Manufacturer string `mapstructure:"manufacturer"`
	ModelNumber  string `mapstructure:"model_number"`
	FirmwareName string `mapstructure:"firmware_name"`
}

// AuditConfig controls session audit retention.
type AuditConfig struct {
	Retention time.Duration `mapstructure:"retention"`
	PurgeCron string        `mapstructure:"purge_cron"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with PLEXBRIDGE_ and use underscores
// for nesting. Example: PLEXBRIDGE_SERVER_PORT=5004.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/plexbridge")
		v.AddConfigPath("$HOME/.plexbridge")
	}

	v.SetEnvPrefix("PLEXBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	// Streaming responses run indefinitely; the write timeout stays zero.
	v.SetDefault("server.write_timeout", time.Duration(0))
	v.SetDefault("server.idle_timeout", 2*time.Minute)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.base_url", "")

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "plexbridge.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Streaming defaults
	v.SetDefault("streaming.max_concurrent_streams", defaultMaxConcurrentStreams)
	v.SetDefault("streaming.max_concurrent_previews", defaultMaxConcurrentPreview)
	v.SetDefault("streaming.ring_buffer_bytes", defaultRingBufferBytes)
	v.SetDefault("streaming.chunk_size_bytes", defaultChunkSizeBytes)
	v.SetDefault("streaming.startup_deadline", defaultStartupDeadline)
	v.SetDefault("streaming.stall_deadline", defaultStallDeadline)
	v.SetDefault("streaming.idle_grace", defaultIdleGrace)
	v.SetDefault("streaming.drain_deadline", defaultDrainDeadline)
	v.SetDefault("streaming.stop_grace", defaultStopGrace)
	v.SetDefault("streaming.preview_idle_timeout", defaultPreviewIdleTimeout)

	// Template defaults. [URL] is substituted with the resolved upstream.
	v.SetDefault("templates.mpegts_copy",
		"-hide_banner -loglevel info -fflags +genpts+discardcorrupt "+
			"-reconnect 1 -reconnect_streamed 1 -reconnect_delay_max 5 "+
			"-i [URL] -map 0:v:0 -map 0:a:0? -c copy "+
			"-f mpegts -mpegts_copyts 1 -muxdelay 0 -flush_packets 1 pipe:1")
	v.SetDefault("templates.mpegts_reencode",
		"-hide_banner -loglevel info -fflags +genpts "+
			"-reconnect 1 -reconnect_streamed 1 -reconnect_delay_max 5 "+
			"-i [URL] -map 0:v:0 -map 0:a:0? "+
			"-c:v libx264 -preset veryfast -c:a aac "+
			"-f mpegts -muxdelay 0 -flush_packets 1 pipe:1")
	v.SetDefault("templates.preview_mp4",
		"-hide_banner -loglevel info -i [URL] "+
			"-c:v libx264 -preset veryfast -profile:v baseline -c:a aac "+
			"-f mp4 -movflags frag_keyframe+empty_moov+default_base_moof pipe:1")
	v.SetDefault("templates.hls_extra_args",
		"-allowed_extensions ALL -protocol_whitelist file,http,https,tcp,tls,crypto")

	// Resilience defaults
	v.SetDefault("resilience.n1", 3)
	v.SetDefault("resilience.n2", 2)
	v.SetDefault("resilience.n3", 1)
	v.SetDefault("resilience.base_backoff", defaultBaseBackoff)
	v.SetDefault("resilience.max_backoff", defaultMaxBackoff)
	v.SetDefault("resilience.preemptive_renewal", defaultPreemptiveRenewal)
	v.SetDefault("resilience.healthy_dwell", defaultHealthyDwell)

	// Resolver defaults
	v.SetDefault("resolver.quality", "highest")
	v.SetDefault("resolver.beacon_params", []string{"bcn", "beacon", "redirect_url", "track"})
	v.SetDefault("resolver.variant_cache_ttl", defaultVariantCacheTTL)
	v.SetDefault("resolver.segment_cache_max_entries", defaultSegmentCacheEntries)
	v.SetDefault("resolver.connect_timeout", defaultConnectTimeout)
	v.SetDefault("resolver.request_timeout", defaultRequestTimeout)
	v.SetDefault("resolver.segment_timeout", defaultSegmentTimeout)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")

	// Device defaults
	v.SetDefault("device.friendly_name", "PlexBridge")
	v.SetDefault("device.device_id", "PLEXBRIDGE1")
	v.SetDefault("device.tuner_count", 0)
	v.SetDefault("device.manufacturer", "Silicondust")
	v.SetDefault("device.model_number", "HDTC-2US")
	v.SetDefault("device.firmware_name", "hdhomeruntc_atsc")

	// Audit defaults
	v.SetDefault("audit.retention", defaultAuditRetention)
	v.SetDefault("audit.purge_cron", "*/10 * * * *")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Streaming.MaxConcurrentStreams < 1 {
		return fmt.Errorf("streaming.max_concurrent_streams must be at least 1")
	}
	if c.Streaming.MaxConcurrentPreviews < 1 {
		return fmt.Errorf("streaming.max_concurrent_previews must be at least 1")
	}
	if c.Streaming.ChunkSizeBytes < 1 {
		return fmt.Errorf("streaming.chunk_size_bytes must be positive")
	}
	if c.Streaming.RingBufferBytes < c.Streaming.ChunkSizeBytes {
		return fmt.Errorf("streaming.ring_buffer_bytes must hold at least one chunk")
	}

	switch c.Resolver.Quality {
	case "highest", "lowest", "medium":
	default:
		return fmt.Errorf("resolver.quality must be one of: highest, lowest, medium")
	}

	for _, tpl := range []struct{ name, value string }{
		{"templates.mpegts_copy", c.Templates.MpegtsCopy},
		{"templates.mpegts_reencode", c.Templates.MpegtsReencode},
		{"templates.preview_mp4", c.Templates.PreviewMP4},
	} {
		if !strings.Contains(tpl.value, "[URL]") {
			return fmt.Errorf("%s must contain the [URL] placeholder", tpl.name)
		}
	}

	if c.Resilience.N1 < 1 || c.Resilience.N2 < 1 || c.Resilience.N3 < 1 {
		return fmt.Errorf("resilience.n1/n2/n3 must each be at least 1")
	}
	if c.Resilience.BaseBackoff <= 0 || c.Resilience.MaxBackoff < c.Resilience.BaseBackoff {
		return fmt.Errorf("resilience backoff bounds are invalid")
	}

	for i, r := range c.Clients.Rules {
		if r.Substring == "" {
			return fmt.Errorf("clients.rules[%d].substring is required", i)
		}
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TunerCountOrDefault returns the advertised tuner count, falling back to the
// streaming concurrency cap.
func (c *DeviceConfig) TunerCountOrDefault(maxStreams int) int {
	if c.TunerCount > 0 {
		return c.TunerCount
	}
	return maxStreams
}
