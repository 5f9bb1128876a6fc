package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"speedshare/internal/core/domain"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Transfer struct {
		ChunkSize        uint32        `yaml:"chunk_size"`
		ParallelChannels int           `yaml:"parallel_channels"`
		CompressionLevel int           `yaml:"compression_level"`
		RetryAttempts    int           `yaml:"retry_attempts"`
		RetryStrategy    string        `yaml:"retry_strategy"`
		Timeout          time.Duration `yaml:"timeout"`
		ChunkTimeout     time.Duration `yaml:"chunk_timeout"`
		Workers          int           `yaml:"workers"`          // 0 = GOMAXPROCS
		StreamThreshold  int           `yaml:"stream_threshold"` // bytes
		AdaptiveTuning   bool          `yaml:"adaptive_tuning"`
	} `yaml:"transfer"`

	Receive struct {
		MaxSize      uint64        `yaml:"max_size"`
		ChunkTimeout time.Duration `yaml:"chunk_timeout"`
		ResendRounds int           `yaml:"resend_rounds"`
	} `yaml:"receive"`

	Channels struct {
		MaxRetransmits          uint16        `yaml:"max_retransmits"`
		BufferedAmountThreshold uint64        `yaml:"buffered_amount_threshold"`
		OpenTimeout             time.Duration `yaml:"open_timeout"`
		RetryBaseDelay          time.Duration `yaml:"retry_base_delay"`
	} `yaml:"channels"`

	Probe struct {
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"probe"`

	Rendezvous struct {
		ServerURL          string        `yaml:"server_url"`
		CodeAttempts       int           `yaml:"code_attempts"`
		RecordTTL          time.Duration `yaml:"record_ttl"`
		AnswerPollInterval time.Duration `yaml:"answer_poll_interval"`
		AnswerTimeout      time.Duration `yaml:"answer_timeout"`
	} `yaml:"rendezvous"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled   bool   `yaml:"enabled"`
		Address   string `yaml:"address"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		PoolSize  int    `yaml:"pool_size"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		EvictTokenTTL  time.Duration `yaml:"evict_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		FrameMAC       bool          `yaml:"frame_mac"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int   `yaml:"connections_per_minute"`
			MaxConcurrent        int   `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64 `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	// Transfer
	if err := c.TransferConfiguration().Validate(); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	if c.Transfer.CompressionLevel < 1 || c.Transfer.CompressionLevel > 20 {
		return fmt.Errorf("transfer.compression_level must be within 1..20")
	}
	if c.Transfer.Timeout <= 0 || c.Transfer.ChunkTimeout <= 0 {
		return fmt.Errorf("transfer.timeout and transfer.chunk_timeout must be > 0")
	}
	if c.Transfer.Workers < 0 {
		return fmt.Errorf("transfer.workers must be >= 0")
	}

	// Receive
	if c.Receive.ChunkTimeout <= 0 {
		return fmt.Errorf("receive.chunk_timeout must be > 0")
	}
	if c.Receive.ResendRounds < 0 {
		return fmt.Errorf("receive.resend_rounds must be >= 0")
	}

	// Channels
	if c.Channels.BufferedAmountThreshold == 0 {
		return fmt.Errorf("channels.buffered_amount_threshold must be > 0")
	}
	if c.Channels.OpenTimeout <= 0 {
		return fmt.Errorf("channels.open_timeout must be > 0")
	}

	// Rendezvous
	if c.Rendezvous.CodeAttempts <= 0 {
		return fmt.Errorf("rendezvous.code_attempts must be > 0")
	}
	if c.Rendezvous.AnswerPollInterval <= 0 {
		return fmt.Errorf("rendezvous.answer_poll_interval must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.EvictTokenTTL <= 0 {
		return fmt.Errorf("auth.evict_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// TransferConfiguration is the base snapshot handed to the tuner.
func (c *Config) TransferConfiguration() domain.TransferConfiguration {
	return domain.TransferConfiguration{
		ChunkSize:        c.Transfer.ChunkSize,
		ParallelChannels: c.Transfer.ParallelChannels,
		CompressionLevel: c.Transfer.CompressionLevel,
		RetryAttempts:    c.Transfer.RetryAttempts,
		RetryStrategy:    domain.RetryStrategy(c.Transfer.RetryStrategy),
		Timeout:          c.Transfer.Timeout,
		ChunkTimeout:     c.Transfer.ChunkTimeout,
		MaxSize:          c.Receive.MaxSize,
	}
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Transfer.ChunkSize = 250 * 1024
	cfg.Transfer.ParallelChannels = 20
	cfg.Transfer.CompressionLevel = 20
	cfg.Transfer.RetryAttempts = 3
	cfg.Transfer.RetryStrategy = string(domain.RetryExponential)
	cfg.Transfer.Timeout = time.Hour
	cfg.Transfer.ChunkTimeout = 10 * time.Second
	cfg.Transfer.StreamThreshold = 4 * 1024 * 1024
	cfg.Transfer.AdaptiveTuning = true

	cfg.Receive.MaxSize = 1 << 40 // 1 TiB
	cfg.Receive.ChunkTimeout = 10 * time.Second
	cfg.Receive.ResendRounds = 3

	cfg.Channels.MaxRetransmits = 10
	cfg.Channels.BufferedAmountThreshold = 4 * 1024 * 1024
	cfg.Channels.OpenTimeout = 5 * time.Second
	cfg.Channels.RetryBaseDelay = time.Second

	cfg.Probe.URL = "https://www.cloudflare.com/cdn-cgi/trace"
	cfg.Probe.Timeout = 5 * time.Second

	cfg.Rendezvous.ServerURL = "http://localhost:8080"
	cfg.Rendezvous.CodeAttempts = 1000
	cfg.Rendezvous.RecordTTL = 24 * time.Hour
	cfg.Rendezvous.AnswerPollInterval = 500 * time.Millisecond
	cfg.Rendezvous.AnswerTimeout = 5 * time.Minute

	for _, url := range []string{
		"stun:stun.l.google.com:19302",
		"stun:stun.l.google.com:19305",
		"stun:stun4.l.google.com:19302",
		"stun:stun.sipgate.net:3478",
		"stun:stun.nextcloud.com:3478",
	} {
		cfg.WebRTC.ICEServers = append(cfg.WebRTC.ICEServers, ICEServer{URLs: []string{url}})
	}

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.KeyPrefix = "speedshare:code:"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.EvictTokenTTL = 24 * time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.HTTP.RequestsPerSecond = 20
	cfg.RateLimiting.HTTP.Burst = 40
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 256 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("SPEEDSHARE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if url := os.Getenv("SPEEDSHARE_RENDEZVOUS_URL"); url != "" {
		c.Rendezvous.ServerURL = url
	}
	if level := os.Getenv("SPEEDSHARE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("SPEEDSHARE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("SPEEDSHARE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Address = addr
	}
	if v := os.Getenv("SPEEDSHARE_CHUNK_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.Transfer.ChunkSize = uint32(n)
		}
	}
	if v := os.Getenv("SPEEDSHARE_PARALLEL_CHANNELS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Transfer.ParallelChannels = n
		}
	}
}
