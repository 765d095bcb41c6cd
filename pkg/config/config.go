package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Participant struct {
		RegionID string `yaml:"region_id"`
		OfficeID string `yaml:"office_id"`
		Role     string `yaml:"role"`
	} `yaml:"participant"`

	Coordination struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"coordination"`

	Issuer struct {
		BaseURL       string        `yaml:"base_url"`
		Timeout       time.Duration `yaml:"timeout"`
		SigningSecret string        `yaml:"signing_secret"` // issuerd only
		AppID         string        `yaml:"app_id"`
		CredentialTTL time.Duration `yaml:"credential_ttl"`
	} `yaml:"issuer"`

	SecureStore struct {
		Path    string `yaml:"path"`
		KeyFile string `yaml:"key_file"`
	} `yaml:"secure_store"`

	Credentials struct {
		RefreshBuffer   time.Duration `yaml:"refresh_buffer"`
		MemoryCacheSize int           `yaml:"memory_cache_size"`
		AnomalyPerMin   int           `yaml:"anomaly_accesses_per_minute"`
	} `yaml:"credentials"`

	Debounce struct {
		Window time.Duration `yaml:"window"`
	} `yaml:"debounce"`

	Policy struct {
		Predictive bool `yaml:"predictive"`

		Rules map[string]struct {
			AutoDisconnectDelay time.Duration `yaml:"auto_disconnect_delay"`
			MaintainConnection  bool          `yaml:"maintain_connection"`
			AutoReconnect       bool          `yaml:"auto_reconnect"`
		} `yaml:"rules"`
	} `yaml:"policy"`

	Refresh struct {
		Enabled     bool   `yaml:"enabled"`
		WindowStart int    `yaml:"window_start_hour"`
		WindowEnd   int    `yaml:"window_end_hour"`
		Timezone    string `yaml:"timezone"`
	} `yaml:"refresh"`

	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		APIKey          string        `yaml:"api_key"`

		RateLimit struct {
			Enabled           bool    `yaml:"enabled"`
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`

	RTC struct {
		GatewayURLs []string `yaml:"gateway_urls"`
		STUNServers []string `yaml:"stun_servers"`
	} `yaml:"rtc"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		Address           string `yaml:"address"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Participant.RegionID == "" {
		return fmt.Errorf("participant.region_id must not be empty")
	}
	if c.Participant.OfficeID == "" {
		return fmt.Errorf("participant.office_id must not be empty")
	}

	if c.Coordination.Address == "" {
		return fmt.Errorf("coordination.address must not be empty")
	}
	if c.Coordination.PoolSize <= 0 {
		return fmt.Errorf("coordination.pool_size must be > 0")
	}

	if c.Issuer.BaseURL == "" {
		return fmt.Errorf("issuer.base_url must not be empty")
	}
	if c.Issuer.Timeout <= 0 {
		return fmt.Errorf("issuer.timeout must be > 0")
	}

	if c.Credentials.RefreshBuffer <= 0 {
		return fmt.Errorf("credentials.refresh_buffer must be > 0")
	}
	if c.Credentials.MemoryCacheSize <= 0 {
		return fmt.Errorf("credentials.memory_cache_size must be > 0")
	}
	if c.Credentials.AnomalyPerMin <= 0 {
		return fmt.Errorf("credentials.anomaly_accesses_per_minute must be > 0")
	}

	if c.Debounce.Window <= 0 {
		return fmt.Errorf("debounce.window must be > 0")
	}

	if c.Refresh.Enabled {
		if c.Refresh.WindowStart < 0 || c.Refresh.WindowStart > 23 {
			return fmt.Errorf("refresh.window_start_hour must be in [0,23]")
		}
		if c.Refresh.WindowEnd <= c.Refresh.WindowStart || c.Refresh.WindowEnd > 24 {
			return fmt.Errorf("refresh.window_end_hour must be > window_start_hour and <= 24")
		}
	}

	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides.
func Load(configPath string) (*Config, error) {
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

	cfg.Participant.Role = "driver"

	cfg.Coordination.Address = "localhost:6379"
	cfg.Coordination.PoolSize = 10

	cfg.Issuer.BaseURL = "http://localhost:8080"
	cfg.Issuer.Timeout = 10 * time.Second
	cfg.Issuer.CredentialTTL = 24 * time.Hour

	cfg.SecureStore.Path = "credentials.store"
	cfg.SecureStore.KeyFile = "credentials.key"

	cfg.Credentials.RefreshBuffer = 30 * time.Minute
	cfg.Credentials.MemoryCacheSize = 32
	cfg.Credentials.AnomalyPerMin = 10

	cfg.Debounce.Window = 250 * time.Millisecond

	cfg.Refresh.Enabled = true
	cfg.Refresh.WindowStart = 9
	cfg.Refresh.WindowEnd = 11
	cfg.Refresh.Timezone = "Local"

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second
	cfg.Server.RateLimit.Enabled = true
	cfg.Server.RateLimit.RequestsPerSecond = 20
	cfg.Server.RateLimit.Burst = 40
	cfg.Server.RateLimit.MaxConcurrent = 256

	cfg.RTC.GatewayURLs = []string{"http://localhost:8090"}
	cfg.RTC.STUNServers = []string{"stun:stun.l.google.com:19302"}

	cfg.Monitoring.Address = ":9100"

	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PTTLINK_REGION_ID"); v != "" {
		c.Participant.RegionID = v
	}
	if v := os.Getenv("PTTLINK_OFFICE_ID"); v != "" {
		c.Participant.OfficeID = v
	}
	if v := os.Getenv("PTTLINK_ROLE"); v != "" {
		c.Participant.Role = v
	}
	if v := os.Getenv("PTTLINK_REDIS_ADDRESS"); v != "" {
		c.Coordination.Address = v
	}
	if v := os.Getenv("PTTLINK_REDIS_PASSWORD"); v != "" {
		c.Coordination.Password = v
	}
	if v := os.Getenv("PTTLINK_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Coordination.DB = db
		}
	}
	if v := os.Getenv("PTTLINK_ISSUER_URL"); v != "" {
		c.Issuer.BaseURL = v
	}
	if v := os.Getenv("PTTLINK_ISSUER_SIGNING_SECRET"); v != "" {
		c.Issuer.SigningSecret = v
	}
	if v := os.Getenv("PTTLINK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}
