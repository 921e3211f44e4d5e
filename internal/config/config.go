package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	ServiceName    = "execution-service"
	ServiceVersion = ""
)

var (
	Env *EnvConfig
)

type EnvConfig struct {
	Env                     string                    `mapstructure:"env"`
	Log                     LogConfig                 `mapstructure:"log"`
	GracefulShutdownTimeout time.Duration             `mapstructure:"graceful_shutdown_timeout"`
	APIKeys                 []APIKeyConfig            `mapstructure:"api_keys"`
	Port                    map[string]string         `mapstructure:"port"`
	Database                map[string]DatabaseConfig `mapstructure:"database"`
	Redis                   map[string]RedisConfig    `mapstructure:"redis"`
	NatsJetstream           NatsJetstreamConfig       `mapstructure:"nats_jetstream"`
	Execution               ExecutionConfig           `mapstructure:"execution"`
	Lock                    LockConfig                `mapstructure:"lock"`
	Broker                  BrokerConfig              `mapstructure:"broker"`
}

type APIKeyConfig struct {
	Name      string `mapstructure:"name"`
	Key       string `mapstructure:"key"`
	Active    bool   `mapstructure:"active"`
	ExpiredAt any    `mapstructure:"expired_at"`
}

type NatsJetstreamConfig struct {
	URL             string                   `mapstructure:"url"`
	MaxRetries      int                      `mapstructure:"max_retries"`
	ReconnectFactor float64                  `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration            `mapstructure:"min_jitter"`
	MaxJitter       time.Duration            `mapstructure:"max_jitter"`
	TimeoutHandler  map[string]time.Duration `mapstructure:"timeout_handler"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ReconnectFactor float64       `mapstructure:"reconnect_factor"`
	MinJitter       time.Duration `mapstructure:"min_jitter"`
	MaxJitter       time.Duration `mapstructure:"max_jitter"`
	MaxRetry        int           `mapstructure:"max_retry"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxActiveConns  int           `mapstructure:"max_active_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

type LogConfig struct {
	ShowCaller bool   `mapstructure:"show_caller"`
	LogLevel   string `mapstructure:"log_level"`
}

type RedisConfig struct {
	CacheDSN string `mapstructure:"cache_dsn"`
}

// ExecutionConfig zero values fall back to the service defaults.
type ExecutionConfig struct {
	MaxVolumePerTrade      float64       `mapstructure:"max_volume_per_trade"`
	MaxOpenTradesPerSymbol int           `mapstructure:"max_open_trades_per_symbol"`
	MaxAttempts            int           `mapstructure:"max_attempts"`
	BaseRetryDelay         time.Duration `mapstructure:"base_retry_delay"`
	MaxRetryJitter         time.Duration `mapstructure:"max_retry_jitter"`
	LockTTL                time.Duration `mapstructure:"lock_ttl"`
	SubscriberBuffer       int           `mapstructure:"subscriber_buffer"`
	SyncInterval           time.Duration `mapstructure:"sync_interval"`
}

type LockConfig struct {
	Driver string `mapstructure:"driver"` // memory | redis
	Prefix string `mapstructure:"prefix"`
}

type BrokerConfig struct {
	Driver    string                `mapstructure:"driver"` // simulated | remote
	Simulated SimulatedBrokerConfig `mapstructure:"simulated"`
	Remote    RemoteBrokerConfig    `mapstructure:"remote"`
}

type SimulatedBrokerConfig struct {
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	FailureRate *float64      `mapstructure:"failure_rate"` // 0.03 for 3%, unset falls back to 3%, 0 disables
}

type RemoteBrokerConfig struct {
	Name              string        `mapstructure:"name"`
	BaseURL           string        `mapstructure:"base_url"`
	WSURL             string        `mapstructure:"ws_url"`
	APIKey            string        `mapstructure:"api_key"`
	APISecret         string        `mapstructure:"api_secret"`
	Timeout           time.Duration `mapstructure:"timeout"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

func LoadConfig(configPath string) error {
	viper.Reset()

	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		viper.SetConfigName("config")
		viper.SetConfigType("yml")
		viper.AddConfigPath(".")
	} else {
		ext := strings.ToLower(filepath.Ext(configPath))
		if ext == ".yml" || ext == ".yaml" {
			viper.SetConfigFile(configPath)
		} else {
			viper.SetConfigName(filepath.Base(configPath))
			viper.SetConfigType("yml")
			configDir := filepath.Dir(configPath)
			if configDir == "." || configDir == "" {
				viper.AddConfigPath(".")
			} else {
				viper.AddConfigPath(configDir)
			}
		}
	}

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	viper.SetDefault("env", "development")
	viper.SetDefault("log.log_level", "info")
	viper.SetDefault("graceful_shutdown_timeout", "10s")
	viper.SetDefault("port.execution_gateway_http", "3001")
	viper.SetDefault("lock.driver", "memory")
	viper.SetDefault("lock.prefix", "lock:")
	viper.SetDefault("broker.driver", "simulated")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	err = viper.Unmarshal(&Env)
	if err != nil {
		return fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	return nil
}
