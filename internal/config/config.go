package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/fx"
)

// Module loads configuration once at startup.
var Module = fx.Provide(Load)

// Config holds application configuration.
type Config struct {
	App      AppConfig    `mapstructure:"app"`
	LogLevel string       `mapstructure:"logLevel"`
	Broker   BrokerConfig `mapstructure:"broker"`

	SubscriptionTopic string `mapstructure:"subscriptionTopic"`
	HTTPPort          int    `mapstructure:"httpPort"`
	CacheLimit        int    `mapstructure:"cacheLimit"`
	VehicleTTLMs      int64  `mapstructure:"vehicleTtlMs"`
	MessageWindowMs   int64  `mapstructure:"messageWindowMs"`

	TelemetryDB TelemetryDBConfig `mapstructure:"telemetryDb"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	WebSocket   WebSocketConfig   `mapstructure:"websocket"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Version     string `mapstructure:"version"`
}

// BrokerConfig describes the upstream MQTT broker.
type BrokerConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	UseTLS             bool   `mapstructure:"useTls"`
	RejectUnauthorized bool   `mapstructure:"rejectUnauthorized"`
	ClientID           string `mapstructure:"clientId"`
}

// URL renders the broker address in the scheme paho expects.
func (b BrokerConfig) URL() string {
	scheme := "tcp"
	if b.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

type TelemetryDBConfig struct {
	Path                 string  `mapstructure:"path"`
	RollupWindowSeconds  int64   `mapstructure:"rollupWindowSeconds"`
	RollupWindows        []int64 `mapstructure:"rollupWindows"`
	RollupIntervalMs     int64   `mapstructure:"rollupIntervalMs"`
	RollupCatchUpWindows int     `mapstructure:"rollupCatchUpWindows"`
}

type GRPCConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	StreamIntervalMs   int64  `mapstructure:"streamIntervalMs"`
	StreamHeartbeatMs  int64  `mapstructure:"streamHeartbeatMs"`
	KeepaliveTimeMs    int64  `mapstructure:"keepaliveTimeMs"`
	KeepaliveTimeoutMs int64  `mapstructure:"keepaliveTimeoutMs"`
}

func (g GRPCConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

type WebSocketConfig struct {
	Path           string `mapstructure:"path"`
	PayloadVersion int    `mapstructure:"payloadVersion"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
}

// Duration views over the millisecond knobs.

func (c Config) VehicleTTL() time.Duration     { return time.Duration(c.VehicleTTLMs) * time.Millisecond }
func (c Config) MessageWindow() time.Duration  { return time.Duration(c.MessageWindowMs) * time.Millisecond }
func (c Config) RollupInterval() time.Duration {
	return time.Duration(c.TelemetryDB.RollupIntervalMs) * time.Millisecond
}
func (g GRPCConfig) StreamInterval() time.Duration {
	return time.Duration(g.StreamIntervalMs) * time.Millisecond
}
func (g GRPCConfig) StreamHeartbeat() time.Duration {
	return time.Duration(g.StreamHeartbeatMs) * time.Millisecond
}
func (g GRPCConfig) KeepaliveTime() time.Duration {
	return time.Duration(g.KeepaliveTimeMs) * time.Millisecond
}
func (g GRPCConfig) KeepaliveTimeout() time.Duration {
	return time.Duration(g.KeepaliveTimeoutMs) * time.Millisecond
}

// RollupWindowSet returns the base window plus any extra windows, deduplicated,
// base first.
func (c Config) RollupWindowSet() []int64 {
	seen := map[int64]struct{}{c.TelemetryDB.RollupWindowSeconds: {}}
	windows := []int64{c.TelemetryDB.RollupWindowSeconds}
	for _, w := range c.TelemetryDB.RollupWindows {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		windows = append(windows, w)
	}
	return windows
}

// Load reads fleetpulse.yaml (if present) and FLEETPULSE_* environment
// variables, applying defaults for everything else.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("fleetpulse")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/fleetpulse")
	v.SetEnvPrefix("FLEETPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "fleetpulse")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.version", "dev")
	v.SetDefault("logLevel", "info")

	v.SetDefault("broker.host", "localhost")
	v.SetDefault("broker.port", 1883)
	v.SetDefault("broker.useTls", false)
	v.SetDefault("broker.rejectUnauthorized", true)

	v.SetDefault("subscriptionTopic", "fleet/+/telemetry")
	v.SetDefault("httpPort", 8080)
	v.SetDefault("cacheLimit", 1000)
	v.SetDefault("vehicleTtlMs", 60_000)
	v.SetDefault("messageWindowMs", 60_000)

	v.SetDefault("telemetryDb.path", "data/telemetry.db")
	v.SetDefault("telemetryDb.rollupWindowSeconds", 300)
	v.SetDefault("telemetryDb.rollupWindows", []int64{})
	v.SetDefault("telemetryDb.rollupIntervalMs", 60_000)
	v.SetDefault("telemetryDb.rollupCatchUpWindows", 1)

	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.host", "")
	v.SetDefault("grpc.port", 9090)
	v.SetDefault("grpc.streamIntervalMs", 1_000)
	v.SetDefault("grpc.streamHeartbeatMs", 15_000)
	v.SetDefault("grpc.keepaliveTimeMs", 30_000)
	v.SetDefault("grpc.keepaliveTimeoutMs", 10_000)

	v.SetDefault("websocket.path", "/stream")
	v.SetDefault("websocket.payloadVersion", 1)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlpEndpoint", "localhost:4317")
}

// Validate rejects configurations the service cannot run with. All problems
// are reported, not just the first.
func (c Config) Validate() error {
	var errs []error

	if c.Broker.Host == "" {
		errs = append(errs, errors.New("broker_host_required"))
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		errs = append(errs, errors.New("broker_port_out_of_range"))
	}
	if strings.TrimSpace(c.SubscriptionTopic) == "" {
		errs = append(errs, errors.New("subscription_topic_required"))
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, errors.New("http_port_out_of_range"))
	}
	if c.CacheLimit <= 0 {
		errs = append(errs, errors.New("cache_limit_must_be_positive"))
	}
	if c.VehicleTTLMs < 0 {
		errs = append(errs, errors.New("vehicle_ttl_must_not_be_negative"))
	}
	if c.MessageWindowMs <= 0 {
		errs = append(errs, errors.New("message_window_must_be_positive"))
	}
	if strings.TrimSpace(c.TelemetryDB.Path) == "" {
		errs = append(errs, errors.New("telemetry_db_path_required"))
	}
	if c.TelemetryDB.RollupWindowSeconds <= 0 {
		errs = append(errs, errors.New("rollup_window_must_be_positive"))
	}
	seen := map[int64]struct{}{}
	for _, w := range c.TelemetryDB.RollupWindows {
		if w <= 0 {
			errs = append(errs, fmt.Errorf("rollup_window_must_be_positive: %d", w))
			continue
		}
		if _, dup := seen[w]; dup {
			errs = append(errs, fmt.Errorf("rollup_window_duplicated: %d", w))
		}
		seen[w] = struct{}{}
	}
	if c.TelemetryDB.RollupIntervalMs <= 0 {
		errs = append(errs, errors.New("rollup_interval_must_be_positive"))
	}
	if c.TelemetryDB.RollupCatchUpWindows < 0 {
		errs = append(errs, errors.New("rollup_catch_up_must_not_be_negative"))
	}
	if c.GRPC.Enabled {
		if c.GRPC.Port <= 0 || c.GRPC.Port > 65535 {
			errs = append(errs, errors.New("grpc_port_out_of_range"))
		}
		if c.GRPC.StreamIntervalMs <= 0 {
			errs = append(errs, errors.New("grpc_stream_interval_must_be_positive"))
		}
		if c.GRPC.StreamHeartbeatMs <= 0 {
			errs = append(errs, errors.New("grpc_stream_heartbeat_must_be_positive"))
		}
		if c.GRPC.KeepaliveTimeMs <= 0 {
			errs = append(errs, errors.New("grpc_keepalive_time_must_be_positive"))
		}
		if c.GRPC.KeepaliveTimeoutMs <= 0 {
			errs = append(errs, errors.New("grpc_keepalive_timeout_must_be_positive"))
		}
	}
	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		errs = append(errs, errors.New("websocket_path_must_start_with_slash"))
	}

	return errors.Join(errs...)
}
