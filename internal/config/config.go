// Package config loads monitor configuration from defaults, an optional
// yaml file named by MONITOR_CONFIG and environment overrides.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	liveness "powerverter-monitor/internal/liveness/domain"
	livekafka "powerverter-monitor/internal/liveness/interfaces/kafka"
	"powerverter-monitor/internal/logging"
	"powerverter-monitor/internal/pushchannel/mqtt"
	"powerverter-monitor/internal/pushchannel/redis"
	"powerverter-monitor/internal/telemetry/infrastructure/influx"
)

// Config is the full process configuration.
type Config struct {
	DatabaseURL string              `yaml:"database_url"`
	HTTPAddr    string              `yaml:"http_addr"`
	JWTSecret   string              `yaml:"jwt_secret"`
	Log         logging.Config      `yaml:"log"`
	Liveness    liveness.Thresholds `yaml:"liveness"`
	MQTT        mqtt.Config         `yaml:"mqtt"`
	Redis       redis.Options       `yaml:"redis"`
	Influx      influx.Config       `yaml:"influx"`
	Kafka       livekafka.Config    `yaml:"kafka"`
	Reconcile   ReconcileConfig     `yaml:"reconcile"`
	Schedules   ScheduleConfig      `yaml:"schedules"`
}

// ReconcileConfig configures the backend reconciliation job.
type ReconcileConfig struct {
	BatchSize int           `yaml:"batch_size"`
	Interval  time.Duration `yaml:"interval"`
}

// ScheduleConfig configures the load-control executor.
type ScheduleConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// Load builds the configuration. Environment variables win over the file.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr: ":8080",
		Log:      logging.DefaultConfig(),
		Liveness: liveness.DefaultThresholds(),
		MQTT: mqtt.Config{
			ClientID:      "powerverter-monitor",
			TopicPrefix:   "inverters",
			ControlPrefix: "inverters/control",
			QoS:           1,
		},
		Redis:     redis.Options{KeyPrefix: "powerverter:"},
		Influx:    influx.Config{Measurement: "inverter_sample"},
		Kafka:     livekafka.Config{Topic: "device-status"},
		Reconcile: ReconcileConfig{BatchSize: 50},
		Schedules: ScheduleConfig{TickInterval: time.Second},
	}

	if path := os.Getenv("MONITOR_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the monitor cannot run with.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL or PG_DSN is required")
	}
	if c.Liveness.OfflineThreshold <= 0 {
		return errors.New("config: liveness offline_threshold must be positive")
	}
	if c.Liveness.PollInterval <= 0 || c.Liveness.CheckInterval <= 0 {
		return errors.New("config: liveness poll and check intervals must be positive")
	}
	if c.Reconcile.BatchSize <= 0 {
		return errors.New("config: reconcile batch_size must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.DatabaseURL))
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.JWTSecret = getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", cfg.JWTSecret))

	cfg.Liveness.PollInterval = getenvDuration("LIVENESS_POLL_INTERVAL", cfg.Liveness.PollInterval)
	cfg.Liveness.SampleInterval = getenvDuration("LIVENESS_SAMPLE_INTERVAL", cfg.Liveness.SampleInterval)
	cfg.Liveness.ConfirmDelay = getenvDuration("LIVENESS_CONFIRM_DELAY", cfg.Liveness.ConfirmDelay)
	cfg.Liveness.OfflineThreshold = getenvDuration("LIVENESS_OFFLINE_THRESHOLD", cfg.Liveness.OfflineThreshold)
	cfg.Liveness.HoldDown = getenvDuration("LIVENESS_HOLD_DOWN", cfg.Liveness.HoldDown)

	cfg.MQTT.BrokerURL = getenvDefault("MQTT_BROKER_URL", cfg.MQTT.BrokerURL)
	cfg.MQTT.ClientID = getenvDefault("MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.MQTT.Username = getenvDefault("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getenvDefault("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.MQTT.TopicPrefix = getenvDefault("MQTT_TOPIC_PREFIX", cfg.MQTT.TopicPrefix)
	cfg.MQTT.ControlPrefix = getenvDefault("MQTT_CONTROL_PREFIX", cfg.MQTT.ControlPrefix)

	cfg.Redis.Addr = getenvDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getenvDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getenvIntDefault("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.KeyPrefix = getenvDefault("REDIS_KEY_PREFIX", cfg.Redis.KeyPrefix)

	cfg.Influx.URL = getenvDefault("INFLUX_URL", cfg.Influx.URL)
	cfg.Influx.Token = getenvDefault("INFLUX_TOKEN", cfg.Influx.Token)
	cfg.Influx.Org = getenvDefault("INFLUX_ORG", cfg.Influx.Org)
	cfg.Influx.Bucket = getenvDefault("INFLUX_BUCKET", cfg.Influx.Bucket)

	if brokers := splitCSV(os.Getenv("KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.Kafka.Brokers = brokers
	}
	cfg.Kafka.Topic = getenvDefault("KAFKA_STATUS_TOPIC", cfg.Kafka.Topic)

	cfg.Reconcile.BatchSize = getenvIntDefault("RECONCILE_BATCH_SIZE", cfg.Reconcile.BatchSize)
	cfg.Reconcile.Interval = getenvDuration("RECONCILE_INTERVAL", cfg.Reconcile.Interval)
	cfg.Schedules.TickInterval = getenvDuration("SCHEDULE_TICK_INTERVAL", cfg.Schedules.TickInterval)
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
