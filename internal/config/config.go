package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/meshmon-dev/meshmon/internal/models"
	"github.com/meshmon-dev/meshmon/internal/types"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Development origins always accepted by CORS and the websocket upgrader.
var defaultOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

type Config struct {
	Port          string
	DatabaseURL   string
	MetricsDBPath string

	LogLevel  string
	LogFormat string

	AllowedOrigins []string

	// MQTT device reports; ingest is disabled when MQTTBroker is empty.
	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTReportTopic string

	// RadiusDesk sync; disabled when the DSN is empty.
	RadiusDesk types.DatabaseConfig
	// Zone RadiusDesk writes its wall-clock timestamps in.
	RadiusDeskTimezone string

	// UniFi controller MongoDB; sync is disabled when the URI is empty.
	UniFiMongoURI string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TwilioChannel    string

	NotifyTimeout     time.Duration
	EvaluationWorkers int
	StoreTimeout      time.Duration
	Ping              types.PingConfig

	File File
}

// File is the optional YAML overlay named by MESHMON_CONFIG.
type File struct {
	MeshDefaults models.MeshSettings `yaml:"mesh_defaults"`
	Intervals    Intervals           `yaml:"intervals"`
}

type Intervals struct {
	Ping    time.Duration `yaml:"ping"`
	Alerts  time.Duration `yaml:"alerts"`
	Sync    time.Duration `yaml:"sync"`
	Hourly  time.Duration `yaml:"hourly"`
	Daily   time.Duration `yaml:"daily"`
	Monthly time.Duration `yaml:"monthly"`
}

func DefaultIntervals() Intervals {
	return Intervals{
		Ping:    5 * time.Minute,
		Alerts:  10 * time.Minute,
		Sync:    time.Hour,
		Hourly:  time.Hour,
		Daily:   24 * time.Hour,
		Monthly: 720 * time.Hour,
	}
}

// Load reads .env (if present), the environment and the optional YAML file.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "3000"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		MetricsDBPath: getEnv("METRICS_DB_PATH", "meshmon-metrics.db"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		AllowedOrigins: origins(getEnv("CLIENT_URL", ""), getEnv("ALLOWED_ORIGINS", "")),

		MQTTBroker:      getEnv("MQTT_BROKER", ""),
		MQTTClientID:    getEnv("MQTT_CLIENT_ID", "meshmon"),
		MQTTUsername:    getEnv("MQTT_USERNAME", ""),
		MQTTPassword:    getEnv("MQTT_PASSWORD", ""),
		MQTTReportTopic: getEnv("MQTT_REPORT_TOPIC", "meshmon/+/report"),

		RadiusDesk: types.DatabaseConfig{
			Type:    getEnv("RADIUSDESK_DRIVER", "mysql"),
			DSN:     getEnv("RADIUSDESK_DSN", ""),
			Timeout: getEnvInt("RADIUSDESK_TIMEOUT", 10),
		},
		RadiusDeskTimezone: getEnv("RADIUSDESK_TIMEZONE", "UTC"),

		UniFiMongoURI: getEnv("UNIFI_MONGO_URI", ""),

		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFrom:       getEnv("TWILIO_FROM", ""),
		TwilioChannel:    getEnv("TWILIO_CHANNEL", "whatsapp"),

		NotifyTimeout:     getEnvDuration("NOTIFY_TIMEOUT", 30*time.Second),
		EvaluationWorkers: getEnvInt("EVALUATION_WORKERS", 8),
		StoreTimeout:      getEnvDuration("STORE_TIMEOUT", 10*time.Second),
		Ping: types.PingConfig{
			Count:      getEnvInt("PING_COUNT", 3),
			Timeout:    getEnvDuration("PING_TIMEOUT", 5*time.Second),
			Privileged: getEnvBool("PING_PRIVILEGED", false),
		},

		File: File{Intervals: DefaultIntervals()},
	}

	if path := getEnv("MESHMON_CONFIG", ""); path != "" {
		if err := loadFile(path, &cfg.File); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadFile overlays the YAML file onto file. Intervals left out of the file
// keep their defaults.
func loadFile(path string, file *File) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, file); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	defaults := DefaultIntervals()
	fill := func(v *time.Duration, def time.Duration) {
		if *v == 0 {
			*v = def
		}
	}
	fill(&file.Intervals.Ping, defaults.Ping)
	fill(&file.Intervals.Alerts, defaults.Alerts)
	fill(&file.Intervals.Sync, defaults.Sync)
	fill(&file.Intervals.Hourly, defaults.Hourly)
	fill(&file.Intervals.Daily, defaults.Daily)
	fill(&file.Intervals.Monthly, defaults.Monthly)
	return nil
}

// Validate performs minimal validation for required fields.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.EvaluationWorkers <= 0 {
		errs = append(errs, fmt.Errorf("EVALUATION_WORKERS must be positive, got %d", c.EvaluationWorkers))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STORE_TIMEOUT must be positive, got %s", c.StoreTimeout))
	}
	switch c.TwilioChannel {
	case "whatsapp", "sms":
	default:
		errs = append(errs, fmt.Errorf("TWILIO_CHANNEL must be whatsapp or sms, got %q", c.TwilioChannel))
	}

	if _, err := time.LoadLocation(c.RadiusDeskTimezone); err != nil {
		errs = append(errs, fmt.Errorf("RADIUSDESK_TIMEZONE: %w", err))
	}

	in := c.File.Intervals
	for name, d := range map[string]time.Duration{
		"ping": in.Ping, "alerts": in.Alerts, "sync": in.Sync,
		"hourly": in.Hourly, "daily": in.Daily, "monthly": in.Monthly,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("interval %s must be positive, got %s", name, d))
		}
	}
	return errors.Join(errs...)
}

// IsAllowedOrigin reports whether origin may open a websocket.
func (c *Config) IsAllowedOrigin(origin string) bool {
	for _, allowed := range c.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func origins(clientURL, allowed string) []string {
	list := make([]string, len(defaultOrigins))
	copy(list, defaultOrigins)

	if clientURL != "" {
		list = append(list, clientURL)
	}
	for _, origin := range strings.Split(allowed, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			list = append(list, trimmed)
		}
	}
	return list
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Invalid integer, using default")
		return defaultValue
	}
	return intValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Invalid boolean, using default")
		return defaultValue
	}
	return boolValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Invalid duration, using default")
		return defaultValue
	}
	return d
}
