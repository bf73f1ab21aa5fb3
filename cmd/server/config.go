package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	htbconfig "github.com/thenexusengine/pubmatic_htb/internal/config"
	"github.com/thenexusengine/pubmatic_htb/internal/parcel"
	"github.com/thenexusengine/pubmatic_htb/internal/pubmatic"
	"github.com/thenexusengine/pubmatic_htb/internal/storage"
)

// ServerConfig holds all server configuration
type ServerConfig struct {
	// Server
	Port    string
	MaxWait time.Duration

	// PartnerConfigFile is an optional YAML/JSON file holding the
	// partner configuration. HTB_* environment variables override it.
	PartnerConfigFile string

	// CallbackBaseURL is this server's public URL, written into frames so
	// that out of page loaders can post their maps back
	CallbackBaseURL string

	// Database
	DatabaseConfig *DatabaseConfig

	// Redis
	RedisURL string

	// Analytics
	AnalyticsEndpoint string
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// ParseConfig parses configuration from flags and environment variables
func ParseConfig() *ServerConfig {
	port := flag.String("port", getEnvOrDefault("HTB_PORT", "8000"), "Relay listen port")
	configFile := flag.String("config", getEnvOrDefault("HTB_CONFIG_FILE", ""), "YAML file with the PubMatic partner settings")
	maxWait := flag.Duration("max-wait", getEnvDurationOrDefault("HTB_DEMAND_MAX_WAIT", htbconfig.DefaultDemandMaxWait), "Maximum time a demand request waits for results")
	callbackBase := flag.String("callback-base-url", getEnvOrDefault("HTB_CALLBACK_BASE_URL", ""), "Public base URL for frame callbacks")
	flag.Parse()

	cfg := &ServerConfig{
		Port:              *port,
		MaxWait:           *maxWait,
		PartnerConfigFile: *configFile,
		CallbackBaseURL:   strings.TrimRight(*callbackBase, "/"),
		RedisURL:          os.Getenv("REDIS_URL"),
		AnalyticsEndpoint: os.Getenv("HTB_ANALYTICS_ENDPOINT"),
	}

	// Parse database config if DB_HOST is set
	if dbHost := os.Getenv("DB_HOST"); dbHost != "" {
		cfg.DatabaseConfig = &DatabaseConfig{
			Host:     dbHost,
			Port:     getEnvOrDefault("DB_PORT", "5432"),
			User:     getEnvOrDefault("DB_USER", "htb"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			Name:     getEnvOrDefault("DB_NAME", "htb"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
		}
	}

	return cfg
}

// LoadPartnerConfig reads the partner configuration from path, when set,
// and from HTB_* environment variables (HTB_PUBLISHERID, HTB_TIMEOUT,
// HTB_TARGETINGKEYS_OM, ...). Durations are written as "500ms" or "2s".
func LoadPartnerConfig(path string) (pubmatic.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HTB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a default for AutomaticEnv to reach it on Unmarshal
	def := pubmatic.DefaultConfig()
	v.SetDefault("publisherId", "")
	v.SetDefault("timeout", "0s")
	v.SetDefault("demandExpiry", "0s")
	v.SetDefault("architecture", string(def.Architecture))
	v.SetDefault("targetingKeys.om", def.TargetingKeys.OM)
	v.SetDefault("targetingKeys.pm", def.TargetingKeys.PM)
	v.SetDefault("targetingKeys.pmid", def.TargetingKeys.PMID)
	v.SetDefault("targetingKeys.id", def.TargetingKeys.ID)
	v.SetDefault("enabledAnalytics.requestTime", def.EnabledAnalytics.RequestTime)
	v.SetDefault("scriptUrl", "")
	v.SetDefault("callbackBaseUrl", "")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return pubmatic.Config{}, fmt.Errorf("failed to read partner config %s: %w", path, err)
		}
	}

	var cfg pubmatic.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return pubmatic.Config{}, fmt.Errorf("failed to decode partner config: %w", err)
	}
	cfg.Architecture = parcel.Architecture(strings.ToLower(string(cfg.Architecture)))
	return cfg, nil
}

// applyPartnerRow overlays a database row on cfg. Empty row fields keep
// the file values.
func applyPartnerRow(cfg *pubmatic.Config, row *storage.PartnerConfig) {
	if row == nil {
		return
	}
	if row.PublisherID != "" {
		cfg.PublisherID = row.PublisherID
	}
	if row.TimeoutMs > 0 {
		cfg.Timeout = row.Timeout()
	}
	if row.DemandExpiryMs > 0 {
		cfg.DemandExpiry = row.DemandExpiry()
	}
	cfg.EnabledAnalytics.RequestTime = row.AnalyticsRequestTime

	keys := row.TargetingKeys
	if v := keys["om"]; v != "" {
		cfg.TargetingKeys.OM = v
	}
	if v := keys["pm"]; v != "" {
		cfg.TargetingKeys.PM = v
	}
	if v := keys["pmid"]; v != "" {
		cfg.TargetingKeys.PMID = v
	}
	if v := keys["id"]; v != "" {
		cfg.TargetingKeys.ID = v
	}
}

// getEnvOrDefault returns the environment variable value or a default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDurationOrDefault returns the environment variable as a duration or a default
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}
