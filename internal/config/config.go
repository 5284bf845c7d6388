// Package config loads tacsync settings from a JSON file with viper,
// layering file values over built-in defaults so a bare config still
// yields a working node.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// TelemetryConfig holds the local telemetry source settings.
type TelemetryConfig struct {
	URL          string        `json:"url" mapstructure:"url"`
	PollInterval time.Duration `json:"pollInterval" mapstructure:"pollInterval"`
}

// InfluxConfig holds the performance monitoring sink settings.
type InfluxConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Token    string `json:"token" mapstructure:"token"`
	Org      string `json:"org" mapstructure:"org"`
}

// RegistryConfig selects and parameterizes the airfield registry backend.
type RegistryConfig struct {
	Backend  string `json:"backend" mapstructure:"backend"`
	Path     string `json:"path" mapstructure:"path"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// ChatConfig bounds team chat retention.
type ChatConfig struct {
	MaxMessages int           `json:"maxMessages" mapstructure:"maxMessages"`
	Window      time.Duration `json:"window" mapstructure:"window"`
}

// Load reads tacsync.cfg.json from configDir and sets default values.
func Load(configDir string) error {
	viper.SetDefault("callsign", "")
	viper.SetDefault("color", "#ffa500")
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("udpPort", 50050)
	viper.SetDefault("broadcastIp", "255.255.255.255")
	viper.SetDefault("disableLanBroadcast", false)
	viper.SetDefault("broadcastIntervalMs", 1000)

	viper.SetDefault("httpPort", 8000)

	viper.SetDefault("telemetry.url", "http://localhost:8111")
	viper.SetDefault("telemetry.pollIntervalMs", 100)

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "tacsync-metrics")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("registry.backend", "sqlite")
	viper.SetDefault("registry.path", "./tacsync.db")
	viper.SetDefault("registry.host", "localhost")
	viper.SetDefault("registry.port", "5432")
	viper.SetDefault("registry.username", "postgres")
	viper.SetDefault("registry.password", "postgres")
	viper.SetDefault("registry.database", "tacsync")

	viper.SetDefault("chat.maxMessages", 100)
	viper.SetDefault("chat.windowMinutes", 10)

	viper.SetConfigName("tacsync.cfg.json")
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetTelemetryConfig returns the telemetry section with defaults applied.
func GetTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		URL:          viper.GetString("telemetry.url"),
		PollInterval: time.Duration(viper.GetInt("telemetry.pollIntervalMs")) * time.Millisecond,
	}
}

// GetInfluxConfig returns the influx section with defaults applied.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Protocol: viper.GetString("influx.protocol"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
	}
}

// URL assembles the connection URL for the influx client.
func (c InfluxConfig) URL() string {
	return fmt.Sprintf("%s://%s:%s", c.Protocol, c.Host, c.Port)
}

// GetRegistryConfig returns the registry section with defaults applied.
func GetRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Backend:  viper.GetString("registry.backend"),
		Path:     viper.GetString("registry.path"),
		Host:     viper.GetString("registry.host"),
		Port:     viper.GetString("registry.port"),
		Username: viper.GetString("registry.username"),
		Password: viper.GetString("registry.password"),
		Database: viper.GetString("registry.database"),
	}
}

// DSN builds the postgres connection string for the registry backend.
func (c RegistryConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.Username, c.Password, c.Database)
}

// GetChatConfig returns the chat retention bounds with defaults applied.
func GetChatConfig() ChatConfig {
	return ChatConfig{
		MaxMessages: viper.GetInt("chat.maxMessages"),
		Window:      time.Duration(viper.GetInt("chat.windowMinutes")) * time.Minute,
	}
}
