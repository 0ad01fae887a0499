// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds appcore server configuration.
type Config struct {
	// Identity reported in the initialize handshake.
	ServerName      string `envconfig:"APPCORE_SERVER_NAME" default:"appcore"`
	ServerVersion   string `envconfig:"APPCORE_SERVER_VERSION" default:"0.1.0"`
	ProtocolVersion string `envconfig:"APPCORE_PROTOCOL_VERSION" default:"2025-06-18"`

	// Tooling
	ToolManifest    string        `envconfig:"APPCORE_TOOL_MANIFEST"`
	ToolCallTimeout time.Duration `envconfig:"APPCORE_TOOL_TIMEOUT" default:"30s"`

	// Bus
	PublishTimeout time.Duration `envconfig:"APPCORE_PUBLISH_TIMEOUT" default:"25s"`

	// Transports (at least one must be enabled)
	StdioEnabled bool `envconfig:"APPCORE_STDIO_ENABLED" default:"true"`

	HTTPEnabled        bool     `envconfig:"APPCORE_HTTP_ENABLED" default:"false"`
	HTTPHost           string   `envconfig:"APPCORE_HTTP_HOST" default:"localhost"`
	HTTPPort           int      `envconfig:"APPCORE_HTTP_PORT" default:"3333"`
	HTTPPath           string   `envconfig:"APPCORE_HTTP_PATH" default:"/mcp"`
	HTTPAllowedOrigins []string `envconfig:"APPCORE_HTTP_ALLOWED_ORIGINS"`

	NATSEnabled bool   `envconfig:"APPCORE_NATS_ENABLED" default:"false"`
	NATSURL     string `envconfig:"APPCORE_NATS_URL" default:"nats://127.0.0.1:4222"`
	NATSName    string `envconfig:"APPCORE_SERVICE_NAME" default:"appcore-mcp"`
	NATSSubject string `envconfig:"APPCORE_NATS_SUBJECT" default:"appcore.mcp.v1"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ValidateForServe checks required config when running the server.
func (c *Config) ValidateForServe() error {
	if c.ToolCallTimeout <= 0 {
		return fmt.Errorf("%s - APPCORE_TOOL_TIMEOUT must be positive", logPrefix)
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("%s - APPCORE_PUBLISH_TIMEOUT must be positive", logPrefix)
	}
	if !c.StdioEnabled && !c.HTTPEnabled && !c.NATSEnabled {
		return fmt.Errorf("%s - at least one transport must be enabled", logPrefix)
	}
	if c.HTTPEnabled {
		if c.HTTPPort < 1 || c.HTTPPort > 65535 {
			return fmt.Errorf("%s - APPCORE_HTTP_PORT %d out of range", logPrefix, c.HTTPPort)
		}
		if !strings.HasPrefix(c.HTTPPath, "/") {
			return fmt.Errorf("%s - APPCORE_HTTP_PATH must start with /", logPrefix)
		}
	}
	if c.NATSEnabled && c.NATSURL == "" {
		return fmt.Errorf("%s - APPCORE_NATS_URL is required when NATS is enabled", logPrefix)
	}
	return nil
}
