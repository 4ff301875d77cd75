package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port           string `envconfig:"PORT" default:"3000"`
	AllowedOrigins string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:5173"`

	Auth0Domain string `envconfig:"AUTH0_DOMAIN" required:"true"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`

	AnthropicAPIKey string `envconfig:"ANTHROPIC_API_KEY" required:"true"`
	ModelDefault    string `envconfig:"MODEL_DEFAULT" default:"claude-3-5-haiku-latest"`
	ModelVision     string `envconfig:"MODEL_VISION" default:"claude-sonnet-4-20250514"`

	SystemPromptPath string `envconfig:"SYSTEM_PROMPT_PATH"`

	StripeSecretKey        string        `envconfig:"STRIPE_SECRET_KEY"`
	OverageReportInterval  time.Duration `envconfig:"OVERAGE_REPORT_INTERVAL" default:"15m"`
	DisconnectGracePeriod  time.Duration `envconfig:"DISCONNECT_GRACE_PERIOD" default:"5s"`
	FreeTierTokenLimit     int64         `envconfig:"FREE_TIER_TOKEN_LIMIT" default:"100000"`
	ProTierTokenLimit      int64         `envconfig:"PRO_TIER_TOKEN_LIMIT" default:"2000000"`
	EnterpriseTokenLimit   int64         `envconfig:"ENTERPRISE_TOKEN_LIMIT" default:"10000000"`
	AdminSharedSecret      string        `envconfig:"ADMIN_SHARED_SECRET"`
}

// defaultSystemPrompt is used when no SYSTEM_PROMPT_PATH override is given.
// Kept short here; production deployments mount the full prompt as a file.
const defaultSystemPrompt = `You are TradeScope, an assistant for retail traders.
You analyse price charts, explain technical patterns and help users reflect on
their trades. You never give financial advice or price predictions presented
as certainty. Be concise and format answers in markdown.`

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SystemPrompt loads the system instructions once at startup. The returned
// string is passed into the relay as immutable configuration.
func (c *Config) SystemPrompt() (string, error) {
	if c.SystemPromptPath == "" {
		return defaultSystemPrompt, nil
	}
	data, err := os.ReadFile(c.SystemPromptPath)
	if err != nil {
		return "", fmt.Errorf("failed to read system prompt file: %w", err)
	}
	return string(data), nil
}
