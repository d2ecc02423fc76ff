package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	DefaultSystemPrompt   = "Use the web_search tool to search for information and return detailed search results. Ensure it includes the latest information."
	DefaultPromptTemplate = "Please search for the following content and provide detailed search results: %s"
)

// Config holds the environment driven configuration for the server.
type Config struct {
	// Anthropic Messages API
	AnthropicAPIKey    string        `env:"ANTHROPIC_API_KEY" validate:"required"`
	AnthropicBaseURL   string        `env:"ANTHROPIC_BASE_URL" envDefault:"https://api.anthropic.com" validate:"required,url"`
	AnthropicVersion   string        `env:"ANTHROPIC_VERSION" envDefault:"2023-06-01" validate:"required"`
	AnthropicModel     string        `env:"ANTHROPIC_MODEL" envDefault:"claude-3-7-sonnet-latest" validate:"required"`
	AnthropicMaxTokens int           `env:"ANTHROPIC_MAX_TOKENS" envDefault:"4000" validate:"min=1"`
	AnthropicTimeout   time.Duration `env:"ANTHROPIC_TIMEOUT" envDefault:"120s"`

	// Search behaviour
	SystemPrompt       string        `env:"SEARCH_SYSTEM_PROMPT"`
	PromptTemplate     string        `env:"SEARCH_PROMPT_TEMPLATE"`
	SearchTimeout      time.Duration `env:"SEARCH_TIMEOUT" envDefault:"180s"`
	MaxContinuations   int           `env:"SEARCH_MAX_CONTINUATIONS" envDefault:"3" validate:"min=0,max=10"`
	IncludeSources     bool          `env:"SEARCH_INCLUDE_SOURCES" envDefault:"false"`
	WebSearchMaxUses   int           `env:"WEB_SEARCH_MAX_USES" envDefault:"0" validate:"min=0"`
	AllowedDomains     []string      `env:"WEB_SEARCH_ALLOWED_DOMAINS" envSeparator:","`
	BlockedDomains     []string      `env:"WEB_SEARCH_BLOCKED_DOMAINS" envSeparator:","`
	SearchRateLimit    float64       `env:"SEARCH_RATE_LIMIT" envDefault:"0" validate:"min=0"`
	SearchRateBurst    int           `env:"SEARCH_RATE_BURST" envDefault:"1" validate:"min=1"`
	RetryMaxAttempts   int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3" validate:"min=1"`
	RetryInitialDelay  time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"1s"`
	RetryMaxDelay      time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`
	CBFailureThreshold uint32        `env:"CB_FAILURE_THRESHOLD" envDefault:"5" validate:"min=1"`
	CBOpenTimeout      time.Duration `env:"CB_OPEN_TIMEOUT" envDefault:"60s"`

	// Transport
	Transport       string        `env:"MCP_TRANSPORT" envDefault:"websocket" validate:"oneof=websocket stdio"`
	Host            string        `env:"WEBSOCKET_HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"WEBSOCKET_PORT" envDefault:"8765" validate:"min=1,max=65535"`
	WSReadLimit     int64         `env:"WS_READ_LIMIT" envDefault:"1048576" validate:"min=1024"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Server identity
	ServerName      string `env:"SERVER_NAME" envDefault:"smart_web_search-mcp"`
	ServerVersion   string `env:"SERVER_VERSION" envDefault:"1.0.0"`
	ProtocolVersion string `env:"MCP_PROTOCOL_VERSION" envDefault:"2024-11-05"`

	// Observability
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string `env:"LOG_FORMAT" envDefault:"json" validate:"oneof=json console"`
	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"true"`
	EnableTracing  bool   `env:"ENABLE_TRACING" envDefault:"false"`
	OTLPEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELService    string `env:"OTEL_SERVICE_NAME" envDefault:"smart-web-search-mcp"`

	// Audit trail; Cloud Logging is used only when a project is set
	GCPProjectID       string `env:"GCP_PROJECT_ID"`
	GCPCredentialsFile string `env:"GCP_CREDENTIALS_FILE"`
	AuditLogID         string `env:"AUDIT_LOG_ID" envDefault:"smart-web-search"`
}

// LoadEnvFile overlays the variables of a dotenv file onto the process
// environment. A missing default file is not an error.
func LoadEnvFile(path string, required bool) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("stat env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load parses environment variables into Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.SystemPrompt) == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if strings.TrimSpace(c.PromptTemplate) == "" {
		c.PromptTemplate = DefaultPromptTemplate
	}
	c.AllowedDomains = trimAll(c.AllowedDomains)
	c.BlockedDomains = trimAll(c.BlockedDomains)
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
}

// Validate checks struct constraints and the cross-field rules env tags
// cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", envName(fe.StructField()), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if len(c.AllowedDomains) > 0 && len(c.BlockedDomains) > 0 {
		return fmt.Errorf("invalid config: WEB_SEARCH_ALLOWED_DOMAINS and WEB_SEARCH_BLOCKED_DOMAINS are mutually exclusive")
	}
	if strings.Count(c.PromptTemplate, "%s") != 1 {
		return fmt.Errorf("invalid config: SEARCH_PROMPT_TEMPLATE must contain exactly one %%s")
	}
	if c.RetryMaxDelay < c.RetryInitialDelay {
		return fmt.Errorf("invalid config: RETRY_MAX_DELAY must not be lower than RETRY_INITIAL_DELAY")
	}
	if c.EnableTracing && strings.TrimSpace(c.OTLPEndpoint) == "" {
		return fmt.Errorf("invalid config: OTEL_EXPORTER_OTLP_ENDPOINT is required when ENABLE_TRACING is true")
	}
	return nil
}

// Addr returns the WebSocket listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Prompt renders the user prompt for a query.
func (c *Config) Prompt(query string) string {
	return fmt.Sprintf(c.PromptTemplate, query)
}

func trimAll(values []string) []string {
	out := values[:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

var envNames = map[string]string{
	"AnthropicAPIKey":    "ANTHROPIC_API_KEY",
	"AnthropicBaseURL":   "ANTHROPIC_BASE_URL",
	"AnthropicVersion":   "ANTHROPIC_VERSION",
	"AnthropicModel":     "ANTHROPIC_MODEL",
	"AnthropicMaxTokens": "ANTHROPIC_MAX_TOKENS",
	"MaxContinuations":   "SEARCH_MAX_CONTINUATIONS",
	"WebSearchMaxUses":   "WEB_SEARCH_MAX_USES",
	"SearchRateLimit":    "SEARCH_RATE_LIMIT",
	"SearchRateBurst":    "SEARCH_RATE_BURST",
	"RetryMaxAttempts":   "RETRY_MAX_ATTEMPTS",
	"CBFailureThreshold": "CB_FAILURE_THRESHOLD",
	"Transport":          "MCP_TRANSPORT",
	"Port":               "WEBSOCKET_PORT",
	"WSReadLimit":        "WS_READ_LIMIT",
	"LogFormat":          "LOG_FORMAT",
}

func envName(field string) string {
	if name, ok := envNames[field]; ok {
		return name
	}
	return field
}
