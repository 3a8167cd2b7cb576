package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// Port is read from PORT; the lowercase "port" variable is honoured as a fallback.
	Port   int    `yaml:"port" envconfig:"PORT"`
	Listen string `yaml:"listen" envconfig:"LISTEN_ADDR"`

	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"HTTP_WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"HTTP_IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"HTTP_SHUTDOWN_TIMEOUT"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" envconfig:"HTTP_MAX_BODY_BYTES"`
}

// DirectLineConfig configures the Web Chat page served at the root route.
type DirectLineConfig struct {
	Token        string `yaml:"token" envconfig:"DIRECT_LINE_TOKEN"`
	PageTitle    string `yaml:"page_title" envconfig:"WEBCHAT_TITLE"`
	LogoURL      string `yaml:"logo_url" envconfig:"WEBCHAT_LOGO_URL"`
	BotAvatarURL string `yaml:"bot_avatar_url" envconfig:"WEBCHAT_BOT_AVATAR_URL"`
}

// BotFrameworkConfig carries the bot registration credentials.
type BotFrameworkConfig struct {
	AppID       string `yaml:"app_id" envconfig:"MICROSOFT_APP_ID"`
	AppPassword string `yaml:"app_password" envconfig:"MICROSOFT_APP_PASSWORD"`
	AppType     string `yaml:"app_type" envconfig:"MICROSOFT_APP_TYPE"`
	TenantID    string `yaml:"tenant_id" envconfig:"MICROSOFT_APP_TENANT_ID"`
	// KeyCacheTTL bounds how long signing keys from the OpenID metadata are trusted.
	KeyCacheTTL time.Duration `yaml:"key_cache_ttl" envconfig:"BOT_KEY_CACHE_TTL"`
}

// OpenAIConfig configures the Azure OpenAI chat completion backend.
// An empty Endpoint disables completions and the bot falls back to echo replies.
type OpenAIConfig struct {
	Endpoint     string   `yaml:"endpoint" envconfig:"AZURE_OPENAI_ENDPOINT"`
	APIKey       string   `yaml:"api_key" envconfig:"AZURE_OPENAI_API_KEY"`
	Deployment   string   `yaml:"deployment" envconfig:"AZURE_OPENAI_DEPLOYMENT"`
	APIVersion   string   `yaml:"api_version" envconfig:"AZURE_OPENAI_API_VERSION"`
	MaxTokens    int      `yaml:"max_tokens" envconfig:"AZURE_OPENAI_MAX_TOKENS"`
	Temperature  *float64 `yaml:"temperature" envconfig:"AZURE_OPENAI_TEMPERATURE"`
	SystemPrompt string   `yaml:"system_prompt" envconfig:"AZURE_OPENAI_SYSTEM_PROMPT"`
	// HistoryTurns caps how many previous messages are replayed to the model.
	HistoryTurns int           `yaml:"history_turns" envconfig:"AZURE_OPENAI_HISTORY_TURNS"`
	Timeout      time.Duration `yaml:"timeout" envconfig:"AZURE_OPENAI_TIMEOUT"`
}

// StorageConfig selects the bot state storage backend.
type StorageConfig struct {
	Driver string `yaml:"driver" envconfig:"STATE_STORAGE"`
}

// DatabaseConfig holds Postgres connection settings used by the postgres storage driver.
type DatabaseConfig struct {
	Host           string `yaml:"host" envconfig:"DB_HOST"`
	Port           string `yaml:"port" envconfig:"DB_PORT"`
	User           string `yaml:"user" envconfig:"DB_USER"`
	Password       string `yaml:"password" envconfig:"DB_PASSWORD"`
	Name           string `yaml:"name" envconfig:"DB_NAME"`
	SSLMode        string `yaml:"sslmode" envconfig:"DB_SSLMODE"`
	MaxConnections int    `yaml:"max_connections" envconfig:"DB_MAX_CONNECTIONS"`
	MigrationsDir  string `yaml:"migrations_dir" envconfig:"DB_MIGRATIONS_DIR"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format      string `yaml:"format" envconfig:"LOG_FORMAT"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample" envconfig:"LOG_DEBUG_SAMPLE"`
	Dir         string `yaml:"dir" envconfig:"LOG_DIR"`
	File        string `yaml:"file" envconfig:"LOG_FILE"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile" envconfig:"LOG_PROFILE"`
}

const (
	// AppTypeMultiTenant authenticates against the shared botframework.com tenant.
	AppTypeMultiTenant = "MultiTenant"
	// AppTypeSingleTenant authenticates against the configured tenant.
	AppTypeSingleTenant = "SingleTenant"
)

const (
	// StorageMemory keeps bot state in process memory.
	StorageMemory = "memory"
	// StoragePostgres keeps bot state in a Postgres table.
	StoragePostgres = "postgres"
)

const (
	// RoutePage identifies the Web Chat page route for rate limit exclusions.
	RoutePage = "page"
	// RouteMessages identifies the activity webhook route for rate limit exclusions.
	RouteMessages = "messages"
	// RouteTest identifies the test echo route for rate limit exclusions.
	RouteTest = "test"
)

// DefaultPort matches the port Bot Framework tooling expects locally.
const DefaultPort = 3978

const (
	defaultLogoURL      = "https://logos-world.net/wp-content/uploads/2021/02/Microsoft-Azure-Emblem.png"
	defaultBotAvatarURL = "https://dwglogo.com/wp-content/uploads/2019/03/1600px-OpenAI_logo-1024x705.png"
)

// RateLimitConfig holds settings for per-client rate limiting.
// ExcludeRoutes accepts route names that bypass limiting:
// - "page": the Web Chat HTML page
// - "messages": the Bot Framework activity webhook
// - "test": the test echo endpoint
//
// TrustedProxies lists proxy addresses or CIDRs whose X-Forwarded-For header is
// believed. Without it the client is always the connection's remote address.
type RateLimitConfig struct {
	IntervalMS     int      `yaml:"interval_ms" envconfig:"RATE_LIMIT_INTERVAL_MS"`
	ExcludeRoutes  []string `yaml:"exclude_routes" envconfig:"RATE_LIMIT_EXCLUDE_ROUTES"`
	TrustedProxies []string `yaml:"trusted_proxies" envconfig:"TRUSTED_PROXIES"`
}

// Config aggregates the whole application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	DirectLine   DirectLineConfig   `yaml:"direct_line"`
	BotFramework BotFrameworkConfig `yaml:"bot_framework"`
	OpenAI       OpenAIConfig       `yaml:"openai"`
	Storage      StorageConfig      `yaml:"storage"`
	Database     DatabaseConfig     `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process environment.
// Variables already present in the environment win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// Load reads an optional YAML file and applies environment variables on top.
// An empty path skips the file so that deployments can rely on the environment alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}
	applyFrameworkEnv(&cfg)

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyFrameworkEnv honours the variable names used by Bot Framework tooling and
// App Service templates. envconfig upper-cases keys, so these are read directly.
func applyFrameworkEnv(cfg *Config) {
	setString := func(dst *string, keys ...string) {
		if *dst != "" {
			return
		}
		if v, ok := lookupFirst(keys...); ok {
			*dst = v
		}
	}
	setString(&cfg.BotFramework.AppID, "MicrosoftAppId")
	setString(&cfg.BotFramework.AppPassword, "MicrosoftAppPassword")
	setString(&cfg.BotFramework.AppType, "MicrosoftAppType")
	setString(&cfg.BotFramework.TenantID, "MicrosoftAppTenantId")

	if v, ok := lookupFirst("port"); ok {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
}

func lookupFirst(keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// Normalize performs validation of configuration fields and fills in defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	if err := normalizeServer(&cfg.Server); err != nil {
		return err
	}
	if err := normalizeBotFramework(&cfg.BotFramework); err != nil {
		return err
	}
	if err := normalizeOpenAI(&cfg.OpenAI); err != nil {
		return err
	}

	cfg.DirectLine.Token = strings.TrimSpace(cfg.DirectLine.Token)
	if strings.TrimSpace(cfg.DirectLine.PageTitle) == "" {
		cfg.DirectLine.PageTitle = "ChatGPT - REP"
	}
	if strings.TrimSpace(cfg.DirectLine.LogoURL) == "" {
		cfg.DirectLine.LogoURL = defaultLogoURL
	}
	if strings.TrimSpace(cfg.DirectLine.BotAvatarURL) == "" {
		cfg.DirectLine.BotAvatarURL = defaultBotAvatarURL
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "", StorageMemory:
		driver = StorageMemory
	case StoragePostgres, "postgresql", "pg":
		driver = StoragePostgres
		normalizeDatabase(&cfg.Database)
	default:
		return fmt.Errorf("invalid storage.driver %q; allowed: memory, postgres", cfg.Storage.Driver)
	}
	cfg.Storage.Driver = driver

	if cfg.RateLimit.IntervalMS < 0 {
		return fmt.Errorf("rate_limit.interval_ms must be >= 0")
	}
	allowed := map[string]struct{}{
		RoutePage:     {},
		RouteMessages: {},
		RouteTest:     {},
	}
	for i, v := range cfg.RateLimit.ExcludeRoutes {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := allowed[key]; !ok {
			return fmt.Errorf("invalid rate_limit.exclude_routes value %q; allowed: page, messages, test", v)
		}
		cfg.RateLimit.ExcludeRoutes[i] = key
	}
	for i, v := range cfg.RateLimit.TrustedProxies {
		v = strings.TrimSpace(v)
		if !strings.Contains(v, "/") {
			addr, err := netip.ParseAddr(v)
			if err != nil {
				return fmt.Errorf("invalid rate_limit.trusted_proxies value %q: %w", v, err)
			}
			v = netip.PrefixFrom(addr, addr.BitLen()).String()
		}
		prefix, err := netip.ParsePrefix(v)
		if err != nil {
			return fmt.Errorf("invalid rate_limit.trusted_proxies value %q: %w", v, err)
		}
		cfg.RateLimit.TrustedProxies[i] = prefix.Masked().String()
	}
	return nil
}

func normalizeServer(s *ServerConfig) error {
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("server.port must be within 1..65535, got %d", s.Port)
	}
	s.Listen = strings.TrimSpace(s.Listen)
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = 15 * time.Second
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = 60 * time.Second
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = 90 * time.Second
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = 10 * time.Second
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = 4 << 20
	}
	return nil
}

func normalizeBotFramework(b *BotFrameworkConfig) error {
	b.AppID = strings.TrimSpace(b.AppID)
	b.TenantID = strings.TrimSpace(b.TenantID)

	switch strings.ToLower(strings.TrimSpace(b.AppType)) {
	case "", "multitenant":
		b.AppType = AppTypeMultiTenant
	case "singletenant":
		b.AppType = AppTypeSingleTenant
	case "userassignedmsi":
		return fmt.Errorf("bot_framework.app_type %q is not supported; use MultiTenant or SingleTenant", b.AppType)
	default:
		return fmt.Errorf("invalid bot_framework.app_type %q; allowed: MultiTenant, SingleTenant", b.AppType)
	}

	if b.AppID != "" && b.AppPassword == "" {
		return fmt.Errorf("bot_framework.app_password is required when app_id is set")
	}
	if b.AppType == AppTypeSingleTenant && b.TenantID == "" {
		return fmt.Errorf("bot_framework.tenant_id is required when app_type is SingleTenant")
	}
	if b.KeyCacheTTL <= 0 {
		b.KeyCacheTTL = 24 * time.Hour
	}
	return nil
}

func normalizeOpenAI(o *OpenAIConfig) error {
	o.Endpoint = strings.TrimRight(strings.TrimSpace(o.Endpoint), "/")
	if o.MaxTokens <= 0 {
		o.MaxTokens = 800
	}
	if o.Temperature == nil {
		t := 0.7
		o.Temperature = &t
	}
	if *o.Temperature < 0 || *o.Temperature > 2 {
		return fmt.Errorf("openai.temperature must be within 0..2")
	}
	if strings.TrimSpace(o.APIVersion) == "" {
		o.APIVersion = "2024-02-01"
	}
	if o.HistoryTurns <= 0 {
		o.HistoryTurns = 10
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.Endpoint == "" {
		return nil
	}
	if strings.TrimSpace(o.APIKey) == "" {
		return fmt.Errorf("openai.api_key is required when openai.endpoint is set")
	}
	if strings.TrimSpace(o.Deployment) == "" {
		return fmt.Errorf("openai.deployment is required when openai.endpoint is set")
	}
	return nil
}

func normalizeDatabase(d *DatabaseConfig) {
	if d.Host == "" {
		d.Host = "localhost"
	}
	if d.Port == "" {
		d.Port = "5432"
	}
	if d.SSLMode == "" {
		d.SSLMode = "disable"
	}
	if d.MaxConnections <= 0 {
		d.MaxConnections = 5
	}
	if d.MigrationsDir == "" {
		d.MigrationsDir = "migrations"
	}
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Listen, s.Port)
}

// AuthEnabled reports whether inbound requests must carry a Bot Framework token.
func (b BotFrameworkConfig) AuthEnabled() bool {
	return b.AppID != ""
}

// CompletionsEnabled reports whether an Azure OpenAI backend is configured.
func (o OpenAIConfig) CompletionsEnabled() bool {
	return o.Endpoint != ""
}
