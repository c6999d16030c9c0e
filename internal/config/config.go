// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. Map-valued settings (routing_aliases,
// fallback_rules) are YAML-only.
//
// Load produces an immutable *Config; the running process holds it behind an
// atomic pointer so a reload swaps the whole snapshot in one step and
// in-flight requests keep the snapshot they started with.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Routing strategies accepted by ROUTING_STRATEGY.
const (
	StrategySmart        = "smart"
	StrategyCost         = "cost"
	StrategyLatency      = "latency"
	StrategyQuality      = "quality"
	StrategyContent      = "content"
	StrategyLoadBalanced = "load-balanced"
	StrategyExperimental = "experimental"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Routing controls model selection.
	Routing RoutingConfig

	// Resilience controls retries and the per-provider circuit breaker.
	Resilience ResilienceConfig

	// RateLimit controls the per-API-key token bucket.
	RateLimit RateLimitConfig

	// Deadlines are the per-request timeouts.
	Deadlines DeadlineConfig

	// Fallback controls the cascading retry across alternate models.
	Fallback FallbackConfig

	// Budget controls spend enforcement.
	Budget BudgetConfig

	// ContentFilter controls prompt and completion filtering.
	ContentFilter ContentFilterConfig

	// Provider credentials — at least one must be configured.
	OpenAI      ProviderConfig
	Anthropic   ProviderConfig
	Cohere      ProviderConfig
	HuggingFace ProviderConfig
	Gemini      ProviderConfig
	Azure       AzureConfig

	// Auth configures inbound request authentication.
	Auth AuthConfig

	// Redis holds the connection URL used by the Redis cache backend and the
	// distributed rate limiter. Required only when either selects "redis".
	Redis RedisConfig

	// Cache controls the response cache.
	Cache CacheConfig

	// Usage controls token-usage persistence.
	Usage UsageConfig

	// FineTuneSyncInterval is the poll interval of the background fine-tune
	// sync loop. Default: 5m. 0 disables the loop.
	FineTuneSyncInterval time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	CORSOrigins []string
}

// RoutingConfig controls the strategy engine.
type RoutingConfig struct {
	// Strategy is the configured routing policy. Default: smart.
	Strategy string

	// ExperimentalSampleRate is the probability that the experimental
	// strategy picks from ExperimentalModels instead of routing smart.
	// Default: 0.1.
	ExperimentalSampleRate float64

	// ExperimentalModels is the canonical-id set sampled by the experimental
	// strategy.
	ExperimentalModels []string

	// Aliases maps logical model names to canonical ids,
	// e.g. "fast-chat" -> "openai.gpt-4o-mini".
	Aliases map[string]string

	// Smart-strategy weights. Defaults: cost 0.4, latency 0.4, quality 0.2.
	WeightCost    float64
	WeightLatency float64
	WeightQuality float64
}

// ResilienceConfig controls retries and circuit breaking.
type ResilienceConfig struct {
	// MaxRetries is the attempt count per candidate, including the first.
	// Default: 3.
	MaxRetries int

	// BaseBackoff is the exponential backoff base. Default: 1s.
	BaseBackoff time.Duration

	// CircuitThreshold is the consecutive-failure count that opens a
	// provider's breaker. Default: 5.
	CircuitThreshold int

	// CircuitCooldown is how long an open breaker rejects before allowing a
	// half-open probe. Default: 30s.
	CircuitCooldown time.Duration
}

// RateLimitConfig controls the per-key token bucket.
type RateLimitConfig struct {
	// TokenLimit is the bucket capacity. Default: 100. 0 disables limiting.
	TokenLimit int

	// TokensPerPeriod is the refill amount per period. Default: 10.
	TokensPerPeriod int

	// Period is the refill period. Default: 1s.
	Period time.Duration

	// QueueLimit bounds the number of blocked waiters per key. Default: 50.
	QueueLimit int

	// Mode selects the backend: "memory" (per-process) or "redis"
	// (shared across replicas). Default: memory.
	Mode string
}

// DeadlineConfig holds the per-request deadlines.
type DeadlineConfig struct {
	// NonStream is the buffered-completion deadline. Default: 30s.
	NonStream time.Duration

	// Stream is the streaming-completion deadline. Default: 120s.
	Stream time.Duration
}

// FallbackConfig controls the cascading retry across candidates.
type FallbackConfig struct {
	// Enabled toggles the cascade. Default: true.
	Enabled bool

	// MaxDepth bounds how many alternate candidates may be tried after the
	// primary. Default: 3.
	MaxDepth int

	// Rules maps a canonical model id to its ordered fallback candidates.
	Rules map[string][]string

	// EligibleErrorClasses restricts which classified errors trigger the
	// cascade. Empty means the built-in default set.
	EligibleErrorClasses []string
}

// BudgetConfig controls spend enforcement.
type BudgetConfig struct {
	// Enforce rejects requests whose projected cost exceeds the remaining
	// budget. When false, overruns are logged only. Default: false.
	Enforce bool

	// MonthlyLimit is the per-key USD spend limit per calendar month.
	// 0 disables budget tracking. Default: 0.
	MonthlyLimit float64
}

// ContentFilterConfig controls prompt and completion filtering.
type ContentFilterConfig struct {
	// Enabled toggles filtering. Default: true.
	Enabled bool

	// Directions selects which sides are checked: "prompt", "completion".
	// Default: both.
	Directions []string

	// Blocklist is the term list for the built-in keyword filter.
	Blocklist []string
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint. Useful for
	// proxies and local test doubles.
	BaseURL string

	// Timeout is the per-adapter HTTP timeout. Zero uses the default.
	Timeout time.Duration

	// OrgID is the optional organization id header value.
	OrgID string
}

// AzureConfig holds Azure OpenAI configuration.
type AzureConfig struct {
	// Endpoint is the Azure OpenAI resource URL,
	// e.g. "https://myresource.openai.azure.com".
	Endpoint string

	// APIKey is the Azure OpenAI resource key.
	APIKey string

	// APIVersion is the API version string, e.g. "2024-12-01-preview".
	APIVersion string

	// Timeout is the per-adapter HTTP timeout. Zero uses the default.
	Timeout time.Duration
}

// AuthConfig controls inbound authentication.
type AuthConfig struct {
	// APIKeys is the set of accepted gateway API keys (X-API-Key header).
	// Empty disables authentication entirely.
	APIKeys []string

	// JWTSecret is the HMAC secret for Authorization: Bearer tokens.
	// Empty disables JWT validation.
	JWTSecret string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend: "redis", "memory", or "none".
	// Default: memory.
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeExact is a list of exact model ids that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// model ids. Matching requests are not cached.
	ExcludePatterns []string
}

// UsageConfig controls token-usage persistence.
type UsageConfig struct {
	// Backend selects the repository: "memory" or "clickhouse".
	// Default: memory.
	Backend string

	// ClickHouseDSN is the DSN for the clickhouse backend,
	// e.g. "clickhouse://localhost:9000/gateway".
	ClickHouseDSN string

	// FallbackPromptPrice and FallbackCompletionPrice are the per-1000-token
	// USD prices used when the pricing table has no entry for a model.
	// Records priced this way are marked estimated.
	FallbackPromptPrice     float64
	FallbackCompletionPrice float64
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Missing config.yaml is fine; env vars alone are a valid configuration.
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("ROUTING_STRATEGY", StrategySmart)
	v.SetDefault("ROUTING_EXPERIMENTAL_SAMPLE_RATE", 0.1)
	v.SetDefault("ROUTING_WEIGHT_COST", 0.4)
	v.SetDefault("ROUTING_WEIGHT_LATENCY", 0.4)
	v.SetDefault("ROUTING_WEIGHT_QUALITY", 0.2)

	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("BASE_BACKOFF", "1s")
	v.SetDefault("CB_THRESHOLD", 5)
	v.SetDefault("CB_COOLDOWN", "30s")

	v.SetDefault("RATE_LIMIT_TOKENS", 100)
	v.SetDefault("RATE_LIMIT_TOKENS_PER_PERIOD", 10)
	v.SetDefault("RATE_LIMIT_PERIOD", "1s")
	v.SetDefault("RATE_LIMIT_QUEUE", 50)
	v.SetDefault("RATE_LIMIT_MODE", "memory")

	v.SetDefault("DEADLINE_NONSTREAM", "30s")
	v.SetDefault("DEADLINE_STREAM", "120s")

	v.SetDefault("FALLBACK_ENABLED", true)
	v.SetDefault("FALLBACK_MAX_DEPTH", 3)

	v.SetDefault("BUDGET_ENFORCE", false)
	v.SetDefault("BUDGET_MONTHLY_LIMIT", 0.0)

	v.SetDefault("CONTENT_FILTER_ENABLED", true)
	v.SetDefault("CONTENT_FILTER_DIRECTIONS", []string{"prompt", "completion"})

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")

	v.SetDefault("USAGE_BACKEND", "memory")
	v.SetDefault("USAGE_FALLBACK_PROMPT_PRICE", 0.001)
	v.SetDefault("USAGE_FALLBACK_COMPLETION_PRICE", 0.002)

	v.SetDefault("FINETUNE_SYNC_INTERVAL", "5m")

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Routing: RoutingConfig{
			Strategy:               strings.ToLower(v.GetString("ROUTING_STRATEGY")),
			ExperimentalSampleRate: v.GetFloat64("ROUTING_EXPERIMENTAL_SAMPLE_RATE"),
			ExperimentalModels:     v.GetStringSlice("ROUTING_EXPERIMENTAL_MODELS"),
			Aliases:                v.GetStringMapString("routing_aliases"),
			WeightCost:             v.GetFloat64("ROUTING_WEIGHT_COST"),
			WeightLatency:          v.GetFloat64("ROUTING_WEIGHT_LATENCY"),
			WeightQuality:          v.GetFloat64("ROUTING_WEIGHT_QUALITY"),
		},

		Resilience: ResilienceConfig{
			MaxRetries:       v.GetInt("MAX_RETRIES"),
			BaseBackoff:      v.GetDuration("BASE_BACKOFF"),
			CircuitThreshold: v.GetInt("CB_THRESHOLD"),
			CircuitCooldown:  v.GetDuration("CB_COOLDOWN"),
		},

		RateLimit: RateLimitConfig{
			TokenLimit:      v.GetInt("RATE_LIMIT_TOKENS"),
			TokensPerPeriod: v.GetInt("RATE_LIMIT_TOKENS_PER_PERIOD"),
			Period:          v.GetDuration("RATE_LIMIT_PERIOD"),
			QueueLimit:      v.GetInt("RATE_LIMIT_QUEUE"),
			Mode:            strings.ToLower(v.GetString("RATE_LIMIT_MODE")),
		},

		Deadlines: DeadlineConfig{
			NonStream: v.GetDuration("DEADLINE_NONSTREAM"),
			Stream:    v.GetDuration("DEADLINE_STREAM"),
		},

		Fallback: FallbackConfig{
			Enabled:              v.GetBool("FALLBACK_ENABLED"),
			MaxDepth:             v.GetInt("FALLBACK_MAX_DEPTH"),
			Rules:                v.GetStringMapStringSlice("fallback_rules"),
			EligibleErrorClasses: v.GetStringSlice("FALLBACK_ERROR_CLASSES"),
		},

		Budget: BudgetConfig{
			Enforce:      v.GetBool("BUDGET_ENFORCE"),
			MonthlyLimit: v.GetFloat64("BUDGET_MONTHLY_LIMIT"),
		},

		ContentFilter: ContentFilterConfig{
			Enabled:    v.GetBool("CONTENT_FILTER_ENABLED"),
			Directions: v.GetStringSlice("CONTENT_FILTER_DIRECTIONS"),
			Blocklist:  v.GetStringSlice("CONTENT_FILTER_BLOCKLIST"),
		},

		OpenAI: ProviderConfig{
			APIKey:  v.GetString("OPENAI_API_KEY"),
			BaseURL: v.GetString("OPENAI_BASE_URL"),
			Timeout: v.GetDuration("OPENAI_TIMEOUT"),
			OrgID:   v.GetString("OPENAI_ORG_ID"),
		},
		Anthropic: ProviderConfig{
			APIKey:  v.GetString("ANTHROPIC_API_KEY"),
			BaseURL: v.GetString("ANTHROPIC_BASE_URL"),
			Timeout: v.GetDuration("ANTHROPIC_TIMEOUT"),
		},
		Cohere: ProviderConfig{
			APIKey:  v.GetString("COHERE_API_KEY"),
			BaseURL: v.GetString("COHERE_BASE_URL"),
			Timeout: v.GetDuration("COHERE_TIMEOUT"),
		},
		HuggingFace: ProviderConfig{
			APIKey:  v.GetString("HUGGINGFACE_API_KEY"),
			BaseURL: v.GetString("HUGGINGFACE_BASE_URL"),
			Timeout: v.GetDuration("HUGGINGFACE_TIMEOUT"),
		},
		Gemini: ProviderConfig{
			APIKey:  v.GetString("GOOGLE_API_KEY"),
			BaseURL: v.GetString("GEMINI_BASE_URL"),
			Timeout: v.GetDuration("GEMINI_TIMEOUT"),
		},
		Azure: AzureConfig{
			Endpoint:   v.GetString("AZURE_OPENAI_ENDPOINT"),
			APIKey:     v.GetString("AZURE_OPENAI_API_KEY"),
			APIVersion: v.GetString("AZURE_OPENAI_API_VERSION"),
			Timeout:    v.GetDuration("AZURE_TIMEOUT"),
		},

		Auth: AuthConfig{
			APIKeys:   v.GetStringSlice("AUTH_API_KEYS"),
			JWTSecret: v.GetString("AUTH_JWT_SECRET"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		Usage: UsageConfig{
			Backend:                 strings.ToLower(v.GetString("USAGE_BACKEND")),
			ClickHouseDSN:           v.GetString("CLICKHOUSE_DSN"),
			FallbackPromptPrice:     v.GetFloat64("USAGE_FALLBACK_PROMPT_PRICE"),
			FallbackCompletionPrice: v.GetFloat64("USAGE_FALLBACK_COMPLETION_PRICE"),
		},

		FineTuneSyncInterval: v.GetDuration("FINETUNE_SYNC_INTERVAL"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks the semantic constraints that defaults cannot express.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, COHERE_API_KEY, " +
				"HUGGINGFACE_API_KEY, GOOGLE_API_KEY, or AZURE_OPENAI_API_KEY)",
		)
	}

	switch c.Routing.Strategy {
	case StrategySmart, StrategyCost, StrategyLatency, StrategyQuality,
		StrategyContent, StrategyLoadBalanced, StrategyExperimental:
	default:
		return fmt.Errorf("config: invalid ROUTING_STRATEGY %q", c.Routing.Strategy)
	}
	if r := c.Routing.ExperimentalSampleRate; r < 0 || r > 1 {
		return fmt.Errorf("config: ROUTING_EXPERIMENTAL_SAMPLE_RATE must be in [0,1], got %g", r)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.Resilience.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be at least 1, got %d", c.Resilience.MaxRetries)
	}
	if c.Resilience.CircuitThreshold < 1 {
		return fmt.Errorf("config: CB_THRESHOLD must be at least 1, got %d", c.Resilience.CircuitThreshold)
	}
	if c.Resilience.CircuitCooldown <= 0 {
		return fmt.Errorf("config: CB_COOLDOWN must be a positive duration")
	}

	if c.RateLimit.TokenLimit < 0 || c.RateLimit.TokensPerPeriod < 0 || c.RateLimit.QueueLimit < 0 {
		return fmt.Errorf("config: rate limit values must be non-negative")
	}
	switch c.RateLimit.Mode {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: invalid RATE_LIMIT_MODE %q; must be memory or redis", c.RateLimit.Mode)
	}
	if c.RateLimit.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RATE_LIMIT_MODE=redis")
	}

	if c.Budget.MonthlyLimit < 0 {
		return fmt.Errorf("config: BUDGET_MONTHLY_LIMIT must be non-negative, got %g", c.Budget.MonthlyLimit)
	}

	if c.Fallback.MaxDepth < 0 {
		return fmt.Errorf("config: FALLBACK_MAX_DEPTH must be non-negative, got %d", c.Fallback.MaxDepth)
	}

	for _, d := range c.ContentFilter.Directions {
		if d != "prompt" && d != "completion" {
			return fmt.Errorf("config: invalid CONTENT_FILTER_DIRECTIONS entry %q", d)
		}
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when CACHE_MODE=redis")
	}

	switch c.Usage.Backend {
	case "memory":
	case "clickhouse":
		if c.Usage.ClickHouseDSN == "" {
			return fmt.Errorf("config: CLICKHOUSE_DSN is required when USAGE_BACKEND=clickhouse")
		}
	default:
		return fmt.Errorf("config: invalid USAGE_BACKEND %q; must be memory or clickhouse", c.Usage.Backend)
	}

	return nil
}

// AtLeastOneProviderKey reports whether any provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Cohere.APIKey != "" ||
		c.HuggingFace.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.Azure.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
