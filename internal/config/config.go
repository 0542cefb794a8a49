// Package config loads and validates the gateway configuration from the
// environment. Configuration is computed once; callers obtain it through
// Get(), which never panics: on validation failure it logs the error and
// returns a record with safe defaults (message bus disabled, conservative
// timeouts).
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	DefaultSessionTTL           = 3600 * time.Second
	DefaultCleanupInterval      = 300 * time.Second
	DefaultSessionMaxConcurrent = 100
	DefaultSessionConcurrency   = 8
	DefaultInlineThreshold      = 1 << 20 // 1 MiB
	DefaultBusTTL               = 86400 * time.Second
	DefaultMaxInboundBytes      = 10 << 20 // 10 MiB
	DefaultMaxQueueDepth        = 32
	DefaultWebSocketPort        = 8765
	DefaultComplexityThreshold  = 0.7
	DefaultContextThreshold     = 100_000
)

// Config is the single validated configuration record.
type Config struct {
	WebSocketPort   int
	AuthBearerToken string
	MaxInboundBytes int64
	MaxQueueDepth   int

	Session      SessionConfig
	Timeouts     Timeouts
	Bus          BusConfig
	Routing      RoutingConfig
	Expert       ExpertConfig
	Conversation ConversationConfig
}

// SessionConfig governs session lifecycle and concurrency gates.
type SessionConfig struct {
	TTL             time.Duration // idle expiry
	CleanupInterval time.Duration // sweep period
	MaxConcurrent   int           // sessions per auth principal
	ConcurrencyMax  int64         // in-flight requests per session
}

// BusConfig governs the message bus client and its backends.
type BusConfig struct {
	Enabled          bool
	InlineThreshold  int64
	TTL              time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	SupabaseURL      string
	SupabaseKey      string
	DatabaseURL      string // direct Postgres fallback backend
}

// RoutingConfig governs model tier selection.
type RoutingConfig struct {
	ComplexityThreshold float64
	ContextThreshold    int // estimated input tokens
	RetryMax            int
	// complexity_score weights; the ordering of routing checks is fixed,
	// the weights are not.
	WorkflowWeight float64
	FileWeight     float64
	FileWeightCap  float64
}

// ExpertConfig governs the workflow finalization call.
type ExpertConfig struct {
	IncludeFiles  bool
	MaxFileSizeKB int
}

// ConversationConfig governs the continuation store.
type ConversationConfig struct {
	TTL                 time.Duration
	ContextBudgetTokens int
	RedisAddr           string // empty → in-memory store
	RedisPassword       string
}

// Defaults returns the safe-default record used when validation fails:
// message bus disabled, conservative timeouts.
func Defaults() *Config {
	return &Config{
		WebSocketPort:   DefaultWebSocketPort,
		MaxInboundBytes: DefaultMaxInboundBytes,
		MaxQueueDepth:   DefaultMaxQueueDepth,
		Session: SessionConfig{
			TTL:             DefaultSessionTTL,
			CleanupInterval: DefaultCleanupInterval,
			MaxConcurrent:   DefaultSessionMaxConcurrent,
			ConcurrencyMax:  DefaultSessionConcurrency,
		},
		Timeouts: DeriveTimeouts(120 * time.Second),
		Bus: BusConfig{
			Enabled:          false,
			InlineThreshold:  DefaultInlineThreshold,
			TTL:              DefaultBusTTL,
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
		},
		Routing: RoutingConfig{
			ComplexityThreshold: DefaultComplexityThreshold,
			ContextThreshold:    DefaultContextThreshold,
			RetryMax:            3,
			WorkflowWeight:      0.5,
			FileWeight:          0.05,
			FileWeightCap:       0.3,
		},
		Expert: ExpertConfig{
			IncludeFiles:  false,
			MaxFileSizeKB: 10,
		},
		Conversation: ConversationConfig{
			TTL:                 3 * time.Hour,
			ContextBudgetTokens: 60_000,
		},
	}
}

// Load parses the environment into a Config and validates it. Unlike Get,
// Load surfaces the validation error so startup code can abort on timeout
// ordering violations.
func Load() (*Config, error) {
	cfg := Defaults()

	cfg.WebSocketPort = envInt("WEBSOCKET_PORT", cfg.WebSocketPort)
	cfg.AuthBearerToken = os.Getenv("AUTH_BEARER_TOKEN")
	cfg.MaxInboundBytes = envInt64("MAX_INBOUND_BYTES", cfg.MaxInboundBytes)
	cfg.MaxQueueDepth = envInt("MAX_QUEUE_DEPTH", cfg.MaxQueueDepth)

	cfg.Session.TTL = envSecs("SESSION_TIMEOUT_SECS", cfg.Session.TTL)
	cfg.Session.CleanupInterval = envSecs("SESSION_CLEANUP_INTERVAL", cfg.Session.CleanupInterval)
	cfg.Session.MaxConcurrent = envInt("SESSION_MAX_CONCURRENT", cfg.Session.MaxConcurrent)
	cfg.Session.ConcurrencyMax = envInt64("SESSION_CONCURRENCY_MAX", cfg.Session.ConcurrencyMax)

	tool := envSecs("TOOL_TIMEOUT_SECS", cfg.Timeouts.Tool)
	cfg.Timeouts = DeriveTimeouts(tool)
	cfg.Timeouts.Daemon = envSecs("DAEMON_TIMEOUT_SECS", cfg.Timeouts.Daemon)
	cfg.Timeouts.Shim = envSecs("SHIM_TIMEOUT_SECS", cfg.Timeouts.Shim)
	cfg.Timeouts.Client = envSecs("CLIENT_TIMEOUT_SECS", cfg.Timeouts.Client)

	cfg.Bus.Enabled = envBool("MESSAGE_BUS_ENABLED", false)
	cfg.Bus.InlineThreshold = envInt64("MESSAGE_BUS_INLINE_THRESHOLD_BYTES", cfg.Bus.InlineThreshold)
	cfg.Bus.TTL = envSecs("MESSAGE_BUS_TTL_SECS", cfg.Bus.TTL)
	cfg.Bus.FailureThreshold = envInt("MESSAGE_BUS_FAILURE_THRESHOLD", cfg.Bus.FailureThreshold)
	cfg.Bus.Cooldown = envSecs("MESSAGE_BUS_COOLDOWN_SECS", cfg.Bus.Cooldown)
	cfg.Bus.SupabaseURL = os.Getenv("SUPABASE_URL")
	cfg.Bus.SupabaseKey = os.Getenv("SUPABASE_SERVICE_KEY")
	cfg.Bus.DatabaseURL = os.Getenv("DATABASE_URL")

	cfg.Routing.ComplexityThreshold = envFloat("ROUTING_COMPLEXITY_THRESHOLD", cfg.Routing.ComplexityThreshold)
	cfg.Routing.ContextThreshold = envInt("ROUTING_CONTEXT_THRESHOLD_TOKENS", cfg.Routing.ContextThreshold)
	cfg.Routing.RetryMax = envInt("ROUTING_RETRY_MAX", cfg.Routing.RetryMax)

	cfg.Expert.IncludeFiles = envBool("EXPERT_ANALYSIS_INCLUDE_FILES", false)
	cfg.Expert.MaxFileSizeKB = envInt("EXPERT_ANALYSIS_MAX_FILE_SIZE_KB", cfg.Expert.MaxFileSizeKB)

	cfg.Conversation.TTL = envSecs("CONVERSATION_TIMEOUT_SECS", cfg.Conversation.TTL)
	cfg.Conversation.ContextBudgetTokens = envInt("CONVERSATION_CONTEXT_BUDGET_TOKENS", cfg.Conversation.ContextBudgetTokens)
	cfg.Conversation.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.Conversation.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the record. The timeout hierarchy check is the one that
// must abort startup; everything else is range sanity.
func (c *Config) Validate() error {
	if err := c.Timeouts.Validate(); err != nil {
		return err
	}
	if c.WebSocketPort <= 0 || c.WebSocketPort > 65535 {
		return fmt.Errorf("WEBSOCKET_PORT %d out of range", c.WebSocketPort)
	}
	if c.MaxInboundBytes <= 0 {
		return fmt.Errorf("MAX_INBOUND_BYTES must be positive, got %d", c.MaxInboundBytes)
	}
	if c.Bus.InlineThreshold <= 0 {
		return fmt.Errorf("MESSAGE_BUS_INLINE_THRESHOLD_BYTES must be positive, got %d", c.Bus.InlineThreshold)
	}
	if c.Session.ConcurrencyMax <= 0 {
		return fmt.Errorf("SESSION_CONCURRENCY_MAX must be positive, got %d", c.Session.ConcurrencyMax)
	}
	if c.Routing.ComplexityThreshold <= 0 || c.Routing.ComplexityThreshold > 1 {
		return fmt.Errorf("ROUTING_COMPLEXITY_THRESHOLD %.2f out of (0,1]", c.Routing.ComplexityThreshold)
	}
	return nil
}

var (
	once   sync.Once
	loaded *Config
	logger = log.New(log.Writer(), "[CONFIG] ", log.LstdFlags)
)

// Get returns the process configuration. It never panics: if the environment
// fails validation, the error is logged once and the safe-default record
// (message bus disabled) is returned instead.
func Get() *Config {
	once.Do(func() {
		cfg, err := Load()
		if err != nil {
			logger.Printf("invalid configuration, falling back to safe defaults: %v", err)
			loaded = Defaults()
			return
		}
		loaded = cfg
	})
	return loaded
}

// Reset clears the cached record. Test hook only.
func Reset() {
	once = sync.Once{}
	loaded = nil
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Printf("ignoring %s=%q: %v", key, v, err)
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		logger.Printf("ignoring %s=%q: %v", key, v, err)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		logger.Printf("ignoring %s=%q: %v", key, v, err)
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		logger.Printf("ignoring %s=%q: %v", key, v, err)
		return def
	}
	return b
}

func envSecs(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logger.Printf("ignoring %s=%q: %v", key, v, err)
		return def
	}
	return time.Duration(n) * time.Second
}
