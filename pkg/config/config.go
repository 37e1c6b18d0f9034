package config

import (
	"os"
	"strconv"
	"time"
)

// EnforcementMode controls how a verification failure is handled.
type EnforcementMode string

const (
	ModeOff     EnforcementMode = "off"
	ModeWarn    EnforcementMode = "warn"
	ModeEnforce EnforcementMode = "enforce"
)

// Config holds server configuration loaded from the environment.
type Config struct {
	Port        string
	LogLevel    string
	Environment string

	DBPath      string
	PostgresDSN string // optional; sqlite is the default engine

	// Identity secrets. Backend and adapter tokens are HMAC-signed; the
	// decision/tool token secrets fall back to HKDF derivations from
	// AgentJWTSecret when unset.
	AgentJWTSecret      string
	AdapterJWTSecret    string
	DecisionTokenSecret string
	ToolTokenSecret     string

	// Operator identity provider (external OIDC).
	OpsOIDCIssuer   string
	OpsOIDCAudience string
	OpsOIDCJWKSURL  string

	TelemetrySignatureMode EnforcementMode
	TelemetryMaxSkew       time.Duration
	ToolAuthMode           EnforcementMode

	PolicyPath string

	DevNoAuth bool

	// Decision grant tuning.
	GrantTTL        time.Duration
	ApprovalTTL     time.Duration
	SafetyFactor    float64
	DefaultMaxSteps int
	DefaultCostCap  float64
	SweeperInterval time.Duration

	MaxPayloadBytes int64

	OTLPEndpoint string
	RedisURL     string
}

// Load reads configuration from environment variables, applying defaults.
func Load() *Config {
	cfg := &Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    getenv("LOG_LEVEL", "INFO"),
		Environment: getenv("ENVIRONMENT", "development"),

		DBPath:      getenv("DB_PATH", "clasper.db"),
		PostgresDSN: os.Getenv("POSTGRES_DSN"),

		AgentJWTSecret:      os.Getenv("AGENT_JWT_SECRET"),
		AdapterJWTSecret:    os.Getenv("ADAPTER_JWT_SECRET"),
		DecisionTokenSecret: os.Getenv("DECISION_TOKEN_SECRET"),
		ToolTokenSecret:     os.Getenv("TOOL_TOKEN_SECRET"),

		OpsOIDCIssuer:   os.Getenv("OPS_OIDC_ISSUER"),
		OpsOIDCAudience: os.Getenv("OPS_OIDC_AUDIENCE"),
		OpsOIDCJWKSURL:  os.Getenv("OPS_OIDC_JWKS_URL"),

		TelemetrySignatureMode: mode(getenv("TELEMETRY_SIGNATURE_MODE", "enforce")),
		TelemetryMaxSkew:       time.Duration(getint("TELEMETRY_MAX_SKEW_SECONDS", 300)) * time.Second,
		ToolAuthMode:           mode(getenv("TOOL_AUTH_MODE", "enforce")),

		PolicyPath: os.Getenv("POLICY_PATH"),

		DevNoAuth: os.Getenv("DEV_NO_AUTH") == "true",

		GrantTTL:        time.Duration(getint("GRANT_TTL_SECONDS", 900)) * time.Second,
		ApprovalTTL:     time.Duration(getint("APPROVAL_TTL_SECONDS", 86400)) * time.Second,
		SafetyFactor:    getfloat("COST_SAFETY_FACTOR", 1.25),
		DefaultMaxSteps: getint("DEFAULT_MAX_STEPS", 16),
		DefaultCostCap:  getfloat("DEFAULT_COST_CAP", 1.00),
		SweeperInterval: time.Duration(getint("SWEEPER_INTERVAL_SECONDS", 60)) * time.Second,

		MaxPayloadBytes: int64(getint("MAX_PAYLOAD_BYTES", 1<<20)),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		RedisURL:     os.Getenv("REDIS_URL"),
	}
	return cfg
}

// DevBypassAllowed reports whether the development auth bypass may activate.
// All three preconditions must hold; anything else is missing_token territory.
func (c *Config) DevBypassAllowed() bool {
	return c.DevNoAuth && c.Environment != "production" && c.OpsOIDCIssuer == ""
}

func mode(s string) EnforcementMode {
	switch EnforcementMode(s) {
	case ModeOff, ModeWarn, ModeEnforce:
		return EnforcementMode(s)
	}
	return ModeEnforce
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
