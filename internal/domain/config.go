package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Core settings
	Engine     EngineConfig     `json:"engine"`
	Controller ControllerConfig `json:"controller"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// EngineConfig holds trust-score engine settings.
type EngineConfig struct {
	// CacheEnabled short-circuits identical repeated evaluation requests.
	CacheEnabled bool `json:"cacheEnabled"`
	CacheTTL     int  `json:"cacheTtl"` // seconds

	// EvaluationTimeout bounds one Evaluate call. Exceeding it surfaces
	// as an evaluation failure, never a partial result.
	EvaluationTimeout int `json:"evaluationTimeout"` // seconds

	// TopFactors is the explanation payload's factor count.
	TopFactors int `json:"topFactors"`

	// NegativeFactorBoost multiplies negative factors' selection impact.
	NegativeFactorBoost float64 `json:"negativeFactorBoost"`

	// HistoryWindow caps the profile's rolling history.
	HistoryWindow int `json:"historyWindow"`
}

// ControllerConfig holds adaptive scaling controller settings.
type ControllerConfig struct {
	Enabled bool `json:"enabled"`

	// Cooldown is the minimum time between scaling evaluations for the
	// same principal/tenant/context key.
	Cooldown int `json:"cooldown"` // seconds

	// Epsilon is the float tolerance for equality comparators.
	Epsilon float64 `json:"epsilon"`

	// AutoDowngrade attaches an expiry to upward adjustments so the
	// sweep can restore defaults after DowngradeDelay.
	AutoDowngrade  bool `json:"autoDowngrade"`
	DowngradeDelay int  `json:"downgradeDelay"` // minutes

	NotifyEnabled bool `json:"notifyEnabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300, // 5 minutes
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Engine: EngineConfig{
			CacheEnabled:        true,
			CacheTTL:            60,
			EvaluationTimeout:   10,
			TopFactors:          10,
			NegativeFactorBoost: 1.5,
			HistoryWindow:       DefaultHistoryWindow,
		},
		Controller: ControllerConfig{
			Enabled:        true,
			Cooldown:       300,
			Epsilon:        1e-6,
			AutoDowngrade:  true,
			DowngradeDelay: 60,
			NotifyEnabled:  true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// TenantConfig holds per-tenant scoring configuration served by the
// ConfigProvider.
type TenantConfig struct {
	TenantID string `json:"tenantId"`

	// Weights maps dimensions to aggregation weights. A zero weight
	// excludes the dimension from evaluation.
	Weights map[Dimension]float64 `json:"weights"`

	// LevelThresholds classify the overall score, walked highest first.
	LevelThresholds []LevelThreshold `json:"levelThresholds"`

	// Anomaly detection settings.
	AnomalyDetection bool `json:"anomalyDetection"`
	MaxAnomalies     int  `json:"maxAnomalies"`
}

// LevelThreshold maps a minimum score to a trust level.
type LevelThreshold struct {
	Level    TrustLevel `json:"level"`
	MinScore float64    `json:"minScore"`
}

// DefaultTenantConfig returns the configuration used for tenants with no
// stored overrides: equal weight on every dimension, standard thresholds.
func DefaultTenantConfig(tenantID string) *TenantConfig {
	weights := make(map[Dimension]float64, len(AllDimensions()))
	for _, d := range AllDimensions() {
		weights[d] = 1.0
	}
	return &TenantConfig{
		TenantID: tenantID,
		Weights:  weights,
		LevelThresholds: []LevelThreshold{
			{Level: TrustLevelVeryHigh, MinScore: 90},
			{Level: TrustLevelHigh, MinScore: 75},
			{Level: TrustLevelMedium, MinScore: 50},
			{Level: TrustLevelLow, MinScore: 25},
			{Level: TrustLevelVeryLow, MinScore: 0},
		},
		AnomalyDetection: true,
		MaxAnomalies:     10,
	}
}

// ClassifyLevel walks the thresholds from highest to lowest and returns the
// first level the score meets or exceeds.
func (c *TenantConfig) ClassifyLevel(score float64) TrustLevel {
	for _, t := range c.LevelThresholds {
		if score >= t.MinScore {
			return t.Level
		}
	}
	return TrustLevelVeryLow
}

// RegionalConfig holds per-region scoring adjustments.
type RegionalConfig struct {
	Region string `json:"region"`

	// ScoreAdjustment is a flat adjustment applied by the regional
	// evaluator, on the score scale.
	ScoreAdjustment float64 `json:"scoreAdjustment"`

	// RequiredVerifications lists verification names whose absence from
	// the request metadata produces a negative factor.
	RequiredVerifications []string `json:"requiredVerifications,omitempty"`
}
