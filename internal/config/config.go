// Package config defines all configuration for BetterBot. Config is loaded
// from a YAML file (default: configs/config.yaml) with sensitive fields
// overridable via BETTERBOT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Fanout     FanoutConfig     `mapstructure:"fanout"`
	Vault      VaultConfig      `mapstructure:"vault"`
	Backtest   BacktestConfig   `mapstructure:"backtest"`
	Secrets    SecretsConfig    `mapstructure:"-"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SourceConfig is one upstream's ingest tuning.
type SourceConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Endpoint            string        `mapstructure:"endpoint"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	P95LatencySLO        time.Duration `mapstructure:"p95_latency_slo"`
	MonthlyCreditBudget int           `mapstructure:"monthly_credit_budget"`
}

// IngestConfig configures every upstream adapter.
type IngestConfig struct {
	WalletWS        SourceConfig  `mapstructure:"wallet_ws"`
	WalletREST      SourceConfig  `mapstructure:"wallet_rest"`
	WhaleREST       SourceConfig  `mapstructure:"whale_rest"`
	MarketCatalog   SourceConfig  `mapstructure:"market_catalog"`
	Orderbook       SourceConfig  `mapstructure:"orderbook"`
	SpotFeed        SourceConfig  `mapstructure:"spot_feed"`
	SpotSymbols     []string      `mapstructure:"spot_symbols"`
	BusCapacity     int           `mapstructure:"bus_capacity"`
	MaxEventAge     time.Duration `mapstructure:"max_event_age"`
	TrackedWallets  []string      `mapstructure:"tracked_wallets"`
	EliteWallets    []string      `mapstructure:"elite_wallets"`
	InsiderWallets  []string      `mapstructure:"insider_wallets"`
}

// StorageConfig governs the embedded persistence layer.
type StorageConfig struct {
	DatabasePath   string        `mapstructure:"database_path"`
	RetentionDays  int           `mapstructure:"retention_days"`
	PruneCadence   time.Duration `mapstructure:"prune_cadence"`
	FTSWarmupCount int           `mapstructure:"fts_warmup_count"`
}

// EnrichmentConfig sizes the bounded worker pool that fetches signal context
// and locates the REST endpoints it fetches that context from.
type EnrichmentConfig struct {
	Workers                int    `mapstructure:"workers"`
	QueueCapacity          int    `mapstructure:"queue_capacity"`
	GlobalConcurrency      int    `mapstructure:"global_concurrency"`
	HeavyConcurrency       int    `mapstructure:"heavy_concurrency"`
	MarketMetadataEndpoint string `mapstructure:"market_metadata_endpoint"`
	WalletMappingEndpoint  string `mapstructure:"wallet_mapping_endpoint"`
	WalletPnLEndpoint      string `mapstructure:"wallet_pnl_endpoint"`
}

// FanoutConfig sizes the subscriber broadcast hub.
type FanoutConfig struct {
	SubscriberQueueCapacity int `mapstructure:"subscriber_queue_capacity"`
}

// VaultConfig governs both vault sub-engines.
type VaultConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	PaperMode        bool          `mapstructure:"paper_mode"`
	Fast15m          Fast15mConfig `mapstructure:"fast15m"`
	Long             LongConfig    `mapstructure:"long"`
}

type Fast15mConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MinEdge          float64       `mapstructure:"min_edge"`
	ShrinkFactor     float64       `mapstructure:"shrink_factor"`
	KellyFraction    float64       `mapstructure:"kelly_fraction"`
	MaxTradeFraction float64       `mapstructure:"max_trade_fraction"` // of NAV, <= 0.01
	Cooldown         time.Duration `mapstructure:"cooldown"`
	DailyCapPerMkt   float64       `mapstructure:"daily_cap_per_market"`
}

type LongConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxTTE            time.Duration `mapstructure:"max_tte"`
	MaxSpread         float64       `mapstructure:"max_spread"`
	MinTopOfBookDepth float64       `mapstructure:"min_top_of_book_depth"`
	KellyFraction     float64       `mapstructure:"kelly_fraction"`
	MaxTradeFraction  float64       `mapstructure:"max_trade_fraction"`
	DailyCallBudget   int           `mapstructure:"daily_call_budget"`
	DailyTokenBudget  int           `mapstructure:"daily_token_budget"`
	ConsensusModels   int           `mapstructure:"consensus_models"`
	ConsensusNeeded   int           `mapstructure:"consensus_needed"`
}

// BacktestConfig governs the deterministic replay engine.
type BacktestConfig struct {
	ProductionGrade  bool    `mapstructure:"production_grade"`
	InvariantMode    string  `mapstructure:"invariant_mode"`    // Off|Soft|Hard
	PathologyPolicy  string  `mapstructure:"pathology_policy"`  // Strict|Resilient|Permissive
	StrictAccounting bool    `mapstructure:"strict_accounting"`
	MakerFillModel   string  `mapstructure:"maker_fill_model"` // ExplicitQueue|Conservative|MakerDisabled|Optimistic
	SensitivityLatenciesMs []int `mapstructure:"sensitivity_latencies_ms"`
}

// SecretsConfig holds values that must never be embedded in source; loaded
// exclusively from the environment.
type SecretsConfig struct {
	WhaleFeedAPIKey     string
	WalletFeedBearer    string
	LLMProviderKey      string
	SpotFeedAPIKey      string // optional
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BETTERBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Secrets = SecretsConfig{
		WhaleFeedAPIKey:  os.Getenv("BETTERBOT_WHALE_API_KEY"),
		WalletFeedBearer: os.Getenv("BETTERBOT_WALLET_BEARER"),
		LLMProviderKey:   os.Getenv("BETTERBOT_LLM_API_KEY"),
		SpotFeedAPIKey:   os.Getenv("BETTERBOT_SPOT_API_KEY"),
	}

	return &cfg, nil
}

// Validate checks all required fields, value ranges, and fails closed on any
// missing required secret.
func (c *Config) Validate() error {
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	if c.Ingest.WalletWS.Enabled && c.Secrets.WalletFeedBearer == "" {
		return fmt.Errorf("wallet feed enabled but BETTERBOT_WALLET_BEARER is not set")
	}
	if c.Ingest.WhaleREST.Enabled && c.Secrets.WhaleFeedAPIKey == "" {
		return fmt.Errorf("whale feed enabled but BETTERBOT_WHALE_API_KEY is not set")
	}
	if c.Vault.Long.DailyCallBudget > 0 && c.Secrets.LLMProviderKey == "" {
		return fmt.Errorf("vault.long has a call budget but BETTERBOT_LLM_API_KEY is not set")
	}
	if c.Vault.Fast15m.MaxTradeFraction > 0.01 {
		return fmt.Errorf("vault.fast15m.max_trade_fraction must be <= 0.01")
	}
	if c.Vault.Fast15m.KellyFraction > 0.05 {
		return fmt.Errorf("vault.fast15m.kelly_fraction must be <= 0.05")
	}
	switch c.Backtest.InvariantMode {
	case "", "Off", "Soft", "Hard":
	default:
		return fmt.Errorf("backtest.invariant_mode must be one of Off, Soft, Hard")
	}
	if c.Backtest.ProductionGrade && c.Backtest.InvariantMode != "Hard" {
		return fmt.Errorf("backtest.production_grade requires invariant_mode=Hard")
	}
	switch c.Backtest.PathologyPolicy {
	case "", "Strict", "Resilient", "Permissive":
	default:
		return fmt.Errorf("backtest.pathology_policy must be one of Strict, Resilient, Permissive")
	}
	return nil
}
