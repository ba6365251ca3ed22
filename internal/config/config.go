// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mr-tron/base58"
	"github.com/spf13/viper"
)

type Config struct {
	RPCURL     string `mapstructure:"rpc_url"`
	WSURL      string `mapstructure:"ws_url"`
	PrivateKey string `mapstructure:"private_key"`

	CopyAmountUSDC    float64 `mapstructure:"copy_amount_usdc"`
	MaxPositionUSDC   float64 `mapstructure:"max_position_usdc"`
	MinTradeUSDC      float64 `mapstructure:"min_trade_usdc"`
	MinSourceUSDC     float64 `mapstructure:"min_source_usdc"`
	MinSellUSDC       float64 `mapstructure:"min_sell_usdc"`
	PartialFillPolicy string  `mapstructure:"partial_fill_policy"`
	SellPolicy        string  `mapstructure:"sell_policy"`
	SellFullExitRatio float64 `mapstructure:"sell_full_exit_ratio"`

	Tip       TipConfig       `mapstructure:"tip"`
	Slippage  SlippageConfig  `mapstructure:"slippage_bps"`
	Confirm   ConfirmConfig   `mapstructure:"confirm"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Journal   JournalConfig   `mapstructure:"journal"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Jupiter   JupiterConfig   `mapstructure:"jupiter"`
	Report    ReportConfig    `mapstructure:"report"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Log       LogConfig       `mapstructure:"log"`

	PostgresURL string         `mapstructure:"postgres_url"`
	Workers     int            `mapstructure:"workers"`
	QueueDepth  int            `mapstructure:"queue_depth"`
	MetricsAddr string         `mapstructure:"metrics_addr"`
	Targets     []TargetConfig `mapstructure:"targets"`
}

type TipConfig struct {
	BaseLamports uint64  `mapstructure:"base_lamports"`
	Multiplier   float64 `mapstructure:"multiplier"`
	MaxLamports  uint64  `mapstructure:"max_lamports"`
	MaxAttempts  int     `mapstructure:"max_attempts"`
}

type SlippageConfig struct {
	Buy  uint16 `mapstructure:"buy"`
	Sell uint16 `mapstructure:"sell"`
}

type ConfirmConfig struct {
	PollMs      int    `mapstructure:"poll_ms"`
	ExpirySlots uint64 `mapstructure:"expiry_slots"`
	TimeoutMs   int    `mapstructure:"timeout_ms"`
	BatchSize   int    `mapstructure:"batch_size"`
	SettleTries int    `mapstructure:"settle_tries"`
	LateSlots   uint64 `mapstructure:"late_slots"`
}

type WatcherConfig struct {
	BackfillSlots  uint64   `mapstructure:"backfill_slots"`
	BackfillLimit  int      `mapstructure:"backfill_limit"`
	SwapMarkers    []string `mapstructure:"swap_markers"`
	ReconnectMinMs int      `mapstructure:"reconnect_min_ms"`
	ReconnectMaxMs int      `mapstructure:"reconnect_max_ms"`
}

type DedupConfig struct {
	Backend  string `mapstructure:"backend"`
	WindowMs int64  `mapstructure:"window_ms"`
}

type JournalConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type JupiterConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

type ReportConfig struct {
	Hour     int    `mapstructure:"hour"`
	TradeLog string `mapstructure:"trade_log"`
}

type ReconcileConfig struct {
	IntervalMs int `mapstructure:"interval_ms"`
}

type LogConfig struct {
	File        string `mapstructure:"file"`
	Development bool   `mapstructure:"development"`
	Pretty      bool   `mapstructure:"pretty"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	MaxBackups  int    `mapstructure:"max_backups"`
}

type TargetConfig struct {
	Address string `mapstructure:"address"`
	Label   string `mapstructure:"label"`
	Paused  bool   `mapstructure:"paused"`
}

const (
	DefaultCopyAmountUSDC  = 10.0
	DefaultMaxPositionUSDC = 200.0
	DefaultWorkers         = 8
)

var defaults = map[string]interface{}{
	"copy_amount_usdc":     DefaultCopyAmountUSDC,
	"max_position_usdc":    DefaultMaxPositionUSDC,
	"min_trade_usdc":       1.0,
	"min_source_usdc":      0.0,
	"min_sell_usdc":        0.5,
	"partial_fill_policy":  "partial",
	"sell_policy":          "holding_fraction",
	"sell_full_exit_ratio": 0.99,

	"tip.base_lamports": 10_000,
	"tip.multiplier":    2.0,
	"tip.max_lamports":  2_000_000,
	"tip.max_attempts":  4,

	"slippage_bps.buy":  1000,
	"slippage_bps.sell": 2000,

	"confirm.poll_ms":      500,
	"confirm.expiry_slots": 150,
	"confirm.timeout_ms":   60_000,
	"confirm.batch_size":   100,
	"confirm.settle_tries": 10,
	"confirm.late_slots":   300,

	"watcher.backfill_slots":   1_500,
	"watcher.backfill_limit":   200,
	"watcher.swap_markers":     []string{"Instruction: Route", "Instruction: Swap", "Instruction: Buy", "Instruction: Sell"},
	"watcher.reconnect_min_ms": 500,
	"watcher.reconnect_max_ms": 30_000,

	"dedup.backend":   "memory",
	"dedup.window_ms": int64(time.Hour / time.Millisecond),

	"journal.backend": "badger",
	"journal.path":    "data/journal",

	"redis.addr":     "",
	"redis.password": "",
	"redis.db":       0,

	"jupiter.base_url": "https://lite-api.jup.ag/swap/v1",
	"jupiter.api_key":  "",

	"report.hour":      9,
	"report.trade_log": "data/trades.csv",

	"reconcile.interval_ms": 20_000,

	"log.file":         "logs/copybot.log",
	"log.development":  false,
	"log.pretty":       true,
	"log.max_size_mb":  100,
	"log.max_age_days": 7,
	"log.max_backups":  3,

	"rpc_url":      "",
	"ws_url":       "",
	"private_key":  "",
	"postgres_url": "",
	"workers":      DefaultWorkers,
	"queue_depth":  64,
	"metrics_addr": ":9090",
}

// Plain environment names accepted next to the COPYBOT_ prefixed ones.
var envAliases = map[string]string{
	"copy_amount_usdc":  "COPY_AMOUNT_USDC",
	"max_position_usdc": "MAX_POSITION_USDC",
	"private_key":       "PRIVATE_KEY",
	"rpc_url":           "RPC_URL",
	"ws_url":            "WS_URL",
	"jupiter.api_key":   "JUPITER_API_KEY",
	"postgres_url":      "POSTGRES_URL",
	"redis.addr":        "REDIS_ADDR",
}

// LoadConfig reads path (optional), loads .env and applies environment
// overrides, then validates.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	loadEnvironmentVariables(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if targets := v.GetString("TARGET_WALLETS"); targets != "" {
		cfg.Targets = parseTargets(targets)
	}
	if cfg.WSURL == "" {
		cfg.WSURL = deriveWSURL(cfg.RPCURL)
	}

	return &cfg, validateConfig(&cfg)
}

func loadEnvironmentVariables(v *viper.Viper) {
	v.SetEnvPrefix("COPYBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, alias := range envAliases {
		_ = v.BindEnv(key, "COPYBOT_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), alias)
	}
	_ = v.BindEnv("TARGET_WALLETS", "COPYBOT_TARGET_WALLETS", "TARGET_WALLETS")
}

// parseTargets reads "address[:label]" entries separated by commas.
func parseTargets(raw string) []TargetConfig {
	var out []TargetConfig
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		addr, label, _ := strings.Cut(item, ":")
		out = append(out, TargetConfig{Address: strings.TrimSpace(addr), Label: strings.TrimSpace(label)})
	}
	return out
}

func deriveWSURL(rpcURL string) string {
	switch {
	case strings.HasPrefix(rpcURL, "https://"):
		return "wss://" + strings.TrimPrefix(rpcURL, "https://")
	case strings.HasPrefix(rpcURL, "http://"):
		return "ws://" + strings.TrimPrefix(rpcURL, "http://")
	}
	return ""
}

func validateConfig(cfg *Config) error {
	if err := validateURL(cfg.RPCURL, "http"); err != nil {
		return fmt.Errorf("rpc_url: %w", err)
	}
	if err := validateURL(cfg.WSURL, "ws"); err != nil {
		return fmt.Errorf("ws_url: %w", err)
	}
	if cfg.PrivateKey == "" {
		return errors.New("private_key is not set")
	}
	if err := validateSizing(cfg); err != nil {
		return err
	}
	if err := validateExecution(cfg); err != nil {
		return err
	}
	if err := validateBackends(cfg); err != nil {
		return err
	}
	return validateTargets(cfg.Targets)
}

func validateSizing(cfg *Config) error {
	switch {
	case cfg.CopyAmountUSDC <= 0:
		return errors.New("copy_amount_usdc must be positive")
	case cfg.MaxPositionUSDC < cfg.CopyAmountUSDC:
		return errors.New("max_position_usdc must be at least copy_amount_usdc")
	case cfg.MinTradeUSDC <= 0 || cfg.MinTradeUSDC > cfg.CopyAmountUSDC:
		return errors.New("min_trade_usdc must be in (0, copy_amount_usdc]")
	case cfg.MinSourceUSDC < 0 || cfg.MinSellUSDC < 0:
		return errors.New("minimums must not be negative")
	case cfg.SellFullExitRatio <= 0 || cfg.SellFullExitRatio > 1:
		return errors.New("sell_full_exit_ratio must be in (0, 1]")
	}
	switch cfg.PartialFillPolicy {
	case "partial", "skip":
	default:
		return fmt.Errorf("invalid partial_fill_policy %q", cfg.PartialFillPolicy)
	}
	switch cfg.SellPolicy {
	case "holding_fraction", "quote_value", "full_exit":
	default:
		return fmt.Errorf("invalid sell_policy %q", cfg.SellPolicy)
	}
	return nil
}

func validateExecution(cfg *Config) error {
	switch {
	case cfg.Tip.MaxAttempts < 1:
		return errors.New("tip.max_attempts must be at least 1")
	case cfg.Tip.Multiplier < 1:
		return errors.New("tip.multiplier must be at least 1")
	case cfg.Tip.MaxLamports < cfg.Tip.BaseLamports:
		return errors.New("tip.max_lamports must be at least tip.base_lamports")
	case cfg.Slippage.Buy > 10_000 || cfg.Slippage.Sell > 10_000:
		return errors.New("slippage_bps must not exceed 10000")
	case cfg.Confirm.PollMs <= 0 || cfg.Confirm.TimeoutMs <= 0 || cfg.Confirm.ExpirySlots == 0:
		return errors.New("invalid confirm settings")
	case cfg.Confirm.BatchSize <= 0 || cfg.Confirm.BatchSize > 256:
		return errors.New("confirm.batch_size must be in [1, 256]")
	case cfg.Confirm.SettleTries <= 0:
		return errors.New("confirm.settle_tries must be positive")
	case cfg.Workers <= 0:
		return errors.New("invalid workers count")
	case cfg.QueueDepth <= 0:
		return errors.New("queue_depth must be positive")
	case cfg.Report.Hour < 0 || cfg.Report.Hour > 23:
		return errors.New("report.hour must be in [0, 23]")
	case cfg.Reconcile.IntervalMs < 0:
		return errors.New("invalid reconcile.interval_ms")
	}
	return nil
}

func validateBackends(cfg *Config) error {
	switch cfg.Journal.Backend {
	case "memory":
	case "badger":
		if cfg.Journal.Path == "" {
			return errors.New("journal.path is required for badger")
		}
	case "postgres":
		if cfg.PostgresURL == "" {
			return errors.New("postgres_url is required for the postgres journal")
		}
	default:
		return fmt.Errorf("invalid journal.backend %q", cfg.Journal.Backend)
	}
	switch cfg.Dedup.Backend {
	case "memory":
	case "redis":
		if cfg.Redis.Addr == "" {
			return errors.New("redis.addr is required for the redis dedup backend")
		}
	default:
		return fmt.Errorf("invalid dedup.backend %q", cfg.Dedup.Backend)
	}
	if cfg.Dedup.WindowMs <= 0 {
		return errors.New("dedup.window_ms must be positive")
	}
	return nil
}

func validateTargets(targets []TargetConfig) error {
	if len(targets) == 0 {
		return errors.New("no target wallets configured")
	}
	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		raw, err := base58.Decode(t.Address)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("invalid target address %q", t.Address)
		}
		if _, dup := seen[t.Address]; dup {
			return fmt.Errorf("duplicate target address %s", t.Address)
		}
		seen[t.Address] = struct{}{}
	}
	return nil
}

func validateURL(rawURL string, protocol string) error {
	if rawURL == "" {
		return errors.New("not set")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	return nil
}

func (c *Config) PollInterval() time.Duration { return time.Duration(c.Confirm.PollMs) * time.Millisecond }

func (c *Config) ConfirmTimeout() time.Duration {
	return time.Duration(c.Confirm.TimeoutMs) * time.Millisecond
}

func (c *Config) DedupWindow() time.Duration { return time.Duration(c.Dedup.WindowMs) * time.Millisecond }

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalMs) * time.Millisecond
}

func (c *Config) ReconnectMin() time.Duration {
	return time.Duration(c.Watcher.ReconnectMinMs) * time.Millisecond
}

func (c *Config) ReconnectMax() time.Duration {
	return time.Duration(c.Watcher.ReconnectMaxMs) * time.Millisecond
}
