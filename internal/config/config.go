package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"etf-vault/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig         `mapstructure:"app"`
	Logging    logging.Config    `mapstructure:"logging"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Scheduler  SchedulerConfig   `mapstructure:"scheduler"`
	Ethereum   EthereumConfig    `mapstructure:"ethereum"`
	Factory    FactoryConfig     `mapstructure:"factory"`
	Vault      VaultConfig       `mapstructure:"vault"`
	BaseAsset  TokenConfig       `mapstructure:"base_asset"`
	Tokens     []TokenConfig     `mapstructure:"tokens"`
	PriceFeeds []PriceFeedConfig `mapstructure:"price_feeds"`
	Wallet     WalletConfig      `mapstructure:"wallet"`
	Tx         TxConfig          `mapstructure:"tx"`
	Alerting   AlertingConfig    `mapstructure:"alerting"`
	API        APIConfig         `mapstructure:"api"`
	Export     ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs refresh cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// EthereumConfig covers on-chain data access.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

// FactoryConfig locates the vault factory.
type FactoryConfig struct {
	Address   string `mapstructure:"address"`
	CountSlot uint64 `mapstructure:"count_slot"`
	MaxProbe  int    `mapstructure:"max_probe"`
}

// VaultConfig holds vault-wide constants.
type VaultConfig struct {
	AllocationTotal  int64 `mapstructure:"allocation_total"`
	ShareDecimals    uint8 `mapstructure:"share_decimals"`
	TokensLengthSlot int64 `mapstructure:"tokens_length_slot"`
}

// TokenConfig is a static metadata entry; PoolFee is the router fee tier
// used when swapping the token against the base asset.
type TokenConfig struct {
	Address  string `mapstructure:"address"`
	Symbol   string `mapstructure:"symbol"`
	Decimals uint8  `mapstructure:"decimals"`
	PoolFee  uint32 `mapstructure:"pool_fee"`
}

// PriceFeedConfig binds a token to its USD aggregator.
type PriceFeedConfig struct {
	Token    string        `mapstructure:"token"`
	Feed     string        `mapstructure:"feed"`
	Decimals uint8         `mapstructure:"decimals"`
	MaxAge   time.Duration `mapstructure:"max_age"`
}

// WalletConfig identifies the actor and, for writes, its signing key.
type WalletConfig struct {
	Address    string `mapstructure:"address"`
	PrivateKey string `mapstructure:"private_key"`
}

// TxConfig governs transaction submission.
type TxConfig struct {
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	DefaultPoolFee uint32        `mapstructure:"default_pool_fee"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled           bool           `mapstructure:"enabled"`
	DriftThresholdPct float64        `mapstructure:"drift_threshold_pct"`
	Cooldown          time.Duration  `mapstructure:"cooldown"`
	NotifyActions     bool           `mapstructure:"notify_actions"`
	Channels          []string       `mapstructure:"channels"`
	Retention         time.Duration  `mapstructure:"retention"`
	Telegram          TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// APIConfig configures the read-only HTTP API.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("VAULTCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

const (
	baseUSDC  = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	baseWETH  = "0x4200000000000000000000000000000000000006"
	baseCBBTC = "0xcbB7C0000aB88B473b1f5aFd9ef808440eed33Bf"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "vaultctl")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x45544656))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("ethereum.rpc_url", "")
	v.SetDefault("ethereum.chain_id", int64(8453))
	v.SetDefault("ethereum.request_timeout", "15s")
	v.SetDefault("ethereum.batch_size", 100)
	v.SetDefault("ethereum.max_concurrency", 4)

	v.SetDefault("factory.address", "")
	v.SetDefault("factory.count_slot", 0)
	v.SetDefault("factory.max_probe", 10000)

	v.SetDefault("vault.allocation_total", 100)
	v.SetDefault("vault.share_decimals", 18)
	v.SetDefault("vault.tokens_length_slot", -1)

	v.SetDefault("base_asset.address", baseUSDC)
	v.SetDefault("base_asset.symbol", "USDC")
	v.SetDefault("base_asset.decimals", 6)

	v.SetDefault("tokens", []map[string]any{
		{"address": baseUSDC, "symbol": "USDC", "decimals": 6},
		{"address": baseWETH, "symbol": "WETH", "decimals": 18, "pool_fee": 500},
		{"address": baseCBBTC, "symbol": "cbBTC", "decimals": 8, "pool_fee": 3000},
	})
	v.SetDefault("price_feeds", []map[string]any{
		{"token": baseWETH, "feed": "0x71041dddad3595F9CEd3DcCFBe3D1F4b0a16Bb70", "decimals": 8, "max_age": "2h"},
		{"token": baseCBBTC, "feed": "0x64c911996D3c6aC71f9b455B1E8E7266BcbD848F", "decimals": 8, "max_age": "2h"},
	})

	v.SetDefault("wallet.address", "")
	v.SetDefault("wallet.private_key", "")

	v.SetDefault("tx.confirm_timeout", "3m")
	v.SetDefault("tx.default_pool_fee", 3000)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.drift_threshold_pct", 5.0)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.notify_actions", true)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.retention", "720h")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", ":8080")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.WeaklyTypedInput = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values. A
// missing factory address is not an error here; the pipeline reports it.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Ethereum.BatchSize <= 0 {
		return fmt.Errorf("ethereum.batch_size must be greater than zero")
	}
	if c.Ethereum.MaxConcurrency <= 0 {
		return fmt.Errorf("ethereum.max_concurrency must be greater than zero")
	}
	if c.Vault.AllocationTotal <= 0 {
		return fmt.Errorf("vault.allocation_total must be greater than zero")
	}
	if c.Tx.ConfirmTimeout <= 0 {
		return fmt.Errorf("tx.confirm_timeout must be greater than zero")
	}
	if c.Alerting.DriftThresholdPct < 0 {
		return fmt.Errorf("alerting.drift_threshold_pct cannot be negative")
	}
	if c.Alerting.Retention < 0 {
		return fmt.Errorf("alerting.retention cannot be negative")
	}

	addrs := map[string]string{
		"factory.address":    c.Factory.Address,
		"base_asset.address": c.BaseAsset.Address,
		"wallet.address":     c.Wallet.Address,
	}
	for i, t := range c.Tokens {
		addrs[fmt.Sprintf("tokens[%d].address", i)] = t.Address
	}
	for i, f := range c.PriceFeeds {
		addrs[fmt.Sprintf("price_feeds[%d].token", i)] = f.Token
		addrs[fmt.Sprintf("price_feeds[%d].feed", i)] = f.Feed
	}
	for key, value := range addrs {
		if value != "" && !common.IsHexAddress(value) {
			return fmt.Errorf("%s is not a valid address: %q", key, value)
		}
	}

	if c.Wallet.PrivateKey != "" {
		signer, err := c.signerAddress()
		if err != nil {
			return fmt.Errorf("wallet.private_key: %w", err)
		}
		if c.Wallet.Address != "" && common.HexToAddress(c.Wallet.Address) != signer {
			return fmt.Errorf("wallet.address %s does not match private key signer %s", c.Wallet.Address, signer.Hex())
		}
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// FactoryAddress returns the configured factory, zero when unset.
func (c *Config) FactoryAddress() common.Address {
	return addressOrZero(c.Factory.Address)
}

// WalletAddress returns the configured actor. Without wallet.address the
// signer of wallet.private_key is used; nil when neither is set.
func (c *Config) WalletAddress() *common.Address {
	if c.Wallet.Address != "" {
		addr := common.HexToAddress(c.Wallet.Address)
		return &addr
	}
	if c.Wallet.PrivateKey == "" {
		return nil
	}
	addr, err := c.signerAddress()
	if err != nil {
		return nil
	}
	return &addr
}

func (c *Config) signerAddress() (common.Address, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(c.Wallet.PrivateKey), "0x"))
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

// BaseAssetAddress returns the settlement token address.
func (c *Config) BaseAssetAddress() common.Address {
	return addressOrZero(c.BaseAsset.Address)
}

// PoolFee returns the router fee tier for a basket token.
func (c *Config) PoolFee(token common.Address) uint32 {
	for _, t := range c.Tokens {
		if addressOrZero(t.Address) == token && t.PoolFee > 0 {
			return t.PoolFee
		}
	}
	return c.Tx.DefaultPoolFee
}

func addressOrZero(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}
