package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/GPTx-global/pricefeed/oracle/log"
	"github.com/GPTx-global/pricefeed/oracle/types"
)

const FileName = "config.toml"

type Config struct {
	Home string `mapstructure:"-" toml:"-"`

	Chain      ChainConfig      `mapstructure:"chain" toml:"chain"`
	Middleware MiddlewareConfig `mapstructure:"middleware" toml:"middleware"`
	Chainlink  ChainlinkConfig  `mapstructure:"chainlink" toml:"chainlink"`
	Store      StoreConfig      `mapstructure:"store" toml:"store"`
	Log        LogConfig        `mapstructure:"log" toml:"log"`
	Feeds      []FeedConfig     `mapstructure:"feeds" toml:"feeds"`
}

type ChainConfig struct {
	RPC              string `mapstructure:"rpc" toml:"rpc"`
	ChainID          string `mapstructure:"chain_id" toml:"chain_id"`
	From             string `mapstructure:"from" toml:"from"`
	AccountNumber    uint64 `mapstructure:"account_number" toml:"account_number"`
	Bech32Prefix     string `mapstructure:"bech32_prefix" toml:"bech32_prefix"`
	AgdBinary        string `mapstructure:"agd_binary" toml:"agd_binary"`
	KeyringBackend   string `mapstructure:"keyring_backend" toml:"keyring_backend"`
	KeyringDir       string `mapstructure:"keyring_dir" toml:"keyring_dir"`
	BroadcastMode    string `mapstructure:"broadcast_mode" toml:"broadcast_mode"`
	BroadcastTimeout int64  `mapstructure:"broadcast_timeout" toml:"broadcast_timeout"`
	MaxBlockLag      int64  `mapstructure:"max_block_lag" toml:"max_block_lag"`
	MinBlocksBetween int64  `mapstructure:"min_blocks_between" toml:"min_blocks_between"`
	SubscribeBlocks  bool   `mapstructure:"subscribe_blocks" toml:"subscribe_blocks"`
}

type MiddlewareConfig struct {
	Port              int   `mapstructure:"port" toml:"port"`
	SubmitRetries     int   `mapstructure:"submit_retries" toml:"submit_retries"`
	SendCheckInterval int64 `mapstructure:"send_check_interval" toml:"send_check_interval"`
	BlockInterval     int64 `mapstructure:"block_interval" toml:"block_interval"`
	LedgerLookback    int   `mapstructure:"ledger_lookback" toml:"ledger_lookback"`
	LedgerMaxScan     int   `mapstructure:"ledger_max_scan" toml:"ledger_max_scan"`
	HealthInterval    int64 `mapstructure:"health_interval" toml:"health_interval"`
}

type ChainlinkConfig struct {
	URL             string `mapstructure:"url" toml:"url"`
	CredentialsFile string `mapstructure:"credentials_file" toml:"credentials_file"`
}

type StoreConfig struct {
	DBDir  string `mapstructure:"db_dir" toml:"db_dir"`
	DBName string `mapstructure:"db_name" toml:"db_name"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" toml:"level"`
	ToFile bool   `mapstructure:"to_file" toml:"to_file"`
}

type FeedConfig struct {
	Name               string  `mapstructure:"name" toml:"name"`
	DecimalPlaces      int     `mapstructure:"decimal_places" toml:"decimal_places"`
	PollInterval       int64   `mapstructure:"poll_interval" toml:"poll_interval"`
	PushInterval       int64   `mapstructure:"push_interval" toml:"push_interval"`
	PriceDeviationPerc float64 `mapstructure:"price_deviation_perc" toml:"price_deviation_perc"`
}

// Credentials authenticate outbound job runs against the compute node.
type Credentials struct {
	AccessKey string
	Secret    string
}

// envBindings keeps the variable names operators already use for this middleware.
var envBindings = map[string]string{
	"middleware.port":                "MIDDLEWARE_PORT",
	"middleware.submit_retries":      "SUBMIT_RETRIES",
	"middleware.send_check_interval": "SEND_CHECK_INTERVAL",
	"middleware.block_interval":      "BLOCK_INTERVAL",
	"chain.rpc":                      "AGORIC_RPC",
	"chain.from":                     "FROM",
	"chain.account_number":           "ACCOUNT_NUMBER",
	"chain.chain_id":                 "CHAIN_ID",
	"chain.agd_binary":               "AGD_BINARY",
	"chainlink.url":                  "EI_CHAINLINKURL",
	"chainlink.credentials_file":     "CREDENTIALS_FILE",
	"store.db_dir":                   "DB_DIR",
	"log.level":                      "LOG_LEVEL",
}

func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Failed to get user home directory: %v", err)
	}

	return filepath.Join(home, ".oracled")
}

func Default(home string) Config {
	return Config{
		Home: home,
		Chain: ChainConfig{
			RPC:              "http://0.0.0.0:26657",
			ChainID:          "agoriclocal",
			Bech32Prefix:     "agoric",
			AgdBinary:        "agd",
			KeyringBackend:   "test",
			KeyringDir:       home,
			BroadcastMode:    "block",
			BroadcastTimeout: 30,
			MaxBlockLag:      60,
			MinBlocksBetween: 1,
		},
		Middleware: MiddlewareConfig{
			Port:              3000,
			SubmitRetries:     3,
			SendCheckInterval: 45,
			BlockInterval:     6,
			LedgerLookback:    5,
			LedgerMaxScan:     200,
			HealthInterval:    30,
		},
		Chainlink: ChainlinkConfig{
			URL:             "http://localhost:6691",
			CredentialsFile: filepath.Join(home, "ei_credentials.json"),
		},
		Store: StoreConfig{
			DBDir:  filepath.Join(home, "data"),
			DBName: "oracle",
		},
		Log: LogConfig{
			Level: "info",
		},
		Feeds: []FeedConfig{
			{
				Name:               "ATOM-USD",
				DecimalPlaces:      6,
				PollInterval:       60,
				PushInterval:       600,
				PriceDeviationPerc: 1,
			},
		},
	}
}

// Load reads <home>/config.toml, creating it with defaults when absent, then applies env overrides.
func Load(home string) (*Config, error) {
	path := filepath.Join(home, FileName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := WriteDefault(home); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v, Default(home))

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Home = home

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Infof("Loaded config from %s", path)

	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("chain.rpc", d.Chain.RPC)
	v.SetDefault("chain.chain_id", d.Chain.ChainID)
	v.SetDefault("chain.bech32_prefix", d.Chain.Bech32Prefix)
	v.SetDefault("chain.agd_binary", d.Chain.AgdBinary)
	v.SetDefault("chain.keyring_backend", d.Chain.KeyringBackend)
	v.SetDefault("chain.keyring_dir", d.Chain.KeyringDir)
	v.SetDefault("chain.broadcast_mode", d.Chain.BroadcastMode)
	v.SetDefault("chain.broadcast_timeout", d.Chain.BroadcastTimeout)
	v.SetDefault("chain.max_block_lag", d.Chain.MaxBlockLag)
	v.SetDefault("chain.min_blocks_between", d.Chain.MinBlocksBetween)
	v.SetDefault("middleware.port", d.Middleware.Port)
	v.SetDefault("middleware.submit_retries", d.Middleware.SubmitRetries)
	v.SetDefault("middleware.send_check_interval", d.Middleware.SendCheckInterval)
	v.SetDefault("middleware.block_interval", d.Middleware.BlockInterval)
	v.SetDefault("middleware.ledger_lookback", d.Middleware.LedgerLookback)
	v.SetDefault("middleware.ledger_max_scan", d.Middleware.LedgerMaxScan)
	v.SetDefault("middleware.health_interval", d.Middleware.HealthInterval)
	v.SetDefault("chainlink.url", d.Chainlink.URL)
	v.SetDefault("chainlink.credentials_file", d.Chainlink.CredentialsFile)
	v.SetDefault("store.db_dir", d.Store.DBDir)
	v.SetDefault("store.db_name", d.Store.DBName)
	v.SetDefault("log.level", d.Log.Level)
}

// WriteDefault writes a default config.toml into home.
func WriteDefault(home string) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", home, err)
	}

	data, err := toml.Marshal(Default(home))
	if err != nil {
		return fmt.Errorf("failed to marshal TOML: %w", err)
	}

	path := filepath.Join(home, FileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Chain.RPC == "" {
		return errorsmod.Wrap(types.ErrInvalidConfig, "chain rpc is required")
	}
	if c.Chain.From == "" {
		return errorsmod.Wrap(types.ErrInvalidConfig, "from address is required")
	}
	if c.Chain.AgdBinary == "" {
		return errorsmod.Wrap(types.ErrInvalidConfig, "agd binary is required")
	}
	if c.Chainlink.URL == "" {
		return errorsmod.Wrap(types.ErrInvalidConfig, "chainlink url is required")
	}
	if c.Middleware.SubmitRetries <= 0 {
		return errorsmod.Wrap(types.ErrInvalidConfig, "submit retries must be positive")
	}
	if c.Middleware.SendCheckInterval <= 0 {
		return errorsmod.Wrap(types.ErrInvalidConfig, "send check interval must be positive")
	}
	if c.Middleware.BlockInterval <= 0 {
		return errorsmod.Wrap(types.ErrInvalidConfig, "block interval must be positive")
	}
	if c.Middleware.LedgerLookback <= 0 || c.Middleware.LedgerMaxScan < c.Middleware.LedgerLookback {
		return errorsmod.Wrap(types.ErrInvalidConfig, "ledger lookback must be positive and not above ledger max scan")
	}
	if len(c.Feeds) == 0 {
		return errorsmod.Wrap(types.ErrInvalidConfig, "at least one feed is required")
	}

	seen := make(map[string]struct{}, len(c.Feeds))
	for _, f := range c.Feeds {
		if f.Name == "" {
			return errorsmod.Wrap(types.ErrInvalidConfig, "feed name is required")
		}
		if _, ok := seen[f.Name]; ok {
			return errorsmod.Wrapf(types.ErrInvalidConfig, "duplicate feed %s", f.Name)
		}
		seen[f.Name] = struct{}{}

		if f.PollInterval <= 0 || f.PushInterval <= 0 {
			return errorsmod.Wrapf(types.ErrInvalidConfig, "feed %s: intervals must be positive", f.Name)
		}
		if f.PriceDeviationPerc <= 0 {
			return errorsmod.Wrapf(types.ErrInvalidConfig, "feed %s: price deviation must be positive", f.Name)
		}
		if f.DecimalPlaces < 0 || f.DecimalPlaces > 18 {
			return errorsmod.Wrapf(types.ErrInvalidConfig, "feed %s: decimal places out of range", f.Name)
		}
	}

	return nil
}

// Feed returns the typed configuration of a feed.
func (c *Config) Feed(name string) (types.Feed, error) {
	for _, f := range c.Feeds {
		if f.Name == name {
			return types.Feed{
				Name:               f.Name,
				DecimalPlaces:      f.DecimalPlaces,
				PollInterval:       time.Duration(f.PollInterval) * time.Second,
				PushInterval:       time.Duration(f.PushInterval) * time.Second,
				PriceDeviationPerc: f.PriceDeviationPerc,
			}, nil
		}
	}

	return types.Feed{}, errorsmod.Wrapf(types.ErrFeedNotConfigured, "%s not found in list of feeds", name)
}

func (c *Config) FeedNames() []string {
	names := make([]string, 0, len(c.Feeds))
	for _, f := range c.Feeds {
		names = append(names, f.Name)
	}
	return names
}

func (c *Config) SendCheckInterval() time.Duration {
	return time.Duration(c.Middleware.SendCheckInterval) * time.Second
}

func (c *Config) BlockInterval() time.Duration {
	return time.Duration(c.Middleware.BlockInterval) * time.Second
}

func (c *Config) BroadcastTimeout() time.Duration {
	return time.Duration(c.Chain.BroadcastTimeout) * time.Second
}

func (c *Config) MaxBlockLag() time.Duration {
	return time.Duration(c.Chain.MaxBlockLag) * time.Second
}

func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Middleware.HealthInterval) * time.Second
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("0.0.0.0:%d", c.Middleware.Port)
}

// LoadCredentials reads the compute node credentials JSON file.
func (c *Config) LoadCredentials() (Credentials, error) {
	v := viper.New()
	v.SetConfigFile(c.Chainlink.CredentialsFile)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return Credentials{}, fmt.Errorf("failed to read credentials file %s: %w", c.Chainlink.CredentialsFile, err)
	}

	creds := Credentials{
		AccessKey: strings.TrimSpace(cast.ToString(v.Get("EI_IC_ACCESSKEY"))),
		Secret:    strings.TrimSpace(cast.ToString(v.Get("EI_IC_SECRET"))),
	}
	if creds.AccessKey == "" || creds.Secret == "" {
		return Credentials{}, errorsmod.Wrapf(types.ErrInvalidConfig, "credentials file %s is missing EI_IC_ACCESSKEY or EI_IC_SECRET", c.Chainlink.CredentialsFile)
	}

	return creds, nil
}

func (c *Config) Print() {
	log.Infof("%-20s: %s", "Home", c.Home)
	log.Infof("%-20s: %s", "Chain RPC", c.Chain.RPC)
	log.Infof("%-20s: %s", "Chain ID", c.Chain.ChainID)
	log.Infof("%-20s: %s", "From", c.Chain.From)
	log.Infof("%-20s: %d", "Port", c.Middleware.Port)
	log.Infof("%-20s: %d", "Submit Retries", c.Middleware.SubmitRetries)
	log.Infof("%-20s: %s", "Send Check Interval", c.SendCheckInterval())
	log.Infof("%-20s: %s", "Block Interval", c.BlockInterval())
	log.Infof("%-20s: %s", "Chainlink URL", c.Chainlink.URL)
	log.Infof("%-20s: %s", "Feeds", strings.Join(c.FeedNames(), ","))
}
