package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"TronPayWatch/internal/chain"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres = "postgres"
	DriverBolt     = "bolt"
)

type Plan struct {
	Key   string `yaml:"key"`
	Name  string `yaml:"name"`
	Days  int    `yaml:"days"`
	Price string `yaml:"price"`
}

type Config struct {
	Server struct {
		Addr           string `yaml:"addr"`
		AdminJWTSecret string `yaml:"admin_jwt_secret"`
	} `yaml:"server"`
	DB struct {
		Driver   string `yaml:"driver"`
		DSN      string `yaml:"dsn"`
		Path     string `yaml:"path"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"db"`
	Chain struct {
		WalletAddress     string   `yaml:"wallet_address"`
		TokenContract     string   `yaml:"token_contract"`
		TokenSymbol       string   `yaml:"token_symbol"`
		ExplorerEndpoints []string `yaml:"explorer_endpoints"`
		APIKey            string   `yaml:"api_key"`
		MinConfirmations  int      `yaml:"min_confirmations"`
		FailoverThreshold int      `yaml:"failover_threshold"`
		TransferLimit     int      `yaml:"transfer_limit"`
	} `yaml:"chain"`
	Orders struct {
		DefaultTimeoutMinutes int    `yaml:"default_timeout_minutes"`
		MaxTimeoutMinutes     int    `yaml:"max_timeout_minutes"`
		MaxAmount             string `yaml:"max_amount"`
		MaxPendingPerUser     int    `yaml:"max_pending_per_user"`
		MinIntervalSeconds    int    `yaml:"min_interval_seconds"`
		UniqueAmounts         bool   `yaml:"unique_amounts"`
		RetentionDays         int    `yaml:"retention_days"`
	} `yaml:"orders"`
	Worker struct {
		PollIntervalSeconds int64 `yaml:"poll_interval_seconds"`
	} `yaml:"worker"`
	Plans []Plan `yaml:"plans"`
}

// Load reads the YAML file, then a .env file if present, then environment
// overrides, then defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	cfg.Orders.MaxPendingPerUser = 3
	cfg.Orders.MinIntervalSeconds = 60
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	switch c.DB.Driver {
	case DriverPostgres:
		if c.DB.DSN == "" {
			return errors.New("db.dsn is required for the postgres driver")
		}
	case DriverBolt:
		if c.DB.Path == "" {
			return errors.New("db.path is required for the bolt driver")
		}
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}
	if !chain.ValidAddress(c.Chain.WalletAddress) {
		return errors.New("chain.wallet_address is not a valid TRON address")
	}
	if c.Chain.TokenContract == "" {
		return errors.New("chain.token_contract is required")
	}
	if len(c.Chain.ExplorerEndpoints) == 0 {
		return errors.New("chain.explorer_endpoints is required")
	}
	if c.Orders.DefaultTimeoutMinutes > c.Orders.MaxTimeoutMinutes {
		return errors.New("orders.default_timeout_minutes exceeds orders.max_timeout_minutes")
	}
	if _, err := decimal.NewFromString(c.Orders.MaxAmount); err != nil {
		return fmt.Errorf("orders.max_amount: %w", err)
	}
	for _, p := range c.Plans {
		if p.Key == "" || p.Days <= 0 {
			return fmt.Errorf("plan %q is incomplete", p.Key)
		}
		if _, err := decimal.NewFromString(p.Price); err != nil {
			return fmt.Errorf("plan %q price: %w", p.Key, err)
		}
	}
	return nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalSeconds) * time.Second
}

func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Orders.DefaultTimeoutMinutes) * time.Minute
}

func (c *Config) MaxTimeout() time.Duration {
	return time.Duration(c.Orders.MaxTimeoutMinutes) * time.Minute
}

func (c *Config) MinOrderInterval() time.Duration {
	return time.Duration(c.Orders.MinIntervalSeconds) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Orders.RetentionDays) * 24 * time.Hour
}

func (c *Config) MaxAmount() decimal.Decimal {
	return decimal.RequireFromString(c.Orders.MaxAmount)
}

func applyDefaults(cfg *Config) {
	if cfg.DB.Driver == "" {
		cfg.DB.Driver = DriverBolt
	}
	if cfg.DB.Driver == DriverBolt && cfg.DB.Path == "" {
		cfg.DB.Path = "data/orders.db"
	}
	if cfg.Chain.TokenContract == "" {
		cfg.Chain.TokenContract = chain.USDTContract
	}
	if cfg.Chain.TokenSymbol == "" {
		cfg.Chain.TokenSymbol = "USDT"
	}
	if len(cfg.Chain.ExplorerEndpoints) == 0 {
		cfg.Chain.ExplorerEndpoints = []string{chain.DefaultTronScanEndpoint}
	}
	if cfg.Chain.MinConfirmations <= 0 {
		cfg.Chain.MinConfirmations = 1
	}
	if cfg.Chain.FailoverThreshold <= 0 {
		cfg.Chain.FailoverThreshold = 3
	}
	if cfg.Chain.TransferLimit <= 0 {
		cfg.Chain.TransferLimit = 20
	}
	if cfg.Orders.DefaultTimeoutMinutes <= 0 {
		cfg.Orders.DefaultTimeoutMinutes = 30
	}
	if cfg.Orders.MaxTimeoutMinutes <= 0 {
		cfg.Orders.MaxTimeoutMinutes = 24 * 60
	}
	if cfg.Orders.MaxAmount == "" {
		cfg.Orders.MaxAmount = "1000000"
	}
	if cfg.Orders.RetentionDays <= 0 {
		cfg.Orders.RetentionDays = 90
	}
	if cfg.Orders.MaxPendingPerUser < 0 {
		cfg.Orders.MaxPendingPerUser = 0
	}
	if cfg.Orders.MinIntervalSeconds < 0 {
		cfg.Orders.MinIntervalSeconds = 0
	}
	if cfg.Worker.PollIntervalSeconds <= 0 {
		cfg.Worker.PollIntervalSeconds = 15
	}
	if len(cfg.Plans) == 0 {
		cfg.Plans = []Plan{
			{Key: "month", Name: "Monthly", Days: 30, Price: "10"},
			{Key: "quarter", Name: "Quarterly", Days: 90, Price: "25"},
			{Key: "year", Name: "Yearly", Days: 365, Price: "88"},
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ADMIN_JWT_SECRET"); v != "" {
		cfg.Server.AdminJWTSecret = v
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.DB.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DB.Path = v
	}
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		cfg.DB.MaxConns = int32(atoiOr(int(cfg.DB.MaxConns), v))
	}
	if v := os.Getenv("TRON_WALLET_ADDRESS"); v != "" {
		cfg.Chain.WalletAddress = v
	}
	if v := os.Getenv("USDT_CONTRACT_ADDRESS"); v != "" {
		cfg.Chain.TokenContract = v
	}
	if v := os.Getenv("TOKEN_SYMBOL"); v != "" {
		cfg.Chain.TokenSymbol = v
	}
	if v := os.Getenv("EXPLORER_ENDPOINTS"); v != "" {
		cfg.Chain.ExplorerEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("TRONSCAN_API_KEY"); v != "" {
		cfg.Chain.APIKey = v
	}
	if v := os.Getenv("MIN_CONFIRMATIONS"); v != "" {
		cfg.Chain.MinConfirmations = atoiOr(cfg.Chain.MinConfirmations, v)
	}
	if v := os.Getenv("EXPLORER_FAILOVER_THRESHOLD"); v != "" {
		cfg.Chain.FailoverThreshold = atoiOr(cfg.Chain.FailoverThreshold, v)
	}
	if v := os.Getenv("TRANSFER_LIMIT"); v != "" {
		cfg.Chain.TransferLimit = atoiOr(cfg.Chain.TransferLimit, v)
	}
	if v := os.Getenv("PAYMENT_TIMEOUT_MINUTES"); v != "" {
		cfg.Orders.DefaultTimeoutMinutes = atoiOr(cfg.Orders.DefaultTimeoutMinutes, v)
	}
	if v := os.Getenv("MAX_PAYMENT_TIMEOUT_MINUTES"); v != "" {
		cfg.Orders.MaxTimeoutMinutes = atoiOr(cfg.Orders.MaxTimeoutMinutes, v)
	}
	if v := os.Getenv("MAX_ORDER_AMOUNT"); v != "" {
		cfg.Orders.MaxAmount = v
	}
	if v := os.Getenv("MAX_PENDING_ORDERS_PER_USER"); v != "" {
		cfg.Orders.MaxPendingPerUser = atoiOr(cfg.Orders.MaxPendingPerUser, v)
	}
	if v := os.Getenv("MIN_ORDER_INTERVAL_SECONDS"); v != "" {
		cfg.Orders.MinIntervalSeconds = atoiOr(cfg.Orders.MinIntervalSeconds, v)
	}
	if v := os.Getenv("UNIQUE_AMOUNTS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Orders.UniqueAmounts = b
		}
	}
	if v := os.Getenv("ORDER_RETENTION_DAYS"); v != "" {
		cfg.Orders.RetentionDays = atoiOr(cfg.Orders.RetentionDays, v)
	}
	if v := os.Getenv("PAYMENT_CHECK_INTERVAL"); v != "" {
		cfg.Worker.PollIntervalSeconds = atoi64Or(cfg.Worker.PollIntervalSeconds, v)
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
