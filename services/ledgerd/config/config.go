package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for ledgerd.
type Config struct {
	ListenAddress string       `yaml:"listen"`
	DatabasePath  string       `yaml:"database"`
	Chain         ChainConfig  `yaml:"chain"`
	Oracle        OracleConfig `yaml:"oracle"`
	SweepInterval Duration     `yaml:"sweep_interval"`
}

// ChainConfig describes the chain watched for treasury deposits.
type ChainConfig struct {
	RPCURL       string   `yaml:"rpc"`
	Token        string   `yaml:"token"`
	Treasury     string   `yaml:"treasury"`
	PollInterval Duration `yaml:"poll_interval"`
	StartBlock   uint64   `yaml:"start_block"`
}

// OracleConfig describes the AMM pair used to price gas in ledger tokens.
type OracleConfig struct {
	RPCURL      string   `yaml:"rpc"`
	Pair        string   `yaml:"pair"`
	Token       string   `yaml:"token"`
	FreshWindow Duration `yaml:"fresh_window"`
	StaleWindow Duration `yaml:"stale_window"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7082"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/var/data/ledgerd.sqlite"
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 15 * time.Second
	}
	if cfg.Oracle.RPCURL == "" {
		cfg.Oracle.RPCURL = cfg.Chain.RPCURL
	}
	if cfg.Oracle.FreshWindow.Duration == 0 {
		cfg.Oracle.FreshWindow.Duration = time.Minute
	}
	if cfg.Oracle.StaleWindow.Duration == 0 {
		cfg.Oracle.StaleWindow.Duration = 5 * time.Minute
	}
	if cfg.SweepInterval.Duration == 0 {
		cfg.SweepInterval.Duration = time.Minute
	}
}

func validate(cfg Config) error {
	if cfg.Chain.RPCURL == "" {
		return fmt.Errorf("chain rpc endpoint must be configured")
	}
	if !common.IsHexAddress(cfg.Chain.Token) {
		return fmt.Errorf("chain token address %q is invalid", cfg.Chain.Token)
	}
	if !common.IsHexAddress(cfg.Chain.Treasury) {
		return fmt.Errorf("chain treasury address %q is invalid", cfg.Chain.Treasury)
	}
	if !common.IsHexAddress(cfg.Oracle.Pair) {
		return fmt.Errorf("oracle pair address %q is invalid", cfg.Oracle.Pair)
	}
	if !common.IsHexAddress(cfg.Oracle.Token) {
		return fmt.Errorf("oracle token address %q is invalid", cfg.Oracle.Token)
	}
	if cfg.Oracle.StaleWindow.Duration < cfg.Oracle.FreshWindow.Duration {
		return fmt.Errorf("oracle stale window must not be shorter than fresh window")
	}
	return nil
}
