package config

import (
	"fmt"
	"os"

	"mimir/internal/common"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds the server's runtime configuration.
type Config struct {
	ListenAddress  string       `yaml:"listenAddress"`
	ListenPort     int          `yaml:"listenPort"`
	MetricsAddress string       `yaml:"metricsAddress"`
	JournalDir     string       `yaml:"journalDir"`
	LogLevel       string       `yaml:"logLevel"`
	Pairs          []PairConfig `yaml:"pairs"`
}

// PairConfig declares one tradeable instrument. Notional limits are quoted
// in the pair's quote currency; zero max means unlimited.
type PairConfig struct {
	Symbol      string `yaml:"symbol"`
	Base        string `yaml:"base"`
	Quote       string `yaml:"quote"`
	MinNotional string `yaml:"minNotional"`
	MaxNotional string `yaml:"maxNotional"`
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress:  "0.0.0.0",
		ListenPort:     9001,
		MetricsAddress: ":9102",
		JournalDir:     "journal",
		LogLevel:       "info",
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate ensures required fields are present and pair declarations are
// coherent.
func Validate(cfg Config) error {
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return fmt.Errorf("listenPort %d out of range", cfg.ListenPort)
	}
	if cfg.JournalDir == "" {
		return fmt.Errorf("journalDir is required")
	}
	if len(cfg.Pairs) == 0 {
		return fmt.Errorf("at least one pair is required")
	}

	seen := make(map[string]bool)
	for _, pc := range cfg.Pairs {
		if pc.Symbol == "" || pc.Base == "" || pc.Quote == "" {
			return fmt.Errorf("pair %q needs symbol, base and quote", pc.Symbol)
		}
		if seen[pc.Symbol] {
			return fmt.Errorf("pair %s declared twice", pc.Symbol)
		}
		seen[pc.Symbol] = true
		if _, err := pc.Pair(); err != nil {
			return err
		}
	}
	return nil
}

// Pair converts the declaration to the engine's pair type.
func (pc PairConfig) Pair() (common.Pair, error) {
	pair := common.Pair{
		Symbol: pc.Symbol,
		Base:   pc.Base,
		Quote:  pc.Quote,
	}

	var err error
	if pc.MinNotional != "" {
		pair.MinNotional, err = decimal.NewFromString(pc.MinNotional)
		if err != nil || pair.MinNotional.IsNegative() {
			return pair, fmt.Errorf("pair %s minNotional %q invalid", pc.Symbol, pc.MinNotional)
		}
	}
	if pc.MaxNotional != "" {
		pair.MaxNotional, err = decimal.NewFromString(pc.MaxNotional)
		if err != nil || pair.MaxNotional.IsNegative() {
			return pair, fmt.Errorf("pair %s maxNotional %q invalid", pc.Symbol, pc.MaxNotional)
		}
	}
	if pair.MaxNotional.IsPositive() && pair.MinNotional.GreaterThan(pair.MaxNotional) {
		return pair, fmt.Errorf("pair %s minNotional above maxNotional", pc.Symbol)
	}
	return pair, nil
}
