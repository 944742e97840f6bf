package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the operator-facing configuration for the loan ledger service.
type Config struct {
	ListenAddress string  `toml:"ListenAddress"`
	DataDir       string  `toml:"DataDir"`
	ChainID       int64   `toml:"ChainID"`
	VaultAddress  string  `toml:"VaultAddress"`
	AdminAddress  string  `toml:"AdminAddress"`
	Loans         Loans   `toml:"loans"`
	Gateway       Gateway `toml:"gateway"`
}

// Loans tunes the settlement parameters applied at startup.
type Loans struct {
	GracePeriodSecs           int64  `toml:"GracePeriodSecs"`
	BorrowerOriginationFeeBps uint64 `toml:"BorrowerOriginationFeeBps"`
	LenderInterestFeeBps      uint64 `toml:"LenderInterestFeeBps"`
	LenderPrincipalFeeBps     uint64 `toml:"LenderPrincipalFeeBps"`
	// AllowedCurrencies seeds the currency whitelist as "SYMBOL:minPrincipal"
	// entries.
	AllowedCurrencies []string `toml:"AllowedCurrencies"`
}

// Gateway configures the HTTP surface.
type Gateway struct {
	MetricsEnabled bool   `toml:"MetricsEnabled"`
	MetricsPrefix  string `toml:"MetricsPrefix"`
	RequestLimit   int64  `toml:"RequestLimit"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		ListenAddress: ":8645",
		DataDir:       "./loan-data",
		ChainID:       1887,
		Loans: Loans{
			GracePeriodSecs:           43_200,
			BorrowerOriginationFeeBps: 50,
			LenderInterestFeeBps:      100,
			LenderPrincipalFeeBps:     25,
		},
		Gateway: Gateway{
			MetricsEnabled: true,
			MetricsPrefix:  "loanledger",
			RequestLimit:   1 << 20,
		},
	}
}

// Load reads a TOML config file, layering it over the defaults. A missing
// path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration for values the service cannot
// start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("config: ChainID must be positive")
	}
	if c.Loans.GracePeriodSecs < 0 {
		return fmt.Errorf("config: GracePeriodSecs must not be negative")
	}
	const maxFeeBps = 1_000
	for name, bps := range map[string]uint64{
		"BorrowerOriginationFeeBps": c.Loans.BorrowerOriginationFeeBps,
		"LenderInterestFeeBps":      c.Loans.LenderInterestFeeBps,
		"LenderPrincipalFeeBps":     c.Loans.LenderPrincipalFeeBps,
	} {
		if bps > maxFeeBps {
			return fmt.Errorf("config: %s exceeds the %d bps cap", name, maxFeeBps)
		}
	}
	for _, entry := range c.Loans.AllowedCurrencies {
		if _, _, err := ParseCurrencyEntry(entry); err != nil {
			return err
		}
	}
	return nil
}

// ParseCurrencyEntry splits a "SYMBOL:minPrincipal" whitelist entry. The
// minimum defaults to one when omitted.
func ParseCurrencyEntry(entry string) (symbol, minPrincipal string, err error) {
	parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
	symbol = strings.TrimSpace(parts[0])
	if symbol == "" {
		return "", "", fmt.Errorf("config: empty currency symbol in %q", entry)
	}
	minPrincipal = "1"
	if len(parts) == 2 {
		minPrincipal = strings.TrimSpace(parts[1])
		if minPrincipal == "" {
			return "", "", fmt.Errorf("config: empty minimum principal in %q", entry)
		}
	}
	return symbol, minPrincipal, nil
}
