package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// RateEntry lists the price of one provider/model pair in milli-cents per
// 1,000,000 units.
type RateEntry struct {
	Provider   string `json:"provider" mapstructure:"provider"`
	Model      string `json:"model" mapstructure:"model"`
	InputRate  int64  `json:"input_rate" mapstructure:"input_rate"`
	OutputRate int64  `json:"output_rate" mapstructure:"output_rate"`
}

// PackageEntry is a purchasable bundle of units.
type PackageEntry struct {
	Name       string `json:"name" mapstructure:"name"`
	Units      int64  `json:"units" mapstructure:"units"`
	PriceCents int64  `json:"price_cents" mapstructure:"price_cents"`
}

type RatesConfig struct {
	Rates    []RateEntry    `mapstructure:"rates"`
	Packages []PackageEntry `mapstructure:"packages"`
}

func DefaultRatesConfig() RatesConfig {
	return RatesConfig{
		Rates: []RateEntry{
			{Provider: "groq", Model: "llama-3.3-70b", InputRate: 0, OutputRate: 0},
			{Provider: "groq", Model: "llama-3.3-70b-versatile", InputRate: 0, OutputRate: 0},
			{Provider: "groq", Model: "llama-3.1-8b", InputRate: 0, OutputRate: 0},
			{Provider: "groq", Model: "llama-3.1-8b-instant", InputRate: 0, OutputRate: 0},
			{Provider: "deepseek", Model: "deepseek-chat", InputRate: 14_000, OutputRate: 28_000},
			{Provider: "google", Model: "gemini-2.0-flash", InputRate: 7_500, OutputRate: 30_000},
			{Provider: "google", Model: "gemini-2.0-flash-exp", InputRate: 7_500, OutputRate: 30_000},
			{Provider: "google", Model: "gemini-1.5-flash", InputRate: 7_500, OutputRate: 30_000},
			{Provider: "openrouter", Model: "moonshotai/kimi-k2.5", InputRate: 50_000, OutputRate: 50_000},
			{Provider: "anthropic", Model: "claude-3.5-sonnet", InputRate: 300_000, OutputRate: 1_500_000},
			{Provider: "anthropic", Model: "claude-3-5-sonnet-20241022", InputRate: 300_000, OutputRate: 1_500_000},
			{Provider: "anthropic", Model: "claude-3-haiku-20240307", InputRate: 25_000, OutputRate: 125_000},
			{Provider: "openai", Model: "gpt-4o-mini", InputRate: 15_000, OutputRate: 60_000},
			{Provider: "openai", Model: "gpt-4o", InputRate: 250_000, OutputRate: 1_000_000},
		},
		Packages: []PackageEntry{
			{Name: "100k", Units: 100_000, PriceCents: 500},
			{Name: "500k", Units: 500_000, PriceCents: 2_000},
			{Name: "1m", Units: 1_000_000, PriceCents: 3_500},
			{Name: "5m", Units: 5_000_000, PriceCents: 15_000},
		},
	}
}

// RatesHolder serves the current rate and package catalog. The file is
// watched and swapped atomically; a reload that fails validation is dropped.
type RatesHolder struct {
	current atomic.Value // holds RatesConfig
}

// NewStaticRatesHolder pins a catalog without any file watching.
func NewStaticRatesHolder(cfg RatesConfig) (*RatesHolder, error) {
	if err := validateRatesConfig(cfg); err != nil {
		return nil, err
	}
	holder := &RatesHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func NewRatesHolder(appCfg Config) (*RatesHolder, error) {
	v := viper.New()

	if path := strings.TrimSpace(appCfg.Billing.RatesFile); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rates")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/tokenledger")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("TOKENLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read rates config: %w", err)
		}
		watch = false
		defaults := DefaultRatesConfig()
		v.SetDefault("billing.rates", defaults.Rates)
		v.SetDefault("billing.packages", defaults.Packages)
	}

	cfg, err := unmarshalRates(v)
	if err != nil {
		return nil, err
	}

	holder := &RatesHolder{}
	holder.current.Store(cfg)

	if watch {
		v.OnConfigChange(func(e fsnotify.Event) {
			if err := holder.reload(v); err != nil {
				log.Printf("[rates-config] invalid config ignored: %v", err)
				return
			}
			log.Printf("[rates-config] reloaded from %s", e.Name)
		})
		v.WatchConfig()
	}

	return holder, nil
}

// reload swaps in the catalog v currently holds. The previous catalog stays
// in place when the new one does not validate.
func (h *RatesHolder) reload(v *viper.Viper) error {
	updated, err := unmarshalRates(v)
	if err != nil {
		return err
	}
	h.current.Store(updated)
	return nil
}

func (h *RatesHolder) Get() RatesConfig {
	return h.current.Load().(RatesConfig)
}

func unmarshalRates(v *viper.Viper) (RatesConfig, error) {
	var cfg RatesConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return RatesConfig{}, err
	}
	if err := validateRatesConfig(cfg); err != nil {
		return RatesConfig{}, err
	}
	return cfg, nil
}

func validateRatesConfig(cfg RatesConfig) error {
	if len(cfg.Rates) == 0 {
		return errors.New("billing.rates cannot be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Rates))
	for _, r := range cfg.Rates {
		if strings.TrimSpace(r.Provider) == "" || strings.TrimSpace(r.Model) == "" {
			return errors.New("billing.rates entries need provider and model")
		}
		if r.InputRate < 0 || r.OutputRate < 0 {
			return fmt.Errorf("billing.rates %s/%s: negative rate", r.Provider, r.Model)
		}
		// same normalisation as the rate table lookup key
		key := normalizeName(r.Provider) + "\x00" + normalizeName(r.Model)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("billing.rates %s/%s: duplicate entry", r.Provider, r.Model)
		}
		seen[key] = struct{}{}
	}
	names := make(map[string]struct{}, len(cfg.Packages))
	for _, p := range cfg.Packages {
		name := normalizeName(p.Name)
		if name == "" || p.Units <= 0 || p.PriceCents < 0 {
			return fmt.Errorf("billing.packages %q: invalid package", p.Name)
		}
		// order ids are split on "_", so a package name cannot contain one
		if strings.ContainsAny(name, "_ \t") {
			return fmt.Errorf("billing.packages %q: name may not contain '_' or spaces", p.Name)
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("billing.packages %q: duplicate entry", p.Name)
		}
		names[name] = struct{}{}
	}
	return nil
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
