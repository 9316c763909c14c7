package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// LedgerConfig is the tunable matching policy. Unlike the env config it
// can change while the service runs; finance staff adjust the statement
// window without a redeploy.
type LedgerConfig struct {
	// MatchWindowHours bounds how far a statement entry date may drift
	// from the payment's completion date and still match.
	MatchWindowHours int `mapstructure:"matchWindowHours"`
	// MaxStatementEntries caps one statement import.
	MaxStatementEntries int `mapstructure:"maxStatementEntries"`
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		MatchWindowHours:    72,
		MaxStatementEntries: 1000,
	}
}

type LedgerConfigHolder struct {
	current atomic.Value // holds LedgerConfig
}

func NewLedgerConfigHolder() (*LedgerConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("ledger")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/shulehub/config") // Volume-mounted config
	v.AddConfigPath("/etc/shulehub")            // System config
	v.AddConfigPath(".")                        // Current directory (dev mode)

	v.SetEnvPrefix("SHULEHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// if config file not found, use defaults
		defaults := DefaultLedgerConfig()
		v.SetDefault("ledger.matchWindowHours", defaults.MatchWindowHours)
		v.SetDefault("ledger.maxStatementEntries", defaults.MaxStatementEntries)
	}

	var cfg LedgerConfig
	if err := v.UnmarshalKey("ledger", &cfg); err != nil {
		return nil, err
	}
	if err := validateLedgerConfig(cfg); err != nil {
		return nil, err
	}

	holder := &LedgerConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated LedgerConfig
		if err := v.UnmarshalKey("ledger", &updated); err != nil {
			log.Printf("[ledger-config] reload failed: %v", err)
			return
		}
		if err := validateLedgerConfig(updated); err != nil {
			log.Printf("[ledger-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[ledger-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *LedgerConfigHolder) Get() LedgerConfig {
	return h.current.Load().(LedgerConfig)
}

// NewStaticLedgerConfigHolder builds a holder that never reloads.
func NewStaticLedgerConfigHolder(cfg LedgerConfig) *LedgerConfigHolder {
	holder := &LedgerConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func validateLedgerConfig(cfg LedgerConfig) error {
	if cfg.MatchWindowHours <= 0 {
		return errors.New("ledger.matchWindowHours must be positive")
	}
	if cfg.MaxStatementEntries <= 0 {
		return errors.New("ledger.maxStatementEntries must be positive")
	}
	return nil
}
