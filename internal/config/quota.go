package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// TierLimit is the monthly AI call budget of one quota tier. A nil
// MonthlyLimit means the tier is unlimited.
type TierLimit struct {
	Tier                    string `mapstructure:"tier"`
	MonthlyLimit            *int64 `mapstructure:"monthlyLimit"`
	WarningThresholdPercent int    `mapstructure:"warningThresholdPercent"`
}

type QuotaConfig struct {
	DefaultTier string      `mapstructure:"defaultTier"`
	Tiers       []TierLimit `mapstructure:"tiers"`
}

// Lookup returns the limits configured for tier.
func (c QuotaConfig) Lookup(tier string) (TierLimit, bool) {
	for _, t := range c.Tiers {
		if strings.EqualFold(t.Tier, tier) {
			return t, true
		}
	}
	return TierLimit{}, false
}

func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		DefaultTier: "FREE",
		Tiers: []TierLimit{
			{Tier: "FREE", MonthlyLimit: int64Ptr(100), WarningThresholdPercent: 80},
			{Tier: "STARTER", MonthlyLimit: int64Ptr(1_000), WarningThresholdPercent: 80},
			{Tier: "PROFESSIONAL", MonthlyLimit: int64Ptr(5_000), WarningThresholdPercent: 85},
			{Tier: "ENTERPRISE", MonthlyLimit: nil, WarningThresholdPercent: 90},
		},
	}
}

func int64Ptr(v int64) *int64 { return &v }

type QuotaConfigHolder struct {
	current atomic.Value // holds QuotaConfig
}

// NewStaticQuotaConfigHolder returns a holder that never reloads.
func NewStaticQuotaConfigHolder(cfg QuotaConfig) *QuotaConfigHolder {
	holder := &QuotaConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

// NewQuotaConfigHolder reads quota.yml and keeps it hot-reloaded. Defaults
// are used when no file is found.
func NewQuotaConfigHolder(appCfg Config, log *zap.Logger) (*QuotaConfigHolder, error) {
	v := viper.New()

	if path := strings.TrimSpace(appCfg.QuotaConfigPath); path != "" {
		v.SetConfigFile(filepath.Clean(path))
	} else {
		v.SetConfigName("quota")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/synchire")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SYNCHIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultQuotaConfig()
	fromFile := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read quota config: %w", err)
		}
		fromFile = false
	}

	cfg := defaults
	if fromFile {
		var decoded QuotaConfig
		if err := v.UnmarshalKey("quota", &decoded); err != nil {
			return nil, fmt.Errorf("decode quota config: %w", err)
		}
		cfg = decoded
	}
	if err := validateQuotaConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticQuotaConfigHolder(cfg)
	if !fromFile {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated QuotaConfig
		if err := v.UnmarshalKey("quota", &updated); err != nil {
			log.Warn("quota config reload failed", zap.Error(err))
			return
		}
		if err := validateQuotaConfig(updated); err != nil {
			log.Warn("invalid quota config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("quota config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *QuotaConfigHolder) Get() QuotaConfig {
	return h.current.Load().(QuotaConfig)
}

func validateQuotaConfig(cfg QuotaConfig) error {
	if len(cfg.Tiers) == 0 {
		return errors.New("quota.tiers cannot be empty")
	}
	if _, ok := cfg.Lookup(cfg.DefaultTier); !ok {
		return fmt.Errorf("quota.defaultTier %q is not a configured tier", cfg.DefaultTier)
	}
	for _, t := range cfg.Tiers {
		if strings.TrimSpace(t.Tier) == "" {
			return errors.New("quota tier name cannot be empty")
		}
		if t.MonthlyLimit != nil && *t.MonthlyLimit < 0 {
			return fmt.Errorf("quota tier %s: monthlyLimit must not be negative", t.Tier)
		}
		if t.WarningThresholdPercent < 0 || t.WarningThresholdPercent > 100 {
			return fmt.Errorf("quota tier %s: warningThresholdPercent must be within 0..100", t.Tier)
		}
	}
	return nil
}
