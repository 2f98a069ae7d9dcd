package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// FeatureConfig declares which feature codes require a premium
// subscription and how provider price ids map onto local tiers. It is
// hot-reloadable so a feature can be moved in or out of the paywall
// without a redeploy.
type FeatureConfig struct {
	PremiumFeatures         []string          `mapstructure:"premiumFeatures"`
	PriceTiers              map[string]string `mapstructure:"priceTiers"`
	PaymentFailureThreshold int               `mapstructure:"paymentFailureThreshold"`
}

func DefaultFeatureConfig() FeatureConfig {
	return FeatureConfig{
		PremiumFeatures: []string{
			"ai.completions",
			"chat.unlimited-history",
			"chat.image-upload",
		},
		PriceTiers:              map[string]string{},
		PaymentFailureThreshold: 3,
	}
}

// IsPremiumFeature reports whether the feature code is behind the paywall.
func (c FeatureConfig) IsPremiumFeature(code string) bool {
	code = strings.TrimSpace(code)
	for _, feature := range c.PremiumFeatures {
		if strings.EqualFold(feature, code) {
			return true
		}
	}
	return false
}

// TierForPrice resolves a provider price id to a local tier name. Any
// price not listed explicitly is premium: the only free tier is the
// absence of a subscription.
func (c FeatureConfig) TierForPrice(priceID string) string {
	if tier, ok := c.PriceTiers[strings.TrimSpace(priceID)]; ok {
		return strings.ToLower(strings.TrimSpace(tier))
	}
	return "premium"
}

type FeatureConfigHolder struct {
	current atomic.Value // holds FeatureConfig
}

func NewFeatureConfigHolder() (*FeatureConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("features")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/orin-billing/config")
	v.AddConfigPath("/etc/orin-billing")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ORIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultFeatureConfig()
		v.SetDefault("features.premiumFeatures", defaults.PremiumFeatures)
		v.SetDefault("features.priceTiers", defaults.PriceTiers)
		v.SetDefault("features.paymentFailureThreshold", defaults.PaymentFailureThreshold)
	}

	var cfg FeatureConfig
	if err := v.UnmarshalKey("features", &cfg); err != nil {
		return nil, err
	}
	if err := validateFeatureConfig(cfg); err != nil {
		return nil, err
	}

	holder := &FeatureConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated FeatureConfig
		if err := v.UnmarshalKey("features", &updated); err != nil {
			log.Printf("[feature-config] reload failed: %v", err)
			return
		}
		if err := validateFeatureConfig(updated); err != nil {
			log.Printf("[feature-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[feature-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *FeatureConfigHolder) Get() FeatureConfig {
	return h.current.Load().(FeatureConfig)
}

// NewStaticFeatureConfigHolder wraps a fixed config, for tests.
func NewStaticFeatureConfigHolder(cfg FeatureConfig) *FeatureConfigHolder {
	holder := &FeatureConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func validateFeatureConfig(cfg FeatureConfig) error {
	if len(cfg.PremiumFeatures) == 0 {
		return errors.New("features.premiumFeatures cannot be empty")
	}
	if cfg.PaymentFailureThreshold <= 0 {
		return errors.New("features.paymentFailureThreshold must be positive")
	}
	return nil
}
