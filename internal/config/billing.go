package config

import (
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig carries the hot-reloadable billing tunables.
type BillingConfig struct {
	// RenewalLookahead selects subscriptions whose next_billing_at falls
	// within this window from now.
	RenewalLookahead time.Duration `mapstructure:"renewalLookahead"`
	// ChargeDelay offsets the scheduled charge past the period boundary.
	ChargeDelay time.Duration `mapstructure:"chargeDelay"`

	// PollInterval / PollDeadline bound synchronous charge confirmation.
	PollInterval time.Duration `mapstructure:"pollInterval"`
	PollDeadline time.Duration `mapstructure:"pollDeadline"`

	// InvoiceReuseWindow guards Create against duplicate scheduler runs.
	InvoiceReuseWindow time.Duration `mapstructure:"invoiceReuseWindow"`

	// AmountMatchFallback enables the last-resort amount+currency invoice
	// match for webhooks that carry no usable id. Every use is logged.
	AmountMatchFallback bool          `mapstructure:"amountMatchFallback"`
	AmountMatchWindow   time.Duration `mapstructure:"amountMatchWindow"`

	// DedupTTL is the retention of the recently-seen webhook event cache.
	DedupTTL time.Duration `mapstructure:"dedupTTL"`

	// PendingSweepAge is the minimum age before the reconcile job polls
	// the gateway for a still-PENDING invoice.
	PendingSweepAge time.Duration `mapstructure:"pendingSweepAge"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		RenewalLookahead:    24 * time.Hour,
		ChargeDelay:         10 * time.Minute,
		PollInterval:        2 * time.Second,
		PollDeadline:        30 * time.Second,
		InvoiceReuseWindow:  10 * time.Minute,
		AmountMatchFallback: true,
		AmountMatchWindow:   30 * time.Minute,
		DedupTTL:            24 * time.Hour,
		PendingSweepAge:     time.Hour,
	}
}

// BillingConfigHolder exposes the current BillingConfig and follows
// billing.yml edits without a restart.
type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/rebill/config")
	v.AddConfigPath("/etc/rebill")
	v.AddConfigPath(".")

	v.SetEnvPrefix("REBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(load(v))

	v.OnConfigChange(func(_ fsnotify.Event) {
		holder.current.Store(load(v))
		log.Println("billing config reloaded")
	})
	v.WatchConfig()

	return holder, nil
}

// NewStaticBillingConfigHolder wraps a fixed configuration. Used by
// tests and tools that do not watch billing.yml.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

// Current returns the active billing configuration.
func (h *BillingConfigHolder) Current() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func load(v *viper.Viper) BillingConfig {
	cfg := DefaultBillingConfig()
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		log.Printf("billing config unmarshal failed, keeping defaults: %v", err)
		return DefaultBillingConfig()
	}
	return cfg.withDefaults()
}

func (c BillingConfig) withDefaults() BillingConfig {
	defaults := DefaultBillingConfig()
	if c.RenewalLookahead <= 0 {
		c.RenewalLookahead = defaults.RenewalLookahead
	}
	if c.ChargeDelay <= 0 {
		c.ChargeDelay = defaults.ChargeDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.PollDeadline <= 0 {
		c.PollDeadline = defaults.PollDeadline
	}
	if c.InvoiceReuseWindow <= 0 {
		c.InvoiceReuseWindow = defaults.InvoiceReuseWindow
	}
	if c.AmountMatchWindow <= 0 {
		c.AmountMatchWindow = defaults.AmountMatchWindow
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = defaults.DedupTTL
	}
	if c.PendingSweepAge <= 0 {
		c.PendingSweepAge = defaults.PendingSweepAge
	}
	return c
}
