// Package config loads darilo's settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the resolved configuration.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Log struct {
		File string
	}
	Automation Automation
	Scheduler  struct {
		Interval time.Duration
	}
	Webhook struct {
		PaymentSecret     string
		FulfillmentSecret string
		PaymentTolerance  time.Duration
	}
	Fulfillment struct {
		BaseURL string
		APIKey  string
		Timeout time.Duration
	}
	Notify struct {
		QueueSize int
	}
}

// Automation holds the lead-time windows and money policy.
type Automation struct {
	ReserveLeadDays int
	AddressLeadDays int
	OrderLeadDays   int
	DefaultBudget   decimal.Decimal
	ChargeOnOrder   bool
}

// Load reads configuration from path (or darilo.yaml in the working
// directory when path is empty), then DARILO_* environment variables.
// A missing default config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("darilo")
		v.AddConfigPath(".")
	}

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("database.path", "darilo.sqlite3")
	v.SetDefault("log.file", "")
	v.SetDefault("automation.reserve_lead_days", 14)
	v.SetDefault("automation.address_lead_days", 10)
	v.SetDefault("automation.order_lead_days", 3)
	v.SetDefault("automation.default_budget", "50.00")
	v.SetDefault("automation.charge_on_order", true)
	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("webhook.payment_secret", "")
	v.SetDefault("webhook.fulfillment_secret", "")
	v.SetDefault("webhook.payment_tolerance", "5m")
	v.SetDefault("fulfillment.base_url", "")
	v.SetDefault("fulfillment.api_key", "")
	v.SetDefault("fulfillment.timeout", "10s")
	v.SetDefault("notify.queue_size", 256)

	v.SetEnvPrefix("DARILO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	budget, err := decimal.NewFromString(v.GetString("automation.default_budget"))
	if err != nil {
		return nil, fmt.Errorf("automation.default_budget: %w", err)
	}

	c := &Config{}
	c.Server.Addr = v.GetString("server.addr")
	c.Database.Path = v.GetString("database.path")
	c.Log.File = v.GetString("log.file")
	c.Automation = Automation{
		ReserveLeadDays: v.GetInt("automation.reserve_lead_days"),
		AddressLeadDays: v.GetInt("automation.address_lead_days"),
		OrderLeadDays:   v.GetInt("automation.order_lead_days"),
		DefaultBudget:   budget,
		ChargeOnOrder:   v.GetBool("automation.charge_on_order"),
	}
	c.Scheduler.Interval = v.GetDuration("scheduler.interval")
	c.Webhook.PaymentSecret = v.GetString("webhook.payment_secret")
	c.Webhook.FulfillmentSecret = v.GetString("webhook.fulfillment_secret")
	c.Webhook.PaymentTolerance = v.GetDuration("webhook.payment_tolerance")
	c.Fulfillment.BaseURL = v.GetString("fulfillment.base_url")
	c.Fulfillment.APIKey = v.GetString("fulfillment.api_key")
	c.Fulfillment.Timeout = v.GetDuration("fulfillment.timeout")
	c.Notify.QueueSize = v.GetInt("notify.queue_size")

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the invariants between settings.
func (c *Config) Validate() error {
	a := c.Automation
	if a.OrderLeadDays <= 0 {
		return fmt.Errorf("automation.order_lead_days must be positive")
	}
	if a.AddressLeadDays <= a.OrderLeadDays {
		return fmt.Errorf("automation.address_lead_days must be greater than order_lead_days")
	}
	if a.ReserveLeadDays < a.AddressLeadDays {
		return fmt.Errorf("automation.reserve_lead_days must not be less than address_lead_days")
	}
	if a.DefaultBudget.IsNegative() {
		return fmt.Errorf("automation.default_budget must not be negative")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if c.Fulfillment.Timeout <= 0 {
		return fmt.Errorf("fulfillment.timeout must be positive")
	}
	if c.Notify.QueueSize <= 0 {
		return fmt.Errorf("notify.queue_size must be positive")
	}
	return nil
}
