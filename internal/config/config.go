/**
 * @description
 * This package handles the configuration management for the payment-service. It uses
 * the Viper library to read configuration from environment variables (with an optional
 * .env file), applies defaults, and normalizes the fee knobs into integer minor units.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"math"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/taskorilla/payment-service/internal/domain"
)

// Config holds all the configuration variables for the payment-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                 string  `mapstructure:"SERVER_PORT"`
	DatabaseURL                string  `mapstructure:"DATABASE_URL"`
	RabbitMQURL                string  `mapstructure:"RABBITMQ_URL"`
	RedisURL                   string  `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string  `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	StripeSecretKey            string  `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret        string  `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	DefaultCurrency            string  `mapstructure:"DEFAULT_CURRENCY"`
	ConnectAccountCountry      string  `mapstructure:"CONNECT_ACCOUNT_COUNTRY"`
	PayoutSchedule             string  `mapstructure:"PAYOUT_SCHEDULE"`
	PayerFeeMinor              int64   `mapstructure:"PAYER_FEE_MINOR"`
	PayeeCommissionPercent     float64 `mapstructure:"PAYEE_COMMISSION_PERCENT"`
	InternalAPIKey             string  `mapstructure:"INTERNAL_API_KEY"`
	ClerkJWKSURL               string  `mapstructure:"CLERK_JWKS_URL"`
	PaymentEventExchange       string  `mapstructure:"PAYMENT_EVENT_EXCHANGE"`
	CheckoutRateLimitPerMinute int     `mapstructure:"CHECKOUT_RATE_LIMIT_PER_MINUTE"`

	// PayeeCommissionBps is derived from PayeeCommissionPercent during load so the fee
	// calculator can stay in integer math.
	PayeeCommissionBps int64 `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("DEFAULT_CURRENCY", "eur")
	viper.SetDefault("CONNECT_ACCOUNT_COUNTRY", "IE")
	viper.SetDefault("PAYOUT_SCHEDULE", "manual")
	viper.SetDefault("PAYER_FEE_MINOR", 200)
	viper.SetDefault("PAYEE_COMMISSION_PERCENT", 10.0)
	viper.SetDefault("PAYMENT_EVENT_EXCHANGE", "taskorilla.events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "taskorilla:rate_limit")
	viper.SetDefault("CHECKOUT_RATE_LIMIT_PER_MINUTE", 10)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT", "SERVER_PORT", "PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("STRIPE_SECRET_KEY", "STRIPE_SECRET_KEY", "STRIPE_API_KEY")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET", "STRIPE_WEBHOOK_SECRET", "STRIPE_WEBHOOK_SIGNING_SECRET")
	_ = viper.BindEnv("DEFAULT_CURRENCY")
	_ = viper.BindEnv("CONNECT_ACCOUNT_COUNTRY")
	_ = viper.BindEnv("PAYOUT_SCHEDULE")
	_ = viper.BindEnv("PAYER_FEE_MINOR")
	_ = viper.BindEnv("PAYER_FEE")
	_ = viper.BindEnv("PAYEE_COMMISSION_PERCENT")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("PAYMENT_EVENT_EXCHANGE")
	_ = viper.BindEnv("CHECKOUT_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	config.StripeSecretKey = strings.TrimSpace(config.StripeSecretKey)
	config.StripeWebhookSecret = strings.TrimSpace(config.StripeWebhookSecret)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.DefaultCurrency = strings.ToLower(strings.TrimSpace(config.DefaultCurrency))
	config.ConnectAccountCountry = strings.ToUpper(strings.TrimSpace(config.ConnectAccountCountry))

	// Allow specifying the payer fee in whole currency units via PAYER_FEE.
	if viper.IsSet("PAYER_FEE") {
		feeStr := strings.TrimSpace(viper.GetString("PAYER_FEE"))
		if feeStr != "" {
			feeValue, parseErr := strconv.ParseFloat(feeStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid PAYER_FEE\" value=%q err=%v", feeStr, parseErr)
			} else {
				config.PayerFeeMinor = int64(math.Round(feeValue * 100))
			}
		}
	}

	if config.PayerFeeMinor < 0 {
		log.Printf("level=warn component=config msg=\"negative payer fee configured; coercing to zero\" fee_minor=%d", config.PayerFeeMinor)
		config.PayerFeeMinor = 0
	}

	if config.PayeeCommissionPercent < 0 {
		log.Printf("level=warn component=config msg=\"negative commission percent configured; coercing to zero\" percent=%f", config.PayeeCommissionPercent)
		config.PayeeCommissionPercent = 0
	}
	if config.PayeeCommissionPercent > 100 {
		log.Printf("level=warn component=config msg=\"commission percent too high; capping at 100\" percent=%f", config.PayeeCommissionPercent)
		config.PayeeCommissionPercent = 100
	}
	config.PayeeCommissionBps = int64(math.Round(config.PayeeCommissionPercent * 100))

	switch strings.ToLower(strings.TrimSpace(config.PayoutSchedule)) {
	case "manual":
		config.PayoutSchedule = "manual"
	case "automatic", "daily":
		config.PayoutSchedule = "daily"
	default:
		log.Printf("level=warn component=config msg=\"unknown payout schedule; defaulting to manual\" value=%q", config.PayoutSchedule)
		config.PayoutSchedule = "manual"
	}

	if config.CheckoutRateLimitPerMinute < 0 {
		config.CheckoutRateLimitPerMinute = 0
	}

	return
}

// Validate checks the configuration the service cannot run without. Missing provider
// secrets fail here, loudly, instead of silently disabling payments.
func (c Config) Validate() error {
	if c.StripeSecretKey == "" {
		return &domain.ConfigError{Key: "STRIPE_SECRET_KEY"}
	}
	if c.StripeWebhookSecret == "" {
		return &domain.ConfigError{Key: "STRIPE_WEBHOOK_SECRET"}
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return &domain.ConfigError{Key: "DATABASE_URL"}
	}
	return nil
}
