// Package config содержит логику чтения конфигурации сервиса расчётов кейтеринга.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса расчётов кейтеринга.
type Config struct {
	RunAddress        string        `env:"RUN_ADDRESS"`
	DatabaseURI       string        `env:"DATABASE_URI"`
	GatewayAddress    string        `env:"GATEWAY_ADDRESS"`
	AMQPAddress       string        `env:"AMQP_ADDRESS"`
	AuthSecret        string        `env:"AUTH_SECRET"`
	CallbackURL       string        `env:"CALLBACK_URL"`
	SettlementTimeout time.Duration `env:"SETTLEMENT_TIMEOUT"`
	PollInterval      time.Duration `env:"POLL_INTERVAL"`
	TaxRateBP         int64         `env:"TAX_RATE_BP"`
	DeliveryFeeCents  int64         `env:"DELIVERY_FEE_CENTS"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	fromEnv := &Config{}
	if err := env.Parse(fromEnv); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &Config{}

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayAddress, "r", "", "payment gateway address")
	flag.StringVar(&cfg.AMQPAddress, "q", "", "AMQP broker address")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret for auth cookie signing")
	flag.StringVar(&cfg.CallbackURL, "c", "", "public URL for gateway payment callbacks")
	flag.DurationVar(&cfg.SettlementTimeout, "t", 15*time.Minute, "how long to wait for gateway confirmation")
	flag.DurationVar(&cfg.PollInterval, "p", 5*time.Second, "background workers poll interval")
	flag.Int64Var(&cfg.TaxRateBP, "tax", 0, "tax rate in basis points")
	flag.Int64Var(&cfg.DeliveryFeeCents, "fee", 0, "delivery fee in kopecks")

	flag.Parse()

	if fromEnv.RunAddress != "" {
		cfg.RunAddress = fromEnv.RunAddress
	}
	if fromEnv.DatabaseURI != "" {
		cfg.DatabaseURI = fromEnv.DatabaseURI
	}
	if fromEnv.GatewayAddress != "" {
		cfg.GatewayAddress = fromEnv.GatewayAddress
	}
	if fromEnv.AMQPAddress != "" {
		cfg.AMQPAddress = fromEnv.AMQPAddress
	}
	if fromEnv.AuthSecret != "" {
		cfg.AuthSecret = fromEnv.AuthSecret
	}
	if fromEnv.CallbackURL != "" {
		cfg.CallbackURL = fromEnv.CallbackURL
	}
	if fromEnv.SettlementTimeout != 0 {
		cfg.SettlementTimeout = fromEnv.SettlementTimeout
	}
	if fromEnv.PollInterval != 0 {
		cfg.PollInterval = fromEnv.PollInterval
	}
	if fromEnv.TaxRateBP != 0 {
		cfg.TaxRateBP = fromEnv.TaxRateBP
	}
	if fromEnv.DeliveryFeeCents != 0 {
		cfg.DeliveryFeeCents = fromEnv.DeliveryFeeCents
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
