package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config defines tactcharge service configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"TACTCHARGE_HTTP_PORT"`
	} `yaml:"http"`
	Database struct {
		DSN string `yaml:"dsn" env:"TACTCHARGE_POSTGRES_DSN"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr" env:"TACTCHARGE_REDIS_ADDR"`
		Password string `yaml:"password" env:"TACTCHARGE_REDIS_PASSWORD"`
	} `yaml:"redis"`
	CSMS struct {
		HTTPURL        string        `yaml:"httpUrl" env:"TACTCHARGE_CSMS_HTTP_URL"`
		WSURL          string        `yaml:"wsUrl" env:"TACTCHARGE_CSMS_WS_URL"`
		ChargePointID  string        `yaml:"chargePointId" env:"TACTCHARGE_CSMS_CP_ID"`
		CommandTimeout time.Duration `yaml:"commandTimeout" env:"TACTCHARGE_CSMS_COMMAND_TIMEOUT"`
	} `yaml:"csms"`
	Auth struct {
		JWTSecret string `yaml:"jwtSecret" env:"TACTCHARGE_JWT_SECRET"`
	} `yaml:"auth"`
	Pricing struct {
		DefaultPricePerKwh float64 `yaml:"defaultPricePerKwh" env:"TACTCHARGE_DEFAULT_PRICE_PER_KWH"`
	} `yaml:"pricing"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.HTTP.Port = "8080"
	cfg.CSMS.ChargePointID = "TACT30KW"
	cfg.CSMS.CommandTimeout = 10 * time.Second
	cfg.Pricing.DefaultPricePerKwh = 7.5

	if err := load(cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, errors.New("config: database dsn required")
	}
	if strings.TrimSpace(cfg.CSMS.HTTPURL) == "" {
		return nil, errors.New("config: csms http url required")
	}
	if strings.TrimSpace(cfg.CSMS.WSURL) == "" {
		return nil, errors.New("config: csms ws url required")
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("config: jwt secret required")
	}
	if cfg.CSMS.CommandTimeout <= 0 {
		cfg.CSMS.CommandTimeout = 10 * time.Second
	}
	return cfg, nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}
