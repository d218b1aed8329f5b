// Package config loads runtime configuration from the environment, with a
// .env file picked up when present.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"pulse-match/matching"
)

// Config holds all application configuration
type Config struct {
	Engine  EngineConfig
	Ingress IngressConfig
}

// EngineConfig holds matching engine configuration
type EngineConfig struct {
	Shards            int
	RingCapacity      int
	MarketMaxLevels   int
	MarketMaxQty      int
	MarketMaxNotional int64
	PinFirstCPU       int
}

// IngressConfig holds ingress coordinator configuration
type IngressConfig struct {
	Producers       int
	MailboxCapacity int
}

// Load reads configuration from environment variables, falling back to the
// defaults below.
func Load() *Config {
	_ = godotenv.Load() // ignore error if .env doesn't exist

	return &Config{
		Engine: EngineConfig{
			Shards:            getEnvInt("PULSE_SHARDS", 4),
			RingCapacity:      getEnvInt("PULSE_RING_CAPACITY", 1<<15),
			MarketMaxLevels:   getEnvInt("PULSE_MARKET_MAX_LEVELS", matching.DefaultMarketMaxLevels),
			MarketMaxQty:      getEnvInt("PULSE_MARKET_MAX_QTY", matching.DefaultMarketMaxQty),
			MarketMaxNotional: getEnvInt64("PULSE_MARKET_MAX_NOTIONAL", matching.DefaultMarketMaxNotional),
			PinFirstCPU:       getEnvInt("PULSE_PIN_FIRST_CPU", -1),
		},
		Ingress: IngressConfig{
			Producers:       getEnvInt("PULSE_PRODUCERS", 2),
			MailboxCapacity: getEnvInt("PULSE_MAILBOX_CAPACITY", 1<<14),
		},
	}
}

// MatchingConfig converts the engine section into the matching package's
// config record.
func (c *Config) MatchingConfig() matching.EngineConfig {
	return matching.EngineConfig{
		Shards:            c.Engine.Shards,
		RingCapacity:      c.Engine.RingCapacity,
		MarketMaxLevels:   c.Engine.MarketMaxLevels,
		MarketMaxQty:      int32(c.Engine.MarketMaxQty),
		MarketMaxNotional: c.Engine.MarketMaxNotional,
		PinFirstCPU:       c.Engine.PinFirstCPU,
	}
}

func getEnvInt(key string, fallback int) int {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v
		}
	}
	return fallback
}
