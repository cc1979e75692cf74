package config

import (
	"os"
	"strconv"
	"time"
)

const (
	// DefaultAPIKey is the placeholder key shipped in development setups.
	// Operators are expected to override it via API_KEY.
	DefaultAPIKey = "change-this-key"

	DefaultPort           = 3000
	DefaultReconnectDelay = 5 * time.Second
	DefaultQRWaitTimeout  = 2 * time.Second
)

// Config holds the daemon's runtime settings, populated from the
// environment with flag overrides applied by the command layer.
type Config struct {
	Port           int           // HTTP listen port
	APIKey         string        // shared key for x-api-key / apiKey auth
	DBPath         string        // auth state database path ("" = default under the zapgate home)
	GatewayURL     string        // upstream protocol gateway websocket URL
	ReconnectDelay time.Duration // fixed delay between reconnect attempts
	QRWaitTimeout  time.Duration // how long QR reads wait for a fresh code
}

// FromEnv builds a Config from environment variables, applying defaults
// for anything unset.
func FromEnv() Config {
	cfg := Config{
		Port:           DefaultPort,
		APIKey:         DefaultAPIKey,
		GatewayURL:     os.Getenv("WA_GATEWAY_URL"),
		ReconnectDelay: DefaultReconnectDelay,
		QRWaitTimeout:  DefaultQRWaitTimeout,
	}

	if raw := os.Getenv("PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil && port > 0 && port < 65536 {
			cfg.Port = port
		}
	}
	if key := os.Getenv("API_KEY"); key != "" {
		cfg.APIKey = key
	}
	if path := os.Getenv("ZAPGATE_DB"); path != "" {
		cfg.DBPath = ExpandPath(path)
	}
	if raw := os.Getenv("RECONNECT_DELAY"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.ReconnectDelay = d
		}
	}
	if raw := os.Getenv("QR_WAIT_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.QRWaitTimeout = d
		}
	}

	return cfg
}
