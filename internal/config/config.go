package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config lists the tunable parameters for the camrelay server.
type Config struct {
	HTTPPort        int
	MQTTBindAddress string
	DatabasePath    string
	LogLevel        string
	MaxFrameBytes   int
	FrameCap        int
	EnableMDNS      bool
}

const (
	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultLogLevel        = "info"
	defaultMaxFrameBytes   = 5 * 1024 * 1024
	defaultFrameCap        = 50
)

// Load derives configuration values from environment variables, falling back
// to defaults. An empty CAMRELAY_DATABASE_PATH selects the in-memory stores;
// an empty CAMRELAY_MQTT_BIND disables the embedded broker.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:        defaultHTTPPort,
		MQTTBindAddress: defaultMQTTBindAddress,
		LogLevel:        defaultLogLevel,
		MaxFrameBytes:   defaultMaxFrameBytes,
		FrameCap:        defaultFrameCap,
		EnableMDNS:      true,
	}

	if v := os.Getenv("CAMRELAY_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CAMRELAY_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v, ok := os.LookupEnv("CAMRELAY_MQTT_BIND"); ok {
		cfg.MQTTBindAddress = v
	}

	if v := os.Getenv("CAMRELAY_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("CAMRELAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("CAMRELAY_MAX_FRAME_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid CAMRELAY_MAX_FRAME_BYTES: %q", v)
		}
		cfg.MaxFrameBytes = n
	}

	if v := os.Getenv("CAMRELAY_FRAME_CAP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid CAMRELAY_FRAME_CAP: %q", v)
		}
		cfg.FrameCap = n
	}

	if v := os.Getenv("CAMRELAY_MDNS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CAMRELAY_MDNS: %q", v)
		}
		cfg.EnableMDNS = enabled
	}

	return cfg, nil
}
