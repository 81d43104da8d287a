package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.HTTPPort != 8080 {
		t.Errorf("HTTPPort = %d", cfg.HTTPPort)
	}
	if cfg.MQTTBindAddress != ":1883" {
		t.Errorf("MQTTBindAddress = %q", cfg.MQTTBindAddress)
	}
	if cfg.DatabasePath != "" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.MaxFrameBytes != 5*1024*1024 {
		t.Errorf("MaxFrameBytes = %d", cfg.MaxFrameBytes)
	}
	if cfg.FrameCap != 50 {
		t.Errorf("FrameCap = %d", cfg.FrameCap)
	}
	if !cfg.EnableMDNS {
		t.Error("mDNS should default to enabled")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CAMRELAY_HTTP_PORT", "9090")
	t.Setenv("CAMRELAY_MQTT_BIND", "127.0.0.1:1884")
	t.Setenv("CAMRELAY_DATABASE_PATH", "/tmp/relay.db")
	t.Setenv("CAMRELAY_LOG_LEVEL", "debug")
	t.Setenv("CAMRELAY_MAX_FRAME_BYTES", "1048576")
	t.Setenv("CAMRELAY_FRAME_CAP", "10")
	t.Setenv("CAMRELAY_MDNS", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d", cfg.HTTPPort)
	}
	if cfg.MQTTBindAddress != "127.0.0.1:1884" {
		t.Errorf("MQTTBindAddress = %q", cfg.MQTTBindAddress)
	}
	if cfg.DatabasePath != "/tmp/relay.db" {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.MaxFrameBytes != 1048576 {
		t.Errorf("MaxFrameBytes = %d", cfg.MaxFrameBytes)
	}
	if cfg.FrameCap != 10 {
		t.Errorf("FrameCap = %d", cfg.FrameCap)
	}
	if cfg.EnableMDNS {
		t.Error("mDNS should be disabled")
	}
}

// An explicitly empty bind address disables the embedded broker, which is
// distinct from the variable being unset.
func TestLoadEmptyMQTTBindDisablesBroker(t *testing.T) {
	t.Setenv("CAMRELAY_MQTT_BIND", "")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MQTTBindAddress != "" {
		t.Errorf("MQTTBindAddress = %q, want empty", cfg.MQTTBindAddress)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"port", "CAMRELAY_HTTP_PORT", "not-a-port"},
		{"frame bytes", "CAMRELAY_MAX_FRAME_BYTES", "-1"},
		{"frame cap", "CAMRELAY_FRAME_CAP", "0"},
		{"mdns", "CAMRELAY_MDNS", "maybe"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.value)
			}
		})
	}
}
