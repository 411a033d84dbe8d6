package config

import (
	"reflect"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" || cfg.Env != "development" {
		t.Errorf("unexpected logging defaults: %s / %s", cfg.LogLevel, cfg.Env)
	}
	if cfg.DBHost != "localhost" || cfg.DBPort != 5432 || cfg.DBName != "fleetpush" {
		t.Errorf("unexpected database defaults: %s:%d/%s", cfg.DBHost, cfg.DBPort, cfg.DBName)
	}
	if cfg.Workers != 4 || cfg.QueueSize != 256 || cfg.DeviceConcurrency != 8 {
		t.Errorf("unexpected dispatch defaults: workers=%d queue=%d conc=%d",
			cfg.Workers, cfg.QueueSize, cfg.DeviceConcurrency)
	}
	if cfg.RetryMaxAttempts != 1 {
		t.Errorf("retries should be off by default, got %d attempts", cfg.RetryMaxAttempts)
	}
	if !reflect.DeepEqual(cfg.Platforms, []string{"simulation"}) {
		t.Errorf("unexpected default platforms: %v", cfg.Platforms)
	}
	if cfg.MQTTQoS != 1 || cfg.MQTTClientID != "fleetpush" {
		t.Errorf("unexpected mqtt defaults: qos=%d id=%s", cfg.MQTTQoS, cfg.MQTTClientID)
	}
	if cfg.SimSuccessRate != 1.0 {
		t.Errorf("unexpected simulation default: %v", cfg.SimSuccessRate)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("WORKERS", "16")
	t.Setenv("QUEUE_SIZE", "1024")
	t.Setenv("RETRY_MAX_ATTEMPTS", "3")
	t.Setenv("APNS_SANDBOX", "true")
	t.Setenv("MQTT_QOS", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Port != 9090 || cfg.LogLevel != "debug" || cfg.DBHost != "db.internal" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Workers != 16 || cfg.QueueSize != 1024 || cfg.RetryMaxAttempts != 3 {
		t.Errorf("dispatch overrides not applied: %+v", cfg)
	}
	if !cfg.APNSSandbox || cfg.MQTTQoS != 2 {
		t.Errorf("platform overrides not applied: %+v", cfg)
	}
}

func TestLoad_PlatformLists(t *testing.T) {
	t.Setenv("PLATFORMS", "apns, fcm ,mqtt,,simulation")
	t.Setenv("DEFAULT_FALLBACK", "mqtt,simulation")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	want := []string{"apns", "fcm", "mqtt", "simulation"}
	if !reflect.DeepEqual(cfg.Platforms, want) {
		t.Errorf("expected %v, got %v", want, cfg.Platforms)
	}
	if !reflect.DeepEqual(cfg.DefaultFallback, []string{"mqtt", "simulation"}) {
		t.Errorf("unexpected fallback chain: %v", cfg.DefaultFallback)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"port not a number", "PORT", "web"},
		{"db port not a number", "DB_PORT", "x"},
		{"zero workers", "WORKERS", "0"},
		{"negative queue", "QUEUE_SIZE", "-1"},
		{"zero retry attempts", "RETRY_MAX_ATTEMPTS", "0"},
		{"qos out of range", "MQTT_QOS", "3"},
		{"sandbox not a bool", "APNS_SANDBOX", "yes please"},
		{"success rate above one", "SIM_SUCCESS_RATE", "1.5"},
		{"success rate zero", "SIM_SUCCESS_RATE", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}
