package main

import (
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := defaultConfig()
	t.Setenv("CUBE_LINK_BAUD", "230400")
	t.Setenv("CUBE_LINK_MDNS_ENABLE", "true")
	t.Setenv("CUBE_LINK_SERIAL_READ_TIMEOUT", "100ms")
	t.Setenv("CUBE_LINK_RESET_TIMEOUT", "0s")
	t.Setenv("CUBE_LINK_LOG_METRICS_INTERVAL", "5s")
	t.Setenv("CUBE_LINK_DRIVER", "dtr")
	t.Setenv("CUBE_LINK_MQTT", "mqtt://broker:1883/cube")

	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.serialReadTO != 100*time.Millisecond {
		t.Fatalf("expected serialReadTO 100ms got %v", base.serialReadTO)
	}
	if base.resetTO != 0 {
		t.Fatalf("expected resetTO 0 got %v", base.resetTO)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if base.driver != "dtr" || base.mqttURL != "mqtt://broker:1883/cube" {
		t.Fatalf("unexpected driver/mqtt %q %q", base.driver, base.mqttURL)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{baud: 115200}
	t.Setenv("CUBE_LINK_BAUD", "230400")
	// Simulate user passed -baud flag (so env should be ignored)
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
}

func TestApplyEnvOverrides_EmptyMetricsDisables(t *testing.T) {
	base := &appConfig{metricsAddr: ":9100"}
	t.Setenv("CUBE_LINK_METRICS", "")
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.metricsAddr != "" {
		t.Fatalf("expected metrics disabled, got %q", base.metricsAddr)
	}
}

func TestApplyEnvOverrides_BadValues(t *testing.T) {
	for env, val := range map[string]string{
		"CUBE_LINK_HUB_BUFFER":    "notint",
		"CUBE_LINK_RESET_TIMEOUT": "soon",
		"CUBE_LINK_MDNS_ENABLE":   "maybe",
	} {
		t.Run(env, func(t *testing.T) {
			t.Setenv(env, val)
			if err := applyEnvOverrides(defaultConfig(), map[string]struct{}{}); err == nil {
				t.Fatalf("expected error for %s=%s", env, val)
			}
		})
	}
}
