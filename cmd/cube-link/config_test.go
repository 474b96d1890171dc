package main

import (
	"testing"
	"time"
)

func TestConfigValidate_OK(t *testing.T) {
	c := defaultConfig()
	c.sendHex = "01 0a ff"
	if err := c.validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
	if string(c.sendPayload) != "\x01\x0a\xff" {
		t.Fatalf("unexpected send payload %x", c.sendPayload)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badDriver", func(c *appConfig) { c.driver = "x" }},
		{"badPolicy", func(c *appConfig) { c.hubPolicy = "x" }},
		{"badHubBuf", func(c *appConfig) { c.hubBuffer = 0 }},
		{"badReplay", func(c *appConfig) { c.replay = -1 }},
		{"badTxQueue", func(c *appConfig) { c.txQueue = 0 }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"badSerialTO", func(c *appConfig) { c.serialReadTO = 0 }},
		{"badResetTO", func(c *appConfig) { c.resetTO = -time.Second }},
		{"badResetPoll", func(c *appConfig) { c.resetPoll = 0 }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
		{"badMetricsInterval", func(c *appConfig) { c.logMetricsEvery = -time.Second }},
		{"badSendHex", func(c *appConfig) { c.sendHex = "zz" }},
		{"sendTooLarge", func(c *appConfig) { c.sendHex = repeatHex(255) }},
	}
	for _, tc := range tests {
		base := defaultConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestConfigValidate_ZeroResetTimeout(t *testing.T) {
	c := defaultConfig()
	c.resetTO = 0
	if err := c.validate(); err != nil {
		t.Fatalf("reset-timeout 0 must be accepted: %v", err)
	}
}

func TestParseFlags(t *testing.T) {
	cfg, showVersion, err := parseFlags([]string{"-serial", "/dev/ttyUSB1", "-driver", "dtr", "-reset-timeout", "0", "-send", "0102"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if showVersion {
		t.Fatalf("unexpected version flag")
	}
	if cfg.serialDev != "/dev/ttyUSB1" || cfg.driver != "dtr" || cfg.resetTO != 0 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if len(cfg.sendPayload) != 2 {
		t.Fatalf("expected decoded send payload, got %x", cfg.sendPayload)
	}
	if _, _, err := parseFlags([]string{"-hub-policy", "nope"}); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, v, _ := parseFlags([]string{"-version"}); !v {
		t.Fatalf("expected version flag")
	}
}

func repeatHex(n int) string {
	b := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		b = append(b, '0', '1')
	}
	return string(b)
}
