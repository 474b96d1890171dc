package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kstaniek/cube-link/internal/frame"
	"github.com/kstaniek/cube-link/internal/link"
	"github.com/kstaniek/cube-link/internal/logging"
)

type appConfig struct {
	serialDev       string
	baud            int
	driver          string
	serialReadTO    time.Duration
	resetTO         time.Duration
	resetPoll       time.Duration
	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	replay          int
	txQueue         int
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
	mqttURL         string
	sendHex         string
	listPorts       bool
	configPath      string

	sendPayload []byte // decoded sendHex, set by validate
}

func defaultConfig() *appConfig {
	return &appConfig{
		serialDev:    "/dev/ttyACM0",
		baud:         115200,
		driver:       "tarm",
		serialReadTO: link.DefaultReadTimeout,
		resetTO:      link.DefaultResetTimeout,
		resetPoll:    link.DefaultPollInterval,
		listenAddr:   ":20100",
		logFormat:    "text",
		logLevel:     "info",
		hubBuffer:    512,
		hubPolicy:    "drop",
		replay:       32,
		txQueue:      256,
		handshakeTO:  3 * time.Second,
		clientReadTO: 60 * time.Second,
	}
}

// parseFlags resolves configuration with precedence flag > env > config file > default.
func parseFlags(args []string) (*appConfig, bool, error) {
	cfg := defaultConfig()
	fs := flag.NewFlagSet("cube-link", flag.ContinueOnError)
	fs.StringVar(&cfg.serialDev, "serial", cfg.serialDev, "Serial device path")
	fs.IntVar(&cfg.baud, "baud", cfg.baud, "Serial baud rate")
	fs.StringVar(&cfg.driver, "driver", cfg.driver, "Serial driver: tarm|dtr (dtr pulses DTR to reboot the board)")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", cfg.serialReadTO, "Serial read timeout")
	fs.DurationVar(&cfg.resetTO, "reset-timeout", cfg.resetTO, "Wait for the device reset marker at connect (0 = do not wait)")
	fs.DurationVar(&cfg.resetPoll, "reset-poll", cfg.resetPoll, "Reset wait polling interval")
	fs.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "TCP bridge listen address")
	fs.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", cfg.metricsAddr, "Metrics and diagnostics HTTP address (e.g., :9100); empty disables")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", cfg.hubBuffer, "Per-client hub buffer (messages)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", cfg.hubPolicy, "Backpressure policy: drop|kick")
	fs.IntVar(&cfg.replay, "replay", cfg.replay, "Messages since the last device reset replayed to new TCP clients (0 = none)")
	fs.IntVar(&cfg.txQueue, "tx-queue", cfg.txQueue, "Queued payloads from network clients to the link")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", cfg.logMetricsEvery, "If >0, periodically log metrics counters")
	fs.IntVar(&cfg.maxClients, "max-clients", cfg.maxClients, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", cfg.handshakeTO, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", cfg.clientReadTO, "Per-connection read deadline")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", cfg.mdnsEnable, "Enable mDNS advertisement")
	fs.StringVar(&cfg.mdnsName, "mdns-name", cfg.mdnsName, "mDNS instance name (default cube-link-<hostname>)")
	fs.StringVar(&cfg.mqttURL, "mqtt", cfg.mqttURL, "MQTT mirror broker URL (mqtt://host:1883/prefix); empty disables")
	fs.StringVar(&cfg.sendHex, "send", cfg.sendHex, "Hex payload to send once after connect")
	fs.BoolVar(&cfg.listPorts, "list-ports", false, "List serial ports and exit")
	fs.StringVar(&cfg.configPath, "config", "", "TOML configuration file")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	// Track which flags were explicitly set to give them precedence.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if cfg.configPath != "" {
		if err := applyConfigFile(cfg, cfg.configPath, setFlags); err != nil {
			return nil, *showVersion, err
		}
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, *showVersion, fmt.Errorf("environment override error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, *showVersion, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, *showVersion, nil
}

// setting binds one flag to its environment variable; the TOML key is the flag
// name with dashes replaced by underscores.
type setting struct {
	flag string
	env  string
	set  func(c *appConfig, v string) error
}

func stringSetting(p func(*appConfig) *string) func(*appConfig, string) error {
	return func(c *appConfig, v string) error { *p(c) = v; return nil }
}

func intSetting(p func(*appConfig) *int) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p(c) = n
		return nil
	}
}

func durationSetting(p func(*appConfig) *time.Duration) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*p(c) = d
		return nil
	}
}

func boolSetting(p func(*appConfig) *bool) func(*appConfig, string) error {
	return func(c *appConfig, v string) error {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*p(c) = true
		case "0", "false", "no", "off":
			*p(c) = false
		default:
			return fmt.Errorf("not a boolean: %q", v)
		}
		return nil
	}
}

var settings = []setting{
	{"serial", "CUBE_LINK_SERIAL", stringSetting(func(c *appConfig) *string { return &c.serialDev })},
	{"baud", "CUBE_LINK_BAUD", intSetting(func(c *appConfig) *int { return &c.baud })},
	{"driver", "CUBE_LINK_DRIVER", stringSetting(func(c *appConfig) *string { return &c.driver })},
	{"serial-read-timeout", "CUBE_LINK_SERIAL_READ_TIMEOUT", durationSetting(func(c *appConfig) *time.Duration { return &c.serialReadTO })},
	{"reset-timeout", "CUBE_LINK_RESET_TIMEOUT", durationSetting(func(c *appConfig) *time.Duration { return &c.resetTO })},
	{"reset-poll", "CUBE_LINK_RESET_POLL", durationSetting(func(c *appConfig) *time.Duration { return &c.resetPoll })},
	{"listen", "CUBE_LINK_LISTEN", stringSetting(func(c *appConfig) *string { return &c.listenAddr })},
	{"log-format", "CUBE_LINK_LOG_FORMAT", stringSetting(func(c *appConfig) *string { return &c.logFormat })},
	{"log-level", "CUBE_LINK_LOG_LEVEL", stringSetting(func(c *appConfig) *string { return &c.logLevel })},
	{"metrics-addr", "CUBE_LINK_METRICS", stringSetting(func(c *appConfig) *string { return &c.metricsAddr })},
	{"hub-buffer", "CUBE_LINK_HUB_BUFFER", intSetting(func(c *appConfig) *int { return &c.hubBuffer })},
	{"hub-policy", "CUBE_LINK_HUB_POLICY", stringSetting(func(c *appConfig) *string { return &c.hubPolicy })},
	{"replay", "CUBE_LINK_REPLAY", intSetting(func(c *appConfig) *int { return &c.replay })},
	{"tx-queue", "CUBE_LINK_TX_QUEUE", intSetting(func(c *appConfig) *int { return &c.txQueue })},
	{"log-metrics-interval", "CUBE_LINK_LOG_METRICS_INTERVAL", durationSetting(func(c *appConfig) *time.Duration { return &c.logMetricsEvery })},
	{"max-clients", "CUBE_LINK_MAX_CLIENTS", intSetting(func(c *appConfig) *int { return &c.maxClients })},
	{"handshake-timeout", "CUBE_LINK_HANDSHAKE_TIMEOUT", durationSetting(func(c *appConfig) *time.Duration { return &c.handshakeTO })},
	{"client-read-timeout", "CUBE_LINK_CLIENT_READ_TIMEOUT", durationSetting(func(c *appConfig) *time.Duration { return &c.clientReadTO })},
	{"mdns-enable", "CUBE_LINK_MDNS_ENABLE", boolSetting(func(c *appConfig) *bool { return &c.mdnsEnable })},
	{"mdns-name", "CUBE_LINK_MDNS_NAME", stringSetting(func(c *appConfig) *string { return &c.mdnsName })},
	{"mqtt", "CUBE_LINK_MQTT", stringSetting(func(c *appConfig) *string { return &c.mqttURL })},
	{"send", "CUBE_LINK_SEND", stringSetting(func(c *appConfig) *string { return &c.sendHex })},
}

func tomlKey(flagName string) string { return strings.ReplaceAll(flagName, "-", "_") }

// applyEnvOverrides maps CUBE_LINK_* environment variables to config fields
// unless the corresponding flag was explicitly set. Empty values are ignored.
// All settings are applied; the first parse error is returned.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	for _, s := range settings {
		if _, ok := set[s.flag]; ok {
			continue
		}
		v, ok := os.LookupEnv(s.env)
		v = strings.TrimSpace(v)
		if !ok || (v == "" && s.flag != "metrics-addr") {
			continue
		}
		if err := s.set(c, v); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", s.env, err)
		}
	}
	return firstErr
}

// applyConfigFile loads a TOML file. Only keys present in the file are applied
// and explicitly set flags still win. Unknown keys are an error.
func applyConfigFile(c *appConfig, path string, set map[string]struct{}) error {
	var raw map[string]any
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	known := make(map[string]struct{}, len(settings))
	for _, s := range settings {
		key := tomlKey(s.flag)
		known[key] = struct{}{}
		if !meta.IsDefined(key) {
			continue
		}
		if _, ok := set[s.flag]; ok {
			continue
		}
		v, err := tomlString(raw[key])
		if err != nil {
			return fmt.Errorf("config %s: key %s: %w", path, key, err)
		}
		if err := s.set(c, v); err != nil {
			return fmt.Errorf("config %s: key %s: %w", path, key, err)
		}
	}
	var unknown []string
	for k := range raw {
		if _, ok := known[k]; !ok {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("config %s: unknown keys %s", path, strings.Join(unknown, ", "))
	}
	return nil
}

// tomlString renders a decoded TOML scalar in the form the env parsers accept.
// Floats are allowed for integer settings only when they hold a whole number.
func tomlString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case bool:
		return strconv.FormatBool(x), nil
	case float64:
		if x != math.Trunc(x) || math.Abs(x) > math.MaxInt32 {
			return "", fmt.Errorf("%v is not a whole number", x)
		}
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners, only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if _, ok := openers[c.driver]; !ok {
		return fmt.Errorf("invalid driver: %s", c.driver)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.replay < 0 {
		return fmt.Errorf("replay must be >= 0 (got %d)", c.replay)
	}
	if c.txQueue <= 0 {
		return fmt.Errorf("tx-queue must be > 0 (got %d)", c.txQueue)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.resetTO < 0 {
		return fmt.Errorf("reset-timeout must be >= 0")
	}
	if c.resetPoll <= 0 {
		return fmt.Errorf("reset-poll must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	c.sendPayload = nil
	if c.sendHex != "" {
		p, err := hex.DecodeString(strings.ReplaceAll(c.sendHex, " ", ""))
		if err != nil {
			return fmt.Errorf("invalid send payload: %w", err)
		}
		if len(p) > frame.MaxPayload {
			return fmt.Errorf("send payload is %d bytes, max %d", len(p), frame.MaxPayload)
		}
		c.sendPayload = p
	}
	return nil
}
