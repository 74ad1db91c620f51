// Package config loads cloudide settings from defaults, an optional config
// file and CLOUDIDE_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ricochet1k/cloudide/internal/session"
)

const EnvPrefix = "CLOUDIDE"

const (
	PresetClassic = "classic"
	PresetTask    = "task"

	BackendNone   = "none"
	BackendGemini = "gemini"
	BackendOpenAI = "openai"
)

var presets = map[string]session.Channels{
	PresetClassic: {Request: "provision:request", Terminate: "provision:terminate", ResponsePrefix: "provision:log:"},
	PresetTask:    {Request: "task:start", Terminate: "task:stop", ResponsePrefix: "task:response:"},
}

// Preset returns the channel names of a named preset.
func Preset(name string) (session.Channels, bool) {
	ch, ok := presets[name]
	return ch, ok
}

type Config struct {
	Transport TransportConfig
	Channels  session.Channels
	Preset    string
	Request   RequestConfig
	Insight   InsightConfig
	Gateway   GatewayConfig
	Bridge    BridgeConfig
	Log       LogConfig
}

type TransportConfig struct {
	URL              string
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
}

type RequestConfig struct {
	Shape        session.PayloadShape
	CPU          int
	Memory       int
	NetworkGroup string
	Isolated     bool
}

// Params returns the resource part of a provisioning request.
func (r RequestConfig) Params() session.RequestParams {
	return session.RequestParams{
		CPU:          r.CPU,
		Memory:       r.Memory,
		NetworkGroup: r.NetworkGroup,
		Isolated:     r.Isolated,
	}
}

type InsightConfig struct {
	Backend          string
	Model            string
	APIKey           string
	BaseURL          string
	ProjectID        string
	Location         string
	Timeout          time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

type GatewayConfig struct {
	Addr        string
	LaunchRate  float64
	LaunchBurst int
}

type BridgeConfig struct {
	Addr             string
	NATSURL          string
	Simulate         bool
	SimulateInterval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

// SetDefaults registers every key so environment overrides work without a
// config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("transport.url", "ws://127.0.0.1:8090/ws")
	v.SetDefault("transport.dial_timeout", 10*time.Second)
	v.SetDefault("transport.handshake_timeout", 5*time.Second)

	v.SetDefault("channels.preset", PresetClassic)
	v.SetDefault("channels.request", "")
	v.SetDefault("channels.terminate", "")
	v.SetDefault("channels.response_prefix", "")

	v.SetDefault("request.shape", string(session.ShapeFlat))
	v.SetDefault("request.cpu", 2)
	v.SetDefault("request.memory", 4096)
	v.SetDefault("request.network_group", "default")
	v.SetDefault("request.isolated", true)

	v.SetDefault("insight.backend", BackendNone)
	v.SetDefault("insight.model", "")
	v.SetDefault("insight.api_key", "")
	v.SetDefault("insight.base_url", "")
	v.SetDefault("insight.project_id", "")
	v.SetDefault("insight.location", "")
	v.SetDefault("insight.timeout", 10*time.Second)
	v.SetDefault("insight.failure_threshold", 3)
	v.SetDefault("insight.cooldown", time.Minute)

	v.SetDefault("gateway.addr", ":8080")
	v.SetDefault("gateway.launch_rate", 1.0)
	v.SetDefault("gateway.launch_burst", 5)

	v.SetDefault("bridge.addr", ":8090")
	v.SetDefault("bridge.nats_url", "")
	v.SetDefault("bridge.simulate", false)
	v.SetDefault("bridge.simulate_interval", 700*time.Millisecond)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (if non-empty) into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &Config{
		Transport: TransportConfig{
			URL:              v.GetString("transport.url"),
			DialTimeout:      v.GetDuration("transport.dial_timeout"),
			HandshakeTimeout: v.GetDuration("transport.handshake_timeout"),
		},
		Preset: v.GetString("channels.preset"),
		Request: RequestConfig{
			Shape:        session.PayloadShape(v.GetString("request.shape")),
			CPU:          v.GetInt("request.cpu"),
			Memory:       v.GetInt("request.memory"),
			NetworkGroup: v.GetString("request.network_group"),
			Isolated:     v.GetBool("request.isolated"),
		},
		Insight: InsightConfig{
			Backend:          v.GetString("insight.backend"),
			Model:            v.GetString("insight.model"),
			APIKey:           v.GetString("insight.api_key"),
			BaseURL:          v.GetString("insight.base_url"),
			ProjectID:        v.GetString("insight.project_id"),
			Location:         v.GetString("insight.location"),
			Timeout:          v.GetDuration("insight.timeout"),
			FailureThreshold: v.GetInt("insight.failure_threshold"),
			Cooldown:         v.GetDuration("insight.cooldown"),
		},
		Gateway: GatewayConfig{
			Addr:        v.GetString("gateway.addr"),
			LaunchRate:  v.GetFloat64("gateway.launch_rate"),
			LaunchBurst: v.GetInt("gateway.launch_burst"),
		},
		Bridge: BridgeConfig{
			Addr:             v.GetString("bridge.addr"),
			NATSURL:          v.GetString("bridge.nats_url"),
			Simulate:         v.GetBool("bridge.simulate"),
			SimulateInterval: v.GetDuration("bridge.simulate_interval"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}

	channels, ok := Preset(cfg.Preset)
	if !ok {
		return nil, fmt.Errorf("unknown channel preset %q", cfg.Preset)
	}
	if s := v.GetString("channels.request"); s != "" {
		channels.Request = s
	}
	if s := v.GetString("channels.terminate"); s != "" {
		channels.Terminate = s
	}
	if s := v.GetString("channels.response_prefix"); s != "" {
		channels.ResponsePrefix = s
	}
	cfg.Channels = channels

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Transport.URL == "" {
		errs = append(errs, errors.New("transport.url is empty"))
	}
	if c.Transport.DialTimeout <= 0 {
		errs = append(errs, errors.New("transport.dial_timeout must be positive"))
	}
	if err := c.Channels.Validate(); err != nil {
		errs = append(errs, err)
	}
	if !c.Request.Shape.Valid() {
		errs = append(errs, fmt.Errorf("unknown request.shape %q", c.Request.Shape))
	}
	switch c.Insight.Backend {
	case BackendNone, BackendGemini, BackendOpenAI:
	default:
		errs = append(errs, fmt.Errorf("unknown insight.backend %q", c.Insight.Backend))
	}
	if c.Insight.Timeout <= 0 {
		errs = append(errs, errors.New("insight.timeout must be positive"))
	}
	if c.Gateway.LaunchRate <= 0 || c.Gateway.LaunchBurst <= 0 {
		errs = append(errs, errors.New("gateway launch rate and burst must be positive"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log.level %q", s)
	}
	return level, nil
}
