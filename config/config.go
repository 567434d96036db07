package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Duration accepts either a number of milliseconds or a Go duration string.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		d.Duration = time.Duration(int64(val)) * time.Millisecond
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(val)
		return err
	default:
		return nil
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

type Config struct {
	// probe
	Payload          string   `json:"payload"`
	Channel          string   `json:"channel"`
	Resource         string   `json:"resource"`
	Timeout          Duration `json:"timeout"`
	SelfCheckTimeout Duration `json:"self_check_timeout"`
	GracePeriod      Duration `json:"grace_period"`
	Transports       []string `json:"transports"`

	// swarm rendezvous node; SwarmURL empty means run an embedded one
	SwarmURL           string   `json:"swarm_url"`
	Host               string   `json:"host"`
	Port               int      `json:"port"`
	MaxPeers           int      `json:"max_peers"`
	ShardCount         int      `json:"shard_count"`
	WriteTimeout       Duration `json:"write_timeout"`
	ReadTimeout        Duration `json:"read_timeout"`
	PingInterval       Duration `json:"ping_interval"`
	PongWait           Duration `json:"pong_wait"`
	MaxMessageSize     int64    `json:"max_message_size"`
	BrokerType         string   `json:"broker_type"`
	RedisAddr          string   `json:"redis_addr"`
	RedisPassword      string   `json:"redis_password"`
	RedisDB            int      `json:"redis_db"`
	RateLimitPerSec    int      `json:"rate_limit_per_sec"`
	RateLimitBurst     int      `json:"rate_limit_burst"`
	RateLimitShards    int      `json:"rate_limit_shards"`
	CompressionEnabled bool     `json:"compression_enabled"`
	SendBufferSize     int      `json:"send_buffer_size"`

	// gateway process
	GatewayHost   string `json:"gateway_host"`
	GatewayPort   int    `json:"gateway_port"`
	GatewaySilent bool   `json:"gateway_silent"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPort    int    `json:"metrics_port"`
	LogLevel       string `json:"log_level"`
}

var DefaultTransports = []string{"tcp", "extension", "fetch", "gateway"}

func Default() *Config {
	return &Config{
		Payload:            "Hello World!",
		Channel:            "example",
		Resource:           "example",
		Timeout:            Duration{5 * time.Second},
		SelfCheckTimeout:   Duration{250 * time.Millisecond},
		GracePeriod:        Duration{1 * time.Second},
		Transports:         append([]string(nil), DefaultTransports...),
		SwarmURL:           "",
		Host:               "127.0.0.1",
		Port:               0,
		MaxPeers:           1000,
		ShardCount:         16,
		WriteTimeout:       Duration{10 * time.Second},
		ReadTimeout:        Duration{60 * time.Second},
		PingInterval:       Duration{30 * time.Second},
		PongWait:           Duration{35 * time.Second},
		MaxMessageSize:     65536,
		BrokerType:         "local",
		RedisAddr:          "localhost:6379",
		RedisPassword:      "",
		RedisDB:            0,
		RateLimitPerSec:    100,
		RateLimitBurst:     200,
		RateLimitShards:    16,
		CompressionEnabled: false,
		SendBufferSize:     32,
		GatewayHost:        "127.0.0.1",
		GatewayPort:        4973,
		GatewaySilent:      true,
		MetricsEnabled:     false,
		MetricsPort:        9090,
		LogLevel:           "info",
	}
}

func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = json.Unmarshal(data, cfg)
	return cfg, err
}

// LoadDotEnv reads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func LoadFromEnv() *Config {
	return ApplyEnv(Default())
}

func ApplyEnv(cfg *Config) *Config {
	if v := os.Getenv("LATBENCH_SWARM_URL"); v != "" {
		cfg.SwarmURL = v
	}
	if v := os.Getenv("LATBENCH_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("LATBENCH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("LATBENCH_TIMEOUT"); v != "" {
		if d, err := parseDuration(v); err == nil {
			cfg.Timeout = Duration{d}
		}
	}
	if v := os.Getenv("LATBENCH_GRACE_PERIOD"); v != "" {
		if d, err := parseDuration(v); err == nil {
			cfg.GracePeriod = Duration{d}
		}
	}
	if v := os.Getenv("LATBENCH_TRANSPORTS"); v != "" {
		cfg.Transports = splitList(v)
	}
	if v := os.Getenv("LATBENCH_BROKER"); v != "" {
		cfg.BrokerType = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("LATBENCH_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.GatewayPort = port
		}
	}
	if v := os.Getenv("LATBENCH_COMPRESSION"); v == "true" || v == "1" {
		cfg.CompressionEnabled = true
	}
	if v := os.Getenv("LATBENCH_METRICS"); v == "true" || v == "1" {
		cfg.MetricsEnabled = true
	}
	if v := os.Getenv("LATBENCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

// parseDuration accepts the same forms as Duration: bare milliseconds or a
// Go duration string.
func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
