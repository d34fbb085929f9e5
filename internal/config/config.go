package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "CERTSYNC"

// RPCConfig describes how to reach the chain node.
type RPCConfig struct {
	Mode              string
	URL               string
	WSSURL            string
	APIKey            string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HeartbeatMaxMiss  int
	ReconnectDelay    time.Duration
}

// ContractsConfig holds deployed contract addresses and contract health settings.
type ContractsConfig struct {
	Organization        string
	CertificateType     string
	Certificate         string
	HealthCheckInterval time.Duration
	HealthCheckRecovery time.Duration
	OwnerWalletKey      string
}

// PollerConfig configures log polling for request-response mode.
type PollerConfig struct {
	Interval          time.Duration
	FromBlock         uint64
	BatchSize         uint64
	MaxRetries        int
	RetryBackoff      time.Duration
	Checkpoint        string
	CheckpointEnabled bool
}

// QueueConfig configures the ingestion queue.
type QueueConfig struct {
	Driver      string
	RedisURL    string
	Prefix      string
	Concurrency int
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	Retention   time.Duration
	// Journal is the JSONL file queued events are copied to, empty when disabled.
	Journal string
}

// WebhookConfig configures the HTTP surface.
type WebhookConfig struct {
	Listen      string
	SigningKeys map[string]string
	RateLimit   float64
	RateBurst   int
	// AdminPassword guards /admin with basic auth; the routes are not mounted without it.
	AdminPassword string
}

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPC       RPCConfig
	Contracts ContractsConfig
	Poller    PollerConfig
	Queue     QueueConfig
	Webhook   WebhookConfig
	PGDSN     string
	LogLevel  string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPC: RPCConfig{
			Mode:              strings.ToLower(v.GetString("rpc-mode")),
			URL:               v.GetString("rpc-url"),
			WSSURL:            v.GetString("rpc-wss-url"),
			APIKey:            v.GetString("rpc-api-key"),
			HeartbeatInterval: v.GetDuration("heartbeat-interval"),
			HeartbeatTimeout:  v.GetDuration("heartbeat-timeout"),
			HeartbeatMaxMiss:  v.GetInt("heartbeat-max-missed"),
			ReconnectDelay:    v.GetDuration("reconnect-delay"),
		},
		Contracts: ContractsConfig{
			Organization:        v.GetString("organization-address"),
			CertificateType:     v.GetString("certificate-type-address"),
			Certificate:         v.GetString("certificate-address"),
			HealthCheckInterval: v.GetDuration("health-check-interval"),
			HealthCheckRecovery: v.GetDuration("health-check-recovery"),
			OwnerWalletKey:      v.GetString("owner-wallet-key"),
		},
		Poller: PollerConfig{
			Interval:          v.GetDuration("poll-interval"),
			FromBlock:         v.GetUint64("from-block"),
			BatchSize:         v.GetUint64("batch-size"),
			MaxRetries:        v.GetInt("max-retries"),
			RetryBackoff:      v.GetDuration("retry-backoff"),
			Checkpoint:        v.GetString("checkpoint"),
			CheckpointEnabled: v.GetBool("checkpoint-enabled"),
		},
		Queue: QueueConfig{
			Driver:      strings.ToLower(v.GetString("queue-driver")),
			RedisURL:    v.GetString("redis-url"),
			Prefix:      v.GetString("queue-prefix"),
			Concurrency: v.GetInt("queue-concurrency"),
			MaxAttempts: v.GetInt("job-max-attempts"),
			Backoff:     v.GetDuration("job-backoff"),
			MaxBackoff:  v.GetDuration("job-max-backoff"),
			Retention:   v.GetDuration("job-retention"),
			Journal:     v.GetString("event-journal"),
		},
		Webhook: WebhookConfig{
			Listen:        v.GetString("listen"),
			SigningKeys:   getStringMap(v, "webhook-signing-keys"),
			RateLimit:     v.GetFloat64("webhook-rate-limit"),
			RateBurst:     v.GetInt("webhook-rate-burst"),
			AdminPassword: v.GetString("admin-password"),
		},
		PGDSN:    v.GetString("pg-dsn"),
		LogLevel: v.GetString("log-level"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc-mode", "http")
	v.SetDefault("heartbeat-interval", 15*time.Second)
	v.SetDefault("heartbeat-timeout", 7500*time.Millisecond)
	v.SetDefault("heartbeat-max-missed", 1)
	v.SetDefault("reconnect-delay", 5*time.Second)
	v.SetDefault("health-check-interval", 30*time.Second)
	v.SetDefault("health-check-recovery", 5*time.Second)

	v.SetDefault("poll-interval", 4*time.Second)
	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("checkpoint", "./data/checkpoint.json")
	v.SetDefault("checkpoint-enabled", true)

	v.SetDefault("queue-driver", "redis")
	v.SetDefault("redis-url", "redis://localhost:6379/0")
	v.SetDefault("queue-prefix", "certsync")
	v.SetDefault("queue-concurrency", 4)
	v.SetDefault("job-max-attempts", 5)
	v.SetDefault("job-backoff", 2*time.Second)
	v.SetDefault("job-max-backoff", 5*time.Minute)
	v.SetDefault("job-retention", 7*24*time.Hour)

	v.SetDefault("listen", ":8080")
	v.SetDefault("webhook-rate-limit", 20.0)
	v.SetDefault("webhook-rate-burst", 40)
	v.SetDefault("log-level", "info")
}

// Validate checks settings needed to run the engine.
func (c Config) Validate() error {
	var errs []error
	switch c.RPC.Mode {
	case "http":
		if c.RPC.URL == "" {
			errs = append(errs, errors.New("rpc-url is required in http mode"))
		}
	case "ws":
		if c.RPC.WSSURL == "" {
			errs = append(errs, errors.New("rpc-wss-url is required in ws mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported rpc-mode %q", c.RPC.Mode))
	}

	if c.Contracts.Organization == "" && c.Contracts.CertificateType == "" && c.Contracts.Certificate == "" {
		errs = append(errs, errors.New("at least one contract address is required"))
	}

	switch c.Queue.Driver {
	case "redis":
		if c.Queue.RedisURL == "" {
			errs = append(errs, errors.New("redis-url is required for the redis queue driver"))
		}
	case "river":
	default:
		errs = append(errs, fmt.Errorf("unsupported queue-driver %q", c.Queue.Driver))
	}
	if c.PGDSN == "" {
		errs = append(errs, errors.New("pg-dsn is required"))
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, errors.New("job-max-attempts must be greater than zero"))
	}
	if c.RPC.HeartbeatMaxMiss <= 0 {
		errs = append(errs, errors.New("heartbeat-max-missed must be greater than zero"))
	}

	return errors.Join(errs...)
}

// EndpointURL returns the URL for the configured mode, with the API key appended when set.
func (c RPCConfig) EndpointURL() string {
	base := c.URL
	if c.Mode == "ws" {
		base = c.WSSURL
	}
	if c.APIKey == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + c.APIKey
}

func getStringMap(v *viper.Viper, key string) map[string]string {
	if !v.IsSet(key) {
		return map[string]string{}
	}

	out := make(map[string]string)
	switch typed := v.Get(key).(type) {
	case map[string]interface{}:
		for k, val := range typed {
			out[strings.ToLower(k)] = fmt.Sprintf("%v", val)
		}
	case map[string]string:
		for k, val := range typed {
			out[strings.ToLower(k)] = val
		}
	case string, []string, []interface{}:
		for _, pair := range getStringSlice(v, key) {
			k, val, ok := strings.Cut(pair, "=")
			if !ok {
				continue
			}
			out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(val)
		}
	}
	return out
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
