package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "RECIPEBOX"
	defaultAPIBaseURL     = "http://127.0.0.1:8080"
	defaultRealtimeURL    = "ws://127.0.0.1:8080/realtime"
	defaultBroker         = BrokerWebsocket
	defaultReconnectDelay = 5 * time.Second
	defaultOrphanTTL      = 30 * time.Second
	defaultTombstoneTTL   = 5 * time.Minute
	defaultRedisAddress   = "127.0.0.1:6379"
	defaultLogLevel       = "info"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabasePath   = "file::memory:?cache=shared"
	defaultTokenIssuer    = "recipebox-dev"
	defaultTokenAudience  = "recipebox-api"
	defaultTokenTTL       = time.Hour
	defaultAllowedOrigin  = "*"
	defaultPublishRedis   = false
)

const (
	// BrokerWebsocket selects the websocket realtime transport.
	BrokerWebsocket = "websocket"
	// BrokerRedis selects the Redis pub/sub realtime transport.
	BrokerRedis = "redis"
)

// ClientConfig captures runtime configuration for the sync client.
type ClientConfig struct {
	APIBaseURL           string
	Broker               string
	RealtimeURL          string
	RedisAddress         string
	RedisPassword        string
	RedisDB              int
	Token                string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	OrphanTTL            time.Duration
	TombstoneTTL         time.Duration
	LogLevel             string
}

// DevServerConfig captures runtime configuration for the development backend.
type DevServerConfig struct {
	HTTPAddress    string
	DatabasePath   string
	SigningSecret  string
	TokenIssuer    string
	TokenAudience  string
	TokenTTL       time.Duration
	AllowedOrigins []string
	PublishRedis   bool
	RedisAddress   string
	RedisPassword  string
	RedisDB        int
	LogLevel       string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("api.base_url", defaultAPIBaseURL)
	configViper.SetDefault("realtime.broker", defaultBroker)
	configViper.SetDefault("realtime.url", defaultRealtimeURL)
	configViper.SetDefault("realtime.reconnect_delay", defaultReconnectDelay)
	configViper.SetDefault("realtime.max_reconnect_attempts", 0)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("store.orphan_ttl", defaultOrphanTTL)
	configViper.SetDefault("store.tombstone_ttl", defaultTombstoneTTL)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigin)
	configViper.SetDefault("devserver.publish_redis", defaultPublishRedis)
}

// LoadClient parses sync client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		APIBaseURL:           strings.TrimSpace(configViper.GetString("api.base_url")),
		Broker:               strings.ToLower(strings.TrimSpace(configViper.GetString("realtime.broker"))),
		RealtimeURL:          strings.TrimSpace(configViper.GetString("realtime.url")),
		RedisAddress:         strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:        configViper.GetString("redis.password"),
		RedisDB:              configViper.GetInt("redis.db"),
		Token:                strings.TrimSpace(configViper.GetString("session.token")),
		ReconnectDelay:       configViper.GetDuration("realtime.reconnect_delay"),
		MaxReconnectAttempts: configViper.GetInt("realtime.max_reconnect_attempts"),
		OrphanTTL:            configViper.GetDuration("store.orphan_ttl"),
		TombstoneTTL:         configViper.GetDuration("store.tombstone_ttl"),
		LogLevel:             configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func (c ClientConfig) validate() error {
	if c.Token == "" {
		return fmt.Errorf("session.token is required")
	}
	if err := validateURL("api.base_url", c.APIBaseURL, "http", "https"); err != nil {
		return err
	}
	switch c.Broker {
	case BrokerWebsocket:
		if err := validateURL("realtime.url", c.RealtimeURL, "ws", "wss"); err != nil {
			return err
		}
	case BrokerRedis:
		if c.RedisAddress == "" {
			return fmt.Errorf("redis.address is required for the redis broker")
		}
	default:
		return fmt.Errorf("realtime.broker must be %q or %q, got %q", BrokerWebsocket, BrokerRedis, c.Broker)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("realtime.reconnect_delay must be positive")
	}
	if c.MaxReconnectAttempts < 0 {
		return fmt.Errorf("realtime.max_reconnect_attempts must not be negative")
	}
	if c.OrphanTTL <= 0 {
		return fmt.Errorf("store.orphan_ttl must be positive")
	}
	if c.TombstoneTTL <= 0 {
		return fmt.Errorf("store.tombstone_ttl must be positive")
	}
	return nil
}

// LoadDevServer parses development backend configuration from viper.
func LoadDevServer(configViper *viper.Viper) (DevServerConfig, error) {
	cfg := DevServerConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenIssuer:    configViper.GetString("auth.issuer"),
		TokenAudience:  configViper.GetString("auth.audience"),
		TokenTTL:       configViper.GetDuration("auth.token_ttl"),
		AllowedOrigins: splitList(configViper.GetStringSlice("cors.allowed_origins")),
		PublishRedis:   configViper.GetBool("devserver.publish_redis"),
		RedisAddress:   strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:  configViper.GetString("redis.password"),
		RedisDB:        configViper.GetInt("redis.db"),
		LogLevel:       configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return DevServerConfig{}, err
	}

	return cfg, nil
}

func (c DevServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TokenIssuer) == "" || strings.TrimSpace(c.TokenAudience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.PublishRedis && c.RedisAddress == "" {
		return fmt.Errorf("redis.address is required when devserver.publish_redis is set")
	}
	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is invalid: %w", key, err)
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme && parsed.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s url", key, strings.Join(schemes, "/"))
}

// splitList accepts both list values and a single comma separated env value.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
