package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// Config holds everything the server needs at startup. Values come from
// environment variables (ADDR, DB_DSN, REDIS_ADDR, ...) with sane defaults
// for local development.
type Config struct {
	Addr        string `mapstructure:"addr"`
	DatabaseDSN string `mapstructure:"db_dsn"`

	// RedisAddr enables the multi-process broadcast backplane when set.
	// Empty means single-process, in-memory broadcast only.
	RedisAddr string `mapstructure:"redis_addr"`

	JWTSecret string `mapstructure:"jwt_secret"`

	// AuthProvider selects the credential scheme: "local" (self-issued HS256
	// tokens) or "external" (third-party identity provider tokens).
	AuthProvider         string `mapstructure:"auth_provider"`
	ProviderTokenInfoURL string `mapstructure:"auth_token_info_url"`

	// KafkaBrokers enables push-notification fan-out when non-empty.
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	PushTopic    string   `mapstructure:"push_topic"`

	Development bool `mapstructure:"dev"`
}

const (
	ProviderLocal    = "local"
	ProviderExternal = "external"
)

func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("addr", ":8080")
	v.SetDefault("db_dsn", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("auth_provider", ProviderLocal)
	v.SetDefault("auth_token_info_url", "")
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("push_topic", "push.dispatch")
	v.SetDefault("dev", false)

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, err
	}

	// viper reads KAFKA_BROKERS as a single string; split on commas.
	if len(c.KafkaBrokers) == 1 {
		c.KafkaBrokers = splitNonEmpty(c.KafkaBrokers[0])
	}

	if c.DatabaseDSN == "" {
		return nil, errors.New("DB_DSN is not set")
	}
	if c.AuthProvider != ProviderLocal && c.AuthProvider != ProviderExternal {
		return nil, errors.New("AUTH_PROVIDER must be 'local' or 'external'")
	}
	if c.AuthProvider == ProviderLocal && c.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is not set")
	}
	return &c, nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
