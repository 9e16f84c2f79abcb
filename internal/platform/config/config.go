// Package config loads service configuration from defaults, an optional YAML
// file named by CONFIG_FILE, and environment variables, in that order.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr/nip19"
	"gopkg.in/yaml.v3"

	"nostrsync/pkg/platform/sentinel"
	pstrings "nostrsync/pkg/platform/strings"
)

// Config is the full service configuration.
type Config struct {
	Server   Server         `yaml:"server"`
	Nostr    NostrConfig    `yaml:"nostr"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Log      LogConfig      `yaml:"log"`
}

// Server captures the ops HTTP listener.
type Server struct {
	Addr string `yaml:"addr"`
}

// NostrConfig holds identity, relays and the publisher whitelist. Keys accept
// hex or NIP-19 (nsec/npub) and are normalized to hex by FromEnv.
type NostrConfig struct {
	SecretKey     string   `yaml:"secret_key"`
	Relays        []string `yaml:"relays"`
	Operators     []string `yaml:"operators"`
	RecordKinds   []int    `yaml:"record_kinds"`
	ReplacePolicy string   `yaml:"replace_policy"`
	Inbox         bool     `yaml:"inbox"`
}

// DatabaseConfig selects PostgreSQL. An empty URL runs on in-memory stores.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig enables the seen-event cache. An empty URL disables it.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SeenTTL      time.Duration `yaml:"seen_ttl"`
}

// KafkaConfig is the outbox sink. No brokers means notices stay in the outbox.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

type OutboxConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used before the file and environment are
// applied.
func Default() Config {
	return Config{
		Server: Server{Addr: ":8080"},
		Nostr: NostrConfig{
			RecordKinds:   []int{30402, 30403},
			ReplacePolicy: "first-seen",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			SeenTTL:      24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Topic:    "nostrsync.listings",
			ClientID: "nostrsync",
		},
		Outbox: OutboxConfig{
			PollInterval: time.Second,
			BatchSize:    100,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// FromEnv builds the configuration and validates it. Missing key material or
// relays are fatal.
func FromEnv() (Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.normalizeKeys(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: parse config file %s: %w", sentinel.ErrValidation, path, err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = pstrings.SplitList(v)
		}
	}
	var errs []error
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("NOSTRSYNC_ADDR", &c.Server.Addr)

	str("NOSTR_SECRET_KEY", &c.Nostr.SecretKey)
	list("NOSTR_RELAYS", &c.Nostr.Relays)
	list("NOSTR_OPERATORS", &c.Nostr.Operators)
	str("NOSTR_REPLACE_POLICY", &c.Nostr.ReplacePolicy)
	if v, ok := lookup("NOSTR_RECORD_KINDS"); ok && v != "" {
		kinds, err := parseKinds(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("NOSTR_RECORD_KINDS: %w", err))
		} else {
			c.Nostr.RecordKinds = kinds
		}
	}
	if v, ok := lookup("NOSTR_INBOX"); ok && v != "" {
		c.Nostr.Inbox = v == "true"
	}

	str("DATABASE_URL", &c.Database.URL)
	integer("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	integer("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	duration("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetime)

	str("REDIS_URL", &c.Redis.URL)
	integer("REDIS_POOL_SIZE", &c.Redis.PoolSize)
	duration("REDIS_SEEN_TTL", &c.Redis.SeenTTL)

	list("KAFKA_BROKERS", &c.Kafka.Brokers)
	str("KAFKA_TOPIC", &c.Kafka.Topic)
	str("KAFKA_CLIENT_ID", &c.Kafka.ClientID)

	duration("OUTBOX_POLL_INTERVAL", &c.Outbox.PollInterval)
	integer("OUTBOX_BATCH_SIZE", &c.Outbox.BatchSize)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", sentinel.ErrValidation, err)
	}
	return nil
}

func parseKinds(v string) ([]int, error) {
	var kinds []int
	for _, part := range pstrings.SplitList(v) {
		k, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func (c *Config) normalizeKeys() error {
	if c.Nostr.SecretKey != "" {
		sk, err := DecodeSecretKey(c.Nostr.SecretKey)
		if err != nil {
			return err
		}
		c.Nostr.SecretKey = sk
	}
	operators := make([]string, 0, len(c.Nostr.Operators))
	for _, op := range pstrings.DedupeAndTrim(c.Nostr.Operators) {
		pk, err := DecodePublicKey(op)
		if err != nil {
			return err
		}
		operators = append(operators, pk)
	}
	c.Nostr.Operators = pstrings.DedupeAndTrimLower(operators)
	c.Nostr.Relays = pstrings.DedupeAndTrim(c.Nostr.Relays)
	return nil
}

// Validate reports missing startup material.
func (c Config) Validate() error {
	var errs []error
	if c.Nostr.SecretKey == "" {
		errs = append(errs, errors.New("nostr secret key is required"))
	}
	if len(c.Nostr.Relays) == 0 {
		errs = append(errs, errors.New("at least one relay is required"))
	}
	for _, r := range c.Nostr.Relays {
		if !validRelayURL(r) {
			errs = append(errs, fmt.Errorf("invalid relay url %q", r))
		}
	}
	if len(c.Nostr.RecordKinds) == 0 {
		errs = append(errs, errors.New("at least one record kind is required"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka topic is required when brokers are set"))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("outbox batch size must be positive"))
	}
	if c.Outbox.PollInterval <= 0 {
		errs = append(errs, errors.New("outbox poll interval must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", sentinel.ErrValidation, err)
	}
	return nil
}

// DecodeSecretKey accepts a 64 char hex key or an nsec.
func DecodeSecretKey(value string) (string, error) {
	return decodeKey(value, "nsec")
}

// DecodePublicKey accepts a 64 char hex key or an npub.
func DecodePublicKey(value string) (string, error) {
	return decodeKey(value, "npub")
}

func decodeKey(value, prefix string) (string, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, prefix+"1") {
		got, data, err := nip19.Decode(value)
		if err != nil {
			return "", fmt.Errorf("%w: decode %s: %w", sentinel.ErrValidation, prefix, err)
		}
		key, ok := data.(string)
		if got != prefix || !ok {
			return "", fmt.Errorf("%w: expected %s, got %s", sentinel.ErrValidation, prefix, got)
		}
		return key, nil
	}
	if b, err := hex.DecodeString(value); err != nil || len(b) != 32 {
		return "", fmt.Errorf("%w: key is neither hex nor %s", sentinel.ErrValidation, prefix)
	}
	return strings.ToLower(value), nil
}

func validRelayURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "ws" || u.Scheme == "wss"
}
