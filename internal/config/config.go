package config

import (
	"io/ioutil"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// NegotiationConfig tunes the offer lifecycle and delivery paths.
type NegotiationConfig struct {
	OfferTTL      time.Duration `yaml:"offer_ttl"`      // deadline for proposed/countered offers
	SweepInterval time.Duration `yaml:"sweep_interval"` // expiration sweeper tick
	SweepBatch    int           `yaml:"sweep_batch"`    // max offers expired per tick
	WriteTimeout  time.Duration `yaml:"write_timeout"`  // per-connection push deadline
	PingInterval  time.Duration `yaml:"ping_interval"`  // websocket keepalive
	PendingTTL    time.Duration `yaml:"pending_ttl"`    // offline message retention
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	cfg.Negotiation.applyDefaults()
	return &cfg, nil
}

func (n *NegotiationConfig) applyDefaults() {
	if n.OfferTTL <= 0 {
		n.OfferTTL = 24 * time.Hour
	}
	if n.SweepInterval <= 0 {
		n.SweepInterval = 60 * time.Second
	}
	if n.SweepBatch <= 0 {
		n.SweepBatch = 100
	}
	if n.WriteTimeout <= 0 {
		n.WriteTimeout = 5 * time.Second
	}
	if n.PingInterval <= 0 {
		n.PingInterval = 30 * time.Second
	}
	if n.PendingTTL <= 0 {
		n.PendingTTL = 7 * 24 * time.Hour
	}
}
