// Package config defines the indexer's settings and how they are loaded.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"PerpIndexer/internal/core"
	"PerpIndexer/internal/state"
)

// Config is the root configuration, mirroring the TOML file layout.
type Config struct {
	Store    StoreConfig    `toml:"store"`
	NATS     NATSConfig     `toml:"nats"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Engine   EngineConfig   `toml:"engine"`
	Protocol ProtocolConfig `toml:"protocol"`
	LogLevel string         `toml:"log_level"`
}

// StoreConfig selects the entity store backend.
type StoreConfig struct {
	Driver       string `toml:"driver"` // memory, postgres or sqlite
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
	BatchSize    int    `toml:"batch_size"`
	Migrate      bool   `toml:"migrate"`
}

// NATSConfig locates the decoded-event stream. An empty URL disables the
// consumer and outbound notices.
type NATSConfig struct {
	URL     string   `toml:"url"`
	Stream  string   `toml:"stream"`
	Subject string   `toml:"subject"`
	Durable string   `toml:"durable"`
	MaxAge  duration `toml:"max_age"`
	Publish bool     `toml:"publish"`
}

// RedisConfig configures the entity cache, funding history and writer lock.
// An empty Addr falls back to an in-process store.
type RedisConfig struct {
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	EntityTTL  duration `toml:"entity_ttl"`
	LockKey    string   `toml:"lock_key"`
	LockTTL    duration `toml:"lock_ttl"`
}

// S3Config configures checkpoint archiving. An empty Bucket disables it.
type S3Config struct {
	Bucket    string   `toml:"bucket"`
	Prefix    string   `toml:"prefix"`
	Region    string   `toml:"region"`
	Endpoint  string   `toml:"endpoint"`
	AccessKey string   `toml:"access_key"`
	SecretKey string   `toml:"secret_key"`
	Interval  duration `toml:"interval"`
}

type ServerConfig struct {
	HTTPAddr       string   `toml:"http_addr"`
	GRPCAddr       string   `toml:"grpc_addr"`
	RequestTimeout duration `toml:"request_timeout"`
}

// EngineConfig tunes the accounting engine and its output fan-out.
type EngineConfig struct {
	LRUSize            int      `toml:"lru_size"`
	OutputBuffer       int      `toml:"output_buffer"`
	IngestBuffer       int      `toml:"ingest_buffer"`
	ProtocolFeeDebit   string   `toml:"protocol_fee_debit"`
	CollateralDecimals int32    `toml:"collateral_decimals"`
	FundingHistoryLen  int      `toml:"funding_history_len"`
	SnapshotInterval   duration `toml:"snapshot_interval"`
	SnapshotKeep       int      `toml:"snapshot_keep"`
}

// ProtocolConfig is stamped on the Protocol row when it is first created.
type ProtocolConfig struct {
	Network         string `toml:"network"`
	ChainID         string `toml:"chain_id"`
	ContractVersion string `toml:"contract_version"`
}

// Meta converts the protocol settings to the engine's form.
func (p ProtocolConfig) Meta() state.ProtocolMeta {
	return state.ProtocolMeta{
		Network:         p.Network,
		ChainID:         p.ChainID,
		ContractVersion: p.ContractVersion,
	}
}

// duration decodes TOML strings such as "30s" or "5m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration: an in-memory store, no
// external services, local listen addresses.
func Defaults() Config {
	return Config{
		Store: StoreConfig{
			Driver:       "memory",
			MaxOpenConns: 20,
			MaxIdleConns: 10,
			BatchSize:    500,
			Migrate:      true,
		},
		NATS: NATSConfig{
			Stream:  "PERP_CHAIN_EVENTS",
			Subject: "perp.chain.events.>",
			Durable: "perp-indexer",
			MaxAge:  duration{72 * time.Hour},
			Publish: true,
		},
		Redis: RedisConfig{
			PoolSize:   10,
			MaxRetries: 3,
			EntityTTL:  duration{10 * time.Minute},
			LockKey:    "perp:indexer:writer",
			LockTTL:    duration{15 * time.Second},
		},
		S3: S3Config{
			Prefix:   "perp-indexer",
			Region:   "us-east-1",
			Interval: duration{time.Hour},
		},
		Server: ServerConfig{
			HTTPAddr:       ":8080",
			GRPCAddr:       ":9090",
			RequestTimeout: duration{30 * time.Second},
		},
		Engine: EngineConfig{
			LRUSize:            10_000,
			OutputBuffer:       4096,
			IngestBuffer:       1024,
			ProtocolFeeDebit:   core.FeeDebitProtocolFee,
			CollateralDecimals: 18,
			FundingHistoryLen:  500,
			SnapshotInterval:   duration{10 * time.Minute},
			SnapshotKeep:       24,
		},
		Protocol: ProtocolConfig{
			Network: "mainnet",
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Store.Driver) {
	case "memory":
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Sprintf("store: dsn is required for driver %q", c.Store.Driver))
		}
		if c.Store.MaxOpenConns <= 0 {
			errs = append(errs, "store: max_open_conns must be positive")
		}
		if c.Store.BatchSize <= 0 {
			errs = append(errs, "store: batch_size must be positive")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: memory, postgres, sqlite)", c.Store.Driver))
	}

	if c.NATS.URL != "" {
		if c.NATS.Stream == "" || c.NATS.Subject == "" || c.NATS.Durable == "" {
			errs = append(errs, "nats: stream, subject and durable must be set")
		}
	}

	if c.Redis.Addr != "" && c.Redis.LockKey == "" {
		errs = append(errs, "redis: lock_key must not be empty")
	}
	if c.Redis.LockTTL.Duration <= 0 {
		errs = append(errs, "redis: lock_ttl must be positive")
	}

	if c.S3.Bucket != "" && c.S3.Interval.Duration <= 0 {
		errs = append(errs, "s3: interval must be positive")
	}

	if c.Server.HTTPAddr == "" {
		errs = append(errs, "server: http_addr must not be empty")
	}

	switch c.Engine.ProtocolFeeDebit {
	case core.FeeDebitProtocolFee, core.FeeDebitInsuranceFund:
	default:
		errs = append(errs, fmt.Sprintf("engine: protocol_fee_debit %q (valid: %s, %s)",
			c.Engine.ProtocolFeeDebit, core.FeeDebitProtocolFee, core.FeeDebitInsuranceFund))
	}
	if c.Engine.LRUSize <= 0 {
		errs = append(errs, "engine: lru_size must be positive")
	}
	if c.Engine.OutputBuffer <= 0 || c.Engine.IngestBuffer <= 0 {
		errs = append(errs, "engine: output_buffer and ingest_buffer must be positive")
	}
	if c.Engine.CollateralDecimals < 0 || c.Engine.CollateralDecimals > 36 {
		errs = append(errs, "engine: collateral_decimals must be within [0, 36]")
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}
