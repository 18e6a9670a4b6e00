package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges, in order: the defaults, the TOML file at path (skipped when
// path is empty or the file does not exist), a .env file in the working
// directory, and PERP_* environment variables. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// .env is optional
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// store
	setStr(&cfg.Store.Driver, "PERP_STORE_DRIVER")
	setStr(&cfg.Store.DSN, "PERP_STORE_DSN")
	setStr(&cfg.Store.DSN, "PERP_POSTGRES_DSN")
	setInt(&cfg.Store.MaxOpenConns, "PERP_STORE_MAX_OPEN_CONNS")
	setInt(&cfg.Store.MaxIdleConns, "PERP_STORE_MAX_IDLE_CONNS")
	setInt(&cfg.Store.BatchSize, "PERP_STORE_BATCH_SIZE")
	setBool(&cfg.Store.Migrate, "PERP_STORE_MIGRATE")

	// nats
	setStr(&cfg.NATS.URL, "PERP_NATS_URL")
	setStr(&cfg.NATS.Stream, "PERP_NATS_STREAM")
	setStr(&cfg.NATS.Subject, "PERP_NATS_SUBJECT")
	setStr(&cfg.NATS.Durable, "PERP_NATS_DURABLE")
	setDuration(&cfg.NATS.MaxAge, "PERP_NATS_MAX_AGE")
	setBool(&cfg.NATS.Publish, "PERP_NATS_PUBLISH")

	// redis
	setStr(&cfg.Redis.Addr, "PERP_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PERP_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PERP_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "PERP_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "PERP_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "PERP_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.EntityTTL, "PERP_REDIS_ENTITY_TTL")
	setStr(&cfg.Redis.LockKey, "PERP_REDIS_LOCK_KEY")
	setDuration(&cfg.Redis.LockTTL, "PERP_REDIS_LOCK_TTL")

	// s3
	setStr(&cfg.S3.Bucket, "PERP_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "PERP_S3_PREFIX")
	setStr(&cfg.S3.Region, "PERP_S3_REGION")
	setStr(&cfg.S3.Endpoint, "PERP_S3_ENDPOINT")
	setStr(&cfg.S3.AccessKey, "PERP_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PERP_S3_SECRET_KEY")
	setDuration(&cfg.S3.Interval, "PERP_S3_INTERVAL")

	// server
	setStr(&cfg.Server.HTTPAddr, "PERP_HTTP_ADDR")
	setStr(&cfg.Server.GRPCAddr, "PERP_GRPC_ADDR")
	setDuration(&cfg.Server.RequestTimeout, "PERP_HTTP_REQUEST_TIMEOUT")

	// engine
	setInt(&cfg.Engine.LRUSize, "PERP_IDEMPOTENCY_LRU_CAPACITY")
	setInt(&cfg.Engine.OutputBuffer, "PERP_OUTPUT_BUFFER")
	setInt(&cfg.Engine.IngestBuffer, "PERP_INGEST_BUFFER")
	setStr(&cfg.Engine.ProtocolFeeDebit, "PERP_PROTOCOL_FEE_DEBIT")
	setInt32(&cfg.Engine.CollateralDecimals, "PERP_COLLATERAL_DECIMALS")
	setInt(&cfg.Engine.FundingHistoryLen, "PERP_FUNDING_HISTORY_LEN")
	setDuration(&cfg.Engine.SnapshotInterval, "PERP_SNAPSHOT_INTERVAL")
	setInt(&cfg.Engine.SnapshotKeep, "PERP_SNAPSHOT_KEEP")

	// protocol
	setStr(&cfg.Protocol.Network, "PERP_NETWORK")
	setStr(&cfg.Protocol.ChainID, "PERP_CHAIN_ID")
	setStr(&cfg.Protocol.ContractVersion, "PERP_CONTRACT_VERSION")

	setStr(&cfg.LogLevel, "PERP_LOG_LEVEL")
}

// The setters below only touch the target when the variable is set and
// parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
