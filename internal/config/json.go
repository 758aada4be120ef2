package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/harmony/internal/flagx"
	"github.com/dmitrijs2005/harmony/internal/timex"
)

// JsonConfig is the file form of Config. Durations accept "90s" style
// strings or integer nanoseconds. Absent fields keep their current value.
type JsonConfig struct {
	GRPCAddr               *string         `json:"grpc_addr"`
	DatabaseDriver         *string         `json:"database_driver"`
	DatabaseDSN            *string         `json:"database_dsn"`
	SecretKey              *string         `json:"secret_key"`
	TokenValidity          *timex.Duration `json:"token_validity"`
	SealKey                *string         `json:"seal_key"`
	LeaseTimeout           *timex.Duration `json:"lease_timeout"`
	HeartbeatInterval      *timex.Duration `json:"heartbeat_interval"`
	HarmonizeInterval      *timex.Duration `json:"harmonize_interval"`
	TransportTimeout       *timex.Duration `json:"transport_timeout"`
	MaxParallelCollections *int            `json:"max_parallel_collections"`
	MaxParallelAccounts    *int            `json:"max_parallel_accounts"`
	ChronicleRetention     *timex.Duration `json:"chronicle_retention"`
	LogLevel               *string         `json:"log_level"`
	S3AccessKey            *string         `json:"s3_access_key"`
	S3SecretKey            *string         `json:"s3_secret_key"`
	S3Bucket               *string         `json:"s3_bucket"`
	S3Region               *string         `json:"s3_region"`
	S3Endpoint             *string         `json:"s3_endpoint"`
}

// parseJson overlays config with the file named by -c or -config. Without
// either flag nothing is loaded. An unreadable or invalid file panics.
func parseJson(config *Config) {
	path := flagx.JsonConfigFlags()
	if path == "" {
		return
	}

	file, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}
	c.apply(config)
}

func (c *JsonConfig) apply(config *Config) {
	setString(&config.GRPCAddr, c.GRPCAddr)
	setString(&config.DatabaseDriver, c.DatabaseDriver)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setDuration(&config.TokenValidity, c.TokenValidity)
	setString(&config.SealKey, c.SealKey)
	setDuration(&config.LeaseTimeout, c.LeaseTimeout)
	setDuration(&config.HeartbeatInterval, c.HeartbeatInterval)
	setDuration(&config.HarmonizeInterval, c.HarmonizeInterval)
	setDuration(&config.TransportTimeout, c.TransportTimeout)
	if c.MaxParallelCollections != nil {
		config.MaxParallelCollections = *c.MaxParallelCollections
	}
	if c.MaxParallelAccounts != nil {
		config.MaxParallelAccounts = *c.MaxParallelAccounts
	}
	setDuration(&config.ChronicleRetention, c.ChronicleRetention)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.S3AccessKey, c.S3AccessKey)
	setString(&config.S3SecretKey, c.S3SecretKey)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3Endpoint, c.S3Endpoint)
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *timex.Duration) {
	if v != nil {
		*dst = v.Duration
	}
}
