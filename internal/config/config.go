// Package config holds the harmonyd settings: defaults first, then an
// optional JSON file (-c/-config), then short command-line flags.
package config

import "time"

// Config holds runtime settings for harmonyd.
//
// Fields:
//   - GRPCAddr: bind address of the trigger endpoint.
//   - DatabaseDriver / DatabaseDSN: "sqlite" (default) or "pgx" and its DSN.
//   - SecretKey: HMAC secret for trigger tokens (HS256).
//   - TokenValidity: lifetime of tokens minted by harmonyctl.
//   - SealKey: passphrase sealing remote credentials at rest.
//   - LeaseTimeout / HeartbeatInterval: account lease settings; the interval
//     must stay below half the timeout.
//   - HarmonizeInterval: period of scheduled cycles.
//   - TransportTimeout: bound on each remote call.
//   - MaxParallelCollections / MaxParallelAccounts: fan-out limits.
//   - ChronicleRetention: age after which chronicle records are trimmed.
//   - S3*: chronicle archive; archiving is off while S3Bucket is empty.
type Config struct {
	GRPCAddr               string
	DatabaseDriver         string
	DatabaseDSN            string
	SecretKey              string
	TokenValidity          time.Duration
	SealKey                string
	LeaseTimeout           time.Duration
	HeartbeatInterval      time.Duration
	HarmonizeInterval      time.Duration
	TransportTimeout       time.Duration
	MaxParallelCollections int
	MaxParallelAccounts    int
	ChronicleRetention     time.Duration
	LogLevel               string
	S3AccessKey            string
	S3SecretKey            string
	S3Bucket               string
	S3Region               string
	S3Endpoint             string
}

// LoadDefaults populates Config with development defaults.
// NOTE: the secrets are placeholders and must be overridden in production.
func (c *Config) LoadDefaults() {
	c.GRPCAddr = ":50061"
	c.DatabaseDriver = "sqlite"
	c.DatabaseDSN = "harmony.db"
	c.SecretKey = "secretKey"
	c.TokenValidity = 60 * time.Minute
	c.SealKey = "sealKey"
	c.LeaseTimeout = 60 * time.Second
	c.HeartbeatInterval = 20 * time.Second
	c.HarmonizeInterval = 5 * time.Minute
	c.TransportTimeout = 30 * time.Second
	c.MaxParallelCollections = 2
	c.MaxParallelAccounts = 4
	c.ChronicleRetention = 30 * 24 * time.Hour
	c.LogLevel = "info"
	c.S3Region = "us-east-1"
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
