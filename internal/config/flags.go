package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/harmony/internal/flagx"
)

// parseFlags overlays Config fields from command-line flags.
//
//	-a string   gRPC bind address
//	-D string   database driver ("sqlite" or "pgx")
//	-d string   database DSN
//	-s string   JWT HMAC secret
//	-t int      token validity, minutes
//	-k string   credential sealing passphrase
//	-l int      lease timeout, seconds
//	-h int      heartbeat interval, seconds
//	-i int      harmonize interval, seconds
//	-T int      transport timeout, seconds
//	-n int      parallel collections per account
//	-m int      parallel accounts
//	-r int      chronicle retention, hours
//	-L string   log level (debug, info, warn, error)
//	-u string   S3 access key
//	-p string   S3 secret key
//	-b string   S3 bucket; empty disables archiving
//	-g string   S3 region
//	-e string   S3 endpoint
//
// Durations are whole units as documented. Unknown arguments are filtered
// out with flagx.FilterArgs before parsing.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{
		"-a", "-D", "-d", "-s", "-t", "-k", "-l", "-h", "-i", "-T",
		"-n", "-m", "-r", "-L", "-u", "-p", "-b", "-g", "-e",
	})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.GRPCAddr, "a", config.GRPCAddr, "address and port of the trigger endpoint")
	fs.StringVar(&config.DatabaseDriver, "D", config.DatabaseDriver, "database driver")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")
	tokenValidity := fs.Int("t", int(config.TokenValidity.Minutes()), "token validity (in minutes)")
	fs.StringVar(&config.SealKey, "k", config.SealKey, "credential sealing passphrase")

	leaseTimeout := fs.Int("l", int(config.LeaseTimeout.Seconds()), "lease timeout (in seconds)")
	heartbeat := fs.Int("h", int(config.HeartbeatInterval.Seconds()), "lease heartbeat interval (in seconds)")
	interval := fs.Int("i", int(config.HarmonizeInterval.Seconds()), "harmonize interval (in seconds)")
	transportTimeout := fs.Int("T", int(config.TransportTimeout.Seconds()), "remote call timeout (in seconds)")

	fs.IntVar(&config.MaxParallelCollections, "n", config.MaxParallelCollections, "parallel collections per account")
	fs.IntVar(&config.MaxParallelAccounts, "m", config.MaxParallelAccounts, "parallel accounts")
	retention := fs.Int("r", int(config.ChronicleRetention.Hours()), "chronicle retention (in hours)")
	fs.StringVar(&config.LogLevel, "L", config.LogLevel, "log level")

	fs.StringVar(&config.S3AccessKey, "u", config.S3AccessKey, "S3 access key")
	fs.StringVar(&config.S3SecretKey, "p", config.S3SecretKey, "S3 secret key")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 archive bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3Endpoint, "e", config.S3Endpoint, "S3 endpoint")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.TokenValidity = time.Duration(*tokenValidity) * time.Minute
	config.LeaseTimeout = time.Duration(*leaseTimeout) * time.Second
	config.HeartbeatInterval = time.Duration(*heartbeat) * time.Second
	config.HarmonizeInterval = time.Duration(*interval) * time.Second
	config.TransportTimeout = time.Duration(*transportTimeout) * time.Second
	config.ChronicleRetention = time.Duration(*retention) * time.Hour
}
