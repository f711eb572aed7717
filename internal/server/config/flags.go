package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/sessionkeeper/internal/flagx"
)

var serverFlags = []string{"-a", "-h", "-m", "-d", "-s", "-k", "-t", "-r", "-b", "-R", "-p", "-D", "-o", "-S", "-l"}

// parseFlags populates server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   gRPC bind address (e.g., ":50051")
//	-h string   HTTP bind address (e.g., ":8080")
//	-m string   metrics bind address (e.g., ":9090")
//	-d string   PostgreSQL DSN
//	-s string   access token HMAC key
//	-k string   refresh token HMAC key
//	-t int      access token validity, minutes
//	-r int      refresh token validity, minutes
//	-b string   refresh record backend: postgres, redis, memory
//	-R string   Redis address
//	-p string   replay policy: revoke_chain, report_only
//	-D int      max chain depth walked on replay
//	-o int      per-operation timeout, seconds
//	-S          mark the refresh cookie Secure
//	-l string   log level
//
// Duration flags are accepted as integers and converted to time.Duration.
func parseFlags(config *Config) {
	args := flagx.FilterArgsWithBools(os.Args[1:], serverFlags, []string{"-S"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "gRPC address and port")
	fs.StringVar(&config.EndpointAddrHTTP, "h", config.EndpointAddrHTTP, "HTTP address and port")
	fs.StringVar(&config.MetricsAddr, "m", config.MetricsAddr, "metrics address and port")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.AccessSecretKey, "s", config.AccessSecretKey, "access token secret key")
	fs.StringVar(&config.RefreshSecretKey, "k", config.RefreshSecretKey, "refresh token secret key")

	accessTokenValidityDuration := fs.Int("t", int(config.AccessTokenValidityDuration.Minutes()), "access token validity (in minutes)")
	refreshTokenValidityDuration := fs.Int("r", int(config.RefreshTokenValidityDuration.Minutes()), "refresh token validity (in minutes)")

	fs.StringVar(&config.StoreBackend, "b", config.StoreBackend, "refresh record backend")
	fs.StringVar(&config.RedisAddr, "R", config.RedisAddr, "redis address")
	fs.StringVar(&config.ReplayPolicy, "p", config.ReplayPolicy, "replay policy")
	fs.IntVar(&config.MaxChainDepth, "D", config.MaxChainDepth, "max chain depth")

	operationTimeout := fs.Int("o", int(config.OperationTimeout.Seconds()), "operation timeout (in seconds)")

	fs.BoolVar(&config.CookieSecure, "S", config.CookieSecure, "secure refresh cookie")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.AccessTokenValidityDuration = time.Duration(*accessTokenValidityDuration) * time.Minute
	config.RefreshTokenValidityDuration = time.Duration(*refreshTokenValidityDuration) * time.Minute
	config.OperationTimeout = time.Duration(*operationTimeout) * time.Second
}
