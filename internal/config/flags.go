package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/pdcretail/possync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   base URL of the central sync API
//	-d string   SQLite DSN of the durable store
//	-p string   comma-separated reachability probe endpoints
//	-i int      probe interval in seconds
//
// The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-p", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerBaseURL, "a", cfg.ServerBaseURL, "base URL of the central sync API")
	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "SQLite DSN of the durable store")
	probes := fs.String("p", "", "comma-separated probe endpoints")
	interval := fs.Int("i", int(cfg.ProbeInterval.Seconds()), "probe interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	if *probes != "" {
		cfg.ProbeEndpoints = strings.Split(*probes, ",")
	}
	cfg.ProbeInterval = time.Duration(*interval) * time.Second
}
