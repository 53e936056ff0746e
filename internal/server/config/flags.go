package config

import (
	"flag"
	"os"

	"github.com/dmitrijs2005/crdtsign/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   gRPC bind address (e.g., ":50051")
//	-s string   room log directory
//	-b string   room log backend: file | postgres
//	-d string   PostgreSQL DSN
//	-z string   log record compression: none | lz4 | zstd
//	-q int      per-client send queue size
//	-k int      compaction threshold (records), 0 disables
//	-l string   log level
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with -c/-config.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-s", "-b", "-d", "-z", "-q", "-k", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "address and port to run server")
	fs.StringVar(&config.StoreDir, "s", config.StoreDir, "room log directory")
	fs.StringVar(&config.LogBackend, "b", config.LogBackend, "room log backend (file|postgres)")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.LogCompression, "z", config.LogCompression, "log compression (none|lz4|zstd)")
	fs.IntVar(&config.QueueSize, "q", config.QueueSize, "per-client send queue size")
	fs.IntVar(&config.CompactThreshold, "k", config.CompactThreshold, "compaction threshold in records")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
