package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/crdtsign/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   address and port of the room server
//	-r string   room name
//	-w string   storage directory
//	-p int      retention period override in days (-1 uses the policy file)
//	-f int      persist interval in seconds (0 disables periodic persist)
//	-b string   snapshot backend: file | s3
//	-u string   S3 access key
//	-x string   S3 secret key
//	-n string   S3 bucket
//	-g string   S3 region
//	-e string   S3 endpoint
//
// Note: The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	// Filter args to include only those handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-r", "-w", "-p", "-f", "-b", "-u", "-x", "-n", "-g", "-e"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerEndpointAddr, "a", cfg.ServerEndpointAddr, "address and port to access server")
	fs.StringVar(&cfg.Room, "r", cfg.Room, "room name")
	fs.StringVar(&cfg.StorageDir, "w", cfg.StorageDir, "storage directory")
	fs.IntVar(&cfg.RetentionDays, "p", cfg.RetentionDays, "retention period in days (-1 = policy file)")
	persistInterval := fs.Int("f", int(cfg.PersistInterval.Seconds()), "persist interval (in seconds)")
	fs.StringVar(&cfg.SnapshotBackend, "b", cfg.SnapshotBackend, "snapshot backend (file|s3)")
	fs.StringVar(&cfg.S3AccessKey, "u", cfg.S3AccessKey, "S3 access key")
	fs.StringVar(&cfg.S3SecretKey, "x", cfg.S3SecretKey, "S3 secret key")
	fs.StringVar(&cfg.S3Bucket, "n", cfg.S3Bucket, "S3 bucket")
	fs.StringVar(&cfg.S3Region, "g", cfg.S3Region, "S3 region")
	fs.StringVar(&cfg.S3Endpoint, "e", cfg.S3Endpoint, "S3 endpoint")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.PersistInterval = time.Duration(*persistInterval) * time.Second
}
