package config

import "time"

const (
	BackendFile = "file"
	BackendS3   = "s3"
)

// Config holds runtime settings for the signing client.
//
// RetentionDays below zero means "use the data_retention.yaml policy file
// in StorageDir"; zero or more overrides it.
type Config struct {
	ServerEndpointAddr  string
	Room                string
	StorageDir          string
	RetentionDays       int
	PersistInterval     time.Duration
	ConnectTimeout      time.Duration
	SnapshotBackend     string
	SnapshotCompression string
	LogLevel            string

	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "127.0.0.1:50051"
	c.Room = "file-signatures"
	c.StorageDir = "./data/client"
	c.RetentionDays = -1
	c.PersistInterval = 30 * time.Second
	c.ConnectTimeout = 5 * time.Second
	c.SnapshotBackend = BackendFile
	c.SnapshotCompression = "zstd"
	c.LogLevel = "warn"
	c.S3AccessKey = "admin"
	c.S3SecretKey = "secretpassword"
	c.S3Bucket = "signatures"
	c.S3Region = "us-east-1"
	c.S3Endpoint = "http://127.0.0.1:9000/"
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
