package config

import (
	"time"

	"github.com/dmitrijs2005/crdtsign/internal/flagx"
	"github.com/dmitrijs2005/crdtsign/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling.
// It relies on timex.Duration so JSON can specify intervals either as
// strings like "3s" or as integer nanoseconds.
type JsonConfig struct {
	ServerEndpointAddr  string          `json:"server_endpoint_addr"`
	Room                string          `json:"room"`
	StorageDir          string          `json:"storage_dir"`
	RetentionDays       *int            `json:"retention_days"`
	PersistInterval     *timex.Duration `json:"persist_interval"`
	ConnectTimeout      timex.Duration  `json:"connect_timeout"`
	SnapshotBackend     string          `json:"snapshot_backend"`
	SnapshotCompression string          `json:"snapshot_compression"`
	LogLevel            string          `json:"log_level"`
	S3AccessKey         string          `json:"s3_access_key"`
	S3SecretKey         string          `json:"s3_secret_key"`
	S3Bucket            string          `json:"s3_bucket"`
	S3Prefix            string          `json:"s3_prefix"`
	S3Region            string          `json:"s3_region"`
	S3Endpoint          string          `json:"s3_endpoint"`
}

// parseJson overlays Config with values loaded from a JSON file named by
// -c/-config or $CRDTSIGN_CONFIG. Keys absent from the file keep their
// current values. Panics on read or parse errors.
//
// Intended usage is: defaults -> parseJson -> parseFlags, where later stages
// override earlier ones.
func parseJson(cfg *Config) {
	// Resolve file path from flags.
	jsonConfigFile := flagx.ConfigPath()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig
	if err := flagx.ReadJSONC(jsonConfigFile, &jc); err != nil {
		panic(err)
	}

	setString(&cfg.ServerEndpointAddr, jc.ServerEndpointAddr)
	setString(&cfg.Room, jc.Room)
	setString(&cfg.StorageDir, jc.StorageDir)
	setString(&cfg.SnapshotBackend, jc.SnapshotBackend)
	setString(&cfg.SnapshotCompression, jc.SnapshotCompression)
	setString(&cfg.LogLevel, jc.LogLevel)
	setString(&cfg.S3AccessKey, jc.S3AccessKey)
	setString(&cfg.S3SecretKey, jc.S3SecretKey)
	setString(&cfg.S3Bucket, jc.S3Bucket)
	setString(&cfg.S3Prefix, jc.S3Prefix)
	setString(&cfg.S3Region, jc.S3Region)
	setString(&cfg.S3Endpoint, jc.S3Endpoint)

	if jc.RetentionDays != nil {
		cfg.RetentionDays = *jc.RetentionDays
	}
	if jc.PersistInterval != nil {
		cfg.PersistInterval = time.Duration(jc.PersistInterval.Duration)
	}
	if jc.ConnectTimeout.Duration > 0 {
		cfg.ConnectTimeout = time.Duration(jc.ConnectTimeout.Duration)
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
