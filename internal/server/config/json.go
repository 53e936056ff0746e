package config

import (
	"time"

	"github.com/dmitrijs2005/crdtsign/internal/flagx"
	"github.com/dmitrijs2005/crdtsign/internal/timex"
)

// JsonConfig is the on-disk shape of the server config file. It uses
// timex.Duration so intervals may be written as "10s" or as integer
// nanoseconds. Comments are allowed in the file.
type JsonConfig struct {
	EndpointAddrGRPC string         `json:"endpoint_addr_grpc"`
	StoreDir         string         `json:"store_dir"`
	LogBackend       string         `json:"log_backend"`
	DatabaseDSN      string         `json:"database_dsn"`
	LogCompression   string         `json:"log_compression"`
	QueueSize        int            `json:"queue_size"`
	CompactThreshold *int           `json:"compact_threshold"`
	LogLevel         string         `json:"log_level"`
	ShutdownTimeout  timex.Duration `json:"shutdown_timeout"`
}

// parseJson overlays values from the file named by -c/-config (or
// $CRDTSIGN_CONFIG) onto config. Absent keys keep their current values.
// An unreadable or invalid file panics.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.ConfigPath()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}
	if err := flagx.ReadJSONC(jsonConfigFile, c); err != nil {
		panic(err)
	}

	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.StoreDir, c.StoreDir)
	setString(&config.LogBackend, c.LogBackend)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.LogCompression, c.LogCompression)
	setString(&config.LogLevel, c.LogLevel)
	if c.QueueSize > 0 {
		config.QueueSize = c.QueueSize
	}
	if c.CompactThreshold != nil {
		config.CompactThreshold = *c.CompactThreshold
	}
	if c.ShutdownTimeout.Duration > 0 {
		config.ShutdownTimeout = time.Duration(c.ShutdownTimeout.Duration)
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
