// Package config loads runtime configuration for the signing client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via -c/-config or
//     $CRDTSIGN_CONFIG. Comments and trailing commas are accepted.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// # JSON schema
//
// Intervals use timex.Duration, so values can be either strings like "30s"
// or integer nanoseconds:
//
//	{
//	  "server_endpoint_addr": "127.0.0.1:50051",
//	  "room": "file-signatures",
//	  "storage_dir": "./data/client",
//	  "retention_days": 90,
//	  "persist_interval": "30s",
//	  "snapshot_backend": "s3",
//	  "s3_bucket": "signatures",
//	  "s3_prefix": "alice"
//	}
package config
