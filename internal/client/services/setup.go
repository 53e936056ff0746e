package services

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/dmitrijs2005/crdtsign/internal/client/config"
	"github.com/dmitrijs2005/crdtsign/internal/filex"
	"github.com/dmitrijs2005/crdtsign/internal/logging"
	"github.com/dmitrijs2005/crdtsign/internal/retention"
	"github.com/dmitrijs2005/crdtsign/internal/storage/blob"
	"github.com/dmitrijs2005/crdtsign/internal/storage/compress"
	"github.com/dmitrijs2005/crdtsign/internal/storage/snapshot"
)

// PolicyFile is the retention policy file looked up in the storage dir.
const PolicyFile = "data_retention.yaml"

const defaultCompression = compress.Zstd

// newS3Store is a seam for tests.
var newS3Store = func(ctx context.Context, o blob.S3Options) (blob.Store, error) {
	return blob.NewS3Store(ctx, o)
}

func fileSnapshots(dir string, tag compress.Tag, l logging.Logger) (*snapshot.Store, error) {
	fs, err := blob.NewFileStore(dir)
	if err != nil {
		return nil, fmt.Errorf("snapshot dir: %w", err)
	}
	return snapshot.New(fs, tag, l), nil
}

// ResolvePolicy returns the retention policy in effect: overrideDays when
// it is zero or more, otherwise the policy file in dir. A missing file
// disables retention.
func ResolvePolicy(dir string, overrideDays int) (retention.Policy, error) {
	if overrideDays >= 0 {
		return retention.Policy{PeriodDays: overrideDays}, nil
	}
	p, _, err := retention.LoadPolicy(filepath.Join(dir, PolicyFile))
	return p, err
}

// NewFromConfig builds a SignatureService from client configuration.
func NewFromConfig(ctx context.Context, c *config.Config, l logging.Logger) (SignatureService, error) {
	tag, err := compress.ParseTag(c.SnapshotCompression)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if _, err := filex.EnsureDir(c.StorageDir); err != nil {
		return nil, fmt.Errorf("storage dir: %w", err)
	}

	var snaps *snapshot.Store
	switch c.SnapshotBackend {
	case config.BackendFile, "":
		if snaps, err = fileSnapshots(c.StorageDir, tag, l); err != nil {
			return nil, err
		}
	case config.BackendS3:
		store, err := newS3Store(ctx, blob.S3Options{
			Bucket:    c.S3Bucket,
			Prefix:    c.S3Prefix,
			Region:    c.S3Region,
			Endpoint:  c.S3Endpoint,
			AccessKey: c.S3AccessKey,
			SecretKey: c.S3SecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("snapshot backend init error: %w", err)
		}
		snaps = snapshot.New(store, tag, l)
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", c.SnapshotBackend)
	}

	policy, err := ResolvePolicy(c.StorageDir, c.RetentionDays)
	if err != nil {
		return nil, err
	}

	return NewSignatureService(ctx, Options{
		StorageDir:      c.StorageDir,
		Room:            c.Room,
		Snapshots:       snaps,
		Policy:          policy,
		PersistInterval: c.PersistInterval,
	}, l)
}
