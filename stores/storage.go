package stores

import (
	"context"
	"fmt"

	"github.com/maandhruv/collab-whiteboard/config"
	"github.com/maandhruv/collab-whiteboard/core"
	"github.com/maandhruv/collab-whiteboard/stores/aws"
	"github.com/maandhruv/collab-whiteboard/stores/breaker"
	"github.com/maandhruv/collab-whiteboard/stores/filesystem"
	"github.com/maandhruv/collab-whiteboard/stores/memory"
	"github.com/maandhruv/collab-whiteboard/stores/sqlite"
	"github.com/sirupsen/logrus"
)

// GetStore opens the durable store selected by cfg.StorageType.
func GetStore(ctx context.Context, cfg *config.Config) (core.Store, error) {
	var (
		store core.Store
		err   error
	)

	storageField := logrus.Fields{
		"storageType": cfg.StorageType,
	}

	switch cfg.StorageType {
	case "filesystem":
		storageField["basePath"] = cfg.LocalStoragePath
		store, err = filesystem.NewStore(cfg.LocalStoragePath)
	case "sqlite":
		storageField["dataSourceName"] = cfg.DatabaseURL
		storageField["cgo"] = sqlite.CGOEnabled
		store, err = sqlite.NewStore(cfg.DatabaseURL)
	case "s3":
		storageField["bucketName"] = cfg.S3BucketName
		if cfg.S3Endpoint != "" {
			storageField["endpoint"] = cfg.S3Endpoint
		}
		store, err = aws.NewStore(ctx, cfg.S3BucketName, cfg.S3Endpoint)
	case "memory":
		store = memory.NewStore()
		storageField["storageType"] = "in-memory"
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.StorageType)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StorageType, err)
	}

	if cfg.StoreBreaker && cfg.StorageType != "memory" {
		store = breaker.Wrap(store, breaker.DefaultConfig(cfg.StorageType))
		storageField["breaker"] = true
	}

	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}
