package destination

import (
	"context"
	"fmt"

	"dbackup/internal/backup"
	"dbackup/internal/config"
)

// NewDestinationFromConfig creates a Destination implementation based on
// the destination config type.
func NewDestinationFromConfig(ctx context.Context, cfg config.DestinationConfig) (backup.Destination, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryDestination(cfg.Name), nil
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem destination requires root to be set")
		}
		return NewFileSystemDestination(cfg.Name, cfg.Root)
	case "s3":
		return NewS3Destination(ctx, cfg.Name, S3Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	case "sftp":
		return NewSFTPDestination(cfg.Name, SFTPOptions{
			Host:     cfg.SFTPHost,
			Port:     cfg.SFTPPort,
			Username: cfg.SFTPUsername,
			Password: cfg.SFTPPassword,
			Root:     cfg.SFTPRoot,
		})
	default:
		return nil, fmt.Errorf("unknown destination type: %s", cfg.Type)
	}
}

// BuildRegistry constructs the destination registry from configuration.
// A destination that fails to construct is skipped with a warning; one
// misconfigured destination must never prevent the others from being
// usable.
func BuildRegistry(ctx context.Context, cfgs []config.DestinationConfig, logger backup.Logger) *backup.Registry {
	registry := backup.NewRegistry()
	for _, cfg := range cfgs {
		dest, err := NewDestinationFromConfig(ctx, cfg)
		if err != nil {
			logger.Warn("skipping misconfigured destination", "type", cfg.Type, "name", cfg.Name, "error", err)
			continue
		}
		registry.Register(dest)
	}
	return registry
}
