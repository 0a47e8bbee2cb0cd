package bigfs

import (
	"context"

	"github.com/beam-cloud/bigfs/pkg/config"
	"github.com/beam-cloud/bigfs/pkg/metrics"
	"github.com/beam-cloud/bigfs/pkg/mount"
	"github.com/beam-cloud/bigfs/pkg/vfs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetLogLevel applies a log_level value to the global zerolog level. It
// accepts the same names as config validation.
func SetLogLevel(level string) error {
	l, err := config.ParseLogLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(l)
	log.Trace().Str("level", l.String()).Msg("log level set")
	return nil
}

// Open builds an overlay from cfg. Explicit archives are registered first,
// in order, followed by each scanned directory. Containers that fail to
// open are logged and skipped.
func Open(ctx context.Context, cfg *config.Config) (*vfs.FileSystem, error) {
	opts := cfg.Options()
	opts.Metrics = metrics.NewMetrics()

	v, err := vfs.New(opts)
	if err != nil {
		return nil, err
	}

	if _, err := v.LoadArchives(ctx, cfg.ArchiveSpecs()); err != nil {
		v.Close()
		return nil, err
	}

	for _, d := range cfg.ArchiveDirs {
		if _, err := v.LoadArchivesFromDirectory(ctx, d.Dir, d.Pattern, d.Overwrite); err != nil {
			if ctx.Err() != nil {
				v.Close()
				return nil, ctx.Err()
			}
			log.Warn().Err(err).Str("dir", d.Dir).Msg("unable to scan archive directory, skipping")
		}
	}

	log.Info().Int("archives", len(v.Archives())).Msg("overlay ready")
	return v, nil
}

// OpenPaths builds an overlay from container paths given on a command line.
// Later containers overwrite earlier ones.
func OpenPaths(ctx context.Context, paths []string, diskRoot string) (*vfs.FileSystem, error) {
	cfg := config.Default()
	cfg.DiskRoot = diskRoot
	for _, p := range paths {
		cfg.Archives = append(cfg.Archives, config.ArchiveConfig{Path: p, Overwrite: true})
	}
	return Open(ctx, cfg)
}

type MountOptions struct {
	FS         *vfs.FileSystem
	MountPoint string
	Decompress bool
}

func Mount(options MountOptions) (func() error, <-chan error, *fuse.Server, error) {
	return mount.Serve(options.FS, options.MountPoint, mount.Options{Decompress: options.Decompress})
}
