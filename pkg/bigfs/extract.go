package bigfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/beam-cloud/bigfs/pkg/common"
	"github.com/beam-cloud/bigfs/pkg/vfs"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const extractLockName = ".bigfs-extract.lock"

type ExtractOptions struct {
	FS         *vfs.FileSystem
	OutputPath string
	Dir        string
	Pattern    string
	Decompress bool
	Workers    int
}

// Extract copies every matching file of the overlay below OutputPath,
// keeping its logical path. Only one extraction may target a directory at
// a time.
func Extract(ctx context.Context, options ExtractOptions) (int, error) {
	log.Info().Str("output", options.OutputPath).Str("pattern", options.Pattern).Msg("extracting files")

	if err := os.MkdirAll(options.OutputPath, 0755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %v", err)
	}

	lockPath := filepath.Join(options.OutputPath, extractLockName)
	fileLock := flock.New(lockPath)

	locked, err := fileLock.TryLock()
	if err != nil {
		return 0, fmt.Errorf("error while trying to acquire file lock: %v", err)
	}
	if !locked {
		return 0, fmt.Errorf("another extraction into %s is in progress", options.OutputPath)
	}
	defer os.Remove(lockPath)
	defer fileLock.Unlock()

	paths, err := options.FS.ListFiles(options.Dir, options.Pattern, true)
	if err != nil {
		return 0, err
	}

	workers := options.Workers
	if workers <= 0 {
		workers = 8
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return extractFile(options, p)
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	log.Info().Int("files", len(paths)).Msg("files extracted successfully")
	return len(paths), nil
}

func extractFile(options ExtractOptions, p string) error {
	segments := common.SplitPath(p)
	for _, seg := range segments {
		if seg == ".." {
			return fmt.Errorf("%s escapes the output directory: %w", p, common.ErrAccessDenied)
		}
	}

	var data []byte
	var err error
	if options.Decompress {
		data, err = options.FS.ReadDecompressed(p)
	} else {
		data, err = options.FS.ReadFile(p)
	}
	if err != nil {
		return err
	}

	target := filepath.Join(append([]string{options.OutputPath}, segments...)...)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	return os.WriteFile(target, data, 0644)
}
