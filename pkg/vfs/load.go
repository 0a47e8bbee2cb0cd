package vfs

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/beam-cloud/bigfs/pkg/archive"
	"github.com/beam-cloud/bigfs/pkg/storage"
	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const maxParallelOpens = 8

// ArchiveSpec names one container to register.
type ArchiveSpec struct {
	Path      string
	Overwrite bool
	Priority  int
	S3        *storage.S3SourceOpts // read the container from S3 instead of Path
	HTTP      *storage.HTTPSourceOpts
}

func openArchive(ctx context.Context, spec ArchiveSpec) (*archive.Archive, error) {
	src, err := storage.NewSource(ctx, storage.SourceOpts{
		ArchivePath: spec.Path,
		S3:          spec.S3,
		HTTP:        spec.HTTP,
	})
	if err != nil {
		return nil, err
	}

	a, err := archive.OpenSource(src)
	if err != nil {
		src.Close()
		return nil, err
	}

	a.SetSearchPriority(spec.Priority)
	return a, nil
}

// LoadArchive opens the container at path and registers it. Failure to
// open is logged and reported as false; the overlay is left unchanged.
func (fsys *FileSystem) LoadArchive(path string, overwrite bool) bool {
	n, _ := fsys.LoadArchives(context.Background(), []ArchiveSpec{{Path: path, Overwrite: overwrite}})
	return n == 1
}

// LoadArchives opens the given containers concurrently and registers the
// ones that opened, strictly in the order given. A container that fails to
// open is logged and skipped. The returned error is only set when ctx ends
// before every container has been tried.
func (fsys *FileSystem) LoadArchives(ctx context.Context, specs []ArchiveSpec) (int, error) {
	opened := make([]*archive.Archive, len(specs))
	failures := make([]error, len(specs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelOpens)

	for i, spec := range specs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			opened[i], failures[i] = openArchive(gctx, spec)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, a := range opened {
			if a != nil {
				a.Close()
			}
		}
		return 0, err
	}

	loaded := 0
	for i, spec := range specs {
		name := spec.Path
		if spec.S3 != nil {
			name = "s3://" + spec.S3.Bucket + "/" + spec.S3.Key
		}

		if failures[i] != nil {
			log.Warn().Err(failures[i]).Str("archive", name).Msg("unable to open archive, skipping")
			fsys.metrics.RecordArchiveLoad(name, 0, failures[i])
			continue
		}

		fsys.RegisterArchive(opened[i], spec.Overwrite)
		fsys.metrics.RecordArchiveLoad(opened[i].Name(), len(opened[i].Files()), nil)
		loaded++
	}

	return loaded, nil
}

// LoadArchivesFromDirectory registers every file below dir whose name
// matches pattern, in lexical path order.
func (fsys *FileSystem) LoadArchivesFromDirectory(ctx context.Context, dir, pattern string, overwrite bool) (int, error) {
	var paths []string
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Callback: func(osPath string, de *godirwalk.Dirent) error {
			if !archive.MatchPattern(pattern, de.Name()) || !isRegularFile(osPath, de) {
				return nil
			}
			paths = append(paths, osPath)
			return nil
		},
	})
	if err != nil {
		return 0, err
	}

	sort.Slice(paths, func(i, j int) bool {
		return filepath.ToSlash(paths[i]) < filepath.ToSlash(paths[j])
	})

	specs := make([]ArchiveSpec, len(paths))
	for i, p := range paths {
		specs[i] = ArchiveSpec{Path: p, Overwrite: overwrite}
	}

	log.Info().Str("dir", dir).Str("pattern", pattern).Int("found", len(specs)).Msg("loading archives from directory")
	return fsys.LoadArchives(ctx, specs)
}
