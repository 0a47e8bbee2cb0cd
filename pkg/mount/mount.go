package mount

import (
	"fmt"
	"os"
	"time"

	"github.com/beam-cloud/bigfs/pkg/vfs"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/moby/sys/mountinfo"
	"github.com/rs/zerolog/log"
)

// PrepareMountPoint creates mountPoint if needed and refuses one that
// already has something mounted on it.
func PrepareMountPoint(mountPoint string) error {
	if _, err := os.Stat(mountPoint); os.IsNotExist(err) {
		if err := os.MkdirAll(mountPoint, 0755); err != nil {
			return fmt.Errorf("failed to create mount point directory: %v", err)
		}
		return nil
	}

	mounted, err := mountinfo.Mounted(mountPoint)
	if err != nil {
		return fmt.Errorf("failed to check mount point: %v", err)
	}
	if mounted {
		return fmt.Errorf("%s is already a mount point", mountPoint)
	}

	return nil
}

// Serve mounts a read-only view of v at mountPoint. The returned function
// starts serving; the channel yields a mount error or is closed once the
// filesystem is unmounted, after which v is closed.
func Serve(v *vfs.FileSystem, mountPoint string, opts Options) (func() error, <-chan error, *fuse.Server, error) {
	log.Info().Str("mount_point", mountPoint).Int("archives", len(v.Archives())).Msg("mounting overlay")

	if err := PrepareMountPoint(mountPoint); err != nil {
		return nil, nil, nil, err
	}

	mfs := NewFileSystem(v, opts)
	root, _ := mfs.Root()

	attrTimeout := time.Second * 60
	entryTimeout := time.Second * 60
	fsOptions := &fs.Options{
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
	}
	server, err := fuse.NewServer(fs.NewNodeFS(root, fsOptions), mountPoint, &fuse.MountOptions{
		FsName:         "bigfs",
		Name:           "bigfs",
		MaxBackground:  512,
		DisableXAttrs:  true,
		SyncRead:       false,
		RememberInodes: true,
		MaxReadAhead:   1024 * 128, // 128KB
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("could not create server: %v", err)
	}

	serverError := make(chan error, 1)
	startServer := func() error {
		go func() {
			go server.Serve()

			if err := server.WaitMount(); err != nil {
				serverError <- err
				return
			}

			server.Wait()
			v.Metrics().LogSummary()
			v.Close()

			close(serverError)
		}()

		return nil
	}

	return startServer, serverError, server, nil
}
