package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/beam-cloud/bigfs/pkg/archive"
	"github.com/beam-cloud/bigfs/pkg/bigfs"
	"github.com/beam-cloud/bigfs/pkg/compression"
	"github.com/beam-cloud/bigfs/pkg/config"
	"github.com/beam-cloud/bigfs/pkg/storage"
	"github.com/beam-cloud/bigfs/pkg/vfs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

const (
	defaultWorkers = 8
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := bigfs.SetLogLevel(getEnvString("BIGFS_LOG_LEVEL", "info")); err != nil {
		log.Fatal().Err(err).Msg("invalid BIGFS_LOG_LEVEL")
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "ls":
		lsCommand()
	case "cat":
		catCommand()
	case "inspect":
		inspectCommand()
	case "extract":
		extractCommand()
	case "mount":
		mountCommand()
	case "compress":
		compressCommand()
	case "decompress":
		decompressCommand()
	case "push":
		pushCommand()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `bigctl - BIG archive overlay tool

Usage:
  bigctl <command> [options] [archive.big ...]

Commands:
  ls           List files visible through the overlay
  cat          Write one file of the overlay to stdout
  inspect      Show the entries of a single container
  extract      Copy files out of the overlay into a directory
  mount        Mount the overlay read-only with FUSE
  compress     Wrap a file in a compressed blob
  decompress   Unwrap a compressed blob
  push         Upload a container to S3
  help         Show this help message

Overlay options (ls, cat, extract, mount):
  --config       YAML overlay config (or BIGFS_CONFIG)
  --disk-root    Loose-file directory consulted after the archives
  Archives given as arguments are loaded in order, later ones overwrite.

Examples:
  # List every texture in two containers
  bigctl ls --pattern '*.tga' -r base.big patch.big

  # Print a decompressed ini file
  bigctl cat --decompress data/ini/gamedata.ini base.big patch.big

  # Show codecs and digests for each entry
  bigctl inspect base.big

  # Extract decoded files
  bigctl extract --output ./out --decompress base.big

  # Mount an overlay built from a config file
  bigctl mount --config overlay.yaml --mount-point /mnt/assets

  # Compress a file with RefPack
  bigctl compress --codec refpack --input map.ini --output map.ini.bin

  # Upload a container
  bigctl push --bucket assets --key base.big base.big

Environment Variables:
  BIGFS_CONFIG       Default overlay config path
  BIGFS_LOG_LEVEL    Log level: trace, debug, info, warn, error, disabled
  BIGFS_WORKERS      Worker count for extract (default: %d)

`, defaultWorkers)
}

type overlayFlags struct {
	configPath *string
	diskRoot   *string
}

func addOverlayFlags(fs *flag.FlagSet) overlayFlags {
	return overlayFlags{
		configPath: fs.StringP("config", "c", getEnvString("BIGFS_CONFIG", ""), "YAML overlay config"),
		diskRoot:   fs.String("disk-root", "", "Loose-file directory consulted after the archives"),
	}
}

func (o overlayFlags) open(ctx context.Context, fs *flag.FlagSet, archives []string) *vfs.FileSystem {
	if *o.configPath == "" && len(archives) == 0 {
		fmt.Fprintf(os.Stderr, "Error: --config or at least one archive is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	var (
		v   *vfs.FileSystem
		err error
	)

	if *o.configPath != "" {
		cfg, cerr := config.Load(*o.configPath)
		if cerr != nil {
			log.Fatal().Err(cerr).Msg("failed to load config")
		}
		if *o.diskRoot != "" {
			cfg.DiskRoot = *o.diskRoot
		}
		for _, p := range archives {
			cfg.Archives = append(cfg.Archives, config.ArchiveConfig{Path: p, Overwrite: true})
		}
		if os.Getenv("BIGFS_LOG_LEVEL") == "" {
			if err := bigfs.SetLogLevel(cfg.LogLevel); err != nil {
				log.Fatal().Err(err).Msg("invalid log level in config")
			}
		}
		v, err = bigfs.Open(ctx, cfg)
	} else {
		v, err = bigfs.OpenPaths(ctx, archives, *o.diskRoot)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open overlay")
	}

	return v
}

func lsCommand() {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)

	var (
		overlay   = addOverlayFlags(fs)
		dir       = fs.StringP("dir", "d", "", "Directory to list")
		pattern   = fs.StringP("pattern", "p", "*", "Glob applied to file names")
		recursive = fs.BoolP("recursive", "r", false, "Descend into subdirectories")
		long      = fs.BoolP("long", "l", false, "Show size and owning archive")
	)

	fs.Parse(os.Args[2:])

	v := overlay.open(context.Background(), fs, fs.Args())
	defer v.Close()

	files, err := v.ListFiles(*dir, *pattern, *recursive)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list files")
	}

	if !*long {
		for _, f := range files {
			fmt.Println(f)
		}
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, f := range files {
		info, err := v.Stat(f)
		if err != nil {
			log.Warn().Err(err).Str("path", f).Msg("unable to stat file")
			continue
		}
		from := string(info.Source)
		if info.Archive != "" {
			from = info.Archive
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", info.Size, from, f)
	}
	w.Flush()
}

func catCommand() {
	fs := flag.NewFlagSet("cat", flag.ExitOnError)

	var (
		overlay    = addOverlayFlags(fs)
		decompress = fs.BoolP("decompress", "x", false, "Decode compressed blobs")
	)

	fs.Parse(os.Args[2:])

	if fs.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: a file path is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	// The first argument is the file, the rest are archives.
	target := fs.Arg(0)
	v := overlay.open(context.Background(), fs, fs.Args()[1:])
	defer v.Close()

	var (
		data []byte
		err  error
	)
	if *decompress {
		data, err = v.ReadDecompressed(target)
	} else {
		data, err = v.ReadFile(target)
	}
	if err != nil {
		log.Fatal().Err(err).Str("path", target).Msg("failed to read file")
	}

	if _, err := os.Stdout.Write(data); err != nil {
		log.Fatal().Err(err).Msg("failed to write output")
	}
}

func inspectCommand() {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)

	var (
		showDigest = fs.Bool("digest", true, "Show the digest of each stored entry")
		s3Bucket   = fs.String("bucket", "", "Read the container from this S3 bucket")
		s3Key      = fs.String("key", "", "Object key of the container")
		s3Endpoint = fs.String("endpoint", "", "S3 endpoint override")
		s3Region   = fs.String("region", getEnvString("AWS_REGION", ""), "S3 region")
	)

	fs.Parse(os.Args[2:])

	var (
		a   *archive.Archive
		err error
	)

	switch {
	case *s3Bucket != "":
		src, serr := storage.NewS3Source(context.Background(), storage.S3SourceOpts{
			Bucket:         *s3Bucket,
			Key:            *s3Key,
			Endpoint:       *s3Endpoint,
			Region:         *s3Region,
			ForcePathStyle: *s3Endpoint != "",
		})
		if serr != nil {
			log.Fatal().Err(serr).Msg("failed to open S3 object")
		}
		a, err = archive.OpenSource(src)
	case fs.NArg() == 1:
		a, err = archive.Open(fs.Arg(0))
	default:
		fmt.Fprintf(os.Stderr, "Error: exactly one archive (or --bucket/--key) is required\n\n")
		fs.Usage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open archive")
	}
	defer a.Close()

	entries, err := bigfs.Inspect(a)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to inspect archive")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if *showDigest {
		fmt.Fprintln(w, "OFFSET\tSIZE\tCODEC\tDECODED\tDIGEST\tPATH")
	} else {
		fmt.Fprintln(w, "OFFSET\tSIZE\tCODEC\tDECODED\tPATH")
	}
	for _, e := range entries {
		if *showDigest {
			fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\t%s\n", e.Offset, e.Size, e.Codec, e.UncompressedSize, e.Digest.Encoded()[:12], e.Path)
		} else {
			fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\n", e.Offset, e.Size, e.Codec, e.UncompressedSize, e.Path)
		}
	}
	w.Flush()

	log.Info().Str("archive", a.Name()).Int("files", len(entries)).Msg("inspected archive")
}

func extractCommand() {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)

	var (
		overlay    = addOverlayFlags(fs)
		output     = fs.StringP("output", "o", "", "Output directory (required)")
		dir        = fs.StringP("dir", "d", "", "Only extract below this directory")
		pattern    = fs.StringP("pattern", "p", "*", "Glob applied to file names")
		decompress = fs.BoolP("decompress", "x", false, "Decode compressed blobs")
		workers    = fs.IntP("workers", "w", getEnvInt("BIGFS_WORKERS", defaultWorkers), "Parallel writers")
	)

	fs.Parse(os.Args[2:])

	if *output == "" {
		fmt.Fprintf(os.Stderr, "Error: --output is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	v := overlay.open(ctx, fs, fs.Args())
	defer v.Close()

	start := time.Now()
	n, err := bigfs.Extract(ctx, bigfs.ExtractOptions{
		FS:         v,
		OutputPath: *output,
		Dir:        *dir,
		Pattern:    *pattern,
		Decompress: *decompress,
		Workers:    *workers,
	})
	if err != nil {
		log.Fatal().Err(err).Int("written", n).Msg("extract failed")
	}

	log.Info().Int("files", n).Str("output", *output).Dur("duration", time.Since(start)).Msg("extract complete")
}

func mountCommand() {
	fs := flag.NewFlagSet("mount", flag.ExitOnError)

	var (
		overlay    = addOverlayFlags(fs)
		mountPoint = fs.StringP("mount-point", "m", "", "Directory to mount on (required)")
		decompress = fs.BoolP("decompress", "x", false, "Serve decoded file contents")
	)

	fs.Parse(os.Args[2:])

	if *mountPoint == "" {
		fmt.Fprintf(os.Stderr, "Error: --mount-point is required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	v := overlay.open(context.Background(), fs, fs.Args())

	startServer, serverError, server, err := bigfs.Mount(bigfs.MountOptions{
		FS:         v,
		MountPoint: *mountPoint,
		Decompress: *decompress,
	})
	if err != nil {
		v.Close()
		log.Fatal().Err(err).Msg("failed to mount overlay")
	}

	if err := startServer(); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		log.Info().Str("mount_point", *mountPoint).Msg("unmounting")
		if err := server.Unmount(); err != nil {
			log.Fatal().Err(err).Msg("failed to unmount")
		}
		if err, ok := <-serverError; ok && err != nil {
			log.Fatal().Err(err).Msg("server error")
		}
	case err, ok := <-serverError:
		if ok && err != nil {
			log.Fatal().Err(err).Msg("failed to mount overlay")
		}
	}

	log.Info().Msg("unmounted")
}

func compressCommand() {
	fs := flag.NewFlagSet("compress", flag.ExitOnError)

	var (
		codec     = fs.String("codec", "refpack", "Codec: none, refpack, huffman, btree, zlib1..zlib9")
		input     = fs.StringP("input", "i", "-", "Input file, - for stdin")
		output    = fs.StringP("output", "o", "-", "Output file, - for stdout")
		ifSmaller = fs.Bool("if-smaller", false, "Store raw when compression does not help")
	)

	fs.Parse(os.Args[2:])

	tag, err := compression.ParseTag(*codec)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid codec")
	}

	data := readInput(*input)

	var out []byte
	if *ifSmaller {
		out, tag, err = compression.EncodeIfSmaller(tag, data)
	} else {
		out, err = compression.Encode(tag, data)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("failed to compress")
	}

	writeOutput(*output, out)
	log.Info().Str("codec", tag.String()).Int("in", len(data)).Int("out", len(out)).Msg("compressed")
}

func decompressCommand() {
	fs := flag.NewFlagSet("decompress", flag.ExitOnError)

	var (
		input  = fs.StringP("input", "i", "-", "Input file, - for stdin")
		output = fs.StringP("output", "o", "-", "Output file, - for stdout")
	)

	fs.Parse(os.Args[2:])

	data := readInput(*input)
	tag := compression.Identify(data)

	out, err := compression.Decode(data)
	if err != nil {
		log.Fatal().Err(err).Str("codec", tag.String()).Msg("failed to decompress")
	}

	writeOutput(*output, out)
	log.Info().Str("codec", tag.String()).Int("in", len(data)).Int("out", len(out)).Msg("decompressed")
}

func pushCommand() {
	fs := flag.NewFlagSet("push", flag.ExitOnError)

	var (
		bucket    = fs.String("bucket", "", "Destination bucket (required)")
		key       = fs.String("key", "", "Destination key (default: archive file name)")
		endpoint  = fs.String("endpoint", "", "S3 endpoint override")
		region    = fs.String("region", getEnvString("AWS_REGION", ""), "S3 region")
		pathStyle = fs.Bool("path-style", false, "Use path-style addressing")
	)

	fs.Parse(os.Args[2:])

	if *bucket == "" || fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Error: --bucket and exactly one archive are required\n\n")
		fs.Usage()
		os.Exit(1)
	}

	archivePath := fs.Arg(0)

	// Refuse to upload something that is not a readable container.
	a, err := archive.Open(archivePath)
	if err != nil {
		log.Fatal().Err(err).Msg("not a valid archive")
	}
	files := len(a.Files())
	a.Close()

	if *key == "" {
		*key = a.Name()
	}

	progress := make(chan int, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		last := -1
		for p := range progress {
			if p/10 != last/10 {
				log.Info().Int("percent", p).Msg("uploading")
			}
			last = p
		}
	}()

	err = storage.Upload(context.Background(), archivePath, storage.S3SourceOpts{
		Bucket:         *bucket,
		Key:            *key,
		Endpoint:       *endpoint,
		Region:         *region,
		ForcePathStyle: *pathStyle,
	}, progress)
	close(progress)
	<-done
	if err != nil {
		log.Fatal().Err(err).Msg("upload failed")
	}

	log.Info().Str("bucket", *bucket).Str("key", *key).Int("files", files).Msg("archive uploaded")
}

func readInput(name string) []byte {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	if err != nil {
		log.Fatal().Err(err).Str("input", name).Msg("failed to read input")
	}
	return data
}

func writeOutput(name string, data []byte) {
	var err error
	if name == "-" {
		_, err = os.Stdout.Write(data)
	} else {
		err = os.WriteFile(name, data, 0644)
	}
	if err != nil {
		log.Fatal().Err(err).Str("output", name).Msg("failed to write output")
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}
