package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type S3SourceOpts struct {
	Bucket         string `yaml:"bucket"`
	Key            string `yaml:"key"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	CachePath      string `yaml:"cache_path"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	ForcePathStyle bool   `yaml:"force_path_style"`

	// CacheDelay postpones the background download. Zero means the default.
	CacheDelay time.Duration `yaml:"cache_delay"`
	HTTPClient *http.Client  `yaml:"-"`
}

// S3Source reads a container stored as a single S3 object using ranged GETs.
// When a cache path is configured the whole object is pulled down in the
// background and later reads are served from the local copy.
type S3Source struct {
	svc            *s3.Client
	bucket         string
	key            string
	size           int64
	localCachePath string
	cachedLocally  atomic.Bool
	mu             sync.RWMutex
	cacheFile      *os.File
	cancel         context.CancelFunc
	closeOnce      sync.Once
}

const backgroundDownloadStartupDelay = time.Second * 30

func NewS3Source(ctx context.Context, opts S3SourceOpts) (*S3Source, error) {
	if opts.Bucket == "" || opts.Key == "" {
		return nil, errors.New("s3 source requires a bucket and key")
	}

	accessKey := os.Getenv("AWS_ACCESS_KEY_ID")
	secretKey := os.Getenv("AWS_SECRET_ACCESS_KEY")

	if opts.AccessKey != "" && opts.SecretKey != "" {
		accessKey = opts.AccessKey
		secretKey = opts.SecretKey
	}

	cfg, err := getAWSConfig(ctx, accessKey, secretKey, opts.Region, opts.Endpoint, opts.HTTPClient)
	if err != nil {
		return nil, err
	}

	svc := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	s := &S3Source{
		svc:            svc,
		bucket:         opts.Bucket,
		key:            opts.Key,
		localCachePath: opts.CachePath,
	}

	s.size, err = s.getFileSize(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot access object <s3://%s/%s>: %v", opts.Bucket, opts.Key, err)
	}

	if opts.CachePath != "" {
		cacheFile, err := os.OpenFile(opts.CachePath, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache file <%s>: %v", opts.CachePath, err)
		}
		s.cacheFile = cacheFile

		delay := opts.CacheDelay
		if delay == 0 {
			delay = backgroundDownloadStartupDelay
		}

		bgCtx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.startBackgroundDownload(bgCtx, delay)
	}

	return s, nil
}

func getAWSConfig(ctx context.Context, accessKey string, secretKey string, region string, endpoint string, httpClient *http.Client) (aws.Config, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithHTTPClient(httpClient),
	}

	if endpoint != "" {
		endpointResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL: endpoint,
			}, nil
		})
		loadOpts = append(loadOpts, config.WithEndpointResolverWithOptions(endpointResolver))
	}

	if accessKey != "" && secretKey != "" {
		credentials := credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
		loadOpts = append(loadOpts, config.WithCredentialsProvider(credentials))
	}

	return config.LoadDefaultConfig(ctx, loadOpts...)
}

type progressReader struct {
	file *os.File
	size int64
	read int64
	ch   chan<- int
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.file.Read(p)
	if n > 0 {
		pr.read += int64(n)
		progress := int(float64(pr.read) / float64(pr.size) * 100)

		if pr.ch != nil {
			pr.ch <- progress
		}
	}
	return n, err
}

// Upload pushes a local container to the bucket and key this source points at.
func Upload(ctx context.Context, archivePath string, opts S3SourceOpts, progressChan chan<- int) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive <%s>: %v", archivePath, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}

	cfg, err := getAWSConfig(ctx, opts.AccessKey, opts.SecretKey, opts.Region, opts.Endpoint, opts.HTTPClient)
	if err != nil {
		return err
	}

	svc := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.ForcePathStyle
	})

	length := fi.Size()
	pr := &progressReader{
		file: f,
		size: length,
		ch:   progressChan,
	}

	uploader := manager.NewUploader(svc, func(u *manager.Uploader) {
		u.Concurrency = 16
	})

	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(opts.Bucket),
		Key:           aws.String(opts.Key),
		Body:          pr,
		ContentLength: &length,
	})
	if err != nil {
		return fmt.Errorf("failed to upload archive: %v", err)
	}

	return nil
}

func (s *S3Source) startBackgroundDownload(ctx context.Context, delay time.Duration) {
	s.mu.RLock()
	cacheFileInfo, err := s.cacheFile.Stat()
	s.mu.RUnlock()
	if err == nil && cacheFileInfo.Size() == s.size {
		log.Info().Str("path", s.localCachePath).Msg("cache file exists")
		s.cachedLocally.Store(true)
		return
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	tmpCacheFile := fmt.Sprintf("%s.%s", s.localCachePath, uuid.New().String()[:6])
	lockFilePath := fmt.Sprintf("%s.lock", s.localCachePath)

	fileLock := flock.New(lockFilePath)

	locked, err := fileLock.TryLock()
	if err != nil {
		log.Error().Err(err).Msg("error while trying to acquire file lock")
		return
	}

	if !locked {
		log.Warn().Str("path", s.localCachePath).Msg("another process is already caching this archive, skipping download")
		return
	}

	defer fileLock.Unlock()
	defer os.Remove(lockFilePath)

	log.Info().Str("path", s.localCachePath).Msg("caching archive")
	startTime := time.Now()
	downloader := manager.NewDownloader(s.svc)
	downloader.Concurrency = 8

	f, err := os.Create(tmpCacheFile)
	if err != nil {
		log.Error().Err(err).Str("path", tmpCacheFile).Msg("failed to create cache file")
		return
	}
	defer f.Close()

	_, err = downloader.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to download object")
		os.Remove(tmpCacheFile)
		return
	}

	err = os.Rename(tmpCacheFile, s.localCachePath)
	if err != nil {
		log.Error().Err(err).Str("path", s.localCachePath).Msg("failed to move downloaded file to cache path")
		return
	}

	cacheFile, err := os.Open(s.localCachePath)
	if err != nil {
		return
	}

	s.mu.Lock()
	if ctx.Err() != nil {
		s.mu.Unlock()
		cacheFile.Close()
		return
	}
	if s.cacheFile != nil {
		s.cacheFile.Close()
	}
	s.cacheFile = cacheFile
	s.mu.Unlock()

	log.Info().Str("path", s.localCachePath).Dur("elapsed", time.Since(startTime)).Msg("archive cached")
	s.cachedLocally.Store(true)
}

func (s *S3Source) CachedLocally() bool {
	return s.cachedLocally.Load()
}

func (s *S3Source) getFileSize(ctx context.Context) (int64, error) {
	input := &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	}

	resp, err := s.svc.HeadObject(ctx, input)
	if err != nil {
		return 0, err
	}

	if resp.ContentLength == nil {
		return 0, errors.New("object size unknown")
	}

	return *resp.ContentLength, nil
}

func (s *S3Source) ReadAt(dest []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= s.size {
		return 0, io.EOF
	}
	if len(dest) == 0 {
		return 0, nil
	}

	want := dest
	if remaining := s.size - off; int64(len(want)) > remaining {
		want = want[:remaining]
	}

	if s.cachedLocally.Load() {
		s.mu.RLock()
		n, err := s.cacheFile.ReadAt(want, off)
		s.mu.RUnlock()
		if err == nil {
			return n, shortRead(n, len(dest))
		}
		log.Warn().Err(err).Str("path", s.localCachePath).Msg("cache read failed, falling back to remote")
	}

	n, err := s.downloadChunk(want, off, off+int64(len(want))-1)
	if err != nil {
		return n, err
	}

	return n, shortRead(n, len(dest))
}

func shortRead(n, want int) error {
	if n < want {
		return io.EOF
	}
	return nil
}

func (s *S3Source) downloadChunk(dest []byte, start int64, end int64) (int, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", start, end)
	getObjectInput := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(rangeHeader),
	}

	resp, err := s.svc.GetObject(context.Background(), getObjectInput)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.ReadFull(resp.Body, dest)
	if err == io.ErrUnexpectedEOF {
		return n, nil
	}
	return n, err
}

func (s *S3Source) Size() int64 {
	return s.size
}

func (s *S3Source) Name() string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.key)
}

func (s *S3Source) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}

		s.mu.Lock()
		if s.cacheFile != nil {
			s.cacheFile.Close()
			s.cacheFile = nil
		}
		s.mu.Unlock()
	})

	return nil
}
