// Package codestore implements dispatcher.CodeProvisioner against an
// S3-compatible object store: function code artifacts are addressed by
// CodeDigest, downloaded once, and cached on local disk for the
// sandbox driver's bind mount (spec.md §4's "code readiness" step).
// Grounded on the pack's aws-sdk-go-v2 S3 usage (NewFromConfig with a
// custom endpoint resolver for MinIO/localstack-style deployments).
package codestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/fearlessfara/lambdahome/internal/domain"
	"github.com/fearlessfara/lambdahome/internal/logging"
)

// Config configures the S3 client.
type Config struct {
	Bucket       string
	Region       string
	Endpoint     string // non-empty selects a custom resolver (MinIO/localstack)
	AccessKeyID  string
	SecretKey    string
	UsePathStyle bool
	CacheDir     string // local directory code is extracted into, keyed by digest
}

// Store downloads and caches function code artifacts from S3.
type Store struct {
	client   *s3.Client
	bucket   string
	cacheDir string

	mu      sync.Mutex
	ready   map[string]string // digest -> local path, guards duplicate downloads
	pending map[string]chan struct{}
}

// New builds a Store from cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("codestore: bucket is required")
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "/var/lib/lambdahome/code-cache"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: cfg.Endpoint, HostnameImmutable: true}, nil
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("codestore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
	})

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("codestore: create cache dir: %w", err)
	}

	return &Store{
		client: client, bucket: cfg.Bucket, cacheDir: cfg.CacheDir,
		ready: make(map[string]string), pending: make(map[string]chan struct{}),
	}, nil
}

// EnsureCodeReady implements dispatcher.CodeProvisioner: downloads
// fn.CodeDigest's artifact into the local cache if it isn't already
// present, and returns the local path. Concurrent calls for the same
// digest share a single download.
func (s *Store) EnsureCodeReady(ctx context.Context, fn *domain.FunctionMeta) (string, error) {
	digest := fn.CodeDigest
	if digest == "" {
		return "", fmt.Errorf("codestore: function %s has no code digest", fn.Name)
	}

	s.mu.Lock()
	if path, ok := s.ready[digest]; ok {
		s.mu.Unlock()
		return path, nil
	}
	if wait, inFlight := s.pending[digest]; inFlight {
		s.mu.Unlock()
		select {
		case <-wait:
			return s.lookup(digest)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	done := make(chan struct{})
	s.pending[digest] = done
	s.mu.Unlock()

	path, err := s.download(ctx, digest)

	s.mu.Lock()
	if err == nil {
		s.ready[digest] = path
	}
	delete(s.pending, digest)
	close(done)
	s.mu.Unlock()

	return path, err
}

func (s *Store) lookup(digest string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.ready[digest]
	if !ok {
		return "", fmt.Errorf("codestore: download for digest %s did not complete", digest)
	}
	return path, nil
}

func (s *Store) download(ctx context.Context, digest string) (string, error) {
	dest := filepath.Join(s.cacheDir, digest)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}

	obj, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(digest + ".zip"),
	})
	if err != nil {
		return "", fmt.Errorf("codestore: download %s: %w", digest, err)
	}
	defer obj.Body.Close()

	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("codestore: create cache file: %w", err)
	}
	if _, err := io.Copy(f, obj.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("codestore: write cache file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("codestore: close cache file: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", fmt.Errorf("codestore: finalize cache file: %w", err)
	}

	logging.Op().Info("codestore: downloaded code artifact", "digest", digest, "path", dest)
	return dest, nil
}

// Put uploads a code artifact, keyed by digest, for the control plane's
// function-create path.
func (s *Store) Put(ctx context.Context, digest string, r io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(digest + ".zip"),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("codestore: upload %s: %w", digest, err)
	}
	return nil
}
