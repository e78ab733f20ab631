// Package blobstore mirrors cache files to an S3 bucket so results can be
// shared between machines.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"

	"github.com/23skdu/longbow-interp/internal/logger"
	"github.com/23skdu/longbow-interp/internal/metrics"
)

// S3API is the subset of the S3 client the mirror needs.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type options struct {
	profile string
	region  string
	s3Opts  []func(*s3.Options)
}

// Option customizes how the AWS config is loaded. Without options the
// shell's AWS setup (AWS_PROFILE, shared config, env, IMDS) is used.
type Option func(*options)

func WithProfile(profile string) Option {
	return func(o *options) { o.profile = profile }
}

func WithRegion(region string) Option {
	return func(o *options) { o.region = region }
}

// WithS3Options passes service options to the S3 client, e.g. a custom
// endpoint for S3 compatible stores.
func WithS3Options(fns ...func(*s3.Options)) Option {
	return func(o *options) { o.s3Opts = append(o.s3Opts, fns...) }
}

// Mirror stores files under s3://bucket/prefix/<rel>, where rel is the path
// relative to the results root.
type Mirror struct {
	api    S3API
	bucket string
	prefix string
}

// New loads the AWS config and returns a mirror for bucket.
func New(ctx context.Context, bucket, prefix string, opts ...Option) (*Mirror, error) {
	if bucket == "" {
		return nil, errors.New("blobstore: bucket is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var loadOpts []func(*config.LoadOptions) error
	if o.profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(o.profile))
	}
	if o.region != "" {
		loadOpts = append(loadOpts, config.WithRegion(o.region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewWithClient(s3.NewFromConfig(cfg, o.s3Opts...), bucket, prefix), nil
}

func NewWithClient(api S3API, bucket, prefix string) *Mirror {
	return &Mirror{api: api, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

func (m *Mirror) key(rel string) string {
	return path.Join(m.prefix, filepath.ToSlash(rel))
}

// URL is the s3:// location of rel.
func (m *Mirror) URL(rel string) string {
	return "s3://" + m.bucket + "/" + m.key(rel)
}

// Push uploads the local file src as rel.
func (m *Mirror) Push(ctx context.Context, rel, src string) (err error) {
	defer func() { metrics.RecordMirrorTransfer("push", err) }()

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	_, err = m.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(m.key(rel)),
		Body:          f,
		ContentLength: aws.Int64(st.Size()),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", m.URL(rel), err)
	}
	logger.Log.Info("pushed cache file", "url", m.URL(rel), "size", humanize.Bytes(uint64(st.Size())))
	return nil
}

// Pull downloads rel to dst through a temporary file. A missing object
// gives an error wrapping fs.ErrNotExist.
func (m *Mirror) Pull(ctx context.Context, rel, dst string) (err error) {
	defer func() {
		if !errors.Is(err, fs.ErrNotExist) {
			metrics.RecordMirrorTransfer("pull", err)
		}
	}()

	out, err := m.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(rel)),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%s: %w", m.URL(rel), fs.ErrNotExist)
		}
		return fmt.Errorf("failed to download %s: %w", m.URL(rel), err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".pull-*")
	if err != nil {
		return err
	}
	n, err := io.Copy(tmp, out.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to read %s: %w", m.URL(rel), err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	logger.Log.Info("pulled cache file", "url", m.URL(rel), "dst", dst, "size", humanize.Bytes(uint64(n)))
	return nil
}

func (m *Mirror) Exists(ctx context.Context, rel string) (bool, error) {
	_, err := m.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(rel)),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", m.URL(rel), err)
}

// List returns the rel paths stored below dir, sorted by key.
func (m *Mirror) List(ctx context.Context, dir string) ([]string, error) {
	prefix := m.key(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	p := s3.NewListObjectsV2Paginator(m.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.bucket),
		Prefix: aws.String(prefix),
	})

	var out []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list s3://%s/%s: %w", m.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			if m.prefix != "" {
				k = strings.TrimPrefix(k, m.prefix+"/")
			}
			out = append(out, k)
		}
	}
	return out, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}
