// Package source opens inventory and measurement inputs from the local
// filesystem or S3, decompressing by file suffix.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedScheme is returned for URIs other than plain paths, file:// and s3://.
var ErrUnsupportedScheme = errors.New("unsupported source scheme")

// ObjectGetter is the subset of the S3 client used to read objects.
type ObjectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Option configures an Opener.
type Option func(*Opener)

// WithS3Endpoint points S3 reads at a compatible endpoint such as MinIO,
// using path-style addressing.
func WithS3Endpoint(endpoint string) Option {
	return func(o *Opener) { o.endpoint = endpoint }
}

// WithS3Client replaces the lazily built S3 client.
func WithS3Client(c ObjectGetter) Option {
	return func(o *Opener) { o.client = c }
}

// Opener resolves source URIs to readers.
type Opener struct {
	endpoint string

	mu     sync.Mutex
	client ObjectGetter
}

func NewOpener(opts ...Option) *Opener {
	o := &Opener{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Open returns a reader over the decompressed content of uri. The caller closes it.
func (o *Opener) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	raw, err := o.openRaw(ctx, uri)
	if err != nil {
		return nil, err
	}
	rc, err := decompress(uri, raw)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("open %s: %w", uri, err)
	}
	return rc, nil
}

func (o *Opener) openRaw(ctx context.Context, uri string) (io.ReadCloser, error) {
	if !strings.Contains(uri, "://") {
		return openFile(uri)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parse source %q: %w", uri, err)
	}
	switch u.Scheme {
	case "file":
		return openFile(u.Path)
	case "s3":
		return o.openS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}

func openFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	return f, nil
}

func (o *Opener) openS3(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if bucket == "" || key == "" {
		return nil, fmt.Errorf("s3 source needs bucket and key, got %q/%q", bucket, key)
	}
	client, err := o.s3Client(ctx)
	if err != nil {
		return nil, err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3://%s/%s: %w", bucket, key, err)
	}
	return out.Body, nil
}

func (o *Opener) s3Client(ctx context.Context) (ObjectGetter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.client != nil {
		return o.client, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := o.endpoint
	o.client = s3.NewFromConfig(cfg, func(opts *s3.Options) {
		if endpoint != "" {
			opts.BaseEndpoint = aws.String(endpoint)
			opts.UsePathStyle = true
		}
	})
	return o.client, nil
}

// decompress wraps r according to the suffix of name.
func decompress(name string, r io.ReadCloser) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return &stackedCloser{Reader: zr, closers: []io.Closer{zr, r}}, nil
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		rc := zr.IOReadCloser()
		return &stackedCloser{Reader: rc, closers: []io.Closer{rc, r}}, nil
	default:
		return r, nil
	}
}

type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
