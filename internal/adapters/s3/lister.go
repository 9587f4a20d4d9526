// Package s3 lists the datasets of a scope from an S3 compatible bucket.
// Objects live under "client/app/project/"; their column names are read
// from the "columns" user metadata entry.
package s3

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/errgroup"

	"github.com/trellis-data/labflow/internal/core"
	"github.com/trellis-data/labflow/internal/logging"
)

const (
	metaColumns     = "columns"
	metaDisplayName = "display-name"

	defaultConcurrency = 8
)

// dataExtensions are the object suffixes treated as datasets.
var dataExtensions = map[string]bool{
	".csv": true, ".tsv": true, ".arrow": true, ".parquet": true,
	".json": true, ".xlsx": true, ".xls": true,
}

// API is the subset of the S3 client the lister uses.
type API interface {
	s3.ListObjectsV2APIClient
	s3.HeadObjectAPIClient
}

// Config configures NewClient.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Concurrency     int
}

// Lister implements core.FileLister.
type Lister struct {
	client      API
	bucket      string
	concurrency int
	logger      *logging.Logger
}

// Option configures a Lister.
type Option func(*Lister)

// WithConcurrency bounds concurrent HeadObject calls.
func WithConcurrency(n int) Option {
	return func(l *Lister) {
		if n > 0 {
			l.concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Lister) { l.logger = logger }
}

// NewLister wraps an S3 API client.
func NewLister(client API, bucket string, opts ...Option) *Lister {
	l := &Lister{
		client:      client,
		bucket:      bucket,
		concurrency: defaultConcurrency,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewClient builds an S3 client from cfg. Explicit keys take precedence over
// the default credential chain.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, core.ErrValidation(core.CodeInvalidConfig, "files.bucket is required for the s3 backend")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	optFns := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		optFns = append(optFns, config.WithCredentialsProvider(creds))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// List implements core.FileLister. A scope with no identifiers lists nothing.
func (l *Lister) List(ctx context.Context, scope core.ExecutionContext) (core.FileInventory, error) {
	inv := make(core.FileInventory)
	prefix := scope.Prefix()
	if prefix == "" {
		return inv, nil
	}

	var keys []string
	pages := s3.NewListObjectsV2Paginator(l.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(l.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, core.ErrNetwork("listing objects under " + prefix).WithCause(err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") || !dataExtensions[strings.ToLower(path.Ext(key))] {
				continue
			}
			keys = append(keys, key)
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for _, key := range keys {
		g.Go(func() error {
			info := l.describe(gctx, key)
			mu.Lock()
			inv[key] = info
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return inv, nil
}

// describe reads the object's metadata. Objects whose metadata cannot be read
// are still listed, without columns.
func (l *Lister) describe(ctx context.Context, key string) core.FileInfo {
	info := core.FileInfo{DisplayName: path.Base(key), Columns: []string{}}
	out, err := l.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		l.logger.Debug("reading object metadata failed", "key", key, "error", err)
		return info
	}
	if name := strings.TrimSpace(out.Metadata[metaDisplayName]); name != "" {
		info.DisplayName = name
	}
	info.Columns = splitColumns(out.Metadata[metaColumns])
	return info
}

func splitColumns(raw string) []string {
	cols := []string{}
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	return cols
}
