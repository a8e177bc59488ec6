package collector

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/terrascope-io/terrascope/internal/domain"
	"github.com/terrascope-io/terrascope/internal/metrics"
)

// s3API is the slice of the S3 client the collector needs.
type s3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ObjectStore polls S3-compatible buckets for state objects. A watermark
// on last-modified keeps each cycle cheap: only objects at or after the
// highest timestamp seen so far are candidates, which picks up in-place
// updates as well as new keys.
type ObjectStore struct {
	client   s3API
	buckets  []string
	prefix   string
	interval time.Duration
	metrics  *metrics.Ingest
	logger   *zap.Logger

	watermark time.Time
	emitted   map[string]time.Time
}

// ObjectStoreOptions configures the underlying S3 client.
type ObjectStoreOptions struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3Client builds an S3 client, honoring a custom endpoint override
// (MinIO, LocalStack) with path-style addressing.
func NewS3Client(ctx context.Context, opts ObjectStoreOptions) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// NewObjectStore creates an object-store collector over the given buckets.
func NewObjectStore(client s3API, buckets []string, prefix string, interval time.Duration, m *metrics.Ingest, logger *zap.Logger) *ObjectStore {
	return &ObjectStore{
		client:   client,
		buckets:  buckets,
		prefix:   prefix,
		interval: interval,
		metrics:  m,
		logger:   logger.Named("collector.objectstore"),
		emitted:  make(map[string]time.Time),
	}
}

// Name implements Collector.
func (c *ObjectStore) Name() string { return "objectstore" }

// Start implements Collector. The S3 client needs no warm-up; bucket
// reachability is probed by the first poll cycle.
func (c *ObjectStore) Start(_ context.Context) error { return nil }

// Stop implements Collector.
func (c *ObjectStore) Stop() error { return nil }

// Collect polls all configured buckets until the context is canceled.
func (c *ObjectStore) Collect(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		cycleMax := c.watermark
		for _, bucket := range c.buckets {
			maxSeen, err := c.pollBucket(ctx, sink, bucket)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// One unreachable bucket is retried next cycle; siblings
				// keep going.
				c.metrics.CollectError(c.Name())
				c.logger.Warn("bucket poll failed", zap.String("bucket", bucket), zap.Error(err))
				continue
			}
			if maxSeen.After(cycleMax) {
				cycleMax = maxSeen
			}
		}
		c.watermark = cycleMax

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pollBucket lists one bucket and emits new or updated state objects.
// It returns the highest last-modified timestamp that was fully processed.
// A transiently failed object caps the result at its timestamp so the
// watermark cannot advance past it and the next cycle retries it.
func (c *ObjectStore) pollBucket(ctx context.Context, sink Sink, bucket string) (time.Time, error) {
	var maxSeen, minFailed time.Time
	var token *string

	for {
		out, err := c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(c.prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return maxSeen, fmt.Errorf("list %s: %w", bucket, err)
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, stateFileSuffix) || obj.LastModified == nil {
				continue
			}
			modified := obj.LastModified.UTC()
			// At-or-after comparison: an object rewritten in the same
			// instant as the watermark still qualifies.
			if modified.Before(c.watermark) {
				continue
			}

			identifier := bucket + "/" + key
			if last, ok := c.emitted[identifier]; ok && last.Equal(modified) {
				if modified.After(maxSeen) {
					maxSeen = modified
				}
				continue
			}

			emitted, err := c.emitObject(ctx, sink, bucket, key, identifier, modified)
			if err != nil {
				return maxSeen, err
			}
			if !emitted {
				if minFailed.IsZero() || modified.Before(minFailed) {
					minFailed = modified
				}
				continue
			}
			if modified.After(maxSeen) {
				maxSeen = modified
			}
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			if !minFailed.IsZero() && minFailed.Before(maxSeen) {
				maxSeen = minFailed
			}
			return maxSeen, nil
		}
		token = out.NextContinuationToken
	}
}

// emitObject fetches one object and hands it to the sink. A transient
// fetch failure is logged and counted and reported as not emitted, so the
// caller keeps the object eligible for the next cycle.
func (c *ObjectStore) emitObject(ctx context.Context, sink Sink, bucket, key, identifier string, modified time.Time) (bool, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		c.metrics.CollectError(c.Name())
		c.logger.Warn("get object failed", zap.String("object", identifier), zap.Error(err))
		return false, nil
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		c.metrics.CollectError(c.Name())
		c.logger.Warn("read object failed", zap.String("object", identifier), zap.Error(err))
		return false, nil
	}

	doc := domain.RawDocument{
		Content: data,
		Meta: domain.SourceMeta{
			Kind:       c.Name(),
			Identifier: identifier,
			ObservedAt: time.Now().UTC(),
			SourceTime: modified,
		},
	}
	if err := sink.Put(ctx, doc); err != nil {
		return false, err
	}

	c.emitted[identifier] = modified
	c.metrics.DocumentCollected(c.Name())
	return true, nil
}
