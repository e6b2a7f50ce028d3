// Package s3 implements the direct-access storage variant for providers
// backed by an S3 bucket the mount holds credentials for. It bypasses the
// storage bridge entirely; entries are addressed by object key.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/rdmount/rdmount/internal/api"
	"github.com/rdmount/rdmount/internal/logging"
	"github.com/rdmount/rdmount/internal/metrics"
	"github.com/rdmount/rdmount/internal/protocol"
)

// Config holds the direct-access settings for one provider.
type Config struct {
	Bucket    string
	Endpoint  string // empty for AWS
	Region    string
	AccessKey string // empty for the default credential chain
	SecretKey string
	Prefix    string // optional key prefix the provider is rooted at
}

// Backend implements storage.Provider against one bucket.
type Backend struct {
	client   *s3.Client
	bucket   string
	prefix   string
	provider string
}

// New creates a direct-S3 backend for the named provider.
func New(ctx context.Context, providerName string, cfg Config) (*Backend, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
				}, nil
			},
		)
		opts = append(opts, config.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	})

	return &Backend{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		provider: providerName,
	}, nil
}

// Kind returns "s3".
func (b *Backend) Kind() string { return "s3" }

// keyFor maps a provider-absolute entry path to an object key.
func (b *Backend) keyFor(entryPath string) string {
	key := strings.TrimPrefix(entryPath, "/")
	if b.prefix != "" {
		if key == "" {
			return b.prefix + "/"
		}
		return b.prefix + "/" + key
	}
	return key
}

// classify maps SDK failures onto the upstream error taxonomy.
func classify(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		kind := api.Permanent
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			kind = api.NotFound
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			kind = api.Unauthorized
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			kind = api.Transient
		}
		return &api.UpstreamError{Kind: kind, Detail: fmt.Sprintf("%s: %s", op, apiErr.ErrorMessage())}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &api.UpstreamError{Kind: api.Transient, Detail: fmt.Sprintf("%s: %v", op, err)}
}

// List returns the folder's entries, folders first as common prefixes,
// then objects, both in the bucket's lexicographic order.
func (b *Backend) List(ctx context.Context, folder *protocol.RemoteEntry) ([]protocol.RemoteEntry, error) {
	prefix := b.keyFor(folder.Path)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	start := time.Now()
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	}

	var entries []protocol.RemoteEntry
	paginator := s3.NewListObjectsV2Paginator(b.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			metrics.RecordProviderOp(b.Kind(), "list", time.Since(start), false)
			return nil, classify("list", err)
		}

		for _, cp := range page.CommonPrefixes {
			key := aws.ToString(cp.Prefix)
			folderPath := b.entryPath(key)
			entries = append(entries, protocol.RemoteEntry{
				ID:           key,
				Name:         path.Base(strings.TrimSuffix(key, "/")),
				Kind:         protocol.KindFolder,
				Path:         folderPath,
				Materialized: folderPath,
				Provider:     b.provider,
			})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			// Skip the folder's own placeholder object.
			if key == prefix {
				continue
			}
			filePath := b.entryPath(key)
			entry := protocol.RemoteEntry{
				ID:           key,
				Name:         path.Base(key),
				Kind:         protocol.KindFile,
				Path:         filePath,
				Materialized: filePath,
				Provider:     b.provider,
			}
			if obj.Size != nil {
				entry.Size = *obj.Size
			}
			if obj.LastModified != nil {
				entry.Modified = *obj.LastModified
			}
			entries = append(entries, entry)
		}
	}

	metrics.RecordProviderOp(b.Kind(), "list", time.Since(start), true)
	return entries, nil
}

// entryPath maps an object key back to a provider-absolute path.
func (b *Backend) entryPath(key string) string {
	if b.prefix != "" {
		key = strings.TrimPrefix(key, b.prefix+"/")
	}
	return "/" + key
}

// Stat refreshes one entry's metadata.
func (b *Backend) Stat(ctx context.Context, entry *protocol.RemoteEntry) (*protocol.RemoteEntry, error) {
	if entry.IsDir() {
		return entry, nil
	}

	start := time.Now()
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.keyFor(entry.Path)),
	})
	if err != nil {
		metrics.RecordProviderOp(b.Kind(), "stat", time.Since(start), false)
		return nil, classify("stat", err)
	}
	metrics.RecordProviderOp(b.Kind(), "stat", time.Since(start), true)

	fresh := *entry
	if head.ContentLength != nil {
		fresh.Size = *head.ContentLength
	}
	if head.LastModified != nil {
		fresh.Modified = *head.LastModified
	}
	return &fresh, nil
}

// ReadRange reads one byte range of an object.
func (b *Backend) ReadRange(ctx context.Context, entry *protocol.RemoteEntry, offset, length int64) (io.ReadCloser, int64, error) {
	start := time.Now()

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.keyFor(entry.Path)),
	}
	if offset > 0 || length > 0 {
		var rangeStr string
		if length > 0 {
			rangeStr = fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
		} else {
			rangeStr = fmt.Sprintf("bytes=%d-", offset)
		}
		input.Range = aws.String(rangeStr)
	}

	result, err := b.client.GetObject(ctx, input)
	if err != nil {
		metrics.RecordProviderOp(b.Kind(), "read", time.Since(start), false)
		return nil, 0, classify("read", err)
	}
	metrics.RecordProviderOp(b.Kind(), "read", time.Since(start), true)

	totalSize := int64(0)
	if result.ContentLength != nil {
		totalSize = *result.ContentLength
	}
	return result.Body, totalSize, nil
}

// Upload creates an object under folder.
func (b *Backend) Upload(ctx context.Context, folder *protocol.RemoteEntry, name string, content io.ReadSeeker, size int64) (*protocol.RemoteEntry, error) {
	folderPath := strings.TrimSuffix(folder.Path, "/")
	return b.put(ctx, folderPath+"/"+name, name, content, size)
}

// Update replaces an existing object's content.
func (b *Backend) Update(ctx context.Context, entry *protocol.RemoteEntry, content io.ReadSeeker, size int64) (*protocol.RemoteEntry, error) {
	return b.put(ctx, entry.Path, entry.Name, content, size)
}

func (b *Backend) put(ctx context.Context, entryPath, name string, content io.ReadSeeker, size int64) (*protocol.RemoteEntry, error) {
	key := b.keyFor(entryPath)
	start := time.Now()

	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          content,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		metrics.RecordProviderOp(b.Kind(), "upload", time.Since(start), false)
		return nil, classify("upload", err)
	}
	metrics.RecordProviderOp(b.Kind(), "upload", time.Since(start), true)
	metrics.RecordBytesUploaded(size)

	logging.Debug("s3 put object", logging.String("key", key), logging.Int64("size", size))
	return &protocol.RemoteEntry{
		ID:           key,
		Name:         name,
		Kind:         protocol.KindFile,
		Path:         entryPath,
		Materialized: entryPath,
		Provider:     b.provider,
		Size:         size,
		Modified:     time.Now(),
	}, nil
}

// Remove deletes an object.
func (b *Backend) Remove(ctx context.Context, entry *protocol.RemoteEntry) error {
	return b.deleteKey(ctx, b.keyFor(entry.Path))
}

// Mkdir creates a zero-byte placeholder marking the folder.
func (b *Backend) Mkdir(ctx context.Context, folder *protocol.RemoteEntry, name string) (*protocol.RemoteEntry, error) {
	folderPath := strings.TrimSuffix(folder.Path, "/")
	entryPath := folderPath + "/" + name + "/"
	key := b.keyFor(entryPath)

	start := time.Now()
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		metrics.RecordProviderOp(b.Kind(), "mkdir", time.Since(start), false)
		return nil, classify("mkdir", err)
	}
	metrics.RecordProviderOp(b.Kind(), "mkdir", time.Since(start), true)

	logging.Debug("s3 mkdir", logging.String("key", key))
	return &protocol.RemoteEntry{
		ID:           key,
		Name:         name,
		Kind:         protocol.KindFolder,
		Path:         entryPath,
		Materialized: entryPath,
		Provider:     b.provider,
	}, nil
}

// Rmdir deletes the folder placeholder.
func (b *Backend) Rmdir(ctx context.Context, entry *protocol.RemoteEntry) error {
	key := b.keyFor(entry.Path)
	if !strings.HasSuffix(key, "/") {
		key += "/"
	}
	return b.deleteKey(ctx, key)
}

func (b *Backend) deleteKey(ctx context.Context, key string) error {
	start := time.Now()
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordProviderOp(b.Kind(), "remove", time.Since(start), false)
		return classify("remove", err)
	}
	metrics.RecordProviderOp(b.Kind(), "remove", time.Since(start), true)
	logging.Debug("s3 delete object", logging.String("key", key))
	return nil
}

// Rename copies the object to its new key and deletes the old one.
// Folder renames would require a recursive copy and are not supported.
func (b *Backend) Rename(ctx context.Context, entry *protocol.RemoteEntry, dstFolder *protocol.RemoteEntry, newName string) error {
	if entry.IsDir() {
		return &api.UpstreamError{Kind: api.NotSupported, Detail: "folder rename on direct s3"}
	}

	srcKey := b.keyFor(entry.Path)
	dstKey := b.keyFor(strings.TrimSuffix(dstFolder.Path, "/") + "/" + newName)

	start := time.Now()
	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(b.bucket + "/" + srcKey),
	})
	if err != nil {
		metrics.RecordProviderOp(b.Kind(), "rename", time.Since(start), false)
		return classify("rename", err)
	}
	metrics.RecordProviderOp(b.Kind(), "rename", time.Since(start), true)

	logging.Debug("s3 copy object", logging.String("src", srcKey), logging.String("dst", dstKey))
	return b.deleteKey(ctx, srcKey)
}
