package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/csabourin/do-migration-sub006/internal/pkg/logger"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// S3Options configures an S3-compatible gateway
type S3Options struct {
	Name      string
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
	Bucket    string
	Root      string
}

// S3Gateway implements Gateway over any S3-compatible endpoint via minio-go
type S3Gateway struct {
	client *minio.Client
	name   string
	bucket string
	root   string
	logger *logger.Logger
}

// NewS3Gateway creates an S3 gateway and verifies the bucket is reachable
func NewS3Gateway(ctx context.Context, opts S3Options, log *logger.Logger) (*S3Gateway, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("s3 gateway %q: endpoint and bucket are required", opts.Name)
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("s3 gateway %q: %w", opts.Name, err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("s3 gateway %q: %w: %v", opts.Name, ErrUnreachable, err)
	}
	if !exists {
		return nil, fmt.Errorf("s3 gateway %q: bucket %q does not exist", opts.Name, opts.Bucket)
	}

	log.Info("s3 gateway initialized",
		zap.String("name", opts.Name),
		zap.String("endpoint", opts.Endpoint),
		zap.String("bucket", opts.Bucket),
		zap.String("root", opts.Root),
	)

	return &S3Gateway{
		client: client,
		name:   opts.Name,
		bucket: opts.Bucket,
		root:   CanonicalPath(opts.Root),
		logger: log.Named("s3." + opts.Name),
	}, nil
}

func (g *S3Gateway) Name() string             { return g.name }
func (g *S3Gateway) BackendKind() BackendKind { return KindS3 }
func (g *S3Gateway) BucketID() string         { return g.bucket }
func (g *S3Gateway) RootPath() string         { return g.root }

// fullKey maps a root-relative object path onto the bucket key
func (g *S3Gateway) fullKey(objectPath string) string {
	return JoinRoot(g.root, objectPath)
}

// relKey strips the root prefix from a bucket key
func (g *S3Gateway) relKey(key string) string {
	if g.root == "" {
		return CanonicalPath(key)
	}
	return strings.TrimPrefix(CanonicalPath(key), g.root+"/")
}

// List streams objects under prefix. The terminal entry carries Err when the
// listing failed mid-stream.
func (g *S3Gateway) List(ctx context.Context, prefix string, recursive bool) <-chan ListEntry {
	out := make(chan ListEntry, 64)

	go func() {
		defer close(out)

		listPrefix := g.fullKey(prefix)
		if listPrefix != "" {
			listPrefix += "/"
		}

		objects := g.client.ListObjects(ctx, g.bucket, minio.ListObjectsOptions{
			Prefix:    listPrefix,
			Recursive: recursive,
		})

		for obj := range objects {
			if obj.Err != nil {
				out <- ListEntry{Err: fmt.Errorf("%w: listing %s/%s: %v", ErrUnreachable, g.bucket, listPrefix, obj.Err)}
				return
			}

			isDir := strings.HasSuffix(obj.Key, "/")
			entry := ListEntry{ObjectInfo: ObjectInfo{
				Path:         g.relKey(obj.Key),
				Size:         obj.Size,
				LastModified: obj.LastModified,
				IsDir:        isDir,
			}}

			select {
			case out <- entry:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Read fetches the full object body
func (g *S3Gateway) Read(ctx context.Context, objectPath string) ([]byte, error) {
	var data []byte
	err := withRetry(ctx, defaultRetryAttempts, defaultRetryDelay, func() error {
		obj, err := g.client.GetObject(ctx, g.bucket, g.fullKey(objectPath), minio.GetObjectOptions{})
		if err != nil {
			return g.mapError("Read", objectPath, err)
		}
		defer obj.Close()

		data, err = io.ReadAll(obj)
		if err != nil {
			return g.mapError("Read", objectPath, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Write uploads an object with optional user metadata
func (g *S3Gateway) Write(ctx context.Context, objectPath string, data []byte, metadata map[string]string) error {
	return withRetry(ctx, defaultRetryAttempts, defaultRetryDelay, func() error {
		_, err := g.client.PutObject(ctx, g.bucket, g.fullKey(objectPath),
			bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{UserMetadata: metadata},
		)
		if err != nil {
			return g.mapError("Write", objectPath, err)
		}

		g.logger.Debug("object written",
			zap.String("path", objectPath),
			zap.Int("size", len(data)),
		)
		return nil
	})
}

// Delete removes an object
func (g *S3Gateway) Delete(ctx context.Context, objectPath string) error {
	return withRetry(ctx, defaultRetryAttempts, defaultRetryDelay, func() error {
		err := g.client.RemoveObject(ctx, g.bucket, g.fullKey(objectPath), minio.RemoveObjectOptions{})
		if err != nil {
			return g.mapError("Delete", objectPath, err)
		}

		g.logger.Debug("object deleted", zap.String("path", objectPath))
		return nil
	})
}

// Move performs a server-side copy followed by a delete of the source
func (g *S3Gateway) Move(ctx context.Context, fromPath, toPath string) error {
	err := withRetry(ctx, defaultRetryAttempts, defaultRetryDelay, func() error {
		_, err := g.client.CopyObject(ctx,
			minio.CopyDestOptions{Bucket: g.bucket, Object: g.fullKey(toPath)},
			minio.CopySrcOptions{Bucket: g.bucket, Object: g.fullKey(fromPath)},
		)
		if err != nil {
			return g.mapError("Move", fromPath, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return g.Delete(ctx, fromPath)
}

// Exists reports whether an object is present
func (g *S3Gateway) Exists(ctx context.Context, objectPath string) (bool, error) {
	_, err := g.Stat(ctx, objectPath)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Stat returns object metadata without the body
func (g *S3Gateway) Stat(ctx context.Context, objectPath string) (ObjectInfo, error) {
	var info ObjectInfo
	err := withRetry(ctx, defaultRetryAttempts, defaultRetryDelay, func() error {
		stat, err := g.client.StatObject(ctx, g.bucket, g.fullKey(objectPath), minio.StatObjectOptions{})
		if err != nil {
			return g.mapError("Stat", objectPath, err)
		}
		info = ObjectInfo{
			Path:         objectPath,
			Size:         stat.Size,
			LastModified: stat.LastModified,
		}
		return nil
	})
	return info, err
}

// mapError converts minio errors into the package sentinels
func (g *S3Gateway) mapError(op, objectPath string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == 404 {
		return fmt.Errorf("%s %s/%s: %w", op, g.name, objectPath, ErrObjectNotFound)
	}
	return fmt.Errorf("%s %s/%s: %w", op, g.name, objectPath, err)
}
