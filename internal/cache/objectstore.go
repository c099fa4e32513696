package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kmorten/asset-optimizer/internal/models"
)

// ObjectStoreConfig configures the S3-compatible variant cache backend.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ObjectStoreCache implements Cache on an S3-compatible object store
// (MinIO, AWS S3). Variants are stored as raw image objects with freshness
// carried in user metadata, so the bucket doubles as a browsable archive of
// everything the optimizer has produced. Safe for concurrent use.
type ObjectStoreCache struct {
	client *minio.Client
	bucket string
}

const objectPrefix = "variants/"

// NewObjectStoreCache creates the client, validates connectivity and ensures
// the bucket exists (creating it when missing).
func NewObjectStoreCache(cfg ObjectStoreConfig) (*ObjectStoreCache, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("object store endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("object store credentials are required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object store bucket is required")
	}

	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &ObjectStoreCache{client: cli, bucket: cfg.Bucket}, nil
}

func (c *ObjectStoreCache) objectKey(key string) string {
	return objectPrefix + key
}

// Get implements Cache.Get. Objects past their logical freshness report a miss
// but stay in the bucket for GetStale.
func (c *ObjectStoreCache) Get(ctx context.Context, key string) (models.Variant, bool, error) {
	v, ok, err := c.fetch(ctx, key)
	if err != nil || !ok {
		return models.Variant{}, false, err
	}
	if v.expiresAt.IsZero() || time.Now().After(v.expiresAt) {
		return models.Variant{}, false, nil
	}
	return v.variant, true, nil
}

// GetStale implements Cache.GetStale.
func (c *ObjectStoreCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Variant, bool, error) {
	v, ok, err := c.fetch(ctx, key)
	if err != nil || !ok {
		return models.Variant{}, false, err
	}
	if maxStaleAge > 0 && time.Since(v.variant.Timestamp) > maxStaleAge {
		return models.Variant{}, false, nil
	}
	return v.variant, true, nil
}

type fetched struct {
	variant   models.Variant
	expiresAt time.Time
}

func (c *ObjectStoreCache) fetch(ctx context.Context, key string) (fetched, bool, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, c.objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		return fetched{}, false, err
	}
	defer obj.Close()

	st, err := obj.Stat()
	if err != nil {
		if isNoSuchKey(err) {
			return fetched{}, false, nil
		}
		return fetched{}, false, err
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return fetched{}, false, fmt.Errorf("read cached object: %w", err)
	}

	v := models.Variant{
		Key:         key,
		SourceURL:   st.UserMetadata["Source-Url"],
		ContentType: st.ContentType,
		ETag:        st.UserMetadata["Variant-Etag"],
		Data:        data,
	}
	v.Width, _ = strconv.Atoi(st.UserMetadata["Width"])
	v.Height, _ = strconv.Atoi(st.UserMetadata["Height"])
	v.Quality, _ = strconv.Atoi(st.UserMetadata["Quality"])
	if ts, err := time.Parse(time.RFC3339, st.UserMetadata["Stored-At"]); err == nil {
		v.Timestamp = ts
	} else {
		v.Timestamp = st.LastModified
	}

	out := fetched{variant: v}
	if exp, err := time.Parse(time.RFC3339, st.UserMetadata["Expires-At"]); err == nil {
		out.expiresAt = exp
	}
	return out, true, nil
}

// Set implements Cache.Set using streaming upload of the raw image bytes.
func (c *ObjectStoreCache) Set(ctx context.Context, key string, value models.Variant, ttl time.Duration) error {
	meta := map[string]string{
		"Source-Url":   value.SourceURL,
		"Width":        strconv.Itoa(value.Width),
		"Height":       strconv.Itoa(value.Height),
		"Quality":      strconv.Itoa(value.Quality),
		"Variant-Etag": value.ETag,
		"Stored-At":    value.Timestamp.UTC().Format(time.RFC3339),
		"Expires-At":   time.Now().Add(ttl).UTC().Format(time.RFC3339),
	}
	_, err := c.client.PutObject(ctx, c.bucket, c.objectKey(key),
		bytes.NewReader(value.Data), int64(len(value.Data)),
		minio.PutObjectOptions{
			ContentType:  value.ContentType,
			UserMetadata: meta,
		})
	if err != nil {
		return fmt.Errorf("put cached object: %w", err)
	}
	return nil
}

// Ping checks that the bucket is reachable. Used for health checks.
func (c *ObjectStoreCache) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := c.client.BucketExists(ctx, c.bucket)
	return err
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}
