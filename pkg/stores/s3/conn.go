package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ConnConfig carries the connection settings for an S3-compatible endpoint.
type ConnConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

/*
Conn wraps a minio client scoped to a single bucket.  The bucket is created
on first use when it does not exist yet, which keeps local minio setups
zero-config.
*/
type Conn struct {
	client *minio.Client
	bucket string
}

func NewConn(ctx context.Context, cfg ConnConfig) (*Conn, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})

	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Endpoint, err)
	}

	conn := &Conn{client: client, bucket: cfg.Bucket}

	if err := conn.ensureBucket(ctx); err != nil {
		return nil, err
	}

	return conn, nil
}

func (conn *Conn) ensureBucket(ctx context.Context) error {
	exists, err := conn.client.BucketExists(ctx, conn.bucket)

	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", conn.bucket, err)
	}

	if exists {
		return nil
	}

	return conn.client.MakeBucket(ctx, conn.bucket, minio.MakeBucketOptions{})
}

// Get reads an object in full.  A missing key is not an error; it is
// reported through the second return value.
func (conn *Conn) Get(ctx context.Context, key string) ([]byte, bool, error) {
	obj, err := conn.client.GetObject(ctx, conn.bucket, key, minio.GetObjectOptions{})

	if err != nil {
		return nil, false, err
	}

	defer obj.Close()

	data, err := io.ReadAll(obj)

	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, false, nil
		}
		return nil, false, err
	}

	return data, true, nil
}

func (conn *Conn) Put(ctx context.Context, key string, data []byte) error {
	_, err := conn.client.PutObject(
		ctx, conn.bucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"},
	)

	return err
}

func (conn *Conn) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	for obj := range conn.client.ListObjects(ctx, conn.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}

		keys = append(keys, obj.Key)
	}

	return keys, nil
}
