package store

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// SaveRemote uploads an already-encoded snapshot to a gs:// or s3:// URI.
// Save handles local paths only; nothing in this repository calls
// SaveRemote or LoadRemote, including for a STATE_FILE that names a bucket.
func SaveRemote(ctx context.Context, uri string, data []byte) error {
	scheme, bucket, key, err := splitURI(uri)
	if err != nil {
		return err
	}
	switch scheme {
	case "gs":
		return uploadGCS(ctx, bucket, key, data)
	case "s3":
		return uploadS3(ctx, bucket, key, data)
	default:
		return fmt.Errorf("store: unsupported remote scheme %q", scheme)
	}
}

// LoadRemote downloads a snapshot from a gs:// or s3:// URI. A missing
// object is reported via ok=false, not an error, mirroring LoadFromFile's
// cold-boot tolerance for a missing local path.
func LoadRemote(ctx context.Context, uri string) (data []byte, ok bool, err error) {
	scheme, bucket, key, err := splitURI(uri)
	if err != nil {
		return nil, false, err
	}
	switch scheme {
	case "gs":
		return downloadGCS(ctx, bucket, key)
	case "s3":
		return downloadS3(ctx, bucket, key)
	default:
		return nil, false, fmt.Errorf("store: unsupported remote scheme %q", scheme)
	}
}

func splitURI(uri string) (scheme, bucket, key string, err error) {
	scheme, isRemote := RemoteURI(uri)
	if !isRemote {
		return "", "", "", fmt.Errorf("store: %q is not a remote URI", uri)
	}
	rest := strings.TrimPrefix(uri, scheme+"://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("store: malformed remote URI %q, want %s://bucket/key", uri, scheme)
	}
	return scheme, parts[0], parts[1], nil
}

func uploadGCS(ctx context.Context, bucket, key string, data []byte) error {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("gcs: new client: %w", err)
	}
	defer client.Close()

	w := client.Bucket(bucket).Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("gcs: write object: %w", err)
	}
	return w.Close()
}

func downloadGCS(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("gcs: new client: %w", err)
	}
	defer client.Close()

	r, err := client.Bucket(bucket).Object(key).NewReader(ctx)
	if err == storage.ErrObjectNotExist {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("gcs: open object: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, false, fmt.Errorf("gcs: read object: %w", err)
	}
	return data, true, nil
}

func uploadS3(ctx context.Context, bucket, key string, data []byte) error {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("s3: load config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(string(data)),
	})
	if err != nil {
		return fmt.Errorf("s3: put object: %w", err)
	}
	return nil
}

func downloadS3(ctx context.Context, bucket, key string) ([]byte, bool, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("s3: load config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("s3: get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("s3: read object body: %w", err)
	}
	return data, true, nil
}
