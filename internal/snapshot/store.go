// Package snapshot uploads the frame that triggered each recording to
// object storage, keyed by camera and date. Best-effort only.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const maxUploadRetries = 3

// Config holds the object-store connection settings.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
}

// Store uploads JPEG trigger frames to MinIO.
type Store struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewStore creates the store and ensures the bucket exists.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create snapshot client: %w", err)
	}

	s := &Store{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.Named("snapshot"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check snapshot bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create snapshot bucket: %w", err)
		}
		s.logger.Info("created snapshot bucket", zap.String("bucket", cfg.Bucket))
	}
	return s, nil
}

// Save encodes frame as JPEG and uploads it, retrying transient
// failures. Takes ownership of frame and closes it.
func (s *Store) Save(ctx context.Context, camera string, score float64, frame gocv.Mat) {
	defer frame.Close()

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, frame)
	if err != nil {
		s.logger.Warn("snapshot encode failed",
			zap.String("camera", camera),
			zap.Error(err))
		return
	}
	defer buf.Close()
	data := buf.GetBytes()

	key := fmt.Sprintf("%s/%s/%s.jpg", camera, time.Now().UTC().Format("2006/01/02"), uuid.NewString())

	op := func() error {
		_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{
				ContentType: "image/jpeg",
				UserMetadata: map[string]string{
					"camera": camera,
					"score":  fmt.Sprintf("%.0f", score),
				},
			})
		return err
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxUploadRetries)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		s.logger.Warn("snapshot upload failed",
			zap.String("camera", camera),
			zap.String("key", key),
			zap.Error(err))
		return
	}

	s.logger.Debug("snapshot uploaded",
		zap.String("camera", camera),
		zap.String("key", key),
		zap.Int("bytes", len(data)))
}
