package storage

import (
	"bytes"
	"chatline/chatline/config"
	"chatline/chatline/utils/logging"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

var (
	// ErrNotConfigured is returned by NewMinIOClient when no endpoint is set.
	ErrNotConfigured      = errors.New("minio endpoint not configured")
	ErrTranscriptNotFound = errors.New("transcript not found")
)

type MinIOClient struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

func NewMinIOClient(ctx context.Context, cfg config.Config) (*MinIOClient, error) {
	if cfg.MinIOEndpoint == "" {
		return nil, ErrNotConfigured
	}
	client, err := minio.New(cfg.MinIOEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinIOAccessKey, cfg.MinIOSecretKey, ""),
		Secure: cfg.MinIOSecure,
	})
	if err != nil {
		return nil, err
	}
	m := &MinIOClient{client: client, bucket: cfg.MinIOBucket, now: time.Now}
	if err := m.ensureBucket(ctx); err != nil {
		return nil, err
	}
	logging.AppLogger.Info("minio transcript archive ready",
		zap.String("endpoint", cfg.MinIOEndpoint),
		zap.String("bucket", cfg.MinIOBucket),
	)
	return m, nil
}

func (m *MinIOClient) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", m.bucket, err)
	}
	return nil
}

// TranscriptPrefix is the key prefix shared by every archive of a room.
func TranscriptPrefix(roomID string) string {
	return "transcripts/" + roomID + "/"
}

// TranscriptKey names the object for one archive run of a room.
func TranscriptKey(roomID string, at time.Time) string {
	return path.Join(TranscriptPrefix(roomID), at.UTC().Format("20060102T150405.000000Z")+".json")
}

// UploadTranscript stores a serialized room history and returns its key.
func (m *MinIOClient) UploadTranscript(ctx context.Context, roomID string, data []byte) (string, error) {
	key := TranscriptKey(roomID, m.now())
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return "", err
	}
	return key, nil
}

// GetTranscript reads back an archived transcript by key.
func (m *MinIOClient) GetTranscript(ctx context.Context, key string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrTranscriptNotFound
		}
		return nil, err
	}
	return data, nil
}
