// Package archive stores a JSON copy of every published poem in an
// S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Document is the archived form of a poem.
type Document struct {
	PoemID      string    `json:"poemId"`
	SessionID   string    `json:"sessionId"`
	StreamID    string    `json:"streamId,omitempty"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	SourceTitle string    `json:"sourceTitle"`
	SourceHash  string    `json:"sourceHash"`
	WordCount   int       `json:"wordCount"`
	HiddenCount int       `json:"hiddenCount"`
	PublishedAt time.Time `json:"publishedAt"`
}

type Store struct {
	client *minio.Client
	bucket string
}

// New connects to the bucket, creating it if it does not exist.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create archive client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// ObjectKey is where doc is stored: poems/YYYY/MM/<sessionId>.json.
func ObjectKey(doc Document) string {
	at := doc.PublishedAt.UTC()
	return fmt.Sprintf("poems/%04d/%02d/%s.json", at.Year(), int(at.Month()), doc.SessionID)
}

// Encode renders doc as indented JSON.
func Encode(doc Document) ([]byte, error) {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal archive document: %w", err)
	}
	return append(payload, '\n'), nil
}

// Put writes doc, replacing any earlier copy for the same session.
func (s *Store) Put(ctx context.Context, doc Document) (string, error) {
	payload, err := Encode(doc)
	if err != nil {
		return "", err
	}
	key := ObjectKey(doc)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return key, nil
}
