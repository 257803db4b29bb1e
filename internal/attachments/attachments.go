package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrNotConfigured = errors.New("attachment storage not configured")
	ErrEmptyFile     = errors.New("attachment is empty")
)

const (
	keyPrefix        = "forum/"
	defaultExtension = ".bin"
	maxExtensionLen  = 16
)

// ObjectStore is the subset of *minio.Client used for uploads.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

type Attachment struct {
	URL  string `json:"url"`
	Key  string `json:"-"`
	Size int64  `json:"-"`
}

type Store struct {
	client    ObjectStore
	bucket    string
	publicURL string
	newKey    func(ext string) string
}

// New connects to an S3-compatible endpoint. It returns a nil store and
// no error when no endpoint is configured.
func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, nil
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}

	publicURL := cfg.PublicURL
	if publicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}
	return NewWithClient(client, cfg.Bucket, publicURL), nil
}

func NewWithClient(client ObjectStore, bucket, publicURL string) *Store {
	return &Store{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
		newKey: func(ext string) string {
			return keyPrefix + uuid.NewString() + ext
		},
	}
}

// EnsureBucket creates the bucket on first start.
func (s *Store) EnsureBucket(ctx context.Context) error {
	if s == nil {
		return ErrNotConfigured
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Save uploads one file under a fresh key and returns its public URL.
func (s *Store) Save(ctx context.Context, filename, contentType string, body io.Reader, size int64) (Attachment, error) {
	if s == nil {
		return Attachment{}, ErrNotConfigured
	}
	if size == 0 {
		return Attachment{}, ErrEmptyFile
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := s.newKey(NormalizeExtension(filename))
	info, err := s.client.PutObject(ctx, s.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Attachment{}, fmt.Errorf("upload attachment: %w", err)
	}
	return Attachment{
		URL:  s.publicURL + "/" + key,
		Key:  key,
		Size: info.Size,
	}, nil
}

// NormalizeExtension reduces a filename to a safe lowercase extension
// such as ".png", or ".bin" when none survives.
func NormalizeExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	var b strings.Builder
	for _, r := range ext {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	cleaned := strings.TrimLeft(b.String(), ".")
	if len(cleaned) > maxExtensionLen {
		cleaned = cleaned[:maxExtensionLen]
	}
	if cleaned == "" {
		return defaultExtension
	}
	return "." + cleaned
}
