package assets

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	downloadTimeout = 120 * time.Second

	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// Store moves assets between the local filesystem and remote storage.
// Uploads go to a MinIO bucket and come back as public object URLs — those
// URLs are the remote handles passed to image generation providers.
// Downloads fetch a provider result URL into a local file with retries.
type Store struct {
	client     *minio.Client
	bucket     string
	publicBase string // e.g. "https://assets.example.com/storyboard"
	httpClient *http.Client
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	scheme := "http"
	if useSSL {
		scheme = "https"
	}

	return &Store{
		client:     client,
		bucket:     bucket,
		publicBase: fmt.Sprintf("%s://%s/%s", scheme, endpoint, bucket),
		httpClient: &http.Client{Timeout: downloadTimeout},
	}, nil
}

// SetPublicBase overrides the derived public URL base, for deployments that
// front the bucket with a CDN or reverse proxy.
func (s *Store) SetPublicBase(base string) {
	s.publicBase = strings.TrimRight(base, "/")
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Printf("[Assets] Created bucket %s", s.bucket)
	}
	return nil
}

// Upload pushes a local file to the bucket and returns its public URL.
func (s *Store) Upload(ctx context.Context, localPath string) (string, error) {
	if _, err := os.Stat(localPath); err != nil {
		return "", fmt.Errorf("local asset missing: %w", err)
	}

	objectName := fmt.Sprintf("uploads/%s_%s", uuid.New().String()[:8], filepath.Base(localPath))
	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.FPutObject(ctx, s.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", localPath, err)
	}

	url := fmt.Sprintf("%s/%s", s.publicBase, objectName)
	log.Printf("[Assets] Uploaded %s -> %s", localPath, url)
	return url, nil
}

// Download fetches a remote handle into destPath with retries and
// exponential backoff. Used to persist provider results locally.
func (s *Store) Download(ctx context.Context, remoteURL, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create asset dir: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Printf("[Assets] Download retry %d/%d for %s (waiting %v)...", attempt, maxRetries, remoteURL, delay)

			select {
			case <-ctx.Done():
				return fmt.Errorf("download cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		dlCtx, cancel := context.WithTimeout(ctx, downloadTimeout)

		req, err := http.NewRequestWithContext(dlCtx, "GET", remoteURL, nil)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to create request: %w", err)
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			cancel()
			lastErr = fmt.Errorf("failed to download: %w", err)
			if isRetryableError(err) {
				continue
			}
			return lastErr
		}

		if resp.StatusCode == http.StatusOK {
			data, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			cancel()
			if err != nil {
				lastErr = fmt.Errorf("failed to read download body: %w", err)
				continue
			}
			if err := os.WriteFile(destPath, data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", destPath, err)
			}
			return nil
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		lastErr = fmt.Errorf("download failed with status %d: %s", resp.StatusCode, truncate(string(body), 200))

		if isRetryableStatus(resp.StatusCode) {
			continue
		}
		return lastErr
	}

	return fmt.Errorf("download failed after %d attempts: %w", maxRetries+1, lastErr)
}

// retryDelay calculates exponential backoff: base * 2^attempt, capped.
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	return time.Duration(delay)
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
