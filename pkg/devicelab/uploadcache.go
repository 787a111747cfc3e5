package devicelab

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"
)

// CachePolicy controls whether Resolve may reuse an existing upload.
type CachePolicy int

const (
	// CacheAware reuses a matching prior upload when one exists.
	CacheAware CachePolicy = iota
	// AlwaysFresh skips the cache entirely. Test-package bundles use this:
	// their content is regenerated before every run and a stale hit would
	// silently run old test code.
	AlwaysFresh
)

// Upload-processing poll: fixed 2-second spacing, 30 attempts, 60s ceiling.
const (
	uploadPollInterval = 2 * time.Second
	uploadPollAttempts = 30
)

// metadataHashKey is the custom metadata field carrying the content hash.
const metadataHashKey = "content_sha256"

// UploadCache resolves a local file to a remote artifact reference,
// reusing the service's existing uploads when the policy allows it.
type UploadCache struct {
	client       Client
	logger       *slog.Logger
	pollInterval time.Duration
	pollAttempts uint64
}

// NewUploadCache builds an upload cache over the given client.
func NewUploadCache(client Client, logger *slog.Logger) *UploadCache {
	return &UploadCache{
		client:       client,
		logger:       logger,
		pollInterval: uploadPollInterval,
		pollAttempts: uploadPollAttempts,
	}
}

// Resolve returns a remote reference for the file at filePath, uploading
// it only when no acceptable prior upload exists.
func (u *UploadCache) Resolve(ctx context.Context, project, filePath string, kind UploadKind, policy CachePolicy) (string, error) {
	name := filepath.Base(filePath)
	hash, err := hashFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", filePath, err)
	}
	logger := u.logger.With(slog.String("name", name), slog.String("kind", string(kind)))

	if policy == CacheAware {
		if ref := u.lookup(ctx, project, name, hash, kind, logger); ref != "" {
			return ref, nil
		}
	}
	return u.upload(ctx, project, filePath, name, hash, kind, logger)
}

// lookup searches the service's existing uploads for a usable match.
func (u *UploadCache) lookup(ctx context.Context, project, name, hash string, kind UploadKind, logger *slog.Logger) string {
	uploads, err := u.client.ListUploads(ctx, project, kind)
	if err != nil {
		// A failed listing just means a fresh upload.
		logger.Warn("Failed to list existing uploads, uploading fresh", slog.String("error", err.Error()))
		return ""
	}

	// Strong hit: same name and an exact content-hash match in metadata.
	for _, up := range uploads {
		if up.Name == name && up.Status == UploadSucceeded && up.Metadata[metadataHashKey] == hash {
			logger.Info("Reusing existing upload (hash match)", slog.String("ref", up.Ref))
			return up.Ref
		}
	}

	// Weak hit: same name, succeeded within the last 24 hours. Covers
	// services that do not echo custom metadata back.
	for _, up := range uploads {
		if up.Name == name && up.Status == UploadSucceeded && time.Since(up.CreatedAt) < 24*time.Hour {
			logger.Info("Reusing recent upload (name match within 24h)", slog.String("ref", up.Ref))
			return up.Ref
		}
	}
	return ""
}

// upload creates a fresh upload slot, transfers the bytes and polls the
// processing status until SUCCEEDED or the poll ceiling.
func (u *UploadCache) upload(ctx context.Context, project, filePath, name, hash string, kind UploadKind, logger *slog.Logger) (string, error) {
	created, err := u.client.CreateUpload(ctx, project, name, kind, map[string]string{metadataHashKey: hash})
	if err != nil {
		return "", fmt.Errorf("failed to create upload slot for %s: %w", name, err)
	}

	file, err := os.Open(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", filePath, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", filePath, err)
	}

	if err := u.client.PutUploadContent(ctx, created.URL, file, info.Size()); err != nil {
		return "", fmt.Errorf("failed to transfer %s: %w", name, err)
	}
	logger.Info("Upload content transferred, waiting for processing", slog.String("ref", created.Ref))

	backoff := retry.WithMaxRetries(u.pollAttempts-1, retry.NewConstant(u.pollInterval))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		upload, err := u.client.GetUpload(ctx, created.Ref)
		if err != nil {
			return retry.RetryableError(err)
		}
		switch upload.Status {
		case UploadSucceeded:
			return nil
		case UploadFailed:
			return fmt.Errorf("upload %s failed processing", created.Ref)
		default:
			return retry.RetryableError(fmt.Errorf("upload %s still %s", created.Ref, upload.Status))
		}
	})
	if err != nil {
		return "", fmt.Errorf("upload %s did not succeed after %d status checks at %s intervals: %w",
			created.Ref, u.pollAttempts, u.pollInterval, err)
	}

	logger.Info("Upload processed", slog.String("ref", created.Ref))
	return created.Ref, nil
}

// hashFile computes the hex SHA-256 of the file's content.
func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
