package devicelab

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient implements Client in memory. Uploads succeed after
// succeedAfter status polls.
type fakeClient struct {
	Client

	existing     []Upload
	listErr      error
	succeedAfter int
	failUploads  bool

	createCalls int
	putCalls    int
	getCalls    map[string]int
	nextRef     int
}

func newFakeClient() *fakeClient {
	return &fakeClient{getCalls: make(map[string]int)}
}

func (f *fakeClient) ListUploads(ctx context.Context, project string, kind UploadKind) ([]Upload, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.existing, nil
}

func (f *fakeClient) CreateUpload(ctx context.Context, project, name string, kind UploadKind, metadata map[string]string) (*Upload, error) {
	f.createCalls++
	f.nextRef++
	return &Upload{
		Ref:       fmt.Sprintf("upload-%d", f.nextRef),
		Name:      name,
		Kind:      kind,
		Status:    UploadInitialized,
		URL:       "https://uploads.example/put",
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeClient) PutUploadContent(ctx context.Context, uploadURL string, body io.Reader, size int64) error {
	f.putCalls++
	_, err := io.Copy(io.Discard, body)
	return err
}

func (f *fakeClient) GetUpload(ctx context.Context, ref string) (*Upload, error) {
	f.getCalls[ref]++
	status := UploadProcessing
	if f.failUploads {
		status = UploadFailed
	} else if f.getCalls[ref] > f.succeedAfter {
		status = UploadSucceeded
	}
	return &Upload{Ref: ref, Status: status}, nil
}

func newTestCache(client Client) *UploadCache {
	cache := NewUploadCache(client, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1})))
	cache.pollInterval = time.Millisecond
	cache.pollAttempts = 5
	return cache
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestResolve_StrongCacheHit(t *testing.T) {
	path := writeTempFile(t, "app.apk", "binary content")
	hash, err := hashFile(path)
	require.NoError(t, err)

	client := newFakeClient()
	client.existing = []Upload{
		{Ref: "upload-old", Name: "app.apk", Status: UploadSucceeded,
			Metadata:  map[string]string{metadataHashKey: hash},
			CreatedAt: time.Now().Add(-72 * time.Hour)},
	}
	cache := newTestCache(client)

	ref, err := cache.Resolve(context.Background(), "proj", path, UploadAndroidApp, CacheAware)
	require.NoError(t, err)
	assert.Equal(t, "upload-old", ref)
	assert.Zero(t, client.createCalls, "a cache hit must not create a new upload")
	assert.Zero(t, client.putCalls)
}

func TestResolve_WeakCacheHitWithin24h(t *testing.T) {
	path := writeTempFile(t, "app.apk", "binary content")

	client := newFakeClient()
	client.existing = []Upload{
		// Hash mismatch, but same name and recent: accepted as a weak hit.
		{Ref: "upload-recent", Name: "app.apk", Status: UploadSucceeded,
			Metadata:  map[string]string{metadataHashKey: "different"},
			CreatedAt: time.Now().Add(-time.Hour)},
	}
	cache := newTestCache(client)

	ref, err := cache.Resolve(context.Background(), "proj", path, UploadAndroidApp, CacheAware)
	require.NoError(t, err)
	assert.Equal(t, "upload-recent", ref)
	assert.Zero(t, client.createCalls)
}

func TestResolve_StaleEntryUploadsFresh(t *testing.T) {
	path := writeTempFile(t, "app.apk", "binary content")

	client := newFakeClient()
	client.existing = []Upload{
		{Ref: "upload-stale", Name: "app.apk", Status: UploadSucceeded,
			CreatedAt: time.Now().Add(-25 * time.Hour)},
	}
	cache := newTestCache(client)

	ref, err := cache.Resolve(context.Background(), "proj", path, UploadAndroidApp, CacheAware)
	require.NoError(t, err)
	assert.Equal(t, "upload-1", ref)
	assert.Equal(t, 1, client.createCalls)
	assert.Equal(t, 1, client.putCalls)
}

func TestResolve_AlwaysFreshSkipsCache(t *testing.T) {
	path := writeTempFile(t, "bundle.zip", "bundle content")
	hash, err := hashFile(path)
	require.NoError(t, err)

	client := newFakeClient()
	client.existing = []Upload{
		// An exact match exists, but the policy forbids reuse.
		{Ref: "upload-exact", Name: "bundle.zip", Status: UploadSucceeded,
			Metadata:  map[string]string{metadataHashKey: hash},
			CreatedAt: time.Now()},
	}
	cache := newTestCache(client)

	first, err := cache.Resolve(context.Background(), "proj", path, UploadTestPackage, AlwaysFresh)
	require.NoError(t, err)
	second, err := cache.Resolve(context.Background(), "proj", path, UploadTestPackage, AlwaysFresh)
	require.NoError(t, err)

	assert.NotEqual(t, "upload-exact", first)
	assert.NotEqual(t, first, second, "every forced-fresh resolve must produce a distinct upload")
	assert.Equal(t, 2, client.createCalls)
}

func TestResolve_ListFailureFallsBackToFreshUpload(t *testing.T) {
	path := writeTempFile(t, "app.apk", "binary content")

	client := newFakeClient()
	client.listErr = fmt.Errorf("service unavailable")
	cache := newTestCache(client)

	ref, err := cache.Resolve(context.Background(), "proj", path, UploadAndroidApp, CacheAware)
	require.NoError(t, err)
	assert.Equal(t, "upload-1", ref)
}

func TestResolve_PollsUntilSucceeded(t *testing.T) {
	path := writeTempFile(t, "app.apk", "binary content")

	client := newFakeClient()
	client.succeedAfter = 3
	cache := newTestCache(client)

	ref, err := cache.Resolve(context.Background(), "proj", path, UploadAndroidApp, CacheAware)
	require.NoError(t, err)
	assert.Equal(t, 4, client.getCalls[ref])
}

func TestResolve_FailedProcessingIsTerminal(t *testing.T) {
	path := writeTempFile(t, "app.apk", "binary content")

	client := newFakeClient()
	client.failUploads = true
	cache := newTestCache(client)

	_, err := cache.Resolve(context.Background(), "proj", path, UploadAndroidApp, CacheAware)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed processing")
	// A terminal failure must not burn the remaining poll attempts.
	assert.Equal(t, 1, client.getCalls["upload-1"])
}

func TestResolve_PollCeilingExceeded(t *testing.T) {
	path := writeTempFile(t, "app.apk", "binary content")

	client := newFakeClient()
	client.succeedAfter = 100
	cache := newTestCache(client)

	_, err := cache.Resolve(context.Background(), "proj", path, UploadAndroidApp, CacheAware)
	require.Error(t, err)
	assert.Equal(t, int(cache.pollAttempts), client.getCalls["upload-1"])
}

func TestResolve_MissingFile(t *testing.T) {
	cache := newTestCache(newFakeClient())
	_, err := cache.Resolve(context.Background(), "proj", filepath.Join(t.TempDir(), "nope.apk"), UploadAndroidApp, CacheAware)
	require.Error(t, err)
}

func TestAppUploadKind(t *testing.T) {
	assert.Equal(t, UploadIOSApp, AppUploadKind("ios"))
	assert.Equal(t, UploadAndroidApp, AppUploadKind("android"))
}
