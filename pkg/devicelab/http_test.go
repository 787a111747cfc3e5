package devicelab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	return NewHTTPClient(server.URL, logger)
}

func TestHTTPClient_CreateUpload(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/projects/proj/uploads", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "app.apk", body["name"])
		assert.Equal(t, string(UploadAndroidApp), body["kind"])

		json.NewEncoder(w).Encode(Upload{Ref: "upload-1", Name: "app.apk", Status: UploadInitialized, URL: "http://put.example"})
	})

	upload, err := client.CreateUpload(context.Background(), "proj", "app.apk", UploadAndroidApp,
		map[string]string{"content_sha256": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "upload-1", upload.Ref)
	assert.Equal(t, "http://put.example", upload.URL)
}

func TestHTTPClient_GetRunNotFound(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetRun(context.Background(), "run-unknown")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHTTPClient_ListUploadsFiltersByKind(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/proj/uploads", r.URL.Path)
		assert.Equal(t, string(UploadTestPackage), r.URL.Query().Get("kind"))
		json.NewEncoder(w).Encode([]Upload{{Ref: "upload-1", Kind: UploadTestPackage}})
	})

	uploads, err := client.ListUploads(context.Background(), "proj", UploadTestPackage)
	require.NoError(t, err)
	require.Len(t, uploads, 1)
	assert.Equal(t, "upload-1", uploads[0].Ref)
}

func TestHTTPClient_ServerErrorSurfacesBody(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "device pool exhausted", http.StatusConflict)
	})

	_, err := client.ScheduleRun(context.Background(), ScheduleParams{Project: "proj", Name: "run"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device pool exhausted")
}

func TestHTTPClient_PutUploadContent(t *testing.T) {
	var received []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		received, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	client := NewHTTPClient(server.URL, logger)

	payload := []byte("binary content")
	err := client.PutUploadContent(context.Background(), server.URL+"/put", bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, received)
}
