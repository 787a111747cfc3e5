// Package reports locates a human-viewable report for a completed remote
// run through an ordered set of fallback strategies and caches the result
// in object storage.
package reports

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/mobtestlab/devicepilot/pkg/devicelab"
	"github.com/mobtestlab/devicepilot/pkg/storage"
)

// reportFileNames are the file names searched for inside host-log archives.
var reportFileNames = []string{"report.html", "index.html"}

// Resolution is the outcome of a report lookup. When Found is false,
// Artifacts lists what the run did produce, for operator diagnosis.
type Resolution struct {
	Found     bool                 `json:"found"`
	URL       string               `json:"url,omitempty"`
	Source    string               `json:"source,omitempty"`
	Artifacts []devicelab.Artifact `json:"artifacts,omitempty"`
}

// Resolver tries each strategy in order, stopping at the first success.
// Successful resolutions are cached so repeat calls are O(1): in memory
// for this process, and in object storage across restarts.
type Resolver struct {
	client  devicelab.Client
	objects storage.ObjectStore
	logger  *slog.Logger

	mu       sync.Mutex
	resolved map[string]Resolution
}

// NewResolver builds a report resolver.
func NewResolver(client devicelab.Client, objects storage.ObjectStore, logger *slog.Logger) *Resolver {
	return &Resolver{
		client:   client,
		objects:  objects,
		logger:   logger,
		resolved: make(map[string]Resolution),
	}
}

// Resolve locates the report for runRef. A missing report is not an
// error: the caller receives Found=false plus the artifact listing.
func (r *Resolver) Resolve(ctx context.Context, runRef string) (Resolution, error) {
	r.mu.Lock()
	cached, ok := r.resolved[runRef]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	logger := r.logger.With(slog.String("run_ref", runRef))
	key := ObjectKey(runRef)

	// 1. Previously cached report in object storage.
	exists, err := r.objects.Exists(ctx, key)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to check report cache: %w", err)
	}
	if exists {
		return r.remember(runRef, Resolution{Found: true, URL: r.objects.URL(key), Source: "cache"}), nil
	}

	artifacts, err := r.client.ListArtifacts(ctx, runRef)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to list run artifacts: %w", err)
	}

	// 2-4. Ordered fallback strategies over the artifact listing. A
	// strategy that errors internally falls through to the next one.
	strategies := []struct {
		name string
		fn   func(context.Context, string, []devicelab.Artifact) (string, error)
	}{
		{"link-artifact", r.fromLinkArtifact},
		{"report-file", r.fromReportFile},
		{"host-archive", r.fromHostArchive},
	}
	for _, s := range strategies {
		url, err := s.fn(ctx, runRef, artifacts)
		if err != nil {
			logger.Warn("Report strategy failed, trying next",
				slog.String("strategy", s.name), slog.String("error", err.Error()))
			continue
		}
		if url != "" {
			logger.Info("Report resolved", slog.String("strategy", s.name), slog.String("url", url))
			return r.remember(runRef, Resolution{Found: true, URL: url, Source: s.name}), nil
		}
	}

	// 5. Nothing matched. Not cached: the report may still appear once
	// the service finishes collecting artifacts.
	return Resolution{Found: false, Artifacts: artifacts}, nil
}

// remember caches a successful resolution under the run reference.
func (r *Resolver) remember(runRef string, res Resolution) Resolution {
	r.mu.Lock()
	r.resolved[runRef] = res
	r.mu.Unlock()
	return res
}

// fromLinkArtifact looks for a small text artifact naming an externally
// hosted report URL.
func (r *Resolver) fromLinkArtifact(ctx context.Context, runRef string, artifacts []devicelab.Artifact) (string, error) {
	for _, a := range artifacts {
		name := strings.ToLower(a.Name)
		if a.Type == "REPORT_LINK" || name == "report-url" || strings.HasSuffix(name, "report-url.txt") {
			data, err := r.client.DownloadArtifact(ctx, a.URL)
			if err != nil {
				return "", fmt.Errorf("failed to download link artifact %s: %w", a.Name, err)
			}
			if url := strings.TrimSpace(string(data)); url != "" {
				return url, nil
			}
		}
	}
	return "", nil
}

// fromReportFile looks for a single self-contained report file among the
// run's artifacts and copies it into object storage.
func (r *Resolver) fromReportFile(ctx context.Context, runRef string, artifacts []devicelab.Artifact) (string, error) {
	for _, a := range artifacts {
		if !strings.HasSuffix(strings.ToLower(a.Name), ".html") {
			continue
		}
		data, err := r.client.DownloadArtifact(ctx, a.URL)
		if err != nil {
			return "", fmt.Errorf("failed to download report artifact %s: %w", a.Name, err)
		}
		return r.cacheReport(ctx, runRef, data)
	}
	return "", nil
}

// fromHostArchive looks for an archive bundling host-machine logs,
// extracts it and searches recursively for the report file by name.
func (r *Resolver) fromHostArchive(ctx context.Context, runRef string, artifacts []devicelab.Artifact) (string, error) {
	for _, a := range artifacts {
		if !strings.HasSuffix(strings.ToLower(a.Name), ".zip") {
			continue
		}
		data, err := r.client.DownloadArtifact(ctx, a.URL)
		if err != nil {
			return "", fmt.Errorf("failed to download archive %s: %w", a.Name, err)
		}
		report, err := extractReport(data)
		if err != nil {
			return "", fmt.Errorf("failed to extract %s: %w", a.Name, err)
		}
		if report != nil {
			return r.cacheReport(ctx, runRef, report)
		}
	}
	return "", nil
}

// cacheReport stores the report bytes under the run's deterministic key.
func (r *Resolver) cacheReport(ctx context.Context, runRef string, data []byte) (string, error) {
	url, err := r.objects.PutObject(ctx, ObjectKey(runRef), data, "text/html")
	if err != nil {
		return "", fmt.Errorf("failed to cache report: %w", err)
	}
	return url, nil
}

// extractReport searches a zip archive for a report file by name and
// returns its content, or nil when the archive holds none.
func extractReport(archive []byte) ([]byte, error) {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, err
	}
	for _, f := range reader.File {
		base := strings.ToLower(path.Base(f.Name))
		for _, want := range reportFileNames {
			if base != want {
				continue
			}
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			data, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				return nil, err
			}
			return data, nil
		}
	}
	return nil, nil
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ObjectKey derives the deterministic object-storage key a run's report
// is cached under.
func ObjectKey(runRef string) string {
	return "reports/" + unsafeKeyChars.ReplaceAllString(runRef, "-") + "/index.html"
}
