// Package devicelab talks to the remote device-testing service: artifact
// uploads, run scheduling and polling, and run artifact listings.
package devicelab

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/mobtestlab/devicepilot/pkg/models"
)

// ErrNotFound is returned when the service does not know the referenced
// upload or run.
var ErrNotFound = errors.New("devicelab: not found")

// UploadKind identifies the type of artifact being uploaded.
type UploadKind string

const (
	UploadAndroidApp  UploadKind = "ANDROID_APP"
	UploadIOSApp      UploadKind = "IOS_APP"
	UploadTestPackage UploadKind = "TEST_PACKAGE"
	UploadTestSpec    UploadKind = "TEST_SPEC"
)

// AppUploadKind maps a platform name to the platform-specific app kind.
func AppUploadKind(platform string) UploadKind {
	if platform == models.PlatformIOS {
		return UploadIOSApp
	}
	return UploadAndroidApp
}

// Upload processing statuses reported by the service.
const (
	UploadInitialized = "INITIALIZED"
	UploadProcessing  = "PROCESSING"
	UploadSucceeded   = "SUCCEEDED"
	UploadFailed      = "FAILED"
)

// Run statuses and results reported by the service.
const (
	RunPending   = "PENDING"
	RunRunning   = "RUNNING"
	RunCompleted = "COMPLETED"

	RunResultPassed  = "PASSED"
	RunResultFailed  = "FAILED"
	RunResultErrored = "ERRORED"
)

// Upload is the service's record of an uploaded artifact.
type Upload struct {
	Ref       string            `json:"ref"`
	Name      string            `json:"name"`
	Kind      UploadKind        `json:"kind"`
	Status    string            `json:"status"`
	URL       string            `json:"url,omitempty"` // Pre-signed address to PUT the content to
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Run is the service's record of a scheduled test run.
type Run struct {
	Ref        string          `json:"ref"`
	Name       string          `json:"name"`
	Status     string          `json:"status"`
	Result     string          `json:"result,omitempty"`
	Platform   string          `json:"platform,omitempty"`
	DevicePool string          `json:"device_pool,omitempty"`
	Counters   models.Counters `json:"counters"`
	Started    time.Time       `json:"started,omitempty"`
	Stopped    time.Time       `json:"stopped,omitempty"`
}

// Artifact is one file produced by a run.
type Artifact struct {
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
}

// ScheduleParams carries the artifact references a run is scheduled with.
type ScheduleParams struct {
	Project        string `json:"-"`
	Name           string `json:"name"`
	AppRef         string `json:"app_ref"`
	DevicePool     string `json:"device_pool"`
	TestPackageRef string `json:"test_package_ref"`
	TestSpecRef    string `json:"test_spec_ref,omitempty"`
}

// Client defines the boundary to the remote scheduling service.
type Client interface {
	// CreateUpload registers a new upload slot and returns its reference
	// plus the address to transfer the content to.
	CreateUpload(ctx context.Context, project, name string, kind UploadKind, metadata map[string]string) (*Upload, error)

	// PutUploadContent transfers the artifact bytes to the upload address.
	PutUploadContent(ctx context.Context, uploadURL string, body io.Reader, size int64) error

	// GetUpload retrieves an upload's processing status.
	GetUpload(ctx context.Context, ref string) (*Upload, error)

	// ListUploads lists the project's existing uploads of one kind.
	ListUploads(ctx context.Context, project string, kind UploadKind) ([]Upload, error)

	// ScheduleRun schedules a run against the uploaded artifacts.
	ScheduleRun(ctx context.Context, params ScheduleParams) (*Run, error)

	// GetRun retrieves a run's current state.
	GetRun(ctx context.Context, ref string) (*Run, error)

	// ListRuns lists all runs known to the service for the project.
	ListRuns(ctx context.Context, project string) ([]Run, error)

	// ListArtifacts lists the files a run produced.
	ListArtifacts(ctx context.Context, runRef string) ([]Artifact, error)

	// DownloadArtifact fetches an artifact's content by URL.
	DownloadArtifact(ctx context.Context, artifactURL string) ([]byte, error)
}
