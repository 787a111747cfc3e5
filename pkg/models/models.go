package models

import "time"

// RunRequest is the data received to start a test run, local or remote.
// The same shape serves both pipelines; handlers validate the fields each
// pipeline requires.
type RunRequest struct {
	Platform string `json:"platform"`            // Target platform: "android" or "ios" (Required)
	Build    string `json:"build"`               // Build reference: path to the app artifact (Required)
	Device   string `json:"device"`              // Device reference: local device id or remote device-pool name (Required)
	Mode     string `json:"mode"`                // Execution mode: "full" suite or "single" file (Required)
	Spec     string `json:"spec,omitempty"`      // Test file to run, required when mode is "single"
	TestCase string `json:"test_case,omitempty"` // Optional test-case title filter within the selected file
	Tag      string `json:"tag,omitempty"`       // Optional tag pattern intersected with the title filter
}

// Counters holds the pass/fail breakdown of one run. All zero until the
// run's output (or the remote service's result) has been resolved.
type Counters struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Broken  int `json:"broken"`
	Skipped int `json:"skipped"`
	Total   int `json:"total"`
}

// Job represents one local test execution, tracked from acceptance to its
// terminal outcome. Jobs live in the active store while RUNNING and are
// promoted into a HistoryEntry on completion.
type Job struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Result      string     `json:"result,omitempty"` // Set only when Status is COMPLETED
	Config      RunRequest `json:"config"`           // Immutable snapshot of the accepted request
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   time.Time  `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"` // Absent until completion
	Counters    Counters   `json:"counters"`
	Output      string     `json:"output,omitempty"`       // Raw stdout, retained for diagnostics
	ErrorOutput string     `json:"error_output,omitempty"` // Raw stderr / launch error text
}

// HistoryEntry is the durable record of a completed Job or remote Run.
// Entries are keyed by DedupKey so re-processing the same run never
// produces duplicates.
type HistoryEntry struct {
	ID        string      `json:"id"`
	RunRef    string      `json:"run_ref,omitempty"` // Remote service run reference, empty for local jobs
	IsRemote  bool        `json:"is_remote"`
	Status    string      `json:"status"`
	Result    string      `json:"result,omitempty"`
	Platform  string      `json:"platform"`
	Build     string      `json:"build"`
	Device    string      `json:"device"`
	Counters  Counters    `json:"counters"`
	Duration  float64     `json:"duration_seconds"`
	StartedAt time.Time   `json:"started_at,omitempty"`
	EndedAt   time.Time   `json:"ended_at,omitempty"`
	ReportURL string      `json:"report_url,omitempty"`
	Config    *RunRequest `json:"config,omitempty"` // Kept for local jobs so they can be rerun
}

// DedupKey identifies a history entry: the remote run reference when the
// entry came from the remote service, the job id otherwise.
func (e HistoryEntry) DedupKey() string {
	if e.RunRef != "" {
		return e.RunRef
	}
	return e.ID
}

// Constants for job status and result
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"

	ResultPassed = "PASSED"
	ResultFailed = "FAILED"

	ModeFull   = "full"
	ModeSingle = "single"

	PlatformAndroid = "android"
	PlatformIOS     = "ios"
)

// HistoryLimit caps the history log at the most recent completed runs.
const HistoryLimit = 50
