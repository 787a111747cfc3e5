// Package runner spawns and supervises local test-run processes.
package runner

import (
	"bytes"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	cp "github.com/otiai10/copy"

	"github.com/mobtestlab/devicepilot/pkg/config"
	"github.com/mobtestlab/devicepilot/pkg/models"
	"github.com/mobtestlab/devicepilot/pkg/parser"
	"github.com/mobtestlab/devicepilot/pkg/storage"
)

// Engine runs one test-run process per job. Start returns as soon as the
// job is registered; callers observe progress by polling the store.
type Engine struct {
	store  storage.JobStore
	cfg    *config.Config
	logger *slog.Logger
}

// NewEngine builds a local execution engine.
func NewEngine(store storage.JobStore, cfg *config.Config, logger *slog.Logger) *Engine {
	return &Engine{store: store, cfg: cfg, logger: logger}
}

// Start accepts a run request, registers a RUNNING job and spawns the
// framework invocation as a detached task. It returns the job and the
// echoed command line.
func (e *Engine) Start(req models.RunRequest) (*models.Job, string, error) {
	args, err := e.buildCommand(req)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:        newJobID(now),
		Status:    models.StatusRunning,
		Config:    req,
		CreatedAt: now,
		StartedAt: now,
	}
	if err := e.store.PutJob(job); err != nil {
		return nil, "", fmt.Errorf("failed to register job: %w", err)
	}

	command := strings.Join(args, " ")
	e.logger.Info("Starting local test run",
		slog.String("job_id", job.ID),
		slog.String("command", command),
	)
	go e.execute(*job, args)

	return job, command, nil
}

// newJobID allocates a time-derived id, stable for the job's lifetime.
func newJobID(now time.Time) string {
	return fmt.Sprintf("job-%s-%s", now.Format("20060102T150405"), uuid.NewString()[:8])
}

// buildCommand constructs the framework invocation for the request:
// full suite, single file, or single file plus test-case filter.
func (e *Engine) buildCommand(req models.RunRequest) ([]string, error) {
	var configFile string
	switch req.Platform {
	case models.PlatformAndroid:
		configFile = e.cfg.AndroidConfigFile
	case models.PlatformIOS:
		configFile = e.cfg.IOSConfigFile
	default:
		return nil, fmt.Errorf("unsupported platform %q", req.Platform)
	}

	args := append(strings.Fields(e.cfg.RunnerCommand), configFile)
	if req.Mode == models.ModeSingle {
		args = append(args, "--spec", req.Spec)
		if grep := grepPattern(req); grep != "" {
			args = append(args, "--grep", grep)
		}
	}
	return args, nil
}

// grepPattern expresses the test-case selection as a title pattern,
// intersected with the tag pattern when both are present.
func grepPattern(req models.RunRequest) string {
	switch {
	case req.TestCase != "" && req.Tag != "":
		return req.Tag + ".*" + req.TestCase
	case req.TestCase != "":
		return req.TestCase
	case req.Tag != "":
		return req.Tag
	}
	return ""
}

// execute runs the framework process to completion and finalizes the job.
// A process exit code of any kind is a completed run; only the result
// differs. The deferred finalize guarantees the job never stays RUNNING,
// even if this task itself panics.
func (e *Engine) execute(job models.Job, args []string) {
	logger := e.logger.With(slog.String("job_id", job.ID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Local run task panicked", slog.Any("panic", r))
			job.Result = models.ResultFailed
			job.ErrorOutput = fmt.Sprintf("internal error: %v", r)
		}
		e.finalize(&job, logger)
	}()

	var stdout, stderr bytes.Buffer
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	job.Output = stdout.String()
	job.ErrorOutput = stderr.String()

	if runErr != nil {
		if _, isExit := runErr.(*exec.ExitError); !isExit {
			// The process never launched (e.g. bad config file). Still a
			// completed, failed job with the error text captured.
			logger.Error("Failed to launch test process", slog.String("error", runErr.Error()))
			job.Result = models.ResultFailed
			job.ErrorOutput = strings.TrimSpace(job.ErrorOutput + "\n" + runErr.Error())
			job.Counters = models.Counters{Failed: 1, Total: 1}
			return
		}
		logger.Info("Test process exited non-zero", slog.String("error", runErr.Error()))
	}

	job.Counters = parser.Parse(job.Output + "\n" + job.ErrorOutput)
	if runErr == nil && job.Counters.Failed == 0 && job.Counters.Broken == 0 {
		job.Result = models.ResultPassed
	} else {
		job.Result = models.ResultFailed
	}

	e.generateReport(job.ID, logger)
}

// generateReport isolates this run's raw results and generates a report
// from the copy. Report failures are diagnostics-only; they never change
// the run's outcome.
func (e *Engine) generateReport(jobID string, logger *slog.Logger) {
	// Copy, don't share, the results directory: another run may overwrite
	// it while the report generator reads.
	isolated := filepath.Join(e.cfg.ReportsDir, jobID, "results")
	if err := cp.Copy(e.cfg.ResultsDir, isolated); err != nil {
		logger.Warn("Failed to copy results for report generation", slog.String("error", err.Error()))
		return
	}

	reportDir := filepath.Join(e.cfg.ReportsDir, jobID, "report")
	args := append(strings.Fields(e.cfg.ReportCommand), "generate", isolated, "--clean", "-o", reportDir)
	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	if err != nil {
		logger.Warn("Report generation failed",
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
		return
	}
	logger.Info("Report generated", slog.String("report_dir", reportDir))
}

// finalize promotes the job into history and removes it from the active
// set. Every code path that starts a job ends here.
func (e *Engine) finalize(job *models.Job, logger *slog.Logger) {
	ended := time.Now().UTC()
	job.Status = models.StatusCompleted
	job.EndedAt = &ended
	if job.Result == "" {
		job.Result = models.ResultFailed
	}

	cfg := job.Config
	entry := models.HistoryEntry{
		ID:        job.ID,
		Status:    models.StatusCompleted,
		Result:    job.Result,
		Platform:  cfg.Platform,
		Build:     cfg.Build,
		Device:    cfg.Device,
		Counters:  job.Counters,
		Duration:  ended.Sub(job.StartedAt).Seconds(),
		StartedAt: job.StartedAt,
		EndedAt:   ended,
		Config:    &cfg,
	}
	if err := e.store.UpsertHistory(entry); err != nil {
		logger.Error("Failed to record job in history", slog.String("error", err.Error()))
	}
	if err := e.store.DeleteJob(job.ID); err != nil {
		logger.Error("Failed to remove completed job from active set", slog.String("error", err.Error()))
	}
	logger.Info("Local test run completed",
		slog.String("result", job.Result),
		slog.Int("passed", job.Counters.Passed),
		slog.Int("failed", job.Counters.Failed),
	)
}
