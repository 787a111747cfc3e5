// Package remote drives the multi-stage pipeline that schedules test runs
// on the remote device lab, and reconciles the lab's run list back into
// local history.
package remote

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mobtestlab/devicepilot/pkg/config"
	"github.com/mobtestlab/devicepilot/pkg/devicelab"
	"github.com/mobtestlab/devicepilot/pkg/models"
	"github.com/mobtestlab/devicepilot/pkg/storage"
)

// Orchestrator runs the upload → upload → spec-build → schedule pipeline.
// Schedule returns immediately; the pipeline itself runs detached.
type Orchestrator struct {
	client  devicelab.Client
	uploads *devicelab.UploadCache
	store   storage.JobStore
	cfg     *config.Config
	logger  *slog.Logger
}

// NewOrchestrator builds a remote run orchestrator.
func NewOrchestrator(client devicelab.Client, uploads *devicelab.UploadCache, store storage.JobStore, cfg *config.Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{client: client, uploads: uploads, store: store, cfg: cfg, logger: logger}
}

// Schedule accepts a remote run request and returns a locally issued
// scheduling reference. All uploads and the schedule call happen in a
// detached background task; the service's own run reference keys the
// history entry once scheduling succeeds.
func (o *Orchestrator) Schedule(req models.RunRequest) string {
	schedRef := fmt.Sprintf("sched-%s-%s", time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
	go o.run(schedRef, req)
	return schedRef
}

// run executes the pipeline stages strictly in order. A failure at any
// stage aborts the pipeline: no RUNNING history entry is left behind for
// a run that was never scheduled, but artifacts uploaded before the
// failure stay live for reuse on the next attempt.
func (o *Orchestrator) run(schedRef string, req models.RunRequest) {
	ctx := context.Background()
	logger := o.logger.With(slog.String("sched_ref", schedRef))

	// 1. Build artifact, cache-aware.
	appRef, err := o.uploads.Resolve(ctx, o.cfg.Lab_Project, req.Build, devicelab.AppUploadKind(req.Platform), devicelab.CacheAware)
	if err != nil {
		logger.Error("Remote pipeline aborted at app upload", slog.String("error", err.Error()))
		return
	}

	// 2. Test package: rebuilt from current source, never cache-checked.
	bundlePath, err := o.buildTestPackage(logger)
	if err != nil {
		logger.Error("Remote pipeline aborted at test-package build", slog.String("error", err.Error()))
		return
	}
	pkgRef, err := o.uploads.Resolve(ctx, o.cfg.Lab_Project, bundlePath, devicelab.UploadTestPackage, devicelab.AlwaysFresh)
	if err != nil {
		logger.Error("Remote pipeline aborted at test-package upload", slog.String("error", err.Error()))
		return
	}

	// 3. Per-run test spec derived from the base template, when one is set.
	var specRef string
	if o.cfg.TestSpecTemplate != "" {
		specPath, err := synthesizeTestSpec(o.cfg.TestSpecTemplate, schedRef, req)
		if err != nil {
			logger.Error("Remote pipeline aborted at test-spec synthesis", slog.String("error", err.Error()))
			return
		}
		specRef, err = o.uploads.Resolve(ctx, o.cfg.Lab_Project, specPath, devicelab.UploadTestSpec, devicelab.AlwaysFresh)
		if err != nil {
			logger.Error("Remote pipeline aborted at test-spec upload", slog.String("error", err.Error()))
			return
		}
	}

	// 4. Schedule against the three artifact references plus the pool.
	pool := req.Device
	if pool == "" {
		pool = o.cfg.Lab_DevicePool
	}
	run, err := o.client.ScheduleRun(ctx, devicelab.ScheduleParams{
		Project:        o.cfg.Lab_Project,
		Name:           schedRef,
		AppRef:         appRef,
		DevicePool:     pool,
		TestPackageRef: pkgRef,
		TestSpecRef:    specRef,
	})
	if err != nil {
		logger.Error("Remote pipeline failed to schedule run; uploaded artifacts remain reusable", slog.String("error", err.Error()))
		return
	}
	logger.Info("Remote run scheduled", slog.String("run_ref", run.Ref))

	// 5. Initial history entry keyed by the run reference so the
	// reconciler finds this run even if the caller never polls.
	entry := models.HistoryEntry{
		ID:        schedRef,
		RunRef:    run.Ref,
		IsRemote:  true,
		Status:    models.StatusRunning,
		Platform:  req.Platform,
		Build:     req.Build,
		Device:    pool,
		StartedAt: time.Now().UTC(),
	}
	if err := o.store.UpsertHistory(entry); err != nil {
		logger.Error("Failed to record scheduled run in history", slog.String("error", err.Error()))
	}
}

// buildTestPackage rebuilds the test bundle from current source via the
// configured packaging command and returns the bundle path.
func (o *Orchestrator) buildTestPackage(logger *slog.Logger) (string, error) {
	args := strings.Fields(o.cfg.PackageCommand)
	if len(args) == 0 {
		return "", fmt.Errorf("no packaging command configured")
	}
	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("packaging command failed: %w: %s", err, string(out))
	}
	logger.Info("Test package rebuilt", slog.String("bundle", o.cfg.PackageOutput))
	return o.cfg.PackageOutput, nil
}
