package remote

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mobtestlab/devicepilot/pkg/config"
	"github.com/mobtestlab/devicepilot/pkg/devicelab"
	"github.com/mobtestlab/devicepilot/pkg/models"
	"github.com/mobtestlab/devicepilot/pkg/storage"
)

// Reconciler merges the remote service's run list into local history.
// Safe to call repeatedly and concurrently with new runs being scheduled;
// it never deletes entries it does not own.
type Reconciler struct {
	client devicelab.Client
	store  storage.JobStore
	cfg    *config.Config
	logger *slog.Logger
}

// NewReconciler builds a reconciler over the device-lab client and store.
func NewReconciler(client devicelab.Client, store storage.JobStore, cfg *config.Config, logger *slog.Logger) *Reconciler {
	return &Reconciler{client: client, store: store, cfg: cfg, logger: logger}
}

// Sync lists all runs the service knows for the project and idempotently
// upserts a history entry per run, keyed by the run reference. Returns
// the number of entries merged.
func (r *Reconciler) Sync(ctx context.Context) (int, error) {
	runs, err := r.client.ListRuns(ctx, r.cfg.Lab_Project)
	if err != nil {
		return 0, fmt.Errorf("failed to list remote runs: %w", err)
	}

	merged := 0
	for _, run := range runs {
		if run.Ref == "" {
			continue
		}
		existing, ok := r.store.GetHistory(run.Ref)
		if ok && existing.Status == models.StatusCompleted {
			// Already in terminal local state; nothing to merge.
			continue
		}

		entry := entryFromRun(run, existing)
		if err := r.store.UpsertHistory(entry); err != nil {
			r.logger.Error("Failed to merge remote run into history",
				slog.String("run_ref", run.Ref), slog.String("error", err.Error()))
			continue
		}
		merged++
	}

	r.logger.Info("History synchronized with remote service", slog.Int("merged", merged))
	return merged, nil
}

// entryFromRun maps a remote run onto a history entry, preserving the
// locally known fields the service does not report back.
func entryFromRun(run devicelab.Run, existing *models.HistoryEntry) models.HistoryEntry {
	entry := models.HistoryEntry{
		ID:       run.Ref,
		RunRef:   run.Ref,
		IsRemote: true,
	}
	if existing != nil {
		entry = *existing
	}

	entry.Status = statusFromRun(run.Status)
	entry.Result = resultFromRun(run.Result)
	entry.Counters = run.Counters
	entry.Platform = firstNonEmpty(run.Platform, entry.Platform)
	entry.Device = firstNonEmpty(run.DevicePool, entry.Device)
	if !run.Started.IsZero() {
		entry.StartedAt = run.Started
	}
	if !run.Stopped.IsZero() {
		entry.EndedAt = run.Stopped
	}
	if !run.Started.IsZero() && !run.Stopped.IsZero() {
		entry.Duration = run.Stopped.Sub(run.Started).Seconds()
	}
	return entry
}

// statusFromRun maps the service's run status onto the local vocabulary.
func statusFromRun(status string) string {
	switch status {
	case devicelab.RunCompleted:
		return models.StatusCompleted
	case devicelab.RunPending:
		return models.StatusPending
	default:
		return models.StatusRunning
	}
}

// resultFromRun collapses the service's result vocabulary: anything that
// is not a clean pass is a failure.
func resultFromRun(result string) string {
	switch result {
	case devicelab.RunResultPassed:
		return models.ResultPassed
	case "":
		return ""
	default:
		return models.ResultFailed
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
