package remote

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobtestlab/devicepilot/pkg/config"
	"github.com/mobtestlab/devicepilot/pkg/devicelab"
	"github.com/mobtestlab/devicepilot/pkg/models"
	"github.com/mobtestlab/devicepilot/pkg/storage/jsonfile"
)

// fakeLab implements the devicelab.Client methods the reconciler touches.
type fakeLab struct {
	devicelab.Client

	runs    []devicelab.Run
	listErr error
}

func (f *fakeLab) ListRuns(ctx context.Context, project string) ([]devicelab.Run, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.runs, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newSyncFixture(t *testing.T, lab *fakeLab) (*Reconciler, *jsonfile.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := jsonfile.NewStore(filepath.Join(dir, "jobs.json"), filepath.Join(dir, "history.json"), quietLogger())
	require.NoError(t, err)
	cfg := &config.Config{Lab_Project: "proj"}
	return NewReconciler(lab, store, cfg, quietLogger()), store
}

func TestSync_MergesRemoteRuns(t *testing.T) {
	started := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	lab := &fakeLab{runs: []devicelab.Run{
		{
			Ref: "run-1", Status: devicelab.RunCompleted, Result: devicelab.RunResultPassed,
			Platform: models.PlatformAndroid, DevicePool: "pool-a",
			Counters: models.Counters{Passed: 4, Total: 4},
			Started:  started, Stopped: started.Add(90 * time.Second),
		},
		{Ref: "run-2", Status: devicelab.RunRunning},
		{Ref: ""}, // malformed listing entry, skipped
	}}
	rec, store := newSyncFixture(t, lab)

	merged, err := rec.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, merged)

	done, ok := store.GetHistory("run-1")
	require.True(t, ok)
	assert.True(t, done.IsRemote)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, models.ResultPassed, done.Result)
	assert.Equal(t, 4, done.Counters.Passed)
	assert.Equal(t, "pool-a", done.Device)
	assert.InDelta(t, 90.0, done.Duration, 0.001)

	active, ok := store.GetHistory("run-2")
	require.True(t, ok)
	assert.Equal(t, models.StatusRunning, active.Status)
	assert.Empty(t, active.Result)
}

func TestSync_Idempotent(t *testing.T) {
	lab := &fakeLab{runs: []devicelab.Run{
		{Ref: "run-1", Status: devicelab.RunCompleted, Result: devicelab.RunResultPassed},
		{Ref: "run-2", Status: devicelab.RunRunning},
	}}
	rec, store := newSyncFixture(t, lab)

	_, err := rec.Sync(context.Background())
	require.NoError(t, err)
	before := store.ListHistory()

	merged, err := rec.Sync(context.Background())
	require.NoError(t, err)
	// Completed entries are terminal locally; only run-2 is re-merged.
	assert.Equal(t, 1, merged)
	assert.Equal(t, before, store.ListHistory())
}

func TestSync_PreservesLocalFields(t *testing.T) {
	lab := &fakeLab{runs: []devicelab.Run{
		{Ref: "run-1", Status: devicelab.RunCompleted, Result: devicelab.RunResultErrored},
	}}
	rec, store := newSyncFixture(t, lab)

	// Entry written by the orchestrator when the run was scheduled.
	require.NoError(t, store.UpsertHistory(models.HistoryEntry{
		ID: "sched-1", RunRef: "run-1", IsRemote: true,
		Status: models.StatusRunning, Platform: models.PlatformIOS,
		Build: "app.ipa", Device: "pool-b",
	}))

	_, err := rec.Sync(context.Background())
	require.NoError(t, err)

	entry, ok := store.GetHistory("run-1")
	require.True(t, ok)
	assert.Equal(t, "sched-1", entry.ID, "locally issued id survives the merge")
	assert.Equal(t, "app.ipa", entry.Build)
	assert.Equal(t, models.StatusCompleted, entry.Status)
	// Anything other than a clean pass collapses to FAILED.
	assert.Equal(t, models.ResultFailed, entry.Result)
}

func TestSync_ListFailure(t *testing.T) {
	rec, _ := newSyncFixture(t, &fakeLab{listErr: fmt.Errorf("service unavailable")})
	_, err := rec.Sync(context.Background())
	require.Error(t, err)
}

func TestStatusAndResultMapping(t *testing.T) {
	assert.Equal(t, models.StatusCompleted, statusFromRun(devicelab.RunCompleted))
	assert.Equal(t, models.StatusPending, statusFromRun(devicelab.RunPending))
	assert.Equal(t, models.StatusRunning, statusFromRun("SOMETHING_NEW"))

	assert.Equal(t, models.ResultPassed, resultFromRun(devicelab.RunResultPassed))
	assert.Equal(t, "", resultFromRun(""))
	assert.Equal(t, models.ResultFailed, resultFromRun(devicelab.RunResultErrored))
	assert.Equal(t, models.ResultFailed, resultFromRun("TIMED_OUT"))
}
