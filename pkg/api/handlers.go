package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	httperrors "github.com/mobtestlab/devicepilot/errors"
	"github.com/mobtestlab/devicepilot/pkg/config"
	"github.com/mobtestlab/devicepilot/pkg/devicelab"
	"github.com/mobtestlab/devicepilot/pkg/models"
	"github.com/mobtestlab/devicepilot/pkg/remote"
	"github.com/mobtestlab/devicepilot/pkg/reports"
	"github.com/mobtestlab/devicepilot/pkg/runner"
	"github.com/mobtestlab/devicepilot/pkg/storage"
)

// API wires the orchestration components into HTTP handlers.
type API struct {
	Runner     *runner.Engine
	Remote     *remote.Orchestrator
	Reconciler *remote.Reconciler
	Reports    *reports.Resolver
	Store      storage.JobStore
	Lab        devicelab.Client
	Logger     *slog.Logger
	Config     *config.Config
}

// NewAPI builds the API handler set.
func NewAPI(run *runner.Engine, orch *remote.Orchestrator, rec *remote.Reconciler, rep *reports.Resolver,
	store storage.JobStore, lab devicelab.Client, logger *slog.Logger, cfg *config.Config) *API {
	return &API{
		Runner: run, Remote: orch, Reconciler: rec, Reports: rep,
		Store: store, Lab: lab, Logger: logger, Config: cfg,
	}
}

// HandleStartLocalJob accepts a run config, registers the job and spawns
// the local execution as a detached task. Responds with the job id and
// the echoed command line.
func (a *API) HandleStartLocalJob(w http.ResponseWriter, r *http.Request) {
	logger := a.Logger.With(slog.String("handler", "HandleStartLocalJob"))
	var req models.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.BadRequest(w, logger, err, "Invalid JSON request body")
		return
	}
	defer r.Body.Close()
	if msg := validateRequest(req); msg != "" {
		httperrors.BadRequest(w, logger, nil, msg)
		return
	}

	job, command, err := a.Runner.Start(req)
	if err != nil {
		httperrors.InternalServerError(w, logger, err, "Failed to start local test run")
		return
	}

	writeJSON(w, logger, http.StatusAccepted, map[string]string{
		"job_id":  job.ID,
		"command": command,
	})
}

// HandleGetJobs lists all active jobs.
func (a *API) HandleGetJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.Logger, http.StatusOK, a.Store.ListJobs())
}

// HandleGetJob returns one job by id, falling back to its history entry
// once the job has completed.
func (a *API) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	logger := a.Logger.With(slog.String("handler", "HandleGetJob"), slog.String("job_id", jobID))

	if job, ok := a.Store.GetJob(jobID); ok {
		writeJSON(w, logger, http.StatusOK, job)
		return
	}
	if entry, ok := a.Store.GetHistory(jobID); ok {
		writeJSON(w, logger, http.StatusOK, entry)
		return
	}
	httperrors.NotFound(w, logger, nil, fmt.Sprintf("Job %s not found", jobID))
}

// HandleRerunJob re-submits a completed local job's stored config as a
// new job.
func (a *API) HandleRerunJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	logger := a.Logger.With(slog.String("handler", "HandleRerunJob"), slog.String("job_id", jobID))

	entry, ok := a.Store.GetHistory(jobID)
	if !ok {
		httperrors.NotFound(w, logger, nil, fmt.Sprintf("Job %s not found in history", jobID))
		return
	}
	if entry.Config == nil {
		httperrors.BadRequest(w, logger, nil, "Job has no stored config to rerun (remote runs cannot be rerun locally)")
		return
	}

	job, command, err := a.Runner.Start(*entry.Config)
	if err != nil {
		httperrors.InternalServerError(w, logger, err, "Failed to rerun job")
		return
	}
	logger.Info("Re-ran job", slog.String("new_job_id", job.ID))
	writeJSON(w, logger, http.StatusAccepted, map[string]string{
		"job_id":  job.ID,
		"command": command,
	})
}

// HandleStartRemoteRun accepts a remote run config and returns a
// scheduling reference immediately; the pipeline runs detached.
func (a *API) HandleStartRemoteRun(w http.ResponseWriter, r *http.Request) {
	logger := a.Logger.With(slog.String("handler", "HandleStartRemoteRun"))
	var req models.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.BadRequest(w, logger, err, "Invalid JSON request body")
		return
	}
	defer r.Body.Close()
	if msg := validateRequest(req); msg != "" {
		httperrors.BadRequest(w, logger, nil, msg)
		return
	}
	if a.Config.Lab_Project == "" {
		httperrors.BadRequest(w, logger, nil, "No device-lab project configured")
		return
	}

	schedRef := a.Remote.Schedule(req)
	writeJSON(w, logger, http.StatusAccepted, map[string]string{
		"run_ref": schedRef,
		"status":  "SCHEDULING",
	})
}

// HandleGetRemoteRun proxies the remote service's run state. Accepts
// either the service's run reference or the scheduling reference handed
// out when the run was started.
func (a *API) HandleGetRemoteRun(w http.ResponseWriter, r *http.Request) {
	runRef := chi.URLParam(r, "runRef")
	logger := a.Logger.With(slog.String("handler", "HandleGetRemoteRun"), slog.String("run_ref", runRef))

	// A scheduling reference only exists locally; its history entry
	// carries the service reference once the run has been scheduled.
	if entry, ok := a.Store.GetHistory(runRef); ok && entry.RunRef != "" {
		runRef = entry.RunRef
	}

	run, err := a.Lab.GetRun(r.Context(), runRef)
	if err != nil {
		if errors.Is(err, devicelab.ErrNotFound) {
			httperrors.NotFound(w, logger, nil, fmt.Sprintf("Run %s not found", runRef))
			return
		}
		httperrors.InternalServerError(w, logger, err, "Failed to retrieve run from remote service")
		return
	}
	writeJSON(w, logger, http.StatusOK, run)
}

// HandleSyncHistory triggers the reconciler.
func (a *API) HandleSyncHistory(w http.ResponseWriter, r *http.Request) {
	logger := a.Logger.With(slog.String("handler", "HandleSyncHistory"))
	merged, err := a.Reconciler.Sync(r.Context())
	if err != nil {
		httperrors.InternalServerError(w, logger, err, "Failed to synchronize history with remote service")
		return
	}
	writeJSON(w, logger, http.StatusOK, map[string]int{"merged": merged})
}

// HandleGetHistory lists the completed-run history, newest first.
func (a *API) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.Logger, http.StatusOK, a.Store.ListHistory())
}

// HandleResolveReport runs the report resolution pipeline. A missing
// report is a 200 with found=false, not an error.
func (a *API) HandleResolveReport(w http.ResponseWriter, r *http.Request) {
	runRef := chi.URLParam(r, "runRef")
	logger := a.Logger.With(slog.String("handler", "HandleResolveReport"), slog.String("run_ref", runRef))

	resolution, err := a.Reports.Resolve(r.Context(), runRef)
	if err != nil {
		httperrors.InternalServerError(w, logger, err, "Failed to resolve report")
		return
	}
	writeJSON(w, logger, http.StatusOK, resolution)
}

// validateRequest checks the fields both pipelines require. Returns an
// empty string when the request is valid.
func validateRequest(req models.RunRequest) string {
	switch {
	case req.Platform == "":
		return "Missing required field: platform"
	case req.Platform != models.PlatformAndroid && req.Platform != models.PlatformIOS:
		return fmt.Sprintf("Unsupported platform %q", req.Platform)
	case req.Build == "":
		return "Missing required field: build"
	case req.Device == "":
		return "Missing required field: device"
	case req.Mode != models.ModeFull && req.Mode != models.ModeSingle:
		return "Field 'mode' must be \"full\" or \"single\""
	case req.Mode == models.ModeSingle && req.Spec == "":
		return "Missing required field: spec (mode is \"single\")"
	}
	return ""
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}
