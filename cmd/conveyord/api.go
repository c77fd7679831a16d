package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conveyor-ci/conveyor/internal/definition"
	"github.com/conveyor-ci/conveyor/internal/domain"
	"github.com/conveyor-ci/conveyor/internal/execution/controller"
	"github.com/conveyor-ci/conveyor/internal/platform/auth"
	"github.com/conveyor-ci/conveyor/internal/repo"
	"github.com/conveyor-ci/conveyor/internal/store"
)

const defaultListLimit = 50

type runAPI struct {
	logger         *slog.Logger
	controller     *controller.Controller
	index          *repo.MemoryIndex
	history        repo.RunRepository
	pipelinesDir   string
	webhookSecret  string
	webhookMaxSkew time.Duration
}

func newRunAPI(logger *slog.Logger, ctrl *controller.Controller, index *repo.MemoryIndex, history repo.RunRepository, pipelinesDir, webhookSecret string, webhookMaxSkew time.Duration) *runAPI {
	return &runAPI{
		logger:         logger,
		controller:     ctrl,
		index:          index,
		history:        history,
		pipelinesDir:   pipelinesDir,
		webhookSecret:  webhookSecret,
		webhookMaxSkew: webhookMaxSkew,
	}
}

func (api *runAPI) register(mux *http.ServeMux, authenticator auth.Authenticator) {
	mux.Handle("POST /api/v1/runs", auth.Middleware(authenticator, http.HandlerFunc(api.handleCreateRun)))
	mux.Handle("GET /api/v1/runs", auth.Middleware(authenticator, http.HandlerFunc(api.handleListRuns)))
	mux.Handle("GET /api/v1/runs/{run_id}", auth.Middleware(authenticator, http.HandlerFunc(api.handleGetRun)))

	// Webhook deliveries authenticate with the shared HMAC secret, not a
	// bearer token. The route exists only when a secret is configured.
	if strings.TrimSpace(api.webhookSecret) != "" {
		mux.HandleFunc("POST /api/v1/webhooks/push", api.handleWebhookPush)
	}
}

type createRunRequest struct {
	Pipeline  string            `json:"pipeline"`
	Ref       string            `json:"ref"`
	Tag       bool              `json:"tag,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

type jobView struct {
	Name       string     `json:"name"`
	Stage      string     `json:"stage"`
	Status     string     `json:"status"`
	ExitCode   int        `json:"exit_code"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type stageView struct {
	Name   string    `json:"name"`
	Status string    `json:"status"`
	Jobs   []jobView `json:"jobs"`
}

type runView struct {
	RunID      string      `json:"run_id"`
	Pipeline   string      `json:"pipeline"`
	Ref        string      `json:"ref"`
	RefKind    string      `json:"ref_kind"`
	Status     string      `json:"status"`
	Error      string      `json:"error,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Stages     []stageView `json:"stages,omitempty"`
}

func (api *runAPI) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	api.startRun(w, r, req)
}

func (api *runAPI) handleWebhookPush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}

	ts := r.Header.Get(auth.HeaderWebhookTimestamp)
	if err := auth.VerifyWebhookTimestamp(ts, time.Now().UTC(), api.webhookMaxSkew); err != nil {
		api.writeError(w, r, http.StatusUnauthorized, "invalid_timestamp")
		return
	}
	sig := r.Header.Get(auth.HeaderWebhookSignature)
	if err := auth.VerifyWebhookSignature(api.webhookSecret, ts, r.Method, body, sig); err != nil {
		api.writeError(w, r, http.StatusUnauthorized, "invalid_signature")
		return
	}

	var req createRunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	api.startRun(w, r, req)
}

func (api *runAPI) startRun(w http.ResponseWriter, r *http.Request, req createRunRequest) {
	req.Pipeline = strings.TrimSpace(req.Pipeline)
	if req.Pipeline == "" {
		api.writeError(w, r, http.StatusBadRequest, "pipeline_required")
		return
	}
	if strings.TrimSpace(req.Ref) == "" {
		api.writeError(w, r, http.StatusBadRequest, "ref_required")
		return
	}
	if store.Sanitize(req.Pipeline) != req.Pipeline {
		api.writeError(w, r, http.StatusBadRequest, "invalid_pipeline_name")
		return
	}

	file := filepath.Join(api.pipelinesDir, req.Pipeline+".yml")
	p, err := definition.Load(file, definition.WithVariables(req.Variables))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			api.writeError(w, r, http.StatusNotFound, "pipeline_not_found")
			return
		}
		api.writeErrorWithDetails(w, r, http.StatusUnprocessableEntity, "definition_error", err.Error())
		return
	}

	ref := domain.ParseRef(req.Ref)
	if req.Tag && ref.Kind == domain.RefBranch && !strings.HasPrefix(req.Ref, "refs/") {
		ref = domain.TagRef(ref.Name)
	}

	runID := uuid.NewString()
	api.index.Put(domain.PipelineRun{
		ID:        runID,
		Pipeline:  p.Name,
		Ref:       ref,
		Status:    domain.RunPending,
		StartedAt: time.Now().UTC(),
	})

	// The run outlives the request; completion observers update the index
	// and persist the result.
	go func() {
		api.controller.RunWithID(context.Background(), runID, p, ref)
	}()

	api.writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id":   runID,
		"pipeline": p.Name,
		"ref":      ref.String(),
	})
}

func (api *runAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	if run, ok := api.index.Get(runID); ok {
		api.writeJSON(w, http.StatusOK, viewFromDomain(run))
		return
	}

	if api.history == nil {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return
	}
	record, err := api.history.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("run lookup failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	execs, err := api.history.ListJobExecutions(r.Context(), runID)
	if err != nil {
		api.logger.Error("job execution lookup failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, viewFromRecords(record, execs))
}

func (api *runAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = parsed
	}

	seen := make(map[string]bool)
	views := make([]runView, 0, limit)
	for _, run := range api.index.Recent(limit) {
		view := viewFromDomain(run)
		view.Stages = nil
		views = append(views, view)
		seen[run.ID] = true
	}

	if api.history != nil {
		records, err := api.history.ListRecent(r.Context(), limit)
		if err != nil {
			api.logger.Error("run history list failed", "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		for _, record := range records {
			if seen[record.RunID] {
				continue
			}
			views = append(views, viewFromRecords(record, nil))
		}
	}

	sort.Slice(views, func(i, j int) bool { return views[i].StartedAt.After(views[j].StartedAt) })
	if len(views) > limit {
		views = views[:limit]
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": views})
}

func viewFromDomain(run domain.PipelineRun) runView {
	view := runView{
		RunID:     run.ID,
		Pipeline:  run.Pipeline,
		Ref:       run.Ref.Name,
		RefKind:   string(run.Ref.Kind),
		Status:    string(run.Status),
		Error:     run.Error,
		StartedAt: run.StartedAt,
	}
	if run.Status.Terminal() {
		finished := run.FinishedAt
		view.FinishedAt = &finished
	}
	for _, stage := range run.Stages {
		sv := stageView{Name: stage.Name, Status: string(stage.Status)}
		for _, exec := range stage.Executions {
			jv := jobView{
				Name:     exec.JobName,
				Stage:    exec.Stage,
				Status:   string(exec.Status),
				ExitCode: exec.ExitCode,
				Reason:   exec.Reason,
			}
			if !exec.StartedAt.IsZero() {
				started := exec.StartedAt
				jv.StartedAt = &started
			}
			if exec.Status.Terminal() {
				finished := exec.FinishedAt
				jv.FinishedAt = &finished
			}
			sv.Jobs = append(sv.Jobs, jv)
		}
		view.Stages = append(view.Stages, sv)
	}
	return view
}

func viewFromRecords(record repo.RunRecord, execs []repo.JobExecutionRecord) runView {
	view := runView{
		RunID:     record.RunID,
		Pipeline:  record.Pipeline,
		Ref:       record.Ref,
		RefKind:   record.RefKind,
		Status:    record.Status,
		Error:     record.Error,
		StartedAt: record.StartedAt,
	}
	if !record.FinishedAt.IsZero() {
		finished := record.FinishedAt
		view.FinishedAt = &finished
	}
	if len(execs) == 0 {
		return view
	}

	stageOrder := make([]string, 0)
	byStage := make(map[string][]jobView)
	for _, exec := range execs {
		if _, ok := byStage[exec.Stage]; !ok {
			stageOrder = append(stageOrder, exec.Stage)
		}
		started := exec.StartedAt
		finished := exec.FinishedAt
		byStage[exec.Stage] = append(byStage[exec.Stage], jobView{
			Name:       exec.JobName,
			Stage:      exec.Stage,
			Status:     exec.Status,
			ExitCode:   exec.ExitCode,
			Reason:     exec.Reason,
			StartedAt:  &started,
			FinishedAt: &finished,
		})
	}
	for _, stage := range stageOrder {
		view.Stages = append(view.Stages, stageView{Name: stage, Jobs: byStage[stage]})
	}
	return view
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *runAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *runAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *runAPI) writeErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code string, details any) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
		"details":    details,
	})
}
