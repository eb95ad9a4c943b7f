package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/appdock/appdock/internal/compose"
	"github.com/appdock/appdock/internal/contextstore"
	"github.com/appdock/appdock/internal/engine"
	"github.com/appdock/appdock/internal/models"
	"github.com/appdock/appdock/internal/store"
)

const maxRequestBody = 1 << 20

// ControlAPI serves the local control surface on the unix socket.
type ControlAPI struct {
	store    *store.Store
	contexts *contextstore.Store
	runner   *Runner
}

// NewControlAPI constructs the control API over the given stores.
func NewControlAPI(s *store.Store, contexts *contextstore.Store, runner *Runner) *ControlAPI {
	return &ControlAPI{store: s, contexts: contexts, runner: runner}
}

// Register registers all control API handlers with the provided mux.
func (api *ControlAPI) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/v1/applications", api.handleApplications)
	mux.HandleFunc("/v1/applications/", api.handleApplicationByID)
	mux.HandleFunc("/v1/tasks", api.handleTaskRun)
	mux.HandleFunc("/v1/tasks/resume", api.handleTaskResume)
	mux.HandleFunc("/v1/contexts/", api.handleContextByKey)
	mux.HandleFunc("/v1/status", api.handleStatus)
}

func (api *ControlAPI) handleApplications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	names, err := api.store.ListApplications()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list applications", err)
		return
	}
	summaries := make([]applicationSummary, 0, len(names))
	for _, name := range names {
		summary := applicationSummary{ID: name, Name: name}
		if _, res, err := api.store.ReadApplication(name); err == nil {
			var app models.Application
			if json.Unmarshal(res.Data, &app) == nil {
				if app.Name != "" {
					summary.Name = app.Name
				}
				summary.Description = app.Description
				summary.Extends = app.Extends
			}
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, map[string]any{"applications": summaries})
}

func (api *ControlAPI) handleApplicationByID(w http.ResponseWriter, r *http.Request) {
	tail := strings.TrimPrefix(r.URL.Path, "/v1/applications/")
	parts := strings.Split(strings.Trim(tail, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "application not found")
		return
	}
	appName := parts[0]

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, []string{http.MethodGet})
			return
		}
		api.handleApplicationGet(w, r, appName)
	case len(parts) == 2 && parts[1] == "icon":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, []string{http.MethodGet})
			return
		}
		api.handleApplicationIcon(w, r, appName)
	case len(parts) == 4 && parts[1] == "tasks" && parts[3] == "parameters":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, []string{http.MethodGet})
			return
		}
		api.handleTaskParameters(w, r, appName, parts[2])
	default:
		writeError(w, http.StatusNotFound, "application not found")
	}
}

func (api *ControlAPI) handleApplicationGet(w http.ResponseWriter, r *http.Request, appName string) {
	comp, err := compose.New(api.store).Compose(appName)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, fmt.Sprintf("compose %s", appName), err)
		return
	}
	tasks := make(map[string][]string, len(comp.Tasks))
	for task, names := range comp.Tasks {
		tasks[string(task)] = names
	}
	writeJSON(w, http.StatusOK, applicationDetail{
		Application: comp.Application,
		Hierarchy:   comp.Hierarchy,
		Tasks:       tasks,
		IconType:    comp.IconType,
		HasIcon:     len(comp.Icon) > 0,
		Details:     composeDetailStrings(comp),
	})
}

func (api *ControlAPI) handleApplicationIcon(w http.ResponseWriter, r *http.Request, appName string) {
	comp, err := compose.New(api.store).Compose(appName)
	if err != nil || len(comp.Icon) == 0 {
		writeError(w, http.StatusNotFound, "icon not found")
		return
	}
	w.Header().Set("Content-Type", comp.IconType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(comp.Icon)
}

func (api *ControlAPI) handleTaskParameters(w http.ResponseWriter, r *http.Request, appName, taskName string) {
	if !models.KnownTask(taskName) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown task %q", taskName))
		return
	}
	inputs := inputsFromQuery(r)
	comp, result, unresolved, err := api.runner.Prepare(r.Context(), appName, models.Task(taskName), inputs)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, fmt.Sprintf("prepare %s/%s", appName, taskName), err)
		return
	}
	resolved := make([]string, 0, len(result.ResolvedParams))
	for _, rp := range result.ResolvedParams {
		resolved = append(resolved, rp.ID)
	}
	writeJSON(w, http.StatusOK, parametersResponse{
		Parameters: result.Parameters,
		Resolved:   resolved,
		Unresolved: unresolved,
		Details:    detailStrings(comp, result),
	})
}

func (api *ControlAPI) handleTaskRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var req runRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Application = strings.TrimSpace(req.Application)
	req.Task = strings.TrimSpace(req.Task)
	if req.Application == "" || req.Task == "" {
		writeError(w, http.StatusBadRequest, "application and task are required")
		return
	}
	if !models.KnownTask(req.Task) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown task %q", req.Task))
		return
	}
	inputs := req.Inputs
	if inputs == nil {
		inputs = make(map[string]any)
	}
	if req.Hostname != "" {
		inputs["hostname"] = req.Hostname
	}
	api.streamRun(w, r.Context(), func(ctx context.Context, sink streamSink) (*RunResult, error) {
		return api.runner.RunTask(ctx, req.Application, models.Task(req.Task), inputs, sink.message)
	})
}

func (api *ControlAPI) handleTaskResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var req runRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Application = strings.TrimSpace(req.Application)
	req.Hostname = strings.TrimSpace(req.Hostname)
	if req.Application == "" {
		writeError(w, http.StatusBadRequest, "application is required")
		return
	}
	hostname := req.Hostname
	if hostname == "" {
		hostname, _ = store.SplitTierPrefix(req.Application)
	}
	api.streamRun(w, r.Context(), func(ctx context.Context, sink streamSink) (*RunResult, error) {
		return api.runner.ResumeTask(ctx, req.Application, hostname, sink.message)
	})
}

func (api *ControlAPI) handleContextByKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	key := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/contexts/"), "/")
	if key == "" {
		writeError(w, http.StatusNotFound, "context not found")
		return
	}
	var (
		payload any
		err     error
	)
	switch {
	case strings.HasPrefix(key, "vminstall_"):
		payload, err = api.contexts.GetVMInstallContext(r.Context(), key)
	case strings.HasPrefix(key, "vm_"):
		payload, err = api.contexts.GetVMContext(r.Context(), key)
	case strings.HasPrefix(key, "ve_"):
		payload, err = api.contexts.GetVEContext(r.Context(), key)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unrecognized context key %q", key))
		return
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, contextstore.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, fmt.Sprintf("load context %s", key), err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (api *ControlAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	names, err := api.store.ListApplications()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list applications", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"applications": len(names),
	})
}

// streamSink writes engine messages as NDJSON lines as they arrive.
type streamSink struct {
	flusher http.Flusher
	enc     *json.Encoder
}

func (s streamSink) message(m engine.Message) {
	_ = s.enc.Encode(map[string]any{"message": m})
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// streamRun executes fn while streaming engine messages, then appends
// a terminal result or error line. Headers are committed before the
// run starts, so failures surface in the trailer, not the status code.
func (api *ControlAPI) streamRun(w http.ResponseWriter, ctx context.Context, fn func(context.Context, streamSink) (*RunResult, error)) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	sink := streamSink{flusher: flusher, enc: json.NewEncoder(w)}

	result, err := fn(ctx, sink)
	if err != nil {
		_ = sink.enc.Encode(map[string]any{"error": err.Error()})
		if flusher != nil {
			flusher.Flush()
		}
		return
	}
	_ = sink.enc.Encode(map[string]any{"result": result})
	if flusher != nil {
		flusher.Flush()
	}
}

func inputsFromQuery(r *http.Request) map[string]any {
	values := r.URL.Query()
	if len(values) == 0 {
		return nil
	}
	inputs := make(map[string]any, len(values))
	for key := range values {
		inputs[key] = values.Get(key)
	}
	return inputs
}

func composeDetailStrings(comp *compose.Result) []string {
	var out []string
	for _, d := range comp.Details {
		out = append(out, d.String())
	}
	return out
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string, err ...error) {
	payload := apiError{Error: msg}
	if len(err) > 0 && err[0] != nil {
		payload.Error = fmt.Sprintf("%s: %s", msg, err[0].Error())
	}
	writeJSON(w, status, payload)
}

func writeMethodNotAllowed(w http.ResponseWriter, allowed []string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
