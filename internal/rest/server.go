// Package rest exposes the engine over a JSON HTTP API.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowmill/flowmill/internal/config"
	"github.com/flowmill/flowmill/internal/rest/middleware"
	"github.com/flowmill/flowmill/pkg/engine"
	"github.com/flowmill/flowmill/pkg/engine/runtime"
	"github.com/flowmill/flowmill/pkg/storage"
)

type Server struct {
	engine *engine.Engine
	name   string
	addr   string
	server *http.Server
	logger hclog.Logger
}

func NewServer(e *engine.Engine, conf config.Config) *Server {
	r := chi.NewRouter()
	s := Server{
		engine: e,
		name:   conf.Name,
		addr:   conf.Server.Addr,
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              conf.Server.Addr,
		},
		logger: hclog.Default().Named("rest"),
	}
	r.Use(middleware.Cors())
	r.Use(middleware.StripEmptyQueryParams())
	r.Use(middleware.Opentelemetry(conf.Name, conf.Tracing))
	r.Route("/v1", func(r chi.Router) {
		r.Route("/process-definitions", func(r chi.Router) {
			r.Post("/", s.deployDefinition)
			r.Get("/", s.listDefinitions)
			r.Post("/{processId}/suspend", s.suspendDefinition)
			r.Post("/{processId}/resume", s.resumeDefinition)
		})
		r.Route("/process-instances", func(r chi.Router) {
			r.Post("/", s.createProcess)
			r.Post("/suspend", s.suspendProcesses)
			r.Post("/resume", s.resumeProcesses)
			r.Post("/migrate", s.migrateProcesses)
			r.Route("/{processKey}", func(r chi.Router) {
				r.Get("/", s.getProcess)
				r.Delete("/", s.deleteProcess)
				r.Post("/run", s.runProcess)
				r.Post("/cancel", s.cancelProcess)
				r.Post("/terminate", s.terminateProcess)
				r.Post("/suspend", s.suspendProcess)
				r.Post("/resume", s.resumeProcess)
				r.Post("/incident/resolve", s.resolveIncident)
				r.Get("/activities", s.listActivities)
				r.Get("/variables", s.getVariables)
				r.Post("/messages/{messageId}", s.correlateMessage)
			})
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/activate", s.activateTasks)
			r.Post("/{processKey}/{activityKey}/complete", s.completeTask)
			r.Post("/{processKey}/{activityKey}/fail", s.failTask)
			r.Post("/{processKey}/{activityKey}/retry", s.retryTask)
		})
	})
	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{
				"name": s.name,
				"addr": s.addr,
			})
		})
	})
	return &s
}

func (s *Server) Start() net.Listener {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.logger.Error("failed to listen", "addr", s.addr, "error", err)
		return nil
	}
	s.logger.Info("REST server listening", "addr", s.addr)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server stopped", "error", err)
		}
	}()
	return listener
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error stopping server", "error", err)
	}
}

type ApiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	var invalid *engine.InvalidInputError
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusBadRequest, ApiError{Type: "BAD_REQUEST", Message: err.Error()})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ApiError{Type: "NOT_FOUND", Message: err.Error()})
	default:
		var engineErr *engine.EngineError
		if errors.As(err, &engineErr) {
			writeJSON(w, http.StatusConflict, ApiError{Type: "CONFLICT", Message: err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, ApiError{Type: "ERROR", Message: err.Error()})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeJSON(w, http.StatusBadRequest, ApiError{Type: "BAD_REQUEST", Message: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func keyParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	key, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ApiError{Type: "BAD_REQUEST", Message: "invalid " + name})
		return 0, false
	}
	return key, true
}

func (s *Server) deployDefinition(w http.ResponseWriter, r *http.Request) {
	var def runtime.ProcessDefinition
	if !decodeBody(w, r, &def) {
		return
	}
	deployed, err := s.engine.DeployDefinition(r.Context(), def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployed)
}

func (s *Server) listDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.engine.FindDefinitions(r.Context(), r.URL.Query().Get("processId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) suspendDefinition(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.SuspendDefinition(r.Context(), chi.URLParam(r, "processId")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeDefinition(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ResumeDefinition(r.Context(), chi.URLParam(r, "processId")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createProcessRequest struct {
	ProcessId     string         `json:"processId"`
	DefinitionKey int64          `json:"definitionKey"`
	BusinessKey   string         `json:"businessKey"`
	Variables     map[string]any `json:"variables"`
	// CreateOnly skips the start run so the caller can start the
	// instance later with the run endpoint.
	CreateOnly bool `json:"createOnly"`
}

func (s *Server) createProcess(w http.ResponseWriter, r *http.Request) {
	var req createProcessRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var process runtime.Process
	var err error
	switch {
	case req.DefinitionKey != 0:
		process, err = s.engine.CreateProcessByKey(r.Context(), req.DefinitionKey, req.BusinessKey, req.Variables)
		if err == nil && !req.CreateOnly {
			err = s.engine.RunProcess(r.Context(), process.Key)
		}
	case req.CreateOnly:
		process, err = s.engine.CreateProcess(r.Context(), req.ProcessId, req.BusinessKey, req.Variables)
	default:
		process, err = s.engine.CreateAndRunProcess(r.Context(), req.ProcessId, req.BusinessKey, req.Variables)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, process)
}

func (s *Server) getProcess(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r, "processKey")
	if !ok {
		return
	}
	process, err := s.engine.FindProcess(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, process)
}

func (s *Server) runProcess(w http.ResponseWriter, r *http.Request) {
	s.processAction(w, r, s.engine.RunProcess)
}

func (s *Server) cancelProcess(w http.ResponseWriter, r *http.Request) {
	s.processAction(w, r, s.engine.CancelProcess)
}

func (s *Server) terminateProcess(w http.ResponseWriter, r *http.Request) {
	s.processAction(w, r, s.engine.TerminateProcess)
}

func (s *Server) suspendProcess(w http.ResponseWriter, r *http.Request) {
	s.processAction(w, r, s.engine.SuspendProcess)
}

func (s *Server) resumeProcess(w http.ResponseWriter, r *http.Request) {
	s.processAction(w, r, s.engine.ResumeProcess)
}

func (s *Server) resolveIncident(w http.ResponseWriter, r *http.Request) {
	s.processAction(w, r, s.engine.ResolveIncident)
}

func (s *Server) processAction(w http.ResponseWriter, r *http.Request, action func(context.Context, int64) error) {
	key, ok := keyParam(w, r, "processKey")
	if !ok {
		return
	}
	if err := action(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteProcess(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r, "processKey")
	if !ok {
		return
	}
	cascade, _ := strconv.ParseBool(r.URL.Query().Get("cascade"))
	if err := s.engine.DeleteProcess(r.Context(), key, cascade); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listActivities(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r, "processKey")
	if !ok {
		return
	}
	activities, err := s.engine.FindActivities(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, activities)
}

func (s *Server) getVariables(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r, "processKey")
	if !ok {
		return
	}
	variables, err := s.engine.FindProcessVariables(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, variables)
}

func (s *Server) correlateMessage(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r, "processKey")
	if !ok {
		return
	}
	var req struct {
		Variables map[string]any `json:"variables"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.CorrelateMessage(r.Context(), key, chi.URLParam(r, "messageId"), req.Variables); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type batchRequest struct {
	ProcessId string `json:"processId"`
}

func (s *Server) suspendProcesses(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := s.engine.SuspendProcesses(r.Context(), req.ProcessId)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) resumeProcesses(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := s.engine.ResumeProcesses(r.Context(), req.ProcessId)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) migrateProcesses(w http.ResponseWriter, r *http.Request) {
	var plan runtime.MigrationPlan
	if !decodeBody(w, r, &plan) {
		return
	}
	job, err := s.engine.MigrateProcesses(r.Context(), plan)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type activateTasksRequest struct {
	Topic string `json:"topic"`
	Limit int32  `json:"limit"`
}

func (s *Server) activateTasks(w http.ResponseWriter, r *http.Request) {
	var req activateTasksRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	tasks, err := s.engine.ActivateExternalTasks(r.Context(), req.Topic, req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	processKey, ok := keyParam(w, r, "processKey")
	if !ok {
		return
	}
	activityKey, ok := keyParam(w, r, "activityKey")
	if !ok {
		return
	}
	var req struct {
		Variables map[string]any `json:"variables"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.CompleteActivity(r.Context(), processKey, activityKey, req.Variables); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	processKey, ok := keyParam(w, r, "processKey")
	if !ok {
		return
	}
	activityKey, ok := keyParam(w, r, "activityKey")
	if !ok {
		return
	}
	var req struct {
		Reason string `json:"reason"`
		Trace  string `json:"trace"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.FailActivity(r.Context(), processKey, activityKey, req.Reason, req.Trace); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	processKey, ok := keyParam(w, r, "processKey")
	if !ok {
		return
	}
	activityKey, ok := keyParam(w, r, "activityKey")
	if !ok {
		return
	}
	if err := s.engine.RetryActivity(r.Context(), processKey, activityKey); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
