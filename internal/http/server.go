package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hulrap/agentflow/internal/log"
	"github.com/hulrap/agentflow/pkg/models"
	"github.com/hulrap/agentflow/pkg/service"
	"github.com/hulrap/agentflow/pkg/storage"
	"github.com/pkg/errors"
)

// doneFrame terminates every event stream.
const doneFrame = "[DONE]"

// NewMux builds the HTTP surface of the engine.
func NewMux(svc *service.Service) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("GET /definitions", ListDefinitionsHandler(svc))
	mux.HandleFunc("POST /executions", StartExecutionHandler(svc))
	mux.HandleFunc("GET /executions", ListExecutionsHandler(svc))
	mux.HandleFunc("GET /executions/{id}", GetExecutionHandler(svc))
	mux.HandleFunc("PATCH /executions/{id}/status", UpdateStatusHandler(svc))
	mux.HandleFunc("POST /executions/{id}/resume", ResumeExecutionHandler(svc))
	mux.HandleFunc("GET /executions/{id}/events", StreamEventsHandler(svc))
	mux.HandleFunc("GET /usage/{user_id}", UsageHandler(svc))
	mux.HandleFunc("PUT /usage/{user_id}/limits", SetLimitsHandler(svc))
	return mux
}

func StartServer(port string, svc *service.Service) error {
	log.GetLogger().Infof("Starting agentflow server on :%s", port)
	return http.ListenAndServe(":"+port, NewMux(svc))
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "agentflow server is running")
}

func ListDefinitionsHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Definitions())
	}
}

type startRequest struct {
	DefinitionID string `json:"definition_id"`
	UserID       string `json:"user_id"`
	InitialInput string `json:"initial_input"`
}

// StartExecutionHandler creates an execution and kicks off its step loop
// in the background. The response carries the execution ID immediately;
// observers attach via the events stream or poll the status endpoint.
func StartExecutionHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req startRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.DefinitionID == "" || req.UserID == "" {
			writeError(w, http.StatusBadRequest, "definition_id and user_id are required")
			return
		}
		exec, err := svc.Start(r.Context(), req.DefinitionID, req.UserID, req.InitialInput)
		if err != nil {
			log.GetLogger().Errorf("Failed to start execution: %v", err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// The step loop must outlive the 202 response.
		runCtx := context.WithoutCancel(r.Context())
		go func() {
			if err := svc.Run(runCtx, exec.ID); err != nil {
				log.GetLogger().Errorf("Execution %s run ended with error: %v", exec.ID, err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{
			"execution_id": exec.ID,
			"status":       string(models.PendingExecutionStatus),
		})
	}
}

// ResumeExecutionHandler re-enters a paused execution's step loop.
func ResumeExecutionHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		exec, _, err := svc.GetExecution(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if exec.Status != models.PausedExecutionStatus {
			writeError(w, http.StatusConflict, fmt.Sprintf("execution is %s, only paused executions can be resumed", exec.Status))
			return
		}
		runCtx := context.WithoutCancel(r.Context())
		go func() {
			if err := svc.Resume(runCtx, id); err != nil {
				log.GetLogger().Errorf("Execution %s resume ended with error: %v", id, err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{
			"execution_id": id,
			"status":       string(models.RunningExecutionStatus),
		})
	}
}

func ListExecutionsHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		execs, err := svc.ListExecutions(r.Context(), r.URL.Query().Get("user_id"))
		if err != nil {
			log.GetLogger().Errorf("Failed to list executions: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to list executions")
			return
		}
		if execs == nil {
			execs = []models.WorkflowExecution{}
		}
		writeJSON(w, http.StatusOK, execs)
	}
}

type executionResponse struct {
	models.WorkflowExecution
	TotalSteps int     `json:"total_steps"`
	Progress   float64 `json:"progress"`
}

func GetExecutionHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exec, totalSteps, err := svc.GetExecution(r.Context(), r.PathValue("id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, executionResponse{
			WorkflowExecution: exec,
			TotalSteps:        totalSteps,
			Progress:          exec.Progress(totalSteps),
		})
	}
}

type statusUpdateRequest struct {
	Status          string `json:"status"`
	CurrentStepName string `json:"current_step_name,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

func UpdateStatusHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req statusUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		note := req.Reason
		if note == "" {
			note = req.CurrentStepName
		}
		exec, err := svc.UpdateStatus(r.Context(), r.PathValue("id"), models.ExecutionStatus(req.Status), note)
		if err != nil {
			switch {
			case errors.Is(err, storage.ErrNotFound):
				writeError(w, http.StatusNotFound, "execution not found")
			case errors.Is(err, service.ErrInvalidTransition):
				writeError(w, http.StatusConflict, err.Error())
			default:
				writeError(w, http.StatusBadRequest, err.Error())
			}
			return
		}
		writeJSON(w, http.StatusOK, exec)
	}
}

// StreamEventsHandler attaches the client to an execution's event stream
// as server-sent events. Frames are the JSON events of the run loop; the
// stream ends with a literal [DONE] frame once the run stops, whether it
// completed, paused or failed.
func StreamEventsHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		exec, _, err := svc.GetExecution(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		if !streamable(exec.Status) {
			writeFrame(w, flusher, doneFrame)
			return
		}

		events, cancel := svc.Broker().Subscribe(id)
		defer cancel()

		// The run may have ended between the status read and the
		// subscription; a second read closes that window.
		if exec, _, err = svc.GetExecution(r.Context(), id); err == nil && !streamable(exec.Status) {
			writeFrame(w, flusher, doneFrame)
			return
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case e, open := <-events:
				if !open {
					writeFrame(w, flusher, doneFrame)
					return
				}
				data, err := json.Marshal(e)
				if err != nil {
					log.GetLogger().Errorf("Failed to marshal event for execution %s: %v", id, err)
					continue
				}
				writeFrame(w, flusher, string(data))
			}
		}
	}
}

func streamable(status models.ExecutionStatus) bool {
	return status == models.PendingExecutionStatus || status == models.RunningExecutionStatus
}

type usageResponse struct {
	Totals models.UsageTotals `json:"totals"`
	Limits models.UsageLimits `json:"limits"`
}

func UsageHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		totals, limits, err := svc.UsageSummary(r.PathValue("user_id"))
		if err != nil {
			log.GetLogger().Errorf("Failed to load usage summary: %v", err)
			writeError(w, http.StatusInternalServerError, "failed to load usage")
			return
		}
		writeJSON(w, http.StatusOK, usageResponse{Totals: totals, Limits: limits})
	}
}

func SetLimitsHandler(svc *service.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var limits models.UsageLimits
		if err := json.NewDecoder(r.Body).Decode(&limits); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		limits.UserID = r.PathValue("user_id")
		if err := svc.SetLimits(limits); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, limits)
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, data string) {
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	log.GetLogger().Errorf("Storage error: %v", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}
