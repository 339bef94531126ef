package cloudtaskmq

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Handler returns the HTTP surface for dispatcher callbacks plus two small
// read-only admin endpoints:
//
//	POST /process          delivery callback (wire contract payload)
//	GET  /tasks/{taskID}   task inspection
//	GET  /chains/{chainID} chain inspection
//
// The dispatcher retries every non-2xx response per its own policy, so handler
// failures and conflicts map onto status codes rather than bodies.
func (e *Engine) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/process", e.handleProcess)
	r.Get("/tasks/{taskID}", e.handleGetTask)
	r.Get("/chains/{chainID}", e.handleGetChain)
	return r
}

func (e *Engine) handleProcess(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	var payload DeliveryPayload
	if err := e.encoder.Decode(body, &payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if payload.TaskID == "" {
		http.Error(w, "missing taskId", http.StatusBadRequest)
		return
	}

	result, err := e.ProcessDelivery(req.Context(), payload)
	if err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if len(result) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}
	_, _ = w.Write(result)
}

func (e *Engine) handleGetTask(w http.ResponseWriter, req *http.Request) {
	task, err := e.GetTask(req.Context(), chi.URLParam(req, "taskID"))
	if err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	e.writeJSON(w, task)
}

func (e *Engine) handleGetChain(w http.ResponseWriter, req *http.Request) {
	chainID := chi.URLParam(req, "chainID")
	tasks, err := e.GetChainTasks(req.Context(), chainID)
	if err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	activeLeft, err := e.HasActiveTaskInChain(req.Context(), chainID)
	if err != nil {
		w.WriteHeader(statusFor(err))
		return
	}
	e.writeJSON(w, map[string]any{
		"chainId": chainID,
		"active":  activeLeft,
		"tasks":   tasks,
	})
}

func (e *Engine) writeJSON(w http.ResponseWriter, v any) {
	data, err := e.encoder.Encode(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// statusFor maps engine errors onto HTTP statuses. A stale delivery for a
// deleted or settled task must not be retried forever, hence 404/409; an
// unknown queue or a missing handler returns 422; other failures return 500
// so the dispatcher schedules a retry.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyProcessing), errors.Is(err, ErrTaskFinal):
		return http.StatusConflict
	case errors.Is(err, ErrUnknownQueue), errors.Is(err, ErrNoHandler):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
