// Package gatewayhttp wires client.Client onto an HTTP surface: a thin,
// workflow-agnostic router for StartWorkflow, SignalWorkflow, QueryWorkflow,
// DescribeWorkflow, and CancelWorkflow, mapping the engine's error taxonomy
// onto the status codes callers expect.
package gatewayhttp

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/orderflow/engine/client"
	ferrors "github.com/orderflow/engine/internal/errors"
	"go.uber.org/zap"
)

// Register mounts every route onto router.
func Register(router *mux.Router, c *client.Client, logger *zap.Logger) {
	h := &handler{client: c, logger: logger}
	router.HandleFunc("/workflows/{type}/{id}", h.start).Methods(http.MethodPut)
	router.HandleFunc("/workflows/{id}/signals/{name}", h.signal).Methods(http.MethodPost)
	router.HandleFunc("/workflows/{id}/queries/{name}", h.query).Methods(http.MethodPost)
	router.HandleFunc("/workflows/{id}", h.describe).Methods(http.MethodGet)
	router.HandleFunc("/workflows/{id}", h.cancel).Methods(http.MethodDelete)
}

type handler struct {
	client *client.Client
	logger *zap.Logger
}

type startRequest struct {
	TaskQueue string          `json:"task_queue"`
	Input     json.RawMessage `json:"input"`
}

func (h *handler) start(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, ferrors.ValidationError("malformed request body"))
		return
	}
	var req startRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, ferrors.ValidationError("malformed JSON: "+err.Error()))
			return
		}
	}

	handle, err := h.client.StartWorkflow(r.Context(), vars["type"], client.StartWorkflowOptions{
		WorkflowID: vars["id"],
		TaskQueue:  req.TaskQueue,
	}, req.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, handle)
}

func (h *handler) signal(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, ferrors.ValidationError("malformed request body"))
		return
	}
	if err := h.client.SignalWorkflow(r.Context(), vars["id"], vars["name"], body); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) query(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, ferrors.ValidationError("malformed request body"))
		return
	}
	out, err := h.client.QueryWorkflow(r.Context(), vars["id"], vars["name"], body)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (h *handler) describe(w http.ResponseWriter, r *http.Request) {
	info, err := h.client.DescribeWorkflow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.client.CancelWorkflow(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusFor maps the engine's error taxonomy onto HTTP status codes per the
// ValidationError→400, NotFound→404, Conflict→409, Transient/Timeout→503,
// anything else→500 scheme.
func statusFor(kind ferrors.Kind) int {
	switch kind {
	case ferrors.KindValidation:
		return http.StatusBadRequest
	case ferrors.KindNotFound:
		return http.StatusNotFound
	case ferrors.KindConflict:
		return http.StatusConflict
	case ferrors.KindTransient, ferrors.KindTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := ferrors.KindOf(err)
	writeJSON(w, statusFor(kind), map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}
