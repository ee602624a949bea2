// Package httpapi is the HTTP front door for code execution requests:
// submit code, review it, and query request state.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/torosent/aca-dts/internal/codeexec"
	"github.com/torosent/aca-dts/pkg/api"
)

const maxCodeBytes = 1 << 20

type Handler struct {
	engine api.Engine
	logger *slog.Logger
}

func NewHandler(engine api.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{engine: engine, logger: logger}
}

type executeResponse struct {
	RequestID string `json:"RequestId"`
}

type reviewResponse struct {
	Message string `json:"message"`
}

type statusResponse struct {
	RequestID    string     `json:"request_id"`
	Status       api.Status `json:"status"`
	CustomStatus string     `json:"custom_status,omitempty"`
	Approved     *bool      `json:"approved,omitempty"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Execute starts a code execution request. The body is the code to run,
// as a JSON string.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCodeBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var code string
	if err := json.Unmarshal(body, &code); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON string of code")
		return
	}
	if strings.TrimSpace(code) == "" {
		writeError(w, http.StatusBadRequest, "Code cannot be null or empty.")
		return
	}

	payload, err := json.Marshal(code)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode code payload")
		return
	}

	inst, err := h.engine.Start(r.Context(), codeexec.OrchestrationName, "", payload)
	if err != nil {
		h.logger.Error("starting code execution", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start code execution")
		return
	}

	writeJSON(w, http.StatusOK, executeResponse{RequestID: inst.ID})
}

// Review approves or rejects a pending execution:
// POST /code/review?approve=true&requestId=<id>.
func (h *Handler) Review(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("requestId")
	if strings.TrimSpace(requestID) == "" {
		writeError(w, http.StatusBadRequest, "Request ID cannot be null or empty.")
		return
	}
	approve, err := strconv.ParseBool(r.URL.Query().Get("approve"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "approve must be a boolean")
		return
	}

	payload, _ := json.Marshal(approve)
	delivery, err := h.engine.RaiseEvent(r.Context(), requestID, codeexec.EventHumanApproval, payload)
	if err != nil {
		if errors.Is(err, api.ErrInstanceNotFound) {
			writeError(w, http.StatusNotFound, "unknown request id")
			return
		}
		h.logger.Error("raising approval event", "request", requestID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to deliver review")
		return
	}
	if delivery == api.DeliveryRejected {
		writeError(w, http.StatusConflict, "review window is closed for this request")
		return
	}

	msg := "Code execution rejected."
	if approve {
		msg = "Code execution approved."
	}
	writeJSON(w, http.StatusOK, reviewResponse{Message: msg})
}

// Status reports the current state of one request, including the sandbox
// result once available and the approval outcome once terminal.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request, requestID string) {
	inst, err := h.engine.GetInstance(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, api.ErrInstanceNotFound) {
			writeError(w, http.StatusNotFound, "unknown request id")
			return
		}
		h.logger.Error("loading request", "request", requestID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load request")
		return
	}

	writeJSON(w, http.StatusOK, toStatusResponse(inst))
}

// ListRequests lists code execution requests, optionally filtered by
// ?status=RUNNING|COMPLETED|FAILED.
func (h *Handler) ListRequests(w http.ResponseWriter, r *http.Request) {
	opts := api.InstanceListOptions{Orchestration: codeexec.OrchestrationName}
	if s := r.URL.Query().Get("status"); s != "" {
		status := api.Status(strings.ToUpper(s))
		switch status {
		case api.StatusRunning, api.StatusCompleted, api.StatusFailed:
			opts.Status = status
		default:
			writeError(w, http.StatusBadRequest, "unknown status filter")
			return
		}
	}

	instances, err := h.engine.ListInstances(r.Context(), opts)
	if err != nil {
		h.logger.Error("listing requests", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list requests")
		return
	}

	out := make([]statusResponse, 0, len(instances))
	for _, inst := range instances {
		out = append(out, toStatusResponse(inst))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func toStatusResponse(inst *api.Instance) statusResponse {
	resp := statusResponse{
		RequestID:    inst.ID,
		Status:       inst.Status,
		CustomStatus: inst.CustomStatus,
		Error:        inst.Err,
		CreatedAt:    inst.CreatedAt,
		UpdatedAt:    inst.UpdatedAt,
	}
	if inst.Status == api.StatusCompleted && len(inst.Result) > 0 {
		var approved bool
		if err := json.Unmarshal(inst.Result, &approved); err == nil {
			resp.Approved = &approved
		}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
