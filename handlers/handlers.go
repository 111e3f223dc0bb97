package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"dag-consensus/consensus"
	"dag-consensus/logger"
	"dag-consensus/models"
	"dag-consensus/network"
)

// MaxWait caps the ?wait= duration of a submission.
const MaxWait = time.Minute

// DefaultMaxBodyBytes bounds request bodies when no payload limit is configured.
const DefaultMaxBodyBytes int64 = 8 << 20

// BodyLimit returns the largest request body worth reading for vertices carrying up
// to maxPayload bytes. Payloads travel base64 encoded next to parents and a signature.
func BodyLimit(maxPayload int) int64 {
	if maxPayload <= 0 {
		return DefaultMaxBodyBytes
	}
	return int64(maxPayload)*4/3 + 64<<10
}

// Engine is the part of the consensus engine served over HTTP.
type Engine interface {
	SubmitVertex(ctx context.Context, s consensus.Submission) (models.VertexID, error)
	SubmitAndWait(ctx context.Context, s consensus.Submission) (models.VertexID, models.Status, error)
	GetStatus(id models.VertexID) (models.Status, error)
	GetVertex(id models.VertexID) (*models.VertexRecord, error)
	GetTips() []models.VertexID
	GetMetrics() models.Metrics
	network.Responder
	network.Receiver
}

// Handler contains the HTTP handlers for the consensus API endpoints
type Handler struct {
	Engine       Engine
	MaxBodyBytes int64
}

// NewHandler creates and returns a new Handler instance. Bodies larger than
// maxBodyBytes are refused with 413; zero or less means DefaultMaxBodyBytes.
func NewHandler(e Engine, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{Engine: e, MaxBodyBytes: maxBodyBytes}
}

// decode reads a JSON body of at most MaxBodyBytes into dst. On failure the error
// response is already written.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}, msg string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		logger.Logger.Warn("Request body too large", zap.String("path", r.URL.Path), zap.Int64("limit", tooLarge.Limit))
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error": "Request body too large",
		})
		return false
	}
	logger.Logger.Debug("Failed to decode request", zap.String("path", r.URL.Path), zap.Error(err))
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": msg,
	})
	return false
}

// SubmitRequest is the body of POST /vertices.
type SubmitRequest struct {
	Payload     []byte            `json:"payload"`
	Parents     []models.VertexID `json:"parents,omitempty"`
	ConflictKey string            `json:"conflict_key,omitempty"`
}

// SubmitResponse answers a submission. Status is only set when the caller waited.
type SubmitResponse struct {
	ID     models.VertexID `json:"id"`
	Status *models.Status  `json:"status,omitempty"`
}

// StatusResponse answers GET /vertices/{id}.
type StatusResponse struct {
	ID     models.VertexID      `json:"id"`
	Status models.Status        `json:"status"`
	Record *models.VertexRecord `json:"record,omitempty"`
	Note   string               `json:"note,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Logger.Debug("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// errorCode maps engine error kinds to HTTP status codes.
func errorCode(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrDropped):
		return http.StatusGone
	case errors.Is(err, models.ErrNotRunning):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrTimeout):
		return http.StatusAccepted
	case errors.Is(err, models.ErrMissingParent):
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

// SubmitVertex handles POST requests creating a local vertex. With ?wait=<duration>
// the response is delayed until the vertex is decided or the duration elapses.
func (h *Handler) SubmitVertex(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !h.decode(w, r, &req, "Invalid request payload") {
		return
	}
	sub := consensus.Submission{
		Payload:     req.Payload,
		Parents:     req.Parents,
		ConflictKey: req.ConflictKey,
	}

	wait := r.URL.Query().Get("wait")
	if wait == "" {
		id, err := h.Engine.SubmitVertex(r.Context(), sub)
		if err != nil {
			logger.Logger.Error("Failed to submit vertex", zap.Error(err))
			writeError(w, errorCode(err), err)
			return
		}
		logger.Logger.Info("Submitted vertex", zap.Stringer("vertex", id), zap.String("conflict_key", req.ConflictKey))
		writeJSON(w, http.StatusCreated, SubmitResponse{ID: id})
		return
	}

	d, err := time.ParseDuration(wait)
	if err != nil || d <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Invalid wait duration",
		})
		return
	}
	if d > MaxWait {
		d = MaxWait
	}
	ctx, cancel := context.WithTimeout(r.Context(), d)
	defer cancel()

	id, status, err := h.Engine.SubmitAndWait(ctx, sub)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, SubmitResponse{ID: id, Status: &status})
	case errors.Is(err, models.ErrTimeout):
		// the vertex exists and keeps being voted on
		writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id, Status: &status})
	default:
		logger.Logger.Error("Failed to submit vertex", zap.Error(err))
		writeError(w, errorCode(err), err)
	}
}

// GetVertex handles GET requests for the consensus status of a vertex
func (h *Handler) GetVertex(w http.ResponseWriter, r *http.Request) {
	id, err := models.ParseVertexID(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	status, err := h.Engine.GetStatus(id)
	if err != nil {
		if errors.Is(err, models.ErrMissingParent) {
			writeJSON(w, http.StatusOK, StatusResponse{ID: id, Status: status, Note: err.Error()})
			return
		}
		writeError(w, errorCode(err), err)
		return
	}

	resp := StatusResponse{ID: id, Status: status}
	if rec, err := h.Engine.GetVertex(id); err == nil {
		resp.Record = rec
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTips handles GET requests for the current tips
func (h *Handler) GetTips(w http.ResponseWriter, r *http.Request) {
	tips := h.Engine.GetTips()
	if tips == nil {
		tips = []models.VertexID{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tips": tips,
	})
}

// GetMetrics handles GET requests for the consensus metrics snapshot
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.GetMetrics())
}

// Opinion answers a peer's query from local state.
func (h *Handler) Opinion(w http.ResponseWriter, r *http.Request) {
	var q network.Query
	if !h.decode(w, r, &q, "Invalid query") {
		return
	}
	writeJSON(w, http.StatusOK, h.Engine.Opinion(q))
}

// ReceiveVertex takes a vertex broadcast by a peer.
func (h *Handler) ReceiveVertex(w http.ResponseWriter, r *http.Request) {
	var v models.Vertex
	if !h.decode(w, r, &v, "Invalid vertex") {
		return
	}
	if err := h.Engine.ReceiveVertex(&v); err != nil {
		code := errorCode(err)
		if code != http.StatusAccepted {
			logger.Logger.Debug("Refused remote vertex", zap.Stringer("vertex", v.ID), zap.Error(err))
		}
		writeError(w, code, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id": v.ID,
	})
}
