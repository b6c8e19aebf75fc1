package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"stream-relay/internal/platform/logger"

	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

// Handler exposes the supervisor over HTTP using go-chi.
type Handler struct {
	sup *Supervisor
	log *slog.Logger
}

// NewHandler returns a Handler for sup. Request-scoped loggers from the
// context are preferred over log.
func NewHandler(sup *Supervisor, log *slog.Logger) *Handler {
	return &Handler{sup: sup, log: log}
}

// Register mounts the stream routes and the playback file tree on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/assignments/convert-rtsp", h.ConvertRTSP)
	r.Post("/assignments/stop-stream", h.StopStream)
	r.Get("/streams", h.ListStreams)
	r.Get("/streams/{stream_id}", h.GetStream)
	r.Handle("/stream/*", http.StripPrefix("/stream", NewPlaybackServer(h.sup.cfg.OutputDir)))
}

type convertRequest struct {
	RTSPURL  string `json:"rtspUrl"`
	DogID    string `json:"dogId"`
	StreamID string `json:"streamId,omitempty"`
}

type convertResult struct {
	DogID    string `json:"dogId"`
	HLSURL   string `json:"hlsUrl"`
	StreamID string `json:"streamId"`
	Status   State  `json:"status"`
	PID      int    `json:"pid"`
}

type stopRequest struct {
	StreamID string `json:"streamId"`
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

// ConvertRTSP handles POST /assignments/convert-rtsp.
// Body: { "rtspUrl": "rtsp://cam/stream", "dogId": "dog-1" }.
func (h *Handler) ConvertRTSP(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context(), h.log)

	var req convertRequest
	if err := decodeBody(w, r, &req); err != nil {
		log.Debug("invalid convert body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.RTSPURL) == "" || strings.TrimSpace(req.DogID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "rtspUrl and dogId are required")
		return
	}

	info, err := h.sup.StartStream(r.Context(), StartRequest{
		CameraID:  req.DogID,
		SourceURL: req.RTSPURL,
		StreamID:  req.StreamID,
	})
	if err != nil {
		status, kind := startErrorStatus(err)
		if status >= http.StatusInternalServerError {
			log.Error("start stream failed", slog.String("dog_id", req.DogID), slog.String("error", err.Error()))
		} else {
			log.Info("start stream rejected", slog.String("dog_id", req.DogID), slog.String("error", err.Error()))
		}
		writeError(w, status, kind, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: convertResult{
		DogID:    info.CameraID,
		HLSURL:   info.PlaybackURL,
		StreamID: info.StreamID,
		Status:   info.State,
		PID:      info.PID,
	}})
}

// StopStream handles POST /assignments/stop-stream.
// Body: { "streamId": "dog-1_1700000000000" }.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context(), h.log)

	var req stopRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.StreamID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "streamId is required")
		return
	}

	info, err := h.sup.StopStream(r.Context(), req.StreamID)
	if err != nil {
		log.Error("stop stream failed", slog.String("stream_id", req.StreamID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, errorKind(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: info})
}

// ListStreams handles GET /streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: h.sup.ListActive()})
}

// GetStream handles GET /streams/{stream_id}.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "stream_id")
	status, err := h.sup.Status(id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, errorKind(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: status})
}

func startErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidSource), errors.Is(err, ErrInvalidStreamID):
		return http.StatusBadRequest, errorKind(err)
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, errorKind(err)
	case errors.Is(err, ErrDuplicateStream):
		return http.StatusConflict, errorKind(err)
	case errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable, errorKind(err)
	default:
		return http.StatusInternalServerError, errorKind(err)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSource):
		return "invalid_source"
	case errors.Is(err, ErrInvalidStreamID):
		return "invalid_stream_id"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateStream):
		return "duplicate_stream"
	case errors.Is(err, ErrIO):
		return "io_error"
	case errors.Is(err, ErrSpawn):
		return "spawn_error"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	default:
		return "internal_error"
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeError(w http.ResponseWriter, status int, kind, details string) {
	writeJSON(w, status, envelope{Error: kind, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
