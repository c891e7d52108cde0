package ingest

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path"

	"ratewatch/internal/logging"
)

// HTTPHandler decodes JSON traffic events and forwards them to the recorder.
// The last path segment selects the kind: `<prefix>/request` or `<prefix>/response`.
// Params: recorder receives validated events, max body limits payload size.
// Returns: HTTP handler for ingest endpoints.
type HTTPHandler struct {
	recorder    Recorder
	maxBodySize int64
	guard       SkewGuard
	logger      *slog.Logger
}

// NewHTTPHandler creates ingest HTTP handler.
// Params: recorder, max request body size in bytes, timestamp guard, and logger.
// Returns: configured handler.
func NewHTTPHandler(recorder Recorder, maxBodySize int64, guard SkewGuard, logger *slog.Logger) *HTTPHandler {
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20
	}
	return &HTTPHandler{
		recorder:    recorder,
		maxBodySize: maxBodySize,
		guard:       guard,
		logger:      logging.Component(logger, "ingest-http"),
	}
}

// ServeHTTP handles one incoming event request.
// Params: HTTP request/response writer pair.
// Returns: 202 with accepted count, 400 on decode errors, 404 on unknown kind.
func (h *HTTPHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		writer.Header().Set("Allow", http.MethodPost)
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	kind, ok := ParseKind(path.Base(request.URL.Path))
	if !ok {
		writeJSON(writer, http.StatusNotFound, map[string]string{"error": "unknown event kind"})
		return
	}

	request.Body = http.MaxBytesReader(writer, request.Body, h.maxBodySize)
	defer request.Body.Close()
	body, err := io.ReadAll(request.Body)
	if err != nil {
		writeJSON(writer, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	}

	accepted, err := Apply(h.recorder, kind, body, h.guard)
	if err != nil {
		h.logger.Debug("ingest payload rejected", "kind", kind, "error", err)
		writeJSON(writer, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(writer, http.StatusAccepted, map[string]int{"accepted": accepted})
}

func writeJSON(writer http.ResponseWriter, status int, payload any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(payload)
}
