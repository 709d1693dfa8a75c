package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"apipulse/internal/config"
	"apipulse/internal/normalize"
)

const maxBodyBytes = 8 << 20

// RESTHandler serves POST /ingest?format=json|csv|text. Requests beyond the
// configured rate get 429.
type RESTHandler struct {
	cfg     *config.Manager
	norm    *normalize.Normalizer
	sink    *Sink
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewRESTHandler(cfg *config.Manager, norm *normalize.Normalizer, sink *Sink, logger *slog.Logger) *RESTHandler {
	ic := cfg.Get().Ingest
	limit := rate.Inf
	if ic.RateLimit > 0 {
		limit = rate.Limit(ic.RateLimit)
	}
	burst := ic.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &RESTHandler{
		cfg:     cfg,
		norm:    norm,
		sink:    sink,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

func (h *RESTHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	if !h.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
		return
	}
	format := strings.TrimSpace(r.URL.Query().Get("format"))
	if format == "" {
		format = h.cfg.Get().Ingest.Parser.DefaultFormat
	}
	parser, err := NewParser(format, h.norm)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	recs, err := parser.Parse(body)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("rest ingest parse error", "format", format, "err", err)
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	accepted, dropped := h.sink.Emit(r.Context(), "rest", recs)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": accepted,
		"dropped":  dropped,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
