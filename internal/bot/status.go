package bot

import (
	"net/http"
	"time"

	"github.com/boomlive/replybot/internal/dedup"
	"github.com/boomlive/replybot/internal/ratelimit"
	"github.com/boomlive/replybot/internal/storage"
)

// StatusHandler exposes read-only introspection: processed counts, rate
// window occupancy, and the poll cursor. Informational only.
type StatusHandler struct {
	dispatcher   *Dispatcher
	store        *dedup.Store
	replyLimiter *ratelimit.Limiter
	archive      storage.Archive
	cursorFn     func() string
	botUsername  string
	mode         string
	startTime    time.Time
}

// NewStatusHandler builds the introspection endpoints. cursorFn may be nil
// in webhook mode, where no cursor exists.
func NewStatusHandler(
	dispatcher *Dispatcher,
	store *dedup.Store,
	replyLimiter *ratelimit.Limiter,
	archive storage.Archive,
	cursorFn func() string,
	botUsername, mode string,
) *StatusHandler {
	return &StatusHandler{
		dispatcher:   dispatcher,
		store:        store,
		replyLimiter: replyLimiter,
		archive:      archive,
		cursorFn:     cursorFn,
		botUsername:  botUsername,
		mode:         mode,
		startTime:    time.Now(),
	}
}

func (h *StatusHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/", h.handleRoot)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/status", h.handleStatus)
}

func (h *StatusHandler) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "running",
		"bot_username": h.botUsername,
		"mode":         h.mode,
		"started_at":   h.startTime.UTC().Format(time.RFC3339),
	})
}

func (h *StatusHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": uptime.Seconds(),
	})
}

func (h *StatusHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"stats":             h.dispatcher.Stats(),
		"dedup_entries":     h.store.Len(),
		"reply_window_used": h.replyLimiter.Occupancy(""),
	}
	if h.cursorFn != nil {
		payload["cursor"] = h.cursorFn()
	}
	if h.archive != nil {
		if count, err := h.archive.CountReplies(r.Context()); err == nil {
			payload["archived_replies"] = count
		}
	}
	writeJSON(w, http.StatusOK, payload)
}
