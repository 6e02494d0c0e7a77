package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"zettanote.org/internal/admin"
	"zettanote.org/internal/audit"
)

// handleEventStream serves the live security-event feed over Server-Sent
// Events. Watching the feed requires the system configuration permission.
func (a *API) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	a.requireAdmin(admin.PermSystemConfig, func(w http.ResponseWriter, r *http.Request, _ *admin.Account) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		ch := audit.Events().Subscribe(ctx)

		// Send an initial comment to establish the stream
		_, _ = w.Write([]byte(": stream started\n\n"))
		flusher.Flush()

		for event := range ch {
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	})(w, r)
}
