package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	"go.uber.org/zap"
)

const (
	eventBuffer       = 8
	heartbeatInterval = 15 * time.Second
)

// streamEvents relays bus notifications as server-sent events until the client
// disconnects or the server shuts down.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse("STREAM_UNSUPPORTED", "streaming not supported"))
		return
	}

	id := "sse-" + uuid.NewString()
	log := h.logger.With(zap.String("subscriber", id), zap.String("request_id", middleware.GetReqID(r.Context())))

	ch := make(chan entity.Notification, eventBuffer)
	if err := h.events.Subscribe(id, ch); err != nil {
		log.Warn("event subscribe failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse("EVENTS_UNAVAILABLE", err.Error()))
		return
	}
	defer func() {
		if err := h.events.Unsubscribe(id); err != nil {
			log.Debug("event unsubscribe failed", zap.Error(err))
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	flusher.Flush()
	log.Debug("event stream opened")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug("event stream closed by client")
			return
		case <-h.streamsDone:
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case n := <-ch:
			data, err := json.Marshal(n)
			if err != nil {
				log.Error("failed to encode notification", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
