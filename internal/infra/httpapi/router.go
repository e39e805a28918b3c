// Package httpapi exposes the message dispatcher, health and metrics over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/dispatcher"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxEnvelopeBytes = 16 << 20

type MessageDispatcher interface {
	DispatchRaw(ctx context.Context, data []byte, respond dispatcher.Responder) bool
}

// EventSource feeds notifications to connected event streams.
type EventSource interface {
	Subscribe(id string, ch chan<- entity.Notification) error
	Unsubscribe(id string) error
}

type Handler struct {
	dispatcher MessageDispatcher
	events     EventSource
	logger     *zap.Logger

	streamsDone chan struct{}
	closeOnce   sync.Once
}

// NewHandler wires the dispatcher and, when events is non-nil, the /v1/events stream.
func NewHandler(d MessageDispatcher, events EventSource, logger *zap.Logger) *Handler {
	return &Handler{
		dispatcher:  d,
		events:      events,
		logger:      logger,
		streamsDone: make(chan struct{}),
	}
}

// CloseStreams ends every open event stream. Register it with
// http.Server.RegisterOnShutdown so Shutdown does not wait on them.
func (h *Handler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.streamsDone) })
}

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.loggingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", h.postMessage)
		if h.events != nil {
			r.Get("/events", h.streamEvents)
		}
	})
	return r
}

// postMessage waits for the dispatcher's single answer. Dispatch failures are
// carried in the body, so the status is 200 whenever an answer was produced.
func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEnvelopeBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse(dispatcher.CodeInvalidMessage, "envelope too large"))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse(dispatcher.CodeInvalidMessage, "read body: "+err.Error()))
		return
	}

	answered := make(chan entity.Response, 1)
	// Detached so a client disconnect does not cancel work that already started.
	h.dispatcher.DispatchRaw(context.WithoutCancel(r.Context()), body, func(resp entity.Response) {
		answered <- resp
	})

	select {
	case resp := <-answered:
		writeJSON(w, http.StatusOK, resp)
	case <-r.Context().Done():
		h.logger.Debug("client went away before answer", zap.String("request_id", middleware.GetReqID(r.Context())))
	}
}

func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		h.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func errorResponse(code, message string) entity.Response {
	return entity.Response{Success: false, Error: &entity.ResponseError{Code: code, Message: message}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
