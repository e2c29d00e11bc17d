package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/incident-connector/internal/logging"
	"github.com/signalsfoundry/incident-connector/internal/telemetry"
)

const (
	// MessageIDHeader is the HTTP form of MessageIDMetadataKey.
	MessageIDHeader = "X-Message-Id"

	maxMessageBytes = 1 << 20
	wsWriteTimeout  = 5 * time.Second
)

// HTTPOption customises the HTTP handler.
type HTTPOption func(*httpAPI)

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) HTTPOption {
	return func(a *httpAPI) { a.metrics = h }
}

type httpAPI struct {
	ctrl     Control
	entities EntitySource
	log      logging.Logger
	metrics  http.Handler
	upgrader websocket.Upgrader
}

// NewHTTPHandler returns the REST and websocket surface of the control
// channel:
//
//	POST /v1/messages   enqueue one JSON control message
//	GET  /v1/status     connector status
//	GET  /v1/entities   websocket stream of entity items
//	GET  /healthz       liveness
func NewHTTPHandler(ctrl Control, entities EntitySource, log logging.Logger, opts ...HTTPOption) http.Handler {
	if log == nil {
		log = logging.Noop()
	}
	a := &httpAPI{
		ctrl:     ctrl,
		entities: entities,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.messageID)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", a.postMessage)
		r.Get("/status", a.getStatus)
		r.Get("/entities", a.streamEntities)
	})
	if a.metrics != nil {
		r.Handle("/metrics", a.metrics)
	}
	return r
}

// messageID puts the caller's message id, or a fresh one, on the request
// context and echoes it back.
func (a *httpAPI) messageID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get(MessageIDHeader); id != "" {
			ctx = logging.ContextWithMessageID(ctx, id)
		}
		ctx, log := logging.WithMessageLogger(ctx, a.log.With(
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
		))
		ctx = logging.ContextWithLogger(ctx, log)
		w.Header().Set(MessageIDHeader, logging.MessageIDFromContext(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *httpAPI) postMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	if err := a.ctrl.Enqueue(ctx, body); err != nil {
		writeError(w, HTTPStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"messageId": logging.MessageIDFromContext(ctx),
	})
}

func (a *httpAPI) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.ctrl.Status())
}

func (a *httpAPI) streamEntities(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.LoggerFromContext(ctx, a.log)
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn(ctx, "websocket upgrade failed", logging.Err(err))
		return
	}
	defer conn.Close()

	items, cancel := a.entities.Subscribe(telemetry.DefaultSubscriberBuffer)
	defer cancel()

	// The reader only notices the peer going away.
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		defer stop()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug(ctx, "websocket read failed", logging.Err(err))
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-items:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(item); err != nil {
				log.Debug(ctx, "websocket write failed", logging.Err(err))
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
