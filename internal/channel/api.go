// Package channel holds the outer surfaces of litchat: the HTTP/WebSocket
// gateway served by `litchat serve`, the terminal chat view and the
// Telegram bridge.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"litchat/internal/bus"
	"litchat/internal/domain"
	"litchat/internal/metrics"
	"litchat/internal/moderation"
	"litchat/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const (
	maxBodySize = 1 << 20 // 1MB
	// UserHeader carries the caller identity on write requests.
	UserHeader = "X-Litchat-User"
)

// GatewayConfig wires the HTTP gateway.
type GatewayConfig struct {
	Addr           string
	Store          store.Store
	Hub            *bus.Hub
	Moderation     *moderation.Engine
	AllowedOrigins []string
	MetricsPath    string // empty disables /metrics
	Logger         *slog.Logger
}

// Gateway serves the REST API, the realtime socket and health endpoints.
type Gateway struct {
	cfg    GatewayConfig
	ws     *WebSocket
	logger *slog.Logger
	server *http.Server
}

type messageList struct {
	Messages []domain.Message `json:"messages"`
}

type patchRequest struct {
	Body string `json:"body"`
}

// NewGateway builds the gateway. Store and Hub are required.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Store == nil || cfg.Hub == nil {
		return nil, errors.New("gateway: store and hub are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gateway{
		cfg:    cfg,
		ws:     NewWebSocket(cfg.Hub, cfg.AllowedOrigins, cfg.Logger),
		logger: cfg.Logger,
	}, nil
}

// Handler returns the routed handler.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(g.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(observeLatency)

	origins := g.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", UserHeader},
		MaxAge:         300,
	}))

	r.Get("/health", g.handleHealth)
	if g.cfg.MetricsPath != "" {
		r.Handle(g.cfg.MetricsPath, metrics.Handler())
	}
	r.Get("/ws", g.ws.ServeHTTP)

	r.Route("/api/messages", func(r chi.Router) {
		r.Get("/", g.handleList)
		r.Post("/", g.handleCreate)
		r.Delete("/", g.handleClear)
		r.Patch("/{id}", g.handleUpdate)
		r.Delete("/{id}", g.handleDelete)
	})
	return r
}

// Start serves until ctx is cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.ws.Start(); err != nil {
		return err
	}
	defer g.ws.Stop()

	g.server = &http.Server{
		Addr:              g.cfg.Addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	g.logger.Info("gateway started", "addr", g.cfg.Addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.server.Shutdown(shutdownCtx)
	}()

	if err := g.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	resp := map[string]any{
		"status":  "ok",
		"uptime":  metrics.Uptime().Round(time.Second).String(),
		"started": humanize.Time(time.Now().Add(-metrics.Uptime())),
		"clients": g.ws.Clients(),
	}
	if err := g.cfg.Store.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		resp["status"] = "degraded"
		resp["store"] = err.Error()
	}
	writeJSON(w, status, resp)
}

func (g *Gateway) handleList(w http.ResponseWriter, r *http.Request) {
	msgs, err := g.cfg.Store.Query(r.Context())
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, messageList{Messages: msgs})
}

func (g *Gateway) handleCreate(w http.ResponseWriter, r *http.Request) {
	var msg domain.Message
	if err := decodeBody(r, &msg); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	actor := r.Header.Get(UserHeader)
	owner := domain.Author{Name: msg.Author, ID: msg.AuthorID}.Key()
	if actor == "" || actor != owner {
		metrics.MessagesRejected.WithLabelValues("identity").Inc()
		writeJSON(w, http.StatusForbidden, errorBody("caller does not match message author"))
		return
	}
	if mod := g.cfg.Moderation; mod != nil {
		err := mod.CheckIdentity(msg.Author, msg.AvatarRef)
		if err == nil {
			err = mod.Check(msg.Body)
		}
		if err != nil {
			g.writeError(w, r, err)
			return
		}
	}

	msg.ID = ""
	msg.Pending = false
	msg.Edited = false
	ack, err := g.cfg.Store.Insert(r.Context(), msg)
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	metrics.MessagesStored.Inc()
	writeJSON(w, http.StatusCreated, ack)
}

func (g *Gateway) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if mod := g.cfg.Moderation; mod != nil {
		if err := mod.Check(req.Body); err != nil {
			g.writeError(w, r, err)
			return
		}
	}
	id := chi.URLParam(r, "id")
	if err := g.cfg.Store.Update(r.Context(), id, domain.Patch{Body: req.Body}, r.Header.Get(UserHeader)); err != nil {
		g.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := g.cfg.Store.Delete(r.Context(), id, r.Header.Get(UserHeader)); err != nil {
		g.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := g.cfg.Store.Clear(r.Context(), r.Header.Get(UserHeader)); err != nil {
		g.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps store and moderation errors onto status codes.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *moderation.ValidationError
	switch {
	case errors.As(err, &verr):
		metrics.MessagesRejected.WithLabelValues(verr.Field).Inc()
		writeJSON(w, http.StatusBadRequest, errorBody(verr.Error()))
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error()))
	case errors.Is(err, store.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody(err.Error()))
	case errors.Is(err, context.Canceled):
		// Client went away; nothing to answer.
	default:
		g.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// requestLogger logs one line per request with the gateway logger.
func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		g.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// observeLatency records request latency by route pattern.
func observeLatency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPLatency.WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}

func decodeBody(r *http.Request, v any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxBodySize {
		return errors.New("request body too large")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.New("invalid JSON")
	}
	return nil
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
