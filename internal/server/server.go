// Package server exposes the pipeline stages over HTTP so storage webhooks and other
// services can trigger them.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/andresmejia3/facestage/internal/pipeline"
	"github.com/andresmejia3/facestage/internal/types"
)

const maxBody = 1 << 20

// Handler is the part of the coordinator the server calls.
type Handler interface {
	HandleEvent(ctx context.Context, channel string, ev types.StorageEvent) types.Response
	Invoke(ctx context.Context, p types.InvokePayload) types.Response
}

type Server struct {
	handler    Handler
	router     *chi.Mux
	httpServer *http.Server
	logger     *slog.Logger
	inflight   sync.WaitGroup
}

func New(h Handler, host string, port int, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	s := &Server{handler: h, router: r, logger: logger}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(10 * time.Minute))

	r.Get("/health", s.health)
	r.Post("/events/video", s.event(pipeline.ChannelVideo))
	r.Post("/events/frame", s.event(pipeline.ChannelFrame))
	r.Post("/invoke/resolve", s.invoke)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux { return s.router }

func (s *Server) Start() error {
	s.logger.Info("starting server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for asynchronous invocations.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) event(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ev types.StorageEvent
		if err := decode(w, r, &ev); err != nil {
			writeResponse(w, pipeline.Respond(err, ""))
			return
		}
		writeResponse(w, s.handler.HandleEvent(r.Context(), channel, ev))
	}
}

func (s *Server) invoke(w http.ResponseWriter, r *http.Request) {
	var p types.InvokePayload
	if err := decode(w, r, &p); err != nil {
		writeResponse(w, pipeline.Respond(err, ""))
		return
	}
	if _, err := p.Ref(); err != nil {
		writeResponse(w, pipeline.Respond(err, ""))
		return
	}

	if r.Header.Get(pipeline.InvocationTypeHeader) == "Event" {
		ctx := context.WithoutCancel(r.Context())
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			resp := s.handler.Invoke(ctx, p)
			if resp.StatusCode != http.StatusOK {
				s.logger.Warn("async invocation failed", "key", p.ImageFileName, "kind", resp.Kind, "message", resp.Message)
			}
		}()
		writeResponse(w, types.Response{StatusCode: http.StatusAccepted, Status: "accepted", Message: "Invocation queued"})
		return
	}

	writeResponse(w, s.handler.Invoke(r.Context(), p))
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return types.Fail(types.InvalidRequest, "decode body", err)
	}
	return nil
}

func writeResponse(w http.ResponseWriter, resp types.Response) {
	writeJSON(w, resp.StatusCode, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
