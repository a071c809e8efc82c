// SPDX-License-Identifier: MIT

// Package api exposes the control protocol endpoint, the recording file
// server and the operational endpoints over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nbrandt/strec/internal/config"
	"github.com/nbrandt/strec/internal/log"
	"github.com/nbrandt/strec/internal/recorder"
)

// Server serves the control protocol for one local recorder.
type Server struct {
	cfg    *config.Config
	rec    recorder.Recorder
	logger zerolog.Logger
	http   *http.Server
}

// New builds the server around the given recorder.
func New(cfg *config.Config, rec recorder.Recorder) *Server {
	s := &Server{
		cfg:    cfg,
		rec:    rec,
		logger: log.WithComponent("api"),
	}
	s.http = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(s.recoverPanics)

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(120, time.Minute))
		r.Post("/rec", s.handleControl)
	})
	r.Get("/hls/*", s.handleFile)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks until the context is cancelled or the listener
// fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.http.Addr).Msg("control server listening")
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
