// Package api serves flow verdicts and protocol totals over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"Go2NetDPI/internal/codec"
	"Go2NetDPI/internal/metrics"
	"Go2NetDPI/internal/model"
)

// Source provides the verdicts served by the API. It is implemented by the
// live pipeline and by the ClickHouse querier.
type Source interface {
	Flows(ctx context.Context) ([]model.Verdict, error)
	ProtocolCounts(ctx context.Context) ([]model.ProtocolCount, error)
}

// Server routes API requests to a Source.
type Server struct {
	source Source
	logger zerolog.Logger
	router *mux.Router
}

// NewServer creates the API router.
func NewServer(source Source, logger zerolog.Logger) *Server {
	metrics.Register()

	s := &Server{source: source, logger: logger, router: mux.NewRouter()}
	s.router.Use(s.requestLogger)
	s.router.HandleFunc("/api/v1/flows", s.flowsHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/protocols", s.protocolsHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("API server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("API server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	var (
		protocol model.ProtocolID
		filtered bool
		limit    int
	)
	if name := r.URL.Query().Get("protocol"); name != "" {
		id, ok := model.ParseProtocol(name)
		if !ok {
			http.Error(w, "unknown protocol: "+name, http.StatusBadRequest)
			return
		}
		protocol, filtered = id, true
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit: "+raw, http.StatusBadRequest)
			return
		}
		limit = n
	}

	verdicts, err := s.source.Flows(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load flows")
		http.Error(w, "failed to load flows", http.StatusInternalServerError)
		return
	}

	selected := verdicts[:0:0]
	for _, v := range verdicts {
		if filtered && v.Protocol != protocol {
			continue
		}
		selected = append(selected, v)
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].LastSeen.After(selected[j].LastSeen)
	})
	if limit > 0 && len(selected) > limit {
		selected = selected[:limit]
	}

	body, err := codec.MarshalVerdicts(selected)
	if err != nil {
		http.Error(w, "failed to encode flows", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (s *Server) protocolsHandler(w http.ResponseWriter, r *http.Request) {
	counts, err := s.source.ProtocolCounts(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load protocol counts")
		http.Error(w, "failed to load protocol counts", http.StatusInternalServerError)
		return
	}
	if counts == nil {
		counts = []model.ProtocolCount{}
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(counts); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write response")
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok\n"))
}

// statusRecorder captures the status code and size of a response.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}

		event := s.logger.Debug()
		if rec.status >= 500 {
			event = s.logger.Error()
		} else if rec.status >= 400 {
			event = s.logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("client_ip", r.RemoteAddr).
			Int("bytes", rec.bytes).
			Msg("http_request")
	})
}
