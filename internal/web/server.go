// Package web exposes the cap table ledger over HTTP.
package web

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/capledger/internal/events"
	"github.com/vadiminshakov/capledger/internal/services/convertibles"
	"github.com/vadiminshakov/capledger/internal/services/dividends"
	"github.com/vadiminshakov/capledger/internal/services/ledger"
	"github.com/vadiminshakov/capledger/internal/services/registry"
	"github.com/vadiminshakov/capledger/internal/services/rounds"
	"github.com/vadiminshakov/capledger/internal/services/vesting"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

// Server serves the JSON API and the event stream.
type Server struct {
	Addr string

	l            *zap.Logger
	ledger       *ledger.Service
	registry     *registry.Service
	rounds       *rounds.Service
	convertibles *convertibles.Service
	dividends    *dividends.Service
	vesting      *vesting.Service
	broadcaster  *events.Broadcaster
}

// NewServer creates a server. broadcaster may be nil, in which case the event stream
// answers 503.
func NewServer(
	l *zap.Logger,
	addr string,
	led *ledger.Service,
	reg *registry.Service,
	rnd *rounds.Service,
	conv *convertibles.Service,
	div *dividends.Service,
	vest *vesting.Service,
	broadcaster *events.Broadcaster,
) *Server {
	if l == nil {
		l = zap.NewNop()
	}
	return &Server{
		Addr:         addr,
		l:            l,
		ledger:       led,
		registry:     reg,
		rounds:       rnd,
		convertibles: conv,
		dividends:    div,
		vesting:      vest,
		broadcaster:  broadcaster,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /captable", s.handleCapTable)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /events", s.handleAppend)
	mux.HandleFunc("GET /events/stream", s.handleStream)

	mux.HandleFunc("POST /waterfall", s.handleWaterfall)
	mux.HandleFunc("POST /waterfall/scenarios", s.handleScenarios)
	mux.HandleFunc("POST /dilution", s.handleDilution)

	mux.HandleFunc("GET /share-classes", s.handleListShareClasses)
	mux.HandleFunc("POST /share-classes", s.handleCreateShareClass)
	mux.HandleFunc("PUT /share-classes/{id}", s.handleUpdateShareClass)

	mux.HandleFunc("GET /rounds", s.handleListRounds)
	mux.HandleFunc("POST /rounds", s.handleOpenRound)
	mux.HandleFunc("GET /rounds/{id}", s.handleGetRound)
	mux.HandleFunc("POST /rounds/{id}/investments", s.handleAddInvestment)
	mux.HandleFunc("DELETE /rounds/{id}/investments/{investmentID}", s.handleRemoveInvestment)
	mux.HandleFunc("POST /rounds/{id}/close", s.handleCloseRound)
	mux.HandleFunc("POST /rounds/{id}/cancel", s.handleCancelRound)

	mux.HandleFunc("GET /convertibles", s.handleListConvertibles)
	mux.HandleFunc("POST /convertibles", s.handleCreateConvertible)
	mux.HandleFunc("GET /convertibles/outstanding", s.handleOutstanding)
	mux.HandleFunc("GET /convertibles/{id}", s.handleGetConvertible)
	mux.HandleFunc("POST /convertibles/{id}/schedule", s.handleScheduleConvertible)
	mux.HandleFunc("POST /convertibles/{id}/convert", s.handleConvert)
	mux.HandleFunc("POST /convertibles/{id}/cancel", s.handleCancelConvertible)

	mux.HandleFunc("GET /dividends", s.handleListDividends)
	mux.HandleFunc("POST /dividends", s.handleDistribute)
	mux.HandleFunc("GET /dividends/{id}", s.handleGetDividend)

	mux.HandleFunc("GET /vesting", s.handleListSchedules)
	mux.HandleFunc("POST /vesting", s.handleCreateSchedule)
	mux.HandleFunc("GET /vesting/{id}", s.handleGetSchedule)
	mux.HandleFunc("POST /vesting/{id}/release", s.handleReleaseSchedule)
	mux.HandleFunc("GET /vesting/{id}/termination-preview", s.handleTerminationPreview)
	mux.HandleFunc("POST /vesting/{id}/terminate", s.handleTerminateSchedule)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "last_sequence": s.ledger.LastSequence()})
	})

	return s.logRequests(mux)
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("api listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with certificates obtained via ACME.
// A plain HTTP server on :80 answers the HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(domains) == 0 {
		return fmt.Errorf("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Warn("acme server shutdown", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Warn("https server shutdown", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("acme server", zap.Error(err))
		}
	}()

	s.l.Info("api listening with auto tls", zap.String("addr", s.Addr), zap.Strings("domains", domains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.l.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}
