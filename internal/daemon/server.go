// Package daemon is the loopback HTTP service the browser extension talks
// to: tab lifecycle events, history snapshots and UI messages come in here.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/sperwe/Tree-Style-History-sub000/internal/app"
	"github.com/sperwe/Tree-Style-History-sub000/internal/browser"
	"github.com/sperwe/Tree-Style-History-sub000/internal/history"
	"github.com/sperwe/Tree-Style-History-sub000/internal/message"
	"github.com/sperwe/Tree-Style-History-sub000/internal/tabs"
)

// Backend is what the daemon serves.
type Backend interface {
	TabOpened(ctx context.Context, tab browser.Tab) error
	TabUpdated(ctx context.Context, tab browser.Tab) (history.CorrelationReport, error)
	TabClosed(ctx context.Context, tabID int) error
	TabActivated(tabID int)
	RecentTabs() []tabs.OpenTab
	SyncHistory(snapshots []browser.Snapshot) int
	Dispatch(ctx context.Context, req message.Request) message.Response
	Prune(ctx context.Context, days int) (int64, error)
	Status(ctx context.Context) (*app.Status, error)
}

// Options configure the server.
type Options struct {
	Addr           string
	RateLimit      float64 // requests per second
	Burst          int
	MaxRequestSize int64
	AllowedOrigins []string
	PruneInterval  time.Duration // 0 disables the periodic retention sweep
}

// Server routes extension requests to a Backend.
type Server struct {
	backend Backend
	opts    Options
	log     *slog.Logger
	limiter *rate.Limiter
	handler http.Handler
}

// New builds the router and its middleware.
func New(b Backend, opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxRequestSize <= 0 {
		opts.MaxRequestSize = 10 << 20
	}
	s := &Server{
		backend: b,
		opts:    opts,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
	}

	router := mux.NewRouter()
	router.Use(s.rateLimit)

	router.HandleFunc("/api/tabs/opened", s.tabOpened).Methods(http.MethodPost)
	router.HandleFunc("/api/tabs/updated", s.tabUpdated).Methods(http.MethodPost)
	router.HandleFunc("/api/tabs/closed", s.tabClosed).Methods(http.MethodPost)
	router.HandleFunc("/api/tabs/activated", s.tabActivated).Methods(http.MethodPost)
	router.HandleFunc("/api/tabs/recent", s.recentTabs).Methods(http.MethodGet)

	router.HandleFunc("/api/history/sync", s.syncHistory).Methods(http.MethodPost)
	router.HandleFunc("/api/message", s.handleMessage).Methods(http.MethodPost)
	router.HandleFunc("/api/status", s.status).Methods(http.MethodGet)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         86400,
	})
	s.handler = c.Handler(router)
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("daemon listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if s.opts.PruneInterval > 0 {
		go s.pruneLoop(ctx)
	}

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.log.Info("daemon shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.backend.Prune(ctx, 0)
			switch {
			case errors.Is(err, history.ErrBusy):
				s.log.Debug("scheduled prune skipped", "error", err)
			case err != nil:
				s.log.Error("scheduled prune", "error", err)
			default:
				s.log.Info("scheduled prune", "deleted", n)
			}
		}
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxRequestSize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// validTab rejects the ids the browser uses for "no tab".
func validTab(w http.ResponseWriter, id int) bool {
	if id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid tab id %d", id))
		return false
	}
	return true
}

func (s *Server) tabOpened(w http.ResponseWriter, r *http.Request) {
	var tab browser.Tab
	if !s.decode(w, r, &tab) || !validTab(w, tab.ID) {
		return
	}
	if err := s.backend.TabOpened(r.Context(), tab); err != nil {
		s.log.Error("tab opened", "tab", tab.ID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) tabUpdated(w http.ResponseWriter, r *http.Request) {
	var tab browser.Tab
	if !s.decode(w, r, &tab) || !validTab(w, tab.ID) {
		return
	}
	report, err := s.backend.TabUpdated(r.Context(), tab)
	if err != nil {
		s.log.Error("tab updated", "tab", tab.ID, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type tabRef struct {
	ID int `json:"id"`
}

func (s *Server) tabClosed(w http.ResponseWriter, r *http.Request) {
	var ref tabRef
	if !s.decode(w, r, &ref) || !validTab(w, ref.ID) {
		return
	}
	if err := s.backend.TabClosed(r.Context(), ref.ID); err != nil {
		s.log.Error("tab closed", "tab", ref.ID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) tabActivated(w http.ResponseWriter, r *http.Request) {
	var ref tabRef
	if !s.decode(w, r, &ref) || !validTab(w, ref.ID) {
		return
	}
	s.backend.TabActivated(ref.ID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) recentTabs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.RecentTabs())
}

func (s *Server) syncHistory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Items []browser.Snapshot `json:"items"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	added := s.backend.SyncHistory(req.Items)
	writeJSON(w, http.StatusOK, map[string]int{"urls": len(req.Items), "added": added})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.Status(r.Context())
	if err != nil {
		s.log.Error("status", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

var codeStatus = map[string]int{
	message.CodeInvalid:  http.StatusBadRequest,
	message.CodeNotFound: http.StatusNotFound,
	message.CodeNotReady: http.StatusServiceUnavailable,
	message.CodeBusy:     http.StatusConflict,
	message.CodeInternal: http.StatusInternalServerError,
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if !s.decode(w, r, &raw) {
		return
	}
	req, err := message.DecodeEnvelope(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, message.Response{Error: err.Error(), Code: message.CodeInvalid})
		return
	}

	resp := s.backend.Dispatch(r.Context(), req)
	status := http.StatusOK
	if !resp.OK {
		if st, ok := codeStatus[resp.Code]; ok {
			status = st
		} else {
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, resp)
}
