// Package http exposes a store over HTTP: record access, transaction
// control, compaction, statistics and prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"walstore/pkg/dberrors"
	"walstore/pkg/store"
)

const (
	contentTypeJSON   = "application/json"
	contentTypeBinary = "application/octet-stream"

	defaultAddr              = ":8080"
	defaultReadHeaderTimeout = time.Second
	defaultShutdownTimeout   = time.Second * 5

	// maxBodyBytes bounds a single record body accepted over HTTP.
	maxBodyBytes = 64 << 20
)

type iStoreAPI interface {
	Get(recid uint64) ([]byte, error)
	Put(data []byte) (uint64, error)
	Update(recid uint64, data []byte) error
	Delete(recid uint64) error
	Commit() error
	Rollback() error
	Compact(ctx context.Context) error
	Stats() (store.Stats, error)
}

var _ iStoreAPI = (*store.Store)(nil)

type Options struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Logger            logrus.FieldLogger
	// Gatherer serves /metrics. Defaults to the prometheus default gatherer.
	Gatherer prometheus.Gatherer
}

// Server represents the HTTP server in front of one store.
type Server struct {
	store      iStoreAPI
	opts       Options
	logger     logrus.FieldLogger
	httpServer *http.Server
	URL        string
}

// NewServer creates a new server instance
func NewServer(st iStoreAPI, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = defaultAddr
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	return &Server{
		store:  st,
		opts:   opts,
		logger: opts.Logger.WithField("component", "http"),
		URL:    "http://" + opts.Addr,
	}
}

// Start starts the server in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithField("action", "http_serve").WithError(err).Error("HTTP server error")
		}
	}()

	s.logger.WithFields(logrus.Fields{"action": "http_start", "addr": s.opts.Addr}).Info("HTTP server started")
	return nil
}

// Stop shuts the server down, waiting for in-flight requests.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "shutdown HTTP server")
	}
	return nil
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/stats", s.handleStats)

	r.Route("/records", func(r chi.Router) {
		r.Post("/", s.handlePut)
		r.Get("/{recid}", s.handleGet)
		r.Put("/{recid}", s.handleUpdate)
		r.Delete("/{recid}", s.handleDelete)
	})

	r.Post("/tx/commit", s.handleCommit)
	r.Post("/tx/rollback", s.handleRollback)
	r.Post("/compact", s.handleCompact)

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.WithFields(logrus.Fields{
			"action":     "http_request",
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"request_id": middleware.GetReqID(r.Context()),
			"took":       time.Since(start),
		}).Debug("request served")
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Warn("Error encoding response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := errorResponse(err, middleware.GetReqID(r.Context()))
	if status >= http.StatusInternalServerError {
		s.logger.WithFields(logrus.Fields{
			"action":     "http_error",
			"code":       resp.Code,
			"request_id": resp.RequestID,
		}).WithError(err).Error("request failed")
	}
	s.writeJSON(w, status, resp)
}

func recidParam(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "recid")
	recid, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || recid == 0 {
		return 0, errors.Wrapf(dberrors.ErrInvalidArgument, "bad recid %q", raw)
	}
	return recid, nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, errors.Wrap(dberrors.ErrInvalidArgument, err.Error())
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, okResponse())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// handlePut stores the request body as a new record. ?null=true stores a
// null record and ignores the body.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	var data []byte
	if r.URL.Query().Get("null") != "true" {
		b, err := readBody(w, r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		data = b
	}

	recid, err := s.store.Put(data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, recidResponse(recid))
}

// handleGet writes the raw record body. Null records answer 204.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	recid, err := recidParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	data, err := s.store.Get(recid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if data == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", contentTypeBinary)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.WithError(err).Warn("Failed to write record body")
	}
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	recid, err := recidParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var data []byte
	if r.URL.Query().Get("null") != "true" {
		if data, err = readBody(w, r); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	if err := s.store.Update(recid, data); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, recidResponse(recid))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	recid, err := recidParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.Delete(recid); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, successResponse())
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Commit(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, successResponse())
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Rollback(); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, successResponse())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Compact(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, successResponse())
}
