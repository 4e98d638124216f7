// Package httpserver runs the SQL generation handler behind a plain HTTP
// listener for local development, next to health, metrics and audit routes.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"labsql-agent/internal/domain"
)

const (
	maxBodyBytes     = 64 << 10
	defaultAuditList = 20
	maxAuditList     = 100
)

// LambdaHandler is the API Gateway handler served on POST /sql-generation.
type LambdaHandler interface {
	Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)
}

type AuditReader interface {
	ListDecisions(ctx context.Context, patientID string, limit int) ([]domain.AuditRecord, error)
	GetPatientStats(ctx context.Context, patientID string) (domain.PatientStats, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	ListenAddr   string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	router chi.Router
	cfg    Config
}

// New wires the router. metrics may be nil to leave /metrics unmounted.
func New(cfg Config, h LambdaHandler, audit AuditReader, db Pinger, metrics http.Handler) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, errors.New("httpserver: listen address is required")
	}
	if h == nil || audit == nil || db == nil {
		return nil, errors.New("httpserver: handler, audit reader and pinger are required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 120 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(cfg.CORSOrigins))

	r.Post("/sql-generation", lambdaBridge(h))
	r.Get("/healthz", health(db))
	// Unauthenticated; the audit route is for local development only.
	r.Get("/audit/{patientId}", auditTrail(audit))
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	return &Server{router: r, cfg: cfg}, nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("httpserver: listening on %s: %w", s.cfg.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpserver: shutting down: %w", err)
	}
	return <-errCh
}

func lambdaBridge(h LambdaHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "could not read body"})
			return
		}
		if len(body) > maxBodyBytes {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
			return
		}

		headers := make(map[string]string, len(r.Header))
		for k := range r.Header {
			headers[k] = r.Header.Get(k)
		}
		event := events.APIGatewayProxyRequest{
			HTTPMethod: r.Method,
			Path:       r.URL.Path,
			Headers:    headers,
			Body:       string(body),
			RequestContext: events.APIGatewayProxyRequestContext{
				RequestID: middleware.GetReqID(r.Context()),
			},
		}

		resp, err := h.Handle(r.Context(), event)
		if err != nil {
			log.Error().Err(err).Msg("handler returned an error")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.WriteString(w, resp.Body)
	}
}

func health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type auditEntry struct {
	RequestID        string    `json:"requestId"`
	StartedAt        time.Time `json:"startedAt"`
	Question         string    `json:"question"`
	OK               bool      `json:"ok"`
	SQL              string    `json:"sql,omitempty"`
	Code             string    `json:"code,omitempty"`
	ViolationCode    string    `json:"violationCode,omitempty"`
	IterationCount   int       `json:"iterationCount"`
	ForcedCompletion bool      `json:"forcedCompletion"`
	DurationMs       int64     `json:"durationMs"`
	Steps            int       `json:"steps"`
}

type auditStats struct {
	Decisions    int        `json:"decisions"`
	Failures     int        `json:"failures"`
	LastActivity *time.Time `json:"lastActivity,omitempty"`
}

type auditResponse struct {
	PatientID string       `json:"patientId"`
	Stats     auditStats   `json:"stats"`
	Decisions []auditEntry `json:"decisions"`
}

// auditTrail serves a patient's recent decisions and counters. It performs no
// authentication and must only be exposed by the local development server.
func auditTrail(audit AuditReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID := chi.URLParam(r, "patientId")
		limit := defaultAuditList
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > maxAuditList {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("limit must be between 1 and %d", maxAuditList)})
				return
			}
			limit = n
		}

		var (
			recs  []domain.AuditRecord
			stats domain.PatientStats
		)
		g, ctx := errgroup.WithContext(r.Context())
		g.Go(func() error {
			var err error
			recs, err = audit.ListDecisions(ctx, patientID, limit)
			return err
		})
		g.Go(func() error {
			var err error
			stats, err = audit.GetPatientStats(ctx, patientID)
			return err
		})
		if err := g.Wait(); err != nil {
			log.Error().Err(err).Str("patient_id", patientID).Msg("reading audit trail failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}

		resp := auditResponse{
			PatientID: patientID,
			Stats:     auditStats{Decisions: stats.Decisions, Failures: stats.Failures},
			Decisions: make([]auditEntry, 0, len(recs)),
		}
		if !stats.LastActivity.IsZero() {
			ts := stats.LastActivity
			resp.Stats.LastActivity = &ts
		}
		for _, rec := range recs {
			resp.Decisions = append(resp.Decisions, auditEntry{
				RequestID:        rec.RequestID,
				StartedAt:        rec.StartedAt,
				Question:         rec.Question,
				OK:               rec.OK,
				SQL:              rec.SQL,
				Code:             rec.Code,
				ViolationCode:    rec.ViolationCode,
				IterationCount:   rec.IterationCount,
				ForcedCompletion: rec.ForcedCompletion,
				DurationMs:       rec.Duration.Milliseconds(),
				Steps:            len(rec.Trace),
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Correlation-Id"},
		ExposedHeaders: []string{"X-Correlation-Id"},
		MaxAge:         300,
	})
}
