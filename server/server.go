package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"badged/ledger"
	"badged/reconcile"
	"badged/storage"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Reconciler resolves a claim to its canonical credential record.
type Reconciler interface {
	Reconcile(ctx context.Context, owner, appID, credentialType, metadataRef string) (*storage.CredentialRecord, error)
}

// RecordReader serves cached credential records without touching the ledger.
type RecordReader interface {
	Get(ctx context.Context, key storage.ClaimKey) (*storage.CredentialRecord, error)
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Engine            Reconciler
	Records           RecordReader
	APIKeys           []string
	RequestsPerMinute float64
	Burst             int
	Log               *slog.Logger
}

// Server is the HTTP front-end for credential claims.
type Server struct {
	engine  Reconciler
	records RecordReader
	keys    [][sha256.Size]byte
	limiter *rate.Limiter
	log     *slog.Logger

	router http.Handler
}

// New constructs a configured HTTP router with authentication and rate limiting.
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("reconcile engine required")
	}
	if cfg.Records == nil {
		return nil, errors.New("record reader required")
	}
	if len(cfg.APIKeys) == 0 {
		return nil, errors.New("at least one api key required")
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	keys := make([][sha256.Size]byte, 0, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		keys = append(keys, sha256.Sum256([]byte(strings.TrimSpace(key))))
	}
	srv := &Server{
		engine:  cfg.Engine,
		records: cfg.Records,
		keys:    keys,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute/60), cfg.Burst),
		log:     log,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/claims", func(api chi.Router) {
		api.Use(s.authenticate)
		api.Use(s.throttle)
		api.Post("/reconcile", s.handleReconcile)
		api.Get("/{appID}/{credentialType}/{owner}", s.handleGetRecord)
	})

	return r
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := sha256.Sum256([]byte(strings.TrimSpace(r.Header.Get("X-API-Key"))))
		for _, key := range s.keys {
			if subtle.ConstantTimeCompare(presented[:], key[:]) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		s.writeError(w, http.StatusUnauthorized, errors.New("invalid api key"))
	})
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type reconcileRequest struct {
	Owner          string `json:"owner"`
	AppID          string `json:"appId"`
	CredentialType string `json:"credentialType"`
	MetadataRef    string `json:"metadataRef"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("invalid JSON payload"))
		return
	}
	if strings.TrimSpace(req.Owner) == "" || strings.TrimSpace(req.AppID) == "" || strings.TrimSpace(req.CredentialType) == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("owner, appId and credentialType are required"))
		return
	}

	claimID := uuid.NewString()
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Minute)
	defer cancel()
	record, err := s.engine.Reconcile(ctx, req.Owner, req.AppID, req.CredentialType, req.MetadataRef)
	if err != nil {
		status := reconcileStatus(err)
		s.log.Warn("reconcile failed",
			"claim", claimID,
			"app", req.AppID,
			"type", req.CredentialType,
			"status", status,
			"err", err)
		s.writeError(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	key := storage.ClaimKey{
		AppID:          chi.URLParam(r, "appID"),
		Owner:          chi.URLParam(r, "owner"),
		CredentialType: chi.URLParam(r, "credentialType"),
	}
	if err := key.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	record, err := s.records.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, errors.New("lookup failed"))
		return
	}
	if record == nil {
		s.writeError(w, http.StatusNotFound, errors.New("no credential record"))
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// reconcileStatus maps engine failures to HTTP statuses: invalid submissions
// are permanent client errors, ledger corruption is a conflict that needs an
// operator, and everything transient invites a retry.
func reconcileStatus(err error) int {
	var corrupted *reconcile.LedgerStateCorruptedError
	if errors.As(err, &corrupted) {
		return http.StatusConflict
	}
	var mintErr *ledger.MintError
	if errors.As(err, &mintErr) {
		if mintErr.Reason == ledger.RevertMalformed {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadGateway
	}
	if errors.Is(err, ledger.ErrLedgerUnavailable) {
		return http.StatusBadGateway
	}
	if strings.Contains(err.Error(), "credential type") || strings.Contains(err.Error(), "owner address") {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
