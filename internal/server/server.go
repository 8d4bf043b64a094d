package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/vincentbai/browsetrace-captcha/internal/database"
	"github.com/vincentbai/browsetrace-captcha/internal/logging"
	"github.com/vincentbai/browsetrace-captcha/internal/models"
	"github.com/vincentbai/browsetrace-captcha/internal/payload"
	"github.com/vincentbai/browsetrace-captcha/internal/token"
)

const (
	// neutralScore is reported while no scoring model is loaded.
	neutralScore = 0.5

	sessionCookie = "session_id"
	maxBodyBytes  = 1 << 20
)

const (
	limiterIdleTTL       = 10 * time.Minute
	limiterSweepInterval = time.Minute
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type Server struct {
	db      *database.Database
	issuer  *token.Issuer
	replay  token.ReplayStore
	address string
	server  *http.Server

	publicToken string
	adminToken  string
	logger      *slog.Logger
	now         func() time.Time

	rateLimit    rate.Limit
	rateBurst    int
	limiters     map[string]*clientLimiter
	limiterMutex sync.Mutex
	lastSweep    time.Time

	registry   *prometheus.Registry
	challenges *prometheus.CounterVec
	verifies   *prometheus.CounterVec
	stored     prometheus.Counter
}

type Option func(*Server)

// WithPublicToken requires callers of /api/challenge to present credential.
func WithPublicToken(credential string) Option {
	return func(s *Server) { s.publicToken = credential }
}

// WithAdminToken enables /api/store and /api/update for holders of credential.
func WithAdminToken(credential string) Option {
	return func(s *Server) { s.adminToken = credential }
}

// WithRateLimit allows each client IP rps challenges per second with
// bursts of up to burst requests. burst is at least 1.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.rateLimit = rate.Limit(rps)
		s.rateBurst = max(burst, 1)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(db *database.Database, issuer *token.Issuer, replay token.ReplayStore, address string, opts ...Option) *Server {
	s := &Server{
		db:        db,
		issuer:    issuer,
		replay:    replay,
		address:   address,
		logger:    logging.Discard(),
		now:       time.Now,
		rateLimit: rate.Inf,
		limiters:  make(map[string]*clientLimiter),
		registry:  prometheus.NewRegistry(),
		challenges: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "captcha", Name: "challenges_total", Help: "Challenge requests by outcome."},
			[]string{"result"},
		),
		verifies: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "captcha", Name: "verifications_total", Help: "Token verifications by outcome."},
			[]string{"result"},
		),
		stored: prometheus.NewCounter(
			prometheus.CounterOpts{Namespace: "captcha", Name: "interactions_stored_total", Help: "Evidence payloads written to the store."},
		),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registry.MustRegister(s.challenges, s.verifies, s.stored)
	return s
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.allow(r) {
		s.challenges.WithLabelValues("rate_limited").Inc()
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	if s.publicToken != "" && bearerToken(r) != s.publicToken {
		s.challenges.WithLabelValues("unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req models.ChallengeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.challenges.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Data == "" {
		s.challenges.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "No data provided")
		return
	}
	p, err := payload.Decode(req.Data)
	if err != nil {
		s.challenges.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := sessionFromCookie(r)
	interactionID := uuid.NewString()
	score := neutralScore

	if req.Save {
		label := score
		err := s.store(r.Context(), database.Interaction{
			InteractionID: interactionID,
			SessionID:     sessionID,
			TSUTC:         s.now().UnixMilli(),
			UserAgent:     r.UserAgent(),
			Payload:       p,
			Label:         &label,
		})
		if err != nil {
			s.logger.Error("store interaction", "interaction_id", interactionID, "err", err)
			s.challenges.WithLabelValues("error").Inc()
			writeError(w, http.StatusInternalServerError, "failed to store interaction")
			return
		}
	}

	signed, err := s.issuer.Issue(score, interactionID)
	if err != nil {
		s.logger.Error("issue token", "err", err)
		s.challenges.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	s.logger.Info("challenge",
		"interaction_id", interactionID,
		"session_id", sessionID,
		"records", p.Interactions.Count(),
		"duration_ms", p.Duration,
		"saved", req.Save,
	)
	s.challenges.WithLabelValues("issued").Inc()
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: sessionID, Path: "/", HttpOnly: true})
	writeJSON(w, http.StatusOK, models.ChallengeResponse{Token: signed})
}

func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorizeAdmin(w, r) {
		return
	}

	var req models.StoreRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	p, err := payload.Decode(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = sessionFromCookie(r)
	}
	interactionID := uuid.NewString()
	err = s.store(r.Context(), database.Interaction{
		InteractionID: interactionID,
		SessionID:     sessionID,
		TSUTC:         s.now().UnixMilli(),
		UserAgent:     r.UserAgent(),
		Payload:       p,
		Label:         req.Label,
	})
	if err != nil {
		s.logger.Error("store interaction", "interaction_id", interactionID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to store interaction")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"message":        "Data stored successfully",
		"interaction_id": interactionID,
	})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorizeAdmin(w, r) {
		return
	}

	var req models.UpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.InteractionID == "" || req.Label == nil {
		writeError(w, http.StatusBadRequest, "interaction_id and label are required")
		return
	}

	err := s.db.UpdateLabel(r.Context(), req.InteractionID, *req.Label)
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "interaction not found")
		return
	case err != nil:
		s.logger.Error("update label", "interaction_id", req.InteractionID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to update label")
		return
	}

	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pem, err := s.issuer.PublicKeyPEM()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": pem})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.VerifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	claims, err := token.Redeem(r.Context(), s.issuer, s.replay, req.Token)
	switch {
	case errors.Is(err, token.ErrReplayed):
		s.verifies.WithLabelValues("replayed").Inc()
		writeJSON(w, http.StatusConflict, models.VerifyResponse{Error: err.Error()})
		return
	case errors.Is(err, token.ErrInvalid):
		s.verifies.WithLabelValues("invalid").Inc()
		writeJSON(w, http.StatusUnauthorized, models.VerifyResponse{Error: err.Error()})
		return
	case err != nil:
		s.logger.Error("redeem token", "err", err)
		s.verifies.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "failed to verify token")
		return
	}

	s.verifies.WithLabelValues("valid").Inc()
	writeJSON(w, http.StatusOK, models.VerifyResponse{
		Valid:         true,
		Score:         claims.Score,
		InteractionID: claims.InteractionID,
	})
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/challenge", s.handleChallenge)
	mux.HandleFunc("/api/store", s.handleStore)
	mux.HandleFunc("/api/update", s.handleUpdate)
	mux.HandleFunc("/api/public_key", s.handlePublicKey)
	mux.HandleFunc("/api/verify", s.handleVerify)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// Handler exposes the routes for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.address,
		Handler:      s.setupRoutes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("captcha endpoint listening", "address", s.address)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		s.logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) store(ctx context.Context, interaction database.Interaction) error {
	if err := s.db.InsertInteraction(ctx, interaction); err != nil {
		return err
	}
	s.stored.Inc()
	return nil
}

func (s *Server) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	if s.adminToken == "" {
		writeError(w, http.StatusForbidden, "admin endpoints disabled")
		return false
	}
	if bearerToken(r) != s.adminToken {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return false
	}
	return true
}

func (s *Server) allow(r *http.Request) bool {
	if s.rateLimit == rate.Inf {
		return true
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	now := s.now()

	s.limiterMutex.Lock()
	defer s.limiterMutex.Unlock()

	entry, ok := s.limiters[ip]
	if !ok {
		s.pruneLimiters(now)
		entry = &clientLimiter{limiter: rate.NewLimiter(s.rateLimit, s.rateBurst)}
		s.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// pruneLimiters drops clients idle for limiterIdleTTL, at most once per
// limiterSweepInterval. Callers hold limiterMutex.
func (s *Server) pruneLimiters(now time.Time) {
	if now.Sub(s.lastSweep) < limiterSweepInterval {
		return
	}
	s.lastSweep = now
	for ip, entry := range s.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(s.limiters, ip)
		}
	}
}

func bearerToken(r *http.Request) string {
	scheme, credential, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(credential)
}

func sessionFromCookie(r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
