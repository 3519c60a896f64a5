// Package api exposes the storefront back end over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/JakeFAU/print-quote-service/internal/analyzer"
	"github.com/JakeFAU/print-quote-service/internal/apperr"
	"github.com/JakeFAU/print-quote-service/internal/cart"
	"github.com/JakeFAU/print-quote-service/internal/job"
	"github.com/JakeFAU/print-quote-service/internal/metrics"
	"github.com/JakeFAU/print-quote-service/internal/orchestrator"
	"github.com/JakeFAU/print-quote-service/internal/pricing"
	"github.com/JakeFAU/print-quote-service/internal/verification"
)

const maxBodyBytes = 64 << 10

// Orchestrator accepts analyses and reports job status.
type Orchestrator interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (orchestrator.Submission, error)
	Status(ctx context.Context, jobID string) (job.Job, error)
}

// Tokens validates verification tokens and records quotes.
type Tokens interface {
	Validate(ctx context.Context, value, session, analysisRef string) (verification.Token, error)
	RecordQuote(ctx context.Context, session string, q verification.Quote) error
	End(ctx context.Context, session string) error
}

// Results looks up a finished analysis by content hash.
type Results interface {
	Lookup(ctx context.Context, contentHash string) (analyzer.Result, bool, error)
}

// Pricer prices a configuration.
type Pricer interface {
	Price(result analyzer.Result, cfg pricing.Configuration) (pricing.Breakdown, []pricing.Fallback, error)
}

// Cart commits verified quotes.
type Cart interface {
	Commit(ctx context.Context, req cart.CommitRequest) (cart.Order, error)
}

// IDGenerator mints session ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Check reports whether a dependency is ready.
type Check func(ctx context.Context) error

// Config holds the HTTP-facing settings.
type Config struct {
	AuthEnabled    bool
	AuthHeader     string
	AuthSecret     string
	RequestTimeout time.Duration
	SecureCookies  bool
	SessionTTL     time.Duration
	AllowedOrigins []string
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Orchestrator Orchestrator
	Tokens       Tokens
	Results      Results
	Pricer       Pricer
	Cart         Cart
	IDs          IDGenerator
	Clock        Clock
	// RateLimit wraps the /v1 routes when set.
	RateLimit func(http.Handler) http.Handler
	Checks    map[string]Check
}

// Server wires HTTP handlers to the orchestrator, tokens, pricing and cart.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.AuthHeader == "" {
		cfg.AuthHeader = "X-Internal-Auth"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = verification.DefaultTTL
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Content-Type", SessionHeader, RequestIDHeader},
			ExposedHeaders:   []string{RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit)
		}
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		session := sessionMiddleware(deps.IDs, cfg.SecureCookies, cfg.SessionTTL)

		// Rejected callers never get a session cookie.
		r.Group(func(r chi.Router) {
			if cfg.AuthEnabled {
				r.Use(authMiddleware(cfg.AuthHeader, cfg.AuthSecret))
			}
			r.Use(session)
			r.Post("/analyses", s.submitAnalysis)
			r.Post("/calculations", s.calculate)
		})
		r.Group(func(r chi.Router) {
			r.Use(session)
			r.Get("/jobs/{job_id}", s.jobStatus)
			r.Post("/cart", s.commitCart)
			r.Delete("/session", s.endSession)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.deps.Checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": results})
}

type analysisRequest struct {
	SourceURL string `json:"source_url"`
	SizeHint  int64  `json:"size_hint_bytes"`
}

type analysisResponse struct {
	Success           bool            `json:"success"`
	Result            analyzer.Result `json:"result"`
	ColorType         string          `json:"color_type"`
	EstimatedCost     pricing.Money   `json:"estimated_cost"`
	VerificationToken string          `json:"verification_token"`
}

type acceptedResponse struct {
	Success              bool   `json:"success"`
	JobID                string `json:"job_id"`
	EstimatedTimeSeconds int    `json:"estimated_time_seconds"`
}

func (s *Server) submitAnalysis(w http.ResponseWriter, r *http.Request) {
	var req analysisRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.deps.Orchestrator.Submit(r.Context(), orchestrator.SubmitRequest{
		SourceURL:  req.SourceURL,
		SizeHint:   req.SizeHint,
		SessionRef: Session(r.Context()),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !sub.Done {
		w.Header().Set("Location", "/v1/jobs/"+sub.JobID)
		writeJSON(w, http.StatusAccepted, acceptedResponse{
			Success:              true,
			JobID:                sub.JobID,
			EstimatedTimeSeconds: sub.EstimatedSeconds(),
		})
		return
	}
	writeJSON(w, http.StatusOK, analysisResponse{
		Success:           true,
		Result:            sub.Result,
		ColorType:         sub.Result.ColorType(),
		EstimatedCost:     pricing.Estimate(sub.Result),
		VerificationToken: sub.VerificationToken,
	})
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Orchestrator.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Tokens are bound to the submitting session and only shown to it.
	if j.SessionRef != Session(r.Context()) {
		j.VerificationToken = ""
	}
	writeJSON(w, http.StatusOK, j)
}

type calculationRequest struct {
	VerificationToken string `json:"verification_token"`
	pricing.Configuration
}

type calculationResponse struct {
	Success           bool               `json:"success"`
	AnalysisRef       string             `json:"analysis_ref"`
	CostDetails       pricing.Breakdown  `json:"cost_details"`
	Breakdown         []pricing.LineItem `json:"breakdown"`
	VerificationToken string             `json:"verification_token"`
	Fallbacks         []pricing.Fallback `json:"fallbacks"`
}

func (s *Server) calculate(w http.ResponseWriter, r *http.Request) {
	var req calculationRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.VerificationToken == "" {
		s.writeError(w, r, apperr.New(apperr.KindValidation, "verification_token is required"))
		return
	}
	ctx := r.Context()
	session := Session(ctx)

	tok, err := s.deps.Tokens.Validate(ctx, req.VerificationToken, session, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, ok, err := s.deps.Results.Lookup(ctx, tok.AnalysisRef)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("load analysis: %w", err))
		return
	}
	if !ok {
		s.writeError(w, r, apperr.New(apperr.KindTokenExpired, "the analysis for this token is no longer available"))
		return
	}
	breakdown, fallbacks, err := s.deps.Pricer.Price(result, req.Configuration)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Tokens.RecordQuote(ctx, session, verification.Quote{
		Token:         tok.Value,
		AnalysisRef:   tok.AnalysisRef,
		Result:        result,
		Configuration: req.Configuration,
		Breakdown:     breakdown,
		CalculatedAt:  s.deps.Clock.Now(),
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	if fallbacks == nil {
		fallbacks = []pricing.Fallback{}
	}
	writeJSON(w, http.StatusOK, calculationResponse{
		Success:           true,
		AnalysisRef:       tok.AnalysisRef,
		CostDetails:       breakdown,
		Breakdown:         pricing.LineItems(breakdown),
		VerificationToken: tok.Value,
		Fallbacks:         fallbacks,
	})
}

type cartRequest struct {
	VerificationToken string                 `json:"verification_token"`
	Configuration     *pricing.Configuration `json:"configuration,omitempty"`
}

type cartResponse struct {
	Success     bool               `json:"success"`
	OrderID     string             `json:"order_id"`
	AnalysisRef string             `json:"analysis_ref"`
	CostDetails pricing.Breakdown  `json:"cost_details"`
	Breakdown   []pricing.LineItem `json:"breakdown"`
}

func (s *Server) commitCart(w http.ResponseWriter, r *http.Request) {
	var req cartRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	order, err := s.deps.Cart.Commit(r.Context(), cart.CommitRequest{
		Token:         req.VerificationToken,
		Session:       Session(r.Context()),
		Configuration: req.Configuration,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cartResponse{
		Success:     true,
		OrderID:     order.OrderID,
		AnalysisRef: order.AnalysisRef,
		CostDetails: order.CostDetails,
		Breakdown:   order.LineItems,
	})
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Tokens.End(r.Context(), Session(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.New(apperr.KindValidation, "request body is required")
		}
		return apperr.Wrap(apperr.KindValidation, "invalid JSON body", err)
	}
	return nil
}
