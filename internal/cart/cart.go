// Package cart commits a verified quote as an order and hands it to order
// intake.
package cart

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/print-quote-service/internal/apperr"
	"github.com/JakeFAU/print-quote-service/internal/job"
	"github.com/JakeFAU/print-quote-service/internal/pricing"
	"github.com/JakeFAU/print-quote-service/internal/verification"
)

// EventOrderCommitted is the event name orders are published under.
const EventOrderCommitted = "order.committed"

// Verifier runs the commit-time token check.
type Verifier interface {
	Commit(ctx context.Context, token, session string) (verification.Token, verification.Quote, error)
}

// OrderIDs produces order identifiers.
type OrderIDs interface {
	NewOrderID() (string, error)
}

// CommitRequest is a cart commit as received from the client.
type CommitRequest struct {
	Token         string
	Session       string
	Configuration *pricing.Configuration
}

// Order is the committed, priced order handed to intake.
type Order struct {
	OrderID       string                `json:"order_id"`
	SessionRef    string                `json:"session_ref"`
	AnalysisRef   string                `json:"analysis_ref"`
	TotalPages    int                   `json:"total_pages"`
	ColorPages    int                   `json:"color_pages"`
	MonoPages     int                   `json:"mono_pages"`
	Configuration pricing.Configuration `json:"configuration"`
	CostDetails   pricing.Breakdown     `json:"cost_details"`
	LineItems     []pricing.LineItem    `json:"line_items"`
	MessageID     string                `json:"-"`
	CommittedAt   time.Time             `json:"committed_at"`
}

// Service commits orders.
type Service struct {
	verifier  Verifier
	publisher job.Publisher
	ids       OrderIDs
	clock     job.Clock
	logger    *zap.Logger
}

// New constructs a Service.
func New(verifier Verifier, publisher job.Publisher, ids OrderIDs, clock job.Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{verifier: verifier, publisher: publisher, ids: ids, clock: clock, logger: logger}
}

// Commit verifies req against the session's quote and publishes the order.
// A configuration in the request must describe the quoted order exactly.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (Order, error) {
	if req.Token == "" {
		return Order{}, apperr.New(apperr.KindValidation, "verification_token is required")
	}
	tok, quote, err := s.verifier.Commit(ctx, req.Token, req.Session)
	if err != nil {
		return Order{}, err
	}
	if req.Configuration != nil && !req.Configuration.SameOrder(quote.Configuration) {
		s.logger.Warn("cart configuration differs from quote",
			zap.String("analysis_ref", tok.AnalysisRef),
		)
		return Order{}, apperr.New(apperr.KindTokenMismatch, "configuration differs from the calculated quote")
	}

	id, err := s.ids.NewOrderID()
	if err != nil {
		return Order{}, fmt.Errorf("order id: %w", err)
	}
	order := Order{
		OrderID:       id,
		SessionRef:    req.Session,
		AnalysisRef:   tok.AnalysisRef,
		TotalPages:    quote.Result.TotalPages,
		ColorPages:    quote.Result.ColorPages,
		MonoPages:     quote.Result.MonoPages,
		Configuration: quote.Configuration,
		CostDetails:   quote.Breakdown,
		LineItems:     pricing.LineItems(quote.Breakdown),
		CommittedAt:   s.clock.Now(),
	}
	msgID, err := s.publisher.Publish(ctx, EventOrderCommitted, order)
	if err != nil {
		return Order{}, apperr.Wrap(apperr.KindUpstreamUnavailable, "order intake unavailable", err)
	}
	order.MessageID = msgID
	s.logger.Info("order committed",
		zap.String("order_id", id),
		zap.String("analysis_ref", tok.AnalysisRef),
		zap.Int64("total_cents", int64(quote.Breakdown.TotalCost)),
	)
	return order, nil
}
