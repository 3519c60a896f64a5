// Package verification issues session-bound tokens that tie an analysis to
// the price calculation and the cart commit built on it.
package verification

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/print-quote-service/internal/analyzer"
	"github.com/JakeFAU/print-quote-service/internal/apperr"
	"github.com/JakeFAU/print-quote-service/internal/metrics"
	"github.com/JakeFAU/print-quote-service/internal/pricing"
)

// DefaultTTL is how long a token stays valid after issue.
const DefaultTTL = 1800 * time.Second

const tokenBytes = 32

var (
	// ErrNoSlot is returned by stores when a session holds no token.
	ErrNoSlot = errors.New("no verification slot for session")

	errMismatch = apperr.New(apperr.KindTokenMismatch, "verification token does not match")
	errExpired  = apperr.New(apperr.KindTokenExpired, "verification token has expired")
)

// Token binds one analysis to one session.
type Token struct {
	Value       string    `json:"token"`
	AnalysisRef string    `json:"analysis_ref"`
	SessionRef  string    `json:"session_ref"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Quote is the last calculation made with a session's live token.
type Quote struct {
	Token         string                `json:"verification_token"`
	AnalysisRef   string                `json:"analysis_ref"`
	Result        analyzer.Result       `json:"result"`
	Configuration pricing.Configuration `json:"configuration"`
	Breakdown     pricing.Breakdown     `json:"breakdown"`
	CalculatedAt  time.Time             `json:"calculated_at"`
}

// Slot is everything stored for a session.
type Slot struct {
	Token Token  `json:"token"`
	Quote *Quote `json:"quote,omitempty"`
}

// SessionStore holds at most one Slot per session.
type SessionStore interface {
	Get(ctx context.Context, session string) (Slot, bool, error)
	// Put replaces the session's slot. retain is how long the store keeps it.
	Put(ctx context.Context, session string, slot Slot, retain time.Duration) error
	// Update applies fn atomically to an existing slot, or returns ErrNoSlot.
	Update(ctx context.Context, session string, fn func(*Slot) error) error
	Delete(ctx context.Context, session string) error
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Manager issues and checks verification tokens.
type Manager struct {
	store  SessionStore
	clock  Clock
	ttl    time.Duration
	random io.Reader
	logger *zap.Logger
}

// NewManager constructs a Manager. A ttl <= 0 uses DefaultTTL.
func NewManager(store SessionStore, clock Clock, ttl time.Duration, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, clock: clock, ttl: ttl, random: rand.Reader, logger: logger}
}

// TTL reports the token lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Issue creates a token for result in session, replacing any previous token
// and discarding its quote.
func (m *Manager) Issue(ctx context.Context, session string, result analyzer.Result) (Token, error) {
	if strings.TrimSpace(session) == "" {
		return Token{}, apperr.New(apperr.KindValidation, "session is required")
	}
	if result.ContentHash == "" {
		return Token{}, apperr.New(apperr.KindValidation, "analysis has no content hash")
	}
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(m.random, buf); err != nil {
		return Token{}, fmt.Errorf("generate token: %w", err)
	}
	tok := Token{
		Value:       hex.EncodeToString(buf),
		AnalysisRef: result.ContentHash,
		SessionRef:  session,
		IssuedAt:    m.clock.Now(),
	}
	// Stale slots are kept past the TTL so late use reports expiry, not mismatch.
	if err := m.store.Put(ctx, session, Slot{Token: tok}, 2*m.ttl); err != nil {
		return Token{}, fmt.Errorf("store token: %w", err)
	}
	return tok, nil
}

// Hook adapts Issue to a job completion hook.
func (m *Manager) Hook(ctx context.Context, session string, result analyzer.Result) (string, error) {
	tok, err := m.Issue(ctx, session, result)
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// Validate checks value against the session's live token. When analysisRef
// is non-empty it must match the token's analysis.
func (m *Manager) Validate(ctx context.Context, value, session, analysisRef string) (Token, error) {
	slot, err := m.slot(ctx, session)
	if err != nil {
		return Token{}, err
	}
	if err := m.check(slot.Token, value, analysisRef); err != nil {
		metrics.ObserveTokenCheck("validate", string(mustKind(err)))
		return Token{}, err
	}
	metrics.ObserveTokenCheck("validate", "ok")
	return slot.Token, nil
}

// Quote returns the session's recorded calculation.
func (m *Manager) Quote(ctx context.Context, session string) (Quote, bool, error) {
	slot, ok, err := m.store.Get(ctx, session)
	if err != nil {
		return Quote{}, false, fmt.Errorf("load session: %w", err)
	}
	if !ok || slot.Quote == nil {
		return Quote{}, false, nil
	}
	return *slot.Quote, true, nil
}

// RecordQuote attaches q to the session. q.Token must be the live token.
func (m *Manager) RecordQuote(ctx context.Context, session string, q Quote) error {
	err := m.store.Update(ctx, session, func(slot *Slot) error {
		if !equal(slot.Token.Value, q.Token) || slot.Token.AnalysisRef != q.AnalysisRef {
			return errMismatch
		}
		slot.Quote = &q
		return nil
	})
	switch {
	case errors.Is(err, ErrNoSlot):
		return errMismatch
	case err != nil:
		if _, ok := apperr.KindOf(err); ok {
			return err
		}
		return fmt.Errorf("record quote: %w", err)
	}
	return nil
}

// Commit runs the cart-time check: value must be the live token, the quote
// must have been made with it, and both must reference the same analysis.
func (m *Manager) Commit(ctx context.Context, value, session string) (Token, Quote, error) {
	slot, err := m.slot(ctx, session)
	if err != nil {
		return Token{}, Quote{}, err
	}
	if slot.Quote == nil {
		metrics.ObserveTokenCheck("commit", string(apperr.KindTokenMismatch))
		return Token{}, Quote{}, apperr.New(apperr.KindTokenMismatch, "no calculation was made with this token")
	}
	q := *slot.Quote
	err = m.check(slot.Token, value, q.AnalysisRef)
	if err == nil && !equal(q.Token, value) {
		err = errMismatch
	}
	if err != nil {
		metrics.ObserveTokenCheck("commit", string(mustKind(err)))
		return Token{}, Quote{}, err
	}
	metrics.ObserveTokenCheck("commit", "ok")
	return slot.Token, q, nil
}

// End discards the session's token and quote.
func (m *Manager) End(ctx context.Context, session string) error {
	if err := m.store.Delete(ctx, session); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (m *Manager) slot(ctx context.Context, session string) (Slot, error) {
	slot, ok, err := m.store.Get(ctx, session)
	if err != nil {
		return Slot{}, fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return Slot{}, errMismatch
	}
	return slot, nil
}

func (m *Manager) check(tok Token, value, analysisRef string) error {
	if !equal(tok.Value, value) {
		return errMismatch
	}
	if analysisRef != "" && tok.AnalysisRef != analysisRef {
		return errMismatch
	}
	if m.clock.Now().Sub(tok.IssuedAt) > m.ttl {
		return errExpired
	}
	return nil
}

func equal(a, b string) bool {
	return a != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func mustKind(err error) apperr.Kind {
	k, _ := apperr.KindOf(err)
	return k
}
