package cart

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/print-quote-service/internal/analyzer"
	"github.com/JakeFAU/print-quote-service/internal/apperr"
	"github.com/JakeFAU/print-quote-service/internal/pricing"
	"github.com/JakeFAU/print-quote-service/internal/publisher/memory"
	"github.com/JakeFAU/print-quote-service/internal/verification"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type staticIDs struct{}

func (staticIDs) NewOrderID() (string, error) { return "order-1", nil }

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("broker down")
}

type fixture struct {
	svc     *Service
	tokens  *verification.Manager
	pub     *memory.Publisher
	token   verification.Token
	quote   verification.Quote
	session string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	clk := fixedClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	tokens := verification.NewManager(verification.NewMemoryStore(clk), clk, 0, nil)

	res := analyzer.Result{ContentHash: "abc", TotalPages: 15, ColorPages: 5, MonoPages: 10, AnalysisMethod: analyzer.MethodRaster}
	tok, err := tokens.Issue(ctx, "sess-1", res)
	require.NoError(t, err)

	engine, err := pricing.NewEngine(pricing.DefaultCatalog())
	require.NoError(t, err)
	cfg := pricing.Configuration{PaperType: "sulfite", PaperWeight: 90, BindingType: "spiral", CopyQuantity: 2}
	b, _, err := engine.Price(res, cfg)
	require.NoError(t, err)
	q := verification.Quote{Token: tok.Value, AnalysisRef: tok.AnalysisRef, Result: res, Configuration: cfg, Breakdown: b}
	require.NoError(t, tokens.RecordQuote(ctx, "sess-1", q))

	pub := memory.New()
	return fixture{
		svc:     New(tokens, pub, staticIDs{}, clk, nil),
		tokens:  tokens,
		pub:     pub,
		token:   tok,
		quote:   q,
		session: "sess-1",
	}
}

func TestCommitPublishesOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	order, err := f.svc.Commit(context.Background(), CommitRequest{Token: f.token.Value, Session: f.session})
	require.NoError(t, err)
	require.Equal(t, "order-1", order.OrderID)
	require.Equal(t, "abc", order.AnalysisRef)
	require.Equal(t, "17.00", order.CostDetails.TotalCost.String())
	require.Equal(t, "memory-1", order.MessageID)

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, EventOrderCommitted, msgs[0].Event)
	published, ok := msgs[0].Payload.(Order)
	require.True(t, ok)
	require.Equal(t, 5, published.ColorPages)
}

func TestCommitAcceptsEquivalentConfiguration(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cfg := pricing.Configuration{PaperType: "Sulfite", PaperWeight: 90, BindingType: "espiral", CopyQuantity: 2, PrintType: "misto"}
	_, err := f.svc.Commit(context.Background(), CommitRequest{Token: f.token.Value, Session: f.session, Configuration: &cfg})
	require.NoError(t, err)
}

func TestCommitRejectsTamperedConfiguration(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cfg := f.quote.Configuration
	cfg.CopyQuantity = 200

	_, err := f.svc.Commit(context.Background(), CommitRequest{Token: f.token.Value, Session: f.session, Configuration: &cfg})
	require.True(t, apperr.IsKind(err, apperr.KindTokenMismatch), "got %v", err)
	require.Empty(t, f.pub.Messages())
}

func TestCommitRejectsBadToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.svc.Commit(context.Background(), CommitRequest{Session: f.session})
	require.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = f.svc.Commit(context.Background(), CommitRequest{Token: "forged", Session: f.session})
	require.True(t, apperr.IsKind(err, apperr.KindTokenMismatch))

	_, err = f.svc.Commit(context.Background(), CommitRequest{Token: f.token.Value, Session: "other"})
	require.True(t, apperr.IsKind(err, apperr.KindTokenMismatch))
}

func TestCommitPublishFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	svc := New(f.tokens, failingPublisher{}, staticIDs{}, fixedClock{now: time.Now()}, nil)
	_, err := svc.Commit(context.Background(), CommitRequest{Token: f.token.Value, Session: f.session})
	require.True(t, apperr.IsKind(err, apperr.KindUpstreamUnavailable))
}
