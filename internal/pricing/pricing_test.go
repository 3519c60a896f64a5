package pricing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/print-quote-service/internal/analyzer"
	"github.com/JakeFAU/print-quote-service/internal/apperr"
)

func analysis(color, mono int) analyzer.Result {
	return analyzer.Result{
		ContentHash:    "hash",
		TotalPages:     color + mono,
		ColorPages:     color,
		MonoPages:      mono,
		AnalysisMethod: analyzer.MethodRaster,
	}
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultCatalog())
	require.NoError(t, err)
	return e
}

func TestPriceReferenceDocument(t *testing.T) {
	t.Parallel()
	e := newEngine(t)

	b, fallbacks, err := e.Price(analysis(5, 10), Configuration{
		PaperType:    "sulfite",
		PaperWeight:  90,
		BindingType:  "spiral",
		CopyQuantity: 2,
	})
	require.NoError(t, err)
	require.Empty(t, fallbacks)
	require.Equal(t, "3.50", b.PagesCost.String())
	require.Equal(t, "5.00", b.BindingCost.String())
	require.Equal(t, "8.50", b.CostPerCopy.String())
	require.Equal(t, "17.00", b.TotalCost.String())
	require.Zero(t, b.DiscountAmount)
}

func TestPriceIsDeterministic(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	cfg := Configuration{PaperType: "couche", PaperWeight: 115, BindingType: "wire-o", Finishing: []string{"varnish"}, CopyQuantity: 7}
	first, _, err := e.Price(analysis(3, 4), cfg)
	require.NoError(t, err)
	for range 5 {
		again, _, err := e.Price(analysis(3, 4), cfg)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestPriceBulkDiscount(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	tests := []struct {
		qty      int
		rate     BasisPoints
		discount string
		total    string
	}{
		{qty: 49, rate: 0, discount: "0.00", total: "416.50"},
		{qty: 50, rate: 500, discount: "21.25", total: "403.75"},
		{qty: 100, rate: 1000, discount: "85.00", total: "765.00"},
		{qty: 500, rate: 1500, discount: "637.50", total: "3612.50"},
	}
	for _, tt := range tests {
		b, _, err := e.Price(analysis(5, 10), Configuration{PaperType: "sulfite", PaperWeight: 90, BindingType: "spiral", CopyQuantity: tt.qty})
		require.NoError(t, err)
		require.Equal(t, tt.rate, b.DiscountRate, "qty %d", tt.qty)
		require.Equal(t, tt.discount, b.DiscountAmount.String(), "qty %d", tt.qty)
		require.Equal(t, tt.total, b.TotalCost.String(), "qty %d", tt.qty)
	}
}

func TestBasisPointsRoundHalfUp(t *testing.T) {
	t.Parallel()
	require.Equal(t, Money(1), BasisPoints(500).Of(10))   // 0.5
	require.Equal(t, Money(0), BasisPoints(500).Of(9))    // 0.45
	require.Equal(t, Money(12), BasisPoints(1500).Of(83)) // 12.45
	require.Equal(t, Money(14), BasisPoints(1500).Of(90)) // 13.5
}

func TestPriceFallbacks(t *testing.T) {
	t.Parallel()
	e := newEngine(t)

	b, fallbacks, err := e.Price(analysis(1, 1), Configuration{
		PaperType:    "papiro",
		PaperWeight:  100,
		BindingType:  "glue",
		CopyQuantity: 1,
	})
	require.NoError(t, err)
	require.Equal(t, PaperSulfite, b.PaperType)
	require.Equal(t, 90, b.PaperWeight, "100 is nearest to 90 among 75/90/120")
	require.Equal(t, BindingStaple, b.BindingType)
	require.Equal(t, []Fallback{
		{Dimension: "paper_type", Requested: "papiro", Applied: "sulfite"},
		{Dimension: "paper_weight", Requested: "100", Applied: "90"},
		{Dimension: "binding_type", Requested: "glue", Applied: "staple"},
	}, fallbacks)
}

func TestWeightFallbackNearest(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	b, _, err := e.Price(analysis(1, 0), Configuration{PaperType: "couche", PaperWeight: 130, BindingType: "staple", CopyQuantity: 1})
	require.NoError(t, err)
	require.Equal(t, 115, b.PaperWeight)

	b, _, err = e.Price(analysis(1, 0), Configuration{PaperType: "sulfite", PaperWeight: 105, BindingType: "staple", CopyQuantity: 1})
	require.NoError(t, err)
	require.Equal(t, 90, b.PaperWeight, "105 is equidistant from 90 and 120")
}

func TestPriceAliases(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	b, fallbacks, err := e.Price(analysis(2, 2), Configuration{
		PaperType:    " Reciclado ",
		PaperWeight:  75,
		BindingType:  "capa-dura",
		Finishing:    []string{"laminacao", "dobra", "lamination"},
		CopyQuantity: 1,
		PrintType:    "colorido",
	})
	require.NoError(t, err)
	require.Empty(t, fallbacks)
	require.Equal(t, PaperRecycled, b.PaperType)
	require.Equal(t, BindingHardcover, b.BindingType)
	require.Equal(t, []Finishing{FinishingLamination, FinishingFolding}, b.Finishing)
	require.Equal(t, "4.50", b.FinishingCost.String())
	require.Equal(t, 4, b.ColorPages)
	require.Equal(t, 0, b.MonoPages)
}

func TestPrintTypeOverrides(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	cfg := Configuration{PaperType: "sulfite", PaperWeight: 90, BindingType: "staple", CopyQuantity: 1}

	cfg.PrintType = "mono"
	b, _, err := e.Price(analysis(3, 1), cfg)
	require.NoError(t, err)
	require.Equal(t, "0.40", b.PagesCost.String())

	cfg.PrintType = "color"
	b, _, err = e.Price(analysis(3, 1), cfg)
	require.NoError(t, err)
	require.Equal(t, "2.00", b.PagesCost.String())

	cfg.PrintType = ""
	b, _, err = e.Price(analysis(3, 1), cfg)
	require.NoError(t, err)
	require.Equal(t, PrintMixed, b.PrintType)
	require.Equal(t, "1.60", b.PagesCost.String())
}

func TestPriceValidation(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	base := Configuration{PaperType: "sulfite", PaperWeight: 90, BindingType: "staple", CopyQuantity: 1}

	cases := map[string]Configuration{
		"zero copies":       {PaperType: "sulfite", PaperWeight: 90, BindingType: "staple", CopyQuantity: 0},
		"too many copies":   {PaperType: "sulfite", PaperWeight: 90, BindingType: "staple", CopyQuantity: 10001},
		"unknown finishing": {PaperType: "sulfite", PaperWeight: 90, BindingType: "staple", CopyQuantity: 1, Finishing: []string{"gold-leaf"}},
		"unknown print":     {PaperType: "sulfite", PaperWeight: 90, BindingType: "staple", CopyQuantity: 1, PrintType: "sepia"},
	}
	for name, cfg := range cases {
		_, _, err := e.Price(analysis(1, 1), cfg)
		require.True(t, apperr.IsKind(err, apperr.KindValidation), "%s: got %v", name, err)
	}

	_, _, err := e.Price(analyzer.Result{ContentHash: "h"}, base)
	require.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, _, err = e.Price(analysis(1, 1), Configuration{PaperType: "sulfite", PaperWeight: 90, BindingType: "staple", CopyQuantity: 10000})
	require.NoError(t, err)
}

func TestEstimate(t *testing.T) {
	t.Parallel()
	require.Equal(t, "3.50", Estimate(analysis(5, 10)).String())
}

func TestCatalogValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultCatalog().Validate())

	c := DefaultCatalog()
	c.Discounts = []DiscountTier{{MinQuantity: 100, BasisPoints: 1000}, {MinQuantity: 50, BasisPoints: 500}}
	require.Error(t, c.Validate())

	c = DefaultCatalog()
	c.Discounts = []DiscountTier{{MinQuantity: 50, BasisPoints: 1000}, {MinQuantity: 100, BasisPoints: 500}}
	require.Error(t, c.Validate())

	c = DefaultCatalog()
	c.MaxCopies = 0
	_, err := NewEngine(c)
	require.Error(t, err)
}

func TestMoneyJSON(t *testing.T) {
	t.Parallel()
	raw, err := json.Marshal(struct {
		Total Money       `json:"total"`
		Rate  BasisPoints `json:"rate"`
	}{Total: 1700, Rate: 1000})
	require.NoError(t, err)
	require.JSONEq(t, `{"total":17.00,"rate":0.1}`, string(raw))

	var back struct {
		Total Money       `json:"total"`
		Rate  BasisPoints `json:"rate"`
	}
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Equal(t, Money(1700), back.Total)
	require.Equal(t, BasisPoints(1000), back.Rate)
	require.Equal(t, "-0.05", Money(-5).String())
}

func TestLineItems(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	b, _, err := e.Price(analysis(5, 10), Configuration{PaperType: "sulfite", PaperWeight: 90, BindingType: "spiral", Finishing: []string{"punching"}, CopyQuantity: 50})
	require.NoError(t, err)
	items := LineItems(b)
	require.Len(t, items, 6)
	require.Equal(t, "Color pages, sulfite 90g", items[0].Description)
	require.Equal(t, Money(250), items[0].Amount)
	require.Equal(t, "Copies", items[4].Description)
	require.Equal(t, b.Subtotal, items[4].Amount)
	require.Equal(t, -b.DiscountAmount, items[5].Amount)

	var sum Money
	for _, it := range items[4:] {
		sum += it.Amount
	}
	require.Equal(t, b.TotalCost, sum)
}

func TestConfigurationSameOrder(t *testing.T) {
	t.Parallel()
	a := Configuration{PaperType: "Reciclado", PaperWeight: 90, BindingType: "grampo", Finishing: []string{"verniz", "dobra"}, CopyQuantity: 3}
	b := Configuration{PaperType: "recycled", PaperWeight: 90, BindingType: "staple", Finishing: []string{"folding", "varnish", "folding"}, CopyQuantity: 3, PrintType: "mixed"}
	require.True(t, a.SameOrder(b))

	c := b
	c.CopyQuantity = 4
	require.False(t, a.SameOrder(c))

	d := b
	d.Finishing = []string{"folding"}
	require.False(t, a.SameOrder(d))
}
