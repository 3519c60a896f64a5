// Package pricing turns a verified analysis and a print configuration into a
// cost breakdown. Every amount is computed in integer cents.
package pricing

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/print-quote-service/internal/analyzer"
	"github.com/JakeFAU/print-quote-service/internal/apperr"
	"github.com/JakeFAU/print-quote-service/internal/metrics"
)

// Estimate rates used for the quick estimate returned with an analysis.
const (
	EstimateColorRate Money = 50
	EstimateMonoRate  Money = 10
)

// Configuration is the client's requested print job. Names are resolved
// against the catalog, so unknown values are kept as sent.
type Configuration struct {
	PaperType    string   `json:"paper_type"`
	PaperWeight  int      `json:"paper_weight"`
	BindingType  string   `json:"binding_type"`
	Finishing    []string `json:"finishing"`
	CopyQuantity int      `json:"copy_quantity"`
	PrintType    string   `json:"print_type,omitempty"`
}

// Breakdown is the computed cost of a configuration.
type Breakdown struct {
	PaperType      PaperType   `json:"paper_type"`
	PaperWeight    int         `json:"paper_weight"`
	BindingType    BindingType `json:"binding_type"`
	Finishing      []Finishing `json:"finishing"`
	PrintType      PrintType   `json:"print_type"`
	ColorPages     int         `json:"color_pages"`
	MonoPages      int         `json:"mono_pages"`
	ColorPageRate  Money       `json:"color_page_rate"`
	MonoPageRate   Money       `json:"mono_page_rate"`
	PagesCost      Money       `json:"pages_cost"`
	BindingCost    Money       `json:"binding_cost"`
	FinishingCost  Money       `json:"finishing_cost"`
	CostPerCopy    Money       `json:"cost_per_copy"`
	CopyQuantity   int         `json:"copy_quantity"`
	Subtotal       Money       `json:"subtotal"`
	DiscountRate   BasisPoints `json:"discount_rate"`
	DiscountAmount Money       `json:"discount_amount"`
	TotalCost      Money       `json:"total_cost"`
}

// Fallback records a requested value that was replaced by a catalog default.
type Fallback struct {
	Dimension string `json:"dimension"`
	Requested string `json:"requested"`
	Applied   string `json:"applied"`
}

// LineItem is one human-readable row of a breakdown.
type LineItem struct {
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	UnitPrice   Money  `json:"unit_price"`
	Amount      Money  `json:"amount"`
}

// Engine prices configurations against a catalog.
type Engine struct {
	catalog Catalog
}

// NewEngine validates the catalog and returns an Engine.
func NewEngine(catalog Catalog) (*Engine, error) {
	if err := catalog.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return &Engine{catalog: catalog}, nil
}

// Estimate returns the flat-rate estimate for an analysis.
func Estimate(result analyzer.Result) Money {
	return EstimateColorRate.Times(result.ColorPages) + EstimateMonoRate.Times(result.MonoPages)
}

// Price computes the breakdown for cfg. Page counts always come from result.
func (e *Engine) Price(result analyzer.Result, cfg Configuration) (Breakdown, []Fallback, error) {
	if err := result.Validate(); err != nil {
		return Breakdown{}, nil, apperr.Wrap(apperr.KindValidation, "analysis result is invalid", err)
	}
	if cfg.CopyQuantity < 1 || cfg.CopyQuantity > e.catalog.MaxCopies {
		return Breakdown{}, nil, apperr.Newf(apperr.KindValidation,
			"copy_quantity must be between 1 and %d", e.catalog.MaxCopies)
	}
	printType, ok := ParsePrintType(cfg.PrintType)
	if !ok {
		return Breakdown{}, nil, apperr.Newf(apperr.KindValidation, "unknown print_type %q", cfg.PrintType)
	}
	finishing, finishingCost, err := e.finishing(cfg.Finishing)
	if err != nil {
		return Breakdown{}, nil, err
	}

	var fallbacks []Fallback
	paper := e.resolvePaper(cfg.PaperType, &fallbacks)
	weight := e.resolveWeight(paper, cfg.PaperWeight, &fallbacks)
	binding := e.resolveBinding(cfg.BindingType, &fallbacks)
	for _, fb := range fallbacks {
		metrics.ObservePricingFallback(fb.Dimension)
	}

	colorPages, monoPages := result.ColorPages, result.MonoPages
	switch printType {
	case PrintColor:
		colorPages, monoPages = result.TotalPages, 0
	case PrintMono:
		colorPages, monoPages = 0, result.TotalPages
	}

	rate := e.catalog.Papers[paper][weight]
	b := Breakdown{
		PaperType:     paper,
		PaperWeight:   weight,
		BindingType:   binding,
		Finishing:     finishing,
		PrintType:     printType,
		ColorPages:    colorPages,
		MonoPages:     monoPages,
		ColorPageRate: rate.Color,
		MonoPageRate:  rate.Mono,
		PagesCost:     rate.Color.Times(colorPages) + rate.Mono.Times(monoPages),
		BindingCost:   e.catalog.Bindings[binding],
		FinishingCost: finishingCost,
		CopyQuantity:  cfg.CopyQuantity,
	}
	b.CostPerCopy = b.PagesCost + b.BindingCost + b.FinishingCost
	b.Subtotal = b.CostPerCopy.Times(b.CopyQuantity)
	b.DiscountRate = e.catalog.discount(b.CopyQuantity)
	b.DiscountAmount = b.DiscountRate.Of(b.Subtotal)
	b.TotalCost = b.Subtotal - b.DiscountAmount
	return b, fallbacks, nil
}

func (e *Engine) finishing(requested []string) ([]Finishing, Money, error) {
	seen := make(map[Finishing]bool, len(requested))
	out := make([]Finishing, 0, len(requested))
	total := Money(0)
	for _, raw := range requested {
		f, ok := ParseFinishing(raw)
		if !ok {
			return nil, 0, apperr.Newf(apperr.KindValidation, "unknown finishing option %q", raw)
		}
		price, ok := e.catalog.Finishing[f]
		if !ok {
			return nil, 0, apperr.Newf(apperr.KindValidation, "finishing option %q is not offered", raw)
		}
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
		total += price
	}
	return out, total, nil
}

func (e *Engine) resolvePaper(requested string, fallbacks *[]Fallback) PaperType {
	if p, ok := ParsePaperType(requested); ok {
		if _, offered := e.catalog.Papers[p]; offered {
			return p
		}
	}
	applied := e.catalog.PaperOrder[0]
	*fallbacks = append(*fallbacks, Fallback{Dimension: "paper_type", Requested: requested, Applied: string(applied)})
	return applied
}

// resolveWeight picks the nearest configured weight; ties go to the lighter one.
func (e *Engine) resolveWeight(paper PaperType, requested int, fallbacks *[]Fallback) int {
	if _, ok := e.catalog.Papers[paper][requested]; ok {
		return requested
	}
	weights := e.catalog.weights(paper)
	best := weights[0]
	for _, w := range weights[1:] {
		if abs(w-requested) < abs(best-requested) {
			best = w
		}
	}
	*fallbacks = append(*fallbacks, Fallback{
		Dimension: "paper_weight",
		Requested: strconv.Itoa(requested),
		Applied:   strconv.Itoa(best),
	})
	return best
}

func (e *Engine) resolveBinding(requested string, fallbacks *[]Fallback) BindingType {
	if b, ok := ParseBindingType(requested); ok {
		if _, offered := e.catalog.Bindings[b]; offered {
			return b
		}
	}
	applied := e.catalog.BindingOrder[0]
	*fallbacks = append(*fallbacks, Fallback{Dimension: "binding_type", Requested: requested, Applied: string(applied)})
	return applied
}

// LineItems renders a breakdown as display rows.
func LineItems(b Breakdown) []LineItem {
	items := make([]LineItem, 0, 6)
	paper := fmt.Sprintf("%s %dg", b.PaperType, b.PaperWeight)
	if b.ColorPages > 0 {
		items = append(items, LineItem{
			Description: "Color pages, " + paper,
			Quantity:    b.ColorPages,
			UnitPrice:   b.ColorPageRate,
			Amount:      b.ColorPageRate.Times(b.ColorPages),
		})
	}
	if b.MonoPages > 0 {
		items = append(items, LineItem{
			Description: "Mono pages, " + paper,
			Quantity:    b.MonoPages,
			UnitPrice:   b.MonoPageRate,
			Amount:      b.MonoPageRate.Times(b.MonoPages),
		})
	}
	items = append(items, LineItem{
		Description: "Binding, " + string(b.BindingType),
		Quantity:    1,
		UnitPrice:   b.BindingCost,
		Amount:      b.BindingCost,
	})
	if len(b.Finishing) > 0 {
		names := make([]string, len(b.Finishing))
		for i, f := range b.Finishing {
			names[i] = string(f)
		}
		items = append(items, LineItem{
			Description: "Finishing, " + strings.Join(names, ", "),
			Quantity:    1,
			UnitPrice:   b.FinishingCost,
			Amount:      b.FinishingCost,
		})
	}
	items = append(items, LineItem{
		Description: "Copies",
		Quantity:    b.CopyQuantity,
		UnitPrice:   b.CostPerCopy,
		Amount:      b.Subtotal,
	})
	if b.DiscountAmount > 0 {
		items = append(items, LineItem{
			Description: "Bulk discount",
			Quantity:    1,
			UnitPrice:   -b.DiscountAmount,
			Amount:      -b.DiscountAmount,
		})
	}
	return items
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// Canonical resolves aliases and casing so two configurations that mean the
// same order compare equal. Unknown names are kept lower-cased.
func (c Configuration) Canonical() Configuration {
	out := c
	if p, ok := ParsePaperType(c.PaperType); ok {
		out.PaperType = string(p)
	} else {
		out.PaperType = normalize(c.PaperType)
	}
	if b, ok := ParseBindingType(c.BindingType); ok {
		out.BindingType = string(b)
	} else {
		out.BindingType = normalize(c.BindingType)
	}
	if p, ok := ParsePrintType(c.PrintType); ok {
		out.PrintType = string(p)
	} else {
		out.PrintType = normalize(c.PrintType)
	}
	seen := make(map[string]bool, len(c.Finishing))
	out.Finishing = make([]string, 0, len(c.Finishing))
	for _, raw := range c.Finishing {
		name := normalize(raw)
		if f, ok := ParseFinishing(raw); ok {
			name = string(f)
		}
		if !seen[name] {
			seen[name] = true
			out.Finishing = append(out.Finishing, name)
		}
	}
	sort.Strings(out.Finishing)
	return out
}

// SameOrder reports whether c and other describe the same print job.
func (c Configuration) SameOrder(other Configuration) bool {
	a, b := c.Canonical(), other.Canonical()
	return a.PaperType == b.PaperType &&
		a.PaperWeight == b.PaperWeight &&
		a.BindingType == b.BindingType &&
		a.PrintType == b.PrintType &&
		a.CopyQuantity == b.CopyQuantity &&
		slices.Equal(a.Finishing, b.Finishing)
}
