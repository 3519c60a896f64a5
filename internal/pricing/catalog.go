package pricing

import (
	"fmt"
	"sort"
	"strings"
)

// PaperType identifies a paper stock.
type PaperType string

// Paper types in fallback order.
const (
	PaperSulfite  PaperType = "sulfite"
	PaperCouche   PaperType = "couche"
	PaperRecycled PaperType = "recycled"
)

// BindingType identifies a binding.
type BindingType string

// Binding types in fallback order.
const (
	BindingStaple    BindingType = "staple"
	BindingSpiral    BindingType = "spiral"
	BindingWireO     BindingType = "wire-o"
	BindingHardcover BindingType = "hardcover"
)

// Finishing identifies a finishing option.
type Finishing string

// Finishing options.
const (
	FinishingLamination Finishing = "lamination"
	FinishingVarnish    Finishing = "varnish"
	FinishingFolding    Finishing = "folding"
	FinishingPunching   Finishing = "punching"
)

// PrintType overrides how analyzed pages are priced.
type PrintType string

// Print types.
const (
	PrintMixed PrintType = "mixed"
	PrintColor PrintType = "color"
	PrintMono  PrintType = "mono"
)

var paperAliases = map[string]PaperType{
	"sulfite":   PaperSulfite,
	"couche":    PaperCouche,
	"couchê":    PaperCouche,
	"recycled":  PaperRecycled,
	"reciclado": PaperRecycled,
}

var bindingAliases = map[string]BindingType{
	"staple":    BindingStaple,
	"grampo":    BindingStaple,
	"spiral":    BindingSpiral,
	"espiral":   BindingSpiral,
	"wire-o":    BindingWireO,
	"wireo":     BindingWireO,
	"hardcover": BindingHardcover,
	"capa-dura": BindingHardcover,
	"capa dura": BindingHardcover,
}

var finishingAliases = map[string]Finishing{
	"lamination": FinishingLamination,
	"laminacao":  FinishingLamination,
	"laminação":  FinishingLamination,
	"varnish":    FinishingVarnish,
	"verniz":     FinishingVarnish,
	"folding":    FinishingFolding,
	"dobra":      FinishingFolding,
	"punching":   FinishingPunching,
	"perfuracao": FinishingPunching,
	"perfuração": FinishingPunching,
}

var printAliases = map[string]PrintType{
	"":              PrintMixed,
	"mixed":         PrintMixed,
	"misto":         PrintMixed,
	"color":         PrintColor,
	"colorido":      PrintColor,
	"mono":          PrintMono,
	"monocromatico": PrintMono,
	"monocromático": PrintMono,
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ParsePaperType resolves a paper name or alias.
func ParsePaperType(s string) (PaperType, bool) {
	p, ok := paperAliases[normalize(s)]
	return p, ok
}

// ParseBindingType resolves a binding name or alias.
func ParseBindingType(s string) (BindingType, bool) {
	b, ok := bindingAliases[normalize(s)]
	return b, ok
}

// ParseFinishing resolves a finishing name or alias.
func ParseFinishing(s string) (Finishing, bool) {
	f, ok := finishingAliases[normalize(s)]
	return f, ok
}

// ParsePrintType resolves a print type; empty means mixed.
func ParsePrintType(s string) (PrintType, bool) {
	p, ok := printAliases[normalize(s)]
	return p, ok
}

// PageRate is the per-page price for one paper and weight.
type PageRate struct {
	Color Money
	Mono  Money
}

// DiscountTier applies BasisPoints once the quantity reaches MinQuantity.
type DiscountTier struct {
	MinQuantity int
	BasisPoints BasisPoints
}

// Catalog holds every rate the engine prices with.
type Catalog struct {
	PaperOrder   []PaperType
	Papers       map[PaperType]map[int]PageRate
	BindingOrder []BindingType
	Bindings     map[BindingType]Money
	Finishing    map[Finishing]Money
	Discounts    []DiscountTier
	MaxCopies    int
}

// DefaultCatalog returns the storefront's rate card.
func DefaultCatalog() Catalog {
	return Catalog{
		PaperOrder: []PaperType{PaperSulfite, PaperCouche, PaperRecycled},
		Papers: map[PaperType]map[int]PageRate{
			PaperSulfite: {
				75:  {Color: 45, Mono: 8},
				90:  {Color: 50, Mono: 10},
				120: {Color: 65, Mono: 15},
			},
			PaperCouche: {
				90:  {Color: 70, Mono: 20},
				115: {Color: 85, Mono: 25},
				150: {Color: 110, Mono: 35},
			},
			PaperRecycled: {
				75: {Color: 40, Mono: 7},
				90: {Color: 45, Mono: 8},
			},
		},
		BindingOrder: []BindingType{BindingStaple, BindingSpiral, BindingWireO, BindingHardcover},
		Bindings: map[BindingType]Money{
			BindingStaple:    200,
			BindingSpiral:    500,
			BindingWireO:     800,
			BindingHardcover: 2500,
		},
		Finishing: map[Finishing]Money{
			FinishingLamination: 300,
			FinishingVarnish:    250,
			FinishingFolding:    150,
			FinishingPunching:   100,
		},
		Discounts: []DiscountTier{
			{MinQuantity: 50, BasisPoints: 500},
			{MinQuantity: 100, BasisPoints: 1000},
			{MinQuantity: 500, BasisPoints: 1500},
		},
		MaxCopies: 10000,
	}
}

// Validate checks the catalog is complete and its discount tiers monotonic.
func (c Catalog) Validate() error {
	if len(c.PaperOrder) == 0 || len(c.BindingOrder) == 0 {
		return fmt.Errorf("catalog needs at least one paper and one binding")
	}
	for _, p := range c.PaperOrder {
		if len(c.Papers[p]) == 0 {
			return fmt.Errorf("paper %q has no weights", p)
		}
	}
	for _, b := range c.BindingOrder {
		if _, ok := c.Bindings[b]; !ok {
			return fmt.Errorf("binding %q has no price", b)
		}
	}
	if c.MaxCopies < 1 {
		return fmt.Errorf("max copies must be >= 1")
	}
	for i, tier := range c.Discounts {
		if tier.MinQuantity < 1 || tier.BasisPoints < 0 || tier.BasisPoints > 10000 {
			return fmt.Errorf("discount tier %d is out of range", i)
		}
		if i > 0 {
			prev := c.Discounts[i-1]
			if tier.MinQuantity <= prev.MinQuantity || tier.BasisPoints < prev.BasisPoints {
				return fmt.Errorf("discount tiers must increase in quantity and never decrease in rate")
			}
		}
	}
	return nil
}

// weights returns the configured weights of a paper in ascending order.
func (c Catalog) weights(p PaperType) []int {
	out := make([]int, 0, len(c.Papers[p]))
	for w := range c.Papers[p] {
		out = append(out, w)
	}
	sort.Ints(out)
	return out
}

// discount returns the tier rate for qty.
func (c Catalog) discount(qty int) BasisPoints {
	rate := BasisPoints(0)
	for _, tier := range c.Discounts {
		if qty >= tier.MinQuantity {
			rate = tier.BasisPoints
		}
	}
	return rate
}
