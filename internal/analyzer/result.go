package analyzer

import (
	"fmt"
	"time"
)

// Classification methods recorded in Result.AnalysisMethod.
const (
	MethodRaster    = "raster"
	MethodStructure = "structure"
)

// Color types summarizing a result.
const (
	ColorTypeMono  = "mono"
	ColorTypeColor = "color"
	ColorTypeMixed = "mixed"
)

// Result is the immutable outcome of classifying one document.
type Result struct {
	ContentHash    string    `json:"content_hash"`
	TotalPages     int       `json:"total_pages"`
	ColorPages     int       `json:"color_pages"`
	MonoPages      int       `json:"mono_pages"`
	AnalysisMethod string    `json:"analysis_method"`
	CreatedAt      time.Time `json:"created_at"`
}

// ColorType reports whether the document is all mono, all color, or mixed.
func (r Result) ColorType() string {
	switch {
	case r.ColorPages == 0:
		return ColorTypeMono
	case r.MonoPages == 0:
		return ColorTypeColor
	default:
		return ColorTypeMixed
	}
}

// Validate checks the page-count invariants.
func (r Result) Validate() error {
	if r.ContentHash == "" {
		return fmt.Errorf("content hash is required")
	}
	if r.TotalPages < 1 {
		return fmt.Errorf("total_pages must be >= 1, got %d", r.TotalPages)
	}
	if r.ColorPages < 0 || r.MonoPages < 0 {
		return fmt.Errorf("page counts must be non-negative")
	}
	if r.ColorPages+r.MonoPages != r.TotalPages {
		return fmt.Errorf("color_pages + mono_pages (%d) != total_pages (%d)", r.ColorPages+r.MonoPages, r.TotalPages)
	}
	return nil
}

func newResult(hash, method string, pages []bool, now time.Time) Result {
	color := 0
	for _, isColor := range pages {
		if isColor {
			color++
		}
	}
	return Result{
		ContentHash:    hash,
		TotalPages:     len(pages),
		ColorPages:     color,
		MonoPages:      len(pages) - color,
		AnalysisMethod: method,
		CreatedAt:      now,
	}
}
