package analyzer

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/gen2brain/go-fitz"
)

// RasterClassifier renders every page with MuPDF and inspects pixel chroma.
type RasterClassifier struct {
	// DPI is the render resolution. Low values are enough to see color.
	DPI float64
	// Tolerance is the max channel spread still treated as gray.
	Tolerance int
	// MinColorPixels is how many chromatic pixels make a page color.
	MinColorPixels int
}

// NewRasterClassifier returns a classifier with the given settings, filling zeros with defaults.
func NewRasterClassifier(dpi float64, tolerance, minColorPixels int) *RasterClassifier {
	if dpi <= 0 {
		dpi = 36
	}
	if tolerance <= 0 {
		tolerance = 12
	}
	if minColorPixels <= 0 {
		minColorPixels = 8
	}
	return &RasterClassifier{DPI: dpi, Tolerance: tolerance, MinColorPixels: minColorPixels}
}

// Name implements Classifier.
func (c *RasterClassifier) Name() string { return MethodRaster }

// Classify implements Classifier.
func (c *RasterClassifier) Classify(ctx context.Context, path string) ([]bool, error) {
	doc, err := fitz.New(path)
	if err != nil {
		if errors.Is(err, fitz.ErrNeedsPassword) {
			return nil, ErrEncrypted
		}
		return nil, fmt.Errorf("open document: %w", err)
	}
	defer doc.Close()

	pages := make([]bool, doc.NumPage())
	for i := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := doc.ImageDPI(i, c.DPI)
		if err != nil {
			return nil, fmt.Errorf("render page %d: %w", i+1, err)
		}
		pages[i] = HasColor(img, c.Tolerance, c.MinColorPixels)
	}
	return pages, nil
}

// HasColor reports whether img holds at least minPixels pixels whose channel
// spread exceeds tolerance. Fully transparent pixels are ignored.
func HasColor(img *image.RGBA, tolerance, minPixels int) bool {
	if minPixels < 1 {
		minPixels = 1
	}
	b := img.Bounds()
	found := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			p := row[x*4 : x*4+4]
			if p[3] == 0 {
				continue
			}
			if spread(int(p[0]), int(p[1]), int(p[2])) > tolerance {
				found++
				if found >= minPixels {
					return true
				}
			}
		}
	}
	return false
}

func spread(r, g, b int) int {
	return max(r, g, b) - min(r, g, b)
}
