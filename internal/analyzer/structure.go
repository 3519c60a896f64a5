package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
)

// colorSpaceMarkers are PDF names that only appear when content uses chromatic color.
var colorSpaceMarkers = [][]byte{
	[]byte("/DeviceRGB"),
	[]byte("/DeviceCMYK"),
	[]byte("/CalRGB"),
	[]byte("/Lab"),
	[]byte("/Separation"),
	[]byte("/DeviceN"),
}

const (
	scanChunk = 64 << 10
	// grayEpsilon is the max component spread, in 0..1 units, still treated as gray.
	grayEpsilon = 0.02
)

// StructureClassifier counts pages with pdfcpu and reads each page's content
// stream for the colors it sets. Pages that paint images or shadings take the
// verdict of the file-wide color-space scan, since their pixels are not
// inspected.
type StructureClassifier struct{}

// NewStructureClassifier returns the fallback classifier.
func NewStructureClassifier() *StructureClassifier {
	return &StructureClassifier{}
}

// Name implements Classifier.
func (c *StructureClassifier) Name() string { return MethodStructure }

// Classify implements Classifier.
func (c *StructureClassifier) Classify(ctx context.Context, path string) ([]bool, error) {
	doc, err := api.ReadContextFile(path)
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "encrypt") || strings.Contains(msg, "password") {
			return nil, ErrEncrypted
		}
		return nil, fmt.Errorf("read document: %w", err)
	}
	fileColor, err := scanColorSpaces(ctx, path)
	if err != nil {
		return nil, err
	}

	pages := make([]bool, doc.PageCount)
	for i := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := pdfcpu.ExtractPageContent(doc, i+1)
		if err != nil {
			// Undecodable content: fall back to the file-wide verdict.
			pages[i] = fileColor
			continue
		}
		content, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read page %d content: %w", i+1, err)
		}
		pages[i] = contentHasColor(content, fileColor)
	}
	return pages, nil
}

// contentHasColor walks a content stream and reports whether it sets a
// chromatic fill or stroke color. Images and shadings (Do, sh) count as color
// when fileColor is set. Inline images also count when their own dictionary
// names a chromatic space.
func contentHasColor(content []byte, fileColor bool) bool {
	var operands []string
	for _, tok := range contentTokens(content) {
		if isOperand(tok) {
			operands = append(operands, tok)
			continue
		}
		switch tok {
		case "rg", "RG":
			if chromatic(numbers(operands), false) {
				return true
			}
		case "k", "K":
			if chromatic(numbers(operands), true) {
				return true
			}
		case "sc", "SC", "scn", "SCN":
			// A trailing pattern name paints with a pattern we cannot see into.
			if len(operands) > 0 && strings.HasPrefix(operands[len(operands)-1], "/") {
				if fileColor {
					return true
				}
				break
			}
			nums := numbers(operands)
			if chromatic(nums, len(nums) == 4) {
				return true
			}
		case "ID":
			if fileColor || inlineColor(operands) {
				return true
			}
		case "Do", "sh":
			if fileColor {
				return true
			}
		}
		operands = operands[:0]
	}
	return false
}

// chromatic reports whether color components describe a non-gray color.
// Gray in CMYK means equal C, M and Y; K is ignored.
func chromatic(nums []float64, cmyk bool) bool {
	switch {
	case cmyk && len(nums) == 4:
		nums = nums[:3]
	case !cmyk && len(nums) == 3:
	default:
		return false
	}
	lo, hi := nums[0], nums[0]
	for _, n := range nums[1:] {
		lo, hi = min(lo, n), max(hi, n)
	}
	return hi-lo > grayEpsilon
}

// inlineColor reports whether an inline image dictionary names a chromatic space.
func inlineColor(operands []string) bool {
	for _, op := range operands {
		switch op {
		case "/RGB", "/CMYK", "/DeviceRGB", "/DeviceCMYK", "/CalRGB", "/Lab":
			return true
		}
	}
	return false
}

func numbers(operands []string) []float64 {
	out := make([]float64, 0, len(operands))
	for _, s := range operands {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		out = append(out, f)
	}
	return out
}

func isOperand(tok string) bool {
	if tok == "" {
		return false
	}
	switch c := tok[0]; {
	case c == '/', c == '(', c == '<', c == '[', c == ']', c == '>':
		return true
	case c == '+', c == '-', c == '.', c >= '0' && c <= '9':
		return true
	}
	return tok == "true" || tok == "false" || tok == "null"
}

// contentTokens splits a content stream into operand and operator tokens.
// String literals collapse to a single "(" token and comments are dropped.
func contentTokens(b []byte) []string {
	var toks []string
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case isSpace(c):
			i++
		case c == '%':
			for i < len(b) && b[i] != '\n' && b[i] != '\r' {
				i++
			}
		case c == '(':
			i = skipLiteral(b, i)
			toks = append(toks, "(")
		case c == '<' && i+1 < len(b) && b[i+1] == '<':
			toks = append(toks, "<<")
			i += 2
		case c == '>' && i+1 < len(b) && b[i+1] == '>':
			toks = append(toks, ">>")
			i += 2
		case c == '<':
			end := bytes.IndexByte(b[i:], '>')
			if end < 0 {
				return toks
			}
			toks = append(toks, "<")
			i += end + 1
		case c == '[' || c == ']' || c == '{' || c == '}':
			toks = append(toks, string(c))
			i++
		default:
			start := i
			i++
			for i < len(b) && !isSpace(b[i]) && !isDelim(b[i]) {
				i++
			}
			tok := string(b[start:i])
			toks = append(toks, tok)
			if tok == "ID" {
				// Skip inline image data up to its EI.
				end := bytes.Index(b[i:], []byte("EI"))
				if end < 0 {
					return toks
				}
				i += end + 2
				toks = append(toks, "EI")
			}
		}
	}
	return toks
}

// skipLiteral returns the index just past the string literal starting at i.
func skipLiteral(b []byte, i int) int {
	depth := 0
	for ; i < len(b); i++ {
		switch b[i] {
		case '\\':
			i++
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return len(b)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isDelim(c byte) bool {
	return strings.IndexByte("()<>[]{}/%", c) >= 0
}

// scanColorSpaces streams the file looking for any chromatic color-space name.
func scanColorSpaces(ctx context.Context, path string) (bool, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from the fetcher's temp dir
	if err != nil {
		return false, fmt.Errorf("open document: %w", err)
	}
	defer func() { _ = f.Close() }()

	overlap := 0
	for _, m := range colorSpaceMarkers {
		overlap = max(overlap, len(m)-1)
	}
	buf := make([]byte, overlap+scanChunk)
	carry := 0
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		n, readErr := f.Read(buf[carry:])
		window := buf[:carry+n]
		for _, m := range colorSpaceMarkers {
			if containsName(window, m) {
				return true, nil
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return false, nil
			}
			return false, fmt.Errorf("read document: %w", readErr)
		}
		carry = min(overlap, len(window))
		copy(buf, window[len(window)-carry:])
	}
}

// containsName reports whether name occurs in b as a whole PDF name, so that
// /Lab does not match /Label. A match at the end of b counts.
func containsName(b, name []byte) bool {
	for {
		i := bytes.Index(b, name)
		if i < 0 {
			return false
		}
		end := i + len(name)
		if end == len(b) || isSpace(b[end]) || isDelim(b[end]) {
			return true
		}
		b = b[i+1:]
	}
}
