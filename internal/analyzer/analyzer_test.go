package analyzer

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/print-quote-service/internal/apperr"
	"github.com/JakeFAU/print-quote-service/internal/hash/sha256"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeClassifier struct {
	name  string
	pages []bool
	err   error
	calls atomic.Int32
	delay time.Duration
}

func (f *fakeClassifier) Name() string { return f.name }

func (f *fakeClassifier) Classify(ctx context.Context, _ string) ([]bool, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.pages, f.err
}

type mapStore struct {
	mu      sync.Mutex
	results map[string]Result
	getErr  error
}

func newMapStore() *mapStore { return &mapStore{results: map[string]Result{}} }

func (s *mapStore) GetResult(_ context.Context, hash string) (Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return Result{}, false, s.getErr
	}
	r, ok := s.results[hash]
	return r, ok, nil
}

func (s *mapStore) PutResult(_ context.Context, r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.ContentHash] = r
	return nil
}

func writeDoc(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAnalyzeCountsPages(t *testing.T) {
	t.Parallel()
	raster := &fakeClassifier{name: MethodRaster, pages: []bool{true, false, false, true, false}}
	a := New(sha256.New(), fixedClock{testNow}, newMapStore(), nil, raster)

	res, err := a.Analyze(context.Background(), writeDoc(t, "%PDF-1.7 five pages"))
	require.NoError(t, err)
	require.Equal(t, 5, res.TotalPages)
	require.Equal(t, 2, res.ColorPages)
	require.Equal(t, 3, res.MonoPages)
	require.Equal(t, MethodRaster, res.AnalysisMethod)
	require.Equal(t, ColorTypeMixed, res.ColorType())
	require.Equal(t, testNow, res.CreatedAt)
	require.Len(t, res.ContentHash, 64)
}

func TestAnalyzeFallsBackToStructure(t *testing.T) {
	t.Parallel()
	raster := &fakeClassifier{name: MethodRaster, err: errors.New("render failed")}
	structure := &fakeClassifier{name: MethodStructure, pages: []bool{false, false}}
	a := New(sha256.New(), fixedClock{testNow}, nil, nil, raster, structure)

	res, err := a.Analyze(context.Background(), writeDoc(t, "%PDF-1.4 broken"))
	require.NoError(t, err)
	require.Equal(t, MethodStructure, res.AnalysisMethod)
	require.Equal(t, ColorTypeMono, res.ColorType())
	require.EqualValues(t, 1, structure.calls.Load())
}

func TestAnalyzeErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		body        string
		classifiers []Classifier
		want        apperr.Kind
	}{
		{
			name:        "not a pdf",
			body:        "<html>hello</html>",
			classifiers: []Classifier{&fakeClassifier{name: MethodRaster, pages: []bool{true}}},
			want:        apperr.KindUnreadableDocument,
		},
		{
			name:        "empty file",
			body:        "",
			classifiers: []Classifier{&fakeClassifier{name: MethodRaster, pages: []bool{true}}},
			want:        apperr.KindUnreadableDocument,
		},
		{
			name:        "zero pages",
			body:        "%PDF-1.4",
			classifiers: []Classifier{&fakeClassifier{name: MethodRaster, pages: []bool{}}},
			want:        apperr.KindInvalidDocument,
		},
		{
			name: "encrypted stops fallback",
			body: "%PDF-1.4",
			classifiers: []Classifier{
				&fakeClassifier{name: MethodRaster, err: ErrEncrypted},
				&fakeClassifier{name: MethodStructure, pages: []bool{true}},
			},
			want: apperr.KindUnreadableDocument,
		},
		{
			name: "all classifiers fail",
			body: "%PDF-1.4",
			classifiers: []Classifier{
				&fakeClassifier{name: MethodRaster, err: errors.New("bad xref")},
				&fakeClassifier{name: MethodStructure, err: errors.New("bad trailer")},
			},
			want: apperr.KindUnreadableDocument,
		},
		{
			name: "no classifiers",
			body: "%PDF-1.4",
			want: apperr.KindAnalysisFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := New(sha256.New(), fixedClock{testNow}, nil, nil, tt.classifiers...)
			_, err := a.Analyze(context.Background(), writeDoc(t, tt.body))
			require.Error(t, err)
			require.True(t, apperr.IsKind(err, tt.want), "got %v", err)
		})
	}
}

func TestAnalyzeEncryptedSkipsStructure(t *testing.T) {
	t.Parallel()
	structure := &fakeClassifier{name: MethodStructure, pages: []bool{true}}
	a := New(sha256.New(), fixedClock{testNow}, nil, nil,
		&fakeClassifier{name: MethodRaster, err: ErrEncrypted}, structure)
	_, err := a.Analyze(context.Background(), writeDoc(t, "%PDF-1.4"))
	require.Error(t, err)
	require.Zero(t, structure.calls.Load())
}

func TestAnalyzeUsesCache(t *testing.T) {
	t.Parallel()
	raster := &fakeClassifier{name: MethodRaster, pages: []bool{true}}
	store := newMapStore()
	a := New(sha256.New(), fixedClock{testNow}, store, nil, raster)
	path := writeDoc(t, "%PDF-1.4 cached")

	first, err := a.Analyze(context.Background(), path)
	require.NoError(t, err)
	second, err := a.Analyze(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.EqualValues(t, 1, raster.calls.Load())

	got, ok, err := a.Lookup(context.Background(), first.ContentHash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first, got)
}

func TestAnalyzeIgnoresStoreErrors(t *testing.T) {
	t.Parallel()
	store := newMapStore()
	store.getErr = errors.New("redis down")
	raster := &fakeClassifier{name: MethodRaster, pages: []bool{false}}
	a := New(sha256.New(), fixedClock{testNow}, store, nil, raster)

	res, err := a.Analyze(context.Background(), writeDoc(t, "%PDF-1.4"))
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalPages)
}

func TestAnalyzeCollapsesConcurrentCalls(t *testing.T) {
	t.Parallel()
	raster := &fakeClassifier{name: MethodRaster, pages: []bool{true, true}, delay: 50 * time.Millisecond}
	a := New(sha256.New(), fixedClock{testNow}, newMapStore(), nil, raster)
	path := writeDoc(t, "%PDF-1.4 shared")

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := a.Analyze(context.Background(), path)
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()
	for _, r := range results {
		require.Equal(t, results[0], r)
	}
	require.EqualValues(t, 1, raster.calls.Load())
}

func TestResultValidate(t *testing.T) {
	t.Parallel()
	ok := Result{ContentHash: "h", TotalPages: 3, ColorPages: 1, MonoPages: 2}
	require.NoError(t, ok.Validate())

	bad := []Result{
		{TotalPages: 1, MonoPages: 1},
		{ContentHash: "h", TotalPages: 0},
		{ContentHash: "h", TotalPages: 2, ColorPages: 1, MonoPages: 0},
		{ContentHash: "h", TotalPages: 1, ColorPages: -1, MonoPages: 2},
	}
	for _, r := range bad {
		if err := r.Validate(); err == nil {
			t.Fatalf("expected %+v to be invalid", r)
		}
	}
}

func TestColorType(t *testing.T) {
	t.Parallel()
	require.Equal(t, ColorTypeMono, Result{TotalPages: 2, MonoPages: 2}.ColorType())
	require.Equal(t, ColorTypeColor, Result{TotalPages: 2, ColorPages: 2}.ColorType())
	require.Equal(t, ColorTypeMixed, Result{TotalPages: 2, ColorPages: 1, MonoPages: 1}.ColorType())
}

func fill(img *image.RGBA, c color.RGBA) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

func TestHasColor(t *testing.T) {
	t.Parallel()
	gray := image.NewRGBA(image.Rect(0, 0, 20, 20))
	fill(gray, color.RGBA{R: 120, G: 120, B: 125, A: 255})
	require.False(t, HasColor(gray, 12, 1))

	speck := image.NewRGBA(image.Rect(0, 0, 20, 20))
	fill(speck, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	speck.SetRGBA(3, 4, color.RGBA{R: 200, G: 10, B: 10, A: 255})
	require.True(t, HasColor(speck, 12, 1))
	require.False(t, HasColor(speck, 12, 2), "a single pixel is below the threshold")

	transparent := image.NewRGBA(image.Rect(0, 0, 4, 4))
	fill(transparent, color.RGBA{R: 255, A: 0})
	require.False(t, HasColor(transparent, 12, 1))

	sub := speck.SubImage(image.Rect(2, 2, 10, 10)).(*image.RGBA)
	require.True(t, HasColor(sub, 12, 1))
}

func TestScanColorSpaces(t *testing.T) {
	t.Parallel()
	mono := writeDoc(t, "%PDF-1.4\n/ColorSpace /DeviceGray\n")
	found, err := scanColorSpaces(context.Background(), mono)
	require.NoError(t, err)
	require.False(t, found)

	rgb := writeDoc(t, "%PDF-1.4\n/ColorSpace /DeviceRGB\n")
	found, err = scanColorSpaces(context.Background(), rgb)
	require.NoError(t, err)
	require.True(t, found)

	// Marker straddling a chunk boundary.
	pad := make([]byte, scanChunk-4)
	for i := range pad {
		pad[i] = ' '
	}
	straddle := writeDoc(t, "%PDF-1.4"+string(pad)+"/DeviceCMYK")
	found, err = scanColorSpaces(context.Background(), straddle)
	require.NoError(t, err)
	require.True(t, found)
}
