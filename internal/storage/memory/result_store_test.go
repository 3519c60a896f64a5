package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/print-quote-service/internal/analyzer"
)

func result(hash string) analyzer.Result {
	return analyzer.Result{ContentHash: hash, TotalPages: 1, MonoPages: 1, AnalysisMethod: analyzer.MethodRaster}
}

func TestResultStoreEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewResultStore(2, nil)

	require.NoError(t, store.PutResult(ctx, result("a")))
	require.NoError(t, store.PutResult(ctx, result("b")))
	_, ok, err := store.GetResult(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.PutResult(ctx, result("c")))
	require.Equal(t, 2, store.Len())

	_, ok, _ = store.GetResult(ctx, "b")
	require.False(t, ok, "b was least recently used")
	_, ok, _ = store.GetResult(ctx, "a")
	require.True(t, ok)
}

func TestResultStoreReadsThrough(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backing := NewResultStore(10, nil)
	require.NoError(t, backing.PutResult(ctx, result("persisted")))

	front := NewResultStore(10, backing)
	got, ok, err := front.GetResult(ctx, "persisted")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "persisted", got.ContentHash)
	require.Equal(t, 1, front.Len())

	require.NoError(t, front.PutResult(ctx, result("fresh")))
	_, ok, _ = backing.GetResult(ctx, "fresh")
	require.True(t, ok, "writes go through to the next store")

	_, ok, err = front.GetResult(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}
