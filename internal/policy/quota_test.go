package policy

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQuotas(t *testing.T) *QuotaStore {
	t.Helper()
	s, err := NewQuotaStore(filepath.Join(t.TempDir(), "governance.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConsume_UntrackedTool(t *testing.T) {
	s := newTestQuotas(t)
	remaining, ok, err := s.Consume(context.Background(), "acme-corp", "docs-search", 100)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, remaining)
}

func TestConsume_TracksAcrossCalls(t *testing.T) {
	s := newTestQuotas(t)
	ctx := context.Background()
	require.NoError(t, s.SetLimit(ctx, "acme-corp", "docs-search", 10))

	remaining, ok, err := s.Consume(ctx, "acme-corp", "docs-search", 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, *remaining)

	remaining, ok, err = s.Consume(ctx, "acme-corp", "docs-search", 7)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, *remaining)

	remaining, ok, err = s.Consume(ctx, "acme-corp", "docs-search", 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, *remaining)
}

func TestConsume_DenialDoesNotConsume(t *testing.T) {
	s := newTestQuotas(t)
	ctx := context.Background()
	require.NoError(t, s.SetLimit(ctx, "acme-corp", "docs-search", 5))

	_, ok, err := s.Consume(ctx, "acme-corp", "docs-search", 6)
	require.NoError(t, err)
	require.False(t, ok)

	remaining, ok, err := s.Consume(ctx, "acme-corp", "docs-search", 5)
	require.NoError(t, err)
	assert.True(t, ok, "headroom untouched by the oversized request")
	assert.Equal(t, 0, *remaining)
}

func TestConsume_PerToolIsolation(t *testing.T) {
	s := newTestQuotas(t)
	ctx := context.Background()
	require.NoError(t, s.SetLimit(ctx, "acme-corp", "docs-search", 2))

	_, ok, err := s.Consume(ctx, "acme-corp", "docs-search", 2)
	require.NoError(t, err)
	require.True(t, ok)

	remaining, ok, err := s.Consume(ctx, "acme-corp", "crm-writer", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, remaining, "other tools stay untracked")

	remaining, ok, err = s.Consume(ctx, "globex", "docs-search", 2)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, remaining, "same tool name under another tenant is separate")
}

func TestConsume_Concurrent(t *testing.T) {
	s := newTestQuotas(t)
	ctx := context.Background()
	require.NoError(t, s.SetLimit(ctx, "acme-corp", "docs-search", 50))

	var wg sync.WaitGroup
	allowed := make([]bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := s.Consume(ctx, "acme-corp", "docs-search", 1)
			assert.NoError(t, err)
			allowed[i] = ok
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, ok := range allowed {
		if ok {
			granted++
		}
	}
	assert.Equal(t, 50, granted, "exactly the limit is granted under contention")
}
