package gradingcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, CacheAll, CacheLevelFromContext(ctx))
	assert.False(t, IsTransient(ctx))
	assert.False(t, IsNoCache(ctx))
	assert.Equal(t, DefaultCompressionLevel, CompressionLevel(ctx))
	assert.False(t, ShouldCompress(ctx))
	assert.True(t, ShouldCheckIntegrity(ctx))
}

func TestScopingIsPushPop(t *testing.T) {
	ctx := context.Background()
	inner := WithCacheLevel(ctx, NoCache)
	assert.True(t, IsNoCache(inner))
	assert.False(t, IsNoCache(ctx)) // outer scope untouched
}

func TestNoCacheImpliesTransient(t *testing.T) {
	ctx := WithCacheLevel(context.Background(), NoCache)
	assert.True(t, IsTransient(ctx))
}

func TestWithCacheLevelWhen(t *testing.T) {
	base := context.Background()
	assert.Equal(t, CacheAll, CacheLevelFromContext(WithCacheLevelWhen(base, NoCache, false)))
	assert.Equal(t, NoCache, CacheLevelFromContext(WithCacheLevelWhen(base, NoCache, true)))
}
