package limiter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/canvasflow/testutil"
)

type mutableSource struct {
	mu    sync.Mutex
	rules map[string]int
	err   error
	loads int
}

func (s *mutableSource) set(rules map[string]int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
	s.err = err
}

func (s *mutableSource) LoadRules(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]int, len(s.rules))
	for k, v := range s.rules {
		out[k] = v
	}
	return out, nil
}

func (s *mutableSource) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func TestRuleCache_GetLoadsLazilyAndHonoursTTL(t *testing.T) {
	src := &mutableSource{rules: map[string]int{"u1": 4}}
	clock := testutil.NewClock(time.Now())
	cache := NewRuleCache(src, time.Minute, zap.NewNop())
	cache.now = clock.Now
	ctx := context.Background()

	v, ok := cache.Get(ctx, "u1")
	assert.True(t, ok)
	assert.Equal(t, 4, v)
	assert.Equal(t, 1, src.loadCount())

	src.set(map[string]int{"u1": 8}, nil)
	v, _ = cache.Get(ctx, "u1")
	assert.Equal(t, 4, v, "fresh cache is served without reloading")

	clock.Advance(2 * time.Minute)
	v, _ = cache.Get(ctx, "u1")
	assert.Equal(t, 8, v)
	assert.Equal(t, 2, src.loadCount())

	_, ok = cache.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestRuleCache_ServesStaleOnError(t *testing.T) {
	src := &mutableSource{rules: map[string]int{"u1": 4}}
	clock := testutil.NewClock(time.Now())
	cache := NewRuleCache(src, time.Minute, zap.NewNop())
	cache.now = clock.Now
	ctx := context.Background()

	require.NoError(t, cache.Refresh(ctx))

	src.set(nil, errors.New("db down"))
	clock.Advance(2 * time.Minute)

	v, ok := cache.Get(ctx, "u1")
	assert.True(t, ok)
	assert.Equal(t, 4, v)
	assert.Error(t, cache.Refresh(ctx))
}

func TestRuleCache_BackgroundRefresh(t *testing.T) {
	src := &mutableSource{rules: map[string]int{"u1": 1}}
	cache := NewRuleCache(src, 20*time.Millisecond, zap.NewNop())
	ctx := context.Background()

	cache.Start(ctx)
	cache.Start(ctx)
	defer cache.Stop()

	src.set(map[string]int{"u1": 9}, nil)
	testutil.AssertEventuallyTrue(t, func() bool {
		cache.mu.RLock()
		defer cache.mu.RUnlock()
		return cache.rules["u1"] == 9
	}, time.Second)

	cache.Stop()
	loads := src.loadCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, loads, src.loadCount(), "no refresh after Stop")
}

func TestGormRuleSource(t *testing.T) {
	db := testutil.NewDB(t, &ConcurrencyRule{})
	src := NewGormRuleSource(db)
	ctx := context.Background()

	rules, err := src.LoadRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)

	require.NoError(t, src.Upsert(ctx, "u1", 3))
	require.NoError(t, src.Upsert(ctx, "u2", 7))
	require.NoError(t, src.Upsert(ctx, "u1", 4))

	rules, err = src.LoadRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"u1": 4, "u2": 7}, rules)
}
