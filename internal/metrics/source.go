package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// QuerySource answers named scalar queries against a time-series backend.
// The backend is external; the core only consumes scalars.
type QuerySource interface {
	QueryScalar(ctx context.Context, name string, labels map[string]string) (float64, error)
}

// ScalarFunc computes one named scalar.
type ScalarFunc func(ctx context.Context, labels map[string]string) (float64, error)

// FuncSource is a QuerySource backed by registered functions. It serves as the
// local backend and as the test double for the reconciler.
type FuncSource struct {
	mu      sync.RWMutex
	queries map[string]ScalarFunc
}

// NewFuncSource creates an empty FuncSource.
func NewFuncSource() *FuncSource {
	return &FuncSource{queries: make(map[string]ScalarFunc)}
}

// Register binds a query name to its scalar function, replacing any previous
// binding.
func (s *FuncSource) Register(name string, fn ScalarFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[name] = fn
}

func (s *FuncSource) QueryScalar(ctx context.Context, name string, labels map[string]string) (float64, error) {
	s.mu.RLock()
	fn, ok := s.queries[name]
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("unknown metrics query %q", name)
	}
	return fn(ctx, labels)
}

// CachedSource memoizes scalar query results for a TTL, absorbing reconciler
// polling without hammering the backend.
type CachedSource struct {
	inner  QuerySource
	cache  *gocache.Cache
	logger *slog.Logger
}

// NewCachedSource wraps inner with a TTL cache.
func NewCachedSource(inner QuerySource, ttl time.Duration, logger *slog.Logger) *CachedSource {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedSource{
		inner:  inner,
		cache:  gocache.New(ttl, 2*ttl),
		logger: logger.With("component", "metrics.CachedSource"),
	}
}

func (s *CachedSource) QueryScalar(ctx context.Context, name string, labels map[string]string) (float64, error) {
	key := cacheKey(name, labels)
	if v, ok := s.cache.Get(key); ok {
		return v.(float64), nil
	}

	v, err := s.inner.QueryScalar(ctx, name, labels)
	if err != nil {
		return 0, err
	}
	s.cache.Set(key, v, gocache.DefaultExpiration)
	return v, nil
}

func cacheKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := name
	for _, k := range keys {
		key += "|" + k + "=" + labels[k]
	}
	return key
}
