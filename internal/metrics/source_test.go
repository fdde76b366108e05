package metrics

import (
	"context"
	"testing"
	"time"
)

func TestFuncSource_QueryScalar(t *testing.T) {
	src := NewFuncSource()
	src.Register("queue_depth", func(ctx context.Context, labels map[string]string) (float64, error) {
		return 42, nil
	})

	v, err := src.QueryScalar(context.Background(), "queue_depth", nil)
	if err != nil {
		t.Fatalf("QueryScalar: %v", err)
	}
	if v != 42 {
		t.Errorf("v = %f, want 42", v)
	}

	if _, err := src.QueryScalar(context.Background(), "missing", nil); err == nil {
		t.Error("unknown query should error")
	}
}

func TestCachedSource_Memoizes(t *testing.T) {
	calls := 0
	src := NewFuncSource()
	src.Register("cpu", func(ctx context.Context, labels map[string]string) (float64, error) {
		calls++
		return float64(calls), nil
	})

	cached := NewCachedSource(src, time.Minute, nil)
	for i := 0; i < 3; i++ {
		v, err := cached.QueryScalar(context.Background(), "cpu", map[string]string{"pod": "a"})
		if err != nil {
			t.Fatalf("QueryScalar: %v", err)
		}
		if v != 1 {
			t.Errorf("call %d: v = %f, want cached 1", i, v)
		}
	}
	if calls != 1 {
		t.Errorf("backend calls = %d, want 1", calls)
	}

	// Distinct label sets are distinct cache entries.
	v, _ := cached.QueryScalar(context.Background(), "cpu", map[string]string{"pod": "b"})
	if v != 2 {
		t.Errorf("different labels should miss the cache, v = %f", v)
	}
}
