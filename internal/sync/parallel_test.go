package sync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestParallelMapKeepsOrderAndLimit(t *testing.T) {
	t.Parallel()

	items := []int{5, 1, 4, 2, 3}
	var running, peak atomic.Int32
	var progress atomic.Int64

	got := ParallelMap(context.Background(), items, 2, func(_ context.Context, n int) int {
		cur := running.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(time.Duration(n) * time.Millisecond)
		running.Add(-1)
		return n * 10
	}, func(done, total int64) {
		if total != int64(len(items)) {
			t.Errorf("total = %d, want %d", total, len(items))
		}
		progress.Store(done)
	})

	want := []int{50, 10, 40, 20, 30}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ParallelMap() = %v, want %v", got, want)
		}
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", p)
	}
	if progress.Load() != int64(len(items)) {
		t.Fatalf("final progress = %d, want %d", progress.Load(), len(items))
	}
	if out := ParallelMap(context.Background(), []int(nil), 4, func(context.Context, int) int { return 0 }, nil); out != nil {
		t.Fatalf("ParallelMap(nil) = %v, want nil", out)
	}
}
