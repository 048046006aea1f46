package revision

import (
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokensSortInIssuanceOrder(t *testing.T) {
	clock := New()
	prev := clock.Now()
	for i := 0; i < 1000; i++ {
		next := clock.Now()
		require.Greater(t, next, prev, "token %d not greater than predecessor", i)
		prev = next
	}
}

func TestTokensUnique(t *testing.T) {
	clock := New()
	seen := make(map[string]struct{}, 5000)
	for i := 0; i < 5000; i++ {
		rev := clock.Now()
		_, dup := seen[rev]
		require.False(t, dup, "duplicate token %q", rev)
		seen[rev] = struct{}{}
	}
}

func TestConcurrentIssuanceStaysOrderedPerGoroutineAndUnique(t *testing.T) {
	clock := New()
	const workers = 8
	const perWorker = 500

	var wg sync.WaitGroup
	results := make([][]string, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			revs := make([]string, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				revs = append(revs, clock.Now())
			}
			results[w] = revs
		}(w)
	}
	wg.Wait()

	all := make(map[string]struct{}, workers*perWorker)
	for w, revs := range results {
		require.True(t, sort.StringsAreSorted(revs), "worker %d tokens out of order", w)
		for _, rev := range revs {
			_, dup := all[rev]
			require.False(t, dup)
			all[rev] = struct{}{}
		}
	}
}

func TestStalledClockStillAdvances(t *testing.T) {
	frozen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := NewAt(func() time.Time { return frozen })

	a := clock.Now()
	b := clock.Now()
	assert.Greater(t, b, a)
}

func TestTimeRoundTrip(t *testing.T) {
	clock := New()
	before := time.Now().Add(-2 * time.Millisecond)
	rev := clock.Now()
	after := time.Now().Add(2 * time.Millisecond)

	ts := Time(rev)
	assert.False(t, ts.Before(before.Truncate(time.Millisecond)))
	assert.False(t, ts.After(after))
}

func TestTokenShape(t *testing.T) {
	rev := New().Now()
	parts := strings.SplitN(rev, ".", 2)
	require.Len(t, parts, 2)
	assert.Len(t, parts[0], 9)
	assert.Len(t, parts[1], 16)
}
