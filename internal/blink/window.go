package blink

import (
	"math"
	"sort"

	"github.com/andresmejia3/blinktrace/internal/ear"
)

// rankWindow is a multiset of samples drawn from a fixed value domain, backed by a
// Fenwick tree over value ranks. Insert, remove and k-th order queries are O(log n),
// so sliding it across a series costs O(n log n) overall.
// Undefined samples (NaN, Inf) are ignored on insert and remove.
type rankWindow struct {
	values []float64 // sorted distinct defined values of the series
	tree   []int     // 1-based Fenwick tree of counts per rank
	top    int       // highest power of two <= len(values)
	size   int
}

func newRankWindow(series []float64) *rankWindow {
	vals := make([]float64, 0, len(series))
	for _, v := range series {
		if ear.Defined(v) {
			vals = append(vals, v)
		}
	}
	sort.Float64s(vals)

	uniq := vals[:0]
	for i, v := range vals {
		if i == 0 || v != uniq[len(uniq)-1] {
			uniq = append(uniq, v)
		}
	}

	top := 1
	for top*2 <= len(uniq) {
		top *= 2
	}
	return &rankWindow{
		values: uniq,
		tree:   make([]int, len(uniq)+1),
		top:    top,
	}
}

func (w *rankWindow) rank(v float64) int {
	return sort.SearchFloat64s(w.values, v)
}

func (w *rankWindow) update(v float64, delta int) {
	if !ear.Defined(v) {
		return
	}
	for i := w.rank(v) + 1; i < len(w.tree); i += i & -i {
		w.tree[i] += delta
	}
	w.size += delta
}

func (w *rankWindow) add(v float64)    { w.update(v, 1) }
func (w *rankWindow) remove(v float64) { w.update(v, -1) }

// kthSmallest returns the k-th smallest sample (1-based). Callers guarantee 1 <= k <= size.
func (w *rankWindow) kthSmallest(k int) float64 {
	pos := 0
	for step := w.top; step > 0; step >>= 1 {
		if next := pos + step; next < len(w.tree) && w.tree[next] < k {
			pos = next
			k -= w.tree[next]
		}
	}
	return w.values[pos]
}

func (w *rankWindow) kthLargest(k int) float64 {
	return w.kthSmallest(w.size - k + 1)
}

// bounds returns the window minimum and its robust maximum, the RobustRank-th largest sample.
// With fewer than RobustRank samples the largest sample is used. ok is false for an empty window.
func (w *rankWindow) bounds() (lo, hi float64, ok bool) {
	if w.size == 0 {
		return 0, 0, false
	}
	k := RobustRank
	if w.size < RobustRank {
		k = 1
	}
	return w.kthSmallest(1), w.kthLargest(k), true
}

// threshold applies the robust-max/min formula to the current contents.
// collapsed reports a window whose robust maximum equals its minimum: nothing in it can fall below.
func (w *rankWindow) threshold(q float64) (t float64, collapsed bool) {
	lo, hi, ok := w.bounds()
	if !ok {
		return math.NaN(), false
	}
	return lo + (hi-lo)*q, hi == lo
}
