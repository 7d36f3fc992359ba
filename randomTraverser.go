package spanstream

import "math/rand/v2"

// randomTraverser visits the indexes [0, n) in a fresh random order on each
// traversal, shuffling lazily so a traversal that stops early does only the
// work it needs.
type randomTraverser struct {
	indexes []int
}

func newRandomTraverser(n int) *randomTraverser {
	t := &randomTraverser{indexes: make([]int, n)}
	for i := range t.indexes {
		t.indexes[i] = i
	}
	return t
}

// forEach calls fn with each index, stopping early if fn returns false. It
// reports whether every index was visited.
func (t *randomTraverser) forEach(fn func(i int) bool) bool {
	n := len(t.indexes)
	for i := 0; i < n; i++ {
		j := i + rand.IntN(n-i)
		t.indexes[i], t.indexes[j] = t.indexes[j], t.indexes[i]
		if !fn(t.indexes[i]) {
			return false
		}
	}
	return true
}
