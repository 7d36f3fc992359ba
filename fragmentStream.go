package spanstream

// FragmentStream is a forward-only sequence of non-contiguous byte fragments,
// which can be gather-written without first being copied into one buffer.
//
// Seek positions are relative to the current read cursor: fragmentIndex 0 is
// the fragment currently being read (starting from its unread portion).
type FragmentStream interface {

	// NumFragments returns the number of fragments not yet fully read.
	NumFragments() int

	// ForEachFragment calls fn with the unread part of each fragment, stopping
	// early if fn returns false. It reports whether every fragment was visited.
	ForEachFragment(fn func(fragment []byte) bool) bool

	// Clear marks the whole stream as read.
	Clear()

	// Seek marks the bytes up to position within fragment fragmentIndex as
	// read.
	Seek(fragmentIndex, position int)
}

// Writer writes as much of streams as it can, and returns the number of bytes
// written. It doesn't acknowledge the written bytes; the caller does that with
// Consume.
type Writer func(streams []FragmentStream) (int, error)

// IsEmpty reports whether s has nothing left to read.
func IsEmpty(s FragmentStream) bool {
	return s.ForEachFragment(func(f []byte) bool { return len(f) == 0 })
}

// Consume acknowledges n bytes written from the concatenation of streams,
// seeking each stream past its written bytes. It reports whether every stream
// was fully consumed.
func Consume(streams []FragmentStream, n int) bool {
	for _, s := range streams {
		index := 0
		done := s.ForEachFragment(func(f []byte) bool {
			if n < len(f) {
				return false
			}
			n -= len(f)
			index++
			return true
		})
		if !done {
			s.Seek(index, n)
			return false
		}
		s.Clear()
	}
	return true
}

// Contents returns a copy of the unread bytes of streams.
func Contents(streams ...FragmentStream) []byte {
	var out []byte
	for _, s := range streams {
		s.ForEachFragment(func(f []byte) bool {
			out = append(out, f...)
			return true
		})
	}
	return out
}

// FragmentArray is a FragmentStream over a fixed set of byte slices. The
// slices are referenced, not copied.
type FragmentArray struct {
	fragments [][]byte
	index     int
	position  int
}

// NewFragmentArray returns a FragmentArray over fragments. Empty fragments are
// skipped.
func NewFragmentArray(fragments ...[]byte) *FragmentArray {
	a := &FragmentArray{}
	a.Reset(fragments...)
	return a
}

// Reset replaces the fragments of the array and rewinds its cursor.
func (a *FragmentArray) Reset(fragments ...[]byte) {
	a.fragments = a.fragments[:0]
	for _, f := range fragments {
		if len(f) > 0 {
			a.fragments = append(a.fragments, f)
		}
	}
	a.index = 0
	a.position = 0
}

// Rewound reports whether nothing has been read from the array yet.
func (a *FragmentArray) Rewound() bool {
	return a.index == 0 && a.position == 0
}

// NumFragments implements FragmentStream.
func (a *FragmentArray) NumFragments() int { return len(a.fragments) - a.index }

// ForEachFragment implements FragmentStream.
func (a *FragmentArray) ForEachFragment(fn func(fragment []byte) bool) bool {
	for i := a.index; i < len(a.fragments); i++ {
		f := a.fragments[i]
		if i == a.index {
			f = f[a.position:]
		}
		if !fn(f) {
			return false
		}
	}
	return true
}

// Clear implements FragmentStream.
func (a *FragmentArray) Clear() {
	a.index = len(a.fragments)
	a.position = 0
}

// Seek implements FragmentStream.
func (a *FragmentArray) Seek(fragmentIndex, position int) {
	if fragmentIndex == 0 {
		a.position += position
		return
	}
	a.index += fragmentIndex
	a.position = position
}
