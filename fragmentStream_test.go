package spanstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentArray_skipsEmptyFragments(t *testing.T) {
	a := NewFragmentArray([]byte("ab"), nil, []byte{}, []byte("c"))

	assert.Equal(t, 2, a.NumFragments())
	assert.Equal(t, "abc", string(Contents(a)))
	assert.True(t, a.Rewound())
}

func TestFragmentArray_seek(t *testing.T) {
	a := NewFragmentArray([]byte("abc"), []byte("de"), []byte("fgh"))

	a.Seek(0, 1)
	assert.Equal(t, "bcdefgh", string(Contents(a)))
	assert.False(t, a.Rewound())

	// relative to the unread part of the current fragment
	a.Seek(0, 1)
	assert.Equal(t, "cdefgh", string(Contents(a)))

	a.Seek(2, 1)
	assert.Equal(t, "gh", string(Contents(a)))
	assert.Equal(t, 1, a.NumFragments())

	a.Clear()
	assert.Equal(t, 0, a.NumFragments())
	assert.True(t, IsEmpty(a))
}

func TestConsume(t *testing.T) {
	data := []string{"abc", "de", "", "fghij"}
	var total int
	for _, d := range data {
		total += len(d)
	}

	for n := 0; n <= total+1; n++ {
		streams := []FragmentStream{
			NewFragmentArray([]byte(data[0]), []byte(data[1])),
			NewFragmentArray([]byte(data[2])),
			NewFragmentArray([]byte(data[3][:2]), []byte(data[3][2:])),
		}
		full := string(Contents(streams...))

		done := Consume(streams, n)

		if n >= total {
			assert.True(t, done, "n: %d", n)
			assert.Empty(t, Contents(streams...), "n: %d", n)
			continue
		}
		assert.False(t, done, "n: %d", n)
		assert.Equal(t, full[n:], string(Contents(streams...)), "n: %d", n)
	}
}

func TestConsume_resumesAcrossCalls(t *testing.T) {
	streams := []FragmentStream{
		NewFragmentArray([]byte("hello"), []byte(", ")),
		NewFragmentArray([]byte("world")),
	}

	var out []byte
	for !IsEmpty(streams[0]) || !IsEmpty(streams[1]) {
		next := Contents(streams...)
		step := min(3, len(next))
		out = append(out, next[:step]...)
		Consume(streams, step)
	}
	require.Equal(t, "hello, world", string(out))
}

func TestIsEmpty(t *testing.T) {
	assert.True(t, IsEmpty(NewFragmentArray()))
	assert.True(t, IsEmpty(NewFragmentArray(nil)))
	assert.False(t, IsEmpty(NewFragmentArray([]byte("x"))))
}
