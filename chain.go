package spanstream

import (
	"fmt"
	"strconv"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
)

// BlockSize is the number of bytes held by each block of a Chain.
const BlockSize = 256

// maxPooledBlocks bounds the size of chains kept in the shared pool, so a
// single oversized span doesn't pin its memory for the life of the process.
const maxPooledBlocks = 64

// reportRequestSpansField is the ReportRequest field that carries spans.
const reportRequestSpansField protowire.Number = 3

// maxFramingHeaderLen covers the hex chunk size, CRLF, and the protobuf key and
// varint length.
const maxFramingHeaderLen = 16 + 2 + 1 + 10

var lineTerminator = []byte("\r\n")

// Framing controls how a Chain is wrapped when its output is closed.
type Framing int

const (
	// ReportSpanFraming wraps the payload in a single HTTP chunk, and prefixes
	// it with the key and length of the ReportRequest spans field, so that the
	// concatenation of chunks forms a valid ReportRequest message.
	ReportSpanFraming Framing = iota

	// ChunkFraming wraps the payload in a single HTTP chunk.
	ChunkFraming

	// NoFraming exposes only the serialized payload.
	NoFraming
)

func (f Framing) String() string {
	switch f {
	case ReportSpanFraming:
		return "report-span"
	case ChunkFraming:
		return "chunk"
	case NoFraming:
		return "none"
	}
	return "Framing(" + strconv.Itoa(int(f)) + ")"
}

// Decode implements envconfig.Decoder, accepting the names returned by String.
func (f *Framing) Decode(value string) error {
	for _, candidate := range []Framing{ReportSpanFraming, ChunkFraming, NoFraming} {
		if value == candidate.String() {
			*f = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown span framing: %q", value)
}

type block struct {
	data [BlockSize]byte
	size int
}

// Chain accumulates the serialized bytes of a single span in a sequence of
// fixed-size blocks, without ever copying or moving previously written bytes.
//
// Once CloseOutput is called, a Chain acts as a FragmentStream. Its fragments
// are the optional framing header, each block, and the optional trailer.
type Chain struct {
	blocks          []*block
	numBytesWritten int

	framed    bool
	headerBuf [maxFramingHeaderLen]byte
	header    []byte

	fragmentIndex    int
	fragmentPosition int
}

var chainPool = sync.Pool{
	New: func() any { return &Chain{} },
}

// NewChain returns an empty Chain from the shared pool.
func NewChain() *Chain {
	return chainPool.Get().(*Chain)
}

// Free resets the Chain and returns it to the shared pool. The Chain must not
// be used after calling Free.
func (c *Chain) Free() {

	// drop if the chain got too large
	if cap(c.blocks) > maxPooledBlocks {
		return
	}

	for _, b := range c.blocks {
		b.size = 0
	}
	c.blocks = c.blocks[:0]
	c.numBytesWritten = 0
	c.framed = false
	c.header = nil
	c.fragmentIndex = 0
	c.fragmentPosition = 0

	chainPool.Put(c)
}

// Next returns the writable remainder of the current block, or a fresh block
// when the current one is full. All of the returned bytes are counted as
// written; use BackUp to return what wasn't used.
func (c *Chain) Next() []byte {
	n := len(c.blocks)
	if n > 0 {
		if last := c.blocks[n-1]; last.size < BlockSize {
			buf := last.data[last.size:]
			c.numBytesWritten += len(buf)
			last.size = BlockSize
			return buf
		}
	}

	// reuse a block retained from a previous use of the chain if possible
	var b *block
	if n < cap(c.blocks) {
		b = c.blocks[:n+1][n]
	}
	if b == nil {
		b = &block{}
	}
	b.size = BlockSize
	c.blocks = append(c.blocks, b)
	c.numBytesWritten += BlockSize
	return b.data[:]
}

// BackUp returns the last n bytes handed out by Next.
func (c *Chain) BackUp(n int) {
	if n <= 0 || len(c.blocks) == 0 {
		return
	}
	last := c.blocks[len(c.blocks)-1]
	if n > last.size {
		n = last.size
	}
	last.size -= n
	c.numBytesWritten -= n
}

// Write appends p to the chain. It never fails.
func (c *Chain) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		buf := c.Next()
		n := copy(buf, p)
		c.BackUp(len(buf) - n)
		p = p[n:]
	}
	return total, nil
}

// WriteString appends s to the chain. It never fails.
func (c *Chain) WriteString(s string) (int, error) {
	total := len(s)
	for len(s) > 0 {
		buf := c.Next()
		n := copy(buf, s)
		c.BackUp(len(buf) - n)
		s = s[n:]
	}
	return total, nil
}

// WriteByte appends a single byte to the chain. It never fails.
func (c *Chain) WriteByte(b byte) error {
	buf := c.Next()
	buf[0] = b
	c.BackUp(len(buf) - 1)
	return nil
}

// Len returns the number of payload bytes written to the chain.
func (c *Chain) Len() int { return c.numBytesWritten }

// NumBlocks returns the number of blocks holding payload bytes.
func (c *Chain) NumBlocks() int { return len(c.blocks) }

// CloseOutput ends writing and prepares the chain to be read as a
// FragmentStream, framed as requested. A framed chain with no payload has no
// fragments, as an empty chunk would terminate the HTTP body.
func (c *Chain) CloseOutput(f Framing) {

	// an emptied trailing block would otherwise show up as an empty fragment
	if n := len(c.blocks); n > 0 && c.blocks[n-1].size == 0 {
		c.blocks = c.blocks[:n-1]
	}

	c.fragmentIndex = 0
	c.fragmentPosition = 0
	c.header = nil
	c.framed = false

	switch f {
	case ChunkFraming:
		c.framed = true
		c.header = appendChunkHeader(c.headerBuf[:0], c.numBytesWritten)
	case ReportSpanFraming:
		c.framed = true
		n := c.numBytesWritten
		chunkSize := protowire.SizeTag(reportRequestSpansField) + protowire.SizeBytes(n)
		h := appendChunkHeader(c.headerBuf[:0], chunkSize)
		h = protowire.AppendTag(h, reportRequestSpansField, protowire.BytesType)
		c.header = protowire.AppendVarint(h, uint64(n))
	}
}

// appendChunkHeader appends the uppercase hex size of a chunk and the CRLF
// separating it from the chunk data.
func appendChunkHeader(b []byte, size int) []byte {
	start := len(b)
	b = strconv.AppendUint(b, uint64(size), 16)
	for i := start; i < len(b); i++ {
		if b[i] >= 'a' && b[i] <= 'f' {
			b[i] -= 'a' - 'A'
		}
	}
	return append(b, lineTerminator...)
}

func (c *Chain) totalFragments() int {
	if !c.framed {
		return len(c.blocks)
	}
	if c.numBytesWritten == 0 {
		return 0
	}
	return len(c.blocks) + 2
}

func (c *Chain) fragment(i int) []byte {
	if !c.framed {
		b := c.blocks[i]
		return b.data[:b.size]
	}
	switch i {
	case 0:
		return c.header
	case len(c.blocks) + 1:
		return lineTerminator
	}
	b := c.blocks[i-1]
	return b.data[:b.size]
}

// NumFragments returns the number of fragments not yet fully read.
func (c *Chain) NumFragments() int {
	n := c.totalFragments() - c.fragmentIndex
	if n < 0 {
		return 0
	}
	return n
}

// ForEachFragment calls fn with every unread fragment, in order, stopping
// early if fn returns false. It reports whether every fragment was visited.
func (c *Chain) ForEachFragment(fn func(fragment []byte) bool) bool {
	total := c.totalFragments()
	for i := c.fragmentIndex; i < total; i++ {
		f := c.fragment(i)
		if i == c.fragmentIndex {
			f = f[c.fragmentPosition:]
		}
		if !fn(f) {
			return false
		}
	}
	return true
}

// Clear marks every fragment as read.
func (c *Chain) Clear() {
	c.fragmentIndex = c.totalFragments()
	c.fragmentPosition = 0
}

// Seek advances the read cursor. With fragmentIndex 0 the cursor moves
// position bytes within the current fragment; otherwise it moves
// fragmentIndex fragments forward and is placed position bytes into that
// fragment.
func (c *Chain) Seek(fragmentIndex, position int) {
	if fragmentIndex == 0 {
		c.fragmentPosition += position
		return
	}
	c.fragmentIndex += fragmentIndex
	c.fragmentPosition = position
}
