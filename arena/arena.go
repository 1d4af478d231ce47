// Package arena provides a chunked bump allocator producing stable
// references. The scanner uses it as the serialization substrate for
// saving and loading a compiled ruleset; per-scan matches are not stored
// in an arena.
package arena

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrOutOfMemory is returned by Allocate when a size limit set at
// construction would be exceeded.
var ErrOutOfMemory = errors.New("arena: out of memory")

// ErrCorruptFile is returned by Load when the stream is not a valid arena
// dump or was produced by an incompatible format version.
var ErrCorruptFile = errors.New("arena: corrupt file")

// formatVersion guards Load against reading a dump produced by an
// incompatible build. Bump it whenever the chunk layout changes.
const formatVersion = 1

const defaultChunkSize = 64 * 1024

// Ref is a stable reference into an Arena. It survives further
// allocations and round-trips through Save/Load; it is only invalidated
// when the Arena itself is discarded.
type Ref struct {
	chunk  int
	offset int
}

// IsNil reports whether r is the zero Ref. The first allocation in a fresh
// arena is also returned as the zero Ref, so IsNil does not distinguish it.
func (r Ref) IsNil() bool { return r.chunk == 0 && r.offset == 0 }

// Arena is a monotonically growing, chunked bump allocator. Addresses
// handed out by Allocate never move, even as later allocations force new
// chunks to be appended.
type Arena struct {
	chunkSize int
	maxSize   int // 0 means unbounded
	size      int
	chunks    [][]byte
}

// New creates an Arena that grows in chunkSize-byte increments. A
// maxTotalSize of 0 means unbounded.
func New(chunkSize, maxTotalSize int) *Arena {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return &Arena{chunkSize: chunkSize, maxSize: maxTotalSize}
}

// Allocate reserves n bytes and returns a stable reference to them. The
// returned region is zeroed.
func (a *Arena) Allocate(n int) (Ref, error) {
	if n < 0 {
		return Ref{}, fmt.Errorf("arena: negative allocation size %d", n)
	}
	if a.maxSize > 0 && a.size+n > a.maxSize {
		return Ref{}, ErrOutOfMemory
	}
	if len(a.chunks) == 0 {
		a.chunks = append(a.chunks, make([]byte, 0, max(a.chunkSize, n)))
	}
	last := len(a.chunks) - 1
	if cap(a.chunks[last])-len(a.chunks[last]) < n {
		a.chunks = append(a.chunks, make([]byte, 0, max(a.chunkSize, n)))
		last++
	}
	off := len(a.chunks[last])
	a.chunks[last] = a.chunks[last][:off+n]
	a.size += n
	return Ref{chunk: last, offset: off}, nil
}

// Bytes returns the backing slice for a prior Allocate call of size n.
// Mutating it mutates the arena's storage in place.
func (a *Arena) Bytes(ref Ref, n int) []byte {
	return a.chunks[ref.chunk][ref.offset : ref.offset+n]
}

// BaseAddress returns a reference to byte 0 of the first allocation made
// in the arena, or the zero Ref if nothing has been allocated yet.
func (a *Arena) BaseAddress() Ref {
	if len(a.chunks) == 0 {
		return Ref{}
	}
	return Ref{}
}

// NextAddress walks allocations of a fixed stride as if the arena were one
// contiguous region, transparently hopping chunk boundaries. It returns
// (Ref{}, false) once prev's stride would run past the last record.
func (a *Arena) NextAddress(prev Ref, stride int) (Ref, bool) {
	next := Ref{chunk: prev.chunk, offset: prev.offset + stride}
	for next.chunk < len(a.chunks) && next.offset >= len(a.chunks[next.chunk]) {
		next = Ref{chunk: next.chunk + 1, offset: 0}
	}
	if next.chunk >= len(a.chunks) {
		return Ref{}, false
	}
	return next, true
}

// Size returns the total number of bytes allocated so far.
func (a *Arena) Size() int { return a.size }

// Save writes a self-describing dump of the arena to w: a header holding
// the version tag, chunk size and chunk count, then each chunk as its
// length followed by its bytes. Refs
// remain valid across a Save/Load round trip because chunk index and
// in-chunk offset are preserved exactly.
func (a *Arena) Save(w io.Writer) error {
	hdr := make([]byte, 12)
	binary.LittleEndian.PutUint32(hdr[0:4], formatVersion)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(a.chunkSize))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(a.chunks)))
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	for _, c := range a.chunks {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(c)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := w.Write(c); err != nil {
			return err
		}
	}
	return nil
}

// Load reads a dump produced by Save. It rejects streams whose format
// version does not match the runtime's.
func Load(r io.Reader) (*Arena, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	version := binary.LittleEndian.Uint32(hdr[0:4])
	if version != formatVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrCorruptFile, version, formatVersion)
	}
	chunkSize := int(binary.LittleEndian.Uint32(hdr[4:8]))
	numChunks := int(binary.LittleEndian.Uint32(hdr[8:12]))

	a := &Arena{chunkSize: chunkSize}
	for i := 0; i < numChunks; i++ {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
		}
		n := int(binary.LittleEndian.Uint32(lenBuf[:]))
		buf := make([]byte, n, max(chunkSize, n))
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
		}
		a.chunks = append(a.chunks, buf)
		a.size += n
	}
	return a, nil
}
