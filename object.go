// Copyright 2025 James Ross
package objectrepo

import (
	"context"

	"github.com/mwatts/objectrepo/internal/chunk"
	"github.com/mwatts/objectrepo/internal/hash"
	"github.com/mwatts/objectrepo/internal/header"
)

// SeekOrigin selects the reference point for Object.Seek.
type SeekOrigin int

const (
	SeekStart SeekOrigin = iota
	SeekCurrent
	// SeekEnd preserves the source implementation's unusual
	// convention: the offset is SUBTRACTED from total size, not added
	// to it (so a positive offset seeks backward from the end, and a
	// negative offset is rejected rather than seeking past it). This
	// is flagged as an Open Question; documented here and in
	// DESIGN.md rather than "corrected" to the conventional
	// io.SeekEnd meaning, since the spec preserves it pending
	// clarification.
	SeekEnd
)

// location is the chunk a given stream position falls in: index into
// the chunk list, that chunk's [start, end) byte range, and the
// position itself. §4.5.1's boundary tie-break (lower chunk wins) only
// applies to the write path; see currentLocation and readLocation.
type location struct {
	index    int
	start    uint64
	end      uint64
	position uint64
}

func (o *Object) relativePosition(loc location) int64 {
	return int64(loc.position - loc.start)
}

// Object is an exclusive, stateful read/write/seek view over one key's
// ObjectHandle. Grounded on the source's object/object.rs Object type;
// see SPEC_FULL.md §4.5 and the package doc in doc.go for the
// concurrency model that makes this safe without internal locking.
type Object struct {
	ctx  context.Context
	repo *Repository
	key  string

	position uint64

	chunker    chunk.Chunker
	pending    []chunk.Chunk
	writing    bool
	startMark  location
	closed     bool
}

func newObject(ctx context.Context, repo *Repository, key string) *Object {
	return &Object{
		ctx:     ctx,
		repo:    repo,
		key:     key,
		chunker: chunk.NewGearChunker(repo.chunkerCfg),
	}
}

func (o *Object) handle() header.ObjectHandle {
	return o.repo.mgr.Current().Entries[o.key]
}

func (o *Object) setHandle(h header.ObjectHandle) {
	o.repo.mgr.Current().Entries[o.key] = h
}

// currentLocation computes the chunk location for o.position against
// the live ObjectHandle's chunk list, per the write-side tie-break
// rule of §4.5.1: a position exactly on a chunk boundary resolves to
// the lower chunk. This is what a write's start_mark/end_mark needs
// (the edit is anchored to the chunk ending at that position), but it
// is the wrong tie-break for Read — see readLocation.
func (o *Object) currentLocation() location {
	h := o.handle()
	var start uint64
	for i, c := range h.Chunks {
		end := start + uint64(c.Size)
		if o.position <= end {
			return location{index: i, start: start, end: end, position: o.position}
		}
		start = end
	}
	// Empty object, or position == total size with no chunks: the
	// "chunk" at this location is the (possibly nonexistent) one past
	// the last, used only to seed start_mark/end_mark on an empty or
	// at-end write.
	return location{index: len(h.Chunks), start: start, end: start, position: o.position}
}

// readLocation computes the chunk location for o.position the way
// Read needs it: a position sitting exactly on a boundary must
// resolve to the chunk that *starts* there, not the one that just
// ended, or every read would stall at the end of each interior chunk
// (rel == len(plaintext), reported as end-of-object) without ever
// reaching the next one. Only a position at the true end of the
// object — past every chunk — falls through to the sentinel index.
func (o *Object) readLocation() location {
	h := o.handle()
	var start uint64
	for i, c := range h.Chunks {
		end := start + uint64(c.Size)
		if o.position < end {
			return location{index: i, start: start, end: end, position: o.position}
		}
		start = end
	}
	return location{index: len(h.Chunks), start: start, end: start, position: o.position}
}

// Size reports the object's current total size.
func (o *Object) Size() uint64 {
	return o.handle().Size
}

// Read implements the Object Engine's read(buf) operation (§4.5.2):
// short reads are the normal end-of-chunk case, never an error.
func (o *Object) Read(buf []byte) (int, error) {
	h := o.handle()
	if o.position >= h.Size {
		return 0, nil
	}
	loc := o.readLocation()
	if loc.index >= len(h.Chunks) {
		return 0, nil
	}
	c := h.Chunks[loc.index]
	plaintext, err := o.repo.cs.ReadChunk(o.ctx, o.repo.mgr.Current().ChunkRefs, c.Hash)
	if err != nil {
		return 0, newErr(KindCorrupt, "read", "chunk failed to decode or verify", err)
	}
	rel := o.relativePosition(loc)
	if rel >= int64(len(plaintext)) {
		return 0, nil
	}
	n := copy(buf, plaintext[rel:])
	o.position += uint64(n)
	return n, nil
}

// Write implements §4.5.3: destructive replacement of the chunk range
// the write touches, buffered in o.chunker until Flush.
func (o *Object) Write(p []byte) (int, error) {
	if !o.writing {
		loc := o.currentLocation()
		o.startMark = loc
		if loc.index < len(o.handle().Chunks) {
			prefix, err := o.readChunkPlaintext(loc.index)
			if err != nil {
				return 0, err
			}
			rel := o.relativePosition(loc)
			if rel > int64(len(prefix)) {
				rel = int64(len(prefix))
			}
			if err := o.feed(prefix[:rel]); err != nil {
				return 0, err
			}
		}
		o.writing = true
	}

	if err := o.feed(p); err != nil {
		return 0, err
	}
	o.position += uint64(len(p))
	return len(p), nil
}

func (o *Object) feed(p []byte) error {
	out := o.chunker.Feed(p)
	for _, plain := range out {
		c, err := o.repo.cs.WriteChunk(o.ctx, o.repo.mgr.Current().ChunkRefs, plain)
		if err != nil {
			return newErr(KindIO, "write", "chunk store failed", err)
		}
		o.pending = append(o.pending, c)
	}
	return nil
}

func (o *Object) readChunkPlaintext(index int) ([]byte, error) {
	h := o.handle()
	if index >= len(h.Chunks) {
		return nil, nil
	}
	c := h.Chunks[index]
	plain, err := o.repo.cs.ReadChunk(o.ctx, o.repo.mgr.Current().ChunkRefs, c.Hash)
	if err != nil {
		return nil, newErr(KindCorrupt, "write", "chunk failed to decode or verify", err)
	}
	return plain, nil
}

// Flush implements §4.5.4: closes the open write sequence, splicing
// pending into the ObjectHandle's chunk list in place of the touched
// range, and reconciling refcounts.
func (o *Object) Flush() error {
	if !o.writing {
		return nil
	}

	endMark := o.currentLocation()
	// endChunkConsumed tracks whether a chunk exists at endMark.index:
	// if so, its suffix was just fed into the chunker below, so its
	// entire original content (both the prefix the write already
	// covered and this suffix) is superseded and the chunk must be
	// included in the splice range below, so it is removed rather than
	// left in place.
	endChunkConsumed := endMark.index < len(o.handle().Chunks)
	if endChunkConsumed {
		suffix, err := o.readChunkPlaintext(endMark.index)
		if err != nil {
			return err
		}
		rel := o.relativePosition(endMark)
		if rel < 0 {
			rel = 0
		}
		if rel <= int64(len(suffix)) {
			if err := o.feed(suffix[rel:]); err != nil {
				return err
			}
		}
	}

	if tail := o.chunker.Finalize(); tail != nil {
		c, err := o.repo.cs.WriteChunk(o.ctx, o.repo.mgr.Current().ChunkRefs, tail)
		if err != nil {
			return newErr(KindIO, "flush", "chunk store failed", err)
		}
		o.pending = append(o.pending, c)
	}

	h := o.handle()
	lo := o.startMark.index
	hi := endMark.index
	if endChunkConsumed {
		// The splice range is half-open; the end chunk's suffix was
		// already re-emitted into pending above, so the range must
		// include that chunk itself or it survives untouched in the
		// new chunk list alongside its replacement.
		hi++
	}
	if hi > len(h.Chunks) {
		hi = len(h.Chunks)
	}
	if lo > hi {
		lo = hi
	}

	for _, c := range h.Chunks[lo:hi] {
		_ = o.repo.cs.Unref(o.repo.mgr.Current().ChunkRefs, c.Hash)
	}

	newChunks := make([]chunk.Chunk, 0, len(h.Chunks)-(hi-lo)+len(o.pending))
	newChunks = append(newChunks, h.Chunks[:lo]...)
	newChunks = append(newChunks, o.pending...)
	newChunks = append(newChunks, h.Chunks[hi:]...)

	var total uint64
	for _, c := range newChunks {
		total += uint64(c.Size)
	}

	o.setHandle(header.ObjectHandle{Size: total, Chunks: newChunks})
	o.repo.mgr.MarkDirty()

	o.pending = nil
	o.writing = false
	o.chunker.Reset()
	return nil
}

// Seek implements §4.5.5, including the preserved non-standard
// SeekEnd convention (see the SeekEnd doc comment). It always flushes
// first: the chunker's buffered state is tied to the position the
// current write sequence began at, so changing position without
// flushing would corrupt the pending splice.
func (o *Object) Seek(offset int64, origin SeekOrigin) (uint64, error) {
	if err := o.Flush(); err != nil {
		return 0, err
	}

	size := o.handle().Size
	var target int64
	switch origin {
	case SeekStart:
		target = offset
	case SeekCurrent:
		target = int64(o.position) + offset
	case SeekEnd:
		if offset < 0 {
			return 0, newErr(KindInvalidInput, "seek", "negative SeekEnd offset", nil)
		}
		target = int64(size) - offset
	default:
		return 0, newErr(KindInvalidInput, "seek", "unknown seek origin", nil)
	}

	if target < 0 || uint64(target) > size {
		return 0, newErr(KindInvalidInput, "seek", "result out of range", nil)
	}
	o.position = uint64(target)
	return o.position, nil
}

// Truncate implements §4.5.6. Truncating to a length at or beyond the
// current size is a no-op, which is what makes repeated truncate(n)
// calls idempotent.
func (o *Object) Truncate(newLen uint64) error {
	h := o.handle()
	if newLen >= h.Size {
		return nil
	}
	if err := o.Flush(); err != nil {
		return err
	}

	o.position = newLen
	loc := o.currentLocation()
	h = o.handle()

	var replacement []chunk.Chunk
	if loc.index < len(h.Chunks) {
		plain, err := o.readChunkPlaintext(loc.index)
		if err != nil {
			return err
		}
		rel := o.relativePosition(loc)
		if rel > int64(len(plain)) {
			rel = int64(len(plain))
		}
		if rel > 0 {
			c, err := o.repo.cs.WriteChunk(o.ctx, o.repo.mgr.Current().ChunkRefs, plain[:rel])
			if err != nil {
				return newErr(KindIO, "truncate", "chunk store failed", err)
			}
			replacement = append(replacement, c)
		}
	}

	for _, c := range h.Chunks[loc.index:] {
		_ = o.repo.cs.Unref(o.repo.mgr.Current().ChunkRefs, c.Hash)
	}

	newChunks := make([]chunk.Chunk, 0, loc.index+len(replacement))
	newChunks = append(newChunks, h.Chunks[:loc.index]...)
	newChunks = append(newChunks, replacement...)

	var total uint64
	for _, c := range newChunks {
		total += uint64(c.Size)
	}
	o.setHandle(header.ObjectHandle{Size: total, Chunks: newChunks})
	o.repo.mgr.MarkDirty()
	return nil
}

// Verify implements §4.5.8: it reads and reverifies every chunk
// without mutating any state, returning false on the first chunk
// whose stored bytes decode to a payload with a differing hash.
func (o *Object) Verify() (bool, error) {
	h := o.handle()
	refs := o.repo.mgr.Current().ChunkRefs
	for _, c := range h.Chunks {
		plain, err := o.repo.cs.ReadChunk(o.ctx, refs, c.Hash)
		if err != nil {
			return false, nil
		}
		if hash.New().Sum(plain) != c.Hash {
			return false, nil
		}
	}
	return true, nil
}

// Close performs a best-effort Flush, swallowing errors per §4.5.7,
// and releases this Repository's exclusive object slot. Callers that
// must observe a write error should call Flush explicitly first.
func (o *Object) Close() error {
	if o.closed {
		return nil
	}
	_ = o.Flush()
	o.closed = true
	o.repo.objectOpen = false
	return nil
}
