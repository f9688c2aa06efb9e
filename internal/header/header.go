package header

import (
	"github.com/mwatts/objectrepo/internal/blockstore"
	"github.com/mwatts/objectrepo/internal/chunk"
	"github.com/mwatts/objectrepo/internal/chunkstore"
)

// ObjectHandle is the serialized form of one key's object: its total
// plaintext size and the ordered list of chunks constituting it.
// Invariant: Size == sum of Chunks[i].Size.
type ObjectHandle struct {
	Size   uint64        `cbor:"size"`
	Chunks []chunk.Chunk `cbor:"chunks"`
}

// Header is the serialized tuple (KeyMap, ChunkRef table) that is the
// archive's root of authority. It is fully materialized in memory for
// the lifetime of a Manager.
type Header struct {
	Entries   map[string]ObjectHandle `cbor:"entries"`
	ChunkRefs chunkstore.Table        `cbor:"chunk_refs"`
}

func newHeader() *Header {
	return &Header{
		Entries:   make(map[string]ObjectHandle),
		ChunkRefs: make(chunkstore.Table),
	}
}

// clone deep-copies h so a Savepoint or rollback target cannot be
// mutated by further writes to the live header.
func (h *Header) clone() *Header {
	cp := &Header{
		Entries:   make(map[string]ObjectHandle, len(h.Entries)),
		ChunkRefs: make(chunkstore.Table, len(h.ChunkRefs)),
	}
	for k, v := range h.Entries {
		chunks := make([]chunk.Chunk, len(v.Chunks))
		copy(chunks, v.Chunks)
		cp.Entries[k] = ObjectHandle{Size: v.Size, Chunks: chunks}
	}
	for k, v := range h.ChunkRefs {
		ref := *v
		ref.BlockIDs = append([]blockstore.ID(nil), v.BlockIDs...)
		cp.ChunkRefs[k] = &ref
	}
	return cp
}
