package chunkstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/mwatts/objectrepo/internal/blockstore"
	"github.com/mwatts/objectrepo/internal/codec"
	"github.com/mwatts/objectrepo/internal/hash"
)

func newStore(t *testing.T) (*Store, blockstore.Store, *[codec.KeySize]byte) {
	t.Helper()
	c, err := codec.New(codec.Options{Compress: true, Encrypt: true})
	if err != nil {
		t.Fatal(err)
	}
	var key [codec.KeySize]byte
	rand.Read(key[:])
	bs := blockstore.NewMemory()
	return New(bs, hash.New(), c, &key, 64), bs, &key
}

func TestWriteReadChunkRoundTrip(t *testing.T) {
	s, _, _ := newStore(t)
	table := make(Table)
	ctx := context.Background()

	plain := []byte("some chunk of content, long enough to span a couple of blocks maybe")
	desc, err := s.WriteChunk(ctx, table, plain)
	if err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	got, err := s.ReadChunk(ctx, table, desc.Hash)
	if err != nil {
		t.Fatalf("ReadChunk: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("ReadChunk = %q, want %q", got, plain)
	}
	if table[desc.Hash].RefCount != 1 {
		t.Fatalf("RefCount = %d, want 1", table[desc.Hash].RefCount)
	}
}

func TestWriteChunkDeduplicates(t *testing.T) {
	s, bs, _ := newStore(t)
	table := make(Table)
	ctx := context.Background()

	plain := []byte("duplicate me")
	d1, err := s.WriteChunk(ctx, table, plain)
	if err != nil {
		t.Fatal(err)
	}
	blocksAfterFirst, _ := bs.ListBlocks(ctx)

	d2, err := s.WriteChunk(ctx, table, plain)
	if err != nil {
		t.Fatal(err)
	}
	if d1.Hash != d2.Hash {
		t.Fatal("identical content produced different hashes")
	}
	if table[d1.Hash].RefCount != 2 {
		t.Fatalf("RefCount after second write = %d, want 2", table[d1.Hash].RefCount)
	}

	blocksAfterSecond, _ := bs.ListBlocks(ctx)
	if len(blocksAfterSecond) != len(blocksAfterFirst) {
		t.Fatalf("duplicate write created new blocks: %d -> %d", len(blocksAfterFirst), len(blocksAfterSecond))
	}
}

func TestRefMissingHashNotFound(t *testing.T) {
	s, _, _ := newStore(t)
	table := make(Table)
	var missing hash.Sum
	if err := s.Ref(table, missing); !errors.Is(err, ErrChunkNotFound) {
		t.Fatalf("Ref on missing hash: err = %v, want ErrChunkNotFound", err)
	}
}

func TestReadChunkCorruptDetectsTamper(t *testing.T) {
	s, bs, _ := newStore(t)
	table := make(Table)
	ctx := context.Background()

	plain := []byte("integrity matters")
	desc, err := s.WriteChunk(ctx, table, plain)
	if err != nil {
		t.Fatal(err)
	}

	ref := table[desc.Hash]
	for _, id := range ref.BlockIDs {
		if err := bs.WriteBlock(ctx, id, []byte("corrupted bytes, wrong length entirely")); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.ReadChunk(ctx, table, desc.Hash); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("ReadChunk after tamper: err = %v, want ErrCorrupt", err)
	}
}

func TestTableCBORRoundTrip(t *testing.T) {
	table := Table{
		hash.New().Sum([]byte("a")): {BlockIDs: []blockstore.ID{blockstore.NewID()}, StoredSize: 10, RefCount: 2},
		hash.New().Sum([]byte("b")): {BlockIDs: []blockstore.ID{blockstore.NewID(), blockstore.NewID()}, StoredSize: 20, RefCount: 1},
	}
	data, err := table.MarshalCBOR()
	if err != nil {
		t.Fatalf("MarshalCBOR: %v", err)
	}
	var decoded Table
	if err := decoded.UnmarshalCBOR(data); err != nil {
		t.Fatalf("UnmarshalCBOR: %v", err)
	}
	if len(decoded) != len(table) {
		t.Fatalf("decoded table has %d entries, want %d", len(decoded), len(table))
	}
	for sum, ref := range table {
		got, ok := decoded[sum]
		if !ok {
			t.Fatalf("missing entry for %s after round trip", sum)
		}
		if got.RefCount != ref.RefCount || got.StoredSize != ref.StoredSize || len(got.BlockIDs) != len(ref.BlockIDs) {
			t.Fatalf("entry for %s mismatched after round trip: got %+v, want %+v", sum, got, ref)
		}
	}
}
