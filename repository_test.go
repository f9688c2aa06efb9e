// Copyright 2025 James Ross
package objectrepo

import (
	"bytes"
	"context"
	"testing"

	"github.com/mwatts/objectrepo/internal/blockstore"
)

func openRepo(t *testing.T, bs blockstore.Store) *Repository {
	t.Helper()
	repo, err := Open(context.Background(), bs, Options{Flags: FlagCreate, Password: []byte("hunter2")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return repo
}

func writeAll(t *testing.T, obj *Object, data []byte) {
	t.Helper()
	n, err := obj.Write(data)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(data) {
		t.Fatalf("Write returned %d, want %d", n, len(data))
	}
}

func readAll(t *testing.T, obj *Object) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := obj.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if n == 0 {
			break
		}
		out = append(out, buf[:n]...)
	}
	return out
}

// S1 — basic round-trip through a commit and reopen.
func TestBasicRoundTrip(t *testing.T) {
	ctx := context.Background()
	bs := blockstore.NewMemory()
	repo := openRepo(t, bs)

	payload := bytes.Repeat([]byte{0xAB}, 10000)
	obj, err := repo.Insert(ctx, "a")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	writeAll(t, obj, payload)
	if err := obj.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := repo.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reopened, err := Open(ctx, bs, Options{Password: []byte("hunter2")})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if data := readAll(t, got); !bytes.Equal(data, payload) {
		t.Fatalf("round-trip mismatch: got %d bytes, want %d", len(data), len(payload))
	}
}

// S2 — storing identical content under two keys deduplicates to one
// copy's worth of stored chunk bytes.
func TestDeduplication(t *testing.T) {
	ctx := context.Background()
	bs := blockstore.NewMemory()
	repo := openRepo(t, bs)

	payload := bytes.Repeat([]byte{0x00}, 1<<20)

	a, err := repo.Insert(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	writeAll(t, a, payload)
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}

	b, err := repo.Insert(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	writeAll(t, b, payload)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	if err := repo.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	hdr := repo.mgr.Committed()
	ea, eb := hdr.Entries["a"], hdr.Entries["b"]
	if len(ea.Chunks) != len(eb.Chunks) {
		t.Fatalf("chunk counts differ: a=%d b=%d", len(ea.Chunks), len(eb.Chunks))
	}
	for i := range ea.Chunks {
		if ea.Chunks[i].Hash != eb.Chunks[i].Hash {
			t.Fatalf("chunk %d differs between identical-content keys", i)
		}
		// Every write of a known chunk bumps its refcount, so a chunk that
		// repeats inside one object (constant input cuts into identical
		// chunks) is counted once per occurrence, in each of the two keys.
		var occurrences int64
		for _, c := range ea.Chunks {
			if c.Hash == ea.Chunks[i].Hash {
				occurrences++
			}
		}
		if ref := hdr.ChunkRefs[ea.Chunks[i].Hash]; ref.RefCount != 2*occurrences {
			t.Fatalf("chunk %d refcount = %d, want %d", i, ref.RefCount, 2*occurrences)
		}
	}

	if err := repo.Clean(ctx); err != nil {
		t.Fatalf("Clean: %v", err)
	}
}

// S3 — overwrite in the middle of an existing object.
func TestOverwriteInMiddle(t *testing.T) {
	ctx := context.Background()
	bs := blockstore.NewMemory()
	repo := openRepo(t, bs)

	obj, err := repo.Insert(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	writeAll(t, obj, []byte("HelloWorld"))
	if err := obj.Flush(); err != nil {
		t.Fatal(err)
	}

	if _, err := obj.Seek(5, SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	writeAll(t, obj, []byte("XXXXX"))
	if err := obj.Flush(); err != nil {
		t.Fatal(err)
	}

	if _, err := obj.Seek(0, SeekStart); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, obj); string(got) != "HelloXXXXX" {
		t.Fatalf("got %q, want %q", got, "HelloXXXXX")
	}
	if err := obj.Close(); err != nil {
		t.Fatal(err)
	}
}

// S4 — savepoint rollback / redo.
func TestSavepointRollbackRedo(t *testing.T) {
	ctx := context.Background()
	bs := blockstore.NewMemory()
	repo := openRepo(t, bs)

	obj, err := repo.Insert(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	writeAll(t, obj, []byte("A"))
	if err := obj.Close(); err != nil {
		t.Fatal(err)
	}

	sp1 := repo.Savepoint()

	obj, err = repo.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := obj.Seek(0, SeekStart); err != nil {
		t.Fatal(err)
	}
	writeAll(t, obj, []byte("B"))
	if err := obj.Close(); err != nil {
		t.Fatal(err)
	}

	sp2 := repo.Savepoint()

	if !repo.Restore(sp1) {
		t.Fatal("Restore(sp1) should succeed")
	}
	obj, err = repo.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, obj); string(got) != "A" {
		t.Fatalf("after restore(sp1): got %q, want %q", got, "A")
	}
	if err := obj.Close(); err != nil {
		t.Fatal(err)
	}

	if !repo.Restore(sp2) {
		t.Fatal("Restore(sp2) should succeed")
	}
	obj, err = repo.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, obj); string(got) != "B" {
		t.Fatalf("after restore(sp2): got %q, want %q", got, "B")
	}
	if err := obj.Close(); err != nil {
		t.Fatal(err)
	}

	if err := repo.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if sp1.IsValid() || sp2.IsValid() {
		t.Fatal("both savepoints must be invalid after commit")
	}
}

// superblockFailer wraps a Store and fails exactly the WriteBlock
// calls targeting the reserved superblock ID, regardless of how many
// other blocks were written first. This isolates crash-atomicity
// testing from the incidental number of data/header blocks a given
// payload happens to produce.
type superblockFailer struct {
	blockstore.Store
	fired bool
}

func (f *superblockFailer) WriteBlock(ctx context.Context, id blockstore.ID, data []byte) error {
	if id == blockstore.Superblock {
		f.fired = true
		return blockstore.ErrInjected
	}
	return f.Store.WriteBlock(ctx, id, data)
}

// S5 — crash before the superblock write: reopening observes the
// previous committed state, and Clean reclaims the orphaned blocks.
func TestCrashBeforeSuperblockCommit(t *testing.T) {
	ctx := context.Background()
	raw := blockstore.NewMemory()
	repo, err := Open(ctx, raw, Options{Flags: FlagCreate, Password: []byte("hunter2")})
	if err != nil {
		t.Fatal(err)
	}

	obj, err := repo.Insert(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	writeAll(t, obj, []byte("pre-crash state"))
	if err := obj.Close(); err != nil {
		t.Fatal(err)
	}
	if err := repo.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	// Reclaim the header blocks superseded by this commit first, so the
	// baseline holds only blocks reachable from the committed state.
	if err := repo.Clean(ctx); err != nil {
		t.Fatal(err)
	}
	before, err := raw.ListBlocks(ctx)
	if err != nil {
		t.Fatal(err)
	}

	failing := &superblockFailer{Store: raw}
	crashRepo, err := Open(ctx, failing, Options{Password: []byte("hunter2")})
	if err != nil {
		t.Fatal(err)
	}
	obj, err = crashRepo.Insert(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	writeAll(t, obj, []byte("post-crash write that never lands"))
	if err := obj.Close(); err != nil {
		t.Fatal(err)
	}
	if err := crashRepo.Commit(ctx); err == nil {
		t.Fatal("Commit should fail when the superblock write is injected-failed")
	}
	if !failing.fired {
		t.Fatal("fail injector never fired")
	}

	reopened, err := Open(ctx, raw, Options{Password: []byte("hunter2")})
	if err != nil {
		t.Fatal(err)
	}
	got, err := reopened.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if data := readAll(t, got); string(data) != "pre-crash state" {
		t.Fatalf("state after crash = %q, want pre-crash state preserved", data)
	}
	if err := got.Close(); err != nil {
		t.Fatal(err)
	}

	if err := reopened.Clean(ctx); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	after, err := raw.ListBlocks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Fatalf("orphaned blocks not reclaimed: before=%d after=%d", len(before), len(after))
	}
}

// S6 — truncate.
func TestTruncate(t *testing.T) {
	ctx := context.Background()
	bs := blockstore.NewMemory()
	repo := openRepo(t, bs)

	obj, err := repo.Insert(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	writeAll(t, obj, []byte("0123456789"))
	if err := obj.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := obj.Truncate(4); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if obj.Size() != 4 {
		t.Fatalf("Size() = %d, want 4", obj.Size())
	}
	if _, err := obj.Seek(0, SeekStart); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, obj); string(got) != "0123" {
		t.Fatalf("got %q, want %q", got, "0123")
	}

	// Truncate idempotence: truncating again to the same length is a
	// no-op that leaves the content unchanged.
	if err := obj.Truncate(4); err != nil {
		t.Fatal(err)
	}
	if obj.Size() != 4 {
		t.Fatalf("Size() after second truncate = %d, want 4", obj.Size())
	}
	if err := obj.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRemoveAndContains(t *testing.T) {
	ctx := context.Background()
	bs := blockstore.NewMemory()
	repo := openRepo(t, bs)

	obj, err := repo.Insert(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	writeAll(t, obj, []byte("x"))
	if err := obj.Close(); err != nil {
		t.Fatal(err)
	}

	if !repo.Contains("k") {
		t.Fatal("Contains should report true for an inserted key")
	}
	ok, err := repo.Remove("k")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Remove should report true for an existing key")
	}
	if repo.Contains("k") {
		t.Fatal("Contains should report false after Remove")
	}
	ok, err = repo.Remove("k")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("Remove should report false for an absent key")
	}
}

func TestOnlyOneObjectOpenAtATime(t *testing.T) {
	ctx := context.Background()
	bs := blockstore.NewMemory()
	repo := openRepo(t, bs)

	obj, err := repo.Insert(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Insert(ctx, "other"); err == nil {
		t.Fatal("a second Insert while an Object is open should fail")
	}
	if _, err := repo.Get(ctx, "k"); err == nil {
		t.Fatal("Get while an Object is open should fail")
	}
	if err := obj.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Insert(ctx, "other"); err != nil {
		t.Fatalf("Insert after Close should succeed: %v", err)
	}
}

func TestWrongPasswordOnReopen(t *testing.T) {
	ctx := context.Background()
	bs := blockstore.NewMemory()
	repo := openRepo(t, bs)
	if err := repo.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(ctx, bs, Options{Password: []byte("wrong")}); err == nil {
		t.Fatal("Open with the wrong password should fail")
	} else if kerr, ok := err.(*Error); !ok || kerr.Kind != KindWrongPassword {
		t.Fatalf("err = %v, want KindWrongPassword", err)
	}
}

func TestCreateNewFailsIfExists(t *testing.T) {
	ctx := context.Background()
	bs := blockstore.NewMemory()
	repo := openRepo(t, bs)
	if err := repo.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := Open(ctx, bs, Options{Flags: FlagCreateNew, Password: []byte("hunter2")})
	if err == nil {
		t.Fatal("CreateNew on an existing repository should fail")
	}
	if kerr, ok := err.(*Error); !ok || kerr.Kind != KindAlreadyExists {
		t.Fatalf("err = %v, want KindAlreadyExists", err)
	}
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	bs := blockstore.NewMemory()
	repo := openRepo(t, bs)

	obj, err := repo.Insert(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	writeAll(t, obj, bytes.Repeat([]byte("verify-me"), 500))
	if err := obj.Flush(); err != nil {
		t.Fatal(err)
	}
	ok, err := obj.Verify()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Verify should report true for untampered chunks")
	}
	if err := obj.Close(); err != nil {
		t.Fatal(err)
	}
}
