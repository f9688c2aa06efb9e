// Copyright 2025 James Ross
package objectrepo

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"iter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mwatts/objectrepo/internal/blockstore"
	"github.com/mwatts/objectrepo/internal/chunk"
	"github.com/mwatts/objectrepo/internal/chunkstore"
	"github.com/mwatts/objectrepo/internal/codec"
	"github.com/mwatts/objectrepo/internal/gc"
	"github.com/mwatts/objectrepo/internal/hash"
	"github.com/mwatts/objectrepo/internal/header"
	"github.com/mwatts/objectrepo/internal/obs"
)

// OpenFlag enumerates repository opening options.
type OpenFlag int

const (
	// FlagCreate creates a new repository if none exists; opening an
	// existing one succeeds too.
	FlagCreate OpenFlag = 1 << iota
	// FlagCreateNew creates a new repository and fails if one already
	// exists (ErrAlreadyExists).
	FlagCreateNew
	// FlagTruncate deletes all existing blocks after opening,
	// including the previous repository's identity and key material;
	// the repository is reinitialized as if freshly created.
	FlagTruncate
)

// Options configures Open. ChunkConfig, Codec, and KDFParams are only
// honored at creation time; reopening an existing repository always
// uses the parameters recorded in its metadata. Of ChunkConfig only
// AvgSize is recorded, as a bit count (rounded up to a power of two);
// the min and max chunk sizes are derived from it, so
// ChunkConfig.MinSize and ChunkConfig.MaxSize are not used.
type Options struct {
	Flags       OpenFlag
	Password    []byte
	ChunkConfig chunk.Config
	Codec       codec.Options
	KDFParams   codec.KDFParams
	BlockSize   int
	Logger      *zap.Logger
}

// Info describes a repository's identity and immutable parameters.
type Info struct {
	ID          uuid.UUID
	CreatedAt   time.Time
	ChunkerBits int
	Compression bool
	Encryption  bool
}

// Repository is the exclusive owner of a content-addressed archive's
// KeyMap and chunk reference table. At most one Object may be open
// against it at a time.
type Repository struct {
	bs         blockstore.Store
	mgr        *header.Manager
	cs         *chunkstore.Store
	codec      *codec.Codec
	key        [codec.KeySize]byte
	meta       header.Metadata
	chunkerCfg chunk.Config
	logger     *zap.Logger
	objectOpen bool
}

// Open opens or creates a repository backed by bs, per opts.Flags.
func Open(ctx context.Context, bs blockstore.Store, opts Options) (*Repository, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = 4096
	}

	meta, exists, err := header.ReadMetadata(ctx, bs)
	if err != nil {
		return nil, newErr(KindIO, "open", "read metadata", err)
	}

	truncated := false
	if opts.Flags&FlagTruncate != 0 && exists {
		ids, err := bs.ListBlocks(ctx)
		if err != nil {
			return nil, newErr(KindIO, "open", "list blocks for truncate", err)
		}
		for _, id := range ids {
			if err := bs.RemoveBlock(ctx, id); err != nil {
				return nil, newErr(KindIO, "open", "remove block for truncate", err)
			}
		}
		exists = false
		truncated = true
	}

	if exists && opts.Flags&FlagCreateNew != 0 {
		return nil, newErr(KindAlreadyExists, "open", "repository already exists", nil)
	}
	if !exists && !truncated && opts.Flags&(FlagCreate|FlagCreateNew) == 0 {
		return nil, newErr(KindNotFound, "open", "repository does not exist; pass FlagCreate or FlagCreateNew", nil)
	}

	if !exists {
		return create(ctx, bs, opts, logger, blockSize)
	}
	return open(ctx, bs, meta, opts, logger)
}

func create(ctx context.Context, bs blockstore.Store, opts Options, logger *zap.Logger, blockSize int) (*Repository, error) {
	chunkCfg := opts.ChunkConfig
	if chunkCfg == (chunk.Config{}) {
		chunkCfg = chunk.DefaultConfig
	}
	codecOpts := opts.Codec
	kdfParams := opts.KDFParams
	if kdfParams == (codec.KDFParams{}) {
		kdfParams = codec.DefaultKDFParams
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, newErr(KindIO, "open", "generate salt", err)
	}
	var masterKey [codec.KeySize]byte
	if _, err := io.ReadFull(rand.Reader, masterKey[:]); err != nil {
		return nil, newErr(KindIO, "open", "generate master key", err)
	}
	kek := codec.DeriveKey(opts.Password, salt, kdfParams)
	wrapped, err := codec.WrapKey(kek, masterKey)
	if err != nil {
		return nil, newErr(KindIO, "open", "wrap master key", err)
	}

	meta := header.Metadata{
		RepositoryID:  uuid.New(),
		FormatVersion: header.FormatVersion,
		ChunkerBits:   chunkCfg.Bits(),
		BlockSize:     blockSize,
		Codec:         codecOpts,
		KDFSalt:       salt,
		KDFParams:     kdfParams,
		WrappedKey:    wrapped,
		CreatedAt:     time.Now(),
	}
	if err := header.WriteMetadata(ctx, bs, meta); err != nil {
		return nil, newErr(KindIO, "open", "write metadata", err)
	}

	cod, err := codec.New(codecOpts)
	if err != nil {
		return nil, newErr(KindIO, "open", "init codec", err)
	}

	mgr := header.New(bs, cod, &masterKey, blockSize)
	if err := mgr.Commit(ctx); err != nil {
		return nil, newErr(KindIO, "open", "commit initial header", err)
	}

	logger.Info("repository created", obs.String("id", meta.RepositoryID.String()))

	return &Repository{
		bs:         bs,
		mgr:        mgr,
		cs:         chunkstore.New(bs, hash.New(), cod, &masterKey, blockSize),
		codec:      cod,
		key:        masterKey,
		meta:       meta,
		chunkerCfg: expandChunkConfig(meta.ChunkerBits),
		logger:     logger,
	}, nil
}

func open(ctx context.Context, bs blockstore.Store, meta header.Metadata, opts Options, logger *zap.Logger) (*Repository, error) {
	kek := codec.DeriveKey(opts.Password, meta.KDFSalt, meta.KDFParams)
	masterKey, err := codec.UnwrapKey(kek, meta.WrappedKey)
	if err != nil {
		return nil, newErr(KindWrongPassword, "open", "wrong password or corrupt key material", err)
	}

	cod, err := codec.New(meta.Codec)
	if err != nil {
		return nil, newErr(KindIO, "open", "init codec", err)
	}

	mgr, _, err := header.Open(ctx, bs, cod, &masterKey, meta.BlockSize)
	if err != nil {
		return nil, wrapHeaderErr("open", err)
	}

	logger.Info("repository opened", obs.String("id", meta.RepositoryID.String()))

	return &Repository{
		bs:         bs,
		mgr:        mgr,
		cs:         chunkstore.New(bs, hash.New(), cod, &masterKey, meta.BlockSize),
		codec:      cod,
		key:        masterKey,
		meta:       meta,
		chunkerCfg: expandChunkConfig(meta.ChunkerBits),
		logger:     logger,
	}, nil
}

func expandChunkConfig(bits int) chunk.Config {
	avg := 1 << bits
	min := avg / 4
	if min < 64 {
		min = 64
	}
	return chunk.Config{MinSize: min, MaxSize: avg * 4, AvgSize: avg}
}

func wrapHeaderErr(op string, err error) error {
	switch {
	case errors.Is(err, header.ErrWrongPassword):
		return newErr(KindWrongPassword, op, "header did not decrypt", err)
	case errors.Is(err, header.ErrUnsupportedFormat):
		return newErr(KindUnsupportedFormat, op, "format version mismatch", err)
	case errors.Is(err, header.ErrDeserialize):
		return newErr(KindDeserialize, op, "header deserialize failed", err)
	case errors.Is(err, header.ErrSerialize):
		return newErr(KindSerialize, op, "header serialize failed", err)
	default:
		return newErr(KindIO, op, "backend failure", err)
	}
}

// Insert creates or replaces the object at key and returns an
// exclusive handle to it. If key already held an object, its chunks'
// reference counts are decremented (but not reclaimed until Clean).
func (r *Repository) Insert(ctx context.Context, key string) (*Object, error) {
	if r.objectOpen {
		return nil, newErr(KindInvalidInput, "insert", "another object is already open on this repository", nil)
	}
	hdr := r.mgr.Current()
	if old, exists := hdr.Entries[key]; exists {
		for _, c := range old.Chunks {
			_ = r.cs.Unref(hdr.ChunkRefs, c.Hash)
		}
	}
	hdr.Entries[key] = header.ObjectHandle{}
	r.mgr.MarkDirty()
	r.objectOpen = true
	return newObject(ctx, r, key), nil
}

// Remove deletes the mapping for key, unreferencing its chunks. ok is
// false if key was not present.
func (r *Repository) Remove(key string) (bool, error) {
	if r.objectOpen {
		return false, newErr(KindInvalidInput, "remove", "an object is open on this repository", nil)
	}
	hdr := r.mgr.Current()
	h, exists := hdr.Entries[key]
	if !exists {
		return false, nil
	}
	for _, c := range h.Chunks {
		_ = r.cs.Unref(hdr.ChunkRefs, c.Hash)
	}
	delete(hdr.Entries, key)
	r.mgr.MarkDirty()
	return true, nil
}

// Get returns an exclusive handle to the object at key.
func (r *Repository) Get(ctx context.Context, key string) (*Object, error) {
	if r.objectOpen {
		return nil, newErr(KindInvalidInput, "get", "another object is already open on this repository", nil)
	}
	if _, exists := r.mgr.Current().Entries[key]; !exists {
		return nil, newErr(KindNotFound, "get", key, nil)
	}
	r.objectOpen = true
	return newObject(ctx, r, key), nil
}

// Keys iterates the keys present in the current, possibly
// uncommitted, state.
func (r *Repository) Keys() iter.Seq[string] {
	hdr := r.mgr.Current()
	return func(yield func(string) bool) {
		for k := range hdr.Entries {
			if !yield(k) {
				return
			}
		}
	}
}

// Contains reports whether key is present in the current state.
func (r *Repository) Contains(key string) bool {
	_, ok := r.mgr.Current().Entries[key]
	return ok
}

// Commit publishes the current in-memory state as a new durable
// archive header. It fails if an Object is still open; close it
// first.
func (r *Repository) Commit(ctx context.Context) error {
	if r.objectOpen {
		return newErr(KindInvalidInput, "commit", "an object is still open", nil)
	}
	if err := r.mgr.Commit(ctx); err != nil {
		return wrapHeaderErr("commit", err)
	}
	r.logger.Info("commit", obs.Int("keys", len(r.mgr.Current().Entries)))
	return nil
}

// Rollback discards all changes since the last commit. Any open
// Object is implicitly abandoned.
func (r *Repository) Rollback() {
	r.mgr.Rollback()
	r.objectOpen = false
	r.logger.Info("rollback")
}

// Savepoint captures the current state as a restore target.
func (r *Repository) Savepoint() *Savepoint {
	return &Savepoint{sp: r.mgr.Savepoint()}
}

// Restore replaces the current state with sp's snapshot. Returns
// false, without mutating anything, if sp is no longer valid.
func (r *Repository) Restore(sp *Savepoint) bool {
	ok := r.mgr.Restore(sp.sp)
	if ok {
		r.objectOpen = false
	}
	return ok
}

// Clean runs garbage collection against the last committed header. It
// fails if there are uncommitted changes.
func (r *Repository) Clean(ctx context.Context) error {
	if r.objectOpen {
		return newErr(KindInvalidInput, "clean", "an object is open on this repository", nil)
	}
	stats, err := gc.Run(ctx, r.bs, r.mgr)
	if err != nil {
		return newErr(KindIO, "clean", "garbage collection failed", err)
	}
	r.logger.Info("clean", obs.Int("reachable", stats.Reachable), obs.Int("removed", stats.Removed))
	return nil
}

// Info reports the repository's identity and immutable parameters.
func (r *Repository) Info() Info {
	return Info{
		ID:          r.meta.RepositoryID,
		CreatedAt:   r.meta.CreatedAt,
		ChunkerBits: r.meta.ChunkerBits,
		Compression: r.meta.Codec.Compress,
		Encryption:  r.meta.Codec.Encrypt,
	}
}

// Savepoint is a rollback (and redo) target returned by
// Repository.Savepoint. It is valid until the next Commit or
// Rollback, whichever comes first.
type Savepoint struct {
	sp *header.Savepoint
}

// IsValid reports whether this savepoint can still be restored.
func (s *Savepoint) IsValid() bool {
	return s.sp.IsValid()
}

