// Package blockstore defines the Block Store contract: fixed-size,
// content-addressed blob I/O keyed by an opaque 128-bit ID. It is the
// only boundary the core crosses into a concrete backend; this package
// ships a single in-memory reference implementation used to drive the
// core and its tests, matching the "interfaces only" framing of the
// archive's external backends.
//
// Grounded on internal/storage-backends/types.go's QueueBackend shape
// (ctx-qualified methods, a Health/Stats-style companion, idempotent
// verbs) from the teacher, generalized from a job queue to block I/O.
package blockstore

import (
	"context"

	"github.com/google/uuid"
)

// ID is an opaque 128-bit block identifier generated by the core.
type ID [16]byte

// NewID returns a fresh, randomly generated block ID.
func NewID() ID {
	return ID(uuid.New())
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the zero value, used for the reserved
// well-known IDs below.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Reserved, well-known IDs allocated at repository creation and never
// reassigned. Superblock holds the current header manifest pointer;
// Metadata holds the immutable repository metadata block.
var (
	Superblock = ID{}
	Metadata   = ID{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01}
)

// Store is the contract any backend must satisfy. Implementations
// guarantee durability on a successful WriteBlock return; the core
// never assumes ordering between separate WriteBlock calls.
type Store interface {
	// WriteBlock persists data under id. Overwriting an existing id
	// with identical bytes is a semantic no-op.
	WriteBlock(ctx context.Context, id ID, data []byte) error

	// ReadBlock returns the bytes stored under id. ok is false when
	// the block is absent; absence is not an error.
	ReadBlock(ctx context.Context, id ID) (data []byte, ok bool, err error)

	// RemoveBlock deletes id. Removing an absent id is a no-op.
	RemoveBlock(ctx context.Context, id ID) error

	// ListBlocks returns the IDs currently known to the backend. The
	// result is restartable: callers needing a fresh view call again.
	// It may transiently miss or include blocks mutated concurrently
	// with the call, but repeated calls eventually converge.
	ListBlocks(ctx context.Context) ([]ID, error)
}
