package header

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/mwatts/objectrepo/internal/blockstore"
	"github.com/mwatts/objectrepo/internal/codec"
)

// FormatVersion identifies the on-disk layout this package writes and
// reads. It is checked on every Open; a mismatch means the archive was
// written by an incompatible version of this format.
var FormatVersion = uuid.MustParse("7c2b9e2e-2b77-4b8a-9b0b-9e6b9f0a2b11")

// Metadata is immutable after repository creation: the repository
// identity, chunker and codec parameters, and the key material needed
// to unlock the repository. It is stored unencrypted (but still
// behind the fixed Metadata block, not attacker-writable without also
// controlling the backend) because the key derivation parameters and
// salt must be readable before any key exists to decrypt anything —
// the wrapped master key inside it is the only secret, and it is
// itself AEAD-sealed under the password-derived key.
type Metadata struct {
	RepositoryID  uuid.UUID       `cbor:"repository_id"`
	FormatVersion uuid.UUID       `cbor:"format_version"`
	ChunkerBits   int             `cbor:"chunker_bits"`
	BlockSize     int             `cbor:"block_size"`
	Codec         codec.Options   `cbor:"codec"`
	KDFSalt       []byte          `cbor:"kdf_salt"`
	KDFParams     codec.KDFParams `cbor:"kdf_params"`
	WrappedKey    []byte          `cbor:"wrapped_key"`
	CreatedAt     time.Time       `cbor:"created_at"`
}

// ReadMetadata loads the repository's metadata block. ok is false if
// no repository has been created yet at this backend.
func ReadMetadata(ctx context.Context, bs blockstore.Store) (Metadata, bool, error) {
	var meta Metadata
	data, ok, err := bs.ReadBlock(ctx, blockstore.Metadata)
	if err != nil {
		return meta, false, fmt.Errorf("header: read metadata block: %w", err)
	}
	if !ok {
		return meta, false, nil
	}
	if err := cbor.Unmarshal(data, &meta); err != nil {
		return meta, false, fmt.Errorf("header: decode metadata: %w", err)
	}
	return meta, true, nil
}

// WriteMetadata persists meta to the fixed Metadata block. Called
// exactly once, at repository creation.
func WriteMetadata(ctx context.Context, bs blockstore.Store, meta Metadata) error {
	data, err := cbor.Marshal(meta)
	if err != nil {
		return fmt.Errorf("header: encode metadata: %w", err)
	}
	if err := bs.WriteBlock(ctx, blockstore.Metadata, data); err != nil {
		return fmt.Errorf("header: write metadata block: %w", err)
	}
	return nil
}
