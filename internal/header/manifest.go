package header

import "github.com/mwatts/objectrepo/internal/blockstore"

// manifest lists the ordered blocks holding one codec-encoded header
// payload. It mirrors the split between Header and HeaderAddress in
// the source archive format: the header's content is separated from
// the bookkeeping describing where it lives, which is what lets the
// garbage collector compute the header's own reachable block set
// without re-deriving it from scratch.
type manifest struct {
	BlockIDs []blockstore.ID `cbor:"block_ids"`
}
