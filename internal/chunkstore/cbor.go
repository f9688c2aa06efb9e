package chunkstore

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/mwatts/objectrepo/internal/hash"
)

// MarshalCBOR encodes the table keyed by hex digest strings rather
// than raw hash.Sum arrays, so the wire format stays a plain CBOR map
// with string keys instead of depending on how the CBOR library
// chooses to represent a fixed-size byte array as a map key.
func (t Table) MarshalCBOR() ([]byte, error) {
	m := make(map[string]*Ref, len(t))
	for sum, ref := range t {
		m[sum.String()] = ref
	}
	return cbor.Marshal(m)
}

// UnmarshalCBOR reverses MarshalCBOR.
func (t *Table) UnmarshalCBOR(data []byte) error {
	var m map[string]*Ref
	if err := cbor.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("chunkstore: decode table: %w", err)
	}
	nt := make(Table, len(m))
	for k, ref := range m {
		sum, err := hash.ParseSum(k)
		if err != nil {
			return fmt.Errorf("chunkstore: decode table key: %w", err)
		}
		nt[sum] = ref
	}
	*t = nt
	return nil
}
