package pool

import (
	"bytes"

	"github.com/fxamacker/cbor/v2"
)

// AssetUnit identifies a requested asset: its name and an optional CBOR
// metadata blob. It is a value type and never changes after construction.
type AssetUnit struct {
	name     string
	metadata []byte
}

// NewAssetUnit builds a unit. metadata is copied.
func NewAssetUnit(name string, metadata []byte) AssetUnit {
	return AssetUnit{name: name, metadata: bytes.Clone(metadata)}
}

// Name is the asset name, e.g. "opening_scroll_b.png".
func (u AssetUnit) Name() string {
	return u.name
}

// Metadata returns a copy of the metadata blob.
func (u AssetUnit) Metadata() []byte {
	return bytes.Clone(u.metadata)
}

// DecodeMetadata decodes the metadata blob into v. An empty blob leaves v
// untouched.
func (u AssetUnit) DecodeMetadata(v any) error {
	if len(u.metadata) == 0 {
		return nil
	}
	return cbor.Unmarshal(u.metadata, v)
}

// EncodeMetadata encodes v for use as unit metadata.
func EncodeMetadata(v any) ([]byte, error) {
	return cbor.Marshal(v)
}
