package nty

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Manifest names the assets stored in a container. It is stored as CBOR
// after the segment table.
type Manifest struct {
	BuildID uint32  `cbor:"build_id"`
	Entries []Entry `cbor:"entries"`
}

// Entry maps an asset name to the consecutive segments holding it.
type Entry struct {
	Name      string `cbor:"name"`
	Title     string `cbor:"title,omitempty"`
	First     uint32 `cbor:"first"`
	Count     uint32 `cbor:"count"`
	Size      uint64 `cbor:"size"`
	Digest    Digest `cbor:"digest"`
	Shareable bool   `cbor:"shareable,omitempty"`
}

var (
	manifestEncMode cbor.EncMode
	manifestDecMode cbor.DecMode
)

func init() {
	var err error
	manifestEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("nty: CBOR encoder initialization failed: " + err.Error())
	}
	manifestDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("nty: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeManifest(m *Manifest) ([]byte, error) {
	return manifestEncMode.Marshal(m)
}

func decodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := manifestDecMode.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// check verifies that every entry refers to segments of the chain and
// that names are unique.
func (m *Manifest) check(chain *SegmentChain) error {
	seen := make(map[string]struct{}, len(m.Entries))
	for i, e := range m.Entries {
		if e.Name == "" {
			return fmt.Errorf("manifest entry %d has no name", i)
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("manifest entry %q appears twice", e.Name)
		}
		seen[e.Name] = struct{}{}
		if !chain.Contains(int(e.First), int(e.Count)) {
			return fmt.Errorf("manifest entry %q references segments %d+%d of %d",
				e.Name, e.First, e.Count, chain.Len())
		}
	}
	return nil
}
