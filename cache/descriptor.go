package cache

import (
	"sync"
	"time"

	"github.com/ptolstoi/ntypool/decoder"
	errs "github.com/ptolstoi/ntypool/errors"
	"github.com/ptolstoi/ntypool/nty"
)

// Descriptor is a resolved asset: where its bytes live and, optionally, the
// decoded bytes themselves. A Descriptor is immutable once created and may
// be held by several tiers at once.
type Descriptor struct {
	name      string
	volumeID  uint32
	key       decoder.Key
	shareable bool
	payload   []byte
	retained  bool
	observed  *nty.Digest
	created   time.Time

	once sync.Once
	err  error
}

// DescriptorOption adjusts a new Descriptor.
type DescriptorOption func(*Descriptor)

// WithPayload retains the decoded bytes in the descriptor. The slice is
// owned by the descriptor from then on.
func WithPayload(payload []byte) DescriptorOption {
	return func(d *Descriptor) {
		d.payload = payload
		d.retained = true
	}
}

// WithObservedDigest records the digest of bytes that were decoded but
// not retained, so Validate can compare it with the entry.
func WithObservedDigest(digest nty.Digest) DescriptorOption {
	return func(d *Descriptor) {
		d.observed = &digest
	}
}

// NewDescriptor describes the asset name found in volume volumeID at entry.
func NewDescriptor(name string, volumeID uint32, entry nty.Entry, opts ...DescriptorOption) *Descriptor {
	d := &Descriptor{
		name:      name,
		volumeID:  volumeID,
		key:       decoder.KeyOf(entry),
		shareable: entry.Shareable,
		created:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Validate checks the descriptor once and remembers the outcome. A
// descriptor that fails validation is never inserted into a tier.
func (d *Descriptor) Validate() error {
	d.once.Do(func() {
		d.err = d.validate()
	})
	return d.err
}

func (d *Descriptor) validate() error {
	fail := func(format string, args ...any) error {
		return errs.New(errs.ErrValidation, "validate", d.name, format, args...)
	}

	if d.name == "" {
		return fail("descriptor has no name")
	}
	if d.key.Name != d.name {
		return fail("descriptor key names %q", d.key.Name)
	}
	if d.key.Count == 0 {
		return fail("descriptor references no segments")
	}
	if !d.retained {
		if d.observed != nil && !d.key.Digest.IsZero() && *d.observed != d.key.Digest {
			return fail("decoded digest mismatch")
		}
		return nil
	}
	if uint64(len(d.payload)) != d.key.Size {
		return fail("payload is %d bytes, entry records %d", len(d.payload), d.key.Size)
	}
	if !d.key.Digest.IsZero() && nty.Sum(d.payload) != d.key.Digest {
		return fail("payload digest mismatch")
	}
	return nil
}

// Valid reports whether Validate succeeds.
func (d *Descriptor) Valid() bool {
	return d.Validate() == nil
}

// Name is the asset name.
func (d *Descriptor) Name() string {
	return d.name
}

// VolumeID is the id of the volume that loaded the asset.
func (d *Descriptor) VolumeID() uint32 {
	return d.volumeID
}

// Key locates the asset for the decoder.
func (d *Descriptor) Key() decoder.Key {
	return d.key
}

// Size is the decoded size of the asset.
func (d *Descriptor) Size() uint64 {
	return d.key.Size
}

// Shareable reports whether the container allows publishing the asset to
// the global tier.
func (d *Descriptor) Shareable() bool {
	return d.shareable
}

// Payload returns the retained decoded bytes. Callers must not modify
// them.
func (d *Descriptor) Payload() ([]byte, bool) {
	return d.payload, d.retained
}

// Created is when the descriptor was built.
func (d *Descriptor) Created() time.Time {
	return d.created
}
