package cache

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/ptolstoi/ntypool/errors"
	"github.com/ptolstoi/ntypool/metric"
	"github.com/ptolstoi/ntypool/nty"
)

func entryFor(name string, payload []byte) nty.Entry {
	return nty.Entry{
		Name:   name,
		First:  0,
		Count:  1,
		Size:   uint64(len(payload)),
		Digest: nty.Sum(payload),
	}
}

func descriptor(name string, volume uint32) *Descriptor {
	payload := []byte("payload of " + name)
	return NewDescriptor(name, volume, entryFor(name, payload), WithPayload(payload))
}

func TestStoreGetPut(t *testing.T) {
	store := NewStore("volume:1", nil)

	_, found := store.GetByName("opening_scroll_b.png")
	assert.False(t, found)
	assert.Equal(t, 0, store.Size())

	d := descriptor("opening_scroll_b.png", 1)
	require.NoError(t, store.Put("opening_scroll_b.png", d))

	got, found := store.GetByName("opening_scroll_b.png")
	require.True(t, found)
	assert.Same(t, d, got)
	assert.Equal(t, 1, store.Size())
}

func TestStorePutReplaces(t *testing.T) {
	store := NewStore(ScopeGlobal, nil)
	first := descriptor("a", 1)
	second := descriptor("a", 2)

	require.NoError(t, store.Put("a", first))
	require.NoError(t, store.Put("a", second))

	got, _ := store.GetByName("a")
	assert.Same(t, second, got)
	assert.Equal(t, 1, store.Size())
}

func TestStoreRejectsInvalidDescriptors(t *testing.T) {
	store := NewStore("volume:1", nil)

	corrupt := NewDescriptor("a", 1, entryFor("a", []byte("expected")), WithPayload([]byte("tampered")))
	noSegments := NewDescriptor("b", 1, nty.Entry{Name: "b"})

	tests := []struct {
		name string
		key  string
		d    *Descriptor
	}{
		{"nil", "x", nil},
		{"digest mismatch", "a", corrupt},
		{"no segments", "b", noSegments},
		{"name mismatch", "other", descriptor("c", 1)},
		{"unnamed", "", NewDescriptor("", 1, nty.Entry{Count: 1})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Put(tt.key, tt.d)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrValidation))
		})
	}
	assert.Equal(t, 0, store.Size())
	assert.False(t, corrupt.Valid())
}

func TestDescriptorWithoutPayload(t *testing.T) {
	d := NewDescriptor("a", 3, nty.Entry{Name: "a", Count: 2, Size: 1 << 20, Shareable: true})

	require.NoError(t, d.Validate())
	_, retained := d.Payload()
	assert.False(t, retained)
	assert.True(t, d.Shareable())
	assert.Equal(t, uint32(3), d.VolumeID())
	assert.Equal(t, uint64(1<<20), d.Size())
	assert.False(t, d.Created().IsZero())
}

func TestStoreRemoval(t *testing.T) {
	store := NewStore(ScopeGlobal, nil)
	for i, name := range []string{"c", "a", "b", "d"} {
		require.NoError(t, store.Put(name, descriptor(name, uint32(i%2))))
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, store.Names())

	assert.True(t, store.Remove("a"))
	assert.False(t, store.Remove("a"))

	// a and d were loaded by volume 1, a is already gone
	assert.Equal(t, 1, store.RemoveVolume(1))
	assert.Equal(t, []string{"b", "c"}, store.Names())

	var seen []string
	store.Each(func(d *Descriptor) bool {
		seen = append(seen, d.Name())
		return false
	})
	assert.Equal(t, []string{"b"}, seen)

	store.Clear()
	assert.Equal(t, 0, store.Size())
}

func TestStoreRemoveDescriptorKeepsReplacement(t *testing.T) {
	m := metric.Nop()
	store := NewStore(ScopeGlobal, m)

	old := descriptor("guild_crest.dds", 1)
	require.NoError(t, store.Put("guild_crest.dds", old))
	held, ok := store.Peek("guild_crest.dds")
	require.True(t, ok)
	assert.Same(t, old, held)

	newer := descriptor("guild_crest.dds", 2)
	require.NoError(t, store.Put("guild_crest.dds", newer))
	assert.False(t, store.RemoveDescriptor(old))
	assert.True(t, store.Has("guild_crest.dds"))

	assert.True(t, store.RemoveDescriptor(newer))
	assert.False(t, store.Has("guild_crest.dds"))

	// Peek is not a lookup
	assert.Equal(t, 0, testutil.CollectAndCount(m.TierLookups))
}

func TestStoreMetrics(t *testing.T) {
	m := metric.Nop()
	store := NewStore("volume:7", m)

	store.GetByName("a")
	require.NoError(t, store.Put("a", descriptor("a", 7)))
	store.GetByName("a")
	_ = store.Put("b", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TierLookups.WithLabelValues("volume:7", metric.ResultMiss)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TierLookups.WithLabelValues("volume:7", metric.ResultHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TierPuts.WithLabelValues("volume:7")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TierRejects.WithLabelValues("volume:7")))
}

func TestStoreConcurrentAccess(t *testing.T) {
	store := NewStore(ScopeGlobal, nil)
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				name := fmt.Sprintf("asset-%d-%d", w, i)
				assert.NoError(t, store.Put(name, descriptor(name, uint32(w))))
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				store.GetByName(fmt.Sprintf("asset-0-%d", i))
				store.Size()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 400, store.Size())
}
