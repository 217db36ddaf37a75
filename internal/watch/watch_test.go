package watch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptolstoi/ntypool/nty"
	"github.com/ptolstoi/ntypool/pool"
)

func TestWatcherInvalidatesChangedContainer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "base.nty")
	b := &nty.Builder{}
	require.NoError(t, b.Add("guild_crest.dds", []byte("crest")))
	require.NoError(t, b.WriteFile(path))

	other := filepath.Join(dir, "other.nty")
	require.NoError(t, b.WriteFile(other))

	p := pool.New()
	t.Cleanup(p.Terminate)
	v, err := p.AttachVolume(path, pool.VolumeOptions{})
	require.NoError(t, err)
	untouched, err := p.AttachVolume(other, pool.VolumeOptions{})
	require.NoError(t, err)

	for _, vol := range []*pool.Volume{v, untouched} {
		_, ok, err := vol.ResolveByName("guild_crest.dds")
		require.NoError(t, err)
		require.True(t, ok)
	}

	var changes atomic.Int32
	w, err := New(p, WithSettle(10*time.Millisecond), OnChange(func(changed *pool.Volume) {
		assert.Same(t, v, changed)
		changes.Add(1)
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	assert.Eventually(t, func() bool { return changes.Load() > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, v.Store().Size())
	assert.Equal(t, 1, untouched.Store().Size())

	cancel()
	require.NoError(t, <-done)
}

func writeContainer(t *testing.T, path string, assets map[string][]byte) {
	t.Helper()
	b := &nty.Builder{SegmentSize: 64}
	for name, data := range assets {
		require.NoError(t, b.Add(name, data))
	}
	tmp := path + ".tmp"
	require.NoError(t, b.WriteFile(tmp))
	require.NoError(t, os.Rename(tmp, path))
}

func TestWatcherServesRewrittenContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "base.nty")
	writeContainer(t, path, map[string][]byte{"guild_crest.dds": []byte("crest v1")})

	p := pool.New()
	t.Cleanup(p.Terminate)
	// large assets stay in the container, so extraction reads the file
	v, err := p.AttachVolume(path, pool.VolumeOptions{MaxPayload: 4})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, p.GetStream(pool.NewAssetUnit("guild_crest.dds", nil), &out, 0))
	require.Equal(t, "crest v1", out.String())

	var changes atomic.Int32
	w, err := New(p, WithSettle(10*time.Millisecond), OnChange(func(*pool.Volume) { changes.Add(1) }))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	second := bytes.Repeat([]byte("crest version two "), 20)
	writeContainer(t, path, map[string][]byte{
		"guild_crest.dds":  second,
		"charr_banner.dds": []byte("banner"),
	})

	require.Eventually(t, func() bool {
		var buf bytes.Buffer
		err := p.GetStream(pool.NewAssetUnit("guild_crest.dds", nil), &buf, 0)
		return err == nil && bytes.Equal(second, buf.Bytes())
	}, 2*time.Second, 10*time.Millisecond)
	assert.Positive(t, changes.Load())

	d, ok, err := v.ResolveByName("charr_banner.dds")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(len("banner")), d.Key().Size)
	assert.Equal(t, v.Reader().SegmentChain().Len(), v.SegmentCount())

	cancel()
	require.NoError(t, <-done)
}
