package assetserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptolstoi/ntypool/metric"
	"github.com/ptolstoi/ntypool/nty"
	"github.com/ptolstoi/ntypool/pool"
)

var crest = bytes.Repeat([]byte("crest"), 100)

type fixture struct {
	pool   *pool.GlobalPool
	app    *App
	base   *pool.Volume
	patch  *pool.Volume
	server *httptest.Server
}

func attach(t *testing.T, p *pool.GlobalPool, name string, opts pool.VolumeOptions, add func(b *nty.Builder)) *pool.Volume {
	t.Helper()
	b := &nty.Builder{SegmentSize: 128}
	add(b)
	var buf bytes.Buffer
	_, err := b.WriteTo(&buf)
	require.NoError(t, err)
	reader, err := nty.OpenReaderAt(name, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	v, err := p.AttachReader(name, reader, opts)
	require.NoError(t, err)
	return v
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := prometheus.NewRegistry()
	metrics, err := metric.New(registry)
	require.NoError(t, err)

	p := pool.New(pool.WithMetrics(metrics))
	t.Cleanup(p.Terminate)

	f := &fixture{pool: p}
	f.base = attach(t, p, "base.nty", pool.VolumeOptions{DisableCache: true}, func(b *nty.Builder) {
		require.NoError(t, b.Add("guild_crest.png", crest, nty.WithTitle("Guild Crest")))
		require.NoError(t, b.Add("readme.txt", []byte("hello")))
	})
	f.patch = attach(t, p, "patch.nty", pool.VolumeOptions{}, func(b *nty.Builder) {
		require.NoError(t, b.Add("patch_notes.txt", []byte("notes"), nty.WithTitle("Patch Notes")))
	})

	f.app, err = NewApp(p, Config{
		ExportCache: filepath.Join(t.TempDir(), "cache.db"),
		Gatherer:    registry,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.app.Close() })

	f.server = httptest.NewServer(f.app)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Get(f.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, body.Bytes()
}

func TestServeAsset(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/v1/asset/guild_crest.png")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("content-type"))
	assert.NotEmpty(t, resp.Header.Get("last-modified"))
	assert.Equal(t, crest, body)
	assert.Equal(t, int64(1), f.base.Loads())

	resp, body = f.get(t, "/v1/asset/guild_crest.png")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, crest, body)
	assert.Equal(t, int64(1), f.base.Loads(), "served from the export cache")

	resp, body = f.get(t, "/v1/asset/guild_crest.png?noCache")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, crest, body)
	assert.Equal(t, int64(2), f.base.Loads())

	resp, body = f.get(t, "/v1/asset/patch_notes.txt")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("content-type"), "text/plain"))
	assert.Equal(t, "notes", string(body))
}

func TestServeAssetNotFound(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/v1/asset/missing.png")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("content-type"))
	assert.JSONEq(t, `{"error":"file not found"}`, string(body))
}

func TestServeTitle(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.get(t, "/v1/title/Guild%20Crest")
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, "/v1/asset/guild_crest.png", resp.Header.Get("location"))
	assert.Equal(t, "local", resp.Header.Get("x-title-status"))

	resp, _ = f.get(t, "/v1/title/Patch%20Notes")
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, "/v1/asset/patch_notes.txt", resp.Header.Get("location"))
	assert.Equal(t, "other", resp.Header.Get("x-title-status"))

	resp, _ = f.get(t, fmt.Sprintf("/v1/title/Patch%%20Notes?from=%d", f.patch.ID()))
	assert.Equal(t, "local", resp.Header.Get("x-title-status"))

	resp, _ = f.get(t, "/v1/title/guild%20crest")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.get(t, "/v1/title/Guild%20Crest?from=abc")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServeVolumes(t *testing.T) {
	f := newFixture(t)
	f.get(t, "/v1/asset/patch_notes.txt")

	resp, body := f.get(t, "/v1/volumes")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Volumes []volumeInfo `json:"volumes"`
		Global  int          `json:"global"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	require.Len(t, got.Volumes, 2)
	assert.Equal(t, "base.nty", got.Volumes[0].Name)
	assert.Equal(t, 2, got.Volumes[0].Assets)
	assert.False(t, got.Volumes[0].UseCache)
	assert.Equal(t, 1, got.Volumes[1].Cached)
	assert.Equal(t, int64(1), got.Volumes[1].Loads)
}

func TestInvalidateVolume(t *testing.T) {
	f := newFixture(t)
	f.get(t, "/v1/asset/patch_notes.txt")
	require.Equal(t, 1, f.patch.Store().Size())

	cached, err := f.app.getFileFromCache("patch_notes.txt", fileType(f.patch))
	require.NoError(t, err)
	require.NotNil(t, cached)

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/v1/volumes/%d/cache", f.server.URL, f.patch.ID()), nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Equal(t, 0, f.patch.Store().Size())
	cached, err = f.app.getFileFromCache("patch_notes.txt", fileType(f.patch))
	require.NoError(t, err)
	assert.Nil(t, cached)

	req, err = http.NewRequest(http.MethodDelete, f.server.URL+"/v1/volumes/99/cache", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.get(t, "/v1/asset/patch_notes.txt")

	resp, body := f.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ntypool_volumes 2")
	assert.Contains(t, string(body), `ntypool_loads_total{volume="2"} 1`)
}

func TestExportCacheDisabled(t *testing.T) {
	p := pool.New()
	t.Cleanup(p.Terminate)
	attach(t, p, "base.nty", pool.VolumeOptions{}, func(b *nty.Builder) {
		require.NoError(t, b.Add("readme.txt", []byte("hello")))
	})
	app, err := NewApp(p, Config{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/asset/readme.txt", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	require.NoError(t, app.Close())
}
