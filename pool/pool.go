// Package pool keeps the process-wide registry of attached volumes and the
// global cache tier they share.
//
// The process-wide pool is created on the first call to Instance and
// lives until the process exits, when it is terminated through an onexit
// hook. New builds independent pools, mostly for tests and embedding.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dc0d/onexit"
	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/ptolstoi/ntypool/cache"
	"github.com/ptolstoi/ntypool/decoder"
	errs "github.com/ptolstoi/ntypool/errors"
	"github.com/ptolstoi/ntypool/metric"
	"github.com/ptolstoi/ntypool/nty"
)

// GlobalPool owns every attached Volume and the global cache tier.
type GlobalPool struct {
	manager *cache.Store
	metrics *metric.Metrics
	logger  *slog.Logger

	mu         sync.RWMutex
	volumes    []*Volume
	lastID     uint32
	terminated bool

	attaching atomic.Int32
}

// Option configures a GlobalPool.
type Option func(*GlobalPool)

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *GlobalPool) { p.logger = logger }
}

// WithMetrics sets the collectors; the default is unregistered ones.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(p *GlobalPool) { p.metrics = metrics }
}

// New creates an empty pool.
func New(opts ...Option) *GlobalPool {
	p := &GlobalPool{}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "pool")
	if p.metrics == nil {
		p.metrics = metric.Nop()
	}
	p.manager = cache.NewStore(cache.ScopeGlobal, p.metrics)
	return p
}

var (
	instance     *GlobalPool
	instanceOnce sync.Once
)

// Instance returns the process-wide pool, creating it on first use. Its
// collectors are registered with the default prometheus registry.
func Instance() *GlobalPool {
	instanceOnce.Do(func() {
		metrics, err := metric.New(prometheus.DefaultRegisterer)
		if err != nil {
			slog.Warn("pool metrics not registered", "error", err)
			metrics = metric.Nop()
		}
		instance = New(WithMetrics(metrics))
		onexit.Register(instance.Terminate)
	})
	return instance
}

// CacheManager is the global tier.
func (p *GlobalPool) CacheManager() *cache.Store {
	return p.manager
}

// Metrics returns the pool's collectors.
func (p *GlobalPool) Metrics() *metric.Metrics {
	return p.metrics
}

// AttachVolume opens the container at path and registers it.
func (p *GlobalPool) AttachVolume(path string, opts VolumeOptions) (*Volume, error) {
	if _, ok := p.VolumeByPath(path); ok {
		return nil, fmt.Errorf("volume %s is already attached", path)
	}
	reader, err := nty.Open(path)
	if err != nil {
		return nil, err
	}
	v, err := p.register(path, reader, opts)
	if err != nil {
		_ = reader.Close()
		return nil, err
	}
	return v, nil
}

// AttachReader registers an already opened container. The pool takes
// ownership of reader.
func (p *GlobalPool) AttachReader(name string, reader *nty.Reader, opts VolumeOptions) (*Volume, error) {
	if opts.Name == "" {
		opts.Name = name
	}
	return p.register("", reader, opts)
}

func (p *GlobalPool) register(path string, reader *nty.Reader, opts VolumeOptions) (*Volume, error) {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return nil, errors.New("pool is terminated")
	}
	if path != "" && slices.ContainsFunc(p.volumes, func(v *Volume) bool { return v.path == path }) {
		p.mu.Unlock()
		return nil, fmt.Errorf("volume %s is already attached", path)
	}
	p.lastID++
	v := newVolume(p, p.lastID, path, reader, opts)
	p.volumes = append(p.volumes, v)
	p.mu.Unlock()

	p.metrics.Volumes.Inc()
	p.logger.Info("volume attached",
		"volume", v.name, "volume_id", v.id,
		"segments", v.SegmentCount(), "assets", len(reader.Entries()),
		"size", units.HumanSize(float64(reader.Extent())),
		"use_cache", v.UseCache())
	return v, nil
}

// VolumeSpec names one container for AttachAll.
type VolumeSpec struct {
	Path    string
	Options VolumeOptions
}

// AttachAll opens the containers in specs with at most parallelism opens
// in flight and registers them in the order given. If any open fails
// nothing is registered; a failed registration keeps the volumes
// registered before it.
func (p *GlobalPool) AttachAll(ctx context.Context, specs []VolumeSpec, parallelism int) ([]*Volume, error) {
	p.attaching.Add(int32(len(specs)))
	defer p.attaching.Add(-int32(len(specs)))

	readers := make([]*nty.Reader, len(specs))
	closeAll := func() {
		for _, r := range readers {
			if r != nil {
				_ = r.Close()
			}
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for i, spec := range specs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := nty.Open(spec.Path)
			if err != nil {
				return err
			}
			readers[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeAll()
		return nil, err
	}

	volumes := make([]*Volume, 0, len(specs))
	for i, spec := range specs {
		v, err := p.register(spec.Path, readers[i], spec.Options)
		if err != nil {
			for _, r := range readers[i:] {
				_ = r.Close()
			}
			return volumes, err
		}
		volumes = append(volumes, v)
	}
	return volumes, nil
}

// AttachQueueCount is the number of containers AttachAll calls are still
// opening or registering.
func (p *GlobalPool) AttachQueueCount() int {
	return int(p.attaching.Load())
}

// DetachVolume unregisters the volume with id, drops its cache entries and
// closes its reader once no decoder session holds it.
func (p *GlobalPool) DetachVolume(id uint32) error {
	p.mu.Lock()
	i := slices.IndexFunc(p.volumes, func(v *Volume) bool { return v.id == id })
	if i < 0 {
		p.mu.Unlock()
		return errs.New(errs.ErrNotFound, "detach", "", "no volume %d", id)
	}
	v := p.volumes[i]
	p.volumes = slices.Delete(p.volumes, i, i+1)
	p.mu.Unlock()

	p.metrics.Volumes.Dec()
	p.logger.Info("volume detached", "volume", v.name, "volume_id", v.id)
	return v.close()
}

// AttachedVolumeCount is the number of registered volumes.
func (p *GlobalPool) AttachedVolumeCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.volumes)
}

// Volumes returns the registered volumes in registration order.
func (p *GlobalPool) Volumes() []*Volume {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.volumes)
}

// VolumeByID returns the registered volume with id.
func (p *GlobalPool) VolumeByID(id uint32) (*Volume, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, v := range p.volumes {
		if v.id == id {
			return v, true
		}
	}
	return nil, false
}

// VolumeByPath returns the volume attached from path.
func (p *GlobalPool) VolumeByPath(path string) (*Volume, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, v := range p.volumes {
		if v.path == path {
			return v, true
		}
	}
	return nil, false
}

// FindVolumeByName returns the first volume, in registration order, that
// can satisfy unit.
func (p *GlobalPool) FindVolumeByName(unit AssetUnit) (*Volume, uint32, bool) {
	for _, v := range p.Volumes() {
		if v.Contains(unit.Name()) {
			return v, v.id, true
		}
	}
	return nil, 0, false
}

// FindCacheDescriptor finds the volume for unit and resolves it there.
func (p *GlobalPool) FindCacheDescriptor(unit AssetUnit) (*cache.Descriptor, *Volume, bool, error) {
	v, _, ok := p.FindVolumeByName(unit)
	if !ok {
		return nil, nil, false, nil
	}
	d, ok, err := v.ResolveByName(unit.Name())
	return d, v, ok, err
}

// GetStream runs the whole pipeline for unit: find the volume, resolve the
// descriptor and write the decoded bytes to w.
func (p *GlobalPool) GetStream(unit AssetUnit, w io.Writer, flags decoder.Flags) error {
	v, _, ok := p.FindVolumeByName(unit)
	if !ok {
		return errs.New(errs.ErrNotFound, "getStream", unit.Name(), "no volume holds it")
	}
	return v.Extract(unit.Name(), w, flags)
}

// extract writes d's bytes to w, from the retained payload when there is
// one and from the owning volume's container otherwise.
func (p *GlobalPool) extract(d *cache.Descriptor, w io.Writer, flags decoder.Flags) error {
	if payload, ok := d.Payload(); ok && flags&decoder.FlagRaw == 0 {
		n, err := w.Write(payload)
		p.metrics.ExtractBytes.Add(float64(n))
		if err == nil && n < len(payload) {
			err = io.ErrShortWrite
		}
		return errs.Wrap(errs.ErrIO, "extract", d.Name(), err)
	}

	owner, ok := p.VolumeByID(d.VolumeID())
	if !ok {
		return errs.New(errs.ErrNotFound, "extract", d.Name(), "volume %d is detached", d.VolumeID())
	}
	reader := owner.Reader()
	if entry, ok := reader.Lookup(d.Name()); !ok || decoder.KeyOf(entry) != d.Key() {
		return errs.New(errs.ErrNotFound, "extract", d.Name(), "volume %d no longer holds this version", d.VolumeID())
	}
	counter := &countingWriter{w: w}
	err := decoder.ExtractToStream(d.Key(), reader, counter, flags)
	p.metrics.ExtractBytes.Add(float64(counter.n))
	return err
}

// InvalidateVolume drops every cached descriptor of the volume with id.
func (p *GlobalPool) InvalidateVolume(id uint32) error {
	v, ok := p.VolumeByID(id)
	if !ok {
		return errs.New(errs.ErrNotFound, "invalidate", "", "no volume %d", id)
	}
	v.Invalidate()
	return nil
}

// ReloadVolume reopens the container file of the volume with id. See
// Volume.Reload.
func (p *GlobalPool) ReloadVolume(id uint32) error {
	v, ok := p.VolumeByID(id)
	if !ok {
		return errs.New(errs.ErrNotFound, "reload", "", "no volume %d", id)
	}
	return v.Reload()
}

// Terminate detaches every volume and clears the global tier. The pool
// refuses new volumes afterwards.
func (p *GlobalPool) Terminate() {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	p.terminated = true
	volumes := p.volumes
	p.volumes = nil
	p.mu.Unlock()

	for _, v := range volumes {
		p.metrics.Volumes.Dec()
		if err := v.close(); err != nil {
			p.logger.Warn("closing volume failed", "volume", v.name, "error", err)
		}
	}
	p.manager.Clear()
	p.logger.Info("pool terminated", "volumes", len(volumes))
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(b []byte) (int, error) {
	n, err := cw.w.Write(b)
	cw.n += int64(n)
	return n, err
}
