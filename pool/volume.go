package pool

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/ptolstoi/ntypool/cache"
	"github.com/ptolstoi/ntypool/decoder"
	errs "github.com/ptolstoi/ntypool/errors"
	"github.com/ptolstoi/ntypool/metric"
	"github.com/ptolstoi/ntypool/nty"
)

// VolumeOptions control how a volume caches what it loads.
type VolumeOptions struct {
	// Name overrides the volume name, which defaults to the container path.
	Name string

	// DisableCache makes every resolve load and decode afresh, bypassing
	// both tiers. Used for containers that may change underneath.
	DisableCache bool

	// Share publishes entries the container marks shareable to the global
	// tier after loading them.
	Share bool

	// PopulateLocalOnHit copies global tier hits into the volume store.
	PopulateLocalOnHit bool

	// MaxPayload is the largest asset whose decoded bytes are kept in its
	// descriptor. Larger assets are decoded once for validation and
	// streamed from the container on extraction. Zero keeps everything.
	MaxPayload uint64
}

// TitleStatus is the outcome of Volume.FindByTitle.
type TitleStatus int

const (
	TitleNotFound TitleStatus = iota
	TitleFoundLocal
	TitleFoundOther
)

func (s TitleStatus) String() string {
	switch s {
	case TitleFoundLocal:
		return "local"
	case TitleFoundOther:
		return "other"
	default:
		return "not found"
	}
}

// Volume is one attached container with its own cache tier.
type Volume struct {
	id      uint32
	name    string
	path    string
	store   *cache.Store
	manager *cache.Store
	pool    *GlobalPool
	opts    VolumeOptions
	label   string

	useCache atomic.Bool
	metrics  *metric.Metrics
	logger   *slog.Logger

	loads     singleflight.Group
	loadCount atomic.Int64

	// swap is held for writing while the container is replaced or the
	// tiers are invalidated, and for reading while a load publishes.
	swap   sync.RWMutex
	state  atomic.Pointer[volumeState]
	closed bool

	mu      sync.Mutex
	pending []string
}

// volumeState is the container a volume currently reads from. It is
// replaced as a whole by Reload.
type volumeState struct {
	reader   *nty.Reader
	segments int
}

func newVolumeState(reader *nty.Reader) *volumeState {
	return &volumeState{reader: reader, segments: reader.SegmentChain().Len()}
}

// errStale reports a load that raced with Reload; it is retried against
// the new container.
var errStale = errors.New("container replaced during load")

func newVolume(p *GlobalPool, id uint32, path string, reader *nty.Reader, opts VolumeOptions) *Volume {
	name := opts.Name
	if name == "" {
		name = path
	}
	label := strconv.FormatUint(uint64(id), 10)

	v := &Volume{
		id:      id,
		name:    name,
		path:    path,
		store:   cache.NewStore("volume:"+label, p.metrics),
		manager: p.manager,
		pool:    p,
		opts:    opts,
		label:   label,
		metrics: p.metrics,
		logger:  p.logger.With("volume", name, "volume_id", id),
	}
	v.useCache.Store(!opts.DisableCache)
	v.state.Store(newVolumeState(reader))
	return v
}

// ID is unique among the volumes of a pool and never reused.
func (v *Volume) ID() uint32 {
	return v.id
}

// Name is the volume's display name.
func (v *Volume) Name() string {
	return v.name
}

// Path is the container path the volume was attached from, if any.
func (v *Volume) Path() string {
	return v.path
}

// Reader is the container reader the volume currently owns. Reload
// replaces it.
func (v *Volume) Reader() *nty.Reader {
	return v.state.Load().reader
}

// Store is the volume's local tier.
func (v *Volume) Store() *cache.Store {
	return v.store
}

// SegmentCount is the number of segments in the volume's container,
// recorded when the container was opened.
func (v *Volume) SegmentCount() int {
	return v.state.Load().segments
}

// UseCache reports whether resolves go through the tiers.
func (v *Volume) UseCache() bool {
	return v.useCache.Load()
}

// SetUseCache switches tier use on or off.
func (v *Volume) SetUseCache(use bool) {
	v.useCache.Store(use)
}

// Loads is the number of uncached loads performed so far.
func (v *Volume) Loads() int64 {
	return v.loadCount.Load()
}

// Pending returns the names currently being loaded, oldest first.
func (v *Volume) Pending() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.pending)
}

// Contains reports whether the volume can satisfy name: it is in the
// local tier or listed in the container manifest.
func (v *Volume) Contains(name string) bool {
	if v.store.Has(name) {
		return true
	}
	_, ok := v.Reader().Lookup(name)
	return ok
}

// ResolveByName resolves name through the local tier, the global tier and
// finally an uncached load from the container.
//
// A name no tier holds and the container does not list yields ok=false
// and no error. A load whose descriptor fails validation is not cached and
// also yields ok=false. Structural failures of the load are returned.
func (v *Volume) ResolveByName(name string) (d *cache.Descriptor, ok bool, err error) {
	if !v.useCache.Load() {
		return v.loadOnce(name, false)
	}

	if d, ok := v.store.GetByName(name); ok {
		return d, true, nil
	}
	if d, ok := v.manager.GetByName(name); ok {
		if v.opts.PopulateLocalOnHit {
			v.copyGlobalHit(name, d)
		}
		return d, true, nil
	}
	if _, listed := v.Reader().Lookup(name); !listed {
		return nil, false, nil
	}
	return v.loadOnce(name, true)
}

// ResolveList resolves every name and returns the descriptors found.
// Failures are logged and do not stop the remaining names.
func (v *Volume) ResolveList(names []string) []*cache.Descriptor {
	var found []*cache.Descriptor
	for _, name := range names {
		d, ok, err := v.ResolveByName(name)
		if err != nil {
			v.logger.Warn("resolve failed", "name", name, "error", err)
			continue
		}
		if ok {
			found = append(found, d)
		}
	}
	return found
}

// loadOnce collapses concurrent loads of the same name into one.
func (v *Volume) loadOnce(name string, cached bool) (*cache.Descriptor, bool, error) {
	flight := name
	if !cached {
		flight = "uncached\x00" + name
	}
	result, err, _ := v.loads.Do(flight, func() (any, error) {
		if cached {
			if d, ok := v.store.GetByName(name); ok {
				return d, nil
			}
		}
		return v.load(name, cached)
	})
	if err != nil {
		return nil, false, err
	}
	d, _ := result.(*cache.Descriptor)
	return d, d != nil, nil
}

func (v *Volume) load(name string, cached bool) (*cache.Descriptor, error) {
	for {
		d, err := v.loadFrom(v.state.Load(), name, cached)
		if errors.Is(err, errStale) {
			continue
		}
		return d, err
	}
}

func (v *Volume) loadFrom(st *volumeState, name string, cached bool) (*cache.Descriptor, error) {
	entry, ok := st.reader.Lookup(name)
	if !ok {
		return nil, nil
	}

	v.addPending(name)
	defer v.removePending(name)

	v.loadCount.Add(1)
	v.metrics.Loads.WithLabelValues(v.label).Inc()

	key := decoder.KeyOf(entry)
	var opt cache.DescriptorOption
	if v.opts.MaxPayload == 0 || entry.Size <= v.opts.MaxPayload {
		payload, err := decoder.ExtractToMemory(key, st.reader, 0)
		if err != nil {
			return nil, v.loadError(st, name, err)
		}
		opt = cache.WithPayload(payload)
	} else {
		hasher := nty.NewHasher()
		if err := decoder.ExtractToStream(key, st.reader, hasher, 0); err != nil {
			return nil, v.loadError(st, name, err)
		}
		opt = cache.WithObservedDigest(hasher.Digest())
	}

	d := cache.NewDescriptor(name, v.id, entry, opt)
	if !cached {
		if err := d.Validate(); err != nil {
			v.logger.Warn("descriptor rejected", "name", name, "error", err)
			return nil, nil
		}
		return d, nil
	}

	v.swap.RLock()
	defer v.swap.RUnlock()
	if v.state.Load() != st {
		return nil, errStale
	}
	if v.closed {
		return d, nil
	}
	if err := v.store.Put(name, d); err != nil {
		v.logger.Warn("descriptor rejected", "name", name, "error", err)
		return nil, nil
	}
	if v.opts.Share && d.Shareable() {
		if err := v.manager.Put(name, d); err != nil {
			v.logger.Warn("publishing descriptor failed", "name", name, "error", err)
		}
	}
	v.logger.Debug("loaded", "name", name, "size", entry.Size, "segments", entry.Count)
	return d, nil
}

func (v *Volume) loadError(st *volumeState, name string, err error) error {
	if errors.Is(err, errs.ErrClosed) && v.state.Load() != st {
		return errStale
	}
	return fmt.Errorf("loading %s from volume %s: %w", name, v.name, err)
}

// copyGlobalHit stores a global tier hit locally. The copy is dropped again
// when the global tier lost it meanwhile, so an invalidation of the owning
// volume cannot leave it behind.
func (v *Volume) copyGlobalHit(name string, d *cache.Descriptor) {
	if err := v.store.Put(name, d); err != nil {
		v.logger.Warn("copying global descriptor failed", "name", name, "error", err)
		return
	}
	if held, ok := v.manager.Peek(name); !ok || held != d {
		v.store.RemoveDescriptor(d)
	}
}

func (v *Volume) addPending(name string) {
	v.mu.Lock()
	v.pending = append(v.pending, name)
	v.mu.Unlock()
}

func (v *Volume) removePending(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if i := slices.Index(v.pending, name); i >= 0 {
		v.pending = slices.Delete(v.pending, i, i+1)
	}
}

// FindByTitle looks title up in this volume's manifest, then in the other
// volumes of the pool in registration order. Titles match exactly.
//
// The returned id is the manifest position of the entry inside the
// returned volume, which is v itself for TitleFoundLocal.
func (v *Volume) FindByTitle(title string) (uint32, *Volume, TitleStatus) {
	if i, _, ok := v.Reader().LookupTitle(title); ok {
		return uint32(i), v, TitleFoundLocal
	}
	if v.pool == nil {
		return 0, nil, TitleNotFound
	}
	for _, other := range v.pool.Volumes() {
		if other == v {
			continue
		}
		if i, _, ok := other.Reader().LookupTitle(title); ok {
			return uint32(i), other, TitleFoundOther
		}
	}
	return 0, nil, TitleNotFound
}

// Extract resolves name and writes its decoded bytes to w.
func (v *Volume) Extract(name string, w io.Writer, flags decoder.Flags) error {
	d, ok, err := v.ResolveByName(name)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.ErrNotFound, "extract", name, "not in volume %s", v.name)
	}
	return v.pool.extract(d, w, flags)
}

// Invalidate drops every descriptor this volume loaded, from its own tier,
// the global tier and the tiers of volumes that copied global hits.
func (v *Volume) Invalidate() {
	v.swap.Lock()
	defer v.swap.Unlock()
	v.invalidate()
}

func (v *Volume) invalidate() {
	v.store.Clear()
	removed := v.manager.RemoveVolume(v.id)
	if v.pool != nil {
		for _, other := range v.pool.Volumes() {
			if other != v {
				removed += other.store.RemoveVolume(v.id)
			}
		}
	}
	v.logger.Info("cache invalidated", "removed_elsewhere", removed)
}

// Reload reopens the container file the volume was attached from and
// switches to it. Descriptors of the previous container are invalidated;
// the previous reader closes once running decoder sessions release it.
func (v *Volume) Reload() error {
	if v.path == "" {
		return errs.New(errs.ErrOpen, "reload", v.name, "volume was not attached from a file")
	}
	reader, err := nty.Open(v.path)
	if err != nil {
		return err
	}

	v.swap.Lock()
	if v.closed {
		v.swap.Unlock()
		_ = reader.Close()
		return errs.New(errs.ErrClosed, "reload", v.name, "volume is detached")
	}
	old := v.state.Swap(newVolumeState(reader))
	v.invalidate()
	v.swap.Unlock()

	v.logger.Info("container reloaded", "segments", v.SegmentCount(), "assets", len(reader.Entries()))
	if err := old.reader.Close(); err != nil && !errors.Is(err, errs.ErrClosed) {
		return err
	}
	return nil
}

func (v *Volume) close() error {
	v.swap.Lock()
	v.closed = true
	v.invalidate()
	reader := v.state.Load().reader
	v.swap.Unlock()

	if err := reader.Close(); err != nil && !errors.Is(err, errs.ErrClosed) {
		return err
	}
	return nil
}
