// Package cache implements the name-keyed descriptor tiers: one Store per
// volume and one process-wide Store used as the global cache manager.
//
// Tiers never evict. Entries leave a Store only through Remove,
// RemoveVolume or Clear.
package cache

import (
	"sync"

	"github.com/google/btree"

	errs "github.com/ptolstoi/ntypool/errors"
	"github.com/ptolstoi/ntypool/metric"
)

// Tier is the lookup contract shared by volume stores and the global
// manager.
type Tier interface {
	GetByName(name string) (*Descriptor, bool)
	Put(name string, d *Descriptor) error
	Size() int
}

// ScopeGlobal is the scope of the process-wide tier.
const ScopeGlobal = "global"

const btreeDegree = 16

// Store is an ordered map from asset name to Descriptor. Lookups run in
// parallel; Put and the removal methods take the store's write lock.
type Store struct {
	scope   string
	metrics *metric.Metrics

	mu   sync.RWMutex
	tree *btree.BTreeG[*Descriptor]
}

var _ Tier = (*Store)(nil)

// NewStore creates an empty tier. scope labels the tier in metrics and
// logs. A nil metrics uses unregistered collectors.
func NewStore(scope string, metrics *metric.Metrics) *Store {
	if metrics == nil {
		metrics = metric.Nop()
	}
	return &Store{
		scope:   scope,
		metrics: metrics,
		tree: btree.NewG[*Descriptor](btreeDegree, func(a, b *Descriptor) bool {
			return a.name < b.name
		}),
	}
}

// Scope is the label the store was created with.
func (s *Store) Scope() string {
	return s.scope
}

// GetByName looks up name. Absence is reported with found=false.
func (s *Store) GetByName(name string) (d *Descriptor, found bool) {
	s.mu.RLock()
	d, found = s.tree.Get(&Descriptor{name: name})
	s.mu.RUnlock()

	result := metric.ResultMiss
	if found {
		result = metric.ResultHit
	}
	s.metrics.TierLookups.WithLabelValues(s.scope, result).Inc()
	return d, found
}

// Has reports whether name is held, without counting as a lookup.
func (s *Store) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Has(&Descriptor{name: name})
}

// Peek is GetByName without counting as a lookup.
func (s *Store) Peek(name string) (*Descriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Get(&Descriptor{name: name})
}

// Put inserts d under name, replacing any previous descriptor. It refuses
// descriptors that fail validation or whose name differs from name.
func (s *Store) Put(name string, d *Descriptor) error {
	if d == nil {
		s.metrics.TierRejects.WithLabelValues(s.scope).Inc()
		return errs.New(errs.ErrValidation, "put", name, "nil descriptor")
	}
	if d.Name() != name {
		s.metrics.TierRejects.WithLabelValues(s.scope).Inc()
		return errs.New(errs.ErrValidation, "put", name, "descriptor is named %q", d.Name())
	}
	if err := d.Validate(); err != nil {
		s.metrics.TierRejects.WithLabelValues(s.scope).Inc()
		return err
	}

	s.mu.Lock()
	s.tree.ReplaceOrInsert(d)
	s.mu.Unlock()

	s.metrics.TierPuts.WithLabelValues(s.scope).Inc()
	return nil
}

// Remove drops name and reports whether it was present.
func (s *Store) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, removed := s.tree.Delete(&Descriptor{name: name})
	return removed
}

// RemoveDescriptor drops d if it is still the descriptor held under its
// name. A newer descriptor put under the same name stays.
func (s *Store) RemoveDescriptor(d *Descriptor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.tree.Get(d); !ok || held != d {
		return false
	}
	s.tree.Delete(d)
	return true
}

// RemoveVolume drops every descriptor loaded by volume id and returns how
// many were removed.
func (s *Store) RemoveVolume(id uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []*Descriptor
	s.tree.Ascend(func(d *Descriptor) bool {
		if d.volumeID == id {
			doomed = append(doomed, d)
		}
		return true
	})
	for _, d := range doomed {
		s.tree.Delete(d)
	}
	return len(doomed)
}

// Clear drops every descriptor.
func (s *Store) Clear() {
	s.mu.Lock()
	s.tree.Clear(false)
	s.mu.Unlock()
}

// Size is the number of descriptors held.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

// Names returns the held names in ascending order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, s.tree.Len())
	s.tree.Ascend(func(d *Descriptor) bool {
		names = append(names, d.name)
		return true
	})
	return names
}

// Each calls fn for every descriptor in name order until fn returns false.
// fn runs under the read lock and must not modify the store.
func (s *Store) Each(fn func(*Descriptor) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tree.Ascend(fn)
}
