// Package store is the in-memory sample registry: for every collected
// characteristic a bounded history of decoded samples, with per-level
// update bookkeeping for the query surface.
package store

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"

	"github.com/srg/blecd/internal/conv"
	"github.com/srg/blecd/internal/ring"
	"github.com/srg/blecd/internal/sample"
)

// Store holds adapter -> peripheral -> service -> characteristic history.
// Each characteristic has exactly one writer (its session); reads snapshot
// and never block writers for long.
type Store struct {
	peripherals *hashmap.Map[string, *PeripheralStore]
}

// PeripheralStore aggregates one peripheral's services.
type PeripheralStore struct {
	Adapter string

	services   *hashmap.Map[string, *ServiceStore]
	numUpdates atomic.Int64
	updatedAt  atomic.Int64 // unix nanos
}

// ServiceStore aggregates one service's characteristics.
type ServiceStore struct {
	characteristics *hashmap.Map[string, *CharacteristicStore]
	numUpdates      atomic.Int64
	updatedAt       atomic.Int64
}

// CharacteristicStore is the per-FQCN history ring plus its writer token.
type CharacteristicStore struct {
	Name string

	values     *ring.Buffer[DataPoint]
	numUpdates atomic.Int64

	// owner guards the single-writer invariant: the first writer claims the
	// slot and Put rejects any second concurrent writer with an error.
	owner atomic.Uint64
}

// DataPoint is one stored reading.
type DataPoint struct {
	Ts    time.Time  `json:"ts"`
	Value conv.Value `json:"value"`
	Raw   []byte     `json:"-"`
}

// New creates an empty registry.
func New() *Store {
	return &Store{peripherals: hashmap.New[string, *PeripheralStore]()}
}

var ownerSeq atomic.Uint64

// NewOwnerToken mints a writer identity for a session.
func NewOwnerToken() uint64 {
	return ownerSeq.Add(1)
}

// Put appends a sample under its FQCN, evicting the oldest entry once the
// ring holds historySize values. The owner token asserts that at most one
// session ever writes a given FQCN concurrently.
func (s *Store) Put(smp sample.Sample, name string, historySize int, owner uint64) error {
	ps, _ := s.peripherals.GetOrInsert(smp.FQCN.Adapter+"/"+smp.FQCN.Peripheral, &PeripheralStore{
		Adapter:  smp.FQCN.Adapter,
		services: hashmap.New[string, *ServiceStore](),
	})
	ps.numUpdates.Add(1)
	ps.updatedAt.Store(smp.At.UnixNano())

	svc, _ := ps.services.GetOrInsert(smp.FQCN.Service, &ServiceStore{
		characteristics: hashmap.New[string, *CharacteristicStore](),
	})
	svc.numUpdates.Add(1)
	svc.updatedAt.Store(smp.At.UnixNano())

	ch, _ := svc.characteristics.GetOrInsert(smp.FQCN.Characteristic, &CharacteristicStore{
		Name:   name,
		values: ring.NewBuffer[DataPoint](historySize),
	})

	if prev := ch.owner.Load(); prev == 0 {
		ch.owner.CompareAndSwap(0, owner)
	} else if prev != owner {
		return fmt.Errorf("characteristic %s has two concurrent writers (%d and %d)",
			smp.FQCN, prev, owner)
	}

	ch.numUpdates.Add(1)
	ch.values.Push(DataPoint{Ts: smp.At, Value: smp.Value, Raw: smp.Raw})
	return nil
}

// ReleaseOwner clears the writer token for every characteristic of a
// peripheral, so a successor session may take over after a reconnect.
func (s *Store) ReleaseOwner(adapter, peripheral string, owner uint64) {
	ps, ok := s.peripherals.Get(adapter + "/" + peripheral)
	if !ok {
		return
	}
	ps.services.Range(func(_ string, svc *ServiceStore) bool {
		svc.characteristics.Range(func(_ string, ch *CharacteristicStore) bool {
			ch.owner.CompareAndSwap(owner, 0)
			return true
		})
		return true
	})
}

// History returns the stored values for one FQCN, oldest first.
func (s *Store) History(fqcn sample.FQCN) ([]DataPoint, bool) {
	ps, ok := s.peripherals.Get(fqcn.Adapter + "/" + fqcn.Peripheral)
	if !ok {
		return nil, false
	}
	svc, ok := ps.services.Get(fqcn.Service)
	if !ok {
		return nil, false
	}
	ch, ok := svc.characteristics.Get(fqcn.Characteristic)
	if !ok {
		return nil, false
	}
	return ch.values.Snapshot(), true
}
