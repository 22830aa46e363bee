// Package partition holds the versioned partition-to-chain assignment of a service.
package partition

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/devrev/pairdb/distcache/internal/errors"
	"github.com/devrev/pairdb/distcache/internal/model"
)

// slot is an immutable assignment snapshot. changed is closed when the slot is replaced.
type slot struct {
	assignment model.Assignment
	changed    chan struct{}
}

// Map owns the partition to ownership-chain assignment.
// Readers load a slot pointer and never observe a partially written chain;
// writers of one partition are serialized without touching other partitions.
type Map struct {
	count   int
	slots   []atomic.Pointer[slot]
	locks   []sync.Mutex
	version atomic.Uint64
}

// NewMap creates a map with every partition unassigned and Unavailable
func NewMap(count int) *Map {
	m := &Map{
		count: count,
		slots: make([]atomic.Pointer[slot], count),
		locks: make([]sync.Mutex, count),
	}
	for i := range m.slots {
		m.slots[i].Store(&slot{
			assignment: model.Assignment{
				Chain: model.Chain{Partition: model.PartitionID(i)},
				State: model.PartitionStateUnavailable,
			},
			changed: make(chan struct{}),
		})
	}
	return m
}

// Count returns the number of partitions
func (m *Map) Count() int {
	return m.count
}

// Version returns the latest assignment version across all partitions
func (m *Map) Version() uint64 {
	return m.version.Load()
}

func (m *Map) check(p model.PartitionID) error {
	if p < 0 || int(p) >= m.count {
		return errors.UnknownPartition(p, m.count)
	}
	return nil
}

// Assignment returns the current assignment snapshot of a partition
func (m *Map) Assignment(p model.PartitionID) (model.Assignment, error) {
	if err := m.check(p); err != nil {
		return model.Assignment{}, err
	}
	return m.slots[p].Load().assignment, nil
}

// ResolveOwner returns the primary of an available partition
func (m *Map) ResolveOwner(p model.PartitionID) (model.MemberID, error) {
	a, err := m.Assignment(p)
	if err != nil {
		return "", err
	}
	return ownerOf(a)
}

func ownerOf(a model.Assignment) (model.MemberID, error) {
	p := a.Chain.Partition
	switch {
	case a.Chain.IsEmpty():
		if a.Chain.Orphaned {
			return "", errors.PartitionUnavailable(p, "all owners departed")
		}
		return "", errors.PartitionUnavailable(p, "no primary assigned")
	case a.State == model.PartitionStateRecovering:
		return "", errors.PartitionUnavailable(p, "primary is replaying its backup log")
	case a.State != model.PartitionStateAvailable:
		return "", errors.PartitionUnavailable(p, string(a.State))
	}
	return a.Chain.Primary(), nil
}

// Assign replaces the chain and state of a partition wholesale
func (m *Map) Assign(p model.PartitionID, chain model.Chain, state model.PartitionState) (model.Assignment, error) {
	if err := m.check(p); err != nil {
		return model.Assignment{}, err
	}
	if chain.Partition != p {
		return model.Assignment{}, errors.InvalidArgument(
			fmt.Sprintf("chain for partition %d assigned to partition %d", chain.Partition, p), nil)
	}
	if chain.IsEmpty() && state != model.PartitionStateUnavailable {
		return model.Assignment{}, errors.InvalidArgument(
			fmt.Sprintf("partition %d: empty chain must be unavailable", p), nil)
	}

	m.locks[p].Lock()
	defer m.locks[p].Unlock()

	return m.store(p, model.Assignment{Chain: chain.Clone(), State: state}), nil
}

// SetState changes only the state of a partition, keeping its chain
func (m *Map) SetState(p model.PartitionID, state model.PartitionState) (model.Assignment, error) {
	if err := m.check(p); err != nil {
		return model.Assignment{}, err
	}

	m.locks[p].Lock()
	defer m.locks[p].Unlock()

	current := m.slots[p].Load().assignment
	if current.Chain.IsEmpty() && state != model.PartitionStateUnavailable {
		return model.Assignment{}, errors.PartitionUnavailable(p, "no chain assigned")
	}
	return m.store(p, model.Assignment{Chain: current.Chain, State: state}), nil
}

// store must be called with the partition lock held
func (m *Map) store(p model.PartitionID, a model.Assignment) model.Assignment {
	a.Version = m.version.Add(1)
	previous := m.slots[p].Swap(&slot{assignment: a, changed: make(chan struct{})})
	close(previous.changed)
	return a
}

// WaitAvailable blocks while a partition is recovering and returns its assignment
// once it is available. Unassigned partitions fail immediately.
func (m *Map) WaitAvailable(ctx context.Context, p model.PartitionID) (model.Assignment, error) {
	if err := m.check(p); err != nil {
		return model.Assignment{}, err
	}
	for {
		s := m.slots[p].Load()
		if s.assignment.State != model.PartitionStateRecovering {
			if _, err := ownerOf(s.assignment); err != nil {
				return model.Assignment{}, err
			}
			return s.assignment, nil
		}

		select {
		case <-s.changed:
		case <-ctx.Done():
			return model.Assignment{}, errors.PartitionUnavailable(p, "still recovering").
				WithDetail("cause", ctx.Err().Error())
		}
	}
}

// Snapshot returns the assignments of all partitions
func (m *Map) Snapshot() []model.Assignment {
	out := make([]model.Assignment, m.count)
	for i := range m.slots {
		out[i] = m.slots[i].Load().assignment
	}
	return out
}

// Chains returns the current chains of all partitions
func (m *Map) Chains() []model.Chain {
	out := make([]model.Chain, m.count)
	for i := range m.slots {
		out[i] = m.slots[i].Load().assignment.Chain
	}
	return out
}
