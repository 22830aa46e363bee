// Package store keeps the local primary and backup copies of partition data.
package store

import (
	"sync"
	"time"

	"github.com/devrev/pairdb/distcache/internal/errors"
	"github.com/devrev/pairdb/distcache/internal/model"
)

// Record is a stored value with the sequence of the mutation that wrote it
type Record struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Sequence  uint64    `json:"sequence"`
	UpdatedAt time.Time `json:"updated_at"`
}

type partitionStore struct {
	mu      sync.RWMutex
	list    *skipList
	applied uint64
}

// Store holds one ordered index per partition with independent locks
type Store struct {
	parts []*partitionStore
}

// New creates an empty store for count partitions
func New(count int) *Store {
	s := &Store{parts: make([]*partitionStore, count)}
	for i := range s.parts {
		s.parts[i] = &partitionStore{list: newSkipList(uint64(i) + 1)}
	}
	return s
}

func (s *Store) part(p model.PartitionID) (*partitionStore, error) {
	if p < 0 || int(p) >= len(s.parts) {
		return nil, errors.UnknownPartition(p, len(s.parts))
	}
	return s.parts[p], nil
}

// Apply applies a mutation in sequence order. Re-applying an already applied
// sequence is a no-op and returns false; a sequence beyond the next one is a gap.
func (s *Store) Apply(e model.BackupEntry) (bool, error) {
	ps, err := s.part(e.Partition)
	if err != nil {
		return false, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if e.Sequence <= ps.applied {
		return false, nil
	}
	if e.Sequence != ps.applied+1 {
		return false, errors.SequenceGap(e.Partition, ps.applied, e.Sequence)
	}

	ps.applyLocked(e)
	return true, nil
}

func (ps *partitionStore) applyLocked(e model.BackupEntry) {
	if e.Tombstone {
		ps.list.remove(e.Key)
	} else {
		ps.list.put(Record{Key: e.Key, Value: e.Value, Sequence: e.Sequence, UpdatedAt: e.CreatedAt})
	}
	ps.applied = e.Sequence
}

// Get returns the record stored under key
func (s *Store) Get(p model.PartitionID, key string) (Record, bool) {
	ps, err := s.part(p)
	if err != nil {
		return Record{}, false
	}

	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.list.get(key)
}

// AppliedSeq returns the highest applied sequence of a partition
func (s *Store) AppliedSeq(p model.PartitionID) uint64 {
	ps, err := s.part(p)
	if err != nil {
		return 0
	}

	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.applied
}

// Len returns the number of keys held for a partition
func (s *Store) Len(p model.PartitionID) int {
	ps, err := s.part(p)
	if err != nil {
		return 0
	}

	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.list.size
}

// Snapshot returns every live record of a partition as entries, with the applied sequence
func (s *Store) Snapshot(p model.PartitionID) ([]model.BackupEntry, uint64, error) {
	ps, err := s.part(p)
	if err != nil {
		return nil, 0, err
	}

	ps.mu.RLock()
	defer ps.mu.RUnlock()

	entries := make([]model.BackupEntry, 0, ps.list.size)
	ps.list.each(func(r Record) bool {
		entries = append(entries, model.BackupEntry{
			Partition: p,
			Sequence:  r.Sequence,
			Key:       r.Key,
			Value:     r.Value,
			CreatedAt: r.UpdatedAt,
		})
		return true
	})
	return entries, ps.applied, nil
}

// Replace swaps the copy of a partition for a snapshot taken at sequence seq
func (s *Store) Replace(p model.PartitionID, entries []model.BackupEntry, seq uint64) error {
	ps, err := s.part(p)
	if err != nil {
		return err
	}

	list := newSkipList(uint64(p) + 1)
	for _, e := range entries {
		if e.Tombstone {
			continue
		}
		list.put(Record{Key: e.Key, Value: e.Value, Sequence: e.Sequence, UpdatedAt: e.CreatedAt})
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.list = list
	ps.applied = seq
	return nil
}

// Drop discards the local copy of a partition
func (s *Store) Drop(p model.PartitionID) {
	ps, err := s.part(p)
	if err != nil {
		return
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.list = newSkipList(uint64(p) + 1)
	ps.applied = 0
}
