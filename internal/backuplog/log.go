// Package backuplog implements the bounded per-partition FIFO of pending backup entries.
package backuplog

import (
	"fmt"
	"time"

	"github.com/devrev/pairdb/distcache/internal/errors"
	"github.com/devrev/pairdb/distcache/internal/model"
)

// Config bounds a Log
type Config struct {
	MaxEntries int
	MaxBytes   int64
}

// Log is an ordered queue of backup entries for one partition, keyed by sequence.
// Entries are never reordered and truncation removes only a prefix.
// Log is not safe for concurrent use; the owning partition serializes access.
type Log struct {
	partition model.PartitionID
	cfg       Config
	entries   []model.BackupEntry
	bytes     int64
}

// New creates an empty log for a partition
func New(partition model.PartitionID, cfg Config) *Log {
	return &Log{partition: partition, cfg: cfg}
}

// Append adds an entry at the tail. The sequence must exceed the current tail.
func (l *Log) Append(entry model.BackupEntry) error {
	if entry.Partition != l.partition {
		return errors.InvalidArgument(
			fmt.Sprintf("entry for partition %d appended to log of partition %d", entry.Partition, l.partition), nil)
	}
	if n := len(l.entries); n > 0 && entry.Sequence <= l.entries[n-1].Sequence {
		return errors.InvalidArgument(
			fmt.Sprintf("partition %d: sequence %d does not follow %d", l.partition, entry.Sequence, l.entries[n-1].Sequence), nil)
	}
	if l.Full(entry) {
		return errors.BackupLogOverflow(l.partition, len(l.entries), l.cfg.MaxEntries).
			WithDetail("bytes", l.bytes).
			WithDetail("max_bytes", l.cfg.MaxBytes)
	}

	l.entries = append(l.entries, entry)
	l.bytes += entry.Size()
	return nil
}

// Full reports whether appending entry would exceed a bound
func (l *Log) Full(entry model.BackupEntry) bool {
	if l.cfg.MaxEntries > 0 && len(l.entries) >= l.cfg.MaxEntries {
		return true
	}
	if l.cfg.MaxBytes > 0 && l.bytes+entry.Size() > l.cfg.MaxBytes && len(l.entries) > 0 {
		return true
	}
	return false
}

// DrainUpTo returns a copy of the entries with sequence <= seq. The log is unchanged.
func (l *Log) DrainUpTo(seq uint64) []model.BackupEntry {
	return l.DrainRange(0, seq)
}

// DrainRange returns a copy of the entries with after < sequence <= upTo
func (l *Log) DrainRange(after, upTo uint64) []model.BackupEntry {
	lo := l.search(after + 1)
	hi := l.search(upTo + 1)
	if lo >= hi {
		return nil
	}
	out := make([]model.BackupEntry, hi-lo)
	copy(out, l.entries[lo:hi])
	return out
}

// TruncateAcknowledged removes every entry with sequence <= seq and returns how many were removed
func (l *Log) TruncateAcknowledged(seq uint64) int {
	n := l.search(seq + 1)
	if n == 0 {
		return 0
	}
	for _, e := range l.entries[:n] {
		l.bytes -= e.Size()
	}
	// copy so the retained tail does not pin the truncated prefix
	rest := make([]model.BackupEntry, len(l.entries)-n)
	copy(rest, l.entries[n:])
	l.entries = rest
	return n
}

// search returns the index of the first entry with sequence >= seq
func (l *Log) search(seq uint64) int {
	lo, hi := 0, len(l.entries)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if l.entries[mid].Sequence < seq {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Len returns the number of pending entries
func (l *Log) Len() int {
	return len(l.entries)
}

// Bytes returns the approximate size of pending entries
func (l *Log) Bytes() int64 {
	return l.bytes
}

// FirstSeq returns the sequence of the head entry, or 0 when empty
func (l *Log) FirstSeq() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[0].Sequence
}

// LastSeq returns the sequence of the tail entry, or 0 when empty
func (l *Log) LastSeq() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Sequence
}

// OldestAge returns how long the head entry has been pending
func (l *Log) OldestAge(now time.Time) time.Duration {
	if len(l.entries) == 0 {
		return 0
	}
	return now.Sub(l.entries[0].CreatedAt)
}

// Reset discards every pending entry and returns how many were dropped
func (l *Log) Reset() int {
	n := len(l.entries)
	l.entries = nil
	l.bytes = 0
	return n
}

// Config returns the bounds of the log
func (l *Log) Config() Config {
	return l.cfg
}
