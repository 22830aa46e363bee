package model

import "time"

// BackupEntry is a single replicated mutation.
// (Partition, Sequence) is the idempotent identity of the entry.
type BackupEntry struct {
	Partition PartitionID `json:"partition"`
	Sequence  uint64      `json:"sequence"`
	Key       string      `json:"key"`
	Value     []byte      `json:"value,omitempty"`
	Tombstone bool        `json:"tombstone,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Size approximates the in-memory footprint of the entry in bytes
func (e BackupEntry) Size() int64 {
	return int64(len(e.Key) + len(e.Value) + 48)
}

// BackupBatch carries entries from a primary to one backup
type BackupBatch struct {
	BatchID   string        `json:"batch_id"`
	Service   string        `json:"service"`
	Partition PartitionID   `json:"partition"`
	Primary   MemberID      `json:"primary"`
	Entries   []BackupEntry `json:"entries,omitempty"`
	// Snapshot replaces the backup copy of the partition with Entries up to Sequence
	Snapshot bool   `json:"snapshot,omitempty"`
	Sequence uint64 `json:"sequence,omitempty"`
	// Committed is the watermark acknowledged by every backup of the chain;
	// backups may discard retained entries at or below it
	Committed uint64 `json:"committed"`
}

// BackupAck is the cumulative acknowledgement returned by a backup
type BackupAck struct {
	Member    MemberID    `json:"member"`
	Partition PartitionID `json:"partition"`
	Watermark uint64      `json:"watermark"`
}
