// Package transport delivers backup batches, forwarded writes and remote reads between members.
// Delivery is at-least-once; receivers rely on the (partition, sequence) identity of entries.
package transport

import (
	"context"

	"github.com/devrev/pairdb/distcache/internal/model"
)

// ReadRequest asks a member for keys of one partition from its local copy
type ReadRequest struct {
	Service   string            `json:"service"`
	Partition model.PartitionID `json:"partition"`
	Keys      []string          `json:"keys"`
	// AsPrimary requires the target to be the available primary of the partition
	AsPrimary bool `json:"as_primary,omitempty"`
}

// KeyValue is a single read result
type KeyValue struct {
	Key      string `json:"key"`
	Value    []byte `json:"value,omitempty"`
	Found    bool   `json:"found"`
	Sequence uint64 `json:"sequence,omitempty"`
}

// ReadResponse carries values read from one member's copy
type ReadResponse struct {
	Member model.MemberID `json:"member"`
	Values []KeyValue     `json:"values"`
	// Applied is the highest sequence applied to the copy that served the read
	Applied uint64 `json:"applied"`
}

// WriteRequest forwards a mutation to the primary of a partition
type WriteRequest struct {
	Service   string            `json:"service"`
	Partition model.PartitionID `json:"partition"`
	Key       string            `json:"key"`
	Value     []byte            `json:"value,omitempty"`
	Tombstone bool              `json:"tombstone,omitempty"`
}

// WriteResponse reports the sequence assigned by the primary
type WriteResponse struct {
	Member   model.MemberID `json:"member"`
	Sequence uint64         `json:"sequence"`
}

// Transport sends requests to other members
type Transport interface {
	SendBackup(ctx context.Context, target model.MemberID, batch *model.BackupBatch) (*model.BackupAck, error)
	Read(ctx context.Context, target model.MemberID, req *ReadRequest) (*ReadResponse, error)
	Write(ctx context.Context, target model.MemberID, req *WriteRequest) (*WriteResponse, error)
}

// Handler serves requests delivered to this member
type Handler interface {
	HandleBackup(ctx context.Context, batch *model.BackupBatch) (*model.BackupAck, error)
	HandleRead(ctx context.Context, req *ReadRequest) (*ReadResponse, error)
	HandleWrite(ctx context.Context, req *WriteRequest) (*WriteResponse, error)
}
