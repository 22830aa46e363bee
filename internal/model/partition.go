package model

import "fmt"

// PartitionID identifies a partition in [0, count)
type PartitionID int

// PartitionState is the availability of a partition
type PartitionState string

const (
	// PartitionStateAvailable means a primary is assigned and accepting writes
	PartitionStateAvailable PartitionState = "available"
	// PartitionStateRecovering means a promoted primary is replaying its retained log
	PartitionStateRecovering PartitionState = "recovering"
	// PartitionStateUnavailable means no live member holds the partition
	PartitionStateUnavailable PartitionState = "unavailable"
)

// Chain is the ordered ownership chain of a partition.
// Members[0] is the primary; the rest are backups in preference order.
// A chain is replaced wholesale, never mutated in place.
type Chain struct {
	Partition PartitionID `json:"partition"`
	Members   []MemberID  `json:"members"`
	// Orphaned is set when every member of a previously assigned chain has left
	Orphaned bool `json:"orphaned,omitempty"`
}

// Primary returns the primary owner or "" for an empty chain
func (c Chain) Primary() MemberID {
	if len(c.Members) == 0 {
		return ""
	}
	return c.Members[0]
}

// Backups returns the backup owners in preference order
func (c Chain) Backups() []MemberID {
	if len(c.Members) <= 1 {
		return nil
	}
	return c.Members[1:]
}

// Contains reports whether the member appears anywhere in the chain
func (c Chain) Contains(id MemberID) bool {
	return c.IndexOf(id) >= 0
}

// IndexOf returns the chain position of a member, or -1
func (c Chain) IndexOf(id MemberID) int {
	for i, m := range c.Members {
		if m == id {
			return i
		}
	}
	return -1
}

// IsEmpty reports whether no member holds the partition
func (c Chain) IsEmpty() bool {
	return len(c.Members) == 0
}

// Equal compares two chains member by member
func (c Chain) Equal(o Chain) bool {
	if c.Partition != o.Partition || c.Orphaned != o.Orphaned || len(c.Members) != len(o.Members) {
		return false
	}
	for i := range c.Members {
		if c.Members[i] != o.Members[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares no memory with c
func (c Chain) Clone() Chain {
	members := make([]MemberID, len(c.Members))
	copy(members, c.Members)
	return Chain{Partition: c.Partition, Members: members, Orphaned: c.Orphaned}
}

func (c Chain) String() string {
	return fmt.Sprintf("partition=%d chain=%v", c.Partition, c.Members)
}

// Assignment is a versioned snapshot of a partition's chain and state
type Assignment struct {
	Chain   Chain          `json:"chain"`
	State   PartitionState `json:"state"`
	Version uint64         `json:"version"`
}
