package partition

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/devrev/pairdb/distcache/internal/model"
)

// For maps a key to its partition: SHA-256 of the key, first 8 bytes big-endian, modulo count
func For(key string, count int) model.PartitionID {
	if count <= 1 {
		return 0
	}
	sum := sha256.Sum256([]byte(key))
	return model.PartitionID(binary.BigEndian.Uint64(sum[:8]) % uint64(count))
}

// Group buckets keys by partition, preserving key order within a partition
func Group(keys []string, count int) map[model.PartitionID][]string {
	groups := make(map[model.PartitionID][]string)
	for _, k := range keys {
		p := For(k, count)
		groups[p] = append(groups[p], k)
	}
	return groups
}
