package replication

import (
	"testing"
	"time"

	"github.com/devrev/pairdb/distcache/internal/backuplog"
	"github.com/devrev/pairdb/distcache/internal/model"
	"github.com/devrev/pairdb/distcache/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func entry(p model.PartitionID, seq uint64, key, value string) model.BackupEntry {
	return model.BackupEntry{Partition: p, Sequence: seq, Key: key, Value: []byte(value), CreatedAt: time.Now()}
}

func newReceiver(maxEntries int) (*Receiver, *store.Store) {
	st := store.New(2)
	return NewReceiver("test", backupID, 2, backuplog.Config{MaxEntries: maxEntries}, st, nil, zap.NewNop()), st
}

func TestReceiver_AcceptIsIdempotent(t *testing.T) {
	r, st := newReceiver(100)
	batch := &model.BackupBatch{
		Partition: 1,
		Primary:   primaryID,
		Entries:   []model.BackupEntry{entry(1, 1, "a", "1"), entry(1, 2, "b", "2")},
	}

	ack, err := r.Accept(batch)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ack.Watermark)
	assert.Equal(t, backupID, ack.Member)

	// redelivery
	ack, err = r.Accept(batch)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ack.Watermark)
	assert.Len(t, r.Retained(1), 2)

	// staged until committed, yet visible to backup reads
	assert.Equal(t, 0, st.Len(1))
	rec, ok := r.Lookup(1, "b")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), rec.Value)
	assert.Equal(t, uint64(2), r.Received(1))
}

func TestReceiver_CommittedAppliesAndTruncatesRetained(t *testing.T) {
	r, st := newReceiver(100)

	_, err := r.Accept(&model.BackupBatch{
		Partition: 0,
		Entries:   []model.BackupEntry{entry(0, 1, "a", "1"), entry(0, 2, "b", "2"), entry(0, 3, "c", "3")},
		Committed: 2,
	})
	require.NoError(t, err)

	retained := r.Retained(0)
	require.Len(t, retained, 1)
	assert.Equal(t, uint64(3), retained[0].Sequence)
	assert.Equal(t, uint64(2), st.AppliedSeq(0))

	// a later batch carries the commit point forward
	_, err = r.Accept(&model.BackupBatch{Partition: 0, Committed: 3})
	require.NoError(t, err)
	assert.Empty(t, r.Retained(0))
	assert.Equal(t, uint64(3), st.AppliedSeq(0))
}

func TestReceiver_GapHoldsWatermark(t *testing.T) {
	r, _ := newReceiver(100)

	ack, err := r.Accept(&model.BackupBatch{
		Partition: 0,
		Entries:   []model.BackupEntry{entry(0, 1, "a", "1"), entry(0, 3, "c", "3")},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ack.Watermark)
}

func TestReceiver_SnapshotReplacesCopy(t *testing.T) {
	r, st := newReceiver(100)
	_, err := r.Accept(&model.BackupBatch{Partition: 0, Entries: []model.BackupEntry{entry(0, 1, "stale", "x")}})
	require.NoError(t, err)

	ack, err := r.Accept(&model.BackupBatch{
		Partition: 0,
		Primary:   primaryID,
		Snapshot:  true,
		Sequence:  40,
		Entries:   []model.BackupEntry{entry(0, 39, "a", "1"), entry(0, 40, "b", "2")},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(40), ack.Watermark)

	_, ok := st.Get(0, "stale")
	assert.False(t, ok)
	_, ok = r.Lookup(0, "stale")
	assert.False(t, ok)
	assert.Equal(t, 2, st.Len(0))
	assert.Empty(t, r.Retained(0))
	assert.True(t, r.Synced(0, primaryID))
}

func TestReceiver_ReplayTwiceMatchesOnce(t *testing.T) {
	r, st := newReceiver(100)
	_, err := r.Accept(&model.BackupBatch{
		Partition: 1,
		Entries:   []model.BackupEntry{entry(1, 1, "a", "1"), entry(1, 2, "a", "2"), entry(1, 3, "b", "3")},
	})
	require.NoError(t, err)

	replayed, err := r.Replay(1)
	require.NoError(t, err)
	assert.Equal(t, 3, replayed)
	once, _, err := st.Snapshot(1)
	require.NoError(t, err)

	replayed, err = r.Replay(1)
	require.NoError(t, err)
	assert.Equal(t, 0, replayed)
	twice, seq, err := st.Snapshot(1)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, uint64(3), seq)
	rec, ok := st.Get(1, "a")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), rec.Value)
}

func TestReceiver_BoundedRetention(t *testing.T) {
	r, st := newReceiver(2)
	_, err := r.Accept(&model.BackupBatch{
		Partition: 0,
		Entries:   []model.BackupEntry{entry(0, 1, "a", "1"), entry(0, 2, "b", "2"), entry(0, 3, "c", "3")},
	})
	require.NoError(t, err)

	retained := r.Retained(0)
	require.Len(t, retained, 2)
	assert.Equal(t, uint64(2), retained[0].Sequence)
	// the oldest entry was applied to make room
	assert.Equal(t, uint64(1), st.AppliedSeq(0))
	assert.Equal(t, uint64(3), r.Received(0))
}

func TestReceiver_StagedTombstoneHidesCommittedValue(t *testing.T) {
	r, st := newReceiver(100)
	del := entry(0, 2, "a", "")
	del.Tombstone = true
	_, err := r.Accept(&model.BackupBatch{
		Partition: 0,
		Entries:   []model.BackupEntry{entry(0, 1, "a", "1"), del},
		Committed: 1,
	})
	require.NoError(t, err)

	_, ok := st.Get(0, "a")
	assert.True(t, ok)
	_, ok = r.Lookup(0, "a")
	assert.False(t, ok)

	replayed, err := r.Replay(0)
	require.NoError(t, err)
	assert.Equal(t, 1, replayed)
	_, ok = st.Get(0, "a")
	assert.False(t, ok)
}

func TestReceiver_ChainChangeForgetsSnapshotSource(t *testing.T) {
	r, _ := newReceiver(100)
	_, err := r.Accept(&model.BackupBatch{Partition: 0, Primary: primaryID, Snapshot: true})
	require.NoError(t, err)

	require.NoError(t, r.OnChainChange(0, chainOf(0, primaryID, backupID, "member-c")))
	assert.True(t, r.Synced(0, primaryID), "same primary keeps the copy")

	require.NoError(t, r.OnChainChange(0, chainOf(0, "member-c", backupID)))
	assert.False(t, r.Synced(0, primaryID))
	assert.False(t, r.Synced(0, "member-c"))

	_, err = r.Accept(&model.BackupBatch{Partition: 0, Primary: "member-c", Snapshot: true})
	require.NoError(t, err)
	require.NoError(t, r.OnChainChange(0, chainOf(0, "member-c")))
	assert.False(t, r.Synced(0, "member-c"), "left the chain")
}
