package replication

import (
	"sync"

	"github.com/devrev/pairdb/distcache/internal/backuplog"
	"github.com/devrev/pairdb/distcache/internal/errors"
	"github.com/devrev/pairdb/distcache/internal/metrics"
	"github.com/devrev/pairdb/distcache/internal/model"
	"github.com/devrev/pairdb/distcache/internal/store"
	"go.uber.org/zap"
)

// staging is the backup-side log of received entries not yet committed chain-wide.
// Staged entries sit above the local copy's applied sequence and are applied
// once the primary reports them committed, or on promotion.
type staging struct {
	mu     sync.Mutex
	log    *backuplog.Log
	latest map[string]model.BackupEntry
	// syncedWith is the primary whose snapshot this copy was rebuilt from
	syncedWith model.MemberID
}

func (st *staging) reset() int {
	st.latest = make(map[string]model.BackupEntry)
	return st.log.Reset()
}

// Receiver stages backup batches at a backup and keeps the entries a
// promotion replays.
type Receiver struct {
	service string
	self    model.MemberID
	store   *store.Store
	parts   []*staging
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewReceiver creates the backup side of a service
func NewReceiver(service string, self model.MemberID, partitions int, logCfg backuplog.Config,
	st *store.Store, m *metrics.Metrics, logger *zap.Logger) *Receiver {
	r := &Receiver{
		service: service,
		self:    self,
		store:   st,
		parts:   make([]*staging, partitions),
		metrics: m,
		logger:  logger.With(zap.String("service", service)),
	}
	for i := range r.parts {
		r.parts[i] = &staging{
			log:    backuplog.New(model.PartitionID(i), logCfg),
			latest: make(map[string]model.BackupEntry),
		}
	}
	return r
}

func (r *Receiver) part(p model.PartitionID) (*staging, error) {
	if p < 0 || int(p) >= len(r.parts) {
		return nil, errors.UnknownPartition(p, len(r.parts))
	}
	return r.parts[p], nil
}

// Accept stages a batch and returns the cumulative acknowledgement.
// Entries already received are skipped, so redelivered batches are harmless.
func (r *Receiver) Accept(batch *model.BackupBatch) (*model.BackupAck, error) {
	st, err := r.part(batch.Partition)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	r.metrics.RecordBackupBatch(r.service, batch.Snapshot)

	if batch.Snapshot {
		if err := r.store.Replace(batch.Partition, batch.Entries, batch.Sequence); err != nil {
			return nil, err
		}
		st.reset()
		st.syncedWith = batch.Primary
		r.logger.Debug("Partition snapshot installed",
			zap.Int("partition", int(batch.Partition)),
			zap.String("primary", string(batch.Primary)),
			zap.Int("keys", len(batch.Entries)),
			zap.Uint64("sequence", batch.Sequence))
		return r.ack(st, batch.Partition), nil
	}

	for _, e := range batch.Entries {
		received := r.receivedLocked(st, batch.Partition)
		if e.Sequence <= received {
			continue
		}
		if e.Sequence != received+1 {
			// a gap leaves the watermark where it is; the primary resends from there
			r.logger.Warn("Backup entry rejected",
				zap.Int("partition", int(batch.Partition)),
				zap.Uint64("sequence", e.Sequence),
				zap.Error(errors.SequenceGap(batch.Partition, received, e.Sequence)))
			break
		}
		if err := r.stageLocked(st, e); err != nil {
			return nil, err
		}
	}
	if err := r.commitLocked(st, batch.Committed); err != nil {
		return nil, err
	}
	return r.ack(st, batch.Partition), nil
}

// receivedLocked is the highest sequence held, staged or applied
func (r *Receiver) receivedLocked(st *staging, p model.PartitionID) uint64 {
	if last := st.log.LastSeq(); last > 0 {
		return last
	}
	return r.store.AppliedSeq(p)
}

func (r *Receiver) stageLocked(st *staging, e model.BackupEntry) error {
	for st.log.Len() > 0 && st.log.Full(e) {
		// the oldest staged entries are applied early to make room
		if err := r.commitLocked(st, st.log.FirstSeq()); err != nil {
			return err
		}
	}
	if err := st.log.Append(e); err != nil {
		return err
	}
	st.latest[e.Key] = e
	return nil
}

// commitLocked applies the staged entries up to seq to the local copy
func (r *Receiver) commitLocked(st *staging, seq uint64) error {
	if seq == 0 || st.log.Len() == 0 || st.log.FirstSeq() > seq {
		return nil
	}
	_, err := r.applyLocked(st, st.log.DrainUpTo(seq))
	return err
}

// applyLocked applies entries in order and removes them from staging.
// It returns how many changed the local copy.
func (r *Receiver) applyLocked(st *staging, entries []model.BackupEntry) (int, error) {
	applied := 0
	for _, e := range entries {
		ok, err := r.store.Apply(e)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
		if cur, staged := st.latest[e.Key]; staged && cur.Sequence == e.Sequence {
			delete(st.latest, e.Key)
		}
		st.log.TruncateAcknowledged(e.Sequence)
	}
	return applied, nil
}

func (r *Receiver) ack(st *staging, p model.PartitionID) *model.BackupAck {
	return &model.BackupAck{Member: r.self, Partition: p, Watermark: r.receivedLocked(st, p)}
}

// Lookup reads key from this backup's view of a partition: the newest staged
// mutation first, then the local copy.
func (r *Receiver) Lookup(p model.PartitionID, key string) (store.Record, bool) {
	st, err := r.part(p)
	if err != nil {
		return store.Record{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if e, ok := st.latest[key]; ok {
		if e.Tombstone {
			return store.Record{}, false
		}
		return store.Record{Key: e.Key, Value: e.Value, Sequence: e.Sequence, UpdatedAt: e.CreatedAt}, true
	}
	return r.store.Get(p, key)
}

// Received returns the highest sequence this backup holds for a partition
func (r *Receiver) Received(p model.PartitionID) uint64 {
	st, err := r.part(p)
	if err != nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return r.receivedLocked(st, p)
}

// Synced reports whether the copy was rebuilt from primary's snapshot since
// this member joined primary's chain
func (r *Receiver) Synced(p model.PartitionID, primary model.MemberID) bool {
	st, err := r.part(p)
	if err != nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return primary != "" && st.syncedWith == primary
}

// OnChainChange forgets the snapshot source once this member leaves the
// chain or the chain changes primary. Staged entries are kept for a promotion.
func (r *Receiver) OnChainChange(p model.PartitionID, chain model.Chain) error {
	st, err := r.part(p)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if chain.IsEmpty() || !chain.Contains(r.self) || chain.Primary() != st.syncedWith {
		st.syncedWith = ""
	}
	return nil
}

// Retained returns the staged entries of a partition
func (r *Receiver) Retained(p model.PartitionID) []model.BackupEntry {
	st, err := r.part(p)
	if err != nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.log.DrainUpTo(st.log.LastSeq())
}

// Replay applies the staged entries of a partition in sequence order and
// returns how many changed the local copy. A second replay finds nothing staged.
func (r *Receiver) Replay(p model.PartitionID) (int, error) {
	st, err := r.part(p)
	if err != nil {
		return 0, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.log.Len() == 0 {
		return 0, nil
	}
	return r.applyLocked(st, st.log.DrainUpTo(st.log.LastSeq()))
}

// Release discards the staged entries of a partition
func (r *Receiver) Release(p model.PartitionID) int {
	st, err := r.part(p)
	if err != nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.syncedWith = ""
	return st.reset()
}
