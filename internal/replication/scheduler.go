// Package replication drains each primary partition's backup log to its backups
// under the service's replication policy.
package replication

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/distcache/internal/backuplog"
	"github.com/devrev/pairdb/distcache/internal/errors"
	"github.com/devrev/pairdb/distcache/internal/metrics"
	"github.com/devrev/pairdb/distcache/internal/model"
	"github.com/devrev/pairdb/distcache/internal/store"
	"github.com/devrev/pairdb/distcache/internal/transport"
	"github.com/devrev/pairdb/distcache/internal/util/workerpool"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// HealthListener receives the candidate-unhealthy signal raised when a backup
// falls out of a bounded backup log
type HealthListener interface {
	CandidateUnhealthy(service string, partition model.PartitionID, member model.MemberID, cause error)
}

// Config holds scheduler configuration for one service
type Config struct {
	Service     string
	Self        model.MemberID
	Partitions  int
	// BackupCount is the chain length a synchronous write waits for; a
	// sync write on a chain holding fewer backups is reported at primary durability
	BackupCount int
	Policy      model.ReplicationPolicy
	SyncTimeout time.Duration
	Log         backuplog.Config
	// PressureEntries and PressureAge trigger early flushes under scheduled backups
	PressureEntries int
	PressureAge     time.Duration
	// FlushRate limits pressure flushes per partition per second
	FlushRate  float64
	FlushBurst int
	// MinInterval is the floor of the adaptive scheduled interval
	MinInterval     time.Duration
	MaxBatchEntries int
	RetryInterval   time.Duration
	MaxRetryDelay   time.Duration
}

func (c *Config) setDefaults() {
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 5 * time.Second
	}
	if c.PressureEntries <= 0 {
		c.PressureEntries = 1000
	}
	if c.FlushRate <= 0 {
		c.FlushRate = 10
	}
	if c.FlushBurst <= 0 {
		c.FlushBurst = 1
	}
	if c.MinInterval <= 0 {
		c.MinInterval = c.Policy.Interval / 10
	}
	if c.MaxBatchEntries <= 0 {
		c.MaxBatchEntries = 4096
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 50 * time.Millisecond
	}
	if c.MaxRetryDelay < c.RetryInterval {
		c.MaxRetryDelay = 2 * time.Second
	}
}

// Scheduler owns the primary-side replication state of every partition of a service
type Scheduler struct {
	cfg       Config
	store     *store.Store
	transport transport.Transport
	pool      *workerpool.WorkerPool
	health    HealthListener
	metrics   *metrics.Metrics
	logger    *zap.Logger

	parts   []*partitionState
	stopped atomic.Bool
}

// NewScheduler creates a scheduler. Every partition starts as a non-primary.
func NewScheduler(cfg Config, st *store.Store, tr transport.Transport, pool *workerpool.WorkerPool,
	health HealthListener, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	cfg.setDefaults()

	s := &Scheduler{
		cfg:       cfg,
		store:     st,
		transport: tr,
		pool:      pool,
		health:    health,
		metrics:   m,
		logger:    logger.With(zap.String("service", cfg.Service)),
		parts:     make([]*partitionState, cfg.Partitions),
	}
	for i := range s.parts {
		s.parts[i] = newPartitionState(model.PartitionID(i), cfg.Log, rate.Limit(cfg.FlushRate), cfg.FlushBurst)
	}
	return s
}

// Policy returns the replication policy
func (s *Scheduler) Policy() model.ReplicationPolicy {
	return s.cfg.Policy
}

func (s *Scheduler) part(p model.PartitionID) (*partitionState, error) {
	if p < 0 || int(p) >= len(s.parts) {
		return nil, errors.UnknownPartition(p, len(s.parts))
	}
	return s.parts[p], nil
}

// unhealthy is a candidate-unhealthy signal collected under the partition lock
type unhealthy struct {
	member model.MemberID
	cause  error
}

// Write commits a mutation at this primary and replicates it under the policy.
// The returned sequence is valid whenever the local commit happened, including
// when the error reports DurabilityPrimary.
func (s *Scheduler) Write(ctx context.Context, p model.PartitionID, key string, value []byte, tombstone bool) (uint64, error) {
	ps, err := s.part(p)
	if err != nil {
		return 0, err
	}
	if s.stopped.Load() {
		return 0, errors.PartitionUnavailable(p, "replication stopped")
	}

	ps.mu.Lock()
	if !ps.primary {
		ps.mu.Unlock()
		return 0, errors.NotOwner(p, s.cfg.Self, "")
	}

	entry := model.BackupEntry{
		Partition: p,
		Sequence:  ps.nextSeq + 1,
		Key:       key,
		Value:     value,
		Tombstone: tombstone,
		CreatedAt: time.Now(),
	}

	var (
		overflow *errors.Error
		signals  []unhealthy
	)
	if len(ps.backups) > 0 && ps.log.Full(entry) {
		overflow, signals = s.relieveLocked(ps, entry)
	}

	if _, err := s.store.Apply(entry); err != nil {
		ps.mu.Unlock()
		s.signal(p, signals)
		return 0, errors.InternalError(fmt.Sprintf("failed to commit partition %d sequence %d", p, entry.Sequence), err)
	}
	ps.nextSeq = entry.Sequence
	s.metrics.RecordWrite(s.cfg.Service, string(s.cfg.Policy.Mode))

	if len(ps.backups) == 0 {
		ps.mu.Unlock()
		s.signal(p, signals)
		if s.cfg.Policy.IsSync() && s.cfg.BackupCount > 0 {
			s.metrics.RecordSyncAck(s.cfg.Service, 0, true)
			return entry.Sequence, errors.ReplicationTimeout(p, entry.Sequence, errNoBackup)
		}
		return entry.Sequence, nil
	}

	if err := ps.log.Append(entry); err != nil {
		// relieveLocked leaves room unless a single entry exceeds the byte bound
		s.logger.Error("Backup log append failed after relief",
			zap.Int("partition", int(p)),
			zap.Uint64("sequence", entry.Sequence),
			zap.Error(err))
	}
	if ps.state == StateIdle {
		ps.state = StateDraining
	}

	var w *waiter
	if s.cfg.Policy.IsSync() && overflow == nil {
		w = &waiter{seq: entry.Sequence, done: make(chan error, 1)}
		ps.waiters = append(ps.waiters, w)
	}
	s.scheduleLocked(ps)
	s.updateLagLocked(ps)
	ps.mu.Unlock()

	s.signal(p, signals)
	if overflow != nil {
		return entry.Sequence, overflow
	}
	if w == nil {
		return entry.Sequence, nil
	}
	return entry.Sequence, s.await(ctx, ps, w)
}

// await blocks a synchronous writer until its sequence is acknowledged or the deadline passes.
// A timeout leaves the entry in the log; replication continues in the background.
func (s *Scheduler) await(ctx context.Context, ps *partitionState, w *waiter) error {
	start := time.Now()
	timer := time.NewTimer(s.cfg.SyncTimeout)
	defer timer.Stop()

	var cause error
	select {
	case err := <-w.done:
		s.metrics.RecordSyncAck(s.cfg.Service, time.Since(start).Seconds(), err != nil)
		return err
	case <-timer.C:
		cause = fmt.Errorf("no acknowledgement within %s", s.cfg.SyncTimeout)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	ps.mu.Lock()
	ps.removeWaiter(w)
	ps.mu.Unlock()

	// the acknowledgement may have raced the deadline
	select {
	case err := <-w.done:
		s.metrics.RecordSyncAck(s.cfg.Service, time.Since(start).Seconds(), err != nil)
		return err
	default:
	}

	s.metrics.RecordSyncAck(s.cfg.Service, time.Since(start).Seconds(), true)
	return errors.ReplicationTimeout(ps.id, w.seq, cause)
}

// relieveLocked makes room in a full backup log. Backups holding back truncation
// are marked broken, one overflow error is produced and every newly broken
// backup is reported once.
func (s *Scheduler) relieveLocked(ps *partitionState, entry model.BackupEntry) (*errors.Error, []unhealthy) {
	ps.truncate()
	if !ps.log.Full(entry) {
		return nil, nil
	}

	overflow := errors.BackupLogOverflow(ps.id, ps.log.Len(), ps.log.Config().MaxEntries).
		WithDurability(errors.DurabilityPrimary)
	s.metrics.RecordOverflow(s.cfg.Service)

	var signals []unhealthy
	for ps.log.Full(entry) {
		low, ok := ps.truncationFloor()
		if !ok {
			ps.log.Reset()
			break
		}

		for _, id := range ps.backups {
			p := ps.peers[id]
			if p == nil {
				continue
			}
			if f, ok := p.floor(); !ok || f != low {
				continue
			}
			p.broken = true
			p.resync = true
			p.snapshotPlanned = false
			if !p.signalled {
				p.signalled = true
				signals = append(signals, unhealthy{member: id, cause: overflow})
			}
			s.logger.Warn("Backup fell out of the backup log",
				zap.Int("partition", int(ps.id)),
				zap.String("backup", string(id)),
				zap.Uint64("watermark", p.watermark),
				zap.Uint64("head", ps.nextSeq))
		}
		ps.truncate()
	}
	ps.notifyWaiters()
	return overflow, signals
}

func (s *Scheduler) signal(p model.PartitionID, signals []unhealthy) {
	if s.health == nil {
		return
	}
	for _, sig := range signals {
		s.metrics.RecordUnhealthyCandidate(s.cfg.Service)
		s.health.CandidateUnhealthy(s.cfg.Service, p, sig.member, sig.cause)
	}
}

// scheduleLocked starts or schedules a drain according to the policy
func (s *Scheduler) scheduleLocked(ps *partitionState) {
	if s.cfg.Policy.Mode != model.ReplicationAsyncScheduled {
		s.kickLocked(ps, triggerWrite)
		return
	}

	pending := ps.log.Len()
	pressured := pending >= s.cfg.PressureEntries ||
		(s.cfg.PressureAge > 0 && ps.log.OldestAge(time.Now()) >= s.cfg.PressureAge)
	if pressured && ps.limiter.Allow() {
		s.kickLocked(ps, triggerPressure)
		return
	}
	s.armTimerLocked(ps)
}

// effectiveInterval shortens the scheduled interval as the backlog grows.
// It never exceeds the configured interval and never drops below MinInterval.
func (s *Scheduler) effectiveInterval(backlog int) time.Duration {
	interval := s.cfg.Policy.Interval
	pressure := s.cfg.PressureEntries
	d := time.Duration(float64(interval) * float64(pressure) / float64(pressure+backlog))
	if d < s.cfg.MinInterval {
		d = s.cfg.MinInterval
	}
	if d > interval {
		d = interval
	}
	return d
}

// armTimerLocked ensures a flush fires no later than the oldest pending entry's
// creation plus the effective interval. An idle partition keeps no timer.
func (s *Scheduler) armTimerLocked(ps *partitionState) {
	if ps.log.Len() == 0 && !ps.needsResync() {
		return
	}

	now := time.Now()
	deadline := now.Add(-ps.log.OldestAge(now)).Add(s.effectiveInterval(ps.log.Len()))
	if ps.timer != nil && !ps.timerDeadline.After(deadline) {
		return
	}

	ps.stopTimer()
	gen := ps.timerGen
	delay := time.Until(deadline)
	if delay < 0 {
		delay = 0
	}
	ps.timerDeadline = deadline
	ps.timer = time.AfterFunc(delay, func() {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		if ps.timerGen != gen || !ps.primary {
			return
		}
		ps.timer = nil
		s.kickLocked(ps, triggerTimer)
	})
}

// kickLocked starts a drain unless one is already running
func (s *Scheduler) kickLocked(ps *partitionState, trigger string) {
	if s.stopped.Load() || !ps.primary {
		return
	}
	if ps.inFlight {
		ps.again = true
		return
	}

	ps.inFlight = true
	ps.again = false
	if ps.state == StateIdle {
		ps.state = StateDraining
	}

	epoch := ps.epoch
	task := workerpool.Task{
		ID:  fmt.Sprintf("%s/%d/%s", s.cfg.Service, ps.id, trigger),
		Key: int(ps.id),
		Fn: func(ctx context.Context) error {
			return s.drain(ctx, ps, trigger)
		},
	}
	if err := s.pool.Submit(task); err != nil {
		ps.inFlight = false
		s.logger.Debug("Drain queue full, retrying later",
			zap.Int("partition", int(ps.id)),
			zap.Error(err))
		s.retryLaterLocked(ps, epoch)
	}
}

// retryLaterLocked re-kicks the partition after an exponential delay
func (s *Scheduler) retryLaterLocked(ps *partitionState, epoch uint64) {
	delay := s.cfg.RetryInterval << uint(min(ps.retryAttempt, 16))
	if delay > s.cfg.MaxRetryDelay || delay <= 0 {
		delay = s.cfg.MaxRetryDelay
	}
	ps.retryAttempt++
	time.AfterFunc(delay, func() {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		if ps.epoch != epoch {
			return
		}
		s.kickLocked(ps, triggerRetry)
	})
}

// send is one batch bound for one backup
type send struct {
	target model.MemberID
	batch  *model.BackupBatch
	ack    *model.BackupAck
	err    error
}

// plan builds one batch per backup that is behind the head. Must hold ps.mu.
func (s *Scheduler) planLocked(ps *partitionState) ([]*send, error) {
	committed := ps.committed()
	head := ps.nextSeq

	var sends []*send
	for _, id := range ps.backups {
		p := ps.peers[id]
		if p == nil {
			continue
		}

		batch := &model.BackupBatch{
			BatchID:   uuid.NewString(),
			Service:   s.cfg.Service,
			Partition: ps.id,
			Primary:   s.cfg.Self,
			Committed: committed,
		}

		switch {
		case p.resync:
			if err := s.snapshotInto(ps, p, batch); err != nil {
				return nil, err
			}
		case p.watermark < head:
			upTo := head
			if limit := p.watermark + uint64(s.cfg.MaxBatchEntries); limit < upTo {
				upTo = limit
			}
			batch.Entries = ps.log.DrainRange(p.watermark, upTo)
			if len(batch.Entries) == 0 || batch.Entries[0].Sequence != p.watermark+1 {
				// the log no longer holds what this backup needs
				p.resync = true
				if err := s.snapshotInto(ps, p, batch); err != nil {
					return nil, err
				}
			}
		default:
			continue
		}
		sends = append(sends, &send{target: id, batch: batch})
	}
	return sends, nil
}

// snapshotInto fills batch with the partition's full contents. The log keeps
// every entry after the snapshot until the backup acknowledges it.
func (s *Scheduler) snapshotInto(ps *partitionState, p *peer, batch *model.BackupBatch) error {
	entries, seq, err := s.store.Snapshot(ps.id)
	if err != nil {
		return err
	}
	batch.Snapshot = true
	batch.Entries = entries
	batch.Sequence = seq
	p.snapshotSeq = seq
	p.snapshotPlanned = true
	return nil
}

// drain runs flush rounds until every backup caught up with the work it was given
func (s *Scheduler) drain(ctx context.Context, ps *partitionState, trigger string) error {
	for {
		ps.mu.Lock()
		if !ps.primary || s.stopped.Load() {
			ps.inFlight = false
			ps.state = StateIdle
			ps.mu.Unlock()
			return nil
		}

		ps.again = false
		epoch := ps.epoch
		head := ps.nextSeq
		sends, err := s.planLocked(ps)
		if err != nil {
			ps.inFlight = false
			s.retryLaterLocked(ps, epoch)
			ps.mu.Unlock()
			return err
		}
		if len(sends) == 0 {
			ps.truncate()
			ps.notifyWaiters()
			ps.inFlight = false
			ps.settle()
			s.updateLagLocked(ps)
			ps.mu.Unlock()
			return nil
		}
		ps.state = StateFlushing
		ps.mu.Unlock()

		s.sendAll(ctx, sends)

		ps.mu.Lock()
		if ps.epoch != epoch {
			// the chain changed while batches were in flight; replan against the new chain
			ps.mu.Unlock()
			continue
		}
		failures := s.applyResultsLocked(ps, sends, head)
		s.recordFlush(trigger, sends, failures)
		ps.lastFlush = time.Now()

		if failures > 0 {
			ps.inFlight = false
			ps.state = StateDraining
			s.retryLaterLocked(ps, epoch)
			s.updateLagLocked(ps)
			ps.mu.Unlock()
			return fmt.Errorf("%d of %d backup batches failed", failures, len(sends))
		}
		ps.retryAttempt = 0

		if s.continueLocked(ps, head) {
			ps.mu.Unlock()
			trigger = triggerWrite
			continue
		}

		ps.inFlight = false
		ps.settle()
		if s.cfg.Policy.Mode == model.ReplicationAsyncScheduled {
			s.armTimerLocked(ps)
		}
		s.updateLagLocked(ps)
		ps.mu.Unlock()
		return nil
	}
}

// continueLocked decides whether another round runs immediately. Scheduled
// backups only finish the work visible when the round was planned.
func (s *Scheduler) continueLocked(ps *partitionState, plannedHead uint64) bool {
	if ps.again || ps.needsResync() {
		return true
	}
	if s.cfg.Policy.Mode != model.ReplicationAsyncScheduled {
		return ps.pendingWork()
	}
	for _, p := range ps.healthyPeers() {
		if p.watermark < plannedHead {
			return true
		}
	}
	return false
}

func (s *Scheduler) sendAll(ctx context.Context, sends []*send) {
	var g errgroup.Group
	for _, sd := range sends {
		sd := sd
		g.Go(func() error {
			sd.ack, sd.err = s.transport.SendBackup(ctx, sd.target, sd.batch)
			return nil
		})
	}
	_ = g.Wait()
}

// applyResultsLocked advances watermarks from acknowledgements and returns the number of failures
func (s *Scheduler) applyResultsLocked(ps *partitionState, sends []*send, head uint64) int {
	failures := 0
	for _, sd := range sends {
		p := ps.peers[sd.target]
		if p == nil {
			continue
		}
		if sd.err != nil {
			failures++
			p.failures++
			s.logger.Debug("Backup batch not acknowledged",
				zap.Int("partition", int(ps.id)),
				zap.String("backup", string(sd.target)),
				zap.Bool("snapshot", sd.batch.Snapshot),
				zap.Int("attempt", p.failures),
				zap.Error(sd.err))
			continue
		}

		p.failures = 0
		if sd.batch.Snapshot {
			if !p.resync || !p.snapshotPlanned || p.snapshotSeq != sd.batch.Sequence {
				// superseded by a later overflow
				continue
			}
			// a snapshot replaces the backup copy, so its watermark may move backwards
			p.watermark = sd.ack.Watermark
			p.snapshotPlanned = false
			if p.broken {
				s.logger.Info("Backup resynchronized",
					zap.Int("partition", int(ps.id)),
					zap.String("backup", string(sd.target)),
					zap.Uint64("watermark", p.watermark))
			}
			p.resync = false
			p.broken = false
			p.signalled = false
		} else if sd.ack.Watermark > p.watermark {
			p.watermark = sd.ack.Watermark
		}

		// the backup is consistent only if the log still holds its next entry
		if p.watermark < ps.nextSeq && (ps.log.Len() == 0 || ps.log.FirstSeq() > p.watermark+1) {
			p.resync = true
		}
	}

	ps.truncate()
	ps.notifyWaiters()
	return failures
}

func (s *Scheduler) recordFlush(trigger string, sends []*send, failures int) {
	sizes := make([]int, 0, len(sends))
	for _, sd := range sends {
		sizes = append(sizes, len(sd.batch.Entries))
	}
	s.metrics.RecordFlush(s.cfg.Service, trigger, sizes, failures)
}

func (s *Scheduler) updateLagLocked(ps *partitionState) {
	s.metrics.UpdateLag(s.cfg.Service, int(ps.id), ps.log.Len(), ps.log.OldestAge(time.Now()).Seconds())
}

// OnChainChange installs a new ownership chain for a partition.
// A member that stops being primary discards its unacknowledged entries; a
// newly promoted primary continues the sequence from its local copy and
// resynchronizes every backup.
func (s *Scheduler) OnChainChange(p model.PartitionID, chain model.Chain) error {
	ps, err := s.part(p)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.epoch++
	wasPrimary := ps.primary
	isPrimary := !chain.IsEmpty() && chain.Primary() == s.cfg.Self

	switch {
	case !isPrimary:
		if wasPrimary {
			dropped := ps.log.Reset()
			if dropped > 0 {
				s.logger.Warn("Primary ownership lost, unacknowledged backup entries discarded",
					zap.Int("partition", int(p)),
					zap.Int("entries", dropped))
			}
			ps.failWaiters(func(seq uint64) error {
				return errors.ReplicationTimeout(p, seq, fmt.Errorf("primary ownership moved to %q", chain.Primary()))
			})
		}
		ps.stopTimer()
		ps.primary = false
		ps.backups = nil
		ps.peers = make(map[model.MemberID]*peer)
		ps.inFlight = false
		ps.state = StateIdle
		s.updateLagLocked(ps)
		return nil

	case !wasPrimary:
		ps.primary = true
		ps.nextSeq = s.store.AppliedSeq(p)
		ps.log.Reset()
		ps.peers = make(map[model.MemberID]*peer)
		ps.inFlight = false
		ps.retryAttempt = 0
		for _, id := range chain.Backups() {
			ps.peers[id] = &peer{resync: true}
		}

	default:
		peers := make(map[model.MemberID]*peer, len(chain.Backups()))
		for _, id := range chain.Backups() {
			if existing, ok := ps.peers[id]; ok {
				peers[id] = existing
				continue
			}
			peers[id] = &peer{resync: true}
		}
		ps.peers = peers
	}

	ps.backups = append([]model.MemberID(nil), chain.Backups()...)
	ps.truncate()
	ps.notifyWaiters()
	ps.settle()
	if ps.pendingWork() {
		s.kickLocked(ps, triggerResync)
	}
	s.updateLagLocked(ps)
	return nil
}

// IsPrimary reports whether this member currently accepts writes for p
func (s *Scheduler) IsPrimary(p model.PartitionID) bool {
	ps, err := s.part(p)
	if err != nil {
		return false
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.primary
}

// Lag describes the replication lag of one partition
type Lag struct {
	Partition     model.PartitionID         `json:"partition"`
	Primary       bool                      `json:"primary"`
	State         string                    `json:"state"`
	Head          uint64                    `json:"head"`
	Pending       int                       `json:"pending_entries"`
	OldestPending time.Duration             `json:"oldest_pending"`
	Watermarks    map[model.MemberID]uint64 `json:"watermarks,omitempty"`
	Broken        []model.MemberID          `json:"broken,omitempty"`
	LastFlush     time.Time                 `json:"last_flush,omitempty"`
}

// Lag returns the replication lag of a partition
func (s *Scheduler) Lag(p model.PartitionID) (Lag, error) {
	ps, err := s.part(p)
	if err != nil {
		return Lag{}, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	lag := Lag{
		Partition:     p,
		Primary:       ps.primary,
		State:         ps.state.String(),
		Head:          ps.nextSeq,
		Pending:       ps.log.Len(),
		OldestPending: ps.log.OldestAge(time.Now()),
		LastFlush:     ps.lastFlush,
	}
	if len(ps.backups) > 0 {
		lag.Watermarks = make(map[model.MemberID]uint64, len(ps.backups))
		for _, id := range ps.backups {
			pe := ps.peers[id]
			lag.Watermarks[id] = pe.watermark
			if pe.broken {
				lag.Broken = append(lag.Broken, id)
			}
		}
	}
	return lag, nil
}

// State returns the drain state of a partition
func (s *Scheduler) State(p model.PartitionID) State {
	ps, err := s.part(p)
	if err != nil {
		return StateIdle
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.state
}

// Flush requests an immediate drain of a partition regardless of policy
func (s *Scheduler) Flush(p model.PartitionID) error {
	ps, err := s.part(p)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	s.kickLocked(ps, triggerWrite)
	return nil
}

// Stop cancels timers and fails waiting synchronous writers
func (s *Scheduler) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	for _, ps := range s.parts {
		ps.mu.Lock()
		ps.stopTimer()
		ps.failWaiters(func(seq uint64) error {
			return errors.ReplicationTimeout(ps.id, seq, fmt.Errorf("replication stopped"))
		})
		ps.mu.Unlock()
	}
}
