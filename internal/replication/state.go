package replication

import (
	stderrors "errors"
	"sync"
	"time"

	"github.com/devrev/pairdb/distcache/internal/backuplog"
	"github.com/devrev/pairdb/distcache/internal/errors"
	"github.com/devrev/pairdb/distcache/internal/model"
	"golang.org/x/time/rate"
)

var errNoBackup = stderrors.New("no backup in chain")

// State is the drain state of a partition
type State int

const (
	// StateIdle means the backup log is empty and nothing is in flight
	StateIdle State = iota
	// StateDraining means entries are pending and a flush is queued or scheduled
	StateDraining
	// StateFlushing means batches are in flight to backups
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateDraining:
		return "draining"
	case StateFlushing:
		return "flushing"
	default:
		return "idle"
	}
}

// Flush triggers, used as metric labels
const (
	triggerWrite    = "write"
	triggerTimer    = "timer"
	triggerPressure = "pressure"
	triggerRetry    = "retry"
	triggerResync   = "resync"
)

// peer tracks one backup relationship of a primary partition
type peer struct {
	watermark uint64
	// broken is set when the backup fell out of the bounded log; it is
	// excluded from truncation and acknowledgement until resynced
	broken bool
	// resync requests a full snapshot before incremental entries resume
	resync bool
	// signalled suppresses repeated unhealthy signals until the backup recovers
	signalled bool
	// snapshotSeq is the sequence of the snapshot planned for a resync
	snapshotSeq     uint64
	snapshotPlanned bool
	failures        int
}

// healthy reports whether the peer is expected to acknowledge incremental entries
func (p *peer) healthy() bool {
	return !p.broken && !p.resync
}

type waiter struct {
	seq  uint64
	done chan error
}

type partitionState struct {
	mu sync.Mutex
	id model.PartitionID

	primary bool
	// epoch changes with every chain change; results of older flushes are discarded
	epoch   uint64
	backups []model.MemberID
	peers   map[model.MemberID]*peer

	log     *backuplog.Log
	nextSeq uint64

	state    State
	inFlight bool
	again    bool

	timer         *time.Timer
	timerGen      uint64
	timerDeadline time.Time
	retryAttempt  int

	waiters []*waiter
	limiter *rate.Limiter

	lastFlush time.Time
}

func newPartitionState(id model.PartitionID, logCfg backuplog.Config, limit rate.Limit, burst int) *partitionState {
	return &partitionState{
		id:      id,
		peers:   make(map[model.MemberID]*peer),
		log:     backuplog.New(id, logCfg),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// floor is the lowest sequence this peer still needs from the log
func (p *peer) floor() (uint64, bool) {
	switch {
	case p.healthy():
		return p.watermark, true
	case p.resync && p.snapshotPlanned && !p.broken:
		// a broken backup is rebuilt from a snapshot and holds nothing back
		return p.snapshotSeq, true
	default:
		return 0, false
	}
}

// healthyPeers returns the backups expected to acknowledge incremental entries
func (ps *partitionState) healthyPeers() []*peer {
	out := make([]*peer, 0, len(ps.backups))
	for _, id := range ps.backups {
		if p := ps.peers[id]; p != nil && p.healthy() {
			out = append(out, p)
		}
	}
	return out
}

// committed is the watermark acknowledged by every healthy backup.
// With no healthy backup nothing needs the log and the head is committed.
func (ps *partitionState) committed() uint64 {
	min := ps.nextSeq
	for _, p := range ps.healthyPeers() {
		if p.watermark < min {
			min = p.watermark
		}
	}
	return min
}

// truncationFloor is the lowest sequence any backup still needs from the log
func (ps *partitionState) truncationFloor() (uint64, bool) {
	var (
		low   uint64
		found bool
	)
	for _, id := range ps.backups {
		p := ps.peers[id]
		if p == nil {
			continue
		}
		if f, ok := p.floor(); ok && (!found || f < low) {
			low, found = f, true
		}
	}
	return low, found
}

// truncate drops the prefix no backup needs anymore
func (ps *partitionState) truncate() int {
	low, ok := ps.truncationFloor()
	if !ok {
		return ps.log.Reset()
	}
	return ps.log.TruncateAcknowledged(low)
}

// acknowledged reports whether seq satisfies a synchronous writer
func (ps *partitionState) acknowledged(seq uint64) bool {
	healthy := ps.healthyPeers()
	if len(healthy) == 0 {
		return false
	}
	for _, p := range healthy {
		if p.watermark < seq {
			return false
		}
	}
	return true
}

// notifyWaiters completes every waiter whose sequence is acknowledged.
// Once the last backup leaves the chain, pending waiters fail at primary durability.
func (ps *partitionState) notifyWaiters() {
	if len(ps.backups) == 0 {
		ps.failWaiters(func(seq uint64) error {
			return errors.ReplicationTimeout(ps.id, seq, errNoBackup)
		})
		return
	}
	remaining := ps.waiters[:0]
	for _, w := range ps.waiters {
		if ps.acknowledged(w.seq) {
			w.done <- nil
			continue
		}
		remaining = append(remaining, w)
	}
	for i := len(remaining); i < len(ps.waiters); i++ {
		ps.waiters[i] = nil
	}
	ps.waiters = remaining
}

func (ps *partitionState) failWaiters(err func(seq uint64) error) {
	for _, w := range ps.waiters {
		w.done <- err(w.seq)
	}
	ps.waiters = nil
}

func (ps *partitionState) removeWaiter(target *waiter) {
	for i, w := range ps.waiters {
		if w == target {
			ps.waiters = append(ps.waiters[:i], ps.waiters[i+1:]...)
			return
		}
	}
}

// pendingWork reports whether any backup is behind the head or awaits a snapshot
func (ps *partitionState) pendingWork() bool {
	for _, id := range ps.backups {
		p := ps.peers[id]
		if p == nil {
			continue
		}
		if p.resync || (!p.broken && p.watermark < ps.nextSeq) {
			return true
		}
	}
	return false
}

// needsResync reports whether any backup awaits a snapshot
func (ps *partitionState) needsResync() bool {
	for _, id := range ps.backups {
		if p := ps.peers[id]; p != nil && p.resync {
			return true
		}
	}
	return false
}

func (ps *partitionState) stopTimer() {
	if ps.timer != nil {
		ps.timer.Stop()
		ps.timer = nil
	}
	ps.timerGen++
}

// settle sets the resting state after a flush round
func (ps *partitionState) settle() {
	if ps.log.Len() == 0 && !ps.needsResync() {
		ps.state = StateIdle
		return
	}
	ps.state = StateDraining
}
