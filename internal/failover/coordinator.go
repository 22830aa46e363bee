// Package failover applies recomputed ownership chains to a member's view of a
// service: it promotes backups, replays retained entries and marks partitions
// without live owners unavailable.
package failover

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/distcache/internal/errors"
	"github.com/devrev/pairdb/distcache/internal/metrics"
	"github.com/devrev/pairdb/distcache/internal/model"
	"github.com/devrev/pairdb/distcache/internal/ownership"
	"github.com/devrev/pairdb/distcache/internal/partition"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Replicator accepts chain changes on the primary side
type Replicator interface {
	OnChainChange(p model.PartitionID, chain model.Chain) error
}

// Replayer holds the entries a backup received but the chain has not committed
type Replayer interface {
	Replay(p model.PartitionID) (int, error)
	Release(p model.PartitionID) int
}

// Copies is the local data of the partitions
type Copies interface {
	Drop(p model.PartitionID)
}

// UnhealthyCandidate is a backup whose relationship with a primary broke
type UnhealthyCandidate struct {
	Partition model.PartitionID `json:"partition"`
	Member    model.MemberID    `json:"member"`
	Reason    string            `json:"reason"`
	Since     time.Time         `json:"since"`
}

type candidateKey struct {
	partition model.PartitionID
	member    model.MemberID
}

// Coordinator serializes view changes for one service
type Coordinator struct {
	service  string
	self     model.MemberID
	pmap     *partition.Map
	resolver *ownership.Resolver
	replica  Replicator
	replayer Replayer
	copies   Copies
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// mu serializes view handling
	mu      sync.Mutex
	members []model.Member

	healthMu  sync.Mutex
	unhealthy map[candidateKey]UnhealthyCandidate
}

// NewCoordinator creates a failover coordinator
func NewCoordinator(service string, self model.MemberID, pmap *partition.Map, resolver *ownership.Resolver,
	replica Replicator, replayer Replayer, copies Copies, m *metrics.Metrics, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		service:   service,
		self:      self,
		pmap:      pmap,
		resolver:  resolver,
		replica:   replica,
		replayer:  replayer,
		copies:    copies,
		metrics:   m,
		logger:    logger.With(zap.String("service", service)),
		unhealthy: make(map[candidateKey]UnhealthyCandidate),
	}
}

// SetReplicator attaches the primary side. It must be set before the first view.
func (c *Coordinator) SetReplicator(r Replicator) {
	c.replica = r
}

// HandleView recomputes every chain against the live members and applies the
// partitions whose chain changed. Calls are serialized; partitions are applied in parallel.
func (c *Coordinator) HandleView(ctx context.Context, members []model.Member) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	current := c.pmap.Snapshot()
	previous := make([]model.Chain, len(current))
	for i, a := range current {
		previous[i] = a.Chain
	}

	next, err := c.resolver.ResolveAll(ctx, previous, members)
	if err != nil {
		return fmt.Errorf("failed to recompute ownership chains: %w", err)
	}
	c.members = append([]model.Member(nil), members...)

	// one failing partition must not stop the others from moving
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range next {
		i := i
		if next[i].Equal(previous[i]) && current[i].Version > 0 {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return c.apply(current[i], next[i])
		})
	}
	err = g.Wait()

	c.forgetStaleCandidates(next)
	c.metrics.RecordRecomputation(c.service, time.Since(start).Seconds())
	c.metrics.UpdateUnavailable(c.service, c.countUnavailable())

	moved := ownership.Moved(previous, next)
	c.logger.Info("View applied",
		zap.Int("members", len(members)),
		zap.Int("chains_changed", len(moved)),
		zap.Duration("duration", time.Since(start)))
	return err
}

// apply installs one recomputed chain
func (c *Coordinator) apply(prev model.Assignment, chain model.Chain) error {
	p := chain.Partition

	if chain.IsEmpty() {
		if err := c.replica.OnChainChange(p, chain); err != nil {
			return err
		}
		if _, err := c.pmap.Assign(p, chain, model.PartitionStateUnavailable); err != nil {
			return err
		}
		c.release(p)
		if chain.Orphaned && !prev.Chain.Orphaned {
			c.logger.Error("Partition lost every owner",
				zap.Int("partition", int(p)),
				zap.Strings("previous_chain", idStrings(prev.Chain.Members)))
		}
		return nil
	}

	promoted := chain.Primary() == c.self &&
		prev.Chain.Primary() != c.self &&
		prev.Chain.Contains(c.self)
	if promoted {
		return c.promote(p, prev.Chain, chain)
	}

	if err := c.replica.OnChainChange(p, chain); err != nil {
		return err
	}
	if _, err := c.pmap.Assign(p, chain, model.PartitionStateAvailable); err != nil {
		return err
	}
	if !chain.Contains(c.self) {
		c.release(p)
	}
	return nil
}

// promote turns this backup into the primary. The partition stays recovering,
// and rejects writes, until the retained entries are replayed.
func (c *Coordinator) promote(p model.PartitionID, prev, chain model.Chain) error {
	if _, err := c.pmap.Assign(p, chain, model.PartitionStateRecovering); err != nil {
		return err
	}

	replayed, err := c.replayer.Replay(p)
	if err != nil {
		// the partition stays recovering; the next view change retries
		c.logger.Error("Replay of retained backup entries failed",
			zap.Int("partition", int(p)),
			zap.Int("replayed", replayed),
			zap.Error(err))
		return errors.PartitionUnavailable(p, "replay failed").WithDetail("cause", err.Error())
	}
	c.replayer.Release(p)

	if err := c.replica.OnChainChange(p, chain); err != nil {
		return err
	}
	if _, err := c.pmap.SetState(p, model.PartitionStateAvailable); err != nil {
		return err
	}

	c.metrics.RecordFailover(c.service, replayed)
	c.logger.Info("Backup promoted to primary",
		zap.Int("partition", int(p)),
		zap.String("previous_primary", string(prev.Primary())),
		zap.Int("replayed", replayed))
	return nil
}

func (c *Coordinator) release(p model.PartitionID) {
	c.replayer.Release(p)
	c.copies.Drop(p)
}

// ReclaimPartition re-initialises an orphaned partition on the current members.
// Its previous contents are gone; the partition restarts empty.
func (c *Coordinator) ReclaimPartition(p model.PartitionID) (model.Chain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.pmap.Assignment(p)
	if err != nil {
		return model.Chain{}, err
	}
	if !current.Chain.Orphaned {
		return model.Chain{}, errors.InvalidArgument(fmt.Sprintf("partition %d is not orphaned", p), nil)
	}

	c.copies.Drop(p)
	c.replayer.Release(p)

	chain := c.resolver.Resolve(model.Chain{Partition: p}, c.members)
	if err := c.apply(model.Assignment{Chain: model.Chain{Partition: p}}, chain); err != nil {
		return model.Chain{}, err
	}
	c.metrics.UpdateUnavailable(c.service, c.countUnavailable())

	c.logger.Warn("Orphaned partition reclaimed empty",
		zap.Int("partition", int(p)),
		zap.Strings("chain", idStrings(chain.Members)))
	return chain, nil
}

// CandidateUnhealthy records a backup reported by the replication scheduler
func (c *Coordinator) CandidateUnhealthy(service string, p model.PartitionID, member model.MemberID, cause error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	c.healthMu.Lock()
	c.unhealthy[candidateKey{p, member}] = UnhealthyCandidate{
		Partition: p,
		Member:    member,
		Reason:    reason,
		Since:     time.Now(),
	}
	c.healthMu.Unlock()

	c.logger.Warn("Backup candidate unhealthy",
		zap.String("reporting_service", service),
		zap.Int("partition", int(p)),
		zap.String("member_id", string(member)),
		zap.String("reason", reason))
}

// UnhealthyCandidates returns the recorded unhealthy backups ordered by partition
func (c *Coordinator) UnhealthyCandidates() []UnhealthyCandidate {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()

	out := make([]UnhealthyCandidate, 0, len(c.unhealthy))
	for _, u := range c.unhealthy {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Partition != out[j].Partition {
			return out[i].Partition < out[j].Partition
		}
		return out[i].Member < out[j].Member
	})
	return out
}

// forgetStaleCandidates drops candidates that left the partition's chain
func (c *Coordinator) forgetStaleCandidates(chains []model.Chain) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	for k := range c.unhealthy {
		if int(k.partition) >= len(chains) || !chains[k.partition].Contains(k.member) {
			delete(c.unhealthy, k)
		}
	}
}

func (c *Coordinator) countUnavailable() int {
	n := 0
	for _, a := range c.pmap.Snapshot() {
		if a.State == model.PartitionStateUnavailable {
			n++
		}
	}
	return n
}

func idStrings(ids []model.MemberID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
