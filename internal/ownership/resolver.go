// Package ownership derives the ordered ownership chain of every partition
// from the live membership and the previous chains.
package ownership

import (
	"context"
	"runtime"
	"sort"

	"github.com/devrev/pairdb/distcache/internal/model"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Resolver computes ownership chains. It holds no state between calls and
// returns identical chains for identical (members, previous chains) input.
//
// Ties between equally diverse backup candidates are not broken by lowest
// identifier: the candidates are walked in identifier order starting after the
// primary, so with equal diversity the backup is the nearest ring successor
// of the primary not already in the chain.
// This spreads backup load across members instead of piling it on the
// lowest identifiers.
type Resolver struct {
	backupCount int
	parallelism int
	logger      *zap.Logger
}

// NewResolver creates a resolver targeting backupCount backups per partition
func NewResolver(backupCount int, logger *zap.Logger) *Resolver {
	if backupCount < 0 {
		backupCount = 0
	}
	return &Resolver{
		backupCount: backupCount,
		parallelism: runtime.GOMAXPROCS(0),
		logger:      logger,
	}
}

// BackupCount returns the configured backup target
func (r *Resolver) BackupCount() int {
	return r.backupCount
}

// roster is the sorted live membership shared by all partitions of one recomputation
type roster struct {
	sorted []model.Member
	index  map[model.MemberID]int
}

func newRoster(members []model.Member) *roster {
	sorted := make([]model.Member, len(members))
	copy(sorted, members)
	model.SortMembers(sorted)

	index := make(map[model.MemberID]int, len(sorted))
	for i, m := range sorted {
		index[m.ID] = i
	}
	return &roster{sorted: sorted, index: index}
}

func (ro *roster) live(id model.MemberID) bool {
	_, ok := ro.index[id]
	return ok
}

// Resolve computes the chain of a single partition
func (r *Resolver) Resolve(previous model.Chain, members []model.Member) model.Chain {
	return r.resolve(previous, newRoster(members))
}

// ResolveAll recomputes every partition in parallel. previous[i] is the chain of partition i.
func (r *Resolver) ResolveAll(ctx context.Context, previous []model.Chain, members []model.Member) ([]model.Chain, error) {
	ro := newRoster(members)
	out := make([]model.Chain, len(previous))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i := range previous {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out[i] = r.resolve(previous[i], ro)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.logger.Debug("Ownership chains recomputed",
		zap.Int("partitions", len(previous)),
		zap.Int("members", len(members)))
	return out, nil
}

func (r *Resolver) resolve(previous model.Chain, ro *roster) model.Chain {
	p := previous.Partition

	// An orphaned partition keeps no owners until it is reclaimed
	if previous.Orphaned {
		return model.Chain{Partition: p, Orphaned: true}
	}

	members := make([]model.MemberID, 0, r.backupCount+1)
	for _, id := range previous.Members {
		if ro.live(id) {
			members = append(members, id)
		}
	}

	if len(members) == 0 {
		if len(previous.Members) > 0 {
			return model.Chain{Partition: p, Orphaned: true}
		}
		if len(ro.sorted) == 0 {
			return model.Chain{Partition: p}
		}
		members = append(members, ro.sorted[int(p)%len(ro.sorted)].ID)
	}

	if len(members) > r.backupCount+1 {
		members = members[:r.backupCount+1]
	}

	for len(members) < r.backupCount+1 {
		next, ok := r.pickBackup(members, ro)
		if !ok {
			break
		}
		members = append(members, next)
	}

	return model.Chain{Partition: p, Members: members}
}

// diversity counts shared failure domains between a candidate and the chain.
// Lower is better; sites outrank racks, racks outrank machines.
type diversity struct {
	sites, racks, machines int
}

func (d diversity) less(o diversity) bool {
	if d.sites != o.sites {
		return d.sites < o.sites
	}
	if d.racks != o.racks {
		return d.racks < o.racks
	}
	return d.machines < o.machines
}

func same(a, b string) bool {
	return a != "" && a == b
}

func score(candidate model.Location, chain []model.Location) diversity {
	var d diversity
	for _, loc := range chain {
		if same(candidate.Site, loc.Site) {
			d.sites++
		}
		if same(candidate.Rack, loc.Rack) {
			d.racks++
		}
		if same(candidate.Machine, loc.Machine) {
			d.machines++
		}
	}
	return d
}

// pickBackup chooses the live non-chain member with the best failure-domain diversity.
// Ties go to the first candidate met walking the identifier-sorted ring from the
// member after the primary, wrapping around; this is deliberately not the
// lowest identifier overall.
func (r *Resolver) pickBackup(chain []model.MemberID, ro *roster) (model.MemberID, bool) {
	n := len(ro.sorted)
	if n == 0 {
		return "", false
	}

	inChain := make(map[model.MemberID]bool, len(chain))
	locations := make([]model.Location, 0, len(chain))
	for _, id := range chain {
		inChain[id] = true
		locations = append(locations, ro.sorted[ro.index[id]].Location)
	}

	start := ro.index[chain[0]] + 1
	var (
		best      model.MemberID
		bestScore diversity
		found     bool
	)
	for step := 0; step < n; step++ {
		m := ro.sorted[(start+step)%n]
		if inChain[m.ID] {
			continue
		}
		s := score(m.Location, locations)
		if !found || s.less(bestScore) {
			best, bestScore, found = m.ID, s, true
		}
	}
	return best, found
}

// Moved lists the partitions whose chain differs between two recomputations
func Moved(before, after []model.Chain) []model.PartitionID {
	var moved []model.PartitionID
	for i := range after {
		if i >= len(before) || !before[i].Equal(after[i]) {
			moved = append(moved, after[i].Partition)
		}
	}
	sort.Slice(moved, func(i, j int) bool { return moved[i] < moved[j] })
	return moved
}
