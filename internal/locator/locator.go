// Package locator picks the chain member that serves a read.
package locator

import (
	"fmt"
	"sync"

	"github.com/devrev/pairdb/distcache/internal/errors"
	"github.com/devrev/pairdb/distcache/internal/model"
	"golang.org/x/exp/rand"
)

// Context describes the read being placed
type Context struct {
	Requester model.Member
	// Locations holds the topology metadata of the chain members
	Locations map[model.MemberID]model.Location
}

// Resolver selects one member of a non-empty chain
type Resolver interface {
	Pick(chain model.Chain, ctx Context) (model.MemberID, error)
}

// ResolverFunc adapts a function to Resolver
type ResolverFunc func(chain model.Chain, ctx Context) (model.MemberID, error)

// Pick calls f
func (f ResolverFunc) Pick(chain model.Chain, ctx Context) (model.MemberID, error) {
	return f(chain, ctx)
}

// ResolverSource looks up custom resolvers by reference
type ResolverSource interface {
	Resolver(ref string) (Resolver, bool)
}

// Primary always targets chain[0]
type Primary struct{}

func (Primary) Pick(chain model.Chain, _ Context) (model.MemberID, error) {
	return chain.Primary(), nil
}

// Closest targets the member nearest to the requester.
// Ties go to the earlier chain position, so the primary wins among equals.
type Closest struct{}

func (Closest) Pick(chain model.Chain, ctx Context) (model.MemberID, error) {
	best := chain.Members[0]
	bestDistance := distance(ctx.Requester.Location, ctx.Locations[best])
	for _, id := range chain.Members[1:] {
		if d := distance(ctx.Requester.Location, ctx.Locations[id]); d < bestDistance {
			best, bestDistance = id, d
		}
	}
	return best, nil
}

// distance scores locality: 0 same machine, 1 same rack, 2 same site, 3 otherwise.
// Names nest: a rack matches only within the same site, a machine only within the same rack.
func distance(from, to model.Location) int {
	if from.Site != to.Site {
		return 3
	}
	d := 3
	if from.Site != "" {
		d = 2
	}
	if from.Rack == "" || from.Rack != to.Rack {
		return d
	}
	if from.Machine == "" || from.Machine != to.Machine {
		return 1
	}
	return 0
}

// Random chooses uniformly over the chain, or over the backups only
type Random struct {
	mu          sync.Mutex
	rnd         *rand.Rand
	backupsOnly bool
}

// NewRandom creates a uniform resolver over the whole chain
func NewRandom(seed uint64) *Random {
	return &Random{rnd: rand.New(rand.NewSource(seed))}
}

// NewRandomBackup creates a uniform resolver over chain[1:] that falls back to the primary
func NewRandomBackup(seed uint64) *Random {
	return &Random{rnd: rand.New(rand.NewSource(seed)), backupsOnly: true}
}

func (r *Random) Pick(chain model.Chain, _ Context) (model.MemberID, error) {
	candidates := chain.Members
	if r.backupsOnly {
		if len(chain.Members) < 2 {
			return chain.Primary(), nil
		}
		candidates = chain.Backups()
	}

	r.mu.Lock()
	i := r.rnd.Intn(len(candidates))
	r.mu.Unlock()
	return candidates[i], nil
}

// Locator maps read-locator policies to resolvers
type Locator struct {
	source       ResolverSource
	closest      Closest
	random       *Random
	randomBackup *Random
}

// New creates a locator. Custom policies are looked up in source, which may be nil.
func New(source ResolverSource, seed uint64) *Locator {
	return &Locator{
		source:       source,
		random:       NewRandom(seed),
		randomBackup: NewRandomBackup(seed + 1),
	}
}

// ResolverFor returns the resolver implementing a policy
func (l *Locator) ResolverFor(policy model.ReadLocatorPolicy) (Resolver, error) {
	switch policy.Kind {
	case model.ReadLocatorPrimary:
		return Primary{}, nil
	case model.ReadLocatorClosest:
		return l.closest, nil
	case model.ReadLocatorRandom:
		return l.random, nil
	case model.ReadLocatorRandomBackup:
		return l.randomBackup, nil
	case model.ReadLocatorCustom:
		if l.source != nil {
			if r, ok := l.source.Resolver(policy.Ref); ok {
				return r, nil
			}
		}
		return nil, errors.InvalidArgument(fmt.Sprintf("no read resolver registered as %q", policy.Ref), nil)
	default:
		return nil, errors.InvalidArgument(fmt.Sprintf("unknown read-locator policy %q", policy.Kind), nil)
	}
}

// Locate returns the member that serves a read of the assigned partition.
// It never changes ownership.
func (l *Locator) Locate(a model.Assignment, policy model.ReadLocatorPolicy, ctx Context) (model.MemberID, error) {
	p := a.Chain.Partition
	if a.State == model.PartitionStateUnavailable || a.Chain.IsEmpty() {
		return "", errors.PartitionUnavailable(p, "no primary assigned")
	}

	r, err := l.ResolverFor(policy)
	if err != nil {
		return "", err
	}

	chain := a.Chain.Clone()
	target, err := r.Pick(chain, ctx)
	if err != nil {
		return "", errors.InternalError(fmt.Sprintf("read resolver %s failed for partition %d", policy, p), err).
			WithDetail("partition", p)
	}
	if !a.Chain.Contains(target) {
		return "", errors.InternalError(fmt.Sprintf("read resolver %s picked %q outside %s", policy, target, a.Chain), nil).
			WithDetail("partition", p)
	}
	return target, nil
}
