package ownership

import (
	"context"
	"testing"

	"github.com/devrev/pairdb/distcache/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func member(id, machine, rack, site string) model.Member {
	return model.Member{
		ID:       model.MemberID(id),
		Location: model.Location{Machine: machine, Rack: rack, Site: site},
	}
}

func emptyChains(n int) []model.Chain {
	chains := make([]model.Chain, n)
	for i := range chains {
		chains[i] = model.Chain{Partition: model.PartitionID(i)}
	}
	return chains
}

func TestResolver_InitialAssignmentSpreadsPrimaries(t *testing.T) {
	r := NewResolver(1, zap.NewNop())
	members := []model.Member{member("c", "", "", ""), member("a", "", "", ""), member("b", "", "", "")}

	chains, err := r.ResolveAll(context.Background(), emptyChains(6), members)
	require.NoError(t, err)

	primaries := map[model.MemberID]int{}
	for _, c := range chains {
		require.Len(t, c.Members, 2)
		assert.NotEqual(t, c.Members[0], c.Members[1], "backup must be disjoint from primary")
		primaries[c.Primary()]++
	}
	assert.Equal(t, map[model.MemberID]int{"a": 2, "b": 2, "c": 2}, primaries)

	// ring order from the primary breaks identifier ties
	assert.Equal(t, []model.MemberID{"a", "b"}, chains[0].Members)
	assert.Equal(t, []model.MemberID{"b", "c"}, chains[1].Members)
	assert.Equal(t, []model.MemberID{"c", "a"}, chains[2].Members)
}

func TestResolver_PreservesLivePrimary(t *testing.T) {
	r := NewResolver(2, zap.NewNop())
	previous := model.Chain{Partition: 0, Members: []model.MemberID{"b", "c", "a"}}
	members := []model.Member{member("a", "", "", ""), member("b", "", "", ""), member("c", "", "", ""), member("d", "", "", "")}

	got := r.Resolve(previous, members)
	assert.Equal(t, []model.MemberID{"b", "c", "a"}, got.Members)
}

func TestResolver_PromotesFirstBackupOnPrimaryLoss(t *testing.T) {
	r := NewResolver(2, zap.NewNop())
	previous := model.Chain{Partition: 0, Members: []model.MemberID{"a", "b", "c"}}
	members := []model.Member{member("b", "", "", ""), member("c", "", "", ""), member("d", "", "", "")}

	got := r.Resolve(previous, members)
	assert.Equal(t, []model.MemberID{"b", "c", "d"}, got.Members)
}

func TestResolver_PrefersFailureDomainDiversity(t *testing.T) {
	r := NewResolver(2, zap.NewNop())
	members := []model.Member{
		member("a", "h1", "r1", "s1"),
		member("b", "h2", "r1", "s1"), // same rack and site as a
		member("c", "h3", "r2", "s1"), // same site as a
		member("d", "h4", "r3", "s2"), // distinct everything
	}
	previous := model.Chain{Partition: 0, Members: []model.MemberID{"a"}}

	got := r.Resolve(previous, members)
	assert.Equal(t, []model.MemberID{"a", "d", "c"}, got.Members)
}

func TestResolver_ShrinksAndGrowsWithBackupCount(t *testing.T) {
	members := []model.Member{member("a", "", "", ""), member("b", "", "", ""), member("c", "", "", "")}
	previous := model.Chain{Partition: 0, Members: []model.MemberID{"a", "b", "c"}}

	shrunk := NewResolver(0, zap.NewNop()).Resolve(previous, members)
	assert.Equal(t, []model.MemberID{"a"}, shrunk.Members)

	grown := NewResolver(5, zap.NewNop()).Resolve(shrunk, members)
	assert.Equal(t, []model.MemberID{"a", "b", "c"}, grown.Members, "chain is capped by live members")
}

func TestResolver_OrphanedPartitionStaysEmpty(t *testing.T) {
	r := NewResolver(1, zap.NewNop())
	previous := model.Chain{Partition: 3, Members: []model.MemberID{"a", "b"}}

	orphaned := r.Resolve(previous, []model.Member{member("c", "", "", "")})
	assert.True(t, orphaned.Orphaned)
	assert.True(t, orphaned.IsEmpty())

	again := r.Resolve(orphaned, []model.Member{member("c", "", "", ""), member("d", "", "", "")})
	assert.True(t, again.Orphaned, "new members never adopt an orphaned partition")

	none := r.Resolve(model.Chain{Partition: 1}, nil)
	assert.False(t, none.Orphaned)
	assert.True(t, none.IsEmpty())
}

func TestResolver_DeterministicAndConvergent(t *testing.T) {
	r := NewResolver(2, zap.NewNop())
	members := []model.Member{
		member("m1", "h1", "r1", "s1"),
		member("m2", "h2", "r2", "s1"),
		member("m3", "h3", "r1", "s2"),
		member("m4", "h4", "r2", "s2"),
		member("m5", "h5", "r3", "s3"),
	}
	ctx := context.Background()

	first, err := r.ResolveAll(ctx, emptyChains(31), members)
	require.NoError(t, err)
	second, err := r.ResolveAll(ctx, emptyChains(31), members)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// a recomputation with no membership change is a fixpoint
	stable, err := r.ResolveAll(ctx, first, members)
	require.NoError(t, err)
	assert.Empty(t, Moved(first, stable))

	// losing a member and replaying the same input gives the same result
	survivors := members[1:]
	afterLoss, err := r.ResolveAll(ctx, first, survivors)
	require.NoError(t, err)
	replayed, err := r.ResolveAll(ctx, first, survivors)
	require.NoError(t, err)
	assert.Equal(t, afterLoss, replayed)

	for _, c := range afterLoss {
		assert.False(t, c.Contains("m1"))
		assert.Len(t, c.Members, 3)
	}
}

func TestResolver_ResolveAllHonoursCancellation(t *testing.T) {
	r := NewResolver(1, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.ResolveAll(ctx, emptyChains(8), []model.Member{member("a", "", "", "")})
	assert.ErrorIs(t, err, context.Canceled)
}
