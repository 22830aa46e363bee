package locator

import (
	stderrors "errors"
	"testing"

	"github.com/devrev/pairdb/distcache/internal/errors"
	"github.com/devrev/pairdb/distcache/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resolvers map[string]Resolver

func (r resolvers) Resolver(ref string) (Resolver, bool) {
	res, ok := r[ref]
	return res, ok
}

func available(members ...model.MemberID) model.Assignment {
	return model.Assignment{
		Chain: model.Chain{Partition: 5, Members: members},
		State: model.PartitionStateAvailable,
	}
}

func TestLocate_ClosestPrefersSameRack(t *testing.T) {
	l := New(nil, 1)
	ctx := Context{
		Requester: model.Member{ID: "client", Location: model.Location{Rack: "R1"}},
		Locations: map[model.MemberID]model.Location{
			"primary": {Rack: "R2"},
			"backup1": {Rack: "R1"},
			"backup2": {Rack: "R3"},
		},
	}

	target, err := l.Locate(available("primary", "backup1", "backup2"), model.ReadLocatorPolicy{Kind: model.ReadLocatorClosest}, ctx)
	require.NoError(t, err)
	assert.Equal(t, model.MemberID("backup1"), target)
}

func TestLocate_ClosestIgnoresRackAtOtherSite(t *testing.T) {
	l := New(nil, 1)
	ctx := Context{
		Requester: model.Member{Location: model.Location{Site: "S1", Rack: "R1"}},
		Locations: map[model.MemberID]model.Location{
			"primary": {Site: "S2", Rack: "R1"},
			"backup":  {Site: "S1", Rack: "R9"},
		},
	}

	target, err := l.Locate(available("primary", "backup"), model.ReadLocatorPolicy{Kind: model.ReadLocatorClosest}, ctx)
	require.NoError(t, err)
	assert.Equal(t, model.MemberID("backup"), target)
}

func TestLocate_ClosestTiesFollowChainOrder(t *testing.T) {
	l := New(nil, 1)
	ctx := Context{
		Requester: model.Member{Location: model.Location{Site: "S1"}},
		Locations: map[model.MemberID]model.Location{
			"a": {Site: "S2"},
			"b": {Site: "S1", Rack: "R1"},
			"c": {Site: "S1", Rack: "R2"},
		},
	}

	for i := 0; i < 10; i++ {
		target, err := l.Locate(available("a", "b", "c"), model.ReadLocatorPolicy{Kind: model.ReadLocatorClosest}, ctx)
		require.NoError(t, err)
		assert.Equal(t, model.MemberID("b"), target)
	}

	// nothing in common: the primary wins
	target, err := l.Locate(available("a", "b", "c"), model.ReadLocatorPolicy{Kind: model.ReadLocatorClosest}, Context{})
	require.NoError(t, err)
	assert.Equal(t, model.MemberID("a"), target)
}

func TestDistance(t *testing.T) {
	from := model.Location{Machine: "m1", Rack: "r1", Site: "s1"}
	tests := []struct {
		name string
		to   model.Location
		want int
	}{
		{name: "same machine", to: model.Location{Machine: "m1", Rack: "r1", Site: "s1"}, want: 0},
		{name: "same rack", to: model.Location{Machine: "m2", Rack: "r1", Site: "s1"}, want: 1},
		{name: "same site", to: model.Location{Machine: "m2", Rack: "r2", Site: "s1"}, want: 2},
		{name: "remote", to: model.Location{Machine: "m3", Rack: "r3", Site: "s3"}, want: 3},
		{name: "unknown", to: model.Location{}, want: 3},
		{name: "rack name reused at another site", to: model.Location{Machine: "m2", Rack: "r1", Site: "s2"}, want: 3},
		{name: "machine name reused in another rack", to: model.Location{Machine: "m1", Rack: "r2", Site: "s1"}, want: 2},
		{name: "machine name reused at another site", to: model.Location{Machine: "m1", Rack: "r1", Site: "s2"}, want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, distance(from, tt.to))
		})
	}
}

func TestLocate_Primary(t *testing.T) {
	l := New(nil, 1)

	target, err := l.Locate(available("a", "b"), model.ReadLocatorPolicy{Kind: model.ReadLocatorPrimary}, Context{})
	require.NoError(t, err)
	assert.Equal(t, model.MemberID("a"), target)

	_, err = l.Locate(model.Assignment{Chain: model.Chain{Partition: 5}, State: model.PartitionStateUnavailable},
		model.ReadLocatorPolicy{Kind: model.ReadLocatorPrimary}, Context{})
	assert.True(t, errors.Is(err, errors.ErrPartitionUnavailable))
}

func TestLocate_RandomCoversChain(t *testing.T) {
	l := New(nil, 7)
	seen := make(map[model.MemberID]int)
	for i := 0; i < 300; i++ {
		target, err := l.Locate(available("a", "b", "c"), model.ReadLocatorPolicy{Kind: model.ReadLocatorRandom}, Context{})
		require.NoError(t, err)
		seen[target]++
	}
	assert.Len(t, seen, 3)
}

func TestLocate_RandomBackup(t *testing.T) {
	l := New(nil, 7)
	policy := model.ReadLocatorPolicy{Kind: model.ReadLocatorRandomBackup}

	for i := 0; i < 100; i++ {
		target, err := l.Locate(available("a", "b", "c"), policy, Context{})
		require.NoError(t, err)
		assert.NotEqual(t, model.MemberID("a"), target)
	}

	target, err := l.Locate(available("a"), policy, Context{})
	require.NoError(t, err)
	assert.Equal(t, model.MemberID("a"), target, "falls back to the primary")
}

func TestLocate_Custom(t *testing.T) {
	last := ResolverFunc(func(chain model.Chain, _ Context) (model.MemberID, error) {
		return chain.Members[len(chain.Members)-1], nil
	})
	failing := ResolverFunc(func(model.Chain, Context) (model.MemberID, error) {
		return "", stderrors.New("resolver offline")
	})
	outside := ResolverFunc(func(model.Chain, Context) (model.MemberID, error) {
		return "stranger", nil
	})
	l := New(resolvers{"last": last, "failing": failing, "outside": outside}, 1)

	target, err := l.Locate(available("a", "b", "c"), model.ReadLocatorPolicy{Kind: model.ReadLocatorCustom, Ref: "last"}, Context{})
	require.NoError(t, err)
	assert.Equal(t, model.MemberID("c"), target)

	_, err = l.Locate(available("a", "b"), model.ReadLocatorPolicy{Kind: model.ReadLocatorCustom, Ref: "failing"}, Context{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolver offline")

	_, err = l.Locate(available("a", "b"), model.ReadLocatorPolicy{Kind: model.ReadLocatorCustom, Ref: "outside"}, Context{})
	require.Error(t, err)

	_, err = l.Locate(available("a", "b"), model.ReadLocatorPolicy{Kind: model.ReadLocatorCustom, Ref: "missing"}, Context{})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}
