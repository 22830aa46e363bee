package registry

import (
	stderrors "errors"
	"testing"

	"github.com/devrev/pairdb/distcache/internal/locator"
	"github.com/devrev/pairdb/distcache/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeService struct {
	name   string
	err    error
	closes *[]string
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Close() error {
	*f.closes = append(*f.closes, f.name)
	return f.err
}

func TestRegistry_Lifecycle(t *testing.T) {
	var closes []string
	r := New(zap.NewNop())

	require.NoError(t, r.Register(&fakeService{name: "cache", closes: &closes}))
	require.NoError(t, r.Register(&fakeService{name: "sessions", closes: &closes, err: stderrors.New("busy")}))
	assert.Error(t, r.Register(&fakeService{name: "cache", closes: &closes}), "duplicate name")

	svc, ok := r.Lookup("sessions")
	require.True(t, ok)
	assert.Equal(t, "sessions", svc.Name())
	assert.Len(t, r.Services(), 2)

	err := r.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
	assert.Equal(t, []string{"sessions", "cache"}, closes, "reverse registration order")

	assert.NoError(t, r.Close())
	assert.Len(t, closes, 2)
	assert.Error(t, r.Register(&fakeService{name: "late", closes: &closes}))
}

func TestRegistry_Resolvers(t *testing.T) {
	r := New(zap.NewNop())
	first := locator.ResolverFunc(func(chain model.Chain, _ locator.Context) (model.MemberID, error) {
		return chain.Primary(), nil
	})

	require.NoError(t, r.RegisterResolver("first", first))
	assert.Error(t, r.RegisterResolver("first", first))
	assert.Error(t, r.RegisterResolver("", first))

	_, ok := r.Resolver("first")
	assert.True(t, ok)
	_, ok = r.Resolver("missing")
	assert.False(t, ok)
	assert.Equal(t, []string{"first"}, r.ResolverRefs())

	// the registry plugs straight into the locator
	l := locator.New(r, 1)
	target, err := l.Locate(model.Assignment{
		Chain: model.Chain{Partition: 0, Members: []model.MemberID{"a", "b"}},
		State: model.PartitionStateAvailable,
	}, model.ReadLocatorPolicy{Kind: model.ReadLocatorCustom, Ref: "first"}, locator.Context{})
	require.NoError(t, err)
	assert.Equal(t, model.MemberID("a"), target)
}
