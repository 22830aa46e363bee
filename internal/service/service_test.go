package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/devrev/pairdb/distcache/internal/backuplog"
	"github.com/devrev/pairdb/distcache/internal/errors"
	"github.com/devrev/pairdb/distcache/internal/model"
	"github.com/devrev/pairdb/distcache/internal/registry"
	"github.com/devrev/pairdb/distcache/internal/replication"
	"github.com/devrev/pairdb/distcache/internal/topology"
	"github.com/devrev/pairdb/distcache/internal/transport"
	"github.com/devrev/pairdb/distcache/internal/util/workerpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const serviceName = "cache"

type cluster struct {
	t       *testing.T
	network *transport.Network
	nodes   map[model.MemberID]*Node
	live    []model.MemberID
	version uint64
}

func baseConfig(policy model.ReplicationPolicy) Config {
	return Config{
		Name:        serviceName,
		Partitions:  7,
		BackupCount: 1,
		Replication: policy,
		ReadLocator: model.ReadLocatorPolicy{Kind: model.ReadLocatorPrimary},
		SyncTimeout: time.Second,
		Log:         backuplog.Config{MaxEntries: 1000, MaxBytes: 1 << 20},
		Retry:       RetryConfig{MaxAttempts: 5, InitialInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond},
	}
}

func newCluster(t *testing.T, cfg Config, ids ...model.MemberID) *cluster {
	t.Helper()
	c := &cluster{t: t, network: transport.NewNetwork(), nodes: make(map[model.MemberID]*Node)}

	members := make([]model.Member, 0, len(ids))
	for _, id := range ids {
		self := model.Member{ID: id}
		members = append(members, self)

		tracker := topology.NewTracker()
		reg := registry.New(zap.NewNop())
		pool := workerpool.NewWorkerPool(&workerpool.Config{Name: string(id), MaxWorkers: 2, QueueSize: 64})
		node := NewNode(self, reg, tracker, nil, zap.NewNop())

		svcCfg := cfg
		svcCfg.Self = self
		svc, err := NewPartitionedService(svcCfg, Deps{
			Transport: c.network.Endpoint(id),
			Pool:      pool,
			Topology:  tracker,
			Resolvers: reg,
			Logger:    zap.NewNop(),
		})
		require.NoError(t, err)
		require.NoError(t, node.AddService(context.Background(), svc))

		c.network.Register(id, node)
		c.nodes[id] = node
		t.Cleanup(func() {
			_ = node.Close()
			_ = pool.Stop(time.Second)
		})
	}

	c.live = append(c.live, ids...)
	c.version++
	for _, id := range ids {
		require.NoError(t, c.nodes[id].ApplyViewChange(context.Background(), model.ViewChange{Version: c.version, Added: members}))
	}
	c.waitSettled()
	return c
}

func (c *cluster) svc(id model.MemberID) *PartitionedService {
	s, ok := c.nodes[id].Service(serviceName)
	require.True(c.t, ok)
	return s
}

// waitSettled waits until every primary finished its initial backup resync
func (c *cluster) waitSettled() {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		for _, id := range c.live {
			s := c.svc(id)
			for p := 0; p < s.PartitionCount(); p++ {
				if s.scheduler.State(model.PartitionID(p)) != replication.StateIdle {
					return false
				}
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

// kill takes a member off the network and delivers its departure to the survivors
func (c *cluster) kill(id model.MemberID) {
	c.t.Helper()
	c.network.SetDown(id, true)

	var live []model.MemberID
	for _, m := range c.live {
		if m != id {
			live = append(live, m)
		}
	}
	c.live = live
	c.version++
	for _, m := range c.live {
		require.NoError(c.t, c.nodes[m].ApplyViewChange(context.Background(), model.ViewChange{
			Version: c.version,
			Removed: []model.MemberID{id},
		}))
	}
}

func (c *cluster) chainOf(key string) model.Chain {
	s := c.svc(c.live[0])
	a, err := s.Assignment(s.PartitionFor(key))
	require.NoError(c.t, err)
	return a.Chain
}

// backupHas reads key from a backup's local copy, false while the copy awaits resync
func (c *cluster) backupHas(backup model.MemberID, key string) bool {
	s := c.svc(backup)
	resp, err := s.HandleRead(context.Background(), &transport.ReadRequest{
		Service:   serviceName,
		Partition: s.PartitionFor(key),
		Keys:      []string{key},
	})
	if err != nil {
		// not yet resynchronized
		return false
	}
	return resp.Values[0].Found
}

func TestScheduledBackupLosesUnflushedWriteOnPrimaryFailure(t *testing.T) {
	c := newCluster(t, baseConfig(model.ReplicationPolicy{Mode: model.ReplicationAsyncScheduled, Interval: 10 * time.Second}),
		"m1", "m2", "m3")

	key := "K"
	before := c.chainOf(key)
	require.Len(t, before.Members, 2)
	primary, backup := before.Members[0], before.Members[1]

	_, err := c.svc(primary).Put(context.Background(), key, []byte("1"))
	require.NoError(t, err)
	assert.False(t, c.backupHas(backup, key), "not flushed before the interval")

	c.kill(primary)

	after := c.chainOf(key)
	assert.Equal(t, backup, after.Primary(), "backup promoted")
	a, err := c.svc(backup).Assignment(after.Partition)
	require.NoError(t, err)
	assert.Equal(t, model.PartitionStateAvailable, a.State)

	// the unflushed write is gone: the documented loss window
	for _, id := range c.live {
		_, found, err := c.svc(id).Get(context.Background(), key)
		require.NoError(t, err)
		assert.False(t, found, "read via %s", id)
	}
}

func TestSyncWriteIsAtBackupOnReturn(t *testing.T) {
	c := newCluster(t, baseConfig(model.ReplicationPolicy{Mode: model.ReplicationSync}), "m1", "m2", "m3")

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("key-%d", i)
		chain := c.chainOf(key)

		// enter through any member
		_, err := c.svc(c.live[i%len(c.live)]).Put(context.Background(), key, []byte("v"))
		require.NoError(t, err)
		assert.True(t, c.backupHas(chain.Members[1], key), key)
	}
}

func TestImmediateBackupSurvivesPrimaryFailure(t *testing.T) {
	c := newCluster(t, baseConfig(model.ReplicationPolicy{Mode: model.ReplicationAsyncImmediate}), "m1", "m2", "m3")

	key := "survivor"
	chain := c.chainOf(key)
	_, err := c.svc(chain.Members[0]).Put(context.Background(), key, []byte("kept"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.backupHas(chain.Members[1], key) }, 2*time.Second, 10*time.Millisecond)

	c.kill(chain.Members[0])

	value, found, err := c.svc(c.live[0]).Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("kept"), value)

	// the promoted primary keeps accepting writes and resyncs its new backup
	_, err = c.svc(c.live[1]).Put(context.Background(), key, []byte("next"))
	require.NoError(t, err)
	next := c.chainOf(key)
	require.Len(t, next.Members, 2)
	assert.Eventually(t, func() bool { return c.backupHas(next.Members[1], key) }, 2*time.Second, 10*time.Millisecond)
}

func TestPutGetDeleteAcrossMembers(t *testing.T) {
	c := newCluster(t, baseConfig(model.ReplicationPolicy{Mode: model.ReplicationSync}), "m1", "m2", "m3")
	ctx := context.Background()

	keys := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("user:%d", i)
		keys = append(keys, key)
		_, err := c.svc(c.live[i%3]).Put(ctx, key, []byte(key))
		require.NoError(t, err)
	}

	all, err := c.svc("m2").GetAll(ctx, append(keys, "missing"))
	require.NoError(t, err)
	assert.Len(t, all, 20)
	assert.Equal(t, []byte("user:7"), all["user:7"])

	_, err = c.svc("m3").Delete(ctx, "user:7")
	require.NoError(t, err)
	_, found, err := c.svc("m1").Get(ctx, "user:7")
	require.NoError(t, err)
	assert.False(t, found)

	// any policy sees a synchronously replicated value
	for _, kind := range []model.ReadLocatorKind{model.ReadLocatorRandom, model.ReadLocatorRandomBackup, model.ReadLocatorClosest} {
		value, found, err := c.svc("m1").Get(ctx, "user:3", WithReadLocator(model.ReadLocatorPolicy{Kind: kind}))
		require.NoError(t, err)
		assert.True(t, found, string(kind))
		assert.Equal(t, []byte("user:3"), value)
	}
}

func TestPrimaryReadsWhileRecovering(t *testing.T) {
	cfg := baseConfig(model.ReplicationPolicy{Mode: model.ReplicationSync})
	cfg.FailFastRecovery = true
	c := newCluster(t, cfg, "m1", "m2")

	s := c.svc("m1")
	p := s.PartitionFor("k")
	_, err := s.pmap.SetState(p, model.PartitionStateRecovering)
	require.NoError(t, err)

	_, _, err = s.Get(context.Background(), "k")
	assert.True(t, errors.Is(err, errors.ErrPartitionUnavailable))

	// backups still serve stale-tolerant reads
	_, _, err = s.Get(context.Background(), "k", WithReadLocator(model.ReadLocatorPolicy{Kind: model.ReadLocatorRandomBackup}))
	assert.NoError(t, err)
}

func TestPrimaryReadsBlockUntilRecovered(t *testing.T) {
	c := newCluster(t, baseConfig(model.ReplicationPolicy{Mode: model.ReplicationSync}), "m1", "m2")

	s := c.svc("m1")
	p := s.PartitionFor("k")
	_, err := s.pmap.SetState(p, model.PartitionStateRecovering)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := s.Get(context.Background(), "k")
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("read returned while the partition was recovering")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = s.pmap.SetState(p, model.PartitionStateAvailable)
	require.NoError(t, err)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("read still blocked after recovery")
	}
}

func TestBackupRejectsBatchesFromNonPrimary(t *testing.T) {
	c := newCluster(t, baseConfig(model.ReplicationPolicy{Mode: model.ReplicationSync}), "m1", "m2", "m3")

	chain := c.chainOf("k")
	outsider := c.live[0]
	for _, id := range c.live {
		if !chain.Contains(id) {
			outsider = id
		}
	}

	_, err := c.svc(chain.Members[1]).HandleBackup(context.Background(), &model.BackupBatch{
		Service:   serviceName,
		Partition: chain.Partition,
		Primary:   outsider,
	})
	assert.True(t, errors.Is(err, errors.ErrNotOwner))

	_, err = c.nodes[chain.Members[1]].HandleRead(context.Background(), &transport.ReadRequest{Service: "other"})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestLastMemberLossMakesPartitionsUnavailable(t *testing.T) {
	cfg := baseConfig(model.ReplicationPolicy{Mode: model.ReplicationSync})
	cfg.BackupCount = 0
	cfg.Retry.MaxAttempts = 2
	c := newCluster(t, cfg, "m1", "m2")

	var lost model.PartitionID = -1
	for _, a := range c.svc("m1").Assignments() {
		if a.Chain.Primary() == "m2" {
			lost = a.Chain.Partition
			break
		}
	}
	require.NotEqual(t, model.PartitionID(-1), lost)

	c.kill("m2")

	a, err := c.svc("m1").Assignment(lost)
	require.NoError(t, err)
	assert.Equal(t, model.PartitionStateUnavailable, a.State)
	assert.True(t, a.Chain.Orphaned)

	var key string
	for i := 0; ; i++ {
		key = fmt.Sprintf("k%d", i)
		if c.svc("m1").PartitionFor(key) == lost {
			break
		}
	}
	_, err = c.svc("m1").Put(context.Background(), key, []byte("v"))
	assert.True(t, errors.Is(err, errors.ErrPartitionUnavailable))

	chain, err := c.svc("m1").ReclaimPartition(lost)
	require.NoError(t, err)
	assert.Equal(t, []model.MemberID{"m1"}, chain.Members)
	_, err = c.svc("m1").Put(context.Background(), key, []byte("v"))
	assert.NoError(t, err)
}

func TestSyncWriteWithoutBackupReportsPrimaryDurability(t *testing.T) {
	c := newCluster(t, baseConfig(model.ReplicationPolicy{Mode: model.ReplicationSync}), "m1", "m2")
	c.kill("m2")

	key := "alone"
	require.Equal(t, []model.MemberID{"m1"}, c.chainOf(key).Members)

	seq, err := c.svc("m1").Put(context.Background(), key, []byte("v"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrReplicationTimeout))
	e, ok := errors.As(err)
	require.True(t, ok)
	assert.True(t, e.DurableAtPrimary())
	assert.NotZero(t, seq)

	value, found, err := c.svc("m1").Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), value)
}

func TestBackupReadWaitsForResync(t *testing.T) {
	c := newCluster(t, baseConfig(model.ReplicationPolicy{Mode: model.ReplicationSync}), "m1", "m2", "m3")
	ctx := context.Background()

	key := "moved"
	chain := c.chainOf(key)
	primary, backup := chain.Members[0], chain.Members[1]
	var next model.MemberID
	for _, id := range c.live {
		if !chain.Contains(id) {
			next = id
		}
	}

	_, err := c.svc(primary).Put(ctx, key, []byte("v"))
	require.NoError(t, err)

	// the new backup cannot receive its snapshot
	c.network.Cut(primary, next)
	c.kill(backup)
	require.Equal(t, []model.MemberID{primary, next}, c.chainOf(key).Members)

	randomBackup := WithReadLocator(model.ReadLocatorPolicy{Kind: model.ReadLocatorRandomBackup})
	value, found, err := c.svc(next).Get(ctx, key, randomBackup)
	require.NoError(t, err)
	assert.True(t, found, "served by the primary while the backup is empty")
	assert.Equal(t, []byte("v"), value)
	assert.False(t, c.backupHas(next, key))

	c.network.Heal(primary, next)
	p := c.svc(next).PartitionFor(key)
	require.Eventually(t, func() bool { return c.svc(next).receiver.Synced(p, primary) }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, c.backupHas(next, key))
}
