// Package service implements partitioned cache services and the member node
// that hosts them.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/devrev/pairdb/distcache/internal/backuplog"
	"github.com/devrev/pairdb/distcache/internal/config"
	"github.com/devrev/pairdb/distcache/internal/errors"
	"github.com/devrev/pairdb/distcache/internal/failover"
	"github.com/devrev/pairdb/distcache/internal/locator"
	"github.com/devrev/pairdb/distcache/internal/metrics"
	"github.com/devrev/pairdb/distcache/internal/model"
	"github.com/devrev/pairdb/distcache/internal/ownership"
	"github.com/devrev/pairdb/distcache/internal/partition"
	"github.com/devrev/pairdb/distcache/internal/replication"
	"github.com/devrev/pairdb/distcache/internal/store"
	"github.com/devrev/pairdb/distcache/internal/transport"
	"github.com/devrev/pairdb/distcache/internal/util/workerpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RetryConfig bounds the retries of a write or read while the topology moves
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Config holds the settings of one partitioned service
type Config struct {
	Name        string
	Self        model.Member
	Partitions  int
	BackupCount int
	Replication model.ReplicationPolicy
	ReadLocator model.ReadLocatorPolicy
	SyncTimeout time.Duration
	// FailFastRecovery rejects primary reads of a recovering partition instead of waiting
	FailFastRecovery bool
	Log              backuplog.Config
	PressureEntries  int
	PressureAge      time.Duration
	FlushRate        float64
	FlushBurst       int
	Retry            RetryConfig
}

// ConfigFromService builds a service Config from the loaded configuration
func ConfigFromService(sc config.ServiceConfig, self model.Member, tc config.TransportConfig) (Config, error) {
	policy, err := sc.ReplicationPolicy()
	if err != nil {
		return Config{}, err
	}
	readLocator, err := sc.ReadLocatorPolicy()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Name:             sc.Name,
		Self:             self,
		Partitions:       sc.PartitionCount,
		BackupCount:      sc.Backups(),
		Replication:      policy,
		ReadLocator:      readLocator,
		SyncTimeout:      sc.SyncTimeout,
		FailFastRecovery: sc.RecoveryReads == config.RecoveryReadsFailFast,
		Log:              backuplog.Config{MaxEntries: sc.BackupLog.MaxEntries, MaxBytes: sc.BackupLog.MaxBytes},
		PressureEntries:  sc.Pressure.MaxEntries,
		PressureAge:      sc.Pressure.MaxAge,
		FlushRate:        sc.Pressure.FlushRate,
		FlushBurst:       sc.Pressure.FlushBurst,
		Retry: RetryConfig{
			MaxAttempts:     tc.MaxAttempts,
			InitialInterval: tc.InitialBackoff,
			MaxInterval:     tc.MaxBackoff,
		},
	}, nil
}

// Topology supplies the location metadata of live members
type Topology interface {
	Locations() map[model.MemberID]model.Location
}

// Deps are the collaborators shared by the services of a member
type Deps struct {
	Transport transport.Transport
	Pool      *workerpool.WorkerPool
	Topology  Topology
	Resolvers locator.ResolverSource
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// PartitionedService is one named cache service on one member
type PartitionedService struct {
	cfg       Config
	pmap      *partition.Map
	store     *store.Store
	scheduler *replication.Scheduler
	receiver  *replication.Receiver
	failover  *failover.Coordinator
	locator   *locator.Locator
	transport transport.Transport
	topology  Topology
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewPartitionedService wires the partition map, local copies, replication and failover of a service
func NewPartitionedService(cfg Config, deps Deps) (*PartitionedService, error) {
	if cfg.Name == "" {
		return nil, errors.InvalidArgument("service name is required", nil)
	}
	if cfg.Partitions < 1 {
		return nil, errors.InvalidArgument(fmt.Sprintf("service %s: partition count must be positive", cfg.Name), nil)
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = 50 * time.Millisecond
	}
	if cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		cfg.Retry.MaxInterval = cfg.Retry.InitialInterval
	}

	logger := deps.Logger.With(zap.String("service", cfg.Name))
	st := store.New(cfg.Partitions)
	pmap := partition.NewMap(cfg.Partitions)

	s := &PartitionedService{
		cfg:       cfg,
		pmap:      pmap,
		store:     st,
		locator:   locator.New(deps.Resolvers, uint64(time.Now().UnixNano())),
		transport: deps.Transport,
		topology:  deps.Topology,
		metrics:   deps.Metrics,
		logger:    logger,
	}

	s.receiver = replication.NewReceiver(cfg.Name, cfg.Self.ID, cfg.Partitions, cfg.Log, st, deps.Metrics, deps.Logger)
	s.failover = failover.NewCoordinator(cfg.Name, cfg.Self.ID, pmap, ownership.NewResolver(cfg.BackupCount, logger),
		nil, s.receiver, st, deps.Metrics, deps.Logger)
	s.scheduler = replication.NewScheduler(replication.Config{
		Service:         cfg.Name,
		Self:            cfg.Self.ID,
		Partitions:      cfg.Partitions,
		BackupCount:     cfg.BackupCount,
		Policy:          cfg.Replication,
		SyncTimeout:     cfg.SyncTimeout,
		Log:             cfg.Log,
		PressureEntries: cfg.PressureEntries,
		PressureAge:     cfg.PressureAge,
		FlushRate:       cfg.FlushRate,
		FlushBurst:      cfg.FlushBurst,
	}, st, deps.Transport, deps.Pool, s.failover, deps.Metrics, deps.Logger)
	s.failover.SetReplicator(chainListeners{s.receiver, s.scheduler})

	logger.Info("Partitioned service created",
		zap.Int("partitions", cfg.Partitions),
		zap.Int("backup_count", cfg.BackupCount),
		zap.String("async_backup", cfg.Replication.String()),
		zap.String("read_locator", cfg.ReadLocator.String()))
	return s, nil
}

// chainListeners hands a chain change to the backup side, then the primary side
type chainListeners []failover.Replicator

func (l chainListeners) OnChainChange(p model.PartitionID, chain model.Chain) error {
	for _, r := range l {
		if err := r.OnChainChange(p, chain); err != nil {
			return err
		}
	}
	return nil
}

// Name implements registry.Service
func (s *PartitionedService) Name() string {
	return s.cfg.Name
}

// Close stops replication; waiting synchronous writers fail
func (s *PartitionedService) Close() error {
	s.scheduler.Stop()
	return nil
}

// PartitionFor returns the partition owning key
func (s *PartitionedService) PartitionFor(key string) model.PartitionID {
	return partition.For(key, s.cfg.Partitions)
}

// Put stores value under key and returns the sequence the primary assigned.
// A durability error (see errors.Error.DurableAtPrimary) may accompany a valid sequence.
func (s *PartitionedService) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if key == "" {
		return 0, errors.InvalidArgument("key is required", nil)
	}
	return s.write(ctx, key, value, false)
}

// Delete removes key
func (s *PartitionedService) Delete(ctx context.Context, key string) (uint64, error) {
	if key == "" {
		return 0, errors.InvalidArgument("key is required", nil)
	}
	return s.write(ctx, key, nil, true)
}

func (s *PartitionedService) write(ctx context.Context, key string, value []byte, tombstone bool) (uint64, error) {
	p := s.PartitionFor(key)

	var seq uint64
	operation := func() error {
		a, err := s.pmap.WaitAvailable(ctx, p)
		if err != nil {
			return classify(err)
		}

		primary := a.Chain.Primary()
		if primary == s.cfg.Self.ID {
			seq, err = s.scheduler.Write(ctx, p, key, value, tombstone)
			return classify(err)
		}

		resp, err := s.transport.Write(ctx, primary, &transport.WriteRequest{
			Service:   s.cfg.Name,
			Partition: p,
			Key:       key,
			Value:     value,
			Tombstone: tombstone,
		})
		if err != nil {
			return classify(err)
		}
		seq = resp.Sequence
		return nil
	}

	if err := backoff.Retry(operation, s.retryPolicy(ctx)); err != nil {
		if !errors.IsError(err) {
			err = errors.PartitionUnavailable(p, "write retries exhausted").WithDetail("cause", err.Error())
		}
		return seq, err
	}
	return seq, nil
}

// classify marks errors that a topology change cannot fix as permanent
func classify(err error) error {
	if err == nil || errors.IsRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}

func (s *PartitionedService) retryPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.Retry.InitialInterval
	b.MaxInterval = s.cfg.Retry.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.Retry.MaxAttempts-1)), ctx)
}

// ReadOption adjusts a single read
type ReadOption func(*readOptions)

type readOptions struct {
	policy *model.ReadLocatorPolicy
}

// WithReadLocator overrides the service read-locator policy for one call
func WithReadLocator(policy model.ReadLocatorPolicy) ReadOption {
	return func(o *readOptions) {
		o.policy = &policy
	}
}

func (s *PartitionedService) readPolicy(opts []ReadOption) model.ReadLocatorPolicy {
	var o readOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.policy != nil {
		return *o.policy
	}
	return s.cfg.ReadLocator
}

// Get returns the value stored under key. Non-primary policies may observe a
// value older than the primary's, within the replication policy's staleness bound.
func (s *PartitionedService) Get(ctx context.Context, key string, opts ...ReadOption) ([]byte, bool, error) {
	p := s.PartitionFor(key)
	values, err := s.readPartition(ctx, p, []string{key}, s.readPolicy(opts))
	if err != nil {
		return nil, false, err
	}
	if len(values) == 0 || !values[0].Found {
		return nil, false, nil
	}
	return values[0].Value, true, nil
}

// GetAll reads many keys. Each distinct partition is located once and the
// partitions are read in parallel. Missing keys are absent from the result.
func (s *PartitionedService) GetAll(ctx context.Context, keys []string, opts ...ReadOption) (map[string][]byte, error) {
	policy := s.readPolicy(opts)
	groups := partition.Group(keys, s.cfg.Partitions)

	var mu sync.Mutex
	out := make(map[string][]byte, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	for p, partKeys := range groups {
		p, partKeys := p, partKeys
		g.Go(func() error {
			values, err := s.readPartition(gctx, p, partKeys, policy)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, kv := range values {
				if kv.Found {
					out[kv.Key] = kv.Value
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// readPartition locates the serving member once per attempt and reads keys from it.
// A failing backup target falls back to the primary for the remaining attempts.
func (s *PartitionedService) readPartition(ctx context.Context, p model.PartitionID, keys []string, policy model.ReadLocatorPolicy) ([]transport.KeyValue, error) {
	start := time.Now()
	primaryPolicy := model.ReadLocatorPolicy{Kind: model.ReadLocatorPrimary}

	var (
		values      []transport.KeyValue
		served      model.MemberID
		fromPrimary bool
	)
	operation := func() error {
		a, err := s.pmap.Assignment(p)
		if err != nil {
			return classify(err)
		}
		if policy.Kind == model.ReadLocatorPrimary && a.State == model.PartitionStateRecovering {
			if s.cfg.FailFastRecovery {
				return backoff.Permanent(errors.PartitionUnavailable(p, "recovering"))
			}
			if a, err = s.pmap.WaitAvailable(ctx, p); err != nil {
				return classify(err)
			}
		}

		target, err := s.locator.Locate(a, policy, locator.Context{
			Requester: s.cfg.Self,
			Locations: s.topology.Locations(),
		})
		if err != nil {
			return classify(err)
		}

		req := &transport.ReadRequest{
			Service:   s.cfg.Name,
			Partition: p,
			Keys:      keys,
			AsPrimary: policy.Kind == model.ReadLocatorPrimary,
		}

		var resp *transport.ReadResponse
		if target == s.cfg.Self.ID {
			resp, err = s.serveRead(ctx, req)
		} else {
			resp, err = s.transport.Read(ctx, target, req)
		}
		if err != nil {
			if policy.Kind != model.ReadLocatorPrimary && errors.IsRetryable(err) {
				s.logger.Debug("Read target failed, falling back to primary",
					zap.Int("partition", int(p)),
					zap.String("target", string(target)),
					zap.Error(err))
				policy = primaryPolicy
			}
			return classify(err)
		}

		values = resp.Values
		served = target
		fromPrimary = target == a.Chain.Primary()
		return nil
	}

	if err := backoff.Retry(operation, s.retryPolicy(ctx)); err != nil {
		if !errors.IsError(err) {
			err = errors.PartitionUnavailable(p, "read retries exhausted").WithDetail("cause", err.Error())
		}
		return nil, err
	}

	s.metrics.RecordRead(s.cfg.Name, policy.String(), fromPrimary, time.Since(start).Seconds())
	s.logger.Debug("Partition read",
		zap.Int("partition", int(p)),
		zap.String("served_by", string(served)),
		zap.Int("keys", len(keys)))
	return values, nil
}

// serveRead reads from the local copy after checking this member may serve the request
func (s *PartitionedService) serveRead(ctx context.Context, req *transport.ReadRequest) (*transport.ReadResponse, error) {
	a, err := s.pmap.Assignment(req.Partition)
	if err != nil {
		return nil, err
	}

	if req.AsPrimary {
		if a.State == model.PartitionStateRecovering {
			if s.cfg.FailFastRecovery {
				return nil, errors.PartitionUnavailable(req.Partition, "recovering")
			}
			if a, err = s.pmap.WaitAvailable(ctx, req.Partition); err != nil {
				return nil, err
			}
		}
		if a.State != model.PartitionStateAvailable || a.Chain.Primary() != s.cfg.Self.ID {
			return nil, errors.NotOwner(req.Partition, s.cfg.Self.ID, a.Chain.Primary())
		}
	} else if !a.Chain.Contains(s.cfg.Self.ID) {
		return nil, errors.NotOwner(req.Partition, s.cfg.Self.ID, a.Chain.Primary())
	}

	// a backup serves only once its primary's snapshot has landed
	primary := a.Chain.Primary() == s.cfg.Self.ID
	if !primary && !s.receiver.Synced(req.Partition, a.Chain.Primary()) {
		return nil, errors.NotOwner(req.Partition, s.cfg.Self.ID, a.Chain.Primary()).
			WithDetail("reason", "backup copy awaiting resync")
	}

	resp := &transport.ReadResponse{
		Member:  s.cfg.Self.ID,
		Values:  make([]transport.KeyValue, 0, len(req.Keys)),
		Applied: s.store.AppliedSeq(req.Partition),
	}
	lookup := s.store.Get
	if !primary {
		lookup = s.receiver.Lookup
		resp.Applied = s.receiver.Received(req.Partition)
	}
	for _, key := range req.Keys {
		rec, ok := lookup(req.Partition, key)
		if !ok {
			resp.Values = append(resp.Values, transport.KeyValue{Key: key})
			continue
		}
		resp.Values = append(resp.Values, transport.KeyValue{Key: key, Value: rec.Value, Found: true, Sequence: rec.Sequence})
	}
	return resp, nil
}

// HandleRead implements transport.Handler
func (s *PartitionedService) HandleRead(ctx context.Context, req *transport.ReadRequest) (*transport.ReadResponse, error) {
	return s.serveRead(ctx, req)
}

// HandleWrite implements transport.Handler for writes forwarded by non-owners
func (s *PartitionedService) HandleWrite(ctx context.Context, req *transport.WriteRequest) (*transport.WriteResponse, error) {
	a, err := s.pmap.WaitAvailable(ctx, req.Partition)
	if err != nil {
		return nil, err
	}
	if a.Chain.Primary() != s.cfg.Self.ID {
		return nil, errors.NotOwner(req.Partition, s.cfg.Self.ID, a.Chain.Primary())
	}

	seq, err := s.scheduler.Write(ctx, req.Partition, req.Key, req.Value, req.Tombstone)
	if err != nil {
		return nil, err
	}
	return &transport.WriteResponse{Member: s.cfg.Self.ID, Sequence: seq}, nil
}

// HandleBackup implements transport.Handler. Batches are accepted only from
// the primary of the chain this member holds, and only while it is a backup.
func (s *PartitionedService) HandleBackup(ctx context.Context, batch *model.BackupBatch) (*model.BackupAck, error) {
	a, err := s.pmap.Assignment(batch.Partition)
	if err != nil {
		return nil, err
	}
	if a.Chain.IndexOf(s.cfg.Self.ID) < 1 || a.Chain.Primary() != batch.Primary {
		return nil, errors.NotOwner(batch.Partition, s.cfg.Self.ID, a.Chain.Primary()).
			WithDetail("sender", string(batch.Primary))
	}
	return s.receiver.Accept(batch)
}

// ApplyView recomputes ownership for the live members
func (s *PartitionedService) ApplyView(ctx context.Context, members []model.Member) error {
	return s.failover.HandleView(ctx, members)
}

// Assignment returns the current chain and state of a partition
func (s *PartitionedService) Assignment(p model.PartitionID) (model.Assignment, error) {
	return s.pmap.Assignment(p)
}

// Assignments returns every partition's chain and state
func (s *PartitionedService) Assignments() []model.Assignment {
	return s.pmap.Snapshot()
}

// Lag returns the replication lag of a partition this member is primary for
func (s *PartitionedService) Lag(p model.PartitionID) (replication.Lag, error) {
	return s.scheduler.Lag(p)
}

// Flush drains a partition's backup log now, whatever the policy
func (s *PartitionedService) Flush(p model.PartitionID) error {
	return s.scheduler.Flush(p)
}

// UnhealthyCandidates returns the backups reported by replication
func (s *PartitionedService) UnhealthyCandidates() []failover.UnhealthyCandidate {
	return s.failover.UnhealthyCandidates()
}

// ReclaimPartition re-initialises an orphaned partition empty
func (s *PartitionedService) ReclaimPartition(p model.PartitionID) (model.Chain, error) {
	return s.failover.ReclaimPartition(p)
}

// Policies returns the replication and read-locator policies of the service
func (s *PartitionedService) Policies() (model.ReplicationPolicy, model.ReadLocatorPolicy) {
	return s.cfg.Replication, s.cfg.ReadLocator
}

// PartitionCount returns the number of partitions
func (s *PartitionedService) PartitionCount() int {
	return s.cfg.Partitions
}
