package service

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/devrev/pairdb/distcache/internal/errors"
	"github.com/devrev/pairdb/distcache/internal/metrics"
	"github.com/devrev/pairdb/distcache/internal/model"
	"github.com/devrev/pairdb/distcache/internal/registry"
	"github.com/devrev/pairdb/distcache/internal/topology"
	"github.com/devrev/pairdb/distcache/internal/transport"
	"go.uber.org/zap"
)

// Node is a cluster member hosting named partitioned services.
// It routes transport requests by service name and feeds view changes to every service.
type Node struct {
	self     model.Member
	registry *registry.Registry
	tracker  *topology.Tracker
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewNode creates a node
func NewNode(self model.Member, reg *registry.Registry, tracker *topology.Tracker, m *metrics.Metrics, logger *zap.Logger) *Node {
	return &Node{
		self:     self,
		registry: reg,
		tracker:  tracker,
		metrics:  m,
		logger:   logger.With(zap.String("member_id", string(self.ID))),
	}
}

// Self returns this member
func (n *Node) Self() model.Member {
	return n.self
}

// Tracker returns the membership view
func (n *Node) Tracker() *topology.Tracker {
	return n.tracker
}

// AddService registers a service and brings it up to the current view
func (n *Node) AddService(ctx context.Context, svc *PartitionedService) error {
	if err := n.registry.Register(svc); err != nil {
		return err
	}
	if members := n.tracker.Members(); len(members) > 0 {
		return svc.ApplyView(ctx, members)
	}
	return nil
}

// Service returns a hosted partitioned service
func (n *Node) Service(name string) (*PartitionedService, bool) {
	svc, ok := n.registry.Lookup(name)
	if !ok {
		return nil, false
	}
	ps, ok := svc.(*PartitionedService)
	return ps, ok
}

// Services returns the hosted partitioned services
func (n *Node) Services() []*PartitionedService {
	var out []*PartitionedService
	for _, svc := range n.registry.Services() {
		if ps, ok := svc.(*PartitionedService); ok {
			out = append(out, ps)
		}
	}
	return out
}

func (n *Node) route(name string) (*PartitionedService, error) {
	svc, ok := n.Service(name)
	if !ok {
		return nil, errors.InvalidArgument(fmt.Sprintf("service %q not hosted on %s", name, n.self.ID), nil)
	}
	return svc, nil
}

// HandleBackup implements transport.Handler
func (n *Node) HandleBackup(ctx context.Context, batch *model.BackupBatch) (*model.BackupAck, error) {
	svc, err := n.route(batch.Service)
	if err != nil {
		return nil, err
	}
	return svc.HandleBackup(ctx, batch)
}

// HandleRead implements transport.Handler
func (n *Node) HandleRead(ctx context.Context, req *transport.ReadRequest) (*transport.ReadResponse, error) {
	svc, err := n.route(req.Service)
	if err != nil {
		return nil, err
	}
	return svc.HandleRead(ctx, req)
}

// HandleWrite implements transport.Handler
func (n *Node) HandleWrite(ctx context.Context, req *transport.WriteRequest) (*transport.WriteResponse, error) {
	svc, err := n.route(req.Service)
	if err != nil {
		return nil, err
	}
	return svc.HandleWrite(ctx, req)
}

// ApplyViewChange applies one ordered view change. Stale changes are ignored.
func (n *Node) ApplyViewChange(ctx context.Context, change model.ViewChange) error {
	if err := n.tracker.Apply(change); err != nil {
		if stderrors.Is(err, topology.ErrStaleView) {
			n.logger.Debug("Ignoring stale view change", zap.Uint64("version", change.Version))
			return nil
		}
		return err
	}

	members := n.tracker.Members()
	n.metrics.RecordViewChange(len(members))
	n.logger.Info("View change applied",
		zap.Uint64("version", change.Version),
		zap.Int("added", len(change.Added)),
		zap.Int("removed", len(change.Removed)),
		zap.Int("members", len(members)))

	var firstErr error
	for _, svc := range n.Services() {
		if err := svc.ApplyView(ctx, members); err != nil {
			n.logger.Error("Failed to apply view",
				zap.String("service", svc.Name()),
				zap.Uint64("version", change.Version),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run applies view changes from events until ctx is done or events closes
func (n *Node) Run(ctx context.Context, events <-chan model.ViewChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-events:
			if !ok {
				return
			}
			if err := n.ApplyViewChange(ctx, change); err != nil {
				n.logger.Warn("View change left partitions pending", zap.Error(err))
			}
		}
	}
}

// Close closes every hosted service
func (n *Node) Close() error {
	return n.registry.Close()
}
