package topology

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/pairdb/distcache/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// nodeMeta is gossiped with every member
type nodeMeta struct {
	Address  string         `json:"address"`
	Location model.Location `json:"location"`
}

// GossipSource turns memberlist join and leave notifications into ordered view changes
type GossipSource struct {
	self       model.Member
	memberlist *memberlist.Memberlist
	meta       []byte
	logger     *zap.Logger

	mu       sync.Mutex
	version  uint64
	pending  []model.ViewChange
	signal   chan struct{}
	events   chan model.ViewChange
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewGossipSource starts gossiping as self and joins the seed nodes
func NewGossipSource(cfg *GossipConfig, self model.Member, logger *zap.Logger) (*GossipSource, error) {
	meta, err := json.Marshal(nodeMeta{Address: self.Address, Location: self.Location})
	if err != nil {
		return nil, fmt.Errorf("failed to encode node meta: %w", err)
	}
	if len(meta) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("node meta of %d bytes exceeds %d", len(meta), memberlist.MetaMaxSize)
	}

	gs := &GossipSource{
		self:     self,
		meta:     meta,
		logger:   logger,
		signal:   make(chan struct{}, 1),
		events:   make(chan model.ViewChange),
		stopChan: make(chan struct{}),
	}
	go gs.dispatch()

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = string(self.ID)
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &gossipEventDelegate{source: gs}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		gs.stop()
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return gs, nil
}

// Events delivers view changes in version order
func (s *GossipSource) Events() <-chan model.ViewChange {
	return s.events
}

// LocalPort returns the port memberlist bound to
func (s *GossipSource) LocalPort() int {
	return int(s.memberlist.LocalNode().Port)
}

// enqueue never blocks so memberlist callbacks stay fast
func (s *GossipSource) enqueue(change model.ViewChange) {
	s.mu.Lock()
	s.version++
	change.Version = s.version
	s.pending = append(s.pending, change)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *GossipSource) dispatch() {
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, change := range batch {
			select {
			case s.events <- change:
			case <-s.stopChan:
				return
			}
		}

		select {
		case <-s.signal:
		case <-s.stopChan:
			return
		}
	}
}

func (s *GossipSource) memberFromNode(node *memberlist.Node) model.Member {
	m := model.Member{ID: model.MemberID(node.Name)}
	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		s.logger.Warn("Failed to decode node meta",
			zap.String("member_id", node.Name),
			zap.Error(err))
		m.Address = node.Address()
		return m
	}
	m.Address = meta.Address
	m.Location = meta.Location
	return m
}

// NodeMeta implements memberlist.Delegate
func (s *GossipSource) NodeMeta(limit int) []byte {
	if len(s.meta) > limit {
		return nil
	}
	return s.meta
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipSource) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipSource) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipSource) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipSource) MergeRemoteState(buf []byte, join bool) {}

func (s *GossipSource) stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// Shutdown leaves the cluster and stops delivering events
func (s *GossipSource) Shutdown(timeout time.Duration) error {
	defer s.stop()
	if err := s.memberlist.Leave(timeout); err != nil {
		s.logger.Warn("Failed to leave cluster gracefully", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// gossipEventDelegate handles memberlist events
type gossipEventDelegate struct {
	source *GossipSource
}

// NotifyJoin is called when a node joins
func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	m := d.source.memberFromNode(node)
	d.source.logger.Info("Member joined",
		zap.String("member_id", node.Name),
		zap.String("addr", m.Address),
		zap.String("rack", m.Location.Rack),
		zap.String("site", m.Location.Site))
	d.source.enqueue(model.ViewChange{Added: []model.Member{m}})
}

// NotifyLeave is called when a node leaves or is declared dead
func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.source.logger.Info("Member left", zap.String("member_id", node.Name))
	d.source.enqueue(model.ViewChange{Removed: []model.MemberID{model.MemberID(node.Name)}})
}

// NotifyUpdate is called when a node's meta changes; location is fixed after join
func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.source.logger.Debug("Member updated", zap.String("member_id", node.Name))
}
