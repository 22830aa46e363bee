package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/devrev/pairdb/distcache/internal/errors"
	"github.com/devrev/pairdb/distcache/internal/model"
)

// link is a directed pair of members
type link struct {
	from, to model.MemberID
}

// Network is an in-process transport fabric. Members register a Handler and
// obtain an Endpoint; individual members or links can be taken down.
type Network struct {
	mu       sync.RWMutex
	handlers map[model.MemberID]Handler
	down     map[model.MemberID]bool
	cut      map[link]bool
}

// NewNetwork creates an empty in-process network
func NewNetwork() *Network {
	return &Network{
		handlers: make(map[model.MemberID]Handler),
		down:     make(map[model.MemberID]bool),
		cut:      make(map[link]bool),
	}
}

// Register attaches a member's handler to the network
func (n *Network) Register(id model.MemberID, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// Unregister detaches a member
func (n *Network) Unregister(id model.MemberID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, id)
}

// SetDown makes a member unreachable from every other member
func (n *Network) SetDown(id model.MemberID, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = down
}

// Cut makes to unreachable from from; Heal restores the link
func (n *Network) Cut(from, to model.MemberID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[link{from, to}] = true
}

// Heal restores a link removed by Cut
func (n *Network) Heal(from, to model.MemberID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, link{from, to})
}

func (n *Network) route(from, to model.MemberID) (Handler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	h, ok := n.handlers[to]
	if !ok || n.down[to] || n.down[from] || n.cut[link{from, to}] {
		return nil, errors.Unreachable(to, fmt.Errorf("no route from %s", from))
	}
	return h, nil
}

// Endpoint returns the transport used by member from
func (n *Network) Endpoint(from model.MemberID) Transport {
	return &localTransport{network: n, self: from}
}

type localTransport struct {
	network *Network
	self    model.MemberID
}

func (t *localTransport) SendBackup(ctx context.Context, target model.MemberID, batch *model.BackupBatch) (*model.BackupAck, error) {
	h, err := t.network.route(t.self, target)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Unreachable(target, err)
	}
	return h.HandleBackup(ctx, cloneBatch(batch))
}

func (t *localTransport) Read(ctx context.Context, target model.MemberID, req *ReadRequest) (*ReadResponse, error) {
	h, err := t.network.route(t.self, target)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Unreachable(target, err)
	}
	return h.HandleRead(ctx, req)
}

func (t *localTransport) Write(ctx context.Context, target model.MemberID, req *WriteRequest) (*WriteResponse, error) {
	h, err := t.network.route(t.self, target)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Unreachable(target, err)
	}
	return h.HandleWrite(ctx, req)
}

// cloneBatch gives the receiver its own copy, as a wire transport would
func cloneBatch(b *model.BackupBatch) *model.BackupBatch {
	out := *b
	out.Entries = make([]model.BackupEntry, len(b.Entries))
	copy(out.Entries, b.Entries)
	return &out
}
