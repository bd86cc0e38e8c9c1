package broadcast

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"PPChat/service/metrics"
)

const hubShards = 32

type group struct {
	mu      sync.Mutex // held for a whole fan-out: FIFO per group
	members map[*Mailbox]struct{}
}

type hubShard struct {
	mu     sync.RWMutex // guards the groups map; write-locked only for membership changes
	groups map[string]*group
}

// Hub is the in-process Router. Membership is exact and immediately
// consistent.
type Hub struct {
	log    *zap.Logger
	shards [hubShards]hubShard
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{log: log}
	for i := range h.shards {
		h.shards[i].groups = make(map[string]*group)
	}
	return h
}

func (h *Hub) shard(name string) *hubShard {
	f := fnv.New32a()
	_, _ = f.Write([]byte(name))
	return &h.shards[f.Sum32()%hubShards]
}

func (h *Hub) Join(_ context.Context, name string, mb *Mailbox) error {
	s := h.shard(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[name]
	if !ok {
		g = &group{members: make(map[*Mailbox]struct{})}
		s.groups[name] = g
	}
	g.mu.Lock()
	g.members[mb] = struct{}{}
	g.mu.Unlock()
	return nil
}

func (h *Hub) Leave(_ context.Context, name string, mb *Mailbox) error {
	s := h.shard(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[name]
	if !ok {
		return nil
	}
	g.mu.Lock()
	delete(g.members, mb)
	empty := len(g.members) == 0
	g.mu.Unlock()
	if empty {
		delete(s.groups, name)
	}
	return nil
}

func (h *Hub) Publish(ctx context.Context, name string, ev Event) error {
	s := h.shard(name)
	s.mu.RLock()
	g, ok := s.groups[name]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	g.mu.Lock()
	s.mu.RUnlock()
	defer g.mu.Unlock()

	metrics.Published(ctx, ev.Type)
	for mb := range g.members {
		if !mb.Offer(ev) {
			metrics.Dropped(ctx, ev.Type)
			h.log.Warn("mailbox full or closed, event dropped",
				zap.String("group", name), zap.String("mailbox", mb.ID), zap.String("type", ev.Type))
		}
	}
	return nil
}

// Members returns the number of mailboxes joined to name.
func (h *Hub) Members(name string) int {
	s := h.shard(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[name]
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Groups returns the number of non-empty groups.
func (h *Hub) Groups() int {
	n := 0
	for i := range h.shards {
		s := &h.shards[i]
		s.mu.RLock()
		n += len(s.groups)
		s.mu.RUnlock()
	}
	return n
}
