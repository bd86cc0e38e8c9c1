package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"PPChat/tools/errs"
)

type natsSub struct {
	sub  *nats.Subscription
	refs int
}

// NatsRouter publishes through NATS subject <prefix>.<group> and delivers to
// local members via a Hub. Each group is subscribed once per process while
// it has local members.
type NatsRouter struct {
	nc     *nats.Conn
	prefix string
	local  *Hub
	log    *zap.Logger

	mu   sync.Mutex
	subs map[string]*natsSub
}

func NewNatsRouter(nc *nats.Conn, prefix string, log *zap.Logger) *NatsRouter {
	if log == nil {
		log = zap.NewNop()
	}
	return &NatsRouter{
		nc:     nc,
		prefix: prefix,
		local:  NewHub(log),
		log:    log,
		subs:   make(map[string]*natsSub),
	}
}

func (r *NatsRouter) subject(group string) string {
	if r.prefix == "" {
		return group
	}
	return r.prefix + "." + group
}

// Join subscribes before adding the member so no event published after Join
// returns is missed.
func (r *NatsRouter) Join(ctx context.Context, group string, mb *Mailbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subs[group]
	if !ok {
		sub, err := r.nc.Subscribe(r.subject(group), func(m *nats.Msg) {
			var ev Event
			if err := json.Unmarshal(m.Data, &ev); err != nil {
				r.log.Error("undecodable broadcast event", zap.String("subject", m.Subject), zap.Error(err))
				return
			}
			_ = r.local.Publish(context.Background(), group, ev)
		})
		if err != nil {
			return errs.ErrUpstream.Wrap(err, "nats subscribe", "group", group)
		}
		// the SUB must reach the server before Join returns
		if err := r.nc.FlushWithContext(ctx); err != nil {
			_ = sub.Unsubscribe()
			return errs.ErrUpstream.Wrap(err, "nats flush", "group", group)
		}
		s = &natsSub{sub: sub}
		r.subs[group] = s
	}
	if !r.isMember(group, mb) {
		s.refs++
	}
	return r.local.Join(ctx, group, mb)
}

func (r *NatsRouter) isMember(group string, mb *Mailbox) bool {
	sh := r.local.shard(group)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	g, ok := sh.groups[group]
	if !ok {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok = g.members[mb]
	return ok
}

func (r *NatsRouter) Leave(ctx context.Context, group string, mb *Mailbox) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subs[group]
	if !ok || !r.isMember(group, mb) {
		return nil
	}
	_ = r.local.Leave(ctx, group, mb)
	s.refs--
	if s.refs <= 0 {
		delete(r.subs, group)
		if err := s.sub.Unsubscribe(); err != nil {
			r.log.Warn("nats unsubscribe failed", zap.String("group", group), zap.Error(err))
		}
	}
	return nil
}

func (r *NatsRouter) Publish(_ context.Context, group string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errs.ErrInvariant.Wrap(err, "encode event", "type", ev.Type)
	}
	if err := r.nc.Publish(r.subject(group), data); err != nil {
		return errs.ErrUpstream.Wrap(err, "nats publish", "group", group)
	}
	return nil
}
