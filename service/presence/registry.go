// Package presence owns the per-user connection count and the online flag
// derived from it, and fans presence changes out to a user's partners.
package presence

import (
	"context"
	"sync"
	"time"

	usermodel "PPChat/module/user/model"
	"PPChat/service/metrics"
	"PPChat/tools/errs"
)

// Transition is the result of one Open or Close. Changed is true only when
// the online flag flipped.
type Transition struct {
	User     int64
	Count    int64
	Changed  bool
	Presence usermodel.Presence
}

// Registry counts live connections per user. Count and online flag change
// together as one atomic unit.
type Registry interface {
	Open(ctx context.Context, user int64) (Transition, error)
	Close(ctx context.Context, user int64) (Transition, error)
	Presence(ctx context.Context, user int64) (usermodel.Presence, error)
}

// Violation reports a Close observed at a zero count. The returned
// transition is still valid.
func Violation(ctx context.Context, user int64) error {
	metrics.RegistryViolation(ctx)
	return errs.ErrInvariant.WrapMsg("close at zero connections", "user", user)
}

const stripes = 64

type entry struct {
	count      int64
	lastOnline *time.Time
}

type stripe struct {
	mu    sync.Mutex
	users map[int64]*entry
}

// MemoryRegistry keeps counts in process, guarded by 64 lock stripes keyed
// by user id.
type MemoryRegistry struct {
	stripes [stripes]stripe
	now     func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return NewMemoryRegistryWithClock(time.Now)
}

func NewMemoryRegistryWithClock(now func() time.Time) *MemoryRegistry {
	r := &MemoryRegistry{now: now}
	for i := range r.stripes {
		r.stripes[i].users = make(map[int64]*entry)
	}
	return r
}

func (r *MemoryRegistry) stripe(user int64) *stripe {
	i := user % stripes
	if i < 0 {
		i = -i
	}
	return &r.stripes[i]
}

func (r *MemoryRegistry) Open(_ context.Context, user int64) (Transition, error) {
	s := r.stripe(user)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.users[user]
	if e == nil {
		e = &entry{}
		s.users[user] = e
	}
	e.count++
	changed := e.count == 1
	if changed {
		e.lastOnline = nil
	}
	return Transition{User: user, Count: e.count, Changed: changed, Presence: e.presence()}, nil
}

func (r *MemoryRegistry) Close(ctx context.Context, user int64) (Transition, error) {
	s := r.stripe(user)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.users[user]
	if e == nil || e.count == 0 {
		if e == nil {
			e = &entry{}
			s.users[user] = e
		}
		return Transition{User: user, Presence: e.presence()}, Violation(ctx, user)
	}
	e.count--
	changed := e.count == 0
	if changed {
		ts := r.now().UTC()
		e.lastOnline = &ts
	}
	return Transition{User: user, Count: e.count, Changed: changed, Presence: e.presence()}, nil
}

func (r *MemoryRegistry) Presence(_ context.Context, user int64) (usermodel.Presence, error) {
	s := r.stripe(user)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.users[user]
	if e == nil {
		return usermodel.Presence{}, nil
	}
	return e.presence(), nil
}

func (e *entry) presence() usermodel.Presence {
	p := usermodel.Presence{Online: e.count > 0, Connections: e.count}
	if !p.Online && e.lastOnline != nil {
		ts := *e.lastOnline
		p.LastOnline = &ts
	}
	return p
}
