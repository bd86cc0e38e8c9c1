// Package chat is the WebSocket session gateway: it authenticates a
// connection, joins it to its broadcast groups, counts it in the presence
// registry and routes inbound frames until the connection ends.
package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	chatmodel "PPChat/module/chat/model"
	"PPChat/module/chat/message"
	"PPChat/module/chat/room"
	usersvc "PPChat/module/user/service"
	"PPChat/service/broadcast"
	"PPChat/service/chat/wire"
	"PPChat/service/presence"
	"PPChat/tools/errs"
	"PPChat/tools/safe"
)

// MessageMirror receives every persisted message. Failures are logged only.
type MessageMirror interface {
	Emit(ctx context.Context, room string, senderName string, msg *chatmodel.Message) error
}

type Options struct {
	NodeID      string
	MailboxSize int
	Resolver    usersvc.IdentityResolver
	Registry    presence.Registry
	Router      broadcast.Router
	Store       message.Store
	Notifier    *presence.Notifier
	Mirror      MessageMirror // optional
	Log         *zap.Logger
	Now         func() time.Time
}

type Gateway struct {
	resolver    usersvc.IdentityResolver
	registry    presence.Registry
	router      broadcast.Router
	store       message.Store
	notifier    *presence.Notifier
	mirror      MessageMirror
	mailboxSize int
	now         func() time.Time
	log         *zap.Logger

	sessions *ConnManager
	disp     *Dispatcher

	mu      sync.Mutex // guards closing and active.Add
	closing bool
	active  sync.WaitGroup

	userLocks [userLockStripes]sync.Mutex
}

// userLockStripes orders each user's registry transitions together with the
// status events they cause.
const userLockStripes = 64

func NewGateway(o Options) *Gateway {
	safe.MustNotNil(o.Resolver, "resolver")
	safe.MustNotNil(o.Registry, "registry")
	safe.MustNotNil(o.Router, "router")
	safe.MustNotNil(o.Store, "store")
	safe.MustNotNil(o.Notifier, "notifier")
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = broadcast.DefaultMailboxSize
	}
	g := &Gateway{
		resolver:    o.Resolver,
		registry:    o.Registry,
		router:      o.Router,
		store:       o.Store,
		notifier:    o.Notifier,
		mirror:      o.Mirror,
		mailboxSize: o.MailboxSize,
		now:         o.Now,
		log:         o.Log.Named("gateway"),
		sessions:    NewConnManager(o.NodeID),
	}
	g.disp = NewDispatcher(g.log)
	g.disp.Register(&messageHandler{g})
	g.disp.Register(&typingHandler{g})
	return g
}

func (g *Gateway) Sessions() *ConnManager { return g.sessions }

// Serve drives one connection through its whole life and returns when it is
// closed. The returned error explains a rejected handshake; a session that
// joined returns nil.
func (g *Gateway) Serve(ctx context.Context, tr Transport, hs Handshake) error {
	s := &session{
		id:  uuid.NewString(),
		hs:  hs,
		tr:  tr,
		gw:  g,
		log: g.log.With(zap.String("kind", string(hs.Kind)), zap.String("remote", hs.Remote)),
	}
	s.log = s.log.With(zap.String("conn", s.id))

	if !g.enter() {
		s.reject(CloseNormal, reasonShutdown)
		return errs.ErrUpstream.WrapMsg(reasonShutdown)
	}
	defer g.active.Done()

	if hs.Credential == "" {
		s.reject(ClosePolicy, reasonNoToken)
		return errs.ErrAuthentication.WrapMsg(reasonNoToken)
	}

	s.to(StateAuthenticating)
	user, err := g.resolver.Resolve(ctx, hs.Credential)
	if err != nil {
		if errors.Is(err, errs.ErrUpstream) {
			s.reject(CloseTryAgain, reasonUpstream)
		} else {
			s.reject(ClosePolicy, reasonAuthFailed)
		}
		return err
	}
	s.user = user
	s.log = s.log.With(zap.Int64("user", user.ID))

	if hs.Kind == KindChat {
		name, err := room.RoomOf(user.ID, hs.OtherUserID)
		if err != nil {
			if ev, eerr := wire.NewError(reasonSelfChat); eerr == nil {
				s.writeDirect(ctx, ev)
			}
			s.reject(ClosePolicy, reasonSelfChat)
			return err
		}
		s.peer, s.roomName = hs.OtherUserID, name
	}

	if err := s.join(ctx); err != nil {
		s.log.Warn("join failed", zap.Error(err))
		s.reject(CloseTryAgain, reasonUpstream)
		return err
	}
	s.log.Info("connection joined", zap.Strings("groups", s.groups))
	if g.isClosing() {
		// joined after Shutdown took its snapshot of sessions
		s.abort(CloseNormal, reasonShutdown)
	}

	stop := context.AfterFunc(ctx, func() { s.abort(CloseNormal, reasonShutdown) })
	defer stop()
	defer s.finalize(ctx)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("session panic", zap.Error(errs.ErrPanic(r)))
			s.setExit(CloseInternal, reasonPanic)
		}
	}()

	s.readLoop(ctx)
	return nil
}

// Shutdown refuses new connections, closes every session and waits for
// their cleanup.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	g.sessions.CloseAll(CloseNormal, reasonShutdown)
	done := make(chan struct{})
	go func() {
		g.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "shutdown with %d sessions open", g.sessions.Count())
	}
}

func (g *Gateway) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		return false
	}
	g.active.Add(1)
	return true
}

func (g *Gateway) isClosing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closing
}

func (g *Gateway) lockUser(user int64) func() {
	mu := &g.userLocks[uint64(user)%userLockStripes]
	mu.Lock()
	return mu.Unlock
}

// openPresence counts one connection of user and publishes the flip it
// caused before any other transition of that user can run.
func (g *Gateway) openPresence(ctx context.Context, user int64) error {
	defer g.lockUser(user)()
	tr, err := g.registry.Open(ctx, user)
	if err != nil {
		return err
	}
	g.notify(ctx, tr)
	return nil
}

// closePresence releases one connection of user. A floored count is logged
// and the resulting state is still published.
func (g *Gateway) closePresence(ctx context.Context, user int64, log *zap.Logger) {
	defer g.lockUser(user)()
	tr, err := g.registry.Close(ctx, user)
	switch {
	case errors.Is(err, errs.ErrInvariant):
		log.Error("registry invariant violated", zap.Error(err))
	case err != nil:
		log.Warn("registry close failed", zap.Error(err))
		return
	}
	g.notify(ctx, tr)
}

func (g *Gateway) notify(ctx context.Context, tr presence.Transition) {
	if err := g.notifier.Apply(ctx, tr); err != nil {
		g.log.Warn("presence broadcast failed", zap.Int64("user", tr.User), zap.Error(err))
	}
}
