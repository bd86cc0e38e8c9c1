package chat

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	chatmodel "PPChat/module/chat/model"
	"PPChat/module/chat/room"
	usermodel "PPChat/module/user/model"
	"PPChat/service/broadcast"
	"PPChat/service/chat/wire"
	"PPChat/service/metrics"
	"PPChat/tools/decode"
	"PPChat/tools/errs"
	"PPChat/tools/safe"
)

// finalizeTimeout bounds cleanup when the serving context is already gone.
const finalizeTimeout = 5 * time.Second

// session is one physical connection. Fields below state are written by the
// serving goroutine before StateJoined and only read afterwards.
type session struct {
	id  string
	hs  Handshake
	tr  Transport
	gw  *Gateway
	log *zap.Logger

	state atomic.Int32

	user     *usermodel.User
	peer     int64
	roomName string
	room     *chatmodel.ChatRoom // created on first message, read goroutine only
	groups   []string
	mb       *broadcast.Mailbox
	opened   bool

	exitMu sync.Mutex
	exit   *closeReason

	finOnce    sync.Once
	writerDone chan struct{}
}

func (s *session) State() State { return State(s.state.Load()) }

func (s *session) to(st State) {
	prev := State(s.state.Swap(int32(st)))
	s.log.Debug("session state", zap.Stringer("from", prev), zap.Stringer("to", st))
}

func (s *session) userID() int64 {
	if s.user == nil {
		return 0
	}
	return s.user.ID
}

// setExit records the close outcome; the first caller wins.
func (s *session) setExit(code int, reason string) {
	s.exitMu.Lock()
	defer s.exitMu.Unlock()
	if s.exit == nil {
		s.exit = &closeReason{code: code, reason: reason}
	}
}

func (s *session) exitReason() closeReason {
	s.exitMu.Lock()
	defer s.exitMu.Unlock()
	if s.exit == nil {
		return closeReason{code: CloseNormal, reason: reasonClientGone}
	}
	return *s.exit
}

// abort closes the transport at once, which unblocks the read loop.
func (s *session) abort(code int, reason string) {
	s.setExit(code, reason)
	_ = s.tr.Close(code, reason)
}

// reject ends a session that never joined. Nothing was mutated.
func (s *session) reject(code int, reason string) {
	s.to(StateClosed)
	_ = s.tr.Close(code, reason)
	metrics.ConnClosed(context.Background(), string(s.hs.Kind), reason)
	s.log.Info("connection rejected", zap.Int("code", code), zap.String("reason", reason))
}

// writeDirect is only valid before the writer goroutine starts.
func (s *session) writeDirect(ctx context.Context, ev broadcast.Event) {
	if err := s.tr.Write(ctx, ev.Frame); err != nil {
		s.log.Debug("direct write failed", zap.Error(err))
	}
}

func (s *session) sendError(msg string) {
	ev, err := wire.NewError(msg)
	if err != nil {
		return
	}
	if !s.mb.Offer(ev) {
		s.log.Warn("error event dropped", zap.String("message", msg))
	}
}

func (s *session) groupsFor() []string {
	switch s.hs.Kind {
	case KindChat:
		return []string{s.roomName}
	case KindChatList:
		return []string{room.InboxOf(s.user.ID)}
	case KindStatus:
		return []string{room.StatusOf(s.user.ID)}
	default:
		return nil
	}
}

// join subscribes to the session's groups and then counts the connection.
// On failure everything done so far is undone.
func (s *session) join(ctx context.Context) error {
	s.mb = broadcast.NewMailbox(s.id, s.gw.mailboxSize)
	for _, g := range s.groupsFor() {
		if err := s.gw.router.Join(ctx, g, s.mb); err != nil {
			s.leaveAll(ctx)
			s.mb.Close()
			return err
		}
		s.groups = append(s.groups, g)
	}
	if err := s.gw.openPresence(ctx, s.user.ID); err != nil {
		s.leaveAll(ctx)
		s.mb.Close()
		return err
	}
	s.opened = true
	s.to(StateJoined)
	s.gw.sessions.add(s)
	metrics.ConnOpened(ctx, string(s.hs.Kind))

	s.writerDone = make(chan struct{})
	safe.Go(s.log, "ws-writer", s.writeLoop)
	return nil
}

func (s *session) leaveAll(ctx context.Context) {
	for _, g := range s.groups {
		if err := s.gw.router.Leave(ctx, g, s.mb); err != nil {
			s.log.Warn("leave group failed", zap.String("group", g), zap.Error(err))
		}
	}
	s.groups = nil
}

// writeLoop is the only writer after join. It drains the mailbox until it
// is closed; after a write error the remaining events are discarded.
func (s *session) writeLoop() {
	defer close(s.writerDone)
	failed := false
	for ev := range s.mb.C() {
		if failed {
			continue
		}
		if err := s.tr.Write(context.Background(), ev.Frame); err != nil {
			failed = true
			s.log.Debug("write failed", zap.Error(err))
			s.abort(CloseInternal, reasonWriteError)
		}
	}
}

// readLoop runs until the transport fails or a frame ends the session.
func (s *session) readLoop(ctx context.Context) {
	for {
		data, err := s.tr.Read(ctx)
		if err != nil {
			s.setExit(CloseNormal, reasonClientGone)
			s.log.Debug("read ended", zap.Error(err))
			return
		}
		if stop := s.handleFrame(ctx, data); stop {
			return
		}
	}
}

func (s *session) handleFrame(ctx context.Context, data []byte) (stop bool) {
	obj, err := decode.JSONObject(data)
	if err != nil {
		s.sendError("malformed frame")
		return false
	}
	in, err := decode.Map[wire.Inbound](obj)
	if err != nil {
		s.sendError("malformed frame")
		return false
	}
	h := s.gw.disp.GetHandler(in.Kind(), s.hs.Kind)
	if h == nil {
		s.sendError(fmt.Sprintf("unsupported event %q on %s connection", in.Kind(), s.hs.Kind))
		return false
	}

	err = h.Handle(ctx, s, in)
	switch {
	case err == nil:
		return false
	case errors.Is(err, errs.ErrValidation):
		s.sendError(clientMessage(err))
		return false
	case errors.Is(err, errs.ErrUpstream):
		s.log.Warn("upstream failure", zap.String("type", in.Kind()), zap.Error(err))
		s.sendError(reasonUpstream)
		s.setExit(CloseTryAgain, reasonUpstream)
		return true
	default:
		s.log.Error("frame handler failed", zap.String("type", in.Kind()), zap.Error(err))
		s.sendError(reasonPanic)
		s.setExit(CloseInternal, reasonPanic)
		return true
	}
}

// finalize runs once on every exit path of a joined session.
func (s *session) finalize(ctx context.Context) {
	s.finOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()

		s.to(StateClosed)
		exit := s.exitReason()

		s.leaveAll(ctx)
		if s.opened {
			s.gw.closePresence(ctx, s.user.ID, s.log)
		}

		s.mb.Close()
		<-s.writerDone
		_ = s.tr.Close(exit.code, exit.reason)

		s.gw.sessions.remove(s)
		metrics.ConnClosed(ctx, string(s.hs.Kind), exit.reason)
		if d := s.mb.Dropped(); d > 0 {
			s.log.Warn("events dropped for slow client", zap.Int64("dropped", d))
		}
		s.log.Info("connection closed", zap.Int("code", exit.code), zap.String("reason", exit.reason))
	})
}

// clientMessage is the text sent in an error event for a validation failure.
func clientMessage(err error) string {
	var ce *errs.CodeError
	if errors.As(err, &ce) && ce.Detail != "" {
		return ce.Detail
	}
	return "invalid request"
}
