package chat

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"PPChat/module/chat/room"
	"PPChat/service/chat/wire"
	"PPChat/service/metrics"
	"PPChat/tools/errs"
)

// messageHandler persists a chat message and then fans it out to the room.
type messageHandler struct{ g *Gateway }

func (h *messageHandler) Type() string  { return wire.InMessage }
func (h *messageHandler) Kinds() []Kind { return []Kind{KindChat} }

func (h *messageHandler) Handle(ctx context.Context, s *session, in *wire.Inbound) error {
	body := strings.TrimSpace(in.Text())
	if body == "" {
		return nil
	}
	if s.room == nil {
		r, err := h.g.store.GetOrCreateRoom(ctx, s.user.ID, s.peer)
		if err != nil {
			return err
		}
		s.room = r
	}
	msg, err := h.g.store.Append(ctx, s.room, s.user.ID, body)
	if err != nil {
		return err
	}
	metrics.MessagePersisted(ctx)

	if h.g.mirror != nil {
		if err := h.g.mirror.Emit(ctx, s.roomName, s.user.Username, msg); err != nil {
			s.log.Warn("message mirror failed", zap.Int64("msg", msg.ID), zap.Error(err))
		}
	}

	ev, err := wire.NewChatMessage(msg.Body, msg.SenderID, s.user.Username, msg.CreatedAt)
	if err != nil {
		return errs.Wrap(err)
	}
	return h.g.router.Publish(ctx, s.roomName, ev)
}

// typingHandler relays typing activity to the room and the peer's inbox.
type typingHandler struct{ g *Gateway }

func (h *typingHandler) Type() string  { return wire.InTyping }
func (h *typingHandler) Kinds() []Kind { return []Kind{KindChat} }

func (h *typingHandler) Handle(ctx context.Context, s *session, in *wire.Inbound) error {
	ev, err := wire.NewTyping(s.user.ID, in.IsTyping, h.g.now())
	if err != nil {
		return errs.Wrap(err)
	}
	if err := h.g.router.Publish(ctx, s.roomName, ev); err != nil {
		return err
	}
	fev, err := wire.NewFriendTyping(s.user.ID, in.IsTyping)
	if err != nil {
		return errs.Wrap(err)
	}
	return h.g.router.Publish(ctx, room.InboxOf(s.peer), fev)
}
