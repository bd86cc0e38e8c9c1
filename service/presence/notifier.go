package presence

import (
	"context"

	"go.uber.org/zap"

	usermodel "PPChat/module/user/model"
	"PPChat/module/chat/room"
	"PPChat/service/broadcast"
	"PPChat/service/chat/wire"
	"PPChat/service/metrics"
	"PPChat/tools/errs"
)

// PartnerSource lists the users whose inboxes receive a user's presence.
type PartnerSource interface {
	PartnersOf(ctx context.Context, user int64) ([]int64, error)
}

// UserLookup resolves display data for friend-update events.
type UserLookup interface {
	Lookup(ctx context.Context, id int64) (*usermodel.User, error)
}

type Notifier struct {
	router   broadcast.Router
	partners PartnerSource
	users    UserLookup
	log      *zap.Logger
}

func NewNotifier(router broadcast.Router, partners PartnerSource, users UserLookup, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{router: router, partners: partners, users: users, log: log.Named("presence")}
}

// Broadcast publishes a status event for user to every partner's inbox.
// Delivery failures to one partner do not stop the others; the first
// error is returned.
func (n *Notifier) Broadcast(ctx context.Context, user int64, p usermodel.Presence) error {
	metrics.PresenceFlip(ctx, p.Status())

	partners, err := n.partners.PartnersOf(ctx, user)
	if err != nil {
		return errs.ErrUpstream.Wrap(err, "load partners", "user", user)
	}
	ev, err := wire.NewStatus(user, p.Status(), p.LastOnline)
	if err != nil {
		return errs.Wrap(err)
	}

	var first error
	for _, partner := range partners {
		if partner == user {
			continue
		}
		if err := n.router.Publish(ctx, room.InboxOf(partner), ev); err != nil {
			n.log.Warn("status publish failed", zap.Int64("user", user), zap.Int64("partner", partner), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	n.log.Debug("presence broadcast",
		zap.Int64("user", user), zap.String("status", p.Status()), zap.Int("partners", len(partners)))
	return first
}

// Apply broadcasts tr when it flipped the online flag.
func (n *Notifier) Apply(ctx context.Context, tr Transition) error {
	if !tr.Changed {
		return nil
	}
	return n.Broadcast(ctx, tr.User, tr.Presence)
}

// FriendUpdate tells a and b about each other after a friendship is accepted.
func (n *Notifier) FriendUpdate(ctx context.Context, a, b int64) error {
	if a == b {
		return room.ErrSelfChat
	}
	ua, err := n.users.Lookup(ctx, a)
	if err != nil {
		return errs.ErrUpstream.Wrap(err, "lookup user", "user", a)
	}
	ub, err := n.users.Lookup(ctx, b)
	if err != nil {
		return errs.ErrUpstream.Wrap(err, "lookup user", "user", b)
	}

	toA, err := wire.NewFriendUpdate(ub.ID, ub.Username)
	if err != nil {
		return errs.Wrap(err)
	}
	toB, err := wire.NewFriendUpdate(ua.ID, ua.Username)
	if err != nil {
		return errs.Wrap(err)
	}
	if err := n.router.Publish(ctx, room.InboxOf(a), toA); err != nil {
		return err
	}
	return n.router.Publish(ctx, room.InboxOf(b), toB)
}
