package chat

import (
	"context"

	"go.uber.org/zap"

	"PPChat/service/chat/wire"
)

// Handler processes one inbound frame on a joined session. A validation
// error is reported to the client; any other error closes the session.
type Handler interface {
	Type() string
	Kinds() []Kind // connection kinds that accept this frame
	Handle(ctx context.Context, s *session, in *wire.Inbound) error
}

type Dispatcher struct {
	handlers map[string]Handler
	log      *zap.Logger
}

func NewDispatcher(log *zap.Logger) *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler), log: log}
}

func (d *Dispatcher) Register(h Handler) { d.handlers[h.Type()] = h }

// GetHandler returns the handler for typ on a connection of kind k, or nil.
func (d *Dispatcher) GetHandler(typ string, k Kind) Handler {
	h, ok := d.handlers[typ]
	if !ok {
		d.log.Debug("no handler", zap.String("type", typ))
		return nil
	}
	for _, allowed := range h.Kinds() {
		if allowed == k {
			return h
		}
	}
	d.log.Debug("handler not allowed on connection kind", zap.String("type", typ), zap.String("kind", string(k)))
	return nil
}
