package gateway

import (
	"context"

	"github.com/amora/chat-core/internal/notify"
	"github.com/amora/chat-core/internal/protocol"
)

// Alert implements notify.LocalAlerter: it writes the notification and a
// fresh badge count to every connection the recipient holds on this node.
func (s *Server) Alert(ctx context.Context, rec notify.Record) error {
	conns := s.conns.ForUser(rec.RecipientID)
	if len(conns) == 0 {
		return errNoClient
	}
	frame := protocol.NewNotificationMsg(rec)
	delivered := false
	for _, c := range conns {
		p := s.peer(c.ID)
		if p == nil {
			continue
		}
		p.send(protocol.TypeNotification, frame)
		p.sendBadge(ctx)
		delivered = true
	}
	if !delivered {
		return errNoClient
	}
	return nil
}
