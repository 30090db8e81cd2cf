package gateway

import (
	"go.uber.org/zap"

	"github.com/amora/chat-core/internal/protocol"
)

// FrameHandler handles one parsed client frame. msg is the concrete struct
// returned by protocol.ParseClientMessage.
type FrameHandler func(p *peer, msg interface{})

// Router routes client frames to handlers by type. Ping is answered
// internally; malformed and unregistered frames get an error frame back.
type Router struct {
	handlers map[string]FrameHandler
	logger   *zap.Logger
}

// NewRouter creates an empty Router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{handlers: make(map[string]FrameHandler), logger: logger}
}

// Register associates a handler with a frame type, replacing any previous one.
func (r *Router) Register(frameType string, handler FrameHandler) {
	r.handlers[frameType] = handler
}

// Dispatch parses data and invokes the matching handler.
func (r *Router) Dispatch(p *peer, data []byte) {
	frameType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		r.logger.Debug("frame parse error", zap.String("conn_id", p.conn.ID), zap.Error(err))
		p.sendError(protocol.CodeInvalidFrame, "invalid message format")
		return
	}

	if frameType == protocol.TypePing {
		p.send(protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := r.handlers[frameType]
	if !ok {
		r.logger.Debug("unsupported frame", zap.String("conn_id", p.conn.ID), zap.String("type", frameType))
		p.sendError(protocol.CodeInvalidFrame, "unsupported message type")
		return
	}
	handler(p, msg)
}
