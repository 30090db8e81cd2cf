package gateway

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// startHeartbeat pings every connection each interval, evicts the ones
// that stayed silent past interval plus timeout, and keeps the presence and
// app state of live users from expiring.
func (s *Server) startHeartbeat() {
	interval := s.config.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultConfig().HeartbeatInterval
	}
	go func() {
		ticker := s.clock.Ticker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.checkConnections(interval)
			}
		}
	}()
}

func (s *Server) checkConnections(interval time.Duration) {
	deadline := interval + s.config.HeartbeatTimeout
	now := s.clock.Now()

	for _, c := range s.conns.All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			s.logger.Info("heartbeat timeout", zap.String("conn_id", c.ID), zap.Duration("idle", idle.Round(time.Second)))
			s.RemoveConnection(c)
			continue
		}
		if err := c.WritePing(); err != nil {
			s.logger.Debug("heartbeat ping failed", zap.String("conn_id", c.ID), zap.Error(err))
			s.RemoveConnection(c)
			continue
		}
		if p := s.peer(c.ID); p != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			p.heartbeat(ctx)
			cancel()
		}
	}
}
