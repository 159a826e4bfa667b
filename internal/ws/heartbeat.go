package ws

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"chat-relay/internal/models"
	"chat-relay/internal/observability"
)

// Heartbeat terminates connections that failed to answer the previous probe.
// Every sweep clears each live connection's flag and sends a ping frame; any
// ping or pong received before the next sweep re-arms the flag.
type Heartbeat struct {
	hub      *Hub
	engine   *Engine
	interval time.Duration
	log      *zap.Logger
}

// NewHeartbeat constructs the monitor.
func NewHeartbeat(hub *Hub, engine *Engine, interval time.Duration, log *zap.Logger) *Heartbeat {
	return &Heartbeat{hub: hub, engine: engine, interval: interval, log: log}
}

// Run sweeps on the configured interval until ctx is done.
func (hb *Heartbeat) Run(ctx context.Context) {
	t := time.NewTicker(hb.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hb.sweep()
		}
	}
}

func (hb *Heartbeat) sweep() {
	probe, err := json.Marshal(models.Message{Type: models.TypePing})
	if err != nil {
		return
	}

	for _, c := range hb.hub.Conns() {
		if !c.alive.Load() {
			observability.IncHeartbeatTermination()
			hb.engine.Drop(c, "heartbeat timeout")
			continue
		}
		c.alive.Store(false)
		if !c.enqueue(probe) {
			hb.engine.Drop(c, "write backlog")
		}
	}
}
