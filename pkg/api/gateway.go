// Package api exposes a local WebSocket stream of runtime events for
// dashboards and debugging. It is read-only: clients observe the bus, they
// cannot inject into it.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sablebot/sable/pkg/bus"
	"github.com/sablebot/sable/pkg/config"
	"github.com/sablebot/sable/pkg/events"
	"github.com/sablebot/sable/pkg/logger"
	"github.com/sablebot/sable/pkg/task"
)

// Gateway serves the event stream over a local HTTP listener.
type Gateway struct {
	cfg   config.GatewayConfig
	bus   *bus.Bus
	tasks *task.Manager

	hub       *WSHub
	server    *http.Server
	addr      string
	sub       *bus.Subscription
	cancelHub context.CancelFunc
	startedAt time.Time
}

// NewGateway wires a gateway over the given bus and task manager.
func NewGateway(cfg config.GatewayConfig, b *bus.Bus, tm *task.Manager) *Gateway {
	g := &Gateway{cfg: cfg, bus: b, tasks: tm}
	g.hub = NewWSHub(g.statusSnapshot)
	return g
}

// Start begins listening and mirroring bus events to clients. The listener
// binding is validated synchronously so a bad address fails fast.
func (g *Gateway) Start() error {
	ln, err := net.Listen("tcp", g.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", g.cfg.Addr, err)
	}
	g.addr = ln.Addr().String()
	g.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.hub.HandleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	g.server = &http.Server{Handler: mux}

	hubCtx, cancel := context.WithCancel(context.Background())
	g.cancelHub = cancel
	go g.hub.Run(hubCtx)

	g.sub = g.bus.SubscribeAll(func(e events.Event) {
		g.hub.Broadcast(string(e.Type), map[string]interface{}{
			"id":      e.ID,
			"source":  e.Source,
			"payload": e.Payload,
		})
	})

	go func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("ws", "Gateway server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	logger.InfoCF("ws", "Gateway listening", map[string]interface{}{"addr": ln.Addr().String()})
	return nil
}

// Addr returns the bound listener address, or empty before Start.
func (g *Gateway) Addr() string { return g.addr }

// Stop detaches from the bus and shuts the listener down.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.bus.Unsubscribe(g.sub)
	g.cancelHub()
	return g.server.Shutdown(ctx)
}

func (g *Gateway) statusSnapshot() map[string]interface{} {
	pending, running := g.tasks.Counts()
	return map[string]interface{}{
		"uptime_seconds": int(time.Since(g.startedAt).Seconds()),
		"pending_tasks":  pending,
		"running_tasks":  running,
		"clients":        g.hub.ClientCount(),
	}
}
