package api

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sablebot/sable/pkg/bus"
	"github.com/sablebot/sable/pkg/config"
	"github.com/sablebot/sable/pkg/events"
	"github.com/sablebot/sable/pkg/task"
)

func startTestGateway(t *testing.T) (*Gateway, *bus.Bus) {
	t.Helper()
	b := bus.New()
	tm := task.NewManager(b, 2)

	g := NewGateway(config.GatewayConfig{Enabled: true, Addr: "127.0.0.1:0"}, b, tm)
	if err := g.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		g.Stop(ctx)
		tm.Stop(100 * time.Millisecond)
		b.Close()
	})
	return g, b
}

func dial(t *testing.T, g *Gateway) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+g.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestClientReceivesInitialState(t *testing.T) {
	g, _ := startTestGateway(t)
	conn := dial(t, g)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev WSEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if ev.Type != "initial_state" {
		t.Fatalf("expected initial_state first, got %s", ev.Type)
	}
}

func TestBusEventsAreMirroredToClients(t *testing.T) {
	g, b := startTestGateway(t)
	conn := dial(t, g)

	// Skip the initial snapshot.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first WSEvent
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}

	b.Publish(events.UserInput, events.InputPayload("cli", "me", "local", "hello"))

	// Frames may batch several newline-separated events.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		for _, line := range bytes.Split(raw, []byte("\n")) {
			if len(line) == 0 {
				continue
			}
			var ev WSEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if ev.Type == string(events.UserInput) {
				return
			}
		}
	}
}

func TestStopIsCleanWithConnectedClients(t *testing.T) {
	g, _ := startTestGateway(t)
	dial(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := g.Stop(ctx); err != nil {
		t.Fatalf("second Stop must be harmless: %v", err)
	}
}
