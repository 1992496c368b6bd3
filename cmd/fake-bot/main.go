// ABOUTME: Fake bot client for manual gateway testing.
// ABOUTME: Identifies, heartbeats, reports ONLINE, and logs pushed events.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/canalapp/canal-gateway/internal/protocol"
)

func main() {
	gatewayURL := flag.String("url", "ws://localhost:8080/gateway", "gateway websocket URL")
	token := flag.String("token", os.Getenv("CANAL_BOT_TOKEN"), "bot credential token")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "token required: pass --token or set CANAL_BOT_TOKEN")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if err := run(ctx, logger, *gatewayURL, *token); err != nil {
		logger.Error("fake bot failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, url, token string) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", url, err)
	}
	defer ws.Close()
	logger.Info("connected", "url", url)

	// The heartbeat ticker and the read loop both send frames; gorilla
	// allows only one writer at a time, so all writes go through botConn.
	c := &botConn{ws: ws}

	// HELLO announces the heartbeat interval before we identify.
	var hello protocol.HelloPayload
	if err := readEvent(ws, protocol.EventHello, &hello); err != nil {
		return err
	}
	interval := time.Duration(hello.HeartbeatIntervalMS) * time.Millisecond
	logger.Info("greeted", "heartbeat_interval", interval)

	if err := c.sendFrame(protocol.EventIdentify, protocol.IdentifyPayload{Token: token}); err != nil {
		return err
	}

	var ready protocol.ReadyPayload
	if err := readEvent(ws, protocol.EventReady, &ready); err != nil {
		return err
	}
	logger.Info("ready", "scripts", len(ready.Scripts))
	for _, sc := range ready.Scripts {
		logger.Info("assigned script", "id", sc.ID, "name", sc.Name, "platform", sc.Platform)
	}

	if err := c.sendFrame(protocol.EventClientStatusUpdate, protocol.ClientStatusUpdate{State: protocol.ClientOnline}); err != nil {
		return err
	}

	go heartbeatLoop(ctx, c, interval, logger)
	go func() {
		<-ctx.Done()
		logger.Info("disconnecting")
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.writeControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
	}()

	for {
		var frame protocol.Frame
		if err := ws.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}
		logger.Info("event", "event", frame.Event, "payload", string(frame.Payload))

		// Pretend the pushed script is now running.
		if frame.Event == protocol.EventScriptCreate || frame.Event == protocol.EventScriptUpdate {
			var ref protocol.ScriptRef
			if err := json.Unmarshal(frame.Payload, &ref); err == nil && ref.ID != "" {
				_ = c.sendFrame(protocol.EventScriptStatusUpdate, protocol.ScriptStatusUpdate{ID: ref.ID, State: protocol.ScriptRunning})
			}
		}
	}
}

func heartbeatLoop(ctx context.Context, c *botConn, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.sendFrame(protocol.EventHeartbeat, nil); err != nil {
				logger.Warn("heartbeat failed", "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// botConn serializes writes to the shared websocket connection.
type botConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *botConn) sendFrame(event string, payload any) error {
	frame := protocol.Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		frame.Payload = data
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(frame)
}

func (c *botConn) writeControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(messageType, data, deadline)
}

func readEvent(c *websocket.Conn, want string, into any) error {
	var frame protocol.Frame
	if err := c.ReadJSON(&frame); err != nil {
		return fmt.Errorf("waiting for %s: %w", want, err)
	}
	if frame.Event != want {
		return fmt.Errorf("expected %s, got %s", want, frame.Event)
	}
	return json.Unmarshal(frame.Payload, into)
}
