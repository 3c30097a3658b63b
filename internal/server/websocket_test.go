package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/stream-transcriber/internal/config"
	"github.com/skypro1111/stream-transcriber/internal/engine"
	"github.com/skypro1111/stream-transcriber/internal/gateway"
	"github.com/skypro1111/stream-transcriber/internal/protocol"
	"github.com/skypro1111/stream-transcriber/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubEngine answers every window with text
func stubEngine(text string) engine.Func {
	return func(ctx context.Context, req engine.Request) (engine.Transcript, error) {
		return engine.Transcript{Text: text, Language: "en", Duration: float64(len(req.PCM)) / 32000}, nil
	}
}

type wsFixture struct {
	server   *WebSocketServer
	registry *session.Registry
	http     *httptest.Server
	url      string
}

func newWSFixture(t *testing.T, eng engine.Engine, capacity, windowBytes int) *wsFixture {
	t.Helper()

	cfg := config.Default()
	cfg.Server.PingInterval = 0

	registry := session.NewRegistry(capacity, testLogger(), nil)
	gw := gateway.New(eng, gateway.DefaultConfig(), testLogger(), nil)
	gw.Start()

	handler := session.NewHandler(registry, gw, session.HandlerConfig{WindowBytes: windowBytes}, testLogger(), nil)
	ws := NewWebSocketServer(&cfg.Server, handler, testLogger())
	ts := httptest.NewServer(ws)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ws.Stop(ctx)
		ts.Close()
		gw.Stop(ctx)
	})

	return &wsFixture{
		server:   ws,
		registry: registry,
		http:     ts,
		url:      "ws" + strings.TrimPrefix(ts.URL, "http") + "/",
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Fatalf("message type = %d, want text", messageType)
	}
	return string(data)
}

func TestWebSocketRoundTrip(t *testing.T) {
	f := newWSFixture(t, stubEngine("hello"), 5, 3200)
	conn := dial(t, f.url)

	id, ok := protocol.ParseConnectedNotice(readText(t, conn))
	if !ok {
		t.Fatal("first message is not a connected notice")
	}
	if _, ok := f.registry.Get(id); !ok {
		t.Errorf("session %s not registered", id)
	}

	// 0.1 s of audio split across two frames
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 2048)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 1152)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	if got := readText(t, conn); got != "hello" {
		t.Errorf("transcription = %q, want hello", got)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	deadline := time.Now().Add(5 * time.Second)
	for f.registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session was not removed after client close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketCapacityRejection(t *testing.T) {
	f := newWSFixture(t, stubEngine("x"), 1, 3200)

	first := dial(t, f.url)
	readText(t, first)

	second := dial(t, f.url)
	if got := readText(t, second); got != protocol.CapacityNotice {
		t.Fatalf("message = %q, want capacity notice", got)
	}

	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := second.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("ReadMessage() error = %v, want close error", err)
	}
	if closeErr.Code != protocol.ClosePolicyViolation || closeErr.Text != protocol.CapacityReason {
		t.Errorf("close = %d %q", closeErr.Code, closeErr.Text)
	}

	if f.registry.Len() != 1 {
		t.Errorf("registry Len() = %d, want 1", f.registry.Len())
	}
}

func TestWebSocketShutdownClosesSessions(t *testing.T) {
	f := newWSFixture(t, stubEngine("x"), 2, 3200)
	conn := dial(t, f.url)
	readText(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.server.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != protocol.CloseGoingAway {
		t.Errorf("ReadMessage() error = %v, want going-away close", err)
	}
}

func TestWebSocketWrongPath(t *testing.T) {
	f := newWSFixture(t, stubEngine("x"), 1, 3200)

	resp, err := http.Get(f.http.URL + "/other")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
