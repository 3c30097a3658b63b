package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/stream-transcriber/internal/config"
	"github.com/skypro1111/stream-transcriber/internal/protocol"
	"github.com/skypro1111/stream-transcriber/internal/session"
)

// WebSocketServer accepts streaming clients on a single path
type WebSocketServer struct {
	config   *config.ServerConfig
	handler  *session.Handler
	logger   *slog.Logger
	upgrader websocket.Upgrader

	server   *http.Server
	listener net.Listener

	// Cancelled on Stop so every connection closes with a going-away frame
	ctx    context.Context
	cancel context.CancelFunc
	conns  sync.WaitGroup
}

// NewWebSocketServer creates a streaming server that serves connections with handler
func NewWebSocketServer(cfg *config.ServerConfig, handler *session.Handler, logger *slog.Logger) *WebSocketServer {
	ctx, cancel := context.WithCancel(context.Background())

	s := &WebSocketServer{
		config:  cfg,
		handler: handler,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Streaming clients are not browsers bound to an origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start begins accepting connections
func (s *WebSocketServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	s.logger.Info("WebSocket server started",
		slog.String("address", ln.Addr().String()),
		slog.String("path", s.config.Path),
		slog.Int64("read_limit", s.config.ReadLimit),
		slog.Duration("ping_interval", s.config.GetPingIntervalDuration()),
	)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("WebSocket server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the listening address once started
func (s *WebSocketServer) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop stops accepting connections and closes the active ones
func (s *WebSocketServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping WebSocket server...")

	// Hijacked connections are not tracked by Shutdown
	s.cancel()
	err := s.server.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("connections still open: %w", ctx.Err())
	}

	return err
}

// ServeHTTP upgrades the request and runs the session until the connection closes
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != s.config.Path {
		http.NotFound(w, r)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response
		s.logger.Debug("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()

	t := newWSTransport(conn, s.config.ReadLimit, s.config.GetWriteTimeoutDuration(), s.config.GetPingIntervalDuration())
	defer t.release()

	if err := s.handler.Serve(s.ctx, t); err != nil && !errors.Is(err, session.ErrCapacityExceeded) {
		s.logger.Warn("Session ended with error",
			slog.String("remote_addr", t.RemoteAddr()),
			slog.String("error", err.Error()),
		)
	}
}

// wsTransport adapts a gorilla connection to session.Transport
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pingInterval time.Duration

	// gorilla allows one concurrent writer of data frames
	writeMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, readLimit int64, writeTimeout, pingInterval time.Duration) *wsTransport {
	t := &wsTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		done:         make(chan struct{}),
	}

	conn.SetReadLimit(readLimit)

	if pingInterval > 0 {
		conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
		})
		go t.pingLoop()
	}

	return t
}

// RemoteAddr returns the peer address
func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// ReadFrame reads the next data frame
func (t *wsTransport) ReadFrame() (session.FrameType, []byte, error) {
	messageType, data, err := t.conn.ReadMessage()
	if err != nil {
		return 0, nil, fmt.Errorf("websocket read: %w", err)
	}

	if t.pingInterval > 0 {
		t.conn.SetReadDeadline(time.Now().Add(2 * t.pingInterval))
	}

	if messageType == websocket.BinaryMessage {
		return session.FrameBinary, data, nil
	}
	return session.FrameText, data, nil
}

// WriteText sends a text frame within the write timeout
func (t *wsTransport) WriteText(msg string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if err := t.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close sends a close frame and closes the connection
func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)

		msg := websocket.FormatCloseMessage(code, protocol.CloseReason(reason))
		err = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.writeTimeout))
		if cerr := t.conn.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

// release closes the connection if the handler did not
func (t *wsTransport) release() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close()
	})
}

// pingLoop sends keepalive pings until the transport closes
func (t *wsTransport) pingLoop() {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			// WriteControl may run concurrently with WriteMessage
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout)); err != nil {
				return
			}
		}
	}
}
