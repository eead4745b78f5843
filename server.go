package wss

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler is invoked once per parsed upgrade request. It decides the fate
// of the connection through the UpgradeContext and, after Accept, drives
// the connection for as long as it lives: when the handler returns the
// connection is torn down. Errors and panics are logged and swallowed.
type Handler func(ctx context.Context, u *UpgradeContext) error

// Server listens for TCP connections and runs the WebSocket upgrade
// pipeline on each. Configure by setting fields before Start; the zero
// value of every field is usable.
type Server struct {
	// BindIP is the listen address, 0.0.0.0 when empty.
	BindIP string

	// BindPort is the listen port. Zero asks the OS for a free port,
	// observable through HostPort.
	BindPort int

	// StreamDecorator wraps every accepted byte stream before handshake
	// parsing. Use it for TLS or similar transport wrapping; per-connection
	// decoration after parsing goes through UpgradeContext.DecorateStream.
	StreamDecorator StreamDecorator

	// KeepAliveInterval is the ping cadence on accepted connections.
	// Zero means 30 seconds, negative disables keep-alive.
	KeepAliveInterval time.Duration

	// Logger receives accept-loop and handler diagnostics. Nil means no
	// logging.
	Logger *zap.Logger

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc
	active bool
	logger *zap.Logger
}

// Start binds the listener and launches the accept loop. Calling Start
// while the server is active is a no-op.
func (s *Server) Start(handler Handler) error {
	if handler == nil {
		return errors.New("wss: nil handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return nil
	}
	ip := s.BindIP
	if ip == "" {
		ip = "0.0.0.0"
	}
	addr := net.JoinHostPort(ip, strconv.Itoa(s.BindPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("wss: bind %s: %w", addr, err)
	}
	s.logger = s.Logger
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.ln = ln
	s.cancel = cancel
	s.active = true
	go s.acceptLoop(ctx, ln, handler)
	return nil
}

// Stop cancels the accept loop and closes the listener. Connections
// already handed to the handler are not closed by Stop, but the context
// passed to their handlers is cancelled. Idempotent.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	s.cancel()
	err := s.ln.Close()
	s.ln = nil
	s.cancel = nil
	s.active = false
	return err
}

// Active reports whether the server is listening.
func (s *Server) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// HostIP returns the bound IP, nil while stopped.
func (s *Server) HostIP() net.IP {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	if a, ok := s.ln.Addr().(*net.TCPAddr); ok {
		return a.IP
	}
	return nil
}

// HostPort returns the actually bound port, zero while stopped.
func (s *Server) HostPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return 0
	}
	if a, ok := s.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// acceptLoop races Accept against cancellation. Transient accept errors
// are logged and swallowed; each accepted connection gets its own
// handshake goroutine whose failures never reach the loop.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, handler Handler) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("wss: accept", zap.Error(err))
			continue
		}
		go s.serveConn(ctx, conn, handler)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("wss: handler panic", zap.Any("panic", r))
			_ = conn.Close()
		}
	}()

	var stream io.ReadWriteCloser = conn
	if s.StreamDecorator != nil {
		ds, err := s.StreamDecorator(stream)
		if err != nil {
			s.logger.Warn("wss: stream decorator", zap.Error(err))
			_ = conn.Close()
			return
		}
		stream = ds
	}

	br := bufio.NewReader(stream)
	raw, err := readRequestHead(br)
	if err != nil {
		// malformed or truncated head: drop without a response
		s.logger.Debug("wss: handshake", zap.Error(err))
		_ = conn.Close()
		return
	}
	req := parseRequestHead(string(raw), conn.RemoteAddr())
	bufPool.ReleaseBytes(raw)

	u := &UpgradeContext{
		Request:   req,
		Response:  &UpgradeResponse{},
		conn:      conn,
		stream:    stream,
		br:        br,
		keepAlive: s.KeepAliveInterval,
		logger:    s.logger,
	}

	err = handler(ctx, u)
	if err != nil {
		s.logger.Warn("wss: handler", zap.Error(err))
	}
	switch {
	case u.state.Load() == upgradePending:
		_ = u.Reject(0)
	case u.ws != nil:
		_ = u.ws.Close()
	}
}
