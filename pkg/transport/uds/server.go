package uds

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const (
	// writeTimeout bounds a write to one client; a client that cannot keep
	// up with events within it is disconnected.
	writeTimeout = 2 * time.Second
	socketMode   = 0o660
)

// HandlerFunc processes a request and returns a response payload or error.
type HandlerFunc func(ctx context.Context, req Message) (any, error)

// peer is one connected client. Responses and broadcasts share the
// connection, so writes are serialized.
type peer struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (p *peer) write(line []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := p.conn.Write(line)
	return err
}

// Server is the agent side of the control socket.
type Server struct {
	socketPath string
	handlers   map[string]HandlerFunc
	logger     *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once

	mu       sync.Mutex
	listener net.Listener
	peers    map[*peer]struct{}
}

// NewServer creates a server for socketPath.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
		peers:      make(map[*peer]struct{}),
		ready:      make(chan struct{}),
		logger:     logger,
	}
}

// Handle registers h for method. Register handlers before Start.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.handlers[method] = h
}

// Ready is closed once the socket accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Start listens on the socket, replacing a stale socket file, and serves
// until ctx is cancelled or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, socketMode); err != nil {
		ln.Close()
		return fmt.Errorf("chmod %s: %w", s.socketPath, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("control socket listening", "socket", s.socketPath)
	s.readyOnce.Do(func() { close(s.ready) })

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", "err", err)
			continue
		}
		p := &peer{conn: conn}
		s.mu.Lock()
		s.peers[p] = struct{}{}
		s.mu.Unlock()
		go s.serve(ctx, p)
	}
}

// Broadcast pushes an event to every client. Clients whose write fails are
// dropped.
func (s *Server) Broadcast(msg Message) {
	line, err := marshalLine(msg)
	if err != nil {
		s.logger.Error("encode event", "method", msg.Method, "err", err)
		return
	}

	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.write(line); err != nil {
			s.logger.Debug("dropping slow control client", "method", msg.Method, "err", err)
			s.drop(p)
		}
	}
}

// Shutdown closes the listener and every client and removes the socket file.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for p := range s.peers {
		p.conn.Close()
	}
	s.mu.Unlock()
	os.Remove(s.socketPath)
}

func (s *Server) drop(p *peer) {
	p.conn.Close()
	s.mu.Lock()
	delete(s.peers, p)
	s.mu.Unlock()
}

func (s *Server) serve(ctx context.Context, p *peer) {
	defer s.drop(p)

	scanner := bufio.NewScanner(p.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		var req Message
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			s.logger.Warn("invalid control message", "err", err)
			continue
		}
		if req.Type != MsgTypeReq {
			continue
		}

		line, err := marshalLine(s.dispatch(ctx, req))
		if err != nil {
			line, _ = marshalLine(NewErrorResponse(req.ID, req.Method, err))
		}
		if err := p.write(line); err != nil {
			s.logger.Debug("write response", "method", req.Method, "err", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Message) (resp Message) {
	h, ok := s.handlers[req.Method]
	if !ok {
		return NewErrorResponse(req.ID, req.Method, fmt.Errorf("unknown method %q", req.Method))
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("control handler panicked", "method", req.Method, "panic", r)
			resp = NewErrorResponse(req.ID, req.Method, fmt.Errorf("internal error"))
		}
	}()

	result, err := h(ctx, req)
	if err != nil {
		return NewErrorResponse(req.ID, req.Method, err)
	}
	resp, err = NewResponse(req.ID, req.Method, result)
	if err != nil {
		return NewErrorResponse(req.ID, req.Method, err)
	}
	return resp
}

func marshalLine(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
