// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultReadTimeout is the default amount of time a session waits for inbound bytes before
	// dropping the connection.
	DefaultReadTimeout = 500 * time.Millisecond

	// DefaultChunkSize is the default largest body, in bytes, of a single command response
	// packet. Longer responses are split over several packets sharing the request's ID.
	DefaultChunkSize = 2048
)

const tracerName = "github.com/schultz-is/rcond"

// ErrServerClosed is returned by [Server.Start] and [Server.Serve] once [Server.Stop] has been
// called.
var ErrServerClosed = errors.New("rcon: server closed")

// Server accepts RCON connections and serves each one in its own goroutine with a [Session].
// Sessions share nothing but the server's configuration and [Executor], so one misbehaving client
// never affects another or the accept loop.
type Server struct {
	cfg  ServerConfig
	exec Executor

	// ctx is the parent of every session context and is cancelled by Stop.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	ln       net.Listener
	sessions map[*Session]struct{}
	stopped  bool

	// wg tracks the accept loop and every session goroutine.
	wg sync.WaitGroup
}

// NewServer creates a [Server] that authenticates clients against cfg.Password and hands their
// commands to exec.
func NewServer(cfg ServerConfig, exec Executor) (*Server, error) {
	if exec == nil {
		return nil, errors.New("rcon: nil executor")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg.withDefaults(),
		exec:     exec,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[*Session]struct{}),
	}, nil
}

// Start binds the configured host and port and serves connections in the background. It returns
// once the listener is bound; ctx only bounds the bind itself. Failing to bind is returned as an
// error.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("rcon: listen on %s: %w", addr, err)
	}

	if err := s.setListener(ln); err != nil {
		_ = ln.Close()
		return err
	}

	s.log(slog.LevelInfo, "RCON running", slog.String("addr", ln.Addr().String()))

	go func() {
		defer s.wg.Done()
		if err := s.acceptLoop(ln); err != nil && !errors.Is(err, ErrServerClosed) {
			s.log(slog.LevelError, "RCON listener failed", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Serve accepts connections on ln until [Server.Stop] is called or ln fails, and always returns a
// non-nil error. After Stop the error is [ErrServerClosed].
func (s *Server) Serve(ln net.Listener) error {
	if err := s.setListener(ln); err != nil {
		return err
	}
	defer s.wg.Done()
	return s.acceptLoop(ln)
}

// setListener records ln as the server's only listener and registers the accept loop with wg.
func (s *Server) setListener(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.stopped:
		return ErrServerClosed
	case s.ln != nil:
		return errors.New("rcon: server already started")
	}
	s.ln = ln
	s.wg.Add(1)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) error {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isStopped() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			// Back off on transient failures such as running out of file descriptors.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(2*delay, time.Second)
			}
			s.log(slog.LevelWarn, "RCON accept failed", slog.String("error", err.Error()), slog.Duration("retry_in", delay))
			time.Sleep(delay)
			continue
		}
		delay = 0
		s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	if s.cfg.MaxConnections > 0 && len(s.sessions) >= s.cfg.MaxConnections {
		s.mu.Unlock()
		s.cfg.Metrics.connectionRejected()
		s.log(slog.LevelWarn, "RCON connection limit reached", slog.String("peer", addrString(conn.RemoteAddr())))
		_ = conn.Close()
		return
	}

	sess := NewSession(conn, s.cfg, s.exec)
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		_ = sess.Serve(s.ctx)

		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	}()
}

// Addr returns the bound listener address, or nil before the server is started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ActiveSessions returns the number of connections currently being served.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

// Stop stops accepting connections, releases the listener and closes every active session without
// waiting for in-flight exchanges, then waits for the session goroutines to return. Executors see
// their context cancelled. Stop is idempotent and may be called on a server that was never
// started.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	ln := s.ln
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	s.cancel()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("rcon: close listener: %w", cerr)
		}
	}
	for _, sess := range sessions {
		_ = sess.Close()
	}

	s.wg.Wait()

	if ln != nil {
		s.log(slog.LevelInfo, "RCON stopped", slog.String("addr", ln.Addr().String()))
	}
	return err
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopped
}

func (s *Server) log(level slog.Level, msg string, attrs ...slog.Attr) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.LogAttrs(s.ctx, level, msg, attrs...)
}

// ServerConfig contains settings to control [Server] and [Session] instances. It must not be
// modified once handed to a server.
type ServerConfig struct {
	// Host and Port form the address [Server.Start] binds. An empty host listens on all
	// interfaces, and a zero port picks an ephemeral one.
	Host string
	Port int

	// Password is the secret a client must present in a [PacketTypeAuth] packet before any command
	// is executed.
	Password string

	// PermissionLevel is forwarded to the executor in every [Peer].
	PermissionLevel int

	// ReadTimeout bounds each wait for inbound bytes and each response write. It is re-armed on
	// every read, so a large packet delivered in steady pieces is accepted even if the whole packet
	// takes longer. Expiry ends the session. Zero selects [DefaultReadTimeout]; a negative value
	// disables the timeout.
	ReadTimeout time.Duration

	// ChunkSize is the largest body of a single response packet. Zero selects [DefaultChunkSize].
	ChunkSize int

	// MaxPacketSize bounds the declared size of inbound packets. Zero selects
	// [DefaultMaxPacketSize]; a negative value disables the limit.
	MaxPacketSize int

	// MaxConnections caps the number of concurrent sessions; connections above the cap are closed
	// immediately. Zero means no cap.
	MaxConnections int

	// Logger receives log entries from the server and its sessions. A nil logger disables logging.
	Logger *slog.Logger

	// Metrics receives session and command statistics when non-nil.
	Metrics *Metrics

	// TracerProvider creates the tracer for command spans. Nil selects the global provider.
	TracerProvider trace.TracerProvider

	// LogAuthPackets enables debug logging of inbound authorization packets, exposing passwords in
	// plaintext. When false (the default value,) their body is replaced before logging.
	//
	// WARNING: Only enable this flag if you are aware of the implications and are willing to accept
	// the risks!
	LogAuthPackets bool
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = DefaultMaxPacketSize
	}
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}
	return c
}
