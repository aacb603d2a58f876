// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrAuthFailed is the cause of a session ended by a wrong password.
	ErrAuthFailed = errors.New("rcon: authentication failed")

	// ErrExecutor wraps any error returned, or panic raised, by an [Executor].
	ErrExecutor = errors.New("rcon: command executor failed")
)

// Peer identifies the connection a command arrived on. It is handed to the [Executor] with every
// command.
type Peer struct {
	// Addr is the remote address of the connection.
	Addr net.Addr

	// SessionID uniquely identifies the session within the process lifetime.
	SessionID string

	// PermissionLevel is the configured permission level granted to every authenticated RCON
	// session. The server does not interpret it.
	PermissionLevel int
}

// String names the peer the way command sources are named in host logs.
func (p Peer) String() string {
	if p.Addr == nil {
		return "RCON"
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		host = p.Addr.String()
	}
	return "RCON " + host
}

// Executor runs a command on behalf of an authenticated session and returns its textual output.
//
// Execute is called synchronously from the session goroutine and may block for as long as the
// command takes. It must be safe for concurrent use by multiple sessions. Ordinary command
// failures should be reported in the returned text; a returned error, or a panic, ends the
// session without a reply.
type Executor interface {
	Execute(ctx context.Context, peer Peer, command string) (string, error)
}

// ExecutorFunc adapts an ordinary function to the [Executor] interface.
type ExecutorFunc func(ctx context.Context, peer Peer, command string) (string, error)

// Execute calls f(ctx, peer, command).
func (f ExecutorFunc) Execute(ctx context.Context, peer Peer, command string) (string, error) {
	return f(ctx, peer, command)
}

// EndReason classifies why a session terminated.
type EndReason int

const (
	// EndPeerClosed means the client closed the connection between packets.
	EndPeerClosed EndReason = iota

	// EndAuthFailed means the client presented the wrong password.
	EndAuthFailed

	// EndFraming means the client sent a malformed or truncated packet.
	EndFraming

	// EndTimeout means the client did not deliver a packet within the read timeout, or did not
	// accept a response within the same window.
	EndTimeout

	// EndCallback means the executor failed or panicked.
	EndCallback

	// EndIO covers any other transport failure, such as a reset connection.
	EndIO

	// EndShutdown means the session was closed locally, by [Session.Close], [Server.Stop] or
	// context cancellation.
	EndShutdown
)

var endReasonNames = [...]string{
	EndPeerClosed: "peer_closed",
	EndAuthFailed: "auth_failed",
	EndFraming:    "framing",
	EndTimeout:    "timeout",
	EndCallback:   "callback",
	EndIO:         "io",
	EndShutdown:   "shutdown",
}

func (r EndReason) String() string {
	if r < 0 || int(r) >= len(endReasonNames) {
		return "unknown"
	}
	return endReasonNames[r]
}

// SessionError is returned by [Session.Serve] and describes how the session ended. Err is nil for
// an orderly peer disconnect or local shutdown.
type SessionError struct {
	Reason EndReason
	Err    error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return "rcon: session ended: " + e.Reason.String()
	}
	return fmt.Sprintf("rcon: session ended: %s: %s", e.Reason, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// Session drives a single accepted connection through authentication and command service. A
// session is created per connection by a [Server], but may also be run directly over any
// [net.Conn]:
//
//	s := rcon.NewSession(conn, rcon.ServerConfig{Password: "secret"}, executor)
//	err := s.Serve(ctx)
//
// Packets are processed strictly in arrival order, one at a time. A [PacketTypeAuth] packet is a
// login attempt in any state, so a wrong password ends even an authenticated session.
type Session struct {
	id     string
	conn   net.Conn
	r      *bufio.Reader
	cfg    ServerConfig
	exec   Executor
	peer   Peer
	tracer trace.Tracer

	// authenticated is owned by the Serve goroutine.
	authenticated bool

	closing   atomic.Bool
	closeOnce sync.Once
}

// NewSession wraps conn in a session configured by cfg. Zero config values take their defaults.
func NewSession(conn net.Conn, cfg ServerConfig, exec Executor) *Session {
	cfg = cfg.withDefaults()
	id := uuid.NewString()
	return &Session{
		id:   id,
		conn: conn,
		r:    bufio.NewReaderSize(deadlineReader{conn: conn, timeout: cfg.ReadTimeout}, DefaultMaxPacketSize),
		cfg:  cfg,
		exec: exec,
		peer: Peer{
			Addr:            conn.RemoteAddr(),
			SessionID:       id,
			PermissionLevel: cfg.PermissionLevel,
		},
		tracer: cfg.TracerProvider.Tracer(tracerName),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id
}

// Peer returns the identity handed to the executor for this session.
func (s *Session) Peer() Peer {
	return s.peer
}

// Close forcibly terminates the session. A concurrent [Session.Serve] returns with
// [EndShutdown]. It is safe to call multiple times.
func (s *Session) Close() error {
	s.closing.Store(true)
	return s.closeConn()
}

func (s *Session) closeConn() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// Serve runs the session until it terminates and returns the reason as a *[SessionError]. It never
// returns nil. The connection is closed on return, and cancelling ctx closes it early.
func (s *Session) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	start := time.Now()
	s.cfg.Metrics.sessionStarted()
	s.log(ctx, slog.LevelDebug, "session started")

	serr := s.run(ctx)

	_ = s.closeConn()
	s.cfg.Metrics.sessionEnded(serr.Reason, time.Since(start))

	attrs := []slog.Attr{
		slog.String("reason", serr.Reason.String()),
		slog.Bool("authenticated", s.authenticated),
		slog.Duration("duration", time.Since(start)),
	}
	if serr.Err != nil {
		attrs = append(attrs, slog.String("error", serr.Err.Error()))
	}
	s.log(ctx, slog.LevelInfo, "session ended", attrs...)

	return serr
}

func (s *Session) run(ctx context.Context) *SessionError {
	for {
		req, _, err := ReadPacket(s.r, int32(s.cfg.MaxPacketSize))
		if err != nil {
			return s.endErr(err)
		}
		s.cfg.Metrics.packetReceived(req.Type)
		s.logPacket(ctx, "received packet", req)

		if serr := s.handle(ctx, req); serr != nil {
			return serr
		}
	}
}

func (s *Session) handle(ctx context.Context, req Packet) *SessionError {
	switch {
	case req.Type == PacketTypeAuth:
		return s.authenticate(ctx, req)
	case req.Type == PacketTypeExecCommand && s.authenticated:
		return s.execCommand(ctx, req)
	default:
		return s.send(ctx, Packet{
			ID:   req.ID,
			Type: PacketTypeResponseValue,
			Body: []byte("Unknown request " + strconv.FormatInt(int64(req.Type), 16)),
		})
	}
}

func (s *Session) authenticate(ctx context.Context, req Packet) *SessionError {
	if subtle.ConstantTimeCompare(req.Body, []byte(s.cfg.Password)) == 1 {
		s.authenticated = true
		s.log(ctx, slog.LevelInfo, "session authenticated")
		return s.send(ctx, Packet{ID: req.ID, Type: PacketTypeResponseValue})
	}

	s.cfg.Metrics.authFailed()
	if serr := s.send(ctx, Packet{ID: LoginFailID, Type: PacketTypeAuthResponse}); serr != nil {
		return serr
	}
	return &SessionError{Reason: EndAuthFailed, Err: ErrAuthFailed}
}

func (s *Session) execCommand(ctx context.Context, req Packet) *SessionError {
	out, err := s.execute(ctx, string(req.Body))
	if err != nil {
		return &SessionError{Reason: EndCallback, Err: err}
	}

	for _, chunk := range splitResponse(out, s.cfg.ChunkSize) {
		serr := s.send(ctx, Packet{ID: req.ID, Type: PacketTypeResponseValue, Body: chunk})
		if serr != nil {
			return serr
		}
	}
	return nil
}

// execute invokes the executor inside a span, converting a panic into an error.
func (s *Session) execute(ctx context.Context, command string) (out string, err error) {
	ctx, span := s.tracer.Start(
		ctx,
		"rcon.command",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rcon.session_id", s.id),
			attribute.String("rcon.peer", s.peer.String()),
			attribute.Int("rcon.command_bytes", len(command)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrExecutor, r)
		}
		s.cfg.Metrics.commandExecuted(err, time.Since(start))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		span.SetAttributes(attribute.Int("rcon.response_bytes", len(out)))
		span.SetStatus(codes.Ok, "")
	}()

	s.log(ctx, slog.LevelDebug, "executing command", slog.String("command", command))
	out, err = s.exec.Execute(ctx, s.peer, command)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrExecutor, err)
	}
	return out, nil
}

func (s *Session) send(ctx context.Context, p Packet) *SessionError {
	s.logPacket(ctx, "sending packet", p)

	if s.cfg.ReadTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return s.endErr(err)
		}
	}
	if _, err := p.WriteTo(s.conn); err != nil {
		return s.endErr(err)
	}
	s.cfg.Metrics.packetSent()
	return nil
}

// endErr classifies a transport or framing error into a session end reason.
func (s *Session) endErr(err error) *SessionError {
	var ne net.Error
	switch {
	case s.closing.Load():
		return &SessionError{Reason: EndShutdown}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe):
		return &SessionError{Reason: EndPeerClosed}
	case errors.Is(err, ErrFraming):
		return &SessionError{Reason: EndFraming, Err: err}
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return &SessionError{Reason: EndTimeout, Err: err}
	default:
		return &SessionError{Reason: EndIO, Err: err}
	}
}

// deadlineReader arms the read deadline before every read from conn, so the timeout bounds each
// wait for inbound bytes rather than the delivery of a whole packet.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r deadlineReader) Read(p []byte) (int, error) {
	if r.timeout > 0 {
		// A pipe refuses deadlines once either end is closed; the read below reports which.
		err := r.conn.SetReadDeadline(time.Now().Add(r.timeout))
		if err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return 0, err
		}
	}
	return r.conn.Read(p)
}

// splitResponse breaks out into chunks of at most size bytes without splitting a UTF-8 sequence.
// An empty response yields a single empty chunk. Invalid UTF-8 is replaced so every chunk encodes.
func splitResponse(out string, size int) [][]byte {
	if out == "" {
		return [][]byte{nil}
	}
	out = strings.ToValidUTF8(out, string(utf8.RuneError))

	chunks := make([][]byte, 0, len(out)/size+1)
	for len(out) > 0 {
		n := min(size, len(out))
		if n < len(out) {
			for n > 0 && !utf8.RuneStart(out[n]) {
				n--
			}
			if n == 0 {
				_, n = utf8.DecodeRuneInString(out)
			}
		}
		chunks = append(chunks, []byte(out[:n]))
		out = out[n:]
	}
	return chunks
}

func (s *Session) log(ctx context.Context, level slog.Level, msg string, attrs ...slog.Attr) {
	if s.cfg.Logger == nil {
		return
	}
	attrs = append(attrs, slog.String("session", s.id), slog.String("peer", addrString(s.peer.Addr)))
	s.cfg.Logger.LogAttrs(ctx, level, msg, attrs...)
}

// logPacket sends a debug record containing the packet in hex. Inbound authorization packets have
// their body replaced so the password never reaches the logs, unless LogAuthPackets is set.
func (s *Session) logPacket(ctx context.Context, msg string, p Packet) {
	if s.cfg.Logger == nil || !s.cfg.Logger.Handler().Enabled(ctx, slog.LevelDebug) {
		return
	}

	if p.Type == PacketTypeAuth && !s.cfg.LogAuthPackets {
		p.Body = []byte{'x', 'x', 'x', 'x', 'x'}
	}

	bs, err := p.MarshalBinary()
	if err != nil {
		s.log(ctx, slog.LevelError, "failed to marshal packet for logging", slog.String("error", err.Error()))
		return
	}

	s.log(ctx, slog.LevelDebug, msg, slog.String("packet", hex.EncodeToString(bs)))
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
