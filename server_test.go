// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/schultz-is/rcond"
)

func startServer(t *testing.T, cfg rcon.ServerConfig, exec rcon.Executor) *rcon.Server {
	t.Helper()

	cfg.Host = "127.0.0.1"
	if cfg.Password == "" {
		cfg.Password = testPassword
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 5 * time.Second
	}

	srv, err := rcon.NewServer(cfg, exec)
	if err != nil {
		t.Fatalf("NewServer failed: %s", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %s", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })

	return srv
}

func dial(t *testing.T, srv *rcon.Server) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to dial server: %s", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func TestServer(t *testing.T) {
	t.Run(
		"serves commands",
		func(t *testing.T) {
			srv := startServer(t, rcon.ServerConfig{}, echo(map[string]string{"list": "There are 0 players online"}))
			conn := dial(t, srv)
			login(t, conn)

			send(t, conn, rcon.Packet{ID: 2, Type: rcon.PacketTypeExecCommand, Body: []byte("list")})
			resp := recv(t, conn)
			want := rcon.Packet{ID: 2, Type: rcon.PacketTypeResponseValue, Body: []byte("There are 0 players online")}
			if !resp.EqualTo(want) {
				t.Fatalf("Command response mismatch, got: %v, want: %v", resp, want)
			}
		},
	)

	t.Run(
		"concurrent sessions",
		func(t *testing.T) {
			srv := startServer(t, rcon.ServerConfig{}, echo(nil))

			var wg sync.WaitGroup
			errs := make(chan error, 10)
			for i := range 10 {
				wg.Add(1)
				go func() {
					defer wg.Done()

					conn, err := net.DialTimeout("tcp", srv.Addr().String(), 5*time.Second)
					if err != nil {
						errs <- err
						return
					}
					defer conn.Close()
					_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

					reqs := []rcon.Packet{
						{ID: 1, Type: rcon.PacketTypeAuth, Body: []byte(testPassword)},
						{ID: int32(i), Type: rcon.PacketTypeExecCommand, Body: []byte("client " + strconv.Itoa(i))},
					}
					var resp rcon.Packet
					for _, req := range reqs {
						if _, err := req.WriteTo(conn); err != nil {
							errs <- err
							return
						}
						if _, err := resp.ReadFrom(conn); err != nil {
							errs <- err
							return
						}
					}
					if resp.ID != int32(i) || string(resp.Body) != "client "+strconv.Itoa(i) {
						errs <- fmt.Errorf("client %d got %v", i, resp)
					}
				}()
			}
			wg.Wait()
			close(errs)

			for err := range errs {
				t.Error(err)
			}
		},
	)

	t.Run(
		"failing session does not affect others",
		func(t *testing.T) {
			srv := startServer(t, rcon.ServerConfig{}, echo(nil))

			bad := dial(t, srv)
			if _, err := bad.Write([]byte{0xff, 0xff, 0xff, 0xff}); err != nil {
				t.Fatalf("Failed to write: %s", err)
			}
			expectClosed(t, bad)

			conn := dial(t, srv)
			login(t, conn)
		},
	)

	t.Run(
		"stop closes sessions",
		func(t *testing.T) {
			srv := startServer(t, rcon.ServerConfig{}, echo(nil))
			conn := dial(t, srv)
			login(t, conn)

			if err := srv.Stop(); err != nil {
				t.Fatalf("Stop failed: %s", err)
			}
			expectClosed(t, conn)

			if n := srv.ActiveSessions(); n != 0 {
				t.Fatalf("Server has %d active sessions after stop", n)
			}
			if _, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second); err == nil {
				t.Fatal("Dial succeeded after stop")
			}
		},
	)

	t.Run(
		"stop is idempotent",
		func(t *testing.T) {
			srv, err := rcon.NewServer(rcon.ServerConfig{}, echo(nil))
			if err != nil {
				t.Fatalf("NewServer failed: %s", err)
			}

			// Never started.
			if err := srv.Stop(); err != nil {
				t.Fatalf("Stop on an unstarted server failed: %s", err)
			}
			if err := srv.Stop(); err != nil {
				t.Fatalf("Second stop failed: %s", err)
			}
			if err := srv.Start(context.Background()); !errors.Is(err, rcon.ErrServerClosed) {
				t.Fatalf("Start after stop got %v, want %v", err, rcon.ErrServerClosed)
			}
		},
	)

	t.Run(
		"start twice",
		func(t *testing.T) {
			srv := startServer(t, rcon.ServerConfig{}, echo(nil))
			if err := srv.Start(context.Background()); err == nil {
				t.Fatal("Second start unexpectedly succeeded")
			}
		},
	)

	t.Run(
		"bind failure",
		func(t *testing.T) {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				t.Fatalf("Failed to listen: %s", err)
			}
			defer ln.Close()

			srv, err := rcon.NewServer(
				rcon.ServerConfig{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port},
				echo(nil),
			)
			if err != nil {
				t.Fatalf("NewServer failed: %s", err)
			}
			if err := srv.Start(context.Background()); err == nil {
				_ = srv.Stop()
				t.Fatal("Start on a bound port unexpectedly succeeded")
			}
		},
	)

	t.Run(
		"connection limit",
		func(t *testing.T) {
			srv := startServer(t, rcon.ServerConfig{MaxConnections: 1}, echo(nil))

			first := dial(t, srv)
			login(t, first)

			second := dial(t, srv)
			expectClosed(t, second)

			// The first session is unaffected.
			send(t, first, rcon.Packet{ID: 5, Type: rcon.PacketTypeExecCommand, Body: []byte("still here")})
			if resp := recv(t, first); string(resp.Body) != "still here" {
				t.Fatalf("First session got %v", resp)
			}
		},
	)

	t.Run(
		"serve on listener",
		func(t *testing.T) {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				t.Fatalf("Failed to listen: %s", err)
			}

			srv, err := rcon.NewServer(rcon.ServerConfig{Password: testPassword}, echo(nil))
			if err != nil {
				t.Fatalf("NewServer failed: %s", err)
			}
			served := make(chan error, 1)
			go func() {
				served <- srv.Serve(ln)
			}()

			conn, err := net.DialTimeout("tcp", ln.Addr().String(), 5*time.Second)
			if err != nil {
				t.Fatalf("Failed to dial: %s", err)
			}
			defer conn.Close()
			login(t, conn)

			if err := srv.Stop(); err != nil {
				t.Fatalf("Stop failed: %s", err)
			}
			select {
			case err := <-served:
				if !errors.Is(err, rcon.ErrServerClosed) {
					t.Fatalf("Serve returned %v, want %v", err, rcon.ErrServerClosed)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Serve did not return after stop")
			}
		},
	)

	t.Run(
		"nil executor",
		func(t *testing.T) {
			if _, err := rcon.NewServer(rcon.ServerConfig{}, nil); err == nil {
				t.Fatal("NewServer accepted a nil executor")
			}
		},
	)
}
