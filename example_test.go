// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/schultz-is/rcond"
)

func ExamplePacket_WriteTo() {
	var buf bytes.Buffer

	p := rcon.Packet{
		ID:   42,
		Type: rcon.PacketTypeExecCommand,
		Body: []byte("info"),
	}
	n, err := p.WriteTo(&buf)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Wrote %d bytes: %0x\n", n, buf.Bytes())

	// Output:
	// Wrote 18 bytes: 0e0000002a00000002000000696e666f0000
}

func ExamplePacket_ReadFrom() {
	bs, err := hex.DecodeString("0e0000002a00000002000000696e666f0000")
	if err != nil {
		log.Fatal(err)
	}
	rdr := bytes.NewReader(bs)

	var p rcon.Packet
	n, err := p.ReadFrom(rdr)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Read %d bytes: %#v\n", n, p)

	// Output:
	// Read 18 bytes: rcon.Packet{ID:42, Type:2, Body:[]uint8{0x69, 0x6e, 0x66, 0x6f}}
}

func ExampleSession_Serve() {
	// Sessions run over any net.Conn; a pipe stands in for a client connection here.
	cc, sc := net.Pipe()
	defer cc.Close()

	exec := rcon.ExecutorFunc(func(_ context.Context, _ rcon.Peer, cmd string) (string, error) {
		return strings.ToUpper(cmd), nil
	})
	s := rcon.NewSession(sc, rcon.ServerConfig{Password: "super secret password"}, exec)
	go s.Serve(context.Background())

	reqs := []rcon.Packet{
		{ID: 1, Type: rcon.PacketTypeAuth, Body: []byte("super secret password")},
		{ID: 2, Type: rcon.PacketTypeExecCommand, Body: []byte("ping")},
	}
	for _, req := range reqs {
		if _, err := req.WriteTo(cc); err != nil {
			log.Fatal(err)
		}
		var resp rcon.Packet
		if _, err := resp.ReadFrom(cc); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("%d: %q\n", resp.ID, resp.Body)
	}

	// Output:
	// 1: ""
	// 2: "PING"
}

func ExampleServer_Start() {
	srv, err := rcon.NewServer(
		rcon.ServerConfig{
			Host:     "127.0.0.1",
			Port:     27015,
			Password: "super secret password",
		},
		rcon.ExecutorFunc(func(_ context.Context, peer rcon.Peer, cmd string) (string, error) {
			return fmt.Sprintf("%s ran %q", peer, cmd), nil
		}),
	)
	if err != nil {
		log.Fatal(err)
	}

	if err := srv.Start(context.Background()); err != nil {
		log.Fatal(err)
	}
	defer srv.Stop()
}
