// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

/*
Package rcon implements the server side of the Source RCON protocol as described by Valve
Software at https://developer.valvesoftware.com/wiki/Source_RCON_Protocol.

A [Server] accepts TCP connections and runs one [Session] per connection. A session must
authenticate with a [PacketTypeAuth] packet carrying the configured password before any
[PacketTypeExecCommand] packet is handed to the [Executor], whose textual output is returned in
one or more [PacketTypeResponseValue] packets of at most [ServerConfig.ChunkSize] bytes each.

	srv, err := rcon.NewServer(
		rcon.ServerConfig{Host: "127.0.0.1", Port: 11412, Password: "secret"},
		rcon.ExecutorFunc(func(ctx context.Context, peer rcon.Peer, cmd string) (string, error) {
			return "you said " + cmd, nil
		}),
	)
	if err != nil {
		log.Fatal(err)
	}
	if err := srv.Start(context.Background()); err != nil {
		log.Fatal(err)
	}
	defer srv.Stop()
*/
package rcon
