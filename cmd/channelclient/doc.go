// Package main (cmd/channelclient) calls a method on an enclave server over
// the secure channel.
//
// The client resets a channel, performs the attested handshake, sends one
// encrypted request and closes the session. The response payload is written
// to stdout.
//
//	channel-client --server-url=http://127.0.0.1:8080 \
//	    --authority=proxy --authority-url=http://127.0.0.1:8080 \
//	    --allow-mock --allowed-measurement=<hex> \
//	    --method=echo --payload='"hello"'
package main
