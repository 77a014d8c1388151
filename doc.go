// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package msgchannel passes values and commands between isolated execution
// contexts over logical, uuid-addressed message channels.
//
// # Transport Selection
//
// Channels reach each other through a broker that keeps one FIFO queue per
// channel id. The broker is picked by URL scheme:
//
//	mem://name                    in-process Hub (tests, single binary)
//	ws://host:8000/msg_channel    WebSocket broker
//	tcp://host:8001               framed TCP broker
//	grpc://host:8002              gRPC broker (go build -tags grpc)
//
// # Usage
//
// Callee side, answering commands on its context channel:
//
//	host, err := msgchannel.Dial("ws://localhost:8000/msg_channel",
//	    msgchannel.WithEvaluator(jsvm.New(nil)))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	router, err := host.ContextChannel(ctx)
//	router.AddMessageHandler(func(ctx context.Context, params any) {
//	    // handle postMessage
//	})
//
// Caller side:
//
//	host, err := msgchannel.Dial("ws://localhost:8000/msg_channel")
//	remote := host.NewRemote(contextID)
//	sum, err := remote.ExecuteScript(ctx, "(a, b) => a + b", 2, 3)
//	err = remote.PostMessage(ctx, "hello")
//
// Values cross a channel as Wire Records. Reference-bearing values (symbols,
// functions, errors, promises, buffers) carry an object id that is stable
// for the life of the Host, so the same value always travels under the same
// id and comes back as itself. Containers are sent structurally.
//
// # Architecture
//
// The package separates concerns:
//
//   - registry.go: bidirectional value <-> object id map
//   - value.go, codec.go: record tags, wire envelopes and the frame codec
//   - serialize.go, deserialize.go, localize.go: the value codec
//   - host.go: per-context state, socket cache, single-reader claims
//   - channel.go: SendChannel and RecvChannel
//   - router.go: executeScript / postMessage dispatcher
//   - client.go: Remote, the caller-side proxy with its pending-call table
//   - hub.go: the broker queues, usable directly as an in-process Dialer
//   - transport.go, dial.go: transport registry and Dial/Listen factories
//   - websocket.go, tcp.go, dial_grpc.go: network brokers
//   - json.go: JSON-RPC 2.0 bridge in front of a Remote
//
// Nothing in the package imposes a timeout: every blocking operation waits
// until its context is done.
package msgchannel
