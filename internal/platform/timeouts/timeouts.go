// Package timeouts defines shared timeout constants used across the relay.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight work during graceful
// shutdown.
const Shutdown = 5 * time.Second

// IdentityRequest caps a single call to the identity provider's REST API.
const IdentityRequest = 5 * time.Second

// SessionFlush caps how long a closing session may spend writing queued
// frames before its connection is forced closed.
const SessionFlush = 2 * time.Second

// SessionWrite bounds a single frame write to a WebSocket peer.
const SessionWrite = 10 * time.Second

// SessionClose bounds the closing handshake, including any write still
// blocked on a peer that stopped reading.
const SessionClose = time.Second

// SessionReply caps how long a request reply may wait for outbox space.
const SessionReply = 5 * time.Second
