// Package chat runs CHZZK chat sessions.
//
// A Supervisor owns the lifecycle of every session it launches: it acquires the
// channel slot in the registry before connecting and always releases it when the
// session goroutine exits, whether the session ended cleanly, failed, or panicked.
//
// A Session moves through connecting, handshaking, active, closing and closed. While
// active it multiplexes a liveness ticker with inbound frames on a single goroutine:
// the ticker re-checks the channel's openLive flag and sends a keepalive, server
// pings are answered with exactly one pong, and chat batches are turned into Events
// handed to the configured Recorder.
package chat
