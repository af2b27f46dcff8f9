// Package nats provides a core NATS adapter for xhist.
//
// Transport name: "nats"
//
// Routing keys are subjects (optionally under a prefix) and consumer groups are queue
// groups. A pattern may use "*" anywhere and "#" only as its last word.
// Core NATS is at-most-once: messages published while nobody listens are gone, and a
// rejected message is only kept when a dead_letter routing key is configured.
//
// Config keys:
// - url: server URL (default NATS_URL or nats://127.0.0.1:4222)
// - name: connection name (default "xhist")
// - max_reconnects, reconnect_wait, dial_timeout
// - subject_prefix: prepended to every routing key
// - dead_letter: routing key for rejected messages (optional)
// - pending_limit: buffered messages per subscription
package nats
