// Package redisstream provides a Redis Streams adapter for xhist.
//
// Transport name: "redis-streams"
//
// Every routing key maps to one stream; consumer groups map to Redis consumer groups.
// Streams have no wildcard subscriptions, so patterns containing "*" or "#" are refused.
// Rejected messages are acknowledged (and optionally copied to a dead-letter stream) so
// they are never redelivered.
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - consumer: consumer name (default "xhist-<host>-<pid>")
// - concurrency: number of workers (default 1, preserves per-stream order)
// - batch_size: XREADGROUP COUNT (default 128)
// - block: XREADGROUP BLOCK duration (default 5s)
// - auto_create: create group/stream if missing (default true)
// - dead_letter: stream name to write rejected messages (optional)
//
// Example builder usage:
//
//	bus, _ := xhist.NewBusBuilder().
//	    WithGroup("read-model").
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":        "localhost:6379",
//	        "consumer":    "read-model-1",
//	        "block":       "5s",
//	        "dead_letter": "read-model-dlq",
//	    }).
//	    Build()
package redisstream
