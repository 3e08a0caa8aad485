// Package channel is the realtime event channel a conversation publishes to.
//
// Every transport delivers published events to all subscribers of the
// channel, the publisher included, and pushes full presence snapshots when
// membership changes. Hub is in-process; NATSTransport, RedisTransport and
// WebSocketTransport span processes.
package channel
