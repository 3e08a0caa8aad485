// Package relay is the huddle-relay server.
//
// Browser and CLI clients that cannot reach NATS or Redis directly connect to
// a relay over a websocket:
//
//	GET /ws?channel=conversation-42
//	Authorization: Bearer <jwt>
//
// The first client frame must be a join frame. The relay subscribes the
// client to its backend channel.Transport under the token's user id and then
// forwards backend events and presence snapshots as frames. Event frames from
// the client are decoded, checked against the token subject, rate limited per
// connection and published to the backend. Rejected frames are answered with
// an error frame; the connection stays open.
//
// The backend decides the relay's reach: a channel.Hub keeps fan-out inside
// one process, while the NATS or Redis transports let several relays share
// channels.
//
// Other routes:
//
//	GET /health   liveness
//	GET /metrics  Prometheus metrics (path configurable)
package relay
