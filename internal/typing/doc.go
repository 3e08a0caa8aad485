// Package typing implements typing indicators for both directions.
//
// Manager is the receive side: typing_start upserts an entry, typing_stop
// removes it, and a sweep loop (Run) expires entries whose heartbeat is
// older than the TTL so a peer that vanished without sending typing_stop does
// not stay "typing" forever. Active applies the same TTL at read time.
//
// Emitter is the send side: a burst of keystrokes produces exactly one
// typing_start and, after the idle timeout, exactly one typing_stop.
package typing
