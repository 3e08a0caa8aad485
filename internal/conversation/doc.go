// Package conversation holds the client-side state of the active conversation.
//
// # Overview
//
// The Store owns the ordered message sequence and each message's reaction
// aggregates. The user's own optimistic edits and events received from other
// clients fold through the same merge functions, so "my action" and
// "someone else's action" share one code path:
//
//	store := conversation.NewStore(logger)
//	store.Reset("42")
//	store.AppendLocal(msg)         // optimistic echo of our own send
//	store.ApplyRemoteEvent(ev)     // anything arriving from the channel
//
// # Identity
//
// Messages are keyed by id. Inserts are insert-if-absent, which makes the
// echo of our own publish a no-op no matter when it arrives.
//
// # Reactions
//
// A message_reaction event toggles the sending user's membership in the
// aggregate for that emoji. Aggregates that become empty are removed. Toggles
// apply in local arrival order; clients that miss an event are not
// reconciled, and reactions for messages not yet known locally are dropped.
//
// # Replies
//
// ReplyResolver renders a reply's parent as an author label plus a
// 100-rune snippet. Unknown parents render as "original message
// unavailable".
package conversation
