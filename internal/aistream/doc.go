// Package aistream coordinates AI reply turns for a conversation.
//
// A turn posts the user's message, streams the reply into a transient buffer
// and commits the reply to the conversation store only when the stream
// completes. Failures post a single system notice; canceled turns commit
// nothing. Streamer implementations include an offline echo streamer and a
// client for an agent gateway's server-sent event endpoint.
package aistream
