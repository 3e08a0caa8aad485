// Package event defines the realtime wire contract shared by every transport.
//
// Events are a closed union discriminated by Type. Each variant has its own
// payload struct; decoding an unrecognised type fails with ErrUnknownType
// rather than reading fields from the wrong shape.
//
// Wire form:
//
//	{
//	  "type": "new_message",
//	  "data": {"id": "msg_1", "messageType": "user", "content": "hi",
//	           "timestamp": "2025-01-02T15:04:05Z"},
//	  "userId": "u1",
//	  "metadata": {"displayName": "Ada", "email": "ada@example.com"}
//	}
//
// Typing and reaction payloads carry unix-millisecond timestamps.
package event
