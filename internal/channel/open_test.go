// ABOUTME: Tests for building transports from configuration

package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-huddle/internal/config"
)

func TestOpen_Memory(t *testing.T) {
	tr, closeFn, err := Open(t.Context(), config.TransportConfig{Kind: config.TransportMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Hub{}, tr)

	sub, err := tr.Subscribe(t.Context(), "conversation-1", member("alice"))
	require.NoError(t, err)

	require.NoError(t, closeFn())
	_, ok := <-sub.Events()
	assert.False(t, ok, "closing the hub closes its subscriptions")
}

func TestOpen_WebSocket(t *testing.T) {
	tr, closeFn, err := Open(t.Context(), config.TransportConfig{
		Kind:      config.TransportWebSocket,
		WebSocket: config.WebSocketConfig{URL: "ws://localhost:1/ws", Token: "tok"},
	}, nil)
	require.NoError(t, err)
	assert.IsType(t, &WebSocketTransport{}, tr)
	assert.NoError(t, closeFn())
}

func TestOpen_UnknownKind(t *testing.T) {
	_, _, err := Open(t.Context(), config.TransportConfig{Kind: "smoke-signals"}, nil)
	assert.Error(t, err)
}
