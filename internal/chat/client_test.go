package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSendEventQueueOverflowIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	h := &Handler{log: zap.New(core).Sugar()}
	c := &Client{id: "conn-a", handler: h, send: make(chan []byte, 1)}

	require.True(t, c.sendEvent(EventMessageAck, AckPayload{Status: "ok"}))

	// The queue is full now; the drop must be reported, not silent.
	assert.False(t, c.sendEvent(EventMessageAck, AckPayload{Status: "ok"}))
	require.Equal(t, 1, logs.Len())
	assert.Contains(t, logs.All()[0].Message, "send queue full")
}
