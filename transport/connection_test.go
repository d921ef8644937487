package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnection(t *testing.T) {
	t.Parallel()

	conn := NewConnection("conn-1", "analyst", "ws", MsgpackCodec{})

	assert.Equal(t, "conn-1", conn.ID)
	assert.Equal(t, "analyst", conn.Topic)
	assert.Equal(t, "msgpack", conn.Codec.Name())
	assert.False(t, conn.ConnectedAt.IsZero())
	assert.Zero(t, conn.Sent())
}

func TestConnectionMarkSent(t *testing.T) {
	t.Parallel()

	conn := NewConnection("conn-2", "all", "sse", JSONCodec{})
	before := conn.LastActivity.Load().(time.Time)

	time.Sleep(time.Millisecond)
	conn.markSent()
	conn.markSent()

	after := conn.LastActivity.Load().(time.Time)
	assert.Equal(t, int64(2), conn.Sent())
	assert.True(t, after.After(before), "markSent should update LastActivity")
}

func TestConnectionManager(t *testing.T) {
	t.Parallel()

	cm := NewConnectionManager()
	cm.Add(NewConnection("c1", "all", "ws", JSONCodec{}))
	cm.Add(NewConnection("c2", "analyst", "sse", JSONCodec{}))

	require.Equal(t, 2, cm.Count())
	assert.Len(t, cm.All(), 2)

	c, ok := cm.Get("c2")
	require.True(t, ok)
	assert.Equal(t, "analyst", c.Topic)

	cm.Remove("c1")
	assert.Equal(t, 1, cm.Count())
	_, ok = cm.Get("c1")
	assert.False(t, ok)

	cm.Remove("missing")
	assert.Equal(t, 1, cm.Count())
}
