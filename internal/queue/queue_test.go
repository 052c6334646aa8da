package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	q := NewInMemory(4)
	messages, err := q.Consume(ctx)
	require.NoError(t, err)

	want := Message{Type: TypeRecorded, Body: []byte("rec-123")}
	require.NoError(t, q.Publish(ctx, want))

	select {
	case got := <-messages:
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.Body, got.Body)
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	msg := Message{Type: TypeRecorded, Body: []byte("id|with|pipes")}
	got, err := deserialize(serialize(msg))
	require.NoError(t, err)
	assert.Equal(t, msg.Type, got.Type)
	assert.Equal(t, msg.Body, got.Body)
}
