package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryRoundTrip(t *testing.T) {
	q := NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg, err := NewMessage(TypeDueReminder, map[string]string{"loan_id": "l-1"})
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, msg))

	out, err := q.Consume(ctx)
	require.NoError(t, err)

	select {
	case got := <-out:
		assert.Equal(t, TypeDueReminder, got.Type)
		assert.JSONEq(t, `{"loan_id":"l-1"}`, string(got.Body))
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestInMemoryPublishCancelled(t *testing.T) {
	q := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, q.Publish(ctx, Message{Type: TypeLoanOpened}))
	cancel()
	// Queue is full and the context is gone; publish must not block.
	err := q.Publish(ctx, Message{Type: TypeLoanOpened})
	assert.ErrorIs(t, err, context.Canceled)
}
