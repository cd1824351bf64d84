package control

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbortHandle_CancelTripsContext(t *testing.T) {
	h := New(context.Background())
	assert.False(t, h.IsCancelled())
	require.NoError(t, h.CheckCancelled())

	ctx := h.Context()
	h.Cancel()

	assert.True(t, h.IsCancelled())
	require.Error(t, h.CheckCancelled())

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context was not cancelled")
	}
}

func TestAbortHandle_CancelIdempotent(t *testing.T) {
	h := New(context.Background())
	h.Cancel()
	h.Cancel() // must not panic
	assert.True(t, h.IsCancelled())
}

func TestAbortHandle_ParentCancellationPropagates(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	h := New(parent)
	cancelParent()

	select {
	case <-h.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("child context should be cancelled when parent is")
	}
}

func TestRetryQueue_PushAndDrain(t *testing.T) {
	q := NewRetryQueue(2)
	q.Push(TaskID("install-1"))
	q.Push(TaskID("install-2"))
	assert.Equal(t, 2, q.Len())

	// Queue is full: this push is dropped, not blocked.
	done := make(chan struct{})
	go func() {
		q.Push(TaskID("install-3"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Push blocked on a full queue")
	}
	assert.Equal(t, 2, q.Len())

	got := <-q.Chan()
	assert.Equal(t, TaskID("install-1"), got)
}

func TestNewRetryQueue_DefaultSize(t *testing.T) {
	q := NewRetryQueue(0)
	require.NotNil(t, q.Chan())
}
