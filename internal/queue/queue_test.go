package queue

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPublishWithoutSubscribers(t *testing.T) {
	q := NewInMemoryQueue(nil)
	assert.Error(t, q.Publish("nobody", 1))
}

func TestPublishDeliversToEverySubscriber(t *testing.T) {
	q := NewInMemoryQueue(nil)

	got := make(chan any, 2)
	for i := 0; i < 2; i++ {
		require.NoError(t, q.Subscribe("topic", func(payload any) error {
			got <- payload
			return nil
		}))
	}

	require.NoError(t, q.Publish("topic", 42))
	for i := 0; i < 2; i++ {
		select {
		case p := <-got:
			assert.Equal(t, 42, p)
		case <-time.After(time.Second):
			t.Fatal("payload not delivered")
		}
	}
}

func TestProcessJobRetries(t *testing.T) {
	q := NewInMemoryQueue(nil)
	q.RetryDelay = time.Millisecond

	var calls atomic.Int32
	done := make(chan struct{})
	require.NoError(t, q.Subscribe("topic", func(payload any) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		close(done)
		return nil
	}))

	require.NoError(t, q.Publish("topic", "x"))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never succeeded")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestProcessJobGivesUp(t *testing.T) {
	q := NewInMemoryQueue(nil)
	q.RetryDelay = time.Millisecond
	q.MaxRetries = 2

	var calls atomic.Int32
	require.NoError(t, q.Subscribe("topic", func(payload any) error {
		calls.Add(1)
		return errors.New("always")
	}))

	require.NoError(t, q.Publish("topic", "x"))
	assert.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestCloseAbandonsPendingRetries(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	q := NewInMemoryQueue(nil)
	q.RetryDelay = time.Hour

	var calls atomic.Int32
	require.NoError(t, q.Subscribe("topic", func(payload any) error {
		calls.Add(1)
		return errors.New("down")
	}))
	require.NoError(t, q.Publish("topic", "x"))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		assert.NoError(t, q.Close())
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("Close waited for the retry delay")
	}

	assert.ErrorIs(t, q.Publish("topic", "y"), ErrQueueClosed)
	assert.NoError(t, q.Close())
	assert.Equal(t, int32(1), calls.Load())
}
