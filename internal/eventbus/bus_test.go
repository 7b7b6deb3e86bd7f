package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByPrefix(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	jobs, unsubJobs := b.Subscribe(4, "job.")
	defer unsubJobs()

	b.Publish(Event{Type: TaskStarted})
	b.Publish(Event{Type: JobFired, Data: "nightly"})

	require.Equal(t, TaskStarted, (<-all).Type)
	require.Equal(t, JobFired, (<-all).Type)

	ev := <-jobs
	require.Equal(t, JobFired, ev.Type)
	require.Equal(t, "nightly", ev.Data)
	require.False(t, ev.Time.IsZero())
	select {
	case ev := <-jobs:
		t.Fatalf("unexpected event %q", ev.Type)
	default:
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Type: JobFailed})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	require.EqualValues(t, 9, b.Dropped())
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	require.False(t, ok)
	b.Publish(Event{Type: LivenessLost})
}
