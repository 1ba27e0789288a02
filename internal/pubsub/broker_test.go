package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroker_PublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker[string]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub1 := b.Subscribe(ctx)
	sub2 := b.Subscribe(ctx)
	require.Equal(t, 2, b.SubscriberCount())

	b.Publish(CreatedEvent, "hello")

	for _, sub := range []<-chan Event[string]{sub1, sub2} {
		select {
		case e := <-sub:
			require.Equal(t, CreatedEvent, e.Type)
			require.Equal(t, "hello", e.Payload)
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the event")
		}
	}
}

func TestBroker_SubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	b := NewBroker[int]()
	b.Close()

	ch := b.Subscribe(context.Background())
	_, open := <-ch
	require.False(t, open)
}

func TestBroker_CancelRemovesSubscriber(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Zero(t, b.SubscriberCount())

	_, open := <-ch
	require.False(t, open)
}

func TestBroker_FullSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBrokerWithBuffer[int](1)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = b.Subscribe(ctx)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(UpdatedEvent, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}
