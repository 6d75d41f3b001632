package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return New(zerolog.Nop())
}

func TestDefaultMailboxCapacityFromBus(t *testing.T) {
	b := New(zerolog.Nop(), WithDefaultMailboxCapacity(3))

	sub := b.Subscribe("data:S1")
	defer b.Unsubscribe(sub)
	assert.Equal(t, 3, cap(sub.C()))

	// Per-subscription capacity still wins over the bus default.
	wide := b.Subscribe("data:S1", WithCapacity(64))
	defer b.Unsubscribe(wide)
	assert.Equal(t, 64, cap(wide.C()))

	for i := 0; i < 5; i++ {
		b.Publish("data:S1", Event{Kind: KindMeasurement, Payload: i})
	}
	// The narrow mailbox overflowed at its configured bound and evicted the
	// oldest entries; the wide one kept everything.
	assert.EqualValues(t, 2, sub.Dropped())
	assert.EqualValues(t, 0, wide.Dropped())
}

func TestPublishFIFOPerSubscriber(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe("data:S1")
	defer b.Unsubscribe(sub)

	for i := 0; i < 100; i++ {
		b.Publish("data:S1", Event{Kind: KindMeasurement, Payload: i})
	}

	for i := 0; i < 100; i++ {
		select {
		case ev := <-sub.C():
			require.Equal(t, i, ev.Payload)
			assert.Equal(t, "data:S1", ev.Topic)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestPublishDoesNotBlockOnStalledSubscriber(t *testing.T) {
	b := newTestBus()
	// Nobody reads from this subscription.
	stalled := b.Subscribe("data:S1", WithCapacity(4))
	defer b.Unsubscribe(stalled)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish("data:S1", Event{Kind: KindMeasurement, Payload: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a stalled subscriber")
	}

	assert.Greater(t, stalled.Dropped(), int64(0))
}

func TestDropOldestKeepsNewest(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe("data:S1", WithCapacity(3))
	defer b.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		b.Publish("data:S1", Event{Kind: KindMeasurement, Payload: i})
	}

	// Mailbox holds the 3 newest events; oldest were evicted.
	var got []int
	for i := 0; i < 3; i++ {
		ev := <-sub.C()
		got = append(got, ev.Payload.(int))
	}
	assert.Equal(t, []int{7, 8, 9}, got)
	assert.EqualValues(t, 7, sub.Dropped())
}

func TestCloseSubscriberPolicy(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe("data:S1", WithCapacity(2), WithPolicy(CloseSubscriber))

	for i := 0; i < 5; i++ {
		b.Publish("data:S1", Event{Kind: KindMeasurement, Payload: i})
	}

	// Mailbox was closed after overflow; draining it terminates.
	n := 0
	for range sub.C() {
		n++
	}
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, b.SubscriberCount("data:S1"))
}

func TestUnsubscribeIdempotent(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe("data:S1")

	b.Unsubscribe(sub)
	// Second and third calls must be no-ops, not panics on double close.
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	assert.Equal(t, 0, b.SubscriberCount("data:S1"))
}

func TestPublishAfterUnsubscribeIsDiscarded(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe("data:S1")
	b.Unsubscribe(sub)

	// Must not panic on a closed mailbox.
	b.Publish("data:S1", Event{Kind: KindMeasurement, Payload: 1})
}

func TestBroadcastManyPreservesBatchOrder(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe("data:S1")
	defer b.Unsubscribe(sub)

	events := make([]Event, 20)
	for i := range events {
		events[i] = Event{Kind: KindMeasurement, Payload: i}
	}
	b.BroadcastMany("data:S1", events)

	for i := 0; i < 20; i++ {
		ev := <-sub.C()
		require.Equal(t, i, ev.Payload)
	}
}

func TestNoCrossTopicDelivery(t *testing.T) {
	b := newTestBus()
	s1 := b.Subscribe("data:S1")
	s2 := b.Subscribe("data:S2")
	defer b.Unsubscribe(s1)
	defer b.Unsubscribe(s2)

	b.Publish("data:S1", Event{Kind: KindMeasurement, Payload: "one"})

	select {
	case ev := <-s1.C():
		assert.Equal(t, "one", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("subscriber on data:S1 received nothing")
	}

	select {
	case ev := <-s2.C():
		t.Fatalf("unexpected cross-topic delivery: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMailboxDepthSampling(t *testing.T) {
	b := newTestBus()
	deep := b.Subscribe("data:S1", WithCapacity(64))
	shallow := b.Subscribe("data:S2", WithCapacity(64))
	defer b.Unsubscribe(deep)
	defer b.Unsubscribe(shallow)

	for i := 0; i < 10; i++ {
		b.Publish("data:S1", Event{Kind: KindMeasurement, Payload: i})
	}
	b.Publish("data:S2", Event{Kind: KindMeasurement, Payload: 0})

	assert.Equal(t, 10, b.MaxMailboxDepth())
	assert.InDelta(t, 5.5, b.AvgMailboxDepth(), 0.01)
}

func TestConcurrentPublishers(t *testing.T) {
	b := newTestBus()
	sub := b.Subscribe("data:S1", WithCapacity(4096))
	defer b.Unsubscribe(sub)

	const publishers = 8
	const perPublisher = 100
	done := make(chan struct{}, publishers)
	for p := 0; p < publishers; p++ {
		go func(p int) {
			for i := 0; i < perPublisher; i++ {
				b.Publish("data:S1", Event{Kind: KindMeasurement, Payload: fmt.Sprintf("%d-%d", p, i)})
			}
			done <- struct{}{}
		}(p)
	}
	for p := 0; p < publishers; p++ {
		<-done
	}

	received := 0
	for {
		select {
		case <-sub.C():
			received++
		default:
			assert.Equal(t, publishers*perPublisher, received)
			return
		}
	}
}
