package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New(zerolog.Nop())

	s1 := b.Subscribe()
	defer s1.Close()
	s2 := b.Subscribe()
	defer s2.Close()

	b.Publish(Event{RunID: "r1", Kind: KindStart})

	for _, s := range []*Subscription{s1, s2} {
		select {
		case ev := <-s.Events():
			assert.Equal(t, "r1", ev.RunID)
			assert.Equal(t, KindStart, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestPerRunOrderPreserved(t *testing.T) {
	b := New(zerolog.Nop())
	sub := b.SubscribeBuffer(128)
	defer sub.Close()

	kinds := []Kind{KindStart, KindSent, KindToken, KindToken, KindComplete}
	for i, k := range kinds {
		b.Publish(Event{RunID: "r1", Kind: k, Elapsed: time.Duration(i) * time.Millisecond})
	}

	var got []Kind
	var lastElapsed time.Duration
	for range kinds {
		ev := <-sub.Events()
		got = append(got, ev.Kind)
		assert.GreaterOrEqual(t, ev.Elapsed, lastElapsed, "elapsed must be non-decreasing")
		lastElapsed = ev.Elapsed
	}
	assert.Equal(t, kinds, got)
}

func TestSlowSubscriberDropsOldestWithoutBlocking(t *testing.T) {
	b := New(zerolog.Nop())

	var dropped int
	b.OnDrop = func() { dropped++ }

	sub := b.SubscribeBuffer(4)
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(Event{RunID: "r1", Kind: KindToken, Payload: "chunk"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Equal(t, uint64(96), sub.Dropped())
	assert.Equal(t, 96, dropped)

	// The newest events survive.
	var received int
	for {
		select {
		case <-sub.Events():
			received++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 4, received)
}

func TestLateSubscriberGetsNoBackfill(t *testing.T) {
	b := New(zerolog.Nop())

	b.Publish(Event{RunID: "r1", Kind: KindStart})
	b.Publish(Event{RunID: "r1", Kind: KindSent})

	sub := b.Subscribe()
	defer sub.Close()

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no backfill, got %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	b.Publish(Event{RunID: "r1", Kind: KindComplete})
	ev := <-sub.Events()
	assert.Equal(t, KindComplete, ev.Kind)
}

func TestCloseDetachesSubscriber(t *testing.T) {
	b := New(zerolog.Nop())

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount())

	// Closed channel drains cleanly.
	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Double close is safe.
	sub.Close()

	// Publishing after close must not panic.
	b.Publish(Event{RunID: "r1", Kind: KindError})
}

func TestConcurrentPublishers(t *testing.T) {
	b := New(zerolog.Nop())
	sub := b.SubscribeBuffer(4096)
	defer sub.Close()

	const runs = 8
	const perRun = 50

	var wg sync.WaitGroup
	for r := 0; r < runs; r++ {
		wg.Add(1)
		go func(run int) {
			defer wg.Done()
			id := string(rune('a' + run))
			for i := 0; i < perRun; i++ {
				b.Publish(Event{RunID: id, Kind: KindToken, Elapsed: time.Duration(i)})
			}
		}(r)
	}
	wg.Wait()

	// Per-run order must hold even with interleaved publishers.
	last := make(map[string]time.Duration)
	count := 0
	for {
		select {
		case ev := <-sub.Events():
			prev, seen := last[ev.RunID]
			if seen {
				assert.Greater(t, ev.Elapsed, prev, "run %s out of order", ev.RunID)
			}
			last[ev.RunID] = ev.Elapsed
			count++
			continue
		default:
		}
		break
	}
	assert.Equal(t, runs*perRun, count)
}

func TestKindTerminal(t *testing.T) {
	assert.True(t, KindComplete.Terminal())
	assert.True(t, KindError.Terminal())
	assert.False(t, KindStart.Terminal())
	assert.False(t, KindSent.Terminal())
	assert.False(t, KindToken.Terminal())
}
