package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "changed", Changed.String())
	assert.Equal(t, "created", Created.String())
	assert.Equal(t, "renamed", Renamed.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	_, ok := q.TryPop()
	assert.False(t, ok, "empty queue should not pop")

	for i := range 3 {
		q.Push(ChangeEvent{Kind: Changed, Path: fmt.Sprintf("/r/%d.json", i), Time: time.Now()})
	}
	assert.Equal(t, 3, q.Len())

	ev, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, "/r/0.json", ev.Path)

	rest := q.Drain()
	require.Len(t, rest, 2)
	assert.Equal(t, "/r/1.json", rest[0].Path)
	assert.Equal(t, "/r/2.json", rest[1].Path)
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.Drain())
}

func TestQueueConcurrentProducers(t *testing.T) {
	t.Parallel()

	const producers = 3
	const perProducer = 2000

	q := NewQueue()
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func(kind Kind) {
			defer wg.Done()
			for i := range perProducer {
				q.Push(ChangeEvent{Kind: kind, Path: fmt.Sprintf("%d", i)})
			}
		}(Kind(p))
	}

	// Consume concurrently with the producers
	received := make(map[Kind][]string)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	collect := func() {
		for _, ev := range q.Drain() {
			received[ev.Kind] = append(received[ev.Kind], ev.Path)
		}
	}
	for {
		select {
		case <-done:
			collect()
			for k := range Kind(producers) {
				got := received[k]
				require.Len(t, got, perProducer, "kind %s lost events", k)
				// Per-producer order is preserved
				for i, p := range got {
					require.Equal(t, fmt.Sprintf("%d", i), p)
				}
			}
			return
		default:
			collect()
		}
	}
}
