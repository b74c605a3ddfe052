package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/capledger/internal/domain"
)

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(4)
	first := b.Subscribe()
	second := b.Subscribe()
	require.Equal(t, 2, b.Subscribers())

	b.Publish([]domain.Event{{Sequence: 1}, {Sequence: 2}})

	for _, ch := range []chan domain.Event{first, second} {
		assert.Equal(t, uint64(1), (<-ch).Sequence)
		assert.Equal(t, uint64(2), (<-ch).Sequence)
	}

	b.Unsubscribe(first)
	_, open := <-first
	assert.False(t, open)
	assert.Equal(t, 1, b.Subscribers())

	// unsubscribing twice is a no-op
	b.Unsubscribe(first)
}

func TestBroadcaster_DropsForSlowReaders(t *testing.T) {
	b := NewBroadcaster(1)
	ch := b.Subscribe()

	b.Publish([]domain.Event{{Sequence: 1}, {Sequence: 2}, {Sequence: 3}})

	assert.Equal(t, uint64(1), (<-ch).Sequence)
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %d", e.Sequence)
	default:
	}
}
