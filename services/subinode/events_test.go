package subinode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvents_PublishReachesAllSubscribers(t *testing.T) {
	e := NewEvents()
	a := e.Subscribe()
	b := e.Subscribe()

	e.Publish(Event{Kind: EventNodeAdded})

	require.Len(t, a, 1)
	require.Len(t, b, 1)
}

func TestEvents_PublishDropsOldestWhenSubscriberFull(t *testing.T) {
	e := NewEvents()
	sub := e.Subscribe()

	for i := 0; i < 64; i++ {
		e.Publish(Event{Kind: EventTipAdvanced, TipHeight: uint32(i)})
	}

	// channel now full (capacity 64); one more publish must drop the
	// oldest pending event rather than block.
	e.Publish(Event{Kind: EventTipAdvanced, TipHeight: 999})

	require.Len(t, sub, 64)

	var last Event
	for i := 0; i < 64; i++ {
		last = <-sub
	}
	assert.Equal(t, uint32(999), last.TipHeight)
}

func TestEvents_NoSubscribersDoesNotPanic(t *testing.T) {
	e := NewEvents()
	assert.NotPanics(t, func() {
		e.Publish(Event{Kind: EventVoteAdded})
	})
}
