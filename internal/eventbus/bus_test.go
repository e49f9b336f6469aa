package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	states, unsub := b.Subscribe(4, TypeSessionState)

	b.Publish(Event{Type: TypeQRChallenge, Data: "qr"})
	b.Publish(Event{Type: TypeSessionState, Data: SessionState{From: "connecting", To: "ready"}})

	got := <-states
	assert.Equal(t, TypeSessionState, got.Type)
	assert.False(t, got.Time.IsZero())
	assert.Equal(t, "ready", got.Data.(SessionState).To)
	assert.Len(t, all, 2)

	unsub()
	unsub()
	_, open := <-states
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Type: TypeSessionState})
}

func TestPublishDropsWhenSubscriberIsFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeRunFinished, Data: RunFinished{RunID: "a"}})
	b.Publish(Event{Type: TypeRunFinished, Data: RunFinished{RunID: "b"}})

	require.Len(t, ch, 1)
	assert.Equal(t, "a", (<-ch).Data.(RunFinished).RunID)
}
