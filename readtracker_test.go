package marketchat

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testReadDelay = 80 * time.Millisecond

func TestReadTrackerCoalescesBurst(t *testing.T) {
	gw := newFakeGateway()
	store := NewConversationStore(quietLogger())
	store.Load([]Conversation{{ID: "c", UnreadCount: 7}})
	rt := NewReadTracker(gw, store, testReadDelay, quietLogger())

	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		rt.NoteTail("c", id)
		time.Sleep(testReadDelay / 8)
	}
	assert.Empty(t, gw.reads(), "no acknowledgement before the burst settles")

	require.Eventually(t, func() bool { return len(gw.reads()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, markReadCall{"c", "m4"}, gw.reads()[0])
	assert.Eventually(t, func() bool {
		c, _ := store.Get("c")
		return c.UnreadCount == 0
	}, time.Second, 5*time.Millisecond)

	time.Sleep(2 * testReadDelay)
	assert.Len(t, gw.reads(), 1)
	assert.False(t, rt.Pending())
}

func TestReadTrackerLastConversationWins(t *testing.T) {
	gw := newFakeGateway()
	rt := NewReadTracker(gw, nil, testReadDelay, quietLogger())

	rt.NoteTail("a", "a1")
	rt.NoteTail("b", "b1")

	require.Eventually(t, func() bool { return len(gw.reads()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, markReadCall{"b", "b1"}, gw.reads()[0])
}

func TestReadTrackerIgnoresProvisionalIDs(t *testing.T) {
	gw := newFakeGateway()
	rt := NewReadTracker(gw, nil, testReadDelay, quietLogger())

	rt.NoteTail("c", TempIDPrefix+"123")
	rt.NoteTail("c", "")
	assert.False(t, rt.Pending())

	time.Sleep(2 * testReadDelay)
	assert.Empty(t, gw.reads())
}

func TestReadTrackerFailureKeepsUnread(t *testing.T) {
	gw := newFakeGateway()
	gw.markErr = errors.New("boom")
	store := NewConversationStore(quietLogger())
	store.Load([]Conversation{{ID: "c", UnreadCount: 2}})
	rt := NewReadTracker(gw, store, testReadDelay, quietLogger())

	rt.NoteTail("c", "m1")
	require.Eventually(t, func() bool { return len(gw.reads()) == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(testReadDelay / 2)
	c, _ := store.Get("c")
	assert.Equal(t, 2, c.UnreadCount)

	// the next message re-arms and retries
	gw.set(func(g *fakeGateway) { g.markErr = nil })
	rt.NoteTail("c", "m2")
	require.Eventually(t, func() bool {
		c, _ := store.Get("c")
		return c.UnreadCount == 0
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, gw.reads(), 2)
}

func TestReadTrackerCancel(t *testing.T) {
	gw := newFakeGateway()
	rt := NewReadTracker(gw, nil, testReadDelay, quietLogger())

	rt.NoteTail("c", "m1")
	assert.True(t, rt.Pending())
	rt.Cancel()
	assert.False(t, rt.Pending())

	time.Sleep(2 * testReadDelay)
	assert.Empty(t, gw.reads())
}

func TestReadTrackerStop(t *testing.T) {
	gw := newFakeGateway()
	rt := NewReadTracker(gw, nil, testReadDelay, quietLogger())

	rt.NoteTail("c", "m1")
	rt.Stop()
	rt.NoteTail("c", "m2")
	assert.False(t, rt.Pending())

	time.Sleep(2 * testReadDelay)
	assert.Empty(t, gw.reads())
}
