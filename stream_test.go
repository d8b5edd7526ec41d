package marketchat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageIDs(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMessageStreamDedup(t *testing.T) {
	s := NewMessageStream(newFakeGateway(), 0, quietLogger())

	assert.True(t, s.AppendIncoming(Message{ID: "1", ConversationID: "c", Text: "a"}))
	assert.True(t, s.AppendIncoming(Message{ID: "2", ConversationID: "c", Text: "b"}))
	assert.False(t, s.AppendIncoming(Message{ID: "1", ConversationID: "c", Text: "a again"}))
	assert.True(t, s.AppendIncoming(Message{ID: "3", ConversationID: "c", Text: "c"}))
	assert.False(t, s.AppendIncoming(Message{ID: "2", ConversationID: "c", Text: "b"}))

	msgs := s.Messages("c")
	assert.Equal(t, []string{"1", "2", "3"}, messageIDs(msgs))
	assert.Equal(t, "a", msgs[0].Text)
	assert.Empty(t, s.Messages("other"))
}

func TestMessageStreamReconcileInPlace(t *testing.T) {
	s := NewMessageStream(newFakeGateway(), 0, quietLogger())
	s.AppendIncoming(Message{ID: "1", ConversationID: "c"})
	pending := s.AppendOptimistic("c", "me", "Hello")
	s.AppendIncoming(Message{ID: "2", ConversationID: "c", SenderID: "them", Text: "yo"})

	require.True(t, IsTempID(pending.ID))
	assert.Equal(t, []string{"1", pending.ID, "2"}, messageIDs(s.Messages("c")))

	s.Reconcile("c", pending.ID, Message{ID: "srv-9", SenderID: "me", Text: "Hello"})
	msgs := s.Messages("c")
	assert.Equal(t, []string{"1", "srv-9", "2"}, messageIDs(msgs))
	assert.Equal(t, "c", msgs[1].ConversationID)

	tail, ok := s.Tail("c")
	require.True(t, ok)
	assert.Equal(t, "2", tail.ID)
}

func TestMessageStreamEchoBeforeConfirmation(t *testing.T) {
	s := NewMessageStream(newFakeGateway(), 0, quietLogger())
	pending := s.AppendOptimistic("c", "me", "Hello")

	echo := Message{ID: "srv-1", ConversationID: "c", SenderID: "me", Text: "Hello"}
	assert.True(t, s.AppendIncoming(echo))
	assert.Equal(t, []string{"srv-1"}, messageIDs(s.Messages("c")))

	s.Reconcile("c", pending.ID, echo)
	assert.False(t, s.AppendIncoming(echo))
	assert.Equal(t, []string{"srv-1"}, messageIDs(s.Messages("c")))
}

// optimistic + confirmed + duplicate echo over N distinct ids yields N entries
// in first-seen order
func TestMessageStreamDedupSequence(t *testing.T) {
	s := NewMessageStream(newFakeGateway(), 0, quietLogger())
	a := s.AppendOptimistic("c", "me", "one")
	s.AppendIncoming(Message{ID: "x", ConversationID: "c", SenderID: "them", Text: "hey"})
	b := s.AppendOptimistic("c", "me", "two")

	s.Reconcile("c", a.ID, Message{ID: "s1", SenderID: "me", Text: "one"})
	s.AppendIncoming(Message{ID: "s1", ConversationID: "c", SenderID: "me", Text: "one"})
	s.AppendIncoming(Message{ID: "s2", ConversationID: "c", SenderID: "me", Text: "two"})
	s.Reconcile("c", b.ID, Message{ID: "s2", SenderID: "me", Text: "two"})
	s.AppendIncoming(Message{ID: "x", ConversationID: "c", SenderID: "them", Text: "hey"})

	assert.Equal(t, []string{"s1", "x", "s2"}, messageIDs(s.Messages("c")))
}

func TestMessageStreamRollback(t *testing.T) {
	s := NewMessageStream(newFakeGateway(), 0, quietLogger())
	pending := s.AppendOptimistic("c", "me", "lost?")

	text, ok := s.Rollback("c", pending.ID)
	assert.True(t, ok)
	assert.Equal(t, "lost?", text)
	assert.Empty(t, s.Messages("c"))

	_, ok = s.Rollback("c", pending.ID)
	assert.False(t, ok)
}

func TestMessageStreamLoadHistory(t *testing.T) {
	gw := newFakeGateway()
	gw.messages["c"] = []Message{
		{ID: "1", ConversationID: "c", CreatedAt: t0},
		{ID: "2", CreatedAt: t0.Add(1)},
	}
	s := NewMessageStream(gw, 0, quietLogger())
	pending := s.AppendOptimistic("c", "me", "draft")

	msgs, err := s.LoadHistory(context.Background(), "c", func() bool { return true })
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", pending.ID}, messageIDs(msgs))
	assert.Equal(t, "c", msgs[1].ConversationID)
}

func TestMessageStreamDiscardsStaleHistory(t *testing.T) {
	gw := newFakeGateway()
	gw.messages["c"] = []Message{{ID: "1", ConversationID: "c"}}
	s := NewMessageStream(gw, 0, quietLogger())

	var notified int
	s.Subscribe(func(StreamUpdate) { notified++ })

	_, err := s.LoadHistory(context.Background(), "c", func() bool { return false })
	assert.ErrorIs(t, err, ErrStaleResponse)
	assert.Empty(t, s.Messages("c"))
	assert.Zero(t, notified)
}
