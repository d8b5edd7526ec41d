package marketchat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StreamUpdate is published after every change to a conversation's log.
type StreamUpdate struct {
	ConversationID string
	Messages       []Message
}

// messageLog is an insertion-ordered set of messages keyed by id.
type messageLog struct {
	order []string
	byID  map[string]Message
}

func newMessageLog() *messageLog {
	return &messageLog{byID: make(map[string]Message)}
}

func (l *messageLog) has(id string) bool {
	_, ok := l.byID[id]
	return ok
}

// put inserts m at the end, or overwrites it in place when the id is known.
func (l *messageLog) put(m Message) {
	if !l.has(m.ID) {
		l.order = append(l.order, m.ID)
	}
	l.byID[m.ID] = m
}

func (l *messageLog) remove(id string) {
	if !l.has(id) {
		return
	}
	delete(l.byID, id)
	if i := slices.Index(l.order, id); i >= 0 {
		l.order = slices.Delete(l.order, i, i+1)
	}
}

// replace swaps oldID for m at the same position. If m's id is already present
// the old entry is dropped and the existing one overwritten.
func (l *messageLog) replace(oldID string, m Message) {
	i := slices.Index(l.order, oldID)
	switch {
	case i < 0:
		l.put(m)
	case l.has(m.ID):
		l.remove(oldID)
		l.byID[m.ID] = m
	default:
		delete(l.byID, oldID)
		l.order[i] = m.ID
		l.byID[m.ID] = m
	}
}

func (l *messageLog) list() []Message {
	out := make([]Message, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.byID[id])
	}
	return out
}

// MessageStream keeps one deduplicated, ordered message log per conversation.
type MessageStream struct {
	gw    SessionGateway
	limit int
	log   *slog.Logger
	obs   *observers[StreamUpdate]

	mu   sync.Mutex
	logs map[string]*messageLog
}

func NewMessageStream(gw SessionGateway, historyLimit int, log *slog.Logger) *MessageStream {
	if log == nil {
		log = slog.Default()
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	log = log.With("component", "messages")
	return &MessageStream{
		gw:    gw,
		limit: historyLimit,
		log:   log,
		obs:   newObservers[StreamUpdate](log),
		logs:  make(map[string]*messageLog),
	}
}

// LoadHistory fetches the conversation's history and makes it the log's base.
// Unconfirmed local messages and anything newer than the fetched page survive.
// If isCurrent reports false once the response arrives, nothing is applied and
// ErrStaleResponse is returned.
func (s *MessageStream) LoadHistory(ctx context.Context, conversationID string, isCurrent func() bool) ([]Message, error) {
	history, err := s.gw.Messages(ctx, conversationID, s.limit)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", conversationID, err)
	}
	if isCurrent != nil && !isCurrent() {
		s.log.Debug("discarding stale history", "conversation_id", conversationID)
		return nil, ErrStaleResponse
	}

	s.mu.Lock()
	next := newMessageLog()
	var newest time.Time
	for _, m := range history {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		next.put(m)
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}
	if prev := s.logs[conversationID]; prev != nil {
		for _, m := range prev.list() {
			if next.has(m.ID) {
				continue
			}
			if IsTempID(m.ID) || !m.CreatedAt.Before(newest) {
				next.put(m)
			}
		}
	}
	s.logs[conversationID] = next
	out := next.list()
	s.mu.Unlock()

	s.obs.notify(StreamUpdate{ConversationID: conversationID, Messages: out})
	return out, nil
}

// AppendOptimistic inserts a provisional message under a temporary id and
// returns it; its ID is the handle for Reconcile or Rollback.
func (s *MessageStream) AppendOptimistic(conversationID, senderID, text string) Message {
	m := Message{
		ID:             TempIDPrefix + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      time.Now(),
	}
	s.mutate(conversationID, func(l *messageLog) bool {
		l.put(m)
		return true
	})
	return m
}

// Reconcile replaces the provisional entry tempID with the server-confirmed message.
func (s *MessageStream) Reconcile(conversationID, tempID string, confirmed Message) {
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = conversationID
	}
	s.mutate(conversationID, func(l *messageLog) bool {
		l.replace(tempID, confirmed)
		return true
	})
}

// Rollback removes the provisional entry and returns its text so it can be
// restored to the compose field.
func (s *MessageStream) Rollback(conversationID, tempID string) (text string, ok bool) {
	s.mutate(conversationID, func(l *messageLog) bool {
		m, found := l.byID[tempID]
		if !found {
			return false
		}
		text, ok = m.Text, true
		l.remove(tempID)
		return true
	})
	return text, ok
}

// AppendIncoming adds a pushed message. A known id is a no-op. A push of our
// own message that is still provisional here takes over the provisional entry.
func (s *MessageStream) AppendIncoming(m Message) (added bool) {
	s.mutate(m.ConversationID, func(l *messageLog) bool {
		if l.has(m.ID) {
			return false
		}
		if m.SenderID != "" {
			for _, id := range l.order {
				p := l.byID[id]
				if IsTempID(id) && p.SenderID == m.SenderID && p.Text == m.Text {
					l.replace(id, m)
					added = true
					return true
				}
			}
		}
		l.put(m)
		added = true
		return true
	})
	return added
}

// Messages returns the conversation's log in display order.
func (s *MessageStream) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.logs[conversationID]; l != nil {
		return l.list()
	}
	return nil
}

// Tail returns the newest server-confirmed message of the conversation.
func (s *MessageStream) Tail(conversationID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.logs[conversationID]
	if l == nil {
		return Message{}, false
	}
	for i := len(l.order) - 1; i >= 0; i-- {
		if !IsTempID(l.order[i]) {
			return l.byID[l.order[i]], true
		}
	}
	return Message{}, false
}

func (s *MessageStream) Subscribe(fn func(StreamUpdate)) (cancel func()) {
	return s.obs.subscribe(fn)
}

func (s *MessageStream) mutate(conversationID string, fn func(*messageLog) bool) {
	s.mu.Lock()
	l := s.logs[conversationID]
	if l == nil {
		l = newMessageLog()
		s.logs[conversationID] = l
	}
	if !fn(l) {
		s.mu.Unlock()
		return
	}
	out := l.list()
	s.mu.Unlock()

	s.obs.notify(StreamUpdate{ConversationID: conversationID, Messages: out})
}
