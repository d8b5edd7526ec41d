package marketchat

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ConversationStore holds the user's conversations ordered by recency and
// tracks which one is active.
type ConversationStore struct {
	mu     sync.Mutex
	self   string
	active string
	items  []Conversation
	obs    *observers[[]Conversation]
	log    *slog.Logger
}

func NewConversationStore(log *slog.Logger) *ConversationStore {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "conversations")
	return &ConversationStore{obs: newObservers[[]Conversation](log), log: log}
}

// SetSelf records the current user's id, used for unread accounting.
func (s *ConversationStore) SetSelf(userID string) {
	s.mu.Lock()
	s.self = userID
	s.mu.Unlock()
}

// Load replaces the working set with a snapshot.
func (s *ConversationStore) Load(snapshot []Conversation) {
	s.mu.Lock()
	items := make([]Conversation, 0, len(snapshot))
	for _, c := range snapshot {
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		if c.ID == s.active {
			c.UnreadCount = 0
		}
		items = append(items, c)
	}
	sortByRecency(items)
	s.items = items
	out := s.snapshotLocked()
	s.mu.Unlock()

	s.log.Debug("conversations loaded", "count", len(out))
	s.obs.notify(out)
}

// ApplyIncoming folds a message into its conversation's summary. It reports
// whether the caller should reload the list from the server: always for an
// unknown conversation, and whenever the unread count was bumped locally.
func (s *ConversationStore) ApplyIncoming(m Message) (needsReload bool) {
	s.mu.Lock()
	i := s.indexLocked(m.ConversationID)
	if i < 0 {
		s.mu.Unlock()
		return true
	}

	c := &s.items[i]
	msg := m
	c.LastMessage = &msg
	at := m.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}

	if (s.self != "" && m.SenderID == s.self) || c.ID == s.active {
		c.UnreadCount = 0
	} else {
		c.UnreadCount++
		needsReload = true
	}

	sortByRecency(s.items)
	out := s.snapshotLocked()
	s.mu.Unlock()

	s.obs.notify(out)
	return needsReload
}

// SetActive switches the active conversation and clears its unread count.
func (s *ConversationStore) SetActive(id string) {
	s.mu.Lock()
	s.active = id
	if i := s.indexLocked(id); i >= 0 {
		s.items[i].UnreadCount = 0
	}
	out := s.snapshotLocked()
	s.mu.Unlock()

	s.obs.notify(out)
}

func (s *ConversationStore) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ClearUnread zeroes the unread count of id, typically after a read acknowledgement.
func (s *ConversationStore) ClearUnread(id string) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 || s.items[i].UnreadCount == 0 {
		s.mu.Unlock()
		return
	}
	s.items[i].UnreadCount = 0
	out := s.snapshotLocked()
	s.mu.Unlock()

	s.obs.notify(out)
}

// List returns a copy of the conversations, most recently updated first.
func (s *ConversationStore) List() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *ConversationStore) Get(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.items[i], true
	}
	return Conversation{}, false
}

// Subscribe registers fn to receive the list after every change.
func (s *ConversationStore) Subscribe(fn func([]Conversation)) (cancel func()) {
	return s.obs.subscribe(fn)
}

func (s *ConversationStore) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(s.items, func(c Conversation) bool { return c.ID == id })
}

func (s *ConversationStore) snapshotLocked() []Conversation {
	return slices.Clone(s.items)
}

// sortByRecency orders descending by UpdatedAt; ties keep their current order.
func sortByRecency(items []Conversation) {
	slices.SortStableFunc(items, func(a, b Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
}
