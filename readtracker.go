package marketchat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultReadDelay = 350 * time.Millisecond
	readAckTimeout   = 10 * time.Second
)

// ReadTracker coalesces read positions into one acknowledgement per burst.
// A single timer is shared across conversations; each NoteTail resets it.
type ReadTracker struct {
	gw    SessionGateway
	store *ConversationStore
	delay time.Duration
	log   *slog.Logger

	mu             sync.Mutex
	timer          *time.Timer
	gen            uint64
	stopped        bool
	conversationID string
	messageID      string
}

func NewReadTracker(gw SessionGateway, store *ConversationStore, delay time.Duration, log *slog.Logger) *ReadTracker {
	if delay <= 0 {
		delay = DefaultReadDelay
	}
	if log == nil {
		log = slog.Default()
	}
	return &ReadTracker{gw: gw, store: store, delay: delay, log: log.With("component", "reads")}
}

// NoteTail records messageID as the newest message seen in the conversation
// and (re)arms the acknowledgement timer. Provisional ids are ignored, as is
// every call after Stop.
func (t *ReadTracker) NoteTail(conversationID, messageID string) {
	if conversationID == "" || messageID == "" || IsTempID(messageID) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.conversationID, t.messageID = conversationID, messageID
	t.timer = time.AfterFunc(t.delay, func() { t.fire(gen) })
}

// Cancel drops any pending acknowledgement.
func (t *ReadTracker) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

// Stop cancels any pending acknowledgement and keeps the tracker from arming
// again.
func (t *ReadTracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.Cancel()
}

// Pending reports whether an acknowledgement is scheduled.
func (t *ReadTracker) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

func (t *ReadTracker) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	conversationID, messageID := t.conversationID, t.messageID
	t.timer = nil
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), readAckTimeout)
	defer cancel()
	if err := t.gw.MarkRead(ctx, conversationID, messageID); err != nil {
		t.log.Warn("read acknowledgement failed",
			"conversation_id", conversationID, "message_id", messageID, "error", err)
		return
	}
	t.log.Debug("read acknowledged", "conversation_id", conversationID, "message_id", messageID)
	if t.store != nil {
		t.store.ClearUnread(conversationID)
	}
}
