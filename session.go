package marketchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const reloadTimeout = 15 * time.Second

// Snapshot is previously known session state handed to Start.
type Snapshot struct {
	User          *User
	Conversations []Conversation
}

// Notice is a user-facing report of a failed action.
type Notice struct {
	Op             string
	ConversationID string
	Err            error
}

func (n Notice) String() string {
	return fmt.Sprintf("%s failed: %v", n.Op, n.Err)
}

type sessionOptions struct {
	historyLimit int
	readDelay    time.Duration
	log          *slog.Logger
}

type SessionOption func(*sessionOptions)

func WithHistoryLimit(n int) SessionOption {
	return func(o *sessionOptions) { o.historyLimit = n }
}

func WithReadDelay(d time.Duration) SessionOption {
	return func(o *sessionOptions) { o.readDelay = d }
}

func WithSessionLogger(log *slog.Logger) SessionOption {
	return func(o *sessionOptions) { o.log = log }
}

// Session composes the stores, the realtime channel and the read tracker
// behind one surface for the presentation layer.
type Session struct {
	gw  SessionGateway
	ch  RealtimeChannel
	log *slog.Logger

	convs   *ConversationStore
	stream  *MessageStream
	reads   *ReadTracker
	offers  *OfferLedger
	notices *observers[Notice]
	reloads singleflight.Group

	mu     sync.Mutex
	self   *User
	ready  bool
	draft  string
	closed bool
}

// NewSession wires a session. Events from ch are routed through HandleEvent and
// every (re)connect triggers a conversation reload.
func NewSession(gw SessionGateway, ch RealtimeChannel, opts ...SessionOption) *Session {
	o := sessionOptions{historyLimit: DefaultHistoryLimit, readDelay: DefaultReadDelay, log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	convs := NewConversationStore(o.log)
	s := &Session{
		gw:      gw,
		ch:      ch,
		log:     o.log.With("component", "session"),
		convs:   convs,
		stream:  NewMessageStream(gw, o.historyLimit, o.log),
		reads:   NewReadTracker(gw, convs, o.readDelay, o.log),
		offers:  NewOfferLedger(gw, o.log),
		notices: newObservers[Notice](o.log),
	}
	if ch != nil {
		ch.OnEvent(s.HandleEvent)
		ch.OnOpen(s.onOpen)
	}
	return s
}

func (s *Session) Conversations() *ConversationStore { return s.convs }
func (s *Session) Messages() *MessageStream          { return s.stream }
func (s *Session) Offers() *OfferLedger              { return s.offers }
func (s *Session) Reads() *ReadTracker               { return s.reads }

// OnNotice registers fn for failed user actions.
func (s *Session) OnNotice(fn func(Notice)) (cancel func()) {
	return s.notices.subscribe(fn)
}

func (s *Session) Self() *User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Ready reports whether Start has finished, successfully or not.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Draft is the compose text; a failed send puts its text back here.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

// Start resolves the user identity (unless prior already has it) and loads the
// conversation list. The session is marked ready even if either call fails;
// the joined error is returned.
func (s *Session) Start(ctx context.Context, prior *Snapshot) error {
	if prior != nil {
		if prior.User != nil {
			s.setSelf(prior.User)
		}
		if prior.Conversations != nil {
			s.convs.Load(prior.Conversations)
		}
	}

	var meErr, listErr error
	var g errgroup.Group
	if s.Self() == nil {
		g.Go(func() error {
			u, err := s.gw.Me(ctx)
			if err != nil {
				meErr = fmt.Errorf("resolve identity: %w", err)
				return meErr
			}
			s.setSelf(u)
			return nil
		})
	}
	g.Go(func() error {
		list, err := s.gw.Conversations(ctx)
		if err != nil {
			listErr = fmt.Errorf("load conversations: %w", err)
			return listErr
		}
		s.convs.Load(list)
		return nil
	})
	_ = g.Wait()

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()

	err := errors.Join(meErr, listErr)
	if err != nil {
		s.log.Warn("session started with errors", "error", err)
	} else {
		s.log.Info("session started", "conversations", len(s.convs.List()))
	}
	return err
}

// Open makes conversationID active, connects the realtime channel if needed
// and loads the conversation's history and offers.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoActiveConversation
	}
	if s.isClosed() {
		return ErrClosed
	}

	s.reads.Cancel()
	s.convs.SetActive(conversationID)

	if self := s.Self(); self != nil && s.ch != nil && !s.ch.Connected() {
		if err := s.ch.Connect(ctx, self.ID); err != nil {
			s.log.Warn("realtime connect failed, retrying in background", "error", err)
		}
	}

	// The two loads are independent: a failed offers call keeps the history.
	isCurrent := func() bool { return s.convs.Active() == conversationID }
	var historyErr, offersErr error
	var g errgroup.Group
	g.Go(func() error {
		_, historyErr = s.stream.LoadHistory(ctx, conversationID, isCurrent)
		return historyErr
	})
	g.Go(func() error {
		_, offersErr = s.offers.Load(ctx, conversationID, isCurrent)
		return offersErr
	})
	_ = g.Wait()

	if historyErr == nil {
		if tail, ok := s.stream.Tail(conversationID); ok && isCurrent() {
			s.reads.NoteTail(conversationID, tail.ID)
		}
	}
	err := errors.Join(historyErr, offersErr)
	if err != nil && !errors.Is(err, ErrStaleResponse) {
		s.notify(Notice{Op: "open", ConversationID: conversationID, Err: err})
	}
	return err
}

// Send posts text to the active conversation. Empty text sends the draft. The
// message is shown at once under a temporary id and swapped for the server's
// copy on success; on failure it is removed and its text restored to the draft.
func (s *Session) Send(ctx context.Context, text string) (*Message, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	conversationID := s.convs.Active()
	if conversationID == "" {
		return nil, ErrNoActiveConversation
	}
	if strings.TrimSpace(text) == "" {
		text = s.Draft()
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	s.SetDraft("")

	var senderID string
	if self := s.Self(); self != nil {
		senderID = self.ID
	}
	pending := s.stream.AppendOptimistic(conversationID, senderID, text)
	s.convs.ApplyIncoming(pending)

	msg, err := s.gw.SendMessage(ctx, conversationID, text)
	if err != nil {
		if restored, ok := s.stream.Rollback(conversationID, pending.ID); ok {
			s.SetDraft(restored)
		} else {
			s.SetDraft(text)
		}
		s.notify(Notice{Op: "send", ConversationID: conversationID, Err: err})
		go s.reload()
		return nil, fmt.Errorf("send message: %w", err)
	}

	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	s.stream.Reconcile(conversationID, pending.ID, *msg)
	s.convs.ApplyIncoming(*msg)
	if s.convs.Active() == conversationID {
		s.reads.NoteTail(conversationID, msg.ID)
	}
	return msg, nil
}

// CreateOffer creates an offer in the active conversation.
func (s *Session) CreateOffer(ctx context.Context, draft OfferDraft) (*JobOffer, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	conversationID := s.convs.Active()
	o, err := s.offers.Create(ctx, conversationID, draft)
	if err != nil {
		s.notify(Notice{Op: "create offer", ConversationID: conversationID, Err: err})
		return nil, err
	}
	return o, nil
}

func (s *Session) UpdateOffer(ctx context.Context, offerID string, draft OfferDraft) (*JobOffer, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	o, err := s.offers.Update(ctx, offerID, draft)
	if err != nil {
		s.notify(Notice{Op: "update offer", ConversationID: s.convs.Active(), Err: err})
		return nil, err
	}
	return o, nil
}

func (s *Session) DeliverOffer(ctx context.Context, offerID string, d Delivery) (*JobOffer, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	o, err := s.offers.Deliver(ctx, offerID, d)
	if err != nil {
		s.notify(Notice{Op: "deliver offer", ConversationID: s.convs.Active(), Err: err})
		return nil, err
	}
	return o, nil
}

func (s *Session) RequestRevision(ctx context.Context, offerID string) (*JobOffer, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	o, err := s.offers.RequestRevision(ctx, offerID)
	if err != nil {
		s.notify(Notice{Op: "request revision", ConversationID: s.convs.Active(), Err: err})
		return nil, err
	}
	return o, nil
}

// HandleEvent applies a realtime event. Messages reach the conversation store,
// the active stream, the read tracker and the offer ledger, in that order.
func (s *Session) HandleEvent(ev Event) {
	if s.isClosed() {
		return
	}
	switch ev.Kind {
	case EventMessage, EventNewMessage:
		if ev.Message == nil {
			return
		}
		m := *ev.Message
		needsReload := s.convs.ApplyIncoming(m)
		if m.ConversationID == s.convs.Active() {
			s.stream.AppendIncoming(m)
			s.reads.NoteTail(m.ConversationID, m.ID)
		}
		if ev.Offer != nil {
			offer := *ev.Offer
			if offer.ConversationID == "" {
				offer.ConversationID = m.ConversationID
			}
			s.offers.ApplyEmbedded(offer)
		}
		if needsReload {
			go s.reload()
		}
	case EventOfferStatus:
		if ev.Offer != nil {
			s.offers.ApplyStatusEvent(*ev.Offer)
		}
	}
}

// Teardown closes the realtime channel and cancels the pending read
// acknowledgement. It is safe to call more than once.
func (s *Session) Teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.ch != nil {
		if err := s.ch.Close(); err != nil {
			s.log.Debug("close realtime channel", "error", err)
		}
	}
	s.reads.Stop()
	s.log.Info("session torn down")
}

func (s *Session) onOpen() {
	s.reload()
}

// reload refreshes the conversation list; concurrent callers share one request.
func (s *Session) reload() {
	if s.isClosed() {
		return
	}
	_, err, _ := s.reloads.Do("conversations", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		defer cancel()
		list, err := s.gw.Conversations(ctx)
		if err != nil {
			return nil, err
		}
		if !s.isClosed() {
			s.convs.Load(list)
		}
		return nil, nil
	})
	if err != nil {
		s.log.Warn("conversation reload failed", "error", err)
	}
}

func (s *Session) setSelf(u *User) {
	s.mu.Lock()
	s.self = u
	s.mu.Unlock()
	s.convs.SetSelf(u.ID)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) notify(n Notice) {
	s.log.Warn("action failed", "op", n.Op, "conversation_id", n.ConversationID, "error", n.Err)
	s.notices.notify(n)
}
