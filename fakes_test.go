package marketchat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type markReadCall struct {
	ConversationID string
	MessageID      string
}

// fakeGateway is an in-memory SessionGateway with injectable failures.
type fakeGateway struct {
	mu            sync.Mutex
	user          *User
	conversations []Conversation
	messages      map[string][]Message
	offers        map[string][]JobOffer

	meErr, listErr, sendErr, markErr, offerErr error
	listOffersErr                              error
	sendDelay                                  time.Duration
	historyHook                                func(conversationID string)

	listCalls int
	markReads []markReadCall
	updates   []string
	seq       int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		user:     &User{ID: "me", Name: "Me", Role: RoleClient},
		messages: make(map[string][]Message),
		offers:   make(map[string][]JobOffer),
	}
}

func (g *fakeGateway) Me(ctx context.Context) (*User, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.meErr != nil {
		return nil, g.meErr
	}
	u := *g.user
	return &u, nil
}

func (g *fakeGateway) Conversations(ctx context.Context) ([]Conversation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listCalls++
	if g.listErr != nil {
		return nil, g.listErr
	}
	return slices.Clone(g.conversations), nil
}

func (g *fakeGateway) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	g.mu.Lock()
	hook := g.historyHook
	out := slices.Clone(g.messages[conversationID])
	g.mu.Unlock()
	if hook != nil {
		hook(conversationID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *fakeGateway) SendMessage(ctx context.Context, conversationID, text string) (*Message, error) {
	g.mu.Lock()
	delay, err := g.sendDelay, g.sendErr
	g.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	m := Message{
		ID:             fmt.Sprintf("srv-%d", g.seq),
		ConversationID: conversationID,
		SenderID:       g.user.ID,
		Text:           text,
		CreatedAt:      time.Now(),
	}
	g.messages[conversationID] = append(g.messages[conversationID], m)
	return &m, nil
}

func (g *fakeGateway) MarkRead(ctx context.Context, conversationID, lastReadMessageID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.markReads = append(g.markReads, markReadCall{conversationID, lastReadMessageID})
	return g.markErr
}

func (g *fakeGateway) Offers(ctx context.Context, conversationID string) ([]JobOffer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listOffersErr != nil {
		return nil, g.listOffersErr
	}
	return slices.Clone(g.offers[conversationID]), nil
}

func (g *fakeGateway) CreateOffer(ctx context.Context, conversationID string, draft OfferDraft) (*JobOffer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.offerErr != nil {
		return nil, g.offerErr
	}
	g.seq++
	o := JobOffer{
		ID:             fmt.Sprintf("off-%d", g.seq),
		ConversationID: conversationID,
		OrderCode:      fmt.Sprintf("ORD-%04d", g.seq),
		Price:          draft.Price,
		Title:          draft.Title,
		RevisionCount:  draft.RevisionCount,
		Status:         OfferPending,
		CreatedAt:      time.Now(),
	}
	g.offers[conversationID] = append([]JobOffer{o}, g.offers[conversationID]...)
	return &o, nil
}

func (g *fakeGateway) UpdateOffer(ctx context.Context, offerID string, draft OfferDraft) (*JobOffer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates = append(g.updates, offerID)
	if g.offerErr != nil {
		return nil, g.offerErr
	}
	o, ok := g.findOfferLocked(offerID)
	if !ok {
		return nil, &APIError{Status: 404, Code: "not_found", Message: "offer not found"}
	}
	o.Price, o.Title, o.RevisionCount = draft.Price, draft.Title, draft.RevisionCount
	return o, nil
}

func (g *fakeGateway) DeliverOffer(ctx context.Context, offerID string, d Delivery) (*JobOffer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.findOfferLocked(offerID)
	if !ok {
		return nil, &APIError{Status: 404, Code: "not_found"}
	}
	o.Status = OfferDelivered
	o.DeliveredLink = d.Link
	return o, nil
}

func (g *fakeGateway) RequestRevision(ctx context.Context, offerID string) (*JobOffer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.findOfferLocked(offerID)
	if !ok {
		return nil, &APIError{Status: 404, Code: "not_found"}
	}
	o.Status = OfferWorking
	o.UsedRevisionCount++
	return o, nil
}

// findOfferLocked returns a copy of the stored offer.
func (g *fakeGateway) findOfferLocked(offerID string) (*JobOffer, bool) {
	for _, list := range g.offers {
		for _, o := range list {
			if o.ID == offerID {
				return &o, true
			}
		}
	}
	return nil, false
}

func (g *fakeGateway) reads() []markReadCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.markReads)
}

func (g *fakeGateway) conversationLoads() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listCalls
}

func (g *fakeGateway) set(fn func(g *fakeGateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

// fakeChannel is a RealtimeChannel driven by the test.
type fakeChannel struct {
	mu        sync.Mutex
	handlers  []EventHandler
	opens     []func()
	connected bool
	connects  []string
	closed    int
}

func (c *fakeChannel) Connect(ctx context.Context, userID string) error {
	c.mu.Lock()
	c.connected = true
	c.connects = append(c.connects, userID)
	opens := slices.Clone(c.opens)
	c.mu.Unlock()
	for _, fn := range opens {
		fn()
	}
	return nil
}

func (c *fakeChannel) Send(ctx context.Context, v any) error { return nil }

func (c *fakeChannel) OnEvent(h EventHandler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

func (c *fakeChannel) OnOpen(h func()) {
	c.mu.Lock()
	c.opens = append(c.opens, h)
	c.mu.Unlock()
}

func (c *fakeChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.connected = false
	c.closed++
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) emit(ev Event) {
	c.mu.Lock()
	handlers := slices.Clone(c.handlers)
	c.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}
