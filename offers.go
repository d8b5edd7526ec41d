package marketchat

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// OfferUpdate is published after every change to a conversation's offers.
type OfferUpdate struct {
	ConversationID string
	Offers         []JobOffer
}

// OfferLedger tracks the job offers of each conversation, most recently
// created first.
type OfferLedger struct {
	gw  SessionGateway
	log *slog.Logger
	obs *observers[OfferUpdate]

	mu     sync.Mutex
	offers map[string][]JobOffer
	owner  map[string]string // offer id -> conversation id
}

func NewOfferLedger(gw SessionGateway, log *slog.Logger) *OfferLedger {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "offers")
	return &OfferLedger{
		gw:     gw,
		log:    log,
		obs:    newObservers[OfferUpdate](log),
		offers: make(map[string][]JobOffer),
		owner:  make(map[string]string),
	}
}

// Load fetches the conversation's offers and replaces the local list. If
// isCurrent reports false once the response arrives, nothing is applied.
func (l *OfferLedger) Load(ctx context.Context, conversationID string, isCurrent func() bool) ([]JobOffer, error) {
	list, err := l.gw.Offers(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load offers %s: %w", conversationID, err)
	}
	if isCurrent != nil && !isCurrent() {
		return nil, ErrStaleResponse
	}

	l.mu.Lock()
	for _, o := range l.offers[conversationID] {
		delete(l.owner, o.ID)
	}
	list = slices.Clone(list)
	for i := range list {
		if list[i].ConversationID == "" {
			list[i].ConversationID = conversationID
		}
		l.owner[list[i].ID] = conversationID
	}
	l.offers[conversationID] = list
	out := slices.Clone(list)
	l.mu.Unlock()

	l.obs.notify(OfferUpdate{ConversationID: conversationID, Offers: out})
	return out, nil
}

// Create persists a new offer in the conversation and prepends it.
func (l *OfferLedger) Create(ctx context.Context, conversationID string, draft OfferDraft) (*JobOffer, error) {
	if conversationID == "" {
		return nil, ErrNoActiveConversation
	}
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	o, err := l.gw.CreateOffer(ctx, conversationID, draft)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if o.ConversationID == "" {
		o.ConversationID = conversationID
	}
	l.insert(*o)
	l.log.Info("offer created", "offer_id", o.ID, "conversation_id", conversationID, "order_code", o.OrderCode)
	return o, nil
}

// Update sends a full replacement of a pending offer. The ledger is left
// untouched; the confirming status event carries the new state.
func (l *OfferLedger) Update(ctx context.Context, offerID string, draft OfferDraft) (*JobOffer, error) {
	cur, ok := l.Get(offerID)
	if !ok {
		return nil, ErrUnknownOffer
	}
	if cur.Status != OfferPending {
		return nil, fmt.Errorf("%w: status is %s", ErrOfferNotEditable, cur.Status)
	}
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	o, err := l.gw.UpdateOffer(ctx, offerID, draft)
	if err != nil {
		return nil, fmt.Errorf("update offer: %w", err)
	}
	return o, nil
}

// Deliver attaches delivered work to a working offer.
func (l *OfferLedger) Deliver(ctx context.Context, offerID string, d Delivery) (*JobOffer, error) {
	cur, ok := l.Get(offerID)
	if !ok {
		return nil, ErrUnknownOffer
	}
	if !cur.Status.CanTransition(OfferDelivered) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, OfferDelivered)
	}
	o, err := l.gw.DeliverOffer(ctx, offerID, d)
	if err != nil {
		return nil, fmt.Errorf("deliver offer: %w", err)
	}
	l.ApplyStatusEvent(*o)
	return o, nil
}

// RequestRevision sends a delivered offer back to working. It is refused
// locally, without a round trip, when no revision units are left.
func (l *OfferLedger) RequestRevision(ctx context.Context, offerID string) (*JobOffer, error) {
	cur, ok := l.Get(offerID)
	if !ok {
		return nil, ErrUnknownOffer
	}
	if _, err := cur.Transition(OfferWorking); err != nil {
		return nil, err
	}
	o, err := l.gw.RequestRevision(ctx, offerID)
	if err != nil {
		return nil, fmt.Errorf("request revision: %w", err)
	}
	l.ApplyStatusEvent(*o)
	return o, nil
}

// ApplyStatusEvent replaces a known offer wholesale. Unknown offers and
// replacements that break the status machine are ignored.
func (l *OfferLedger) ApplyStatusEvent(o JobOffer) bool {
	l.mu.Lock()
	conversationID, ok := l.owner[o.ID]
	if !ok {
		l.mu.Unlock()
		l.log.Debug("ignoring status of unknown offer", "offer_id", o.ID)
		return false
	}
	list := l.offers[conversationID]
	i := slices.IndexFunc(list, func(x JobOffer) bool { return x.ID == o.ID })
	if i < 0 {
		l.mu.Unlock()
		return false
	}
	if err := list[i].checkReplacement(o); err != nil {
		l.mu.Unlock()
		l.log.Warn("rejected offer status", "offer_id", o.ID, "from", list[i].Status, "to", o.Status, "error", err)
		return false
	}
	o.ConversationID = conversationID
	list[i] = o
	out := slices.Clone(list)
	l.mu.Unlock()

	l.obs.notify(OfferUpdate{ConversationID: conversationID, Offers: out})
	return true
}

// ApplyEmbedded handles an offer carried by a new message: new offers are
// prepended, known ones go through ApplyStatusEvent.
func (l *OfferLedger) ApplyEmbedded(o JobOffer) bool {
	if o.ID == "" || o.ConversationID == "" {
		return false
	}
	if _, ok := l.Get(o.ID); ok {
		return l.ApplyStatusEvent(o)
	}
	l.insert(o)
	return true
}

// Current returns the offer governing the conversation's order state: the most
// recently created one.
func (l *OfferLedger) Current(conversationID string) (JobOffer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if list := l.offers[conversationID]; len(list) > 0 {
		return list[0], true
	}
	return JobOffer{}, false
}

func (l *OfferLedger) List(conversationID string) []JobOffer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.offers[conversationID])
}

func (l *OfferLedger) Get(offerID string) (JobOffer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	conversationID, ok := l.owner[offerID]
	if !ok {
		return JobOffer{}, false
	}
	for _, o := range l.offers[conversationID] {
		if o.ID == offerID {
			return o, true
		}
	}
	return JobOffer{}, false
}

func (l *OfferLedger) Subscribe(fn func(OfferUpdate)) (cancel func()) {
	return l.obs.subscribe(fn)
}

func (l *OfferLedger) insert(o JobOffer) {
	l.mu.Lock()
	if _, ok := l.owner[o.ID]; ok {
		l.mu.Unlock()
		l.ApplyStatusEvent(o)
		return
	}
	l.owner[o.ID] = o.ConversationID
	l.offers[o.ConversationID] = append([]JobOffer{o}, l.offers[o.ConversationID]...)
	out := slices.Clone(l.offers[o.ConversationID])
	l.mu.Unlock()

	l.obs.notify(OfferUpdate{ConversationID: o.ConversationID, Offers: out})
}
