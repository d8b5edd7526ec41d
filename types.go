package marketchat

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrNotConnected         = errors.New("realtime channel not connected")
	ErrClosed               = errors.New("closed")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrEmptyMessage         = errors.New("message text is empty")
	ErrStaleResponse        = errors.New("response belongs to a conversation that is no longer active")
	ErrUnknownOffer         = errors.New("offer not found")
	ErrOfferNotEditable     = errors.New("offer can only be edited while pending")
	ErrInvalidTransition    = errors.New("invalid offer status transition")
	ErrRevisionLimit        = errors.New("no revisions left on this offer")
)

// APIError is returned by the gateway for non-2xx responses.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error (%d) %s: %s", e.Status, e.Code, e.Message)
}

// ============================================================================
// Users
// ============================================================================

type Role string

const (
	RoleClient   Role = "client"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

type PublicProfile struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

type User struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Role    Role           `json:"role"`
	Profile *PublicProfile `json:"profile,omitempty"`
}

// DisplayName prefers the public profile override.
func (u User) DisplayName() string {
	if u.Profile != nil && u.Profile.DisplayName != "" {
		return u.Profile.DisplayName
	}
	return u.Name
}

// ============================================================================
// Conversations and messages
// ============================================================================

type Conversation struct {
	ID          string    `json:"id"`
	BuyerID     string    `json:"buyer_id"`
	SellerID    string    `json:"seller_id"`
	ProductID   string    `json:"product_id,omitempty"`
	LastMessage *Message  `json:"last_message,omitempty"`
	UnreadCount int       `json:"unread_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Counterpart returns the participant that is not userID.
func (c Conversation) Counterpart(userID string) string {
	if c.BuyerID == userID {
		return c.SellerID
	}
	return c.BuyerID
}

type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// TempIDPrefix marks ids generated locally for messages the server has not confirmed yet.
const TempIDPrefix = "tmp-"

// IsTempID reports whether id was generated locally.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Text           string      `json:"text"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	OfferID        string      `json:"offer_id,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Identity is the message's id tagged as pending (local) or confirmed (server-assigned).
type Identity struct {
	ID      string
	Pending bool
}

func (m Message) Identity() Identity {
	return Identity{ID: m.ID, Pending: IsTempID(m.ID)}
}

// ============================================================================
// Job offers
// ============================================================================

type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferPaid      OfferStatus = "paid"
	OfferWorking   OfferStatus = "working"
	OfferDelivered OfferStatus = "delivered"
	OfferCompleted OfferStatus = "completed"
	OfferCancelled OfferStatus = "cancelled"
)

var statusRank = map[OfferStatus]int{
	OfferPending:   0,
	OfferPaid:      1,
	OfferWorking:   2,
	OfferDelivered: 3,
	OfferCompleted: 4,
}

// Terminal reports whether no further transition is possible.
func (s OfferStatus) Terminal() bool {
	return s == OfferCompleted || s == OfferCancelled
}

func (s OfferStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == OfferCancelled
}

// CanTransition reports whether a single explicit step from s to next is allowed.
func (s OfferStatus) CanTransition(next OfferStatus) bool {
	switch s {
	case OfferPending:
		return next == OfferPaid || next == OfferCancelled
	case OfferPaid:
		return next == OfferWorking || next == OfferCancelled
	case OfferWorking:
		return next == OfferDelivered || next == OfferCancelled
	case OfferDelivered:
		return next == OfferCompleted || next == OfferWorking
	}
	return false
}

type JobOffer struct {
	ID                string       `json:"id"`
	ConversationID    string       `json:"conversation_id"`
	ProductID         string       `json:"product_id,omitempty"`
	OrderCode         string       `json:"order_code"`
	Price             float64      `json:"price"`
	Title             string       `json:"title"`
	Description       string       `json:"description,omitempty"`
	RevisionCount     int          `json:"revision_count"`
	UsedRevisionCount int          `json:"used_revision_count"`
	StartDate         string       `json:"start_date,omitempty"`
	DeliveryDate      string       `json:"delivery_date,omitempty"`
	DeliveryFormat    string       `json:"delivery_format,omitempty"`
	Notes             string       `json:"notes,omitempty"`
	Status            OfferStatus  `json:"status"`
	DeliveredLink     string       `json:"delivered_link,omitempty"`
	DeliveredFiles    []Attachment `json:"delivered_files,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// RevisionsLeft is the number of revision requests still available.
func (o JobOffer) RevisionsLeft() int {
	if left := o.RevisionCount - o.UsedRevisionCount; left > 0 {
		return left
	}
	return 0
}

// Transition returns a copy of o moved to next, consuming a revision unit when a
// delivered offer is sent back to working.
func (o JobOffer) Transition(next OfferStatus) (JobOffer, error) {
	if !o.Status.CanTransition(next) {
		return o, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	if o.Status == OfferDelivered && next == OfferWorking {
		if o.UsedRevisionCount >= o.RevisionCount {
			return o, ErrRevisionLimit
		}
		o.UsedRevisionCount++
	}
	o.Status = next
	return o, nil
}

// checkReplacement validates a server-pushed replacement for o. Pushes may skip
// intermediate states after a missed event, but a terminal offer stays terminal
// and only a revision moves status backwards.
func (o JobOffer) checkReplacement(next JobOffer) error {
	if !next.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next.Status)
	}
	if next.UsedRevisionCount > next.RevisionCount || next.UsedRevisionCount < 0 {
		return ErrRevisionLimit
	}
	if o.Status == next.Status {
		return nil
	}
	if o.Status.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, o.Status)
	}
	if next.Status == OfferCancelled {
		if o.Status == OfferDelivered {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next.Status)
		}
		return nil
	}
	if o.Status == OfferDelivered && next.Status == OfferWorking {
		if o.UsedRevisionCount >= o.RevisionCount {
			return ErrRevisionLimit
		}
		return nil
	}
	if statusRank[next.Status] < statusRank[o.Status] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next.Status)
	}
	return nil
}

// OfferDraft is the editable part of an offer, sent on create and full-replacement update.
type OfferDraft struct {
	ProductID      string  `json:"product_id,omitempty"`
	Price          float64 `json:"price"`
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	RevisionCount  int     `json:"revision_count"`
	StartDate      string  `json:"start_date,omitempty"`
	DeliveryDate   string  `json:"delivery_date,omitempty"`
	DeliveryFormat string  `json:"delivery_format,omitempty"`
	Notes          string  `json:"notes,omitempty"`
}

func (d OfferDraft) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return errors.New("offer title is required")
	}
	if d.Price <= 0 {
		return errors.New("offer price must be positive")
	}
	if d.RevisionCount < 0 {
		return errors.New("revision count cannot be negative")
	}
	return nil
}

// Delivery is the delivered-work reference attached when a provider delivers.
type Delivery struct {
	Link  string       `json:"delivered_link,omitempty"`
	Files []Attachment `json:"delivered_files,omitempty"`
}

// ============================================================================
// Realtime events
// ============================================================================

type EventKind string

const (
	EventMessage     EventKind = "message"
	EventNewMessage  EventKind = "new_message"
	EventOfferStatus EventKind = "offer_status_update"
	EventPing        EventKind = "ping"
	EventPong        EventKind = "pong"
	EventHeartbeat   EventKind = "heartbeat"
)

// Envelope is the wire format of every realtime frame.
type Envelope struct {
	Type    EventKind `json:"type"`
	Message *Message  `json:"message,omitempty"`
	Offer   *JobOffer `json:"offer,omitempty"`
}

// Event is a parsed inbound realtime event. Exactly one of Message/Offer is
// meaningful for its Kind, except new_message which may carry both.
type Event struct {
	Kind    EventKind
	Message *Message
	Offer   *JobOffer
}

// EventHandler receives accepted inbound events.
type EventHandler func(Event)

// ParseEvent decodes a realtime frame. Unknown tags and frames missing their
// payload are reported as errors so callers can drop them.
func ParseEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.Type {
	case EventMessage, EventNewMessage:
		if env.Message == nil || env.Message.ID == "" || env.Message.ConversationID == "" {
			return Event{}, fmt.Errorf("%s event without message", env.Type)
		}
		ev := Event{Kind: env.Type, Message: env.Message}
		if env.Offer != nil && env.Offer.ID != "" {
			ev.Offer = env.Offer
		}
		return ev, nil
	case EventOfferStatus:
		if env.Offer == nil || env.Offer.ID == "" {
			return Event{}, fmt.Errorf("%s event without offer", env.Type)
		}
		return Event{Kind: env.Type, Offer: env.Offer}, nil
	case EventPing, EventHeartbeat:
		return Event{Kind: EventPing}, nil
	case "":
		return Event{}, errors.New("envelope without type")
	}
	return Event{}, fmt.Errorf("unknown event type %q", env.Type)
}
