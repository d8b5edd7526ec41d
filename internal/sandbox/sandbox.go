// Package sandbox is an in-memory marketplace chat server implementing the
// gateway REST routes and the realtime websocket endpoint. It backs the
// client's end-to-end tests and the `marketchat sandbox` command.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrNotParticipant = errors.New("not a participant")
	ErrConflict       = errors.New("conflict")
)

// ============================================================================
// Wire types
// ============================================================================

type Profile struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

type User struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Role    string   `json:"role"`
	Profile *Profile `json:"profile,omitempty"`
}

type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Type string `json:"type"`
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

type Conversation struct {
	ID          string    `json:"id"`
	BuyerID     string    `json:"buyer_id"`
	SellerID    string    `json:"seller_id"`
	ProductID   string    `json:"product_id,omitempty"`
	LastMessage *Message  `json:"last_message,omitempty"`
	UnreadCount int       `json:"unread_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Offer struct {
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
	Status            string       `json:"status"`
	DeliveredLink     string       `json:"delivered_link,omitempty"`
	DeliveredFiles    []Attachment `json:"delivered_files,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// OfferFields is the editable part of an offer.
type OfferFields struct {
	ProductID      string  `json:"product_id"`
	Price          float64 `json:"price"`
	Title          string  `json:"title"`
	Description    string  `json:"description"`
	RevisionCount  int     `json:"revision_count"`
	StartDate      string  `json:"start_date"`
	DeliveryDate   string  `json:"delivery_date"`
	DeliveryFormat string  `json:"delivery_format"`
	Notes          string  `json:"notes"`
}

type frame struct {
	Type    string   `json:"type"`
	Message *Message `json:"message,omitempty"`
	Offer   *Offer   `json:"offer,omitempty"`
}

// ============================================================================
// Server
// ============================================================================

type Config struct {
	// Latency delays every REST response.
	Latency time.Duration
	// PingInterval is the period of application-level {"type":"ping"} frames; zero disables them.
	PingInterval time.Duration
	Logger       *slog.Logger
}

type conversation struct {
	Conversation
	messages []Message
	lastRead map[string]string
}

type Server struct {
	cfg      Config
	log      *slog.Logger
	echo     *echo.Echo
	upgrader websocket.Upgrader
	latency  atomic.Int64

	mu            sync.Mutex
	users         map[string]User
	tokens        map[string]string
	conversations map[string]*conversation
	offers        map[string]*Offer
	clients       map[string]map[*client]struct{}
	pongs         map[string]int
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg: cfg,
		log: cfg.Logger.With("component", "sandbox"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		users:         make(map[string]User),
		tokens:        make(map[string]string),
		conversations: make(map[string]*conversation),
		offers:        make(map[string]*Offer),
		clients:       make(map[string]map[*client]struct{}),
		pongs:         make(map[string]int),
	}
	s.latency.Store(int64(cfg.Latency))
	s.echo = s.routes()
	return s
}

// Handler returns the HTTP handler serving both REST and websocket routes.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.DropConnections()
	return s.echo.Shutdown(ctx)
}

func (s *Server) SetLatency(d time.Duration) {
	s.latency.Store(int64(d))
}

// AddUser registers a user and returns its bearer token.
func (s *Server) AddUser(u User) string {
	if u.ID == "" {
		u.ID = "usr-" + uuid.NewString()[:8]
	}
	token := "tok-" + uuid.NewString()
	s.mu.Lock()
	s.users[u.ID] = u
	s.tokens[token] = u.ID
	s.mu.Unlock()
	return token
}

// AddConversation opens a conversation between buyer and seller.
func (s *Server) AddConversation(buyerID, sellerID, productID string) string {
	id := "conv-" + uuid.NewString()[:8]
	s.mu.Lock()
	s.conversations[id] = &conversation{
		Conversation: Conversation{
			ID:        id,
			BuyerID:   buyerID,
			SellerID:  sellerID,
			ProductID: productID,
			UpdatedAt: time.Now().UTC(),
		},
		lastRead: make(map[string]string),
	}
	s.mu.Unlock()
	return id
}

// PushMessage stores a message from senderID and delivers it to both
// participants over the realtime endpoint.
func (s *Server) PushMessage(conversationID, senderID, text string) (Message, error) {
	s.mu.Lock()
	m, err := s.appendMessageLocked(conversationID, senderID, text, "")
	s.mu.Unlock()
	if err != nil {
		return Message{}, err
	}
	s.broadcast(conversationID, frame{Type: "new_message", Message: &m})
	return m, nil
}

// PushOfferStatus forces an offer into status and broadcasts the change.
func (s *Server) PushOfferStatus(offerID, status string) (Offer, error) {
	s.mu.Lock()
	o, ok := s.offers[offerID]
	if !ok {
		s.mu.Unlock()
		return Offer{}, fmt.Errorf("offer %s: %w", offerID, ErrNotFound)
	}
	o.Status = status
	out := *o
	s.mu.Unlock()

	s.broadcast(out.ConversationID, frame{Type: "offer_status_update", Offer: &out})
	return out, nil
}

// Send writes a raw frame to every connection of userID.
func (s *Server) Send(userID string, data []byte) {
	s.mu.Lock()
	targets := s.clientsLocked(userID)
	s.mu.Unlock()
	for _, c := range targets {
		c.enqueue(data)
	}
}

// DropConnections closes every websocket abruptly, without a close handshake.
func (s *Server) DropConnections() {
	s.mu.Lock()
	var all []*client
	for _, set := range s.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	s.mu.Unlock()
	for _, c := range all {
		c.close()
	}
}

// Connections counts the open websockets of userID.
func (s *Server) Connections(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients[userID])
}

// Pongs counts the pong frames received from userID.
func (s *Server) Pongs(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pongs[userID]
}

// Messages returns the stored history of a conversation.
func (s *Server) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[conversationID]; ok {
		return slices.Clone(c.messages)
	}
	return nil
}

// LastRead returns the read position of userID in a conversation.
func (s *Server) LastRead(conversationID, userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[conversationID]; ok {
		return c.lastRead[userID]
	}
	return ""
}

// Seeded describes the demo data created by Seed.
type Seeded struct {
	BuyerToken     string
	SellerToken    string
	BuyerID        string
	SellerID       string
	ConversationID string
}

// Seed creates a buyer, a seller and one conversation between them.
func (s *Server) Seed() Seeded {
	buyer := User{ID: "usr-buyer", Name: "Bea Buyer", Role: "client"}
	seller := User{ID: "usr-seller", Name: "Sam Seller", Role: "provider", Profile: &Profile{DisplayName: "Sam's Studio"}}
	out := Seeded{
		BuyerToken:  s.AddUser(buyer),
		SellerToken: s.AddUser(seller),
		BuyerID:     buyer.ID,
		SellerID:    seller.ID,
	}
	out.ConversationID = s.AddConversation(buyer.ID, seller.ID, "prd-logo-design")
	_, _ = s.PushMessage(out.ConversationID, seller.ID, "Hi! Thanks for reaching out.")
	return out
}

func (s *Server) appendMessageLocked(conversationID, senderID, text, offerID string) (Message, error) {
	c, ok := s.conversations[conversationID]
	if !ok {
		return Message{}, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if senderID != c.BuyerID && senderID != c.SellerID {
		return Message{}, ErrNotParticipant
	}
	now := time.Now().UTC()
	if n := len(c.messages); n > 0 && !now.After(c.messages[n-1].CreatedAt) {
		now = c.messages[n-1].CreatedAt.Add(time.Microsecond)
	}
	m := Message{
		ID:             "msg-" + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		OfferID:        offerID,
		CreatedAt:      now,
	}
	c.messages = append(c.messages, m)
	c.LastMessage = &m
	c.UpdatedAt = now
	c.lastRead[senderID] = m.ID
	return m, nil
}

// viewLocked renders a conversation for userID, with its unread count.
func (s *Server) viewLocked(c *conversation, userID string) Conversation {
	out := c.Conversation
	if c.LastMessage != nil {
		last := *c.LastMessage
		out.LastMessage = &last
	}
	start := 0
	if id := c.lastRead[userID]; id != "" {
		if i := slices.IndexFunc(c.messages, func(m Message) bool { return m.ID == id }); i >= 0 {
			start = i + 1
		}
	}
	for _, m := range c.messages[start:] {
		if m.SenderID != userID {
			out.UnreadCount++
		}
	}
	return out
}

func (s *Server) participantLocked(conversationID, userID string) (*conversation, error) {
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if userID != c.BuyerID && userID != c.SellerID {
		return nil, ErrNotParticipant
	}
	return c, nil
}

func (s *Server) clientsLocked(userID string) []*client {
	out := make([]*client, 0, len(s.clients[userID]))
	for c := range s.clients[userID] {
		out = append(out, c)
	}
	return out
}

func orderCode() string {
	return "ORD-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
