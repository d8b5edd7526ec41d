package sandbox

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const userKey = "user_id"

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respond(c echo.Context, status int, data any) error {
	return c.JSON(status, map[string]any{"data": data})
}

func fail(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]any{"error": apiError{Code: code, Message: message}})
}

func failWith(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fail(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrNotParticipant):
		return fail(c, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, ErrConflict):
		return fail(c, http.StatusConflict, "conflict", err.Error())
	}
	return fail(c, http.StatusInternalServerError, "internal", err.Error())
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/ws/:user_id", s.handleWebSocket, s.authenticate)

	mw := []echo.MiddlewareFunc{s.authenticate, s.delay}
	e.GET("/me", s.me, mw...)
	e.GET("/chat/conversations", s.listConversations, mw...)
	e.GET("/chat/conversations/:id/messages", s.listMessages, mw...)
	e.POST("/chat/conversations/:id/messages", s.postMessage, mw...)
	e.PATCH("/chat/conversations/:id/read", s.markRead, mw...)
	e.GET("/chat/conversations/:id/offers", s.listOffers, mw...)
	e.POST("/chat/conversations/:id/offers", s.createOffer, mw...)
	e.PUT("/job-offers/:id", s.updateOffer, mw...)
	e.POST("/job-offers/:id/deliver", s.deliverOffer, mw...)
	e.POST("/job-offers/:id/revision", s.requestRevision, mw...)
	return e
}

// authenticate resolves the bearer token to a user id.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		userID, ok := s.tokens[token]
		s.mu.Unlock()
		if !ok {
			return fail(c, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
		}
		c.Set(userKey, userID)
		return next(c)
	}
}

func (s *Server) delay(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if d := time.Duration(s.latency.Load()); d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-c.Request().Context().Done():
				return c.Request().Context().Err()
			}
		}
		return next(c)
	}
}

func currentUser(c echo.Context) string {
	id, _ := c.Get(userKey).(string)
	return id
}

// GET /me
func (s *Server) me(c echo.Context) error {
	s.mu.Lock()
	u, ok := s.users[currentUser(c)]
	s.mu.Unlock()
	if !ok {
		return fail(c, http.StatusNotFound, "not_found", "user not found")
	}
	return respond(c, http.StatusOK, u)
}

// GET /chat/conversations
func (s *Server) listConversations(c echo.Context) error {
	userID := currentUser(c)
	s.mu.Lock()
	out := make([]Conversation, 0)
	for _, conv := range s.conversations {
		if conv.BuyerID == userID || conv.SellerID == userID {
			out = append(out, s.viewLocked(conv, userID))
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Conversation) int { return b.UpdatedAt.Compare(a.UpdatedAt) })
	return respond(c, http.StatusOK, out)
}

// GET /chat/conversations/:id/messages?limit=N
func (s *Server) listMessages(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fail(c, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		}
		limit = n
	}

	s.mu.Lock()
	conv, err := s.participantLocked(c.Param("id"), currentUser(c))
	if err != nil {
		s.mu.Unlock()
		return failWith(c, err)
	}
	msgs := conv.messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := slices.Clone(msgs)
	s.mu.Unlock()

	if out == nil {
		out = []Message{}
	}
	return respond(c, http.StatusOK, out)
}

// POST /chat/conversations/:id/messages
func (s *Server) postMessage(c echo.Context) error {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid_body", "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return fail(c, http.StatusBadRequest, "empty_text", "text is required")
	}

	conversationID := c.Param("id")
	s.mu.Lock()
	if _, err := s.participantLocked(conversationID, currentUser(c)); err != nil {
		s.mu.Unlock()
		return failWith(c, err)
	}
	m, err := s.appendMessageLocked(conversationID, currentUser(c), req.Text, "")
	s.mu.Unlock()
	if err != nil {
		return failWith(c, err)
	}

	s.broadcast(conversationID, frame{Type: "new_message", Message: &m})
	return respond(c, http.StatusCreated, m)
}

// PATCH /chat/conversations/:id/read
func (s *Server) markRead(c echo.Context) error {
	var req struct {
		LastReadMessageID string `json:"last_read_message_id"`
	}
	if err := c.Bind(&req); err != nil || req.LastReadMessageID == "" {
		return fail(c, http.StatusBadRequest, "invalid_body", "last_read_message_id is required")
	}

	userID := currentUser(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, err := s.participantLocked(c.Param("id"), userID)
	if err != nil {
		return failWith(c, err)
	}
	if !slices.ContainsFunc(conv.messages, func(m Message) bool { return m.ID == req.LastReadMessageID }) {
		return fail(c, http.StatusNotFound, "not_found", "message not found")
	}
	conv.lastRead[userID] = req.LastReadMessageID
	return respond(c, http.StatusOK, map[string]bool{"ok": true})
}

// GET /chat/conversations/:id/offers
func (s *Server) listOffers(c echo.Context) error {
	conversationID := c.Param("id")
	s.mu.Lock()
	if _, err := s.participantLocked(conversationID, currentUser(c)); err != nil {
		s.mu.Unlock()
		return failWith(c, err)
	}
	out := make([]Offer, 0)
	for _, o := range s.offers {
		if o.ConversationID == conversationID {
			out = append(out, *o)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b Offer) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return respond(c, http.StatusOK, out)
}

// POST /chat/conversations/:id/offers
func (s *Server) createOffer(c echo.Context) error {
	var req OfferFields
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid_body", "invalid request body")
	}
	if msg := validateOffer(req); msg != "" {
		return fail(c, http.StatusBadRequest, "invalid_offer", msg)
	}

	conversationID, userID := c.Param("id"), currentUser(c)
	s.mu.Lock()
	conv, err := s.participantLocked(conversationID, userID)
	if err != nil {
		s.mu.Unlock()
		return failWith(c, err)
	}
	if conv.SellerID != userID {
		s.mu.Unlock()
		return fail(c, http.StatusForbidden, "forbidden", "only the provider can create offers")
	}
	o := &Offer{
		ID:             "off-" + uuid.NewString(),
		ConversationID: conversationID,
		OrderCode:      orderCode(),
		Status:         "pending",
		CreatedAt:      time.Now().UTC(),
	}
	applyFields(o, req)
	if o.ProductID == "" {
		o.ProductID = conv.ProductID
	}
	s.offers[o.ID] = o
	m, _ := s.appendMessageLocked(conversationID, userID, "Offer "+o.OrderCode+": "+o.Title, o.ID)
	out := *o
	s.mu.Unlock()

	s.broadcast(conversationID, frame{Type: "new_message", Message: &m, Offer: &out})
	return respond(c, http.StatusCreated, out)
}

// PUT /job-offers/:id
func (s *Server) updateOffer(c echo.Context) error {
	var req OfferFields
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid_body", "invalid request body")
	}
	if msg := validateOffer(req); msg != "" {
		return fail(c, http.StatusBadRequest, "invalid_offer", msg)
	}

	out, err := s.mutateOffer(c, func(o *Offer) error {
		if o.Status != "pending" {
			return ErrConflict
		}
		applyFields(o, req)
		return nil
	})
	if err != nil {
		return failWith(c, err)
	}
	return respond(c, http.StatusOK, out)
}

// POST /job-offers/:id/deliver
func (s *Server) deliverOffer(c echo.Context) error {
	var req struct {
		Link  string       `json:"delivered_link"`
		Files []Attachment `json:"delivered_files"`
	}
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid_body", "invalid request body")
	}
	if req.Link == "" && len(req.Files) == 0 {
		return fail(c, http.StatusBadRequest, "invalid_delivery", "a link or at least one file is required")
	}

	out, err := s.mutateOffer(c, func(o *Offer) error {
		if o.Status != "working" {
			return ErrConflict
		}
		o.Status = "delivered"
		o.DeliveredLink = req.Link
		o.DeliveredFiles = req.Files
		return nil
	})
	if err != nil {
		return failWith(c, err)
	}
	return respond(c, http.StatusOK, out)
}

// POST /job-offers/:id/revision
func (s *Server) requestRevision(c echo.Context) error {
	out, err := s.mutateOffer(c, func(o *Offer) error {
		if o.Status != "delivered" || o.UsedRevisionCount >= o.RevisionCount {
			return ErrConflict
		}
		o.Status = "working"
		o.UsedRevisionCount++
		return nil
	})
	if err != nil {
		return failWith(c, err)
	}
	return respond(c, http.StatusOK, out)
}

// mutateOffer applies fn to the offer named by the :id param and broadcasts the result.
func (s *Server) mutateOffer(c echo.Context, fn func(*Offer) error) (Offer, error) {
	s.mu.Lock()
	o, ok := s.offers[c.Param("id")]
	if !ok {
		s.mu.Unlock()
		return Offer{}, ErrNotFound
	}
	if _, err := s.participantLocked(o.ConversationID, currentUser(c)); err != nil {
		s.mu.Unlock()
		return Offer{}, err
	}
	if err := fn(o); err != nil {
		s.mu.Unlock()
		return Offer{}, err
	}
	out := *o
	s.mu.Unlock()

	s.broadcast(out.ConversationID, frame{Type: "offer_status_update", Offer: &out})
	return out, nil
}

func validateOffer(f OfferFields) string {
	switch {
	case strings.TrimSpace(f.Title) == "":
		return "title is required"
	case f.Price <= 0:
		return "price must be positive"
	case f.RevisionCount < 0:
		return "revision_count cannot be negative"
	}
	return ""
}

func applyFields(o *Offer, f OfferFields) {
	if f.ProductID != "" {
		o.ProductID = f.ProductID
	}
	o.Price = f.Price
	o.Title = f.Title
	o.Description = f.Description
	o.RevisionCount = f.RevisionCount
	o.StartDate = f.StartDate
	o.DeliveryDate = f.DeliveryDate
	o.DeliveryFormat = f.DeliveryFormat
	o.Notes = f.Notes
}
