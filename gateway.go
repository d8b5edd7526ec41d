// Package marketchat is the realtime conversation and negotiation client of the
// marketplace: a reconnecting message channel, conversation and message stores
// reconciled against the server, coalesced read acknowledgements, and a ledger
// of job offers negotiated inside conversations.
//
// Example:
//
//	gw := marketchat.NewClient(token, marketchat.WithBaseURL("https://api.example.com"))
//	ch := marketchat.NewChannel(marketchat.ChannelConfig{URL: "wss://rt.example.com/ws", Token: token})
//	s := marketchat.NewSession(gw, ch)
//	defer s.Teardown()
//
//	_ = s.Start(ctx, nil)
//	_ = s.Open(ctx, conversationID)
//	_, _ = s.Send(ctx, "Hello!")
package marketchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SessionGateway is the request/response API the client core depends on.
type SessionGateway interface {
	Me(ctx context.Context) (*User, error)
	Conversations(ctx context.Context) ([]Conversation, error)
	Messages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	SendMessage(ctx context.Context, conversationID, text string) (*Message, error)
	MarkRead(ctx context.Context, conversationID, lastReadMessageID string) error
	Offers(ctx context.Context, conversationID string) ([]JobOffer, error)
	CreateOffer(ctx context.Context, conversationID string, draft OfferDraft) (*JobOffer, error)
	UpdateOffer(ctx context.Context, offerID string, draft OfferDraft) (*JobOffer, error)
	DeliverOffer(ctx context.Context, offerID string, delivery Delivery) (*JobOffer, error)
	RequestRevision(ctx context.Context, offerID string) (*JobOffer, error)
}

const (
	DefaultTimeout      = 30 * time.Second
	DefaultHistoryLimit = 50
)

const tracerName = "github.com/gigmarket/marketchat"

// ============================================================================
// Client
// ============================================================================

// Client implements SessionGateway over HTTP+JSON.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
	tracer     trace.Tracer
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a gateway client authenticated with a session token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        slog.Default(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "gateway")
	return c
}

// SetToken replaces the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// result is the response envelope of every endpoint.
type result struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// do performs one round trip and decodes the envelope's data into out (if non-nil).
// route is the templated path used for span names; path is the concrete one.
func (c *Client) do(ctx context.Context, method, route, path string, body any, query url.Values, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "gateway "+method+" "+route,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", path),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.log.DebugContext(ctx, "gateway request failed", "method", method, "route", route, "error", err)
		}
		span.End()
	}()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, route, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var res result
	if len(data) > 0 {
		if err := json.Unmarshal(data, &res); err != nil {
			if resp.StatusCode >= 300 {
				return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
			}
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	if resp.StatusCode >= 300 || res.Error != nil {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if res.Error != nil {
			apiErr.Code = res.Error.Code
			if res.Error.Message != "" {
				apiErr.Message = res.Error.Message
			}
		}
		return apiErr
	}

	if out == nil || len(res.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Data, out); err != nil {
		return fmt.Errorf("unmarshal %s data: %w", route, err)
	}
	return nil
}

func decodeInto[T any](ctx context.Context, c *Client, method, route, path string, body any, query url.Values) (*T, error) {
	var out T
	if err := c.do(ctx, method, route, path, body, query, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ============================================================================
// SessionGateway
// ============================================================================

func (c *Client) Me(ctx context.Context) (*User, error) {
	return decodeInto[User](ctx, c, http.MethodGet, "/me", "/me", nil, nil)
}

func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.do(ctx, http.MethodGet, "/chat/conversations", "/chat/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Messages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	var out []Message
	err := c.do(ctx, http.MethodGet, "/chat/conversations/{id}/messages",
		"/chat/conversations/"+url.PathEscape(conversationID)+"/messages", nil, q, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID, text string) (*Message, error) {
	return decodeInto[Message](ctx, c, http.MethodPost, "/chat/conversations/{id}/messages",
		"/chat/conversations/"+url.PathEscape(conversationID)+"/messages",
		map[string]string{"text": text}, nil)
}

func (c *Client) MarkRead(ctx context.Context, conversationID, lastReadMessageID string) error {
	return c.do(ctx, http.MethodPatch, "/chat/conversations/{id}/read",
		"/chat/conversations/"+url.PathEscape(conversationID)+"/read",
		map[string]string{"last_read_message_id": lastReadMessageID}, nil, nil)
}

func (c *Client) Offers(ctx context.Context, conversationID string) ([]JobOffer, error) {
	var out []JobOffer
	err := c.do(ctx, http.MethodGet, "/chat/conversations/{id}/offers",
		"/chat/conversations/"+url.PathEscape(conversationID)+"/offers", nil, nil, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateOffer(ctx context.Context, conversationID string, draft OfferDraft) (*JobOffer, error) {
	return decodeInto[JobOffer](ctx, c, http.MethodPost, "/chat/conversations/{id}/offers",
		"/chat/conversations/"+url.PathEscape(conversationID)+"/offers", draft, nil)
}

func (c *Client) UpdateOffer(ctx context.Context, offerID string, draft OfferDraft) (*JobOffer, error) {
	return decodeInto[JobOffer](ctx, c, http.MethodPut, "/job-offers/{id}",
		"/job-offers/"+url.PathEscape(offerID), draft, nil)
}

func (c *Client) DeliverOffer(ctx context.Context, offerID string, delivery Delivery) (*JobOffer, error) {
	return decodeInto[JobOffer](ctx, c, http.MethodPost, "/job-offers/{id}/deliver",
		"/job-offers/"+url.PathEscape(offerID)+"/deliver", delivery, nil)
}

func (c *Client) RequestRevision(ctx context.Context, offerID string) (*JobOffer, error) {
	return decodeInto[JobOffer](ctx, c, http.MethodPost, "/job-offers/{id}/revision",
		"/job-offers/"+url.PathEscape(offerID)+"/revision", struct{}{}, nil)
}
