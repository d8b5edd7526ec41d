package marketchat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigmarket/marketchat/internal/sandbox"
)

type testEnv struct {
	server *sandbox.Server
	http   *httptest.Server
	seed   sandbox.Seeded
}

func newTestEnv(t *testing.T, cfg sandbox.Config) *testEnv {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	srv := sandbox.New(cfg)
	env := &testEnv{server: srv, seed: srv.Seed()}
	env.http = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.DropConnections()
		env.http.Close()
	})
	return env
}

func (e *testEnv) client(token string) *Client {
	return NewClient(token, WithBaseURL(e.http.URL), WithTimeout(5*time.Second), WithLogger(quietLogger()))
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
}

func TestClientIdentityAndConversations(t *testing.T) {
	env := newTestEnv(t, sandbox.Config{})
	ctx := context.Background()
	c := env.client(env.seed.SellerToken)

	me, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, env.seed.SellerID, me.ID)
	assert.Equal(t, RoleProvider, me.Role)
	assert.Equal(t, "Sam's Studio", me.DisplayName())

	convs, err := c.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, env.seed.ConversationID, convs[0].ID)
	assert.Equal(t, env.seed.BuyerID, convs[0].Counterpart(me.ID))
}

func TestClientMessagesAndReads(t *testing.T) {
	env := newTestEnv(t, sandbox.Config{})
	ctx := context.Background()
	buyer := env.client(env.seed.BuyerToken)
	convID := env.seed.ConversationID

	sent, err := buyer.SendMessage(ctx, convID, "Need a logo")
	require.NoError(t, err)
	assert.False(t, IsTempID(sent.ID))
	assert.Equal(t, env.seed.BuyerID, sent.SenderID)

	history, err := buyer.Messages(ctx, convID, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, sent.ID, history[0].ID)

	seller := env.client(env.seed.SellerToken)
	require.NoError(t, seller.MarkRead(ctx, convID, sent.ID))
	assert.Equal(t, sent.ID, env.server.LastRead(convID, env.seed.SellerID))
}

func TestClientOffers(t *testing.T) {
	env := newTestEnv(t, sandbox.Config{})
	ctx := context.Background()
	seller := env.client(env.seed.SellerToken)
	convID := env.seed.ConversationID

	created, err := seller.CreateOffer(ctx, convID, OfferDraft{Title: "Logo", Price: 90, RevisionCount: 1, DeliveryFormat: "svg"})
	require.NoError(t, err)
	assert.Equal(t, OfferPending, created.Status)
	assert.Equal(t, convID, created.ConversationID)

	updated, err := seller.UpdateOffer(ctx, created.ID, OfferDraft{Title: "Logo + favicon", Price: 110, RevisionCount: 1})
	require.NoError(t, err)
	assert.Equal(t, 110.0, updated.Price)

	_, err = seller.DeliverOffer(ctx, created.ID, Delivery{Link: "https://files.example.com/logo.zip"})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "conflict", apiErr.Code)

	_, err = env.server.PushOfferStatus(created.ID, "working")
	require.NoError(t, err)
	delivered, err := seller.DeliverOffer(ctx, created.ID, Delivery{Link: "https://files.example.com/logo.zip"})
	require.NoError(t, err)
	assert.Equal(t, OfferDelivered, delivered.Status)

	revised, err := env.client(env.seed.BuyerToken).RequestRevision(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, OfferWorking, revised.Status)
	assert.Equal(t, 1, revised.UsedRevisionCount)

	offers, err := seller.Offers(ctx, convID)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, OfferWorking, offers[0].Status)
}

func TestClientAPIErrors(t *testing.T) {
	env := newTestEnv(t, sandbox.Config{})

	_, err := env.client("bad-token").Me(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "unauthorized", apiErr.Code)

	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer plain.Close()

	_, err = NewClient("tok", WithBaseURL(plain.URL)).Conversations(context.Background())
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "upstream unavailable", apiErr.Message)
}

func TestClientHonoursContext(t *testing.T) {
	env := newTestEnv(t, sandbox.Config{Latency: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := env.client(env.seed.BuyerToken).Conversations(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
