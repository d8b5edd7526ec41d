package marketchat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		kind    EventKind
		offer   bool
		wantErr bool
	}{
		{name: "legacy message", data: `{"type":"message","message":{"id":"m1","conversation_id":"c1","text":"hi"}}`, kind: EventMessage},
		{name: "new message", data: `{"type":"new_message","message":{"id":"m1","conversation_id":"c1"}}`, kind: EventNewMessage},
		{name: "new message with offer", data: `{"type":"new_message","message":{"id":"m1","conversation_id":"c1"},"offer":{"id":"o1","status":"pending"}}`, kind: EventNewMessage, offer: true},
		{name: "offer status", data: `{"type":"offer_status_update","offer":{"id":"o1","status":"paid"}}`, kind: EventOfferStatus, offer: true},
		{name: "ping", data: `{"type":"ping"}`, kind: EventPing},
		{name: "heartbeat", data: `{"type":"heartbeat"}`, kind: EventPing},
		{name: "not json", data: `nope`, wantErr: true},
		{name: "missing type", data: `{}`, wantErr: true},
		{name: "unknown type", data: `{"type":"typing"}`, wantErr: true},
		{name: "message without payload", data: `{"type":"new_message"}`, wantErr: true},
		{name: "message without conversation", data: `{"type":"new_message","message":{"id":"m1"}}`, wantErr: true},
		{name: "status without offer", data: `{"type":"offer_status_update"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ev.Kind)
			assert.Equal(t, tt.offer, ev.Offer != nil)
		})
	}
}

func TestOfferTransition(t *testing.T) {
	tests := []struct {
		from, to OfferStatus
		ok       bool
	}{
		{OfferPending, OfferPaid, true},
		{OfferPending, OfferCancelled, true},
		{OfferPending, OfferWorking, false},
		{OfferPaid, OfferWorking, true},
		{OfferPaid, OfferCancelled, true},
		{OfferWorking, OfferDelivered, true},
		{OfferWorking, OfferCancelled, true},
		{OfferDelivered, OfferCompleted, true},
		{OfferDelivered, OfferWorking, true},
		{OfferDelivered, OfferCancelled, false},
		{OfferCompleted, OfferWorking, false},
		{OfferCancelled, OfferPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			o := JobOffer{Status: tt.from, RevisionCount: 1}
			next, err := o.Transition(tt.to)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.from, next.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, next.Status)
		})
	}
}

func TestRevisionConsumesUnit(t *testing.T) {
	o := JobOffer{Status: OfferDelivered, RevisionCount: 2, UsedRevisionCount: 1}
	next, err := o.Transition(OfferWorking)
	require.NoError(t, err)
	assert.Equal(t, 2, next.UsedRevisionCount)
	assert.Equal(t, 0, next.RevisionsLeft())
	assert.Equal(t, 1, o.UsedRevisionCount, "receiver is not mutated")

	exhausted := JobOffer{Status: OfferDelivered, RevisionCount: 2, UsedRevisionCount: 2}
	_, err = exhausted.Transition(OfferWorking)
	assert.ErrorIs(t, err, ErrRevisionLimit)
}

func TestOfferDraftValidate(t *testing.T) {
	assert.NoError(t, OfferDraft{Title: "Logo", Price: 10}.Validate())
	assert.Error(t, OfferDraft{Title: " ", Price: 10}.Validate())
	assert.Error(t, OfferDraft{Title: "Logo"}.Validate())
	assert.Error(t, OfferDraft{Title: "Logo", Price: 10, RevisionCount: -1}.Validate())
}

func TestMessageIdentity(t *testing.T) {
	assert.Equal(t, Identity{ID: "tmp-1", Pending: true}, Message{ID: "tmp-1"}.Identity())
	assert.Equal(t, Identity{ID: "m-1"}, Message{ID: "m-1"}.Identity())
}

func TestUserDisplayName(t *testing.T) {
	assert.Equal(t, "Sam", User{Name: "Sam"}.DisplayName())
	assert.Equal(t, "Studio", User{Name: "Sam", Profile: &PublicProfile{DisplayName: "Studio"}}.DisplayName())
}
