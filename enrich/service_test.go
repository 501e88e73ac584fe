package enrich

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wangyingjie930/nexus-enrich/constants"
	"github.com/wangyingjie930/nexus-enrich/queue"
	"github.com/wangyingjie930/nexus-enrich/queue/queuetest"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestComputeNeeds(t *testing.T) {
	tests := []struct {
		name    string
		subject queue.Subject
		want    Needs
	}{
		{
			name:    "nothing present",
			subject: queue.Subject{},
			want:    Needs{},
		},
		{
			name:    "all present, none marked",
			subject: queue.Subject{Email: "a@b.c", LastName: "L", Phone: "1", PostalCode: "12345"},
			want:    Needs{Email: true, Name: true, Phone: true, Address: true},
		},
		{
			name: "marker suppresses group",
			subject: queue.Subject{
				Email: "a@b.c",
				Phone: "1",
				Enriched: map[string]string{
					constants.FieldEmailStatus: "valid",
					constants.FieldPhoneStatus: "  ",
				},
			},
			want: Needs{Phone: true},
		},
		{
			name:    "country alone is not an address",
			subject: queue.Subject{Country: "US"},
			want:    Needs{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeNeeds(tt.subject))
		})
	}
}

func TestEnqueue_NormalizesAndDeduplicates(t *testing.T) {
	store, _ := queuetest.NewStore(t)
	svc := NewService(store, nil, nil, 5).WithClock(func() time.Time { return t0 })
	ctx := context.Background()

	ev := InboundEvent{EventKey: " evt-1 ", ClientID: "client-1", ContactID: "c-1"}
	rec, dup, err := svc.Enqueue(ctx, ev, queue.Subject{Email: "  Ada@Example.COM ", FirstName: "Ada"})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, "evt-1", rec.EventKey)
	assert.Equal(t, "c-1", rec.ContactID)
	assert.Equal(t, 5, rec.MaxAttempts)
	assert.True(t, rec.NeedsEmail)
	assert.True(t, rec.NeedsName)
	assert.False(t, rec.NeedsPhone)

	stored, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, stored.Status)
	assert.Equal(t, "ada@example.com", stored.Subject.Data().Email)
	assert.Zero(t, stored.Attempts)

	again, dup, err := svc.Enqueue(ctx, InboundEvent{EventKey: "evt-1", ClientID: "client-2"}, queue.Subject{Phone: "1"})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, rec.ID, again.ID)
	assert.Equal(t, "client-1", again.ClientID)
}

func TestEnqueue_RejectsInvalidEvent(t *testing.T) {
	store, _ := queuetest.NewStore(t)
	svc := NewService(store, nil, nil, 0)

	_, _, err := svc.Enqueue(context.Background(), InboundEvent{ClientID: "client-1"}, queue.Subject{})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, _, err = svc.Enqueue(context.Background(), InboundEvent{EventKey: "e"}, queue.Subject{})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestIngest_FetchesContactOnce(t *testing.T) {
	store, _ := queuetest.NewStore(t)
	crm := &fakeCRM{contacts: map[string]queue.Subject{
		"c-9": {ContactID: "c-9", Email: "x@y.z"},
	}}
	svc := NewService(store, newFakeDirectory(), crm, 3)
	ctx := context.Background()
	ev := InboundEvent{EventKey: "evt-9", ClientID: "client-1", ContactID: "c-9"}

	rec, dup, err := svc.Ingest(ctx, ev)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.True(t, rec.NeedsEmail)

	_, dup, err = svc.Ingest(ctx, ev)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, 1, crm.fetches)
}

func TestIngest_UnknownClient(t *testing.T) {
	store, _ := queuetest.NewStore(t)
	svc := NewService(store, newFakeDirectory(), &fakeCRM{}, 3)

	_, _, err := svc.Ingest(context.Background(), InboundEvent{EventKey: "e", ClientID: "ghost", ContactID: "c"})
	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.ErrorIs(t, err, ErrClientNotFound)
}
