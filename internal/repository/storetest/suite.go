// Package storetest is a conformance suite run against every Store backend.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamasit07/souqchat/internal/domain"
	"github.com/iamasit07/souqchat/internal/repository"
	"github.com/iamasit07/souqchat/pkg/uid"
)

// Run executes the suite. newStore must return an isolated or shared store;
// every case uses fresh identifiers, so a shared database is fine.
func Run(t *testing.T, newStore func(t *testing.T) repository.Store) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s repository.Store)
	}{
		{"MessageRoundTrip", testMessageRoundTrip},
		{"FindByClientID", testFindByClientID},
		{"ConditionalStatus", testConditionalStatus},
		{"ConversationSequence", testConversationSequence},
		{"ListByConversationPaging", testListPaging},
		{"ActiveConversations", testActiveConversations},
		{"DeviceTokenCap", testDeviceTokenCap},
		{"DeviceTokenRemoveAndPrune", testDeviceTokenRemoveAndPrune},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func users() (string, string) {
	id := uid.NewMessageID()
	return "buyer-" + id, "seller-" + id
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func newMessage(ref, from, to string, seq int64, at time.Time) *domain.Message {
	return &domain.Message{
		ID:              uid.NewMessageID(),
		ConversationRef: ref,
		Seq:             seq,
		SenderID:        from,
		RecipientID:     to,
		Content:         fmt.Sprintf("message %d", seq),
		Type:            domain.TypeText,
		Status:          domain.StatusSent,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
}

func testMessageRoundTrip(t *testing.T, s repository.Store) {
	ctx := context.Background()
	a, b := users()
	ref := uid.ConversationRef(a, b)
	at := now()

	m := newMessage(ref, a, b, 1, at)
	m.Type = domain.TypeLocation
	m.SecondaryContent = "الموقع"
	m.Metadata = domain.Metadata{Location: &domain.LocationPayload{Latitude: 33.51, Longitude: 36.29, Label: "Damascus"}}
	m.Redacted = true
	require.NoError(t, s.InsertMessage(ctx, m))

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, ref, got.ConversationRef)
	assert.Equal(t, int64(1), got.Seq)
	assert.Equal(t, "الموقع", got.SecondaryContent)
	assert.Equal(t, domain.TypeLocation, got.Type)
	require.NotNil(t, got.Metadata.Location)
	assert.InDelta(t, 33.51, got.Metadata.Location.Latitude, 1e-9)
	assert.True(t, got.Redacted)
	assert.True(t, at.Equal(got.CreatedAt), "created at %s, got %s", at, got.CreatedAt)

	missing, err := s.GetMessage(ctx, uid.NewMessageID())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testFindByClientID(t *testing.T, s repository.Store) {
	ctx := context.Background()
	a, b := users()
	ref := uid.ConversationRef(a, b)

	m := newMessage(ref, a, b, 1, now())
	m.ClientMessageID = "client-1"
	require.NoError(t, s.InsertMessage(ctx, m))

	got, err := s.FindByClientID(ctx, a, "client-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, m.ID, got.ID)

	other, err := s.FindByClientID(ctx, b, "client-1")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func testConditionalStatus(t *testing.T, s repository.Store) {
	ctx := context.Background()
	a, b := users()
	m := newMessage(uid.ConversationRef(a, b), a, b, 1, now())
	require.NoError(t, s.InsertMessage(ctx, m))

	later := m.CreatedAt.Add(time.Second)
	ok, err := s.UpdateStatus(ctx, m.ID, domain.StatusRead, domain.Predecessors(domain.StatusRead), later)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.UpdateStatus(ctx, m.ID, domain.StatusDelivered, domain.Predecessors(domain.StatusDelivered), later)
	require.NoError(t, err)
	assert.False(t, ok, "status must not move backwards")

	got, err := s.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRead, got.Status)
	assert.True(t, later.Equal(got.UpdatedAt))

	ok, err = s.UpdateStatus(ctx, uid.NewMessageID(), domain.StatusRead, domain.Predecessors(domain.StatusRead), later)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testConversationSequence(t *testing.T, s repository.Store) {
	ctx := context.Background()
	a, b := users()
	ref := uid.ConversationRef(a, b)
	t0 := now()

	c, err := s.UpsertConversation(ctx, ref, b, a, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.LastSeq)
	assert.True(t, c.Matches(a, b))
	assert.True(t, c.Active)

	c, err = s.UpsertConversation(ctx, ref, a, b, t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.LastSeq)
	assert.True(t, t0.Equal(c.LastMessageAt), "last message time must not move backwards")

	_, err = s.UpsertConversation(ctx, ref, a, "intruder-"+a, t0)
	assert.ErrorIs(t, err, domain.ErrNotParticipant)

	got, err := s.GetConversation(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.LastSeq)

	missing, err := s.GetConversation(ctx, "dm_missing_"+a)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testListPaging(t *testing.T, s repository.Store) {
	ctx := context.Background()
	a, b := users()
	ref := uid.ConversationRef(a, b)
	t0 := now()

	// insert out of order; reads must sort by seq
	for _, seq := range []int64{3, 1, 5, 2, 4} {
		require.NoError(t, s.InsertMessage(ctx, newMessage(ref, a, b, seq, t0.Add(time.Duration(seq)*time.Second))))
	}
	require.NoError(t, s.InsertMessage(ctx, newMessage(uid.ConversationRef(a, "x-"+b), a, "x-"+b, 1, t0)))

	seqs := func(ms []domain.Message) []int64 {
		out := make([]int64, len(ms))
		for i, m := range ms {
			out[i] = m.Seq
		}
		return out
	}

	all, err := s.ListByConversation(ctx, ref, domain.Page{})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqs(all))

	after, err := s.ListByConversation(ctx, ref, domain.Page{AfterSeq: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, seqs(after))

	latest, err := s.ListByConversation(ctx, ref, domain.Page{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 5}, seqs(latest))

	before, err := s.ListByConversation(ctx, ref, domain.Page{BeforeSeq: 4, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, seqs(before))

	window, err := s.ListByConversation(ctx, ref, domain.Page{AfterSeq: 1, BeforeSeq: 4})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, seqs(window))
}

func testActiveConversations(t *testing.T, s repository.Store) {
	ctx := context.Background()
	a, b := users()
	c := "third-" + a
	t0 := now()

	_, err := s.UpsertConversation(ctx, uid.ConversationRef(a, b), a, b, t0)
	require.NoError(t, err)
	_, err = s.UpsertConversation(ctx, uid.ConversationRef(a, c), a, c, t0.Add(time.Second))
	require.NoError(t, err)

	list, err := s.ListActiveConversations(ctx, a, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uid.ConversationRef(a, c), list[0].Ref, "most recent first")

	list, err = s.ListActiveConversations(ctx, b, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a, list[0].Counterpart(b))

	limited, err := s.ListActiveConversations(ctx, a, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func device(user, token string, at time.Time) domain.DeviceToken {
	return domain.DeviceToken{
		UserID:          user,
		Token:           token,
		Platform:        domain.PlatformAndroid,
		Locale:          "ar",
		RegisteredAt:    at,
		LastValidatedAt: at,
	}
}

func testDeviceTokenCap(t *testing.T, s repository.Store) {
	ctx := context.Background()
	user, _ := users()
	t0 := now()

	for i := 0; i < 3; i++ {
		evicted, err := s.RegisterDeviceToken(ctx, device(user, fmt.Sprintf("tok-%d-%s", i, user), t0.Add(time.Duration(i)*time.Second)), 3)
		require.NoError(t, err)
		assert.Empty(t, evicted)
	}

	// re-registering keeps the original registration time
	refreshed := device(user, "tok-0-"+user, t0.Add(10*time.Second))
	refreshed.Locale = "en"
	evicted, err := s.RegisterDeviceToken(ctx, refreshed, 3)
	require.NoError(t, err)
	assert.Empty(t, evicted)

	evicted, err = s.RegisterDeviceToken(ctx, device(user, "tok-3-"+user, t0.Add(20*time.Second)), 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-0-" + user}, evicted)

	list, err := s.ListDeviceTokens(ctx, user)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "tok-1-"+user, list[0].Token)
	assert.Equal(t, "tok-3-"+user, list[2].Token)
}

func testDeviceTokenRemoveAndPrune(t *testing.T, s repository.Store) {
	ctx := context.Background()
	user, other := users()
	t0 := now()

	_, err := s.RegisterDeviceToken(ctx, device(user, "fresh-"+user, t0), 5)
	require.NoError(t, err)
	_, err = s.RegisterDeviceToken(ctx, device(user, "stale-"+user, t0.Add(-90*24*time.Hour)), 5)
	require.NoError(t, err)
	_, err = s.RegisterDeviceToken(ctx, device(other, "gone-"+other, t0), 5)
	require.NoError(t, err)

	require.NoError(t, s.RemoveDeviceToken(ctx, other, "gone-"+other))
	require.NoError(t, s.RemoveDeviceToken(ctx, other, "never-registered"))
	list, err := s.ListDeviceTokens(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, list)

	removed, err := s.PruneDeviceTokens(ctx, t0.Add(-60*24*time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, 1)

	list, err = s.ListDeviceTokens(ctx, user)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "fresh-"+user, list[0].Token)
}
