package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamasit07/souqchat/internal/config"
	"github.com/iamasit07/souqchat/internal/domain"
	"github.com/iamasit07/souqchat/internal/repository"
	"github.com/iamasit07/souqchat/internal/repository/memory"
	"github.com/iamasit07/souqchat/internal/service/ratelimit"
	"github.com/iamasit07/souqchat/internal/service/session"
	"github.com/iamasit07/souqchat/pkg/uid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type userAuth struct{}

func (userAuth) Validate(_ context.Context, credential string) (string, error) {
	return credential, nil
}

type recordingTransport struct {
	frames chan domain.ServerMessage
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{frames: make(chan domain.ServerMessage, 256)}
}

func (r *recordingTransport) WriteFrame(_ context.Context, f domain.ServerMessage) error {
	r.frames <- f
	return nil
}

func (r *recordingTransport) Ping(context.Context) error { return nil }
func (r *recordingTransport) Close() error               { return nil }

func (r *recordingTransport) next(t *testing.T, frameType string) domain.ServerMessage {
	t.Helper()
	select {
	case f := <-r.frames:
		require.Equal(t, frameType, f.Type)
		return f
	case <-time.After(time.Second):
		t.Fatalf("no %s frame", frameType)
	}
	return domain.ServerMessage{}
}

func (r *recordingTransport) none(t *testing.T) {
	t.Helper()
	select {
	case f := <-r.frames:
		t.Fatalf("unexpected %s frame", f.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

type notification struct {
	class     string
	recipient string
	messageID string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *fakeNotifier) Notify(recipientID string, m *domain.Message, _ string) {
	n.mu.Lock()
	n.sent = append(n.sent, notification{"message", recipientID, m.ID})
	n.mu.Unlock()
}

func (n *fakeNotifier) NotifyStatus(recipientID string, m *domain.Message, _ string) {
	n.mu.Lock()
	n.sent = append(n.sent, notification{"status", recipientID, m.ID})
	n.mu.Unlock()
}

func (n *fakeNotifier) snapshot() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

type harness struct {
	p        *Pipeline
	sessions *session.Manager
	store    *memory.Store
	notifier *fakeNotifier
	limiter  *ratelimit.Limiter
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.New(repository.DefaultRetention).WithClock(clock.Now)
	sessions := session.NewManager(userAuth{}, session.Options{OutboundBuffer: 128})
	limiter := ratelimit.New(map[ratelimit.ActionClass]config.RateLimit{
		ratelimit.ActionSend:   {Limit: 60, Window: time.Minute},
		ratelimit.ActionTyping: {Limit: 2, Window: 10 * time.Second},
		ratelimit.ActionStatus: {Limit: 120, Window: time.Minute},
	}).WithClock(clock.Now)
	rules, err := NewContentRules(1000, 1500, config.DefaultPhonePattern, domain.MediaPolicy{})
	require.NoError(t, err)
	notifier := &fakeNotifier{}

	h := &harness{
		p:        NewPipeline(store, sessions, limiter, rules, notifier, Options{}).WithClock(clock.Now),
		sessions: sessions,
		store:    store,
		notifier: notifier,
		limiter:  limiter,
		clock:    clock,
	}
	t.Cleanup(func() { _ = sessions.Shutdown(context.Background()) })
	return h
}

func (h *harness) connect(t *testing.T, user string) (*session.Connection, *recordingTransport) {
	t.Helper()
	tr := newRecordingTransport()
	conn, err := h.sessions.Open(context.Background(), user, domain.DeviceContext{Platform: domain.PlatformAndroid}, tr)
	require.NoError(t, err)
	return conn, tr
}

func text(from, to, content string) SendRequest {
	return SendRequest{SenderID: from, RecipientID: to, Content: content}
}

func TestSend_DeliversToOnlineRecipient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, senderTr := h.connect(t, "buyer")
	_, recvTr := h.connect(t, "seller")

	msg, err := h.p.Send(ctx, text("buyer", "seller", "  is the bike still for sale?  "))
	require.NoError(t, err)
	assert.Equal(t, "is the bike still for sale?", msg.Content)
	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, domain.StatusDelivered, msg.Status)

	got := recvTr.next(t, domain.FrameMessageReceived)
	assert.Equal(t, msg.ID, got.Message.ID)
	assert.Equal(t, domain.StatusSent, got.Message.Status)

	senderTr.next(t, domain.FrameMessageSent)
	status := senderTr.next(t, domain.FrameStatusChanged)
	assert.Equal(t, domain.StatusDelivered, status.Status)
	assert.Equal(t, msg.ID, status.MessageID)

	stored, err := h.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, stored.Status)

	assert.Equal(t, []notification{{"message", "seller", msg.ID}}, h.notifier.snapshot())
}

func TestSend_OfflineRecipientStaysSent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, senderTr := h.connect(t, "buyer")

	msg, err := h.p.Send(ctx, text("buyer", "seller", "hello"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, msg.Status)
	senderTr.next(t, domain.FrameMessageSent)
	senderTr.none(t)

	assert.Len(t, h.notifier.snapshot(), 1, "push notification is always attempted")
}

func TestSend_SyncsSenderOtherDevices(t *testing.T) {
	h := newHarness(t)
	phone, phoneTr := h.connect(t, "buyer")
	_, laptopTr := h.connect(t, "buyer")

	req := text("buyer", "seller", "on my way")
	req.OriginConnectionID = phone.ID
	req.ClientMessageID = "c-42"
	msg, err := h.p.Send(context.Background(), req)
	require.NoError(t, err)

	synced := laptopTr.next(t, domain.FrameMessageSent)
	assert.Equal(t, msg.ID, synced.Message.ID)
	assert.Equal(t, "c-42", synced.ClientMessageID)
	phoneTr.none(t)
}

func TestSend_ReplayedClientIDIsNotDuplicated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, recvTr := h.connect(t, "seller")

	req := text("buyer", "seller", "offer 200")
	req.ClientMessageID = "c-1"
	first, err := h.p.Send(ctx, req)
	require.NoError(t, err)
	recvTr.next(t, domain.FrameMessageReceived)

	second, err := h.p.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	recvTr.none(t)

	msgs, err := h.p.History(ctx, "buyer", first.ConversationRef, domain.Page{})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Len(t, h.notifier.snapshot(), 1)
}

func TestSend_SixtyFirstInWindowIsRateLimited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := h.clock.Now()

	for i := 0; i < 60; i++ {
		_, err := h.p.Send(ctx, text("buyer", "seller", fmt.Sprintf("msg %d", i)))
		require.NoError(t, err)
	}
	// typing is a separate class and does not eat into the send budget
	require.NoError(t, h.p.Typing(ctx, "buyer", "seller", ""))
	require.NoError(t, h.p.Typing(ctx, "buyer", "seller", ""))
	require.Error(t, h.p.Typing(ctx, "buyer", "seller", ""))

	h.clock.Advance(30 * time.Second)
	_, err := h.p.Send(ctx, text("buyer", "seller", "one too many"))
	var rateErr *domain.RateLimitError
	require.True(t, errors.As(err, &rateErr))
	assert.Equal(t, string(ratelimit.ActionSend), rateErr.Action)
	assert.GreaterOrEqual(t, rateErr.RetryAt.Sub(h.clock.Now()), 30*time.Second)
	assert.True(t, rateErr.RetryAt.Equal(start.Add(time.Minute)))

	h.clock.Advance(31 * time.Second)
	_, err = h.p.Send(ctx, text("buyer", "seller", "back again"))
	require.NoError(t, err)
}

func TestSend_ValidationErrorPersistsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.p.Send(ctx, text("buyer", "seller", ""))
	var valErr *domain.ValidationError
	require.True(t, errors.As(err, &valErr))

	convs, err := h.store.ListActiveConversations(ctx, "buyer", 10)
	require.NoError(t, err)
	assert.Empty(t, convs)
	assert.Empty(t, h.notifier.snapshot())
}

func TestSend_RedactsPhoneNumbers(t *testing.T) {
	h := newHarness(t)
	_, recvTr := h.connect(t, "seller")

	req := text("buyer", "seller", "call 010 1234 5678")
	req.SecondaryContent = "اتصل ٠١١١٢٣٤٥٦٧٨"
	msg, err := h.p.Send(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, msg.Redacted)
	assert.Equal(t, "call *************", msg.Content)
	assert.Equal(t, "اتصل ***********", msg.SecondaryContent)

	got := recvTr.next(t, domain.FrameMessageReceived)
	assert.Equal(t, "call *************", got.Message.Content)
}

func TestSend_ConversationRefBoundToOtherPair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := text("buyer", "seller", "hi")
	req.ConversationRef = "listing-77"
	_, err := h.p.Send(ctx, req)
	require.NoError(t, err)

	intruder := text("mallory", "seller", "hi")
	intruder.ConversationRef = "listing-77"
	_, err = h.p.Send(ctx, intruder)
	require.ErrorIs(t, err, domain.ErrNotParticipant)
}

func TestSend_DerivedRefReservedForItsPair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	pairRef := uid.ConversationRef("buyer", "seller")

	squat := text("mallory", "buyer", "hi")
	squat.ConversationRef = pairRef
	_, err := h.p.Send(ctx, squat)
	var valErr *domain.ValidationError
	require.True(t, errors.As(err, &valErr))
	assert.Equal(t, "conversationRef", valErr.Field)
	require.True(t, errors.As(h.p.Typing(ctx, "mallory", "buyer", pairRef), &valErr))

	conv, err := h.store.GetConversation(ctx, pairRef)
	require.NoError(t, err)
	assert.Nil(t, conv)

	msg, err := h.p.Send(ctx, text("buyer", "seller", "still ours"))
	require.NoError(t, err)
	assert.Equal(t, pairRef, msg.ConversationRef)

	reply := text("seller", "buyer", "yes")
	reply.ConversationRef = pairRef
	_, err = h.p.Send(ctx, reply)
	require.NoError(t, err)
}

func TestSend_ReplayAfterBudgetSpent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := text("buyer", "seller", "first")
	req.ClientMessageID = "c-1"
	first, err := h.p.Send(ctx, req)
	require.NoError(t, err)
	for h.limiter.Allow("buyer", ratelimit.ActionSend).Allowed {
	}

	again, err := h.p.Send(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, err = h.p.Send(ctx, text("buyer", "seller", "new one"))
	var rateErr *domain.RateLimitError
	require.True(t, errors.As(err, &rateErr))
}

func TestMarkRead_RepeatAfterBudgetSpent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	msg, err := h.p.Send(ctx, text("buyer", "seller", "deal?"))
	require.NoError(t, err)
	other, err := h.p.Send(ctx, text("buyer", "seller", "hello?"))
	require.NoError(t, err)

	read, err := h.p.MarkRead(ctx, msg.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRead, read.Status)
	for h.limiter.Allow("seller", ratelimit.ActionStatus).Allowed {
	}

	again, err := h.p.MarkRead(ctx, msg.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRead, again.Status)

	_, err = h.p.MarkRead(ctx, other.ID, "seller")
	var rateErr *domain.RateLimitError
	require.True(t, errors.As(err, &rateErr))
	assert.Equal(t, string(ratelimit.ActionStatus), rateErr.Action)
}

func TestSend_RecipientSeesCreationOrder(t *testing.T) {
	h := newHarness(t)
	_, recvTr := h.connect(t, "seller")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.p.Send(context.Background(), text("buyer", "seller", fmt.Sprintf("m%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var last int64
	for i := 0; i < 20; i++ {
		f := recvTr.next(t, domain.FrameMessageReceived)
		assert.Greater(t, f.Message.Seq, last)
		assert.False(t, f.Message.CreatedAt.IsZero())
		last = f.Message.Seq
	}
}

func TestMarkRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, senderTr := h.connect(t, "buyer")

	msg, err := h.p.Send(ctx, text("buyer", "seller", "deal?"))
	require.NoError(t, err)
	senderTr.next(t, domain.FrameMessageSent)

	same, err := h.p.MarkRead(ctx, msg.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, same.Status, "sender cannot mark own message read")

	read, err := h.p.MarkRead(ctx, msg.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRead, read.Status)
	status := senderTr.next(t, domain.FrameStatusChanged)
	assert.Equal(t, domain.StatusRead, status.Status)

	again, err := h.p.MarkRead(ctx, msg.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRead, again.Status)
	senderTr.none(t)

	assert.Equal(t, []notification{
		{"message", "seller", msg.ID},
		{"status", "buyer", msg.ID},
	}, h.notifier.snapshot())

	var notFound *domain.NotFoundError
	_, err = h.p.MarkRead(ctx, "missing", "seller")
	require.True(t, errors.As(err, &notFound))
	_, err = h.p.MarkRead(ctx, msg.ID, "stranger")
	require.True(t, errors.As(err, &notFound))
}

func TestHistory_ReconnectCatchUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ref string
	for i := 1; i <= 5; i++ {
		h.clock.Advance(time.Second)
		m, err := h.p.Send(ctx, text("buyer", "seller", fmt.Sprintf("offline %d", i)))
		require.NoError(t, err)
		ref = m.ConversationRef
	}

	msgs, err := h.p.History(ctx, "seller", ref, domain.Page{AfterSeq: 2})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, int64(i+3), m.Seq)
		assert.Equal(t, domain.StatusSent, m.Status, "reading history does not change status")
	}

	latest, err := h.p.History(ctx, "buyer", ref, domain.Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, int64(4), latest[0].Seq)
	assert.Equal(t, int64(5), latest[1].Seq)

	_, err = h.p.History(ctx, "stranger", ref, domain.Page{})
	require.ErrorIs(t, err, domain.ErrNotParticipant)

	var notFound *domain.NotFoundError
	_, err = h.p.History(ctx, "buyer", "nope", domain.Page{})
	require.True(t, errors.As(err, &notFound))
}

func TestTyping_RelayedNotPersisted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, recvTr := h.connect(t, "seller")

	require.NoError(t, h.p.Typing(ctx, "buyer", "seller", ""))
	f := recvTr.next(t, domain.FrameTyping)
	assert.Equal(t, "buyer", f.UserID)
	assert.Equal(t, ConversationRefFor("", "buyer", "seller"), f.ConversationRef)

	convs, err := h.store.ListActiveConversations(ctx, "buyer", 10)
	require.NoError(t, err)
	assert.Empty(t, convs)
}
