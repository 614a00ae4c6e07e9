package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iamasit07/souqchat/internal/domain"
	"github.com/iamasit07/souqchat/internal/service/delivery"
	"github.com/iamasit07/souqchat/internal/service/session"
	"github.com/iamasit07/souqchat/internal/worker"
)

type tokenAuth struct{}

func (tokenAuth) Validate(_ context.Context, credential string) (string, error) {
	if !strings.HasPrefix(credential, "tok-") {
		return "", &domain.AuthError{Reason: "invalid token"}
	}
	return strings.TrimPrefix(credential, "tok-"), nil
}

type fakePipeline struct {
	mu    sync.Mutex
	sends []delivery.SendRequest
	reads []string
}

func (p *fakePipeline) Send(_ context.Context, req delivery.SendRequest) (*domain.Message, error) {
	p.mu.Lock()
	p.sends = append(p.sends, req)
	p.mu.Unlock()
	if req.Content == "spam" {
		return nil, &domain.RateLimitError{Action: "message_send", RetryAt: time.Now().Add(time.Minute)}
	}
	return &domain.Message{
		ID: "msg-1", ConversationRef: "ref-1", SenderID: req.SenderID, RecipientID: req.RecipientID,
		Content: req.Content, Type: domain.TypeText, Status: domain.StatusSent, ClientMessageID: req.ClientMessageID,
	}, nil
}

func (p *fakePipeline) MarkRead(_ context.Context, messageID, readerID string) (*domain.Message, error) {
	p.mu.Lock()
	p.reads = append(p.reads, readerID)
	p.mu.Unlock()
	if messageID == "missing" {
		return nil, &domain.NotFoundError{Kind: "message", ID: messageID}
	}
	return &domain.Message{ID: messageID, ConversationRef: "ref-1", Status: domain.StatusRead}, nil
}

func (p *fakePipeline) History(_ context.Context, _, ref string, page domain.Page) ([]domain.Message, error) {
	return []domain.Message{{ID: "msg-1", ConversationRef: ref, Seq: page.AfterSeq + 1}}, nil
}

func (p *fakePipeline) Typing(context.Context, string, string, string) error { return nil }

type server struct {
	url      string
	pipeline *fakePipeline
	sessions *session.Manager
}

func newServer(t *testing.T) *server {
	t.Helper()
	sessions := session.NewManager(tokenAuth{}, session.Options{})
	pool := worker.New("ws-test", 2, 16)
	pipeline := &fakePipeline{}
	h := NewHandler(sessions, pipeline, pool, []string{"https://app.souq.example"})
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		_ = pool.Shutdown(context.Background())
	})
	return &server{url: "ws" + strings.TrimPrefix(srv.URL, "http"), pipeline: pipeline, sessions: sessions}
}

func (s *server) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func bearerHeader(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func readFrame(t *testing.T, conn *websocket.Conn) domain.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg domain.ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// waitFor reads until a frame of the given type arrives.
func waitFor(t *testing.T, conn *websocket.Conn, frameType string) domain.ServerMessage {
	t.Helper()
	for i := 0; i < 10; i++ {
		if msg := readFrame(t, conn); msg.Type == frameType {
			return msg
		}
	}
	t.Fatalf("no %s frame", frameType)
	return domain.ServerMessage{}
}

func TestHandshake_BearerHeader(t *testing.T) {
	s := newServer(t)
	conn := s.dial(t, bearerHeader("tok-buyer"))

	ready := readFrame(t, conn)
	assert.Equal(t, domain.FrameReady, ready.Type)
	assert.Equal(t, "buyer", ready.UserID)
	assert.NotEmpty(t, ready.ConnectionID)
	require.Eventually(t, func() bool { return s.sessions.IsOnline("buyer") }, time.Second, 10*time.Millisecond)
}

func TestHandshake_InitFrame(t *testing.T) {
	s := newServer(t)
	conn := s.dial(t, nil)

	require.NoError(t, conn.WriteJSON(domain.ClientMessage{Type: domain.FrameInit, JWT: "tok-seller"}))
	ready := readFrame(t, conn)
	assert.Equal(t, domain.FrameReady, ready.Type)
	assert.Equal(t, "seller", ready.UserID)
}

func TestHandshake_InvalidCredential(t *testing.T) {
	s := newServer(t)
	conn := s.dial(t, bearerHeader("garbage"))

	msg := readFrame(t, conn)
	assert.Equal(t, domain.FrameError, msg.Type)
	assert.Equal(t, "unauthorized", msg.Code)

	_, _, err := conn.ReadMessage()
	require.Error(t, err, "server closes after rejecting")
	assert.Zero(t, s.sessions.Count())
}

func TestHandshake_DisallowedOrigin(t *testing.T) {
	s := newServer(t)
	header := bearerHeader("tok-buyer")
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(s.url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSendMessage_Ack(t *testing.T) {
	s := newServer(t)
	conn := s.dial(t, bearerHeader("tok-buyer"))
	waitFor(t, conn, domain.FrameReady)

	require.NoError(t, conn.WriteJSON(domain.ClientMessage{
		Type: domain.FrameSendMessage, RecipientID: "seller", Content: "hello", ClientMessageID: "c-1",
	}))
	ack := waitFor(t, conn, domain.FrameMessageAck)
	assert.Equal(t, "msg-1", ack.MessageID)
	assert.Equal(t, "c-1", ack.ClientMessageID)
	assert.Equal(t, domain.StatusSent, ack.Status)
	require.NotNil(t, ack.Message)

	s.pipeline.mu.Lock()
	defer s.pipeline.mu.Unlock()
	require.Len(t, s.pipeline.sends, 1)
	assert.Equal(t, "buyer", s.pipeline.sends[0].SenderID, "sender comes from the session, not the frame")
	assert.NotEmpty(t, s.pipeline.sends[0].OriginConnectionID)
}

func TestSendMessage_RateLimited(t *testing.T) {
	s := newServer(t)
	conn := s.dial(t, bearerHeader("tok-buyer"))
	waitFor(t, conn, domain.FrameReady)

	require.NoError(t, conn.WriteJSON(domain.ClientMessage{
		Type: domain.FrameSendMessage, RecipientID: "seller", Content: "spam", ClientMessageID: "c-9",
	}))
	msg := waitFor(t, conn, domain.FrameRateLimited)
	assert.Equal(t, "message_send", msg.Action)
	assert.Equal(t, "c-9", msg.ClientMessageID)
	require.NotNil(t, msg.RetryAfter)
	assert.True(t, msg.RetryAfter.After(time.Now()))
}

func TestMarkRead(t *testing.T) {
	s := newServer(t)
	conn := s.dial(t, bearerHeader("tok-seller"))
	waitFor(t, conn, domain.FrameReady)

	require.NoError(t, conn.WriteJSON(domain.ClientMessage{Type: domain.FrameMarkRead, MessageID: "msg-1"}))
	status := waitFor(t, conn, domain.FrameStatusChanged)
	assert.Equal(t, domain.StatusRead, status.Status)

	require.NoError(t, conn.WriteJSON(domain.ClientMessage{Type: domain.FrameMarkRead, MessageID: "missing"}))
	errFrame := waitFor(t, conn, domain.FrameError)
	assert.Equal(t, "not_found", errFrame.Code)

	require.NoError(t, conn.WriteJSON(domain.ClientMessage{Type: domain.FrameMarkRead}))
	errFrame = waitFor(t, conn, domain.FrameError)
	assert.Equal(t, "validation", errFrame.Code)
}

func TestSync_ReturnsHistory(t *testing.T) {
	s := newServer(t)
	conn := s.dial(t, bearerHeader("tok-buyer"))
	waitFor(t, conn, domain.FrameReady)

	require.NoError(t, conn.WriteJSON(domain.ClientMessage{Type: domain.FrameSync, ConversationRef: "ref-1", AfterSeq: 4}))
	history := waitFor(t, conn, domain.FrameHistory)
	assert.Equal(t, "ref-1", history.ConversationRef)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, int64(5), history.Messages[0].Seq)
}

func TestUnknownFrameAndBadJSON(t *testing.T) {
	s := newServer(t)
	conn := s.dial(t, bearerHeader("tok-buyer"))
	waitFor(t, conn, domain.FrameReady)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "dance"}))
	assert.Equal(t, "validation", waitFor(t, conn, domain.FrameError).Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "validation", waitFor(t, conn, domain.FrameError).Code)
}

func TestDisconnect_ClosesSession(t *testing.T) {
	s := newServer(t)
	conn := s.dial(t, bearerHeader("tok-buyer"))
	waitFor(t, conn, domain.FrameReady)
	require.Equal(t, 1, s.sessions.Count())

	conn.Close()
	require.Eventually(t, func() bool { return s.sessions.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, s.sessions.IsOnline("buyer"))
}
