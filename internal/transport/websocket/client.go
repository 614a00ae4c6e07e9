package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iamasit07/souqchat/internal/domain"
)

const (
	writeWait = 10 * time.Second
	readWait  = 60 * time.Second
)

// Socket adapts a gorilla connection to session.Transport. Gorilla allows one
// concurrent writer of data frames; control frames may be written at any time.
type Socket struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	pongs     chan struct{}
	closeOnce sync.Once
}

func NewSocket(conn *websocket.Conn) *Socket {
	s := &Socket{conn: conn, pongs: make(chan struct{}, 1)}
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		select {
		case s.pongs <- struct{}{}:
		default:
		}
		return nil
	})
	return s
}

func deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(writeWait)
}

func (s *Socket) WriteFrame(ctx context.Context, frame domain.ServerMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(deadline(ctx))
	return s.conn.WriteJSON(frame)
}

// Ping sends a control ping and waits for the pong. Pongs are only seen while
// the connection's reader is running.
func (s *Socket) Ping(ctx context.Context) error {
	select {
	case <-s.pongs: // stale
	default:
	}

	if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline(ctx)); err != nil {
		return err
	}

	select {
	case <-s.pongs:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close sends a normal close frame (best effort) and closes the socket.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
