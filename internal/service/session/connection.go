package session

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iamasit07/souqchat/internal/domain"
)

const writeTimeout = 10 * time.Second

// Transport is the framed channel under a Connection. WriteFrame is only ever
// called from the connection's writer goroutine; Ping only from its probe.
type Transport interface {
	WriteFrame(ctx context.Context, frame domain.ServerMessage) error
	// Ping sends a liveness probe and blocks until it is answered or ctx ends.
	Ping(ctx context.Context) error
	Close() error
}

// Connection is one live authenticated channel. It is created and destroyed by
// the Manager only.
type Connection struct {
	ID              string
	UserID          string
	Device          domain.DeviceContext
	AuthenticatedAt time.Time

	lastSeen  atomic.Int64
	latency   atomic.Int64
	transport Transport
	outbound  chan domain.ServerMessage

	ctx    context.Context
	cancel context.CancelFunc
	onFail func()

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newConnection(id, userID string, device domain.DeviceContext, t Transport, buffer int, now time.Time) *Connection {
	if buffer <= 0 {
		buffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ID:              id,
		UserID:          userID,
		Device:          device,
		AuthenticatedAt: now,
		transport:       t,
		outbound:        make(chan domain.ServerMessage, buffer),
		ctx:             ctx,
		cancel:          cancel,
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

// Send queues frame for the writer without blocking. It fails with
// domain.ErrConnectionClosed or domain.ErrOutboundFull.
func (c *Connection) Send(frame domain.ServerMessage) error {
	if c.ctx.Err() != nil {
		return domain.ErrConnectionClosed
	}
	select {
	case c.outbound <- frame:
		return nil
	default:
		return domain.ErrOutboundFull
	}
}

// Probe pings the peer and records the round trip.
func (c *Connection) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := c.transport.Ping(ctx); err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	c.latency.Store(int64(rtt))
	c.Touch()
	return rtt, nil
}

// Touch marks inbound activity.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Latency is the last measured round trip, zero before the first probe.
func (c *Connection) Latency() time.Duration {
	return time.Duration(c.latency.Load())
}

// Go runs fn on a goroutine owned by the connection. fn must return once ctx is
// done; Close waits for it. Go reports false if the connection already closed.
func (c *Connection) Go(fn func(ctx context.Context)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
	return true
}

func (c *Connection) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.outbound:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.transport.WriteFrame(writeCtx, frame)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[SESSION] Write failed on %s (user %s): %v", c.ID, c.UserID, err)
					if c.onFail != nil {
						go c.onFail()
					}
				}
				return
			}
		}
	}
}

// shutdown cancels every goroutine of the connection, closes the transport and
// waits for the goroutines to exit. Safe to call more than once.
func (c *Connection) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	if err := c.transport.Close(); err != nil {
		log.Printf("[SESSION] Transport close error on %s: %v", c.ID, err)
	}
	c.wg.Wait()
}
