// Package session owns the live connections: authentication on open, the
// user -> connections index, presence transitions and orderly close.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/iamasit07/souqchat/internal/domain"
	"github.com/iamasit07/souqchat/pkg/uid"
)

type Authenticator interface {
	Validate(ctx context.Context, credential string) (string, error)
}

// PresenceListener is called with the index shard locked, so calls for one user
// arrive in transition order. Implementations must not block or call back into
// the Manager.
type PresenceListener interface {
	PresenceChanged(userID string, online bool)
}

// ProbeAttacher starts per-connection background work, normally through
// Connection.Go so that Close waits for it.
type ProbeAttacher interface {
	Attach(conn *Connection)
}

var ErrShuttingDown = errors.New("session manager is shutting down")

const shardCount = 64

type userShard struct {
	mu    sync.Mutex
	users map[string]map[string]*Connection
}

type Manager struct {
	auth           Authenticator
	authTimeout    time.Duration
	outboundBuffer int

	listenersMu sync.RWMutex
	listeners   []PresenceListener
	probe       ProbeAttacher

	conns  sync.Map // connection id -> *Connection
	shards [shardCount]userShard

	mu       sync.RWMutex
	stopping bool
}

type Options struct {
	AuthTimeout    time.Duration
	OutboundBuffer int
}

func NewManager(auth Authenticator, opts Options) *Manager {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 5 * time.Second
	}
	m := &Manager{
		auth:           auth,
		authTimeout:    opts.AuthTimeout,
		outboundBuffer: opts.OutboundBuffer,
	}
	for i := range m.shards {
		m.shards[i].users = make(map[string]map[string]*Connection)
	}
	return m
}

// AddPresenceListener registers l for online/offline transitions. Call before
// the first Open.
func (m *Manager) AddPresenceListener(l PresenceListener) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersMu.Unlock()
}

// SetProbeAttacher installs the per-connection quality monitor.
func (m *Manager) SetProbeAttacher(p ProbeAttacher) {
	m.probe = p
}

func (m *Manager) shardFor(userID string) *userShard {
	return &m.shards[xxhash.Sum64String(userID)%shardCount]
}

func (m *Manager) emitPresence(userID string, online bool) {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, l := range m.listeners {
		l.PresenceChanged(userID, online)
	}
}

// Open authenticates credential and registers a new connection over t. On
// failure no connection exists and t is left for the caller to close, except
// for ErrShuttingDown after authentication, where t is already closed.
func (m *Manager) Open(ctx context.Context, credential string, device domain.DeviceContext, t Transport) (*Connection, error) {
	m.mu.RLock()
	stopping := m.stopping
	m.mu.RUnlock()
	if stopping {
		return nil, ErrShuttingDown
	}

	authCtx, cancel := context.WithTimeout(ctx, m.authTimeout)
	userID, err := m.auth.Validate(authCtx, credential)
	cancel()
	if err != nil {
		var authErr *domain.AuthError
		if !errors.As(err, &authErr) {
			err = &domain.AuthError{Reason: "identity provider unavailable", Err: err}
		}
		return nil, err
	}

	conn := newConnection(uid.NewConnectionID(), userID, device, t, m.outboundBuffer, time.Now())
	conn.onFail = func() { m.Close(conn.ID) }
	conn.Go(conn.writeLoop)

	m.conns.Store(conn.ID, conn)
	s := m.shardFor(userID)
	s.mu.Lock()
	set, ok := s.users[userID]
	if !ok {
		set = make(map[string]*Connection)
		s.users[userID] = set
	}
	set[conn.ID] = conn
	if !ok {
		m.emitPresence(userID, true)
	}
	s.mu.Unlock()

	// Shutdown may have walked m.conns while the credential was being checked.
	m.mu.RLock()
	stopping = m.stopping
	m.mu.RUnlock()
	if stopping {
		m.Close(conn.ID)
		return nil, ErrShuttingDown
	}

	if m.probe != nil {
		m.probe.Attach(conn)
	}

	log.Printf("[SESSION] Opened %s for user %s (%s, %d live)", conn.ID, userID, device.Platform, len(m.ActiveConnections(userID)))
	return conn, nil
}

// Close removes the connection and releases its goroutines. Unknown or already
// closed ids are ignored.
func (m *Manager) Close(connID string) {
	v, ok := m.conns.LoadAndDelete(connID)
	if !ok {
		return
	}
	conn := v.(*Connection)

	s := m.shardFor(conn.UserID)
	s.mu.Lock()
	if set, ok := s.users[conn.UserID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(s.users, conn.UserID)
			m.emitPresence(conn.UserID, false)
		}
	}
	s.mu.Unlock()

	conn.shutdown()
	log.Printf("[SESSION] Closed %s for user %s", connID, conn.UserID)
}

// ActiveConnections is a snapshot; a returned connection may close at any time.
func (m *Manager) ActiveConnections(userID string) []*Connection {
	s := m.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.users[userID]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// SendToUser queues frame on every live connection of userID except the one
// with id except, and returns how many accepted it. Failures are best effort.
func (m *Manager) SendToUser(userID string, frame domain.ServerMessage, except string) int {
	sent := 0
	for _, c := range m.ActiveConnections(userID) {
		if c.ID == except {
			continue
		}
		if err := c.Send(frame); err != nil {
			log.Printf("[SESSION] %s frame to %s dropped: %v", frame.Type, c.ID, err)
			continue
		}
		sent++
	}
	return sent
}

func (m *Manager) IsOnline(userID string) bool {
	s := m.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users[userID]) > 0
}

// Presence summarises the live connections of a user.
type Presence struct {
	Online      bool
	Connections int
	// LastSeen is the most recent inbound activity on any connection.
	LastSeen time.Time
	// Latency is the best last-probe round trip, zero before any probe.
	Latency time.Duration
}

func (m *Manager) Presence(userID string) Presence {
	var p Presence
	for _, c := range m.ActiveConnections(userID) {
		p.Connections++
		if seen := c.LastSeen(); seen.After(p.LastSeen) {
			p.LastSeen = seen
		}
		if rtt := c.Latency(); rtt > 0 && (p.Latency == 0 || rtt < p.Latency) {
			p.Latency = rtt
		}
	}
	p.Online = p.Connections > 0
	return p
}

func (m *Manager) Get(connID string) (*Connection, bool) {
	v, ok := m.conns.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	n := 0
	m.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Shutdown rejects new connections and closes every live one.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		m.conns.Range(func(k, _ any) bool {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				m.Close(id)
			}(k.(string))
			return true
		})
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[SESSION] All connections closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
