package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// Binding is the identity a connection is opened for. Reconnects are keyed on
// Source as well as ClientID, so two players sharing a client id still get a fresh
// connection when playback moves between them.
type Binding struct {
	Source   string
	ClientID string
}

// Manager owns the one presence connection. Every method is safe to call from any
// goroutine.
//
// Two locks keep callers off the wire. mu guards what the card should show and is
// never held across a Conn call. wire serializes Conn calls: the pump waits for it,
// everybody else only tries it and otherwise leaves the work for the pump's next
// pass. A client that stops answering therefore stalls the pump, never the caller.
type Manager struct {
	conn     Conn
	interval time.Duration

	wire sync.Mutex
	// opened is only touched with wire held
	opened bool

	mu      sync.Mutex
	state   State
	binding Binding
	bound   bool
	// epoch moves on with every rebind and Close so results from the wire that
	// belong to an older binding are dropped
	epoch  uint64
	rebind bool
	// desired is what should be on the card. It's replayed whenever the
	// connection comes (back) up since Discord forgets it on disconnect.
	desired *Activity
	dirty   bool
}

func NewManager(conn Conn) *Manager {
	return &Manager{
		conn:     conn,
		interval: time.Second,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Binding() (Binding, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.binding, m.bound
}

// EnsureIdentity rebinds the connection when b differs from the current binding.
// The old connection is shut down and exactly one new attempt is made; the pump
// takes over retrying from there.
func (m *Manager) EnsureIdentity(b Binding) {
	m.mu.Lock()
	if m.bound && m.binding == b {
		m.mu.Unlock()
		return
	}

	slog.Info("Binding presence connection",
		slog.String("source", b.Source),
		slog.String("client_id", b.ClientID))

	m.binding = b
	m.bound = true
	m.epoch++
	m.rebind = true
	m.desired = nil
	m.dirty = false
	m.state = Connecting
	m.mu.Unlock()

	m.tryWire()
}

// Publish shows activity on the card. While disconnected the latest activity is
// held and sent once the connection is up.
func (m *Manager) Publish(activity Activity) {
	m.mu.Lock()
	m.desired = &activity
	m.dirty = true
	m.mu.Unlock()

	m.tryWire()
}

// Clear is always safe to call and does nothing on the wire while disconnected
func (m *Manager) Clear() {
	m.mu.Lock()
	m.desired = nil
	m.dirty = true
	m.mu.Unlock()

	m.tryWire()
}

// tryWire does pending work now if the wire is free
func (m *Manager) tryWire() {
	if !m.wire.TryLock() {
		return
	}
	defer m.wire.Unlock()

	if m.rebindIfNeeded() {
		return
	}
	m.flush()
}

// Step runs one iteration of the pump
func (m *Manager) Step() {
	m.wire.Lock()
	defer m.wire.Unlock()

	// A rebind left over from a busy wire counts as this pass's attempt
	if m.rebindIfNeeded() {
		return
	}

	m.mu.Lock()
	state, epoch, clientID := m.state, m.epoch, m.binding.ClientID
	m.mu.Unlock()

	switch state {
	case Connecting:
		m.conn.PumpCallbacks()
		if m.conn.IsConnected() {
			m.transition(epoch, Connected)
			break
		}
		m.conn.Shutdown()
		m.opened = false
		m.attempt(clientID, epoch)
	case Connected:
		m.conn.PumpCallbacks()
		if !m.conn.IsConnected() {
			slog.Info("Presence connection dropped, reconnecting",
				slog.String("client_id", clientID))
			m.transition(epoch, Connecting)
		}
	}
	m.flush()
}

// rebindIfNeeded must be called with wire held. It reports whether it did anything.
func (m *Manager) rebindIfNeeded() bool {
	m.mu.Lock()
	if !m.rebind {
		m.mu.Unlock()
		return false
	}
	m.rebind = false
	clientID, epoch := m.binding.ClientID, m.epoch
	m.mu.Unlock()

	if m.opened {
		m.conn.Shutdown()
		m.opened = false
	}
	m.attempt(clientID, epoch)
	m.flush()
	return true
}

// attempt must be called with wire held
func (m *Manager) attempt(clientID string, epoch uint64) {
	m.opened = true
	if err := m.conn.Init(clientID); err != nil {
		slog.Debug("Presence connection attempt failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
		return
	}
	if m.conn.IsConnected() {
		m.transition(epoch, Connected)
	}
}

// transition records a state seen on the wire unless the binding has moved on
func (m *Manager) transition(epoch uint64, to State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epoch != epoch || m.state == to {
		return
	}
	m.state = to
	if to == Connected {
		slog.Info("Presence connected", slog.String("client_id", m.binding.ClientID))
		m.dirty = m.desired != nil
	}
}

// flush must be called with wire held. It sends the card when it changed and
// the connection is up.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.state != Connected || !m.dirty {
		m.mu.Unlock()
		return
	}
	m.dirty = false
	desired := m.desired
	m.mu.Unlock()

	if desired == nil {
		if err := m.conn.Clear(); err != nil {
			slog.Warn("Failed to clear presence", slog.String("error", err.Error()))
		}
		return
	}
	if err := m.conn.Update(*desired); err != nil {
		slog.Warn("Failed to update presence", slog.String("error", err.Error()))
	}
}

// Run pumps the connection until ctx is cancelled
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Step()
		}
	}
}

// Close drops the connection. The remote side treats this like any other
// disconnect. If the pump is stuck on the wire the socket is left to the process exit.
func (m *Manager) Close() {
	m.mu.Lock()
	m.state = Disconnected
	m.bound = false
	m.epoch++
	m.rebind = false
	m.desired = nil
	m.dirty = false
	m.mu.Unlock()

	if !m.wire.TryLock() {
		return
	}
	defer m.wire.Unlock()
	if m.opened {
		m.conn.Shutdown()
		m.opened = false
	}
}
