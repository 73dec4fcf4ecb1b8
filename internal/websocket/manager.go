package websocket

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-testengine/internal/identity"
)

// Manager owns the process-wide connections, one per authenticated identity.
// Sessions borrow a connection; they never dial their own.
type Manager struct {
	mu      sync.Mutex
	opts    Options
	log     zerolog.Logger
	clients map[string]*Client
}

// NewManager creates a Manager. opts.Token is replaced per identity.
func NewManager(opts Options, log zerolog.Logger) *Manager {
	return &Manager{
		opts:    opts,
		log:     log,
		clients: make(map[string]*Client),
	}
}

// Connect returns the live connection for ident, dialing only when there is
// none.
func (m *Manager) Connect(ctx context.Context, ident identity.Identity) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[ident.ID]; ok && !c.Closed() {
		return c, nil
	}

	opts := m.opts
	opts.Token = ident.Token
	c, err := Dial(ctx, opts, m.log.With().Str("identity", ident.ID).Logger())
	if err != nil {
		return nil, err
	}
	m.clients[ident.ID] = c
	return c, nil
}

// Close closes every connection.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, c := range m.clients {
		_ = c.Close()
		delete(m.clients, id)
	}
}
