package websocket

import (
	"sync"
)

// ClientManager tracks open sockets so they can be closed on shutdown.
type ClientManager struct {
	clients map[string]*Client
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewClientManager creates a new ClientManager.
func NewClientManager() *ClientManager {
	return &ClientManager{
		clients: make(map[string]*Client),
	}
}

// Add registers a new client.
func (m *ClientManager) Add(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client.ID] = client
	m.wg.Add(1)
}

// Remove unregisters a client once its handler has returned.
func (m *ClientManager) Remove(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[clientID]; ok {
		delete(m.clients, clientID)
		m.wg.Done()
	}
}

// GetAll returns all currently connected clients.
func (m *ClientManager) GetAll() []*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Client, 0, len(m.clients))
	for _, client := range m.clients {
		all = append(all, client)
	}
	return all
}

// Len returns the number of open sockets.
func (m *ClientManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Wait blocks until every registered client has been removed.
func (m *ClientManager) Wait() {
	m.wg.Wait()
}
