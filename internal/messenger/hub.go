package messenger

import (
	"log"
	"sync"

	"github.com/referly/messenger/internal/protocol"
	"github.com/referly/messenger/internal/ws"
)

// Hub keeps the live pages of this instance, keyed by page session id.
type Hub struct {
	deps Deps
	send func(sessionID string, data []byte) error

	mu    sync.RWMutex
	pages map[string]*Page
}

// NewHub creates a hub. send writes one frame to a page's WebSocket.
func NewHub(deps Deps, send func(sessionID string, data []byte) error) *Hub {
	return &Hub{
		deps:  deps,
		send:  send,
		pages: make(map[string]*Page),
	}
}

// Connect creates and starts the page for a new WebSocket.
func (h *Hub) Connect(sessionID, userID string) *Page {
	p := NewPage(sessionID, userID, h.deps, func(data []byte) error {
		return h.send(sessionID, data)
	})

	h.mu.Lock()
	if old := h.pages[sessionID]; old != nil {
		old.Close()
	}
	h.pages[sessionID] = p
	h.mu.Unlock()

	p.Start()
	log.Printf("[hub] page opened session=%s user=%s (pages=%d)", sessionID, userID, h.Count())
	return p
}

// Disconnect closes the page of sessionID, if any.
func (h *Hub) Disconnect(sessionID string) {
	h.mu.Lock()
	p := h.pages[sessionID]
	delete(h.pages, sessionID)
	h.mu.Unlock()

	if p != nil {
		p.Close()
	}
}

// Page returns the live page of sessionID, or nil.
func (h *Hub) Page(sessionID string) *Page {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.pages[sessionID]
}

// Count returns the number of live pages.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pages)
}

// Close closes every page.
func (h *Hub) Close() {
	h.mu.Lock()
	pages := h.pages
	h.pages = make(map[string]*Page)
	h.mu.Unlock()

	for _, p := range pages {
		p.Close()
	}
}

// Attach wires the hub to the WebSocket server: connections become pages
// and every intent type is routed to its page.
func (h *Hub) Attach(server *ws.Server, dispatcher *ws.MessageDispatcher) {
	server.SetOnConnect(func(c *ws.Connection) { h.Connect(c.ID, c.UserID) })
	server.SetOnDisconnect(func(c *ws.Connection) { h.Disconnect(c.ID) })

	route := func(c *ws.Connection, msg interface{}) {
		if p := h.Page(c.ID); p != nil {
			p.Handle(msg)
		}
	}
	for _, t := range []string{
		protocol.TypeSearch,
		protocol.TypeStartChat,
		protocol.TypeSelectChannel,
		protocol.TypeCloseChannel,
		protocol.TypeSendMessage,
		protocol.TypeOpenProfile,
		protocol.TypeCloseProfile,
		protocol.TypeDeleteConversation,
		protocol.TypeConfirmDelete,
		protocol.TypeCancelDelete,
		protocol.TypeRetryConnect,
	} {
		dispatcher.Register(t, route)
	}
}
