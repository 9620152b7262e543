// Package ws serves the page WebSockets. Connections are upgraded with
// gobwas/ws, registered with a poller (epoll on Linux), and read by a
// bounded worker pool only when a frame is ready.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/referly/messenger/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize  int           // max concurrent read-worker goroutines
	MaxConnections  int           // hard cap on total connections
	MaxPagesPerUser int           // open pages one user may hold
	ReadTimeout     time.Duration // timeout for reading a ready frame
	WriteTimeout    time.Duration // timeout for writing a frame
	Heartbeat       HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize:  256,
		MaxConnections:  100000,
		MaxPagesPerUser: 20,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		Heartbeat:       DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves the platform user behind an upgrade request.
type Authenticator func(r *http.Request) (userID string, err error)

// Server owns the page connections. HandleUpgrade is mounted on the HTTP
// router; Run starts the poller loop and heartbeat.
type Server struct {
	config       ServerConfig
	poller       *Poller
	conns        *ConnectionManager
	sessionStore *session.Store // optional
	workerPool   chan struct{}
	authenticate Authenticator
	onConnect    func(c *Connection)
	onMessage    func(c *Connection, data []byte)
	onDisconnect func(c *Connection)
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete text frame.
func NewServer(config ServerConfig, sessionStore *session.Store, onMessage func(c *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:       config,
		conns:        NewConnectionManager(),
		sessionStore: sessionStore,
		workerPool:   make(chan struct{}, config.WorkerPoolSize),
		onMessage:    onMessage,
		done:         make(chan struct{}),
	}
}

// SetAuthenticator sets the upgrade authenticator. Without one every
// upgrade is rejected.
func (s *Server) SetAuthenticator(fn Authenticator) {
	s.authenticate = fn
}

// SetOnConnect registers a callback invoked after a connection has been
// registered and its session created.
func (s *Server) SetOnConnect(fn func(c *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is
// removed. It runs before the Redis session is deleted.
func (s *Server) SetOnDisconnect(fn func(c *Connection)) {
	s.onDisconnect = fn
}

// Run creates the poller and starts the read loop and heartbeat in the
// background.
func (s *Server) Run() error {
	p, err := NewPoller()
	if err != nil {
		return fmt.Errorf("ws: failed to create poller: %w", err)
	}
	s.poller = p
	s.startedAt = time.Now()

	go s.readLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server running (workers=%d, max_conns=%d)",
		s.config.WorkerPoolSize, s.config.MaxConnections)
	return nil
}

// HandleUpgrade authenticates the request and upgrades it to a page
// WebSocket.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.authenticate == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	userID, err := s.authenticate(r)
	if err != nil {
		log.Printf("ws: upgrade rejected: %v", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.config.MaxPagesPerUser > 0 && s.conns.CountUser(userID) >= s.config.MaxPagesPerUser {
		http.Error(w, "too many open pages", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), userID, conn)

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessionStore.Create(ctx, c.ID, userID); err != nil {
			log.Printf("ws: failed to create redis session for %s: %v", c.ID, err)
		}
		cancel()
	}

	s.conns.Add(c)
	if err := s.poller.Add(c); err != nil {
		log.Printf("ws: poller add failed for session %s: %v", c.ID, err)
		s.RemoveConnection(c)
		return
	}

	log.Printf("ws: new connection session=%s user=%s (total=%d)", c.ID, userID, s.conns.Count())

	if s.onConnect != nil {
		s.onConnect(c)
	}
}

// readLoop waits for readable connections and hands each to a worker,
// bounded by the worker pool semaphore.
func (s *Server) readLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("ws: poller wait error: %v", err)
			continue
		}

		for _, c := range ready {
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// answered in place; a read failure removes the connection.
func (s *Server) handleConn(c *Connection) {
	// Level-triggered epoll may report the same connection twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.poller.Resume(c)

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.rd, ws.StateServerSide)
	if err != nil {
		// A timeout means the readiness was stale; the heartbeat handles
		// dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = c.Conn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c, then deletes its session.
// Concurrent calls for the same connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c)
	}
	if !s.conns.Remove(c.ID) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete redis session for %s: %v", c.ID, err)
		}
	}

	log.Printf("ws: connection closed session=%s (total=%d)", c.ID, s.conns.Count())
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// StartedAt returns when Run was called.
func (s *Server) StartedAt() time.Time {
	return s.startedAt
}

// Shutdown stops the read loop and closes every connection. The HTTP
// listener is owned by the caller.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() {
		log.Println("ws: shutting down server...")
		close(s.done)

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		if s.poller != nil {
			_ = s.poller.Close()
		}
		log.Printf("ws: server stopped, all connections closed")
	})
	return nil
}
