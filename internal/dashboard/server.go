// Package dashboard provides the HTTP and WebSocket surface of the sync
// services.
//
// The REST API exposes each work type's published state and its mutations.
// Every published snapshot is broadcast to connected WebSocket clients, so
// a client sees optimistic changes, load progress and errors as they
// happen.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// MessageType tags a broadcast message.
type MessageType string

const (
	// MessageTypeState carries a published tasksync.State
	MessageTypeState MessageType = "state"

	// MessageTypeQueue carries queue counts after a mutation
	MessageTypeQueue MessageType = "queue"
)

// Message is the envelope of every WebSocket frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals data into a message of the given type.
func NewMessage(typ MessageType, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal %s message: %w", typ, err)
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}, nil
}

const (
	outboxSize   = 128
	clientBuffer = 32
	writeTimeout = 5 * time.Second
)

// client is one WebSocket connection. Its handler goroutine drains send;
// only the fan-out loop closes send, after removing the client.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server serves the API routes and fans messages out to WebSocket clients.
// A client that falls clientBuffer messages behind is disconnected rather
// than slowing the others down.
type Server struct {
	addr   string
	engine *gin.Engine
	http   *http.Server
	ln     net.Listener
	logger *log.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
	welcome func() []Message

	outbox chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// NewServer creates a dashboard server with the /ws and /health routes.
// API routes are added with Handler.Register on Engine.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:    fmt.Sprintf(":%d", config.Port),
		engine:  engine,
		logger:  logger,
		clients: make(map[*client]struct{}),
		outbox:  make(chan Message, outboxSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	engine.GET("/ws", s.handleWebSocket)
	engine.GET("/health", s.handleHealth)
	return s
}

// Engine returns the router, for registering routes and for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// OnConnect sets the messages sent to every new WebSocket client before
// any broadcast.
func (s *Server) OnConnect(welcome func() []Message) {
	s.welcome = welcome
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.http = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.fanOut()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop closes every client, shuts the HTTP server down and waits for the
// server goroutines.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.logger.Println("Stopping dashboard server")
	s.cancel()

	var shutdownErr error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.http.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}
	}
	s.wg.Wait()
	return shutdownErr
}

// Broadcast queues msg for every connected client. It never blocks; a
// message that does not fit in the outbox is dropped.
func (s *Server) Broadcast(msg Message) {
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.outbox <- msg:
	default:
		s.logger.Printf("WARNING: outbox full, dropping %s message", msg.Type)
	}
}

func (s *Server) fanOut() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.outbox:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal %s message: %v", msg.Type, err)
				continue
			}

			s.mu.Lock()
			for c := range s.clients {
				select {
				case c.send <- data:
				default:
					delete(s.clients, c)
					close(c.send)
					s.logger.Printf("Dropped slow client (total: %d)", len(s.clients))
				}
			}
			s.mu.Unlock()
		}
	}
}

// register adds c unless the server is stopping. A registered client's
// handler is counted in wg so Stop waits for it.
func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	s.logger.Printf("Client connected (total: %d)", len(s.clients))
	return true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		s.logger.Printf("Client disconnected (total: %d)", len(s.clients))
	}
	s.mu.Unlock()
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	// Welcome messages go out before the client joins the fan-out, so a
	// client always starts from a full snapshot.
	if s.welcome != nil {
		for _, msg := range s.welcome() {
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := write(s.ctx, conn, data); err != nil {
				_ = conn.Close(websocket.StatusInternalError, "welcome failed")
				return
			}
		}
	}

	cl := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	if !s.register(cl) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.wg.Done()
	defer s.unregister(cl)

	// Client frames are discarded; ctx ends when the peer goes away.
	ctx := conn.CloseRead(s.ctx)
	for {
		select {
		case <-ctx.Done():
			if s.ctx.Err() != nil {
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			} else {
				_ = conn.Close(websocket.StatusNormalClosure, "")
			}
			return

		case data, ok := <-cl.send:
			if !ok {
				_ = conn.Close(websocket.StatusPolicyViolation, "too slow")
				return
			}
			if err := write(ctx, conn, data); err != nil {
				s.logger.Printf("Failed to send to client: %v", err)
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// Addr returns the listening address once started, or the configured one.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of clients receiving broadcasts.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
