// Package server exposes the exchange over a WebSocket command interface and
// streams its events to connected clients.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"perpsim/pkg/perp"
)

// Config holds the WebSocket server settings.
type Config struct {
	Addr            string
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  256 * 1024,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // must stay under PongTimeout
	}
}

// envelope is the wire form of a command: a type tag plus the command fields
// at the top level.
type envelope struct {
	Type string `json:"type"`
}

// event is a pushed (non-reply) message to subscribed clients.
type event struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Server serves the command protocol on /ws and a health probe on /health.
// Each client message is one command executed against the exchange; exchange
// events are fanned out to every connected client.
type Server struct {
	cfg      Config
	exchange *perp.Exchange
	logger   log.Logger

	clients   map[*client]bool
	clientsMu sync.Mutex

	messagesOut uint64
	httpServer  *http.Server
	upgrader    websocket.Upgrader
}

type client struct {
	conn   *websocket.Conn
	server *Server
	send   chan []byte
}

// New creates a server over the given exchange.
func New(exchange *perp.Exchange, logger log.Logger, cfg Config) *Server {
	return &Server{
		cfg:      cfg,
		exchange: exchange,
		logger:   logger.New("module", "server"),
		clients:  make(map[*client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info("WebSocket server starting", "addr", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server and closes every client.
func (s *Server) Shutdown(ctx context.Context) error {
	s.clientsMu.Lock()
	for c := range s.clients {
		close(c.send)
		delete(s.clients, c)
	}
	s.clientsMu.Unlock()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, server: s, send: make(chan []byte, 256)}
	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()
	s.logger.Debug("client connected", "remote", conn.RemoteAddr().String())

	go c.writePump()
	c.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.Lock()
	clients := len(s.clients)
	s.clientsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "healthy",
		"symbol":   perp.Symbol,
		"clients":  clients,
		"messages": atomic.LoadUint64(&s.messagesOut),
	})
}

func (s *Server) dropClient(c *client) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.clientsMu.Unlock()
}

// HandleCommand decodes and executes one raw command message. Decode failures
// become an unsuccessful result instead of dropping the connection.
func (s *Server) HandleCommand(raw []byte) perp.Result {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return perp.Result{Success: false, Error: fmt.Sprintf("invalid message: %v", err)}
	}
	cmd, err := perp.DecodeCommand(env.Type, raw)
	if err != nil {
		return perp.Result{Success: false, Command: env.Type, Error: err.Error()}
	}
	return s.exchange.Execute(cmd)
}

func (c *client) readPump() {
	defer func() {
		c.server.dropClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.server.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.PongTimeout))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("WebSocket read error", "error", err)
			}
			return
		}

		res := c.server.HandleCommand(raw)
		data, err := json.Marshal(res)
		if err != nil {
			c.server.logger.Error("marshal result", "error", err)
			continue
		}
		c.enqueue(data)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.server.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.WriteMessage(websocket.TextMessage, message)
			atomic.AddUint64(&c.server.messagesOut, 1)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands a frame to the write pump, dropping the client if its buffer
// is full.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.server.dropClient(c)
	}
}

// broadcast pushes an event frame to every connected client.
func (s *Server) broadcast(evt event) {
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error("marshal event", "error", err)
		return
	}

	s.clientsMu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	for _, c := range clients {
		c.enqueue(data)
	}
}

// OnTrade pushes an executed trade to all clients.
func (s *Server) OnTrade(trade perp.Trade) {
	s.broadcast(event{Type: "trade", Data: trade, Timestamp: time.Now().Unix()})
}

// OnMarkPrice pushes a mark price change to all clients.
func (s *Server) OnMarkPrice(price decimal.Decimal) {
	s.broadcast(event{
		Type:      "mark_price",
		Data:      map[string]string{"symbol": perp.Symbol, "markPrice": price.String()},
		Timestamp: time.Now().Unix(),
	})
}

// OnLiquidation pushes an executed liquidation to all clients.
func (s *Server) OnLiquidation(le perp.LiquidationEvent) {
	s.broadcast(event{Type: "liquidation", Data: le, Timestamp: time.Now().Unix()})
}

// OnADL pushes a deleveraging result to all clients.
func (s *Server) OnADL(result *perp.ADLResult) {
	s.broadcast(event{Type: "adl", Data: result, Timestamp: time.Now().Unix()})
}
