// Package api is the Outbound API from spec §4.9/§6: a gorilla/websocket
// broadcast server for dashboard clients plus a small net/http ServeMux
// REST surface for controls, trades, instruments, and assertions.
// Grounded in the teacher's internal/dashboard package for the
// broadcast-hub shape and in 0xtitan6-polymarket-mm's use of
// gorilla/websocket for its market feed, here turned outward instead of
// inward. Client connection ids use google/uuid, matching the pack's
// instinct (LucasAlvesSoares reference) of using uuid for anything that
// isn't a DB-assigned id.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/winwindow/internal/control"
	"github.com/web3guy0/winwindow/internal/store"
)

// Envelope is the JSON shape every broadcast message takes.
type Envelope struct {
	Type  string      `json:"type"` // "init" | "state" | "event"
	Event string      `json:"event,omitempty"`
	TS    time.Time   `json:"ts"`
	Data  interface{} `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StateProvider supplies the snapshot sent on a client's initial connect
// and on every periodic "state" broadcast.
type StateProvider interface {
	Snapshot() map[string]interface{}
}

// Controller is the narrow control-surface mutation surface the REST API
// exposes.
type Controller interface {
	Snapshot() control.State
	SetKillSwitch(ctx context.Context, level control.KillSwitch, reason, channel string) error
	SetTradingMode(mode control.TradingMode, liveConfirmed bool, channel string) error
	SetRiskLimits(maxPositionUSD, maxSessionLoss float64, channel string)
	SetAllowList(instruments, strategies, channel string)
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Envelope
}

// Server owns the WebSocket hub and the REST mux.
type Server struct {
	addr       string
	store      *store.Store
	control    Controller
	state      StateProvider
	liveConfirmed bool

	mu      sync.RWMutex
	clients map[string]*client

	mux *http.ServeMux
	srv *http.Server
}

func New(addr string, s *store.Store, ctl Controller, state StateProvider, liveConfirmed bool) *Server {
	srv := &Server{
		addr:          addr,
		store:         s,
		control:       ctl,
		state:         state,
		liveConfirmed: liveConfirmed,
		clients:       make(map[string]*client),
		mux:           http.NewServeMux(),
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/api/controls", s.handleControls)
	s.mux.HandleFunc("/api/trades", s.handleTrades)
	s.mux.HandleFunc("/api/instruments", s.handleInstruments)
	s.mux.HandleFunc("/api/assertions", s.handleAssertions)
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{Addr: s.addr, Handler: s.mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", s.addr).Msg("📡 outbound API listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("api: websocket upgrade failed")
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan Envelope, 64)}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	log.Info().Str("client_id", c.id).Msg("dashboard client connected")

	if s.state != nil {
		c.send <- Envelope{Type: "init", TS: time.Now(), Data: s.state.Snapshot()}
	}

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer s.disconnect(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	for env := range c.send {
		if err := c.conn.WriteJSON(env); err != nil {
			return
		}
	}
}

func (s *Server) disconnect(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	close(c.send)
	c.conn.Close()
	log.Info().Str("client_id", c.id).Msg("dashboard client disconnected")
}

// Broadcast fans env out to every connected client, dropping it for any
// client whose send buffer is full rather than blocking the caller.
func (s *Server) Broadcast(env Envelope) {
	env.TS = time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.send <- env:
		default:
			log.Warn().Str("client_id", c.id).Msg("api: dropping broadcast, client send buffer full")
		}
	}
}

// BroadcastEvent is the convenience wrapper every upstream component
// calls: signal, order, fill, assertion, window, error.
func (s *Server) BroadcastEvent(event string, data interface{}) {
	s.Broadcast(Envelope{Type: "event", Event: event, Data: data})
}

// BroadcastState pushes a fresh state snapshot to all clients; called on a
// timer by the caller (e.g. every few seconds) independent of events.
func (s *Server) BroadcastState() {
	if s.state == nil {
		return
	}
	s.Broadcast(Envelope{Type: "state", Data: s.state.Snapshot()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
