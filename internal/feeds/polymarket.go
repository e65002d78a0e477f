package feeds

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	polymarketWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	pmReconnectDelay = 5 * time.Second
	pmPingInterval   = 30 * time.Second
)

// tokenSide names which leg of a symbol's UP/DOWN pair a token id tracks.
type tokenSide struct {
	symbol string
	side   string // "UP" or "DOWN"
}

// PolymarketSource streams the live best bid/ask for a market's UP and
// DOWN tokens over the CLOB WebSocket, populating the UpBid/UpAsk/
// DownBid/DownAsk/ImpliedProb fields Tick otherwise leaves zero. Adapted
// from the teacher's feeds/polymarket_ws.go PolymarketFeed: the
// reconnect/ping/read loop structure is kept verbatim in spirit, but the
// per-subscriber-channel fan-out is replaced with a direct Aggregator
// publish, and book state is keyed by (symbol, side) pairs resolved from
// a caller-supplied token map instead of Polymarket's raw asset ids alone.
type PolymarketSource struct {
	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	tokenMap map[string]tokenSide // asset_id -> (symbol, side)
	best     map[string]bookSide  // "symbol:side" -> current best bid/ask
}

type bookSide struct {
	bid decimal.Decimal
	ask decimal.Decimal
}

// NewPolymarketSource builds a source watching the given asset-id to
// (symbol, side) mapping, e.g. {"0xabc...": {"BTC","UP"}, "0xdef...": {"BTC","DOWN"}}.
func NewPolymarketSource(tokens map[string]tokenSide) *PolymarketSource {
	return &PolymarketSource{
		tokenMap: tokens,
		best:     make(map[string]bookSide),
	}
}

// NewPolymarketSourceFromIDs is the convenience constructor strategy
// wiring uses: upTokenID/downTokenID per symbol.
func NewPolymarketSourceFromIDs(symbolTokens map[string]struct{ Up, Down string }) *PolymarketSource {
	tokens := make(map[string]tokenSide)
	for symbol, ids := range symbolTokens {
		if ids.Up != "" {
			tokens[ids.Up] = tokenSide{symbol: symbol, side: "UP"}
		}
		if ids.Down != "" {
			tokens[ids.Down] = tokenSide{symbol: symbol, side: "DOWN"}
		}
	}
	return &PolymarketSource{tokenMap: tokens, best: make(map[string]bookSide)}
}

func (s *PolymarketSource) Name() string { return "polymarket_ws" }

// Run maintains the WebSocket connection until ctx is cancelled,
// reconnecting with a fixed delay on any failure, mirroring the teacher's
// connectionLoop/readLoop split.
func (s *PolymarketSource) Run(ctx context.Context, agg *Aggregator) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connect(ctx); err != nil {
			log.Warn().Err(err).Msg("polymarket source: connect failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(pmReconnectDelay):
			}
			continue
		}

		s.readLoop(ctx, agg)

		select {
		case <-ctx.Done():
			return
		case <-time.After(pmReconnectDelay):
		}
	}
}

func (s *PolymarketSource) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, polymarketWSURL, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	assets := make([]string, 0, len(s.tokenMap))
	for id := range s.tokenMap {
		assets = append(assets, id)
	}
	if err := conn.WriteJSON(map[string]interface{}{
		"type":       "subscribe",
		"assets_ids": assets,
		"channel":    "market",
	}); err != nil {
		conn.Close()
		return err
	}

	go s.pingLoop(ctx, conn)
	log.Info().Int("assets", len(assets)).Msg("🔌 polymarket source connected")
	return nil
}

func (s *PolymarketSource) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pmPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			current := s.conn
			connected := s.connected
			s.mu.RUnlock()
			if current != conn || !connected {
				return
			}
			_ = conn.WriteMessage(websocket.PingMessage, nil)
		}
	}
}

func (s *PolymarketSource) readLoop(ctx context.Context, agg *Aggregator) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Msg("polymarket source: read error")
			s.mu.Lock()
			s.connected = false
			s.mu.Unlock()
			return
		}
		s.processMessage(msg, agg)
	}
}

// wsMessage mirrors the teacher's WSMessage envelope.
type wsMessage struct {
	EventType string          `json:"event_type"`
	Market    string          `json:"market"`
	Asset     string          `json:"asset_id"`
	Price     string          `json:"price"`
	Side      string          `json:"side"`
	Bids      [][2]string     `json:"bids"`
	Asks      [][2]string     `json:"asks"`
}

func (s *PolymarketSource) processMessage(data []byte, agg *Aggregator) {
	var msgs []wsMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		var single wsMessage
		if err := json.Unmarshal(data, &single); err != nil {
			return
		}
		msgs = []wsMessage{single}
	}

	for _, msg := range msgs {
		ts, ok := s.tokenMap[msg.Asset]
		if !ok {
			continue
		}
		switch msg.EventType {
		case "book":
			s.handleBook(ts, msg, agg)
		case "price_change":
			s.handlePriceChange(ts, msg, agg)
		}
	}
}

func (s *PolymarketSource) handleBook(ts tokenSide, msg wsMessage, agg *Aggregator) {
	bid := bestLevel(msg.Bids, true)
	ask := bestLevel(msg.Asks, false)
	s.updateAndPublish(ts, bid, ask, agg)
}

func (s *PolymarketSource) handlePriceChange(ts tokenSide, msg wsMessage, agg *Aggregator) {
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return
	}
	s.mu.Lock()
	cur := s.best[ts.symbol+":"+ts.side]
	if msg.Side == "BUY" {
		cur.bid = price
	} else {
		cur.ask = price
	}
	s.best[ts.symbol+":"+ts.side] = cur
	s.mu.Unlock()
	s.publish(ts, cur.bid, cur.ask, agg)
}

func (s *PolymarketSource) updateAndPublish(ts tokenSide, bid, ask decimal.Decimal, agg *Aggregator) {
	s.mu.Lock()
	s.best[ts.symbol+":"+ts.side] = bookSide{bid: bid, ask: ask}
	s.mu.Unlock()
	s.publish(ts, bid, ask, agg)
}

// publish emits a Tick carrying only the UP or DOWN side this message
// updated; the other side's fields stay zero and the Reference-Price
// Resolver/strategies treat a zero ask as "no data yet" for that side.
func (s *PolymarketSource) publish(ts tokenSide, bid, ask decimal.Decimal, agg *Aggregator) {
	t := Tick{Timestamp: time.Now(), Symbol: ts.symbol}
	if ts.side == "UP" {
		t.UpBid, t.UpAsk = bid, ask
	} else {
		t.DownBid, t.DownAsk = bid, ask
	}
	if !t.UpAsk.IsZero() && !t.UpBid.IsZero() {
		t.ImpliedProb = t.UpBid.Add(t.UpAsk).Div(decimal.NewFromInt(2))
	}
	agg.Publish(t)
}

func bestLevel(levels [][2]string, highest bool) decimal.Decimal {
	var best decimal.Decimal
	set := false
	for _, lvl := range levels {
		p, err := decimal.NewFromString(lvl[0])
		if err != nil {
			continue
		}
		if !set {
			best, set = p, true
			continue
		}
		if highest && p.GreaterThan(best) {
			best = p
		} else if !highest && p.LessThan(best) {
			best = p
		}
	}
	return best
}
