package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/winwindow/internal/refprice"
)

const (
	binanceAPIURL = "https://api.binance.com/api/v3/ticker/price"
)

// BinanceSource polls Binance's spot ticker over HTTP and feeds prices
// into the Reference-Price Resolver as an Exchange-kind source, mirroring
// the teacher's feeds/binance.go polling loop.
type BinanceSource struct {
	symbols  map[string]string // "BTC" -> "BTCUSDT"
	interval time.Duration
	client   *http.Client
	resolver *refprice.Resolver
}

func NewBinanceSource(symbols map[string]string, interval time.Duration, resolver *refprice.Resolver) *BinanceSource {
	resolver.RegisterSource("binance", refprice.Exchange)
	return &BinanceSource{
		symbols:  symbols,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		resolver: resolver,
	}
}

func (s *BinanceSource) Name() string { return "binance" }

// Run polls every interval until ctx is cancelled.
func (s *BinanceSource) Run(ctx context.Context, agg *Aggregator) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(agg)
		}
	}
}

func (s *BinanceSource) poll(agg *Aggregator) {
	for symbol, pair := range s.symbols {
		price, err := s.fetchPrice(pair)
		if err != nil {
			log.Warn().Err(err).Str("pair", pair).Msg("binance source: fetch failed")
			continue
		}
		now := time.Now()
		s.resolver.Update("binance", symbol, price, now)
		agg.Publish(Tick{Timestamp: now, Symbol: symbol, Spot: price})
	}
}

func (s *BinanceSource) fetchPrice(pair string) (decimal.Decimal, error) {
	resp, err := s.client.Get(fmt.Sprintf("%s?symbol=%s", binanceAPIURL, pair))
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, err
	}
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("binance: HTTP %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(out.Price)
}
