package feeds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/winwindow/internal/refprice"
)

const (
	latestAnswerSelector = "0x50d25bcd" // latestAnswer()
	decimalsSelector     = "0x313ce567" // decimals()
	polygonRPC           = "https://polygon-rpc.com"
)

// ChainlinkSource polls a Chainlink-shaped price aggregator via JSON-RPC
// eth_call and feeds the resolved price in as the PrimaryOracle source.
// Adapted from the teacher's internal/chainlink/client.go pollLoop and
// fetchLatestAnswer, trimmed to the single-symbol single-feed case (one
// ChainlinkSource is constructed per tracked symbol).
type ChainlinkSource struct {
	symbol      string
	feedAddress string
	rpcURL      string
	interval    time.Duration
	client      *http.Client
	resolver    *refprice.Resolver
	decimals    int32
}

func NewChainlinkSource(symbol, feedAddress string, interval time.Duration, resolver *refprice.Resolver) *ChainlinkSource {
	resolver.RegisterSource("chainlink_"+symbol, refprice.PrimaryOracle)
	return &ChainlinkSource{
		symbol:      symbol,
		feedAddress: feedAddress,
		rpcURL:      polygonRPC,
		interval:    interval,
		client:      &http.Client{Timeout: 10 * time.Second},
		resolver:    resolver,
		decimals:    8,
	}
}

func (s *ChainlinkSource) Name() string { return "chainlink_" + s.symbol }

func (s *ChainlinkSource) Run(ctx context.Context, agg *Aggregator) {
	s.fetchDecimals()

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

func (s *ChainlinkSource) poll(agg *Aggregator) {
	price, err := s.fetchLatestAnswer()
	if err != nil {
		log.Warn().Err(err).Str("symbol", s.symbol).Msg("chainlink source: fetch failed")
		return
	}
	now := time.Now()
	s.resolver.Update(s.Name(), s.symbol, price, now)
	agg.Publish(Tick{Timestamp: now, Symbol: s.symbol, Spot: price})
}

func (s *ChainlinkSource) fetchDecimals() {
	raw, err := s.ethCall(decimalsSelector)
	if err != nil {
		log.Warn().Err(err).Msg("chainlink source: decimals() failed, defaulting to 8")
		return
	}
	n := new(big.Int)
	n.SetString(strings.TrimPrefix(raw, "0x"), 16)
	s.decimals = int32(n.Int64())
}

func (s *ChainlinkSource) fetchLatestAnswer() (decimal.Decimal, error) {
	raw, err := s.ethCall(latestAnswerSelector)
	if err != nil {
		return decimal.Zero, err
	}
	n := new(big.Int)
	n.SetString(strings.TrimPrefix(raw, "0x"), 16)
	return decimal.NewFromBigInt(n, -s.decimals), nil
}

// ethCall issues a raw JSON-RPC eth_call against the feed contract with
// the given 4-byte function selector and no arguments.
func (s *ChainlinkSource) ethCall(selector string) (string, error) {
	reqBody := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_call",
		"params": []interface{}{
			map[string]string{"to": s.feedAddress, "data": selector},
			"latest",
		},
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Post(s.rpcURL, "application/json", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var out struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("chainlink: decode rpc response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("chainlink: rpc error: %s", out.Error.Message)
	}
	if out.Result == "" || out.Result == "0x" {
		return "", fmt.Errorf("chainlink: empty result")
	}
	return out.Result, nil
}

// parseHexInt parses a 0x-prefixed hex string as an int64. Nothing in
// this package calls it.
func parseHexInt(hexStr string) (int64, error) {
	return strconv.ParseInt(strings.TrimPrefix(hexStr, "0x"), 16, 64)
}
