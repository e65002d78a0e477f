// Package exchange implements the Exchange Client described in spec
// §4.2: a rate-limited, retry-aware wrapper around the Polymarket CLOB
// REST API. The HTTP transport and retry policy are grounded in
// 0xtitan6-polymarket-mm's internal/exchange/client.go (resty with a
// bounded retry count on transport/5xx errors only); the signing and
// balance-lookup logic is grounded in the teacher's exec/client.go.
package exchange

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	resty "github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/winwindow/internal/config"
)

// RawStatus enumerates the exchange's own status vocabulary (§6), distinct
// from the engine's internal OrderStatus tagged type.
type RawStatus string

const (
	RawLive      RawStatus = "live"
	RawMatched   RawStatus = "matched"
	RawCancelled RawStatus = "cancelled"
	RawExpired   RawStatus = "expired"
	RawKilled    RawStatus = "killed"
)

// PlaceResponse is the normalized shape returned by PlaceBuy/PlaceSell and
// by GetOrder, matching the exchange's POST/GET /order response.
type PlaceResponse struct {
	OrderID      string
	Status       RawStatus
	PriceFilled  decimal.Decimal
	Shares       decimal.Decimal
	Cost         decimal.Decimal
	Fee          decimal.Decimal
}

// BestPrices is the normalized GET /prices/{tokenId} response.
type BestPrices struct {
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Spread decimal.Decimal
	Mid    decimal.Decimal
}

// Client is a thread-safe Polymarket CLOB client. All callers of one
// Client instance share its rate limiter.
type Client struct {
	http       *resty.Client
	rl         *RateLimiter
	privateKey *ecdsa.PrivateKey
	address    string
	funder     string
	creds      Credentials
	dryRun     bool
}

// New builds a Client from the wallet and exchange sections of Config.
// dryRun is stored on the Client, but no method reads it: every call goes
// to the exchange whatever its value.
func New(cfg *config.Config, dryRun bool) (*Client, error) {
	c := &Client{
		http: resty.New().
			SetBaseURL(cfg.Exchange.CLOBBaseURL).
			SetTimeout(cfg.Exchange.RequestTimeout).
			SetRetryCount(3).
			SetRetryWaitTime(500 * time.Millisecond).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r.StatusCode() >= 500
			}),
		rl:     NewRateLimiter(),
		funder: cfg.Wallet.FunderAddress,
		creds: Credentials{
			APIKey:     cfg.Exchange.APIKey,
			APISecret:  cfg.Exchange.APISecret,
			Passphrase: cfg.Exchange.Passphrase,
		},
		dryRun: dryRun,
	}

	if cfg.Wallet.PrivateKey != "" {
		pk, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Wallet.PrivateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("exchange: parse private key: %w", err)
		}
		c.privateKey = pk
		c.address = crypto.PubkeyToAddress(pk.PublicKey).Hex()
	}

	return c, nil
}

func (c *Client) authedRequest(ctx context.Context, method, path string, body []byte) *resty.Request {
	req := c.http.R().SetContext(ctx)
	for k, v := range l2Headers(c.creds, c.address, method, path, body) {
		req.SetHeader(k, v)
	}
	return req
}

// PlaceBuy places a buy order sized in dollars. clientOrderID is the
// caller's idempotency key (spec §9: "the intent id doubles as the
// exchange clientOrderId"), carried on the wire order so a later
// reconciliation pass can look the order up by that key.
func (c *Client) PlaceBuy(ctx context.Context, tokenID string, dollars, limit decimal.Decimal, orderType, clientOrderID string) (*PlaceResponse, error) {
	return c.place(ctx, tokenID, "BUY", dollars, limit, orderType, clientOrderID)
}

// PlaceSell places a sell order sized in shares.
func (c *Client) PlaceSell(ctx context.Context, tokenID string, shares, limit decimal.Decimal, orderType, clientOrderID string) (*PlaceResponse, error) {
	return c.place(ctx, tokenID, "SELL", shares, limit, orderType, clientOrderID)
}

func (c *Client) place(ctx context.Context, tokenID, side string, size, limit decimal.Decimal, orderType, clientOrderID string) (*PlaceResponse, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, &SubmissionError{Cause: err}
	}

	order, err := buildSignedOrder(c.privateKey, c.address, c.funder, tokenID, limit, size, side, orderType == "GTD", clientOrderID)
	if err != nil {
		return nil, &SubmissionError{Cause: err}
	}
	order.OrderType = orderType

	var out placeOrderWire
	resp, err := c.authedRequest(ctx, "POST", "/order", nil).
		SetBody(order).
		SetResult(&out).
		Post("/order")
	if err != nil {
		if ctx.Err() != nil {
			return nil, &AmbiguousSubmissionError{Cause: err}
		}
		return nil, &SubmissionError{Cause: err}
	}
	if resp.IsError() {
		return nil, &SubmissionError{Cause: fmt.Errorf("HTTP %d: %s", resp.StatusCode(), resp.String())}
	}

	return out.normalize(), nil
}

// placeOrderWire is the raw JSON shape of a place/get order response.
type placeOrderWire struct {
	OrderID     string `json:"orderId"`
	Status      string `json:"status"`
	PriceFilled string `json:"priceFilled"`
	Shares      string `json:"shares"`
	Cost        string `json:"cost"`
	Fee         string `json:"fee"`
}

func (w placeOrderWire) normalize() *PlaceResponse {
	return &PlaceResponse{
		OrderID:     w.OrderID,
		Status:      RawStatus(strings.ToLower(w.Status)),
		PriceFilled: parseDecimalOrZero(w.PriceFilled),
		Shares:      parseDecimalOrZero(w.Shares),
		Cost:        parseDecimalOrZero(w.Cost),
		Fee:         parseDecimalOrZero(w.Fee),
	}
}

func parseDecimalOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Cancel cancels a live order by exchange order id.
func (c *Client) Cancel(ctx context.Context, orderID string) error {
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return &SubmissionError{Cause: err}
	}
	path := "/order/" + orderID
	resp, err := c.authedRequest(ctx, "DELETE", path, nil).Delete(path)
	if err != nil {
		return &SubmissionError{Cause: err}
	}
	if resp.IsError() {
		return &SubmissionError{Cause: fmt.Errorf("HTTP %d: %s", resp.StatusCode(), resp.String())}
	}
	return nil
}

// GetOrder fetches the current exchange-side state of an order, used for
// confirmation polling and reconciliation.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*PlaceResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}
	path := "/order/" + orderID
	var out placeOrderWire
	resp, err := c.authedRequest(ctx, "GET", path, nil).SetResult(&out).Get(path)
	if err != nil {
		return nil, fmt.Errorf("exchange: get order: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("exchange: get order: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	return out.normalize(), nil
}

// GetBestPrices fetches the current book top for a token.
func (c *Client) GetBestPrices(ctx context.Context, tokenID string) (*BestPrices, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}
	path := "/prices/" + tokenID
	var out struct {
		Bid string `json:"bid"`
		Ask string `json:"ask"`
	}
	resp, err := c.authedRequest(ctx, "GET", path, nil).SetResult(&out).Get(path)
	if err != nil {
		return nil, fmt.Errorf("exchange: get prices: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("exchange: get prices: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	bid := parseDecimalOrZero(out.Bid)
	ask := parseDecimalOrZero(out.Ask)
	return &BestPrices{
		Bid:    bid,
		Ask:    ask,
		Spread: ask.Sub(bid),
		Mid:    bid.Add(ask).Div(decimal.NewFromInt(2)),
	}, nil
}

// GetBalance returns the available USDC collateral balance.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	var out struct {
		Balance string `json:"balance"`
	}
	resp, err := c.authedRequest(ctx, "GET", "/balance", nil).SetResult(&out).Get("/balance")
	if err != nil {
		return decimal.Zero, fmt.Errorf("exchange: get balance: %w", err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("exchange: get balance: HTTP %d: %s", resp.StatusCode(), resp.String())
	}
	return parseDecimalOrZero(out.Balance), nil
}
