package refprice

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestResolvePrefersFreshPrimaryOracle(t *testing.T) {
	r := New(5 * time.Second)
	r.RegisterSource("chainlink", PrimaryOracle)
	r.RegisterSource("backup-oracle", SecondaryOracle)
	r.RegisterSource("binance", Exchange)
	r.RegisterSource("kraken", Exchange)

	now := time.Now()
	r.Update("chainlink", "BTC", decimal.NewFromInt(50000), now)
	r.Update("backup-oracle", "BTC", decimal.NewFromInt(49000), now)
	r.Update("binance", "BTC", decimal.NewFromInt(51000), now)
	r.Update("kraken", "BTC", decimal.NewFromInt(51500), now)

	price, source, ok := r.Resolve("BTC")
	if !ok {
		t.Fatal("expected a resolved price")
	}
	if source != "chainlink" {
		t.Fatalf("expected primary oracle to win, got source %q", source)
	}
	if !price.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("expected 50000, got %s", price)
	}
}

func TestResolveFallsBackToSecondaryWhenPrimaryStale(t *testing.T) {
	r := New(5 * time.Second)
	r.RegisterSource("chainlink", PrimaryOracle)
	r.RegisterSource("backup-oracle", SecondaryOracle)

	stale := time.Now().Add(-time.Minute)
	fresh := time.Now()
	r.Update("chainlink", "BTC", decimal.NewFromInt(50000), stale)
	r.Update("backup-oracle", "BTC", decimal.NewFromInt(49500), fresh)

	price, source, ok := r.Resolve("BTC")
	if !ok {
		t.Fatal("expected a resolved price")
	}
	if source != "backup-oracle" {
		t.Fatalf("expected secondary oracle, got %q", source)
	}
	if !price.Equal(decimal.NewFromInt(49500)) {
		t.Fatalf("expected 49500, got %s", price)
	}
}

func TestResolveFallsBackToExchangeMedianRequiringTwoFresh(t *testing.T) {
	r := New(5 * time.Second)
	r.RegisterSource("binance", Exchange)
	r.RegisterSource("kraken", Exchange)
	r.RegisterSource("coinbase", Exchange)

	now := time.Now()
	r.Update("binance", "BTC", decimal.NewFromInt(100), now)

	// Only one fresh exchange sample and no oracle: no median is possible,
	// so Resolve falls through to the last known non-stale value, which
	// that single fresh sample has just become.
	price, source, ok := r.Resolve("BTC")
	if !ok || source != "last_known" || !price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected last_known 100 with only one fresh exchange sample, got %s %q %v", price, source, ok)
	}

	r.Update("kraken", "BTC", decimal.NewFromInt(102), now)
	price, source, ok = r.Resolve("BTC")
	if !ok {
		t.Fatal("expected resolve to succeed with two fresh exchange samples")
	}
	if source != "exchange_median" {
		t.Fatalf("expected exchange_median source, got %q", source)
	}
	if !price.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("expected median 101, got %s", price)
	}
}

func TestResolveFallsBackToLastKnownWhenEverythingStale(t *testing.T) {
	r := New(5 * time.Second)
	r.RegisterSource("chainlink", PrimaryOracle)

	fresh := time.Now()
	r.Update("chainlink", "BTC", decimal.NewFromInt(50000), fresh)

	// The freshness window cannot change after construction, so a second
	// resolver with a 1ms window is used: its sample is fresh when recorded,
	// which sets lastKnown, and stale after the 5ms sleep, so Resolve can
	// only return that last known value.
	r2 := New(1 * time.Millisecond)
	r2.RegisterSource("chainlink", PrimaryOracle)
	r2.Update("chainlink", "BTC", decimal.NewFromInt(50000), time.Now())
	time.Sleep(5 * time.Millisecond)

	price, source, ok := r2.Resolve("BTC")
	if !ok {
		t.Fatal("expected last-known fallback to succeed")
	}
	if source != "last_known" {
		t.Fatalf("expected last_known source, got %q", source)
	}
	if !price.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("expected 50000, got %s", price)
	}
}

func TestSpreadComputesMaxMinusMinAcrossFreshSources(t *testing.T) {
	r := New(5 * time.Second)
	r.RegisterSource("chainlink", PrimaryOracle)
	r.RegisterSource("binance", Exchange)

	now := time.Now()
	r.Update("chainlink", "BTC", decimal.NewFromInt(50000), now)
	r.Update("binance", "BTC", decimal.NewFromInt(50250), now)

	spread, ok := r.Spread("BTC")
	if !ok {
		t.Fatal("expected a spread")
	}
	if !spread.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("expected spread 250, got %s", spread)
	}
}
