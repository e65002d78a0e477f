// winwindow trades fixed-grid, short-horizon binary prediction markets.
// It wires the Reference-Price Resolver, Window Manager, Strategy Runner,
// Order Manager, Position Manager and Control Surface together and exposes
// them over an outbound WebSocket/REST API and an optional Telegram
// operator channel. Entrypoint shape follows the teacher's cmd/main.go
// signal-driven graceful shutdown, generalized from its single hard-coded
// strategy wiring to the full config-driven stack.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/winwindow/internal/config"
	"github.com/web3guy0/winwindow/internal/control"
	"github.com/web3guy0/winwindow/internal/exchange"
	"github.com/web3guy0/winwindow/internal/feeds"
	"github.com/web3guy0/winwindow/internal/logging"
	"github.com/web3guy0/winwindow/internal/orders"
	"github.com/web3guy0/winwindow/internal/positions"
	"github.com/web3guy0/winwindow/internal/refprice"
	"github.com/web3guy0/winwindow/internal/store"
	"github.com/web3guy0/winwindow/internal/strategyrunner"
	"github.com/web3guy0/winwindow/internal/telegram"
	"github.com/web3guy0/winwindow/internal/wal"
	"github.com/web3guy0/winwindow/internal/window"

	api "github.com/web3guy0/winwindow/internal/api"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Init(cfg.Logging.Level, cfg.Logging.Pretty)

	s, err := store.New(cfg.Store.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer s.Close()

	dryRun := cfg.TradingMode == "DRY_RUN"
	exClient, err := exchange.New(cfg, dryRun)
	if err != nil {
		log.Fatal().Err(err).Msg("build exchange client")
	}

	resolver := refprice.New(cfg.Window.OracleFreshness)
	agg := feeds.NewAggregator(256)

	for _, symbol := range cfg.Symbols {
		chainlinkFeed := os.Getenv("WINWINDOW_CHAINLINK_FEED_" + symbol)
		if chainlinkFeed != "" {
			src := feeds.NewChainlinkSource(symbol, chainlinkFeed, 5*time.Second, resolver)
			go src.Run(context.Background(), agg)
		}
	}
	binanceSymbols := map[string]string{}
	for _, symbol := range cfg.Symbols {
		binanceSymbols[symbol] = symbol + "USDT"
	}
	binanceFeed := feeds.NewBinanceSource(binanceSymbols, 2*time.Second, resolver)
	go binanceFeed.Run(context.Background(), agg)

	walInst := wal.New(s)

	orderCfg := orders.Config{
		MaxOrderUSD:        decimal.NewFromFloat(cfg.Risk.MaxOrderUSD),
		WindowOrderCap:     int64(cfg.Risk.WindowOrderCap),
		ConfirmationPoll:   time.Second,
		ConfirmationBudget: 5 * time.Second,
	}
	orderMgr := orders.New(s, walInst, exClient, orderCfg)

	reconciler := orders.NewReconciler(s, orderMgr)
	if err := reconciler.Run(context.Background()); err != nil {
		log.Error().Err(err).Msg("startup reconciliation failed, continuing")
	}

	posCfg := positions.ConfigFromPercents(
		cfg.Risk.TrailingActivationPct,
		cfg.Risk.TrailingStopPct,
		cfg.Risk.ProfitFloorPct,
		cfg.Risk.StopLossPct,
		cfg.Risk.ReversalThresholdPct,
	)
	posMgr := positions.New(s, orderMgr, posCfg)

	controller := control.New(s, orderMgr, posMgr)
	controller.SetTradingMode(control.TradingMode(cfg.TradingMode), cfg.LiveConfirmed, "startup")

	winMgr := window.New(s, resolver, cfg.Window.SizeSeconds, cfg.Window.CheckInterval)
	for _, symbol := range cfg.Symbols {
		winMgr.Track(symbol)
	}

	runner := strategyrunner.New(orderMgr, controller)
	runner.Register(strategyrunner.NewImpliedBreakout(0.35, 0.65, 0.15, 0.20, cfg.Risk.MaxOrderUSD, 30*time.Second))

	stateView := &engineState{controller: controller, store: s}
	apiSrv := api.New(cfg.API.ListenAddr, s, controller, stateView, cfg.LiveConfirmed)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go winMgr.Run(ctx)
	go apiSrv.Start(ctx)
	go consumeTicks(ctx, agg, runner, controller)
	go monitorPositions(ctx, s, posMgr, resolver)
	go relayWindowCloses(ctx, winMgr, posMgr, apiSrv)

	var bot *telegram.Bot
	if cfg.Telegram.Enabled {
		bot, err = telegram.New(cfg.Telegram.Token, cfg.Telegram.ChatID, s, controller, exClient)
		if err != nil {
			log.Error().Err(err).Msg("telegram bot disabled: failed to start")
		} else {
			bot.Start()
			defer bot.Stop()
		}
	}

	log.Info().Str("mode", cfg.TradingMode).Strs("symbols", cfg.Symbols).Msg("winwindow engine started")
	<-ctx.Done()
	log.Info().Msg("shutting down")
}

// consumeTicks fans aggregator ticks into the Strategy Runner under the
// current trading mode.
func consumeTicks(ctx context.Context, agg *feeds.Aggregator, runner *strategyrunner.Runner, ctl *control.Controller) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-agg.Ticks():
			mode := store.ExecutionMode(ctl.Snapshot().TradingMode)
			runner.OnTick(ctx, tick, mode)
		}
	}
}

// monitorPositions periodically re-evaluates every open position's exit
// conditions against the latest resolved price.
func monitorPositions(ctx context.Context, s *store.Store, posMgr *positions.Manager, resolver *refprice.Resolver) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			open, err := s.AllOpenPositions()
			if err != nil {
				log.Error().Err(err).Msg("list open positions")
				continue
			}
			for i := range open {
				pos := &open[i]
				price, _, ok := resolver.Resolve(pos.Symbol)
				if !ok {
					continue
				}
				if _, err := posMgr.MonitorPosition(ctx, pos, price); err != nil {
					log.Error().Err(err).Str("symbol", pos.Symbol).Msg("monitor position")
				}
			}
		}
	}
}

// relayWindowCloses sweeps any still-open positions when their window
// resolves and mirrors the event to API subscribers.
func relayWindowCloses(ctx context.Context, winMgr *window.Manager, posMgr *positions.Manager, apiSrv *api.Server) {
	sub := winMgr.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub:
			windowID := window.WindowID(ev.Symbol, ev.Epoch)
			if err := posMgr.SweepWindow(ctx, windowID, ev.Final); err != nil {
				log.Error().Err(err).Str("window_id", windowID).Msg("sweep window")
			}
			apiSrv.BroadcastEvent("window", ev)
		}
	}
}

// engineState adapts the Controller + Store into the small snapshot the
// Outbound API broadcasts to newly connected dashboard clients.
type engineState struct {
	controller *control.Controller
	store      *store.Store
}

func (e *engineState) Snapshot() map[string]interface{} {
	open, _ := e.store.AllOpenPositions()
	return map[string]interface{}{
		"control":        e.controller.Snapshot(),
		"open_positions": open,
	}
}
