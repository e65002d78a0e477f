// Package telegram mirrors the Control Surface over a Telegram bot, a
// second, independent operator channel alongside the outbound WebSocket/HTTP
// API (spec §6's "control surface (runtime-mutable)"). Grounded directly in
// the teacher's bot/telegram.go notification/command-loop shape, adapted
// from an in-memory StatsProvider callback interface to read-through
// queries against internal/store and mutations routed through
// internal/control.Controller so every change — telegram or API-originated —
// goes through the same audited path.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/winwindow/internal/control"
	"github.com/web3guy0/winwindow/internal/store"
)

// BalanceSource is the narrow surface needed to answer /balance, factored
// out so the exchange client (which needs a live context) can be swapped
// for a fake in tests.
type BalanceSource interface {
	GetBalance(ctx context.Context) (decimal.Decimal, error)
}

// Bot mirrors the control surface and trading state over Telegram.
type Bot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	store      *store.Store
	controller *control.Controller
	balances   BalanceSource
}

// New builds a Bot from a token and chat id (operator config, not read from
// the environment directly so the caller controls where secrets come from).
func New(token string, chatID int64, s *store.Store, controller *control.Controller, balances BalanceSource) (*Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	b := &Bot{
		api:        api,
		chatID:     chatID,
		stopCh:     make(chan struct{}),
		store:      s,
		controller: controller,
		balances:   balances,
	}
	log.Info().Str("username", api.Self.UserName).Msg("🤖 telegram control channel initialized")
	return b, nil
}

// ParseChatID is a convenience wrapper over strconv for config loaders.
func ParseChatID(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) }

// Start begins listening for operator commands.
func (b *Bot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()
	go b.commandLoop()
	log.Info().Msg("📱 telegram control channel started")
}

// Stop terminates the update loop.
func (b *Bot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
}

// --- Notifications ---------------------------------------------------------

// NotifySignal announces an admitted signal before it reaches the Order
// Manager.
func (b *Bot) NotifySignal(symbol, tokenSide string, entry, tp, sl decimal.Decimal, reason string) {
	emoji := "🟢"
	if tokenSide == "DOWN" {
		emoji = "🔴"
	}
	msg := fmt.Sprintf("%s *SIGNAL* — %s %s\nEntry: %s¢ | TP: %s¢ | SL: %s¢\n_%s_",
		emoji, symbol, tokenSide,
		entry.Mul(decimal.NewFromInt(100)).StringFixed(1),
		tp.Mul(decimal.NewFromInt(100)).StringFixed(1),
		sl.Mul(decimal.NewFromInt(100)).StringFixed(1),
		reason)
	b.sendMarkdown(msg)
}

// NotifyFill announces an order reaching FILLED.
func (b *Bot) NotifyFill(orderID, symbol string, side store.OrderSide, price, size decimal.Decimal) {
	msg := fmt.Sprintf("✅ *FILLED* %s\n%s %s\nPrice: %s¢ | Size: $%s",
		orderID, symbol, side,
		price.Mul(decimal.NewFromInt(100)).StringFixed(1),
		size.StringFixed(2))
	b.sendMarkdown(msg)
}

// NotifyWindowClose announces a resolved window.
func (b *Bot) NotifyWindowClose(symbol, outcome string, strike, final decimal.Decimal) {
	msg := fmt.Sprintf("🏁 *WINDOW RESOLVED* %s\nOutcome: *%s*\nStrike: %s → Final: %s",
		symbol, outcome, strike.StringFixed(4), final.StringFixed(4))
	b.sendMarkdown(msg)
}

// NotifyError surfaces a fatal or escalated error.
func (b *Bot) NotifyError(err error) {
	b.sendMarkdown(fmt.Sprintf("⚠️ *ERROR*\n`%s`", err.Error()))
}

// NotifyKillSwitch announces a kill-switch escalation from any channel.
func (b *Bot) NotifyKillSwitch(level control.KillSwitch, reason string) {
	b.sendMarkdown(fmt.Sprintf("🔴 *KILL SWITCH: %s*\n_%s_", level, reason))
}

// --- Command handling --------------------------------------------------------

func (b *Bot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)
	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != b.chatID {
				continue
			}
			b.handleCommand(update.Message)
		}
	}
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) {
	ctx := context.Background()
	cmd := strings.ToLower(msg.Command())
	args := strings.Fields(msg.CommandArguments())

	switch cmd {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "balance":
		b.cmdBalance(ctx)
	case "positions":
		b.cmdPositions()
	case "pause":
		b.cmdSetKillSwitch(ctx, control.KillPause, "telegram pause")
	case "resume":
		b.cmdSetKillSwitch(ctx, control.KillOff, "telegram resume")
	case "flatten":
		b.cmdSetKillSwitch(ctx, control.KillFlatten, "telegram flatten")
	case "emergency":
		b.cmdSetKillSwitch(ctx, control.KillEmergency, "telegram emergency stop")
	case "reset":
		b.cmdReset()
	case "mode":
		b.cmdMode(args)
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *Bot) cmdHelp() {
	b.sendMarkdown("🤖 *CONTROLS*\n" +
		"/status — engine status\n" +
		"/balance — exchange balance\n" +
		"/positions — open positions\n" +
		"/pause — stop admitting new signals\n" +
		"/resume — clear pause\n" +
		"/flatten — cancel open orders + close positions\n" +
		"/emergency — hard stop (requires /reset)\n" +
		"/reset — clear emergency\n" +
		"/mode PAPER|LIVE|DRY_RUN — switch trading mode\n" +
		"/ping — test connection")
}

func (b *Bot) cmdStatus() {
	s := b.controller.Snapshot()
	msg := fmt.Sprintf("📊 *STATUS*\nKill switch: *%s*\nMode: *%s*\nActive strategy: *%s*\nInstruments: %s\nStrategies: %s",
		s.KillSwitch, s.TradingMode, orDash(s.ActiveStrategy), s.AllowedInstruments, s.AllowedStrategies)
	b.sendMarkdown(msg)
}

func (b *Bot) cmdBalance(ctx context.Context) {
	if b.balances == nil {
		b.send("❌ balance source not configured")
		return
	}
	bal, err := b.balances.GetBalance(ctx)
	if err != nil {
		b.send("❌ failed to fetch balance: " + err.Error())
		return
	}
	b.sendMarkdown(fmt.Sprintf("💰 *BALANCE*\n$%s", bal.StringFixed(2)))
}

func (b *Bot) cmdPositions() {
	open, err := b.store.AllOpenPositions()
	if err != nil {
		b.send("❌ failed to fetch positions")
		return
	}
	if len(open) == 0 {
		b.send("📭 no open positions")
		return
	}
	msg := "💼 *OPEN POSITIONS*\n"
	for i, p := range open {
		if i >= 10 {
			msg += fmt.Sprintf("_... and %d more_\n", len(open)-10)
			break
		}
		msg += fmt.Sprintf("%s %s — %s shares @ %s¢ (hwm %s¢)\n",
			p.Symbol, p.TokenSide, p.Shares.StringFixed(2),
			p.AvgEntry.Mul(decimal.NewFromInt(100)).StringFixed(1),
			p.HighWaterMark.Mul(decimal.NewFromInt(100)).StringFixed(1))
	}
	b.sendMarkdown(msg)
}

func (b *Bot) cmdSetKillSwitch(ctx context.Context, level control.KillSwitch, reason string) {
	if err := b.controller.SetKillSwitch(ctx, level, reason, "telegram"); err != nil {
		b.send("❌ " + err.Error())
		return
	}
	b.send(fmt.Sprintf("✅ kill switch → %s", level))
}

func (b *Bot) cmdReset() {
	if err := b.controller.ResetFromEmergency("telegram"); err != nil {
		b.send("❌ " + err.Error())
		return
	}
	b.send("✅ kill switch reset to off")
}

func (b *Bot) cmdMode(args []string) {
	if len(args) == 0 {
		b.send("usage: /mode PAPER|LIVE|DRY_RUN")
		return
	}
	mode := control.TradingMode(strings.ToUpper(args[0]))
	// LIVE confirmation must come from operator config, not Telegram
	// input directly; Telegram can only request non-LIVE modes.
	liveConfirmed := mode != control.ModeLive
	if err := b.controller.SetTradingMode(mode, liveConfirmed, "telegram"); err != nil {
		b.send("❌ " + err.Error())
		return
	}
	b.send(fmt.Sprintf("✅ trading mode → %s", mode))
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

func (b *Bot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("telegram: send failed")
	}
}

func (b *Bot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("telegram: send failed")
	}
}

var _ = time.Second // keep time import if future rate-limiting is added
