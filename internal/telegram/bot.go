package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"imagegen-quota/internal/clock"
	"imagegen-quota/internal/license"
	"imagegen-quota/internal/quota"
)

// Admin is the license management surface the bot drives.
type Admin interface {
	RegisterLicense(ctx context.Context, domain string, tier license.Tier, expiresAt *time.Time, note string) (license.License, error)
	List(ctx context.Context) ([]license.License, error)
	FindByKey(ctx context.Context, key string) (license.License, error)
	GetUsageStats(ctx context.Context, licenseID string) (quota.UsageStats, error)
	ChangeTier(ctx context.Context, licenseID string, tier license.Tier) (license.License, error)
	SetStatus(ctx context.Context, licenseID string, status license.Status) (license.License, error)
	ResetMonthlyUsageForAll(ctx context.Context) (int, error)
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Bot struct {
	api         *tgbotapi.BotAPI
	out         sender
	adminChatID int64
	admin       Admin
	clk         clock.Clock
	log         zerolog.Logger

	mu     sync.Mutex
	states map[int64]pendingState
}

type pendingState string

const (
	stateNone        pendingState = ""
	stateNewLicense  pendingState = "new_license"
	stateAskInfo     pendingState = "ask_info"
	stateAskTier     pendingState = "ask_tier"
	stateAskActivate pendingState = "ask_activate"
	stateAskSuspend  pendingState = "ask_suspend"
)

func NewBot(token string, adminChatID int64, admin Admin, logger zerolog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = false
	b := newBot(api, adminChatID, admin, logger)
	b.api = api
	return b, nil
}

func newBot(out sender, adminChatID int64, admin Admin, logger zerolog.Logger) *Bot {
	return &Bot{
		out:         out,
		adminChatID: adminChatID,
		admin:       admin,
		clk:         clock.Real{},
		log:         logger.With().Str("component", "telegram").Logger(),
		states:      map[int64]pendingState{},
	}
}

func (b *Bot) Run(ctx context.Context) error {
	upd := tgbotapi.NewUpdate(0)
	upd.Timeout = 30
	updates := b.api.GetUpdatesChan(upd)
	b.log.Info().Str("bot", b.api.Self.UserName).Msg("telegram bot started")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case u := <-updates:
			if u.CallbackQuery != nil {
				b.handleCallback(ctx, u.CallbackQuery)
				continue
			}
			if u.Message != nil {
				b.handleMessage(ctx, u.Message)
				continue
			}
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, m *tgbotapi.Message) {
	chatID := m.Chat.ID
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return
	}

	// Only admin can manage
	if chatID != b.adminChatID {
		b.log.Warn().Int64("chat_id", chatID).Msg("message from non-admin chat ignored")
		b.reply(chatID, "این ربات فقط برای ادمین فعال است.")
		return
	}

	if strings.HasPrefix(text, "/start") || strings.HasPrefix(text, "/help") || strings.HasPrefix(text, "/menu") {
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "منوی مدیریت لایسنس تصویرساز")
		return
	}

	switch b.getState(chatID) {
	case stateNewLicense:
		b.handleNewLicenseInput(ctx, chatID, text)
	case stateAskInfo:
		b.setState(chatID, stateNone)
		b.cmdInfo(ctx, chatID, text)
		b.sendMenu(chatID, "")
	case stateAskTier:
		b.handleChangeTierInput(ctx, chatID, text)
	case stateAskActivate:
		b.setState(chatID, stateNone)
		b.cmdSetStatus(ctx, chatID, text, license.StatusActive)
		b.sendMenu(chatID, "")
	case stateAskSuspend:
		b.setState(chatID, stateNone)
		b.cmdSetStatus(ctx, chatID, text, license.StatusSuspended)
		b.sendMenu(chatID, "")
	default:
		b.sendMenu(chatID, "برای مدیریت از دکمه‌ها استفاده کن.")
	}
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.Message == nil {
		return
	}
	chatID := q.Message.Chat.ID

	if chatID != b.adminChatID {
		b.answerCallback(q.ID, "اجازه دسترسی ندارید")
		return
	}

	data := strings.TrimSpace(q.Data)
	b.answerCallback(q.ID, "")

	switch {
	case data == "menu":
		b.setState(chatID, stateNone)
		b.sendMenu(chatID, "منوی مدیریت")
	case data == "new":
		b.setState(chatID, stateNewLicense)
		b.reply(chatID, "فرمت: <tier> <domain> [days] [note]\ntiers: free, pro_basic, pro_premium\nمثال: pro_basic shop.example 30 مشتری-الف")
	case data == "list":
		b.setState(chatID, stateNone)
		b.cmdList(ctx, chatID)
	case data == "ask_info":
		b.setState(chatID, stateAskInfo)
		b.reply(chatID, "کلید لایسنس را ارسال کن:")
	case data == "ask_tier":
		b.setState(chatID, stateAskTier)
		b.reply(chatID, "فرمت: <license> <tier>\nمثال: AIMG-PRO-.... pro_premium")
	case data == "ask_activate":
		b.setState(chatID, stateAskActivate)
		b.reply(chatID, "کلید لایسنس را ارسال کن تا فعال شود:")
	case data == "ask_suspend":
		b.setState(chatID, stateAskSuspend)
		b.reply(chatID, "کلید لایسنس را ارسال کن تا معلق شود:")
	case data == "reset":
		b.setState(chatID, stateNone)
		b.cmdReset(ctx, chatID)
		b.sendMenu(chatID, "")
	case strings.HasPrefix(data, "info:"):
		b.setState(chatID, stateNone)
		b.cmdInfo(ctx, chatID, strings.TrimPrefix(data, "info:"))
		b.sendMenu(chatID, "")
	default:
		b.sendMenu(chatID, "عملیات نامعتبر")
	}
}

func (b *Bot) sendMenu(chatID int64, title string) {
	if strings.TrimSpace(title) == "" {
		title = "منو"
	}
	msg := tgbotapi.NewMessage(chatID, title)
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("➕ ساخت لایسنس", "new"),
			tgbotapi.NewInlineKeyboardButtonData("📋 لیست", "list"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ مصرف", "ask_info"),
			tgbotapi.NewInlineKeyboardButtonData("✏️ تغییر پلن", "ask_tier"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ فعال", "ask_activate"),
			tgbotapi.NewInlineKeyboardButtonData("⛔ تعلیق", "ask_suspend"),
		),
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🔄 ریست ماهانه", "reset"),
		),
	)
	b.send(msg)
}

func (b *Bot) cmdList(ctx context.Context, chatID int64) {
	list, err := b.admin.List(ctx)
	if err != nil {
		b.fail(chatID, "list licenses", err)
		return
	}
	if len(list) == 0 {
		b.reply(chatID, "هیچ لایسنس‌ای وجود ندارد")
		return
	}

	lines := []string{"آخرین لایسنس‌ها (برای جزئیات روی دکمه بزن):"}
	max := len(list)
	if max > 20 {
		max = 20
	}
	buttons := make([][]tgbotapi.InlineKeyboardButton, 0, max+1)
	for _, lic := range list[:max] {
		lines = append(lines, fmt.Sprintf("- %s | %s | %s | %d/%d | %s",
			lic.Key, lic.Domain, lic.Tier, lic.CurrentUsage, lic.MonthlyLimit, lic.Status))
		buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("ℹ️ "+shortKey(lic.Key), "info:"+lic.Key),
		))
	}
	if len(list) > max {
		lines = append(lines, fmt.Sprintf("... (%d more)", len(list)-max))
	}
	buttons = append(buttons, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("↩️ منو", "menu"),
	))

	msg := tgbotapi.NewMessage(chatID, strings.Join(lines, "\n"))
	msg.DisableWebPagePreview = true
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(buttons...)
	b.send(msg)
}

func shortKey(k string) string {
	// Button labels stay short; the full key rides in callback data.
	k = strings.TrimSpace(k)
	if len(k) <= 18 {
		return k
	}
	return k[:10] + "..." + k[len(k)-6:]
}

type newLicenseInput struct {
	tier      license.Tier
	domain    string
	expiresAt *time.Time
	note      string
}

// parseNewLicense reads "<tier> <domain> [days] [note...]". A numeric third
// field is the validity in days; anything after it is the note.
func parseNewLicense(text string, now time.Time) (newLicenseInput, error) {
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return newLicenseInput{}, errors.New("ورودی نامعتبر. فرمت: <tier> <domain> [days] [note]")
	}
	tier, ok := license.ParseTier(fields[0])
	if !ok {
		return newLicenseInput{}, fmt.Errorf("tier نامعتبر است: %s", fields[0])
	}
	in := newLicenseInput{tier: tier, domain: strings.ToLower(fields[1])}
	rest := fields[2:]
	if len(rest) > 0 {
		if days, err := strconv.Atoi(rest[0]); err == nil {
			if days <= 0 {
				return newLicenseInput{}, errors.New("days نامعتبر است")
			}
			exp := now.AddDate(0, 0, days)
			in.expiresAt = &exp
			rest = rest[1:]
		}
	}
	in.note = strings.Join(rest, " ")
	return in, nil
}

func (b *Bot) handleNewLicenseInput(ctx context.Context, chatID int64, text string) {
	in, err := parseNewLicense(text, b.clk.Now().UTC())
	if err != nil {
		b.reply(chatID, err.Error())
		return
	}
	lic, err := b.admin.RegisterLicense(ctx, in.domain, in.tier, in.expiresAt, in.note)
	if err != nil {
		b.fail(chatID, "register license", err)
		return
	}
	b.setState(chatID, stateNone)
	b.log.Info().Str("license_id", lic.ID).Str("tier", string(lic.Tier)).Msg("license created from telegram")
	b.reply(chatID, fmt.Sprintf("License ساخته شد:\n%s\nDomain: %s\nTier: %s\nMonthly limit: %d\nExpires: %s\nNote: %s",
		lic.Key, lic.Domain, lic.Tier, lic.MonthlyLimit, formatExpiry(lic.ExpiresAt), safeNote(lic.Note)))
	b.sendMenu(chatID, "")
}

func (b *Bot) handleChangeTierInput(ctx context.Context, chatID int64, text string) {
	fields := strings.Fields(text)
	if len(fields) != 2 {
		b.reply(chatID, "ورودی نامعتبر. فرمت: <license> <tier>")
		return
	}
	tier, ok := license.ParseTier(fields[1])
	if !ok {
		b.reply(chatID, "tier نامعتبر است")
		return
	}
	b.setState(chatID, stateNone)
	defer b.sendMenu(chatID, "")

	lic, ok := b.lookup(ctx, chatID, fields[0])
	if !ok {
		return
	}
	lic, err := b.admin.ChangeTier(ctx, lic.ID, tier)
	if err != nil {
		b.fail(chatID, "change tier", err)
		return
	}
	b.reply(chatID, fmt.Sprintf("OK\n%s\nTier: %s\nMonthly limit: %d", lic.Key, lic.Tier, lic.MonthlyLimit))
}

func (b *Bot) cmdInfo(ctx context.Context, chatID int64, key string) {
	lic, ok := b.lookup(ctx, chatID, key)
	if !ok {
		return
	}
	stats, err := b.admin.GetUsageStats(ctx, lic.ID)
	if err != nil {
		b.fail(chatID, "usage stats", err)
		return
	}
	lines := []string{
		"License: " + lic.Key,
		"Domain: " + lic.Domain,
		"Tier: " + string(stats.Tier),
		"Status: " + string(stats.Status),
		fmt.Sprintf("Usage: %d/%d", stats.CurrentUsage, stats.MonthlyLimit),
		fmt.Sprintf("Remaining: %d", stats.RemainingGenerations),
		"Resets: " + stats.ResetDate.Format(time.RFC3339),
		"Expires: " + formatExpiry(stats.ExpiresAt),
		"Note: " + safeNote(lic.Note),
		"Created: " + lic.CreatedAt.Format(time.RFC3339),
	}
	if stats.LastRequest != nil {
		lines = append(lines, "Last request: "+stats.LastRequest.Format(time.RFC3339))
	}
	if stats.TimeUntilNextRequest > 0 {
		lines = append(lines, "Next request in: "+stats.TimeUntilNextRequest.Round(time.Second).String())
	}
	b.reply(chatID, strings.Join(lines, "\n"))
}

func (b *Bot) cmdSetStatus(ctx context.Context, chatID int64, key string, status license.Status) {
	lic, ok := b.lookup(ctx, chatID, key)
	if !ok {
		return
	}
	lic, err := b.admin.SetStatus(ctx, lic.ID, status)
	if err != nil {
		b.fail(chatID, "set status", err)
		return
	}
	b.reply(chatID, fmt.Sprintf("OK\n%s\nStatus: %s", lic.Key, lic.Status))
}

func (b *Bot) cmdReset(ctx context.Context, chatID int64) {
	n, err := b.admin.ResetMonthlyUsageForAll(ctx)
	if err != nil {
		b.fail(chatID, "monthly reset", err)
		return
	}
	b.reply(chatID, fmt.Sprintf("OK\nReset: %d", n))
}

func (b *Bot) lookup(ctx context.Context, chatID int64, key string) (license.License, bool) {
	key = strings.TrimSpace(key)
	lic, err := b.admin.FindByKey(ctx, key)
	if errors.Is(err, quota.ErrNotFound) {
		b.reply(chatID, "لایسنس پیدا نشد: "+key)
		return license.License{}, false
	}
	if err != nil {
		b.fail(chatID, "find license", err)
		return license.License{}, false
	}
	return lic, true
}

func (b *Bot) fail(chatID int64, op string, err error) {
	b.log.Error().Err(err).Str("op", op).Msg("admin command failed")
	b.reply(chatID, "خطا: "+err.Error())
}

func (b *Bot) answerCallback(id string, text string) {
	if _, err := b.out.Request(tgbotapi.NewCallback(id, text)); err != nil {
		b.log.Debug().Err(err).Msg("answer callback")
	}
}

func (b *Bot) setState(chatID int64, st pendingState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st == stateNone {
		delete(b.states, chatID)
		return
	}
	b.states[chatID] = st
}

func (b *Bot) getState(chatID int64) pendingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[chatID]
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	b.send(msg)
}

func (b *Bot) send(msg tgbotapi.MessageConfig) {
	if _, err := b.out.Send(msg); err != nil {
		b.log.Warn().Err(err).Int64("chat_id", msg.ChatID).Msg("telegram send failed")
	}
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format("2006-01-02")
}

func safeNote(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	// Telegram rejects invalid UTF-8, so cut on a rune boundary.
	if r := []rune(s); len(r) > 200 {
		return string(r[:200]) + "..."
	}
	return s
}
