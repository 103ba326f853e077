package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/go-company/internal/bus"
	"github.com/basket/go-company/internal/ingress"
	"github.com/basket/go-company/internal/orchestrator"
	"github.com/basket/go-company/internal/persistence"
)

// Submitter stores principal messages. *ingress.Service implements it.
type Submitter interface {
	Submit(ctx context.Context, meta ingress.Meta, body any, msg persistence.Message) ingress.Result
}

// DecisionDesk lists and answers decision inbox items. *orchestrator.Orchestrator
// implements it.
type DecisionDesk interface {
	Decisions(ctx context.Context) ([]orchestrator.Decision, error)
	ReplyDecision(ctx context.Context, decisionID string, option int, note string) (*orchestrator.DecisionReply, error)
}

// botAPI is the subset of *tgbotapi.BotAPI the channel uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type TelegramOptions struct {
	Token      string
	AllowedIDs []int64
	Ingress    Submitter
	Decisions  DecisionDesk
	Bus        *bus.Bus
	Logger     *slog.Logger
}

// TelegramChannel lets the principal talk to the company from Telegram.
// Text from allowed users becomes an announcement, or a directive when it
// starts with "$". CEO notices and decision inbox items are pushed to every
// allowed chat; decisions carry one inline button per option.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	ingress    Submitter
	decisions  DecisionDesk
	bus        *bus.Bus
	logger     *slog.Logger
	bot        botAPI
}

func NewTelegramChannel(opts TelegramOptions) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(opts.AllowedIDs))
	for _, id := range opts.AllowedIDs {
		allowed[id] = struct{}{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &TelegramChannel{
		token:      opts.Token,
		allowedIDs: allowed,
		ingress:    opts.Ingress,
		decisions:  opts.Decisions,
		bus:        opts.Bus,
		logger:     opts.Logger.With("component", "telegram"),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot started", "user", bot.Self.UserName, "allowed_chats", len(t.allowedIDs))

	go t.forwardEvents(ctx)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		bot.StopReceivingUpdates()
		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads updates until ctx is done, the channel closes or
// nothing arrives within the stall timeout. A nil return means ctx ended.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// Long polls return every 60s even when idle.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)
			t.handleUpdate(ctx, update)
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil && update.Message.From != nil:
		if !t.allowed(update.Message.From.ID) {
			t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
			return
		}
		t.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil && update.CallbackQuery.From != nil:
		if !t.allowed(update.CallbackQuery.From.ID) {
			t.logger.Warn("telegram callback access denied", "user_id", update.CallbackQuery.From.ID)
			return
		}
		t.handleCallbackQuery(ctx, update.CallbackQuery)
	}
}

func (t *TelegramChannel) allowed(id int64) bool {
	_, ok := t.allowedIDs[id]
	return ok
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	text := strings.TrimLeft(msg.Text, " \t\r\n")
	if strings.TrimSpace(text) == "" {
		return
	}
	if strings.HasPrefix(text, "/decisions") {
		t.sendDecisionList(ctx, chatID)
		return
	}

	directive := strings.HasPrefix(text, "$")
	content := text
	if directive {
		content = strings.TrimLeft(strings.TrimPrefix(text, "$"), " \t\r\n")
	}
	if strings.TrimSpace(content) == "" {
		t.reply(chatID, "Nothing to send after $.")
		return
	}

	m := persistence.Message{
		SenderType:   persistence.SenderCEO,
		ReceiverType: persistence.ReceiverAll,
		MessageType:  persistence.MessageAnnouncement,
		Content:      content,
	}
	meta := ingress.Meta{
		Endpoint:       "telegram",
		Method:         "MESSAGE",
		IdempotencyKey: fmt.Sprintf("telegram:%d:%d", chatID, msg.MessageID),
		RequestIP:      "telegram",
		UserAgent:      "telegram-bot",
		AcceptedDetail: "created:announcement",
	}
	if directive {
		m.MessageType = persistence.MessageDirective
		meta.AcceptedDetail = "created:directive"
	}
	body := map[string]any{"chat_id": chatID, "message_id": msg.MessageID, "text": msg.Text}

	res := t.ingress.Submit(ctx, meta, body, m)
	switch {
	case !res.OK():
		code, _ := res.Error["error"].(string)
		t.reply(chatID, "Could not deliver: "+code)
	case res.Duplicate:
		// Telegram redelivered an update we already stored.
	case directive:
		t.reply(chatID, "Directive received. Planning will pick it up shortly.")
	default:
		t.reply(chatID, "Announcement posted.")
	}
}

// handleCallbackQuery answers a decision option button.
func (t *TelegramChannel) handleCallbackQuery(ctx context.Context, query *tgbotapi.CallbackQuery) {
	decisionID, option, err := parseDecisionCallback(query.Data)
	if err != nil {
		return
	}
	var ack string
	reply, err := t.decisions.ReplyDecision(ctx, decisionID, option, "via Telegram ("+query.From.UserName+")")
	if err != nil {
		ack = "Rejected: " + err.Error()
	} else {
		ack = "Applied: " + reply.Action
	}
	if _, err := t.bot.Request(tgbotapi.NewCallback(query.ID, ack)); err != nil {
		t.logger.Warn("failed to answer callback", "error", err)
	}
	if query.Message != nil && query.Message.Chat != nil {
		t.reply(query.Message.Chat.ID, ack)
	}
}

func (t *TelegramChannel) forwardEvents(ctx context.Context) {
	if t.bus == nil {
		return
	}
	sub := t.bus.Subscribe("")
	defer t.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			t.handleEvent(ctx, ev)
		}
	}
}

func (t *TelegramChannel) handleEvent(ctx context.Context, ev bus.Event) {
	switch payload := ev.Payload.(type) {
	case bus.CEONotice:
		text := payload.Message
		if payload.FromAgent != "" {
			text = payload.FromAgent + ": " + text
		}
		t.broadcast(text, nil)
	case bus.DecisionInboxEvent:
		keyboard := t.decisionKeyboard(ctx, payload.DecisionID)
		t.broadcast("Decision needed: "+payload.Summary, keyboard)
	}
}

func (t *TelegramChannel) decisionKeyboard(ctx context.Context, decisionID string) *tgbotapi.InlineKeyboardMarkup {
	if t.decisions == nil {
		return nil
	}
	items, err := t.decisions.Decisions(ctx)
	if err != nil {
		t.logger.Warn("list decisions failed", "error", err)
		return nil
	}
	for _, d := range items {
		if d.ID == decisionID {
			return optionKeyboard(d)
		}
	}
	return nil
}

func (t *TelegramChannel) sendDecisionList(ctx context.Context, chatID int64) {
	items, err := t.decisions.Decisions(ctx)
	if err != nil {
		t.reply(chatID, "Decision inbox unavailable.")
		return
	}
	if len(items) == 0 {
		t.reply(chatID, "No pending decisions.")
		return
	}
	for _, d := range items {
		t.send(chatID, d.Summary, optionKeyboard(d))
	}
}

func optionKeyboard(d orchestrator.Decision) *tgbotapi.InlineKeyboardMarkup {
	if len(d.Options) == 0 {
		return nil
	}
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(d.Options))
	for _, opt := range d.Options {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(opt.Label, decisionCallback(d.ID, opt.Number)))
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(row)
	return &kb
}

func (t *TelegramChannel) broadcast(text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	for chatID := range t.allowedIDs {
		t.send(chatID, text, keyboard)
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	t.send(chatID, text, nil)
}

func (t *TelegramChannel) send(chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	if t.bot == nil {
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if keyboard != nil {
		msg.ReplyMarkup = keyboard
	}
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram message", "chat_id", chatID, "error", err)
	}
}

// Callback data is "d:<decision id>:<option>". Decision ids contain colons,
// so the option is split off the end.
func decisionCallback(decisionID string, option int) string {
	return "d:" + decisionID + ":" + strconv.Itoa(option)
}

func parseDecisionCallback(data string) (string, int, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(data), "d:")
	if !ok {
		return "", 0, fmt.Errorf("not a decision callback")
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 {
		return "", 0, fmt.Errorf("invalid decision callback %q", data)
	}
	option, err := strconv.Atoi(rest[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid decision option: %w", err)
	}
	return rest[:i], option, nil
}
