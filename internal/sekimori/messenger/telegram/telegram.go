// Package telegram implements the guardian messenger adapter over the
// Telegram Bot API.
//
// Each approval request becomes one chat message with an inline
// Allow/Deny keyboard.  The request id and action are embedded in the
// button callback data, so a press needs no adapter-side state to identify
// its request.  Presses whose callback data does not parse are answered as
// expired; a well-formed press on a request the gateway no longer knows
// (for example one from before a restart) is acknowledged and passed to
// the callback like any other.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/bdobrica/Sekimori/common/retry"
	"github.com/bdobrica/Sekimori/internal/sekimori/config"
	"github.com/bdobrica/Sekimori/internal/sekimori/messenger"
)

// callbackSeparator joins request id and action in button callback data.
// Request ids are UUID-shaped and never contain it.
const callbackSeparator = "|"

// sendRetry covers transient bot-API failures on the approval send path.
var sendRetry = retry.Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     5 * time.Second,
}

// botClient is the slice of the Telegram API the adapter uses.  The
// concrete implementation is *tgbotapi.BotAPI; tests substitute a fake.
type botClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// UnauthorizedHandler is invoked for button presses from users outside the
// allowlist, when unauthorized auditing is enabled.
type UnauthorizedHandler func(requestID, action string, userID int64)

// Adapter is the Telegram guardian bot.
type Adapter struct {
	cfg config.Telegram
	bot botClient

	mu       sync.Mutex
	callback messenger.Callback
	resolved map[string]bool
	onUnauth UnauthorizedHandler

	stopOnce sync.Once
	done     chan struct{}
}

// New creates the adapter and verifies the bot token against the API.
func New(cfg config.Telegram) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}
	return newWithBot(cfg, bot), nil
}

func newWithBot(cfg config.Telegram, bot botClient) *Adapter {
	return &Adapter{
		cfg:      cfg,
		bot:      bot,
		resolved: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// SendApproval posts the approval message with inline buttons and returns
// the message id as the handle.
func (a *Adapter) SendApproval(ctx context.Context, req messenger.ApprovalRequest, choices []messenger.Choice) (string, error) {
	buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(choices))
	for _, choice := range choices {
		data := req.RequestID + callbackSeparator + choice.Action
		buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(choice.Label, data))
	}

	msg := tgbotapi.NewMessage(a.cfg.ChatID, "Permission Request\n\nAction: "+req.Signature)
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(buttons...))

	var sent tgbotapi.Message
	err := retry.Do(ctx, sendRetry, func() error {
		var sendErr error
		sent, sendErr = a.bot.Send(msg)
		return sendErr
	})
	if err != nil {
		return "", fmt.Errorf("failed to send approval message: %w", err)
	}

	return fmt.Sprintf("%d", sent.MessageID), nil
}

// UpdateApproval edits the approval message to reflect a decision or
// expiry.  Best-effort: failures are logged, never raised.
func (a *Adapter) UpdateApproval(_ context.Context, handle, status, detail string) {
	var messageID int
	if _, err := fmt.Sscanf(handle, "%d", &messageID); err != nil {
		slog.Warn("invalid approval message handle", "handle", handle)
		return
	}

	edit := tgbotapi.NewEditMessageText(a.cfg.ChatID, messageID, status+"\n\n"+detail)
	if _, err := a.bot.Send(edit); err != nil {
		slog.Warn("failed to edit approval message", "message_id", messageID, "err", err)
	}
}

// RegisterCallback installs the decision callback.
func (a *Adapter) RegisterCallback(cb messenger.Callback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callback = cb
}

// RegisterUnauthorizedHandler installs the hook invoked for presses from
// users outside the allowlist.  Only called when audit_unauthorized is
// enabled in the adapter config.
func (a *Adapter) RegisterUnauthorizedHandler(h UnauthorizedHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onUnauth = h
}

// Start begins long-polling for updates until Stop or ctx cancellation.
func (a *Adapter) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := a.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.done:
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.CallbackQuery != nil {
					a.handleCallback(update.CallbackQuery)
				}
			}
		}
	}()

	return nil
}

// Stop halts update polling.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		close(a.done)
		a.bot.StopReceivingUpdates()
	})
}

// handleCallback processes one inline-button press.
func (a *Adapter) handleCallback(query *tgbotapi.CallbackQuery) {
	requestID, action, ok := parseCallbackData(query.Data)
	if !ok {
		a.answer(query.ID, "This button has expired")
		return
	}

	if query.From == nil || !a.isAllowedUser(query.From.ID) {
		var userID int64
		if query.From != nil {
			userID = query.From.ID
		}
		slog.Warn("ignoring button press from user outside allowlist", "user_id", userID)
		a.mu.Lock()
		unauth := a.onUnauth
		a.mu.Unlock()
		if unauth != nil && a.cfg.AuditUnauthorized {
			unauth(requestID, action, userID)
		}
		return
	}

	a.mu.Lock()
	if a.resolved[requestID] {
		a.mu.Unlock()
		a.answer(query.ID, "Already resolved")
		return
	}
	a.resolved[requestID] = true
	cb := a.callback
	a.mu.Unlock()

	a.answer(query.ID, "")

	if cb != nil {
		cb(messenger.Result{
			RequestID: requestID,
			Action:    action,
			UserID:    fmt.Sprintf("%d", query.From.ID),
			Timestamp: time.Now(),
		})
	}
}

func (a *Adapter) answer(callbackID, text string) {
	if _, err := a.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		slog.Warn("failed to answer callback query", "err", err)
	}
}

func (a *Adapter) isAllowedUser(userID int64) bool {
	for _, allowed := range a.cfg.AllowedUsers {
		if allowed == userID {
			return true
		}
	}
	return false
}

// parseCallbackData splits button callback data back into request id and
// action.
func parseCallbackData(data string) (requestID, action string, ok bool) {
	idx := strings.LastIndex(data, callbackSeparator)
	if idx <= 0 || idx == len(data)-1 {
		return "", "", false
	}
	requestID = data[:idx]
	action = data[idx+1:]
	if action != "allow" && action != "deny" {
		return "", "", false
	}
	return requestID, action, true
}
