package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/bdobrica/Sekimori/internal/sekimori/config"
	"github.com/bdobrica/Sekimori/internal/sekimori/messenger"
)

// fakeBot captures outgoing Telegram API calls.
type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	nextID   int
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (f *fakeBot) StopReceivingUpdates() {}

func (f *fakeBot) lastSent() tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func newTestAdapter(t *testing.T, cfg config.Telegram) (*Adapter, *fakeBot) {
	t.Helper()
	bot := &fakeBot{}
	if cfg.ChatID == 0 {
		cfg.ChatID = 1000
	}
	if len(cfg.AllowedUsers) == 0 {
		cfg.AllowedUsers = []int64{111}
	}
	return newWithBot(cfg, bot), bot
}

func press(a *Adapter, data string, userID int64) {
	a.handleCallback(&tgbotapi.CallbackQuery{
		ID:   "cb-1",
		Data: data,
		From: &tgbotapi.User{ID: userID},
	})
}

func TestSendApproval_MessageAndKeyboard(t *testing.T) {
	a, bot := newTestAdapter(t, config.Telegram{})

	handle, err := a.SendApproval(context.Background(), messenger.ApprovalRequest{
		RequestID: "req-42",
		Tool:      "ha_call_service",
		Signature: "ha_call_service(light.turn_on, light.bedroom)",
	}, messenger.StandardChoices)
	if err != nil {
		t.Fatal(err)
	}
	if handle != "1" {
		t.Errorf("handle should be the message id, got %q", handle)
	}

	msg, ok := bot.lastSent().(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("expected MessageConfig, got %T", bot.lastSent())
	}
	if !strings.Contains(msg.Text, "Permission Request") || !strings.Contains(msg.Text, "ha_call_service(light.turn_on, light.bedroom)") {
		t.Errorf("unexpected message text: %q", msg.Text)
	}

	markup, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok {
		t.Fatalf("expected inline keyboard, got %T", msg.ReplyMarkup)
	}
	if len(markup.InlineKeyboard) != 1 || len(markup.InlineKeyboard[0]) != 2 {
		t.Fatalf("expected one row of two buttons, got %+v", markup.InlineKeyboard)
	}
	if *markup.InlineKeyboard[0][0].CallbackData != "req-42|allow" {
		t.Errorf("unexpected allow data: %q", *markup.InlineKeyboard[0][0].CallbackData)
	}
	if *markup.InlineKeyboard[0][1].CallbackData != "req-42|deny" {
		t.Errorf("unexpected deny data: %q", *markup.InlineKeyboard[0][1].CallbackData)
	}
}

func TestUpdateApproval_EditsMessage(t *testing.T) {
	a, bot := newTestAdapter(t, config.Telegram{})

	a.UpdateApproval(context.Background(), "7", "Approved", "Approved by 111 at 10:30")

	edit, ok := bot.lastSent().(tgbotapi.EditMessageTextConfig)
	if !ok {
		t.Fatalf("expected EditMessageTextConfig, got %T", bot.lastSent())
	}
	if edit.MessageID != 7 {
		t.Errorf("unexpected message id: %d", edit.MessageID)
	}
	if !strings.Contains(edit.Text, "Approved") {
		t.Errorf("unexpected edit text: %q", edit.Text)
	}
}

func TestUpdateApproval_BadHandleNeverPanics(t *testing.T) {
	a, bot := newTestAdapter(t, config.Telegram{})
	a.UpdateApproval(context.Background(), "not-a-number", "Expired", "")
	if bot.lastSent() != nil {
		t.Error("no edit should be attempted for a bad handle")
	}
}

func TestHandleCallback_AllowedUserFiresCallback(t *testing.T) {
	a, _ := newTestAdapter(t, config.Telegram{AllowedUsers: []int64{111}})

	var got messenger.Result
	fired := make(chan struct{})
	a.RegisterCallback(func(r messenger.Result) {
		got = r
		close(fired)
	})

	press(a, "req-1|allow", 111)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("callback never fired")
	}
	if got.RequestID != "req-1" || got.Action != "allow" || got.UserID != "111" {
		t.Errorf("unexpected result: %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestHandleCallback_UnauthorizedUserIgnored(t *testing.T) {
	a, _ := newTestAdapter(t, config.Telegram{AllowedUsers: []int64{111}})

	fired := false
	a.RegisterCallback(func(messenger.Result) { fired = true })

	press(a, "req-1|deny", 999)

	if fired {
		t.Error("presses from users outside the allowlist must be ignored")
	}
}

func TestHandleCallback_UnauthorizedAuditHook(t *testing.T) {
	a, _ := newTestAdapter(t, config.Telegram{AllowedUsers: []int64{111}, AuditUnauthorized: true})

	var hookID string
	var hookUser int64
	a.RegisterUnauthorizedHandler(func(requestID, action string, userID int64) {
		hookID = requestID
		hookUser = userID
	})

	press(a, "req-1|deny", 999)

	if hookID != "req-1" || hookUser != 999 {
		t.Errorf("unauthorized hook not invoked: id=%q user=%d", hookID, hookUser)
	}
}

func TestHandleCallback_DuplicatePressSuppressed(t *testing.T) {
	a, bot := newTestAdapter(t, config.Telegram{AllowedUsers: []int64{111}})

	count := 0
	a.RegisterCallback(func(messenger.Result) { count++ })

	press(a, "req-1|allow", 111)
	press(a, "req-1|deny", 111)

	if count != 1 {
		t.Errorf("duplicate press must not fire the callback again, got %d", count)
	}

	// The duplicate is answered "Already resolved".
	bot.mu.Lock()
	defer bot.mu.Unlock()
	found := false
	for _, req := range bot.requests {
		if cb, ok := req.(tgbotapi.CallbackConfig); ok && cb.Text == "Already resolved" {
			found = true
		}
	}
	if !found {
		t.Error("duplicate press should be answered with Already resolved")
	}
}

func TestHandleCallback_MalformedDataAnsweredExpired(t *testing.T) {
	a, bot := newTestAdapter(t, config.Telegram{AllowedUsers: []int64{111}})

	fired := false
	a.RegisterCallback(func(messenger.Result) { fired = true })

	press(a, "garbage-without-separator", 111)
	press(a, "req-1|explode", 111)

	if fired {
		t.Error("malformed callback data must not fire the callback")
	}

	bot.mu.Lock()
	defer bot.mu.Unlock()
	expired := 0
	for _, req := range bot.requests {
		if cb, ok := req.(tgbotapi.CallbackConfig); ok && cb.Text == "This button has expired" {
			expired++
		}
	}
	if expired != 2 {
		t.Errorf("expected 2 expired answers, got %d", expired)
	}
}

func TestParseCallbackData(t *testing.T) {
	id, action, ok := parseCallbackData("550e8400-e29b-41d4-a716-446655440000|allow")
	if !ok || id != "550e8400-e29b-41d4-a716-446655440000" || action != "allow" {
		t.Errorf("parse failed: %q %q %v", id, action, ok)
	}

	for _, bad := range []string{"", "|allow", "req|", "req", "req|maybe"} {
		if _, _, ok := parseCallbackData(bad); ok {
			t.Errorf("data %q should not parse", bad)
		}
	}
}
