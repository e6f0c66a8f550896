// Package platform defines the chat-platform surface the bot consumes.
package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/ModerRAS/WalletBot/ledger"
)

// Platform is the outbound half of a chat transport.
type Platform interface {
	// SendMessage posts text to chat, as a reply when replyTo is non-zero.
	SendMessage(ctx context.Context, chat ledger.ChatID, text string, replyTo ledger.MessageID) (ledger.MessageID, error)
	EditMessageText(ctx context.Context, chat ledger.ChatID, msg ledger.MessageID, text string) error
	DeleteMessage(ctx context.Context, chat ledger.ChatID, msg ledger.MessageID) error
}

// Event is one inbound message.
type Event struct {
	Chat    ledger.ChatID
	Message ledger.MessageID
	Text    string
	ReplyTo *Reply
	Edited  bool
}

// Reply is the message an event replies to.
type Reply struct {
	Message ledger.MessageID
	Text    string
}

func (e Event) Key() ledger.MessageKey {
	return ledger.MessageKey{Chat: e.Chat, Message: e.Message}
}

// Error is a failed platform call. Code follows HTTP semantics, which is
// what chat APIs report; 0 means the request never got an answer.
type Error struct {
	Op          string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Op, e.Code, e.Description)
}

// Temporary reports whether repeating the call may succeed:
// rate limiting, server-side failures and no answer at all.
func (e *Error) Temporary() bool {
	return e.Code == 0 || e.Code == 429 || e.Code >= 500
}

// RetryAfterDelay is the wait the platform asked for, if any.
func (e *Error) RetryAfterDelay() time.Duration { return e.RetryAfter }
