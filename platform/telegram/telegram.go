/*
Package telegram adapts the Telegram Bot API to platform.Platform.

PURPOSE:
  Outbound: sendMessage, editMessageText and deleteMessage. The caller's
  context is attached to the HTTP request, so a per-attempt timeout aborts
  the request itself. A request Telegram already accepted before the abort
  still takes effect; a retried sendMessage can then post a second reply.
  Telegram API failures become *platform.Error so the retry executor can
  classify them by code.

  Inbound: long polling via getUpdates. Messages, edited messages, channel
  posts and edited channel posts are all delivered as platform.Event.

SEE ALSO:
  - platform/platform.go: Interface and error type
  - bot/processor.go: Consumer of events
*/
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/ModerRAS/WalletBot/ledger"
	"github.com/ModerRAS/WalletBot/platform"
)

// Client implements platform.Platform on top of tgbotapi.
type Client struct {
	api *tgbotapi.BotAPI
	log zerolog.Logger
}

// New connects with token and verifies it with getMe. httpTimeout bounds
// every HTTP round trip, including long polls, so it must exceed the poll
// timeout.
func New(token string, httpTimeout time.Duration, log zerolog.Logger) (*Client, error) {
	return NewWithEndpoint(token, tgbotapi.APIEndpoint, &http.Client{Timeout: httpTimeout}, log)
}

// NewWithEndpoint is New with a custom API endpoint format and client.
func NewWithEndpoint(token, endpoint string, client tgbotapi.HTTPClient, log zerolog.Logger) (*Client, error) {
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, convertError("getMe", err)
	}
	return &Client{api: api, log: log}, nil
}

// Username is the bot's @name without the @.
func (c *Client) Username() string {
	return c.api.Self.UserName
}

func (c *Client) SendMessage(ctx context.Context, chat ledger.ChatID, text string, replyTo ledger.MessageID) (ledger.MessageID, error) {
	msg := tgbotapi.NewMessage(int64(chat), text)
	if replyTo != 0 {
		msg.ReplyToMessageID = int(replyTo)
		msg.AllowSendingWithoutReply = true
	}
	sent, err := c.withContext(ctx).Send(msg)
	if err != nil {
		return 0, convertError("sendMessage", err)
	}
	return ledger.MessageID(sent.MessageID), nil
}

func (c *Client) EditMessageText(ctx context.Context, chat ledger.ChatID, msg ledger.MessageID, text string) error {
	edit := tgbotapi.NewEditMessageText(int64(chat), int(msg), text)
	_, err := c.withContext(ctx).Request(edit)
	if err != nil {
		if isNotModified(err) {
			// The message already shows this text.
			return nil
		}
		return convertError("editMessageText", err)
	}
	return nil
}

func (c *Client) DeleteMessage(ctx context.Context, chat ledger.ChatID, msg ledger.MessageID) error {
	del := tgbotapi.NewDeleteMessage(int64(chat), int(msg))
	_, err := c.withContext(ctx).Request(del)
	if err != nil {
		return convertError("deleteMessage", err)
	}
	return nil
}

// Listen long-polls for updates and hands each event to handle until ctx is
// done. handle runs on the polling goroutine; events are sequential.
func (c *Client) Listen(ctx context.Context, pollTimeout int, handle func(context.Context, platform.Event)) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	u.AllowedUpdates = []string{"message", "edited_message", "channel_post", "edited_channel_post"}

	updates := c.api.GetUpdatesChan(u)
	defer c.api.StopReceivingUpdates()

	c.log.Info().Str("bot", c.Username()).Msg("listening for updates")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			if ev, ok := ToEvent(upd); ok {
				handle(ctx, ev)
			}
		}
	}
}

// ToEvent extracts the message carried by an update. Updates without text
// are dropped.
func ToEvent(upd tgbotapi.Update) (platform.Event, bool) {
	msg, edited := upd.Message, false
	switch {
	case upd.EditedMessage != nil:
		msg, edited = upd.EditedMessage, true
	case upd.ChannelPost != nil:
		msg = upd.ChannelPost
	case upd.EditedChannelPost != nil:
		msg, edited = upd.EditedChannelPost, true
	}
	if msg == nil || msg.Chat == nil {
		return platform.Event{}, false
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return platform.Event{}, false
	}

	ev := platform.Event{
		Chat:    ledger.ChatID(msg.Chat.ID),
		Message: ledger.MessageID(msg.MessageID),
		Text:    text,
		Edited:  edited,
	}
	if r := msg.ReplyToMessage; r != nil {
		replyText := r.Text
		if replyText == "" {
			replyText = r.Caption
		}
		ev.ReplyTo = &platform.Reply{Message: ledger.MessageID(r.MessageID), Text: replyText}
	}
	return ev, true
}

// =============================================================================
// HELPERS
// =============================================================================

// withContext returns a copy of the API handle whose HTTP requests carry ctx.
// tgbotapi builds requests without a context; the client is the only seam.
func (c *Client) withContext(ctx context.Context) *tgbotapi.BotAPI {
	api := *c.api
	api.Client = contextClient{ctx: ctx, next: c.api.Client}
	return &api
}

type contextClient struct {
	ctx  context.Context
	next tgbotapi.HTTPClient
}

func (c contextClient) Do(req *http.Request) (*http.Response, error) {
	return c.next.Do(req.WithContext(c.ctx))
}

func apiError(err error) (tgbotapi.Error, bool) {
	var pe *tgbotapi.Error
	if errors.As(err, &pe) {
		return *pe, true
	}
	var ve tgbotapi.Error
	if errors.As(err, &ve) {
		return ve, true
	}
	return tgbotapi.Error{}, false
}

func isNotModified(err error) bool {
	te, ok := apiError(err)
	return ok && strings.Contains(te.Message, "message is not modified")
}

// convertError maps API errors to *platform.Error. Transport errors and
// context errors pass through unchanged so they keep their own type.
func convertError(op string, err error) error {
	te, ok := apiError(err)
	if !ok {
		return err
	}
	return &platform.Error{
		Op:          op,
		Code:        te.Code,
		Description: te.Message,
		RetryAfter:  time.Duration(te.RetryAfter) * time.Second,
	}
}
