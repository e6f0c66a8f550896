/*
Package bot turns inbound chat messages into ledger commits and reflects
the resulting total back into the chat.

PURPOSE:
  The Processor is the pipeline behind every inbound event:

    Event --> Parse --> Ledger.Commit --> Reflect (edit, or reply)
                |            |                  |
             hint?     AlreadyProcessed?   retried, then
                       Annotated?          MarkReflected

  The ledger write and the outbound reflect are separate steps. A failed
  reflect never undoes a commit: the message is marked as processed and its
  reflect is left pending for the sweep.

REFLECT MODES:
  edit:  Rewrite the original message as text + "\n#总额 " + balance.
         Falls back to a reply when the platform refuses the edit.
  reply: Post the same annotated text as a reply to the original.

SEE ALSO:
  - commands.go: /start, /help, /status, /reprocess
  - scheduler.go: Sweep of pending reflects
*/
package bot

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/ModerRAS/WalletBot/ledger"
	"github.com/ModerRAS/WalletBot/logger"
	"github.com/ModerRAS/WalletBot/parser"
	"github.com/ModerRAS/WalletBot/platform"
	"github.com/ModerRAS/WalletBot/retry"
)

// =============================================================================
// OUTCOMES
// =============================================================================

type Outcome string

const (
	OutcomeIgnored          Outcome = "ignored"           // not meant for the ledger
	OutcomeParseFailed      Outcome = "parse_failed"      // looked like an entry, did not parse
	OutcomeAlreadyProcessed Outcome = "already_processed" // redelivery, nothing changed
	OutcomeAnnotated        Outcome = "annotated"         // carried a total already
	OutcomeConfirmed        Outcome = "confirmed"         // committed and reflected
	OutcomeSideEffectFailed Outcome = "side_effect_failed"
	OutcomeStoreFailed      Outcome = "store_failed"
	OutcomeCommand          Outcome = "command"
	OutcomeReprocessed      Outcome = "reprocessed"
	OutcomeRejected         Outcome = "rejected"
)

type Result struct {
	Outcome     Outcome
	Wallet      ledger.Wallet
	Transaction ledger.Transaction
	Reflect     ledger.ReflectStatus
	Err         error
}

// ReflectMode selects how the total is shown.
type ReflectMode string

const (
	ReflectEdit  ReflectMode = "edit"
	ReflectReply ReflectMode = "reply"
)

// =============================================================================
// PROCESSOR
// =============================================================================

type Options struct {
	Mode             ReflectMode
	SendConfirmation bool
	SendHints        bool
	BotName          string        // accepted /command@BotName suffix
	RecentTTL        time.Duration // in-process redelivery cache
}

func DefaultOptions() Options {
	return Options{
		Mode:      ReflectEdit,
		SendHints: true,
		BotName:   "WalletBot",
		RecentTTL: 15 * time.Minute,
	}
}

type Processor struct {
	ledger   *ledger.Ledger
	platform platform.Platform
	exec     *retry.Executor
	opts     Options
	log      zerolog.Logger

	// recent short-circuits redeliveries of keys this process committed.
	// The processed-message log stays the source of truth.
	recent *cache.Cache

	startedAt time.Time
}

func NewProcessor(l *ledger.Ledger, p platform.Platform, exec *retry.Executor, opts Options, log zerolog.Logger) *Processor {
	if opts.Mode == "" {
		opts.Mode = ReflectEdit
	}
	if opts.RecentTTL <= 0 {
		opts.RecentTTL = 15 * time.Minute
	}
	return &Processor{
		ledger:    l,
		platform:  p,
		exec:      exec,
		opts:      opts,
		log:       log.With().Str("component", "processor").Logger(),
		recent:    cache.New(opts.RecentTTL, 2*opts.RecentTTL),
		startedAt: time.Now(),
	}
}

// Handle runs one inbound event through the pipeline. The returned error is
// set for store and side-effect failures; every other outcome is normal.
// Every call ends in exactly one "event handled" log line.
func (p *Processor) Handle(ctx context.Context, ev platform.Event) (Result, error) {
	log := logger.WithFields(p.log, map[string]interface{}{
		"chat_id":    int64(ev.Chat),
		"message_id": int64(ev.Message),
	})
	res, err := p.handle(ctx, ev, log)
	logOutcome(log, res)
	return res, err
}

func (p *Processor) handle(ctx context.Context, ev platform.Event, log zerolog.Logger) (Result, error) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return Result{Outcome: OutcomeIgnored}, nil
	}
	if strings.HasPrefix(text, "/") {
		return p.handleCommand(ctx, ev, text, log)
	}

	key := ev.Key()
	if _, hit := p.recent.Get(key.String()); hit {
		log.Debug().Msg("redelivery short-circuited by cache")
		return Result{Outcome: OutcomeAlreadyProcessed}, nil
	}

	parsed, err := parser.Parse(ev.Text)
	if err != nil {
		if !parser.LooksLikeEntry(ev.Text) {
			return Result{Outcome: OutcomeIgnored}, nil
		}
		log.Info().Err(err).Msg("message looks like an entry but does not parse")
		if p.opts.SendHints {
			p.notify(ctx, ev.Chat, hintText, ev.Message)
		}
		return Result{Outcome: OutcomeParseFailed, Err: err}, nil
	}

	res, err := p.ledger.Commit(ctx, key, parsed.Posting())
	if err != nil {
		p.notify(ctx, ev.Chat, errorText, ev.Message)
		return Result{Outcome: OutcomeStoreFailed, Wallet: ledger.Wallet{Name: parsed.EntityName}, Err: err}, err
	}
	p.recent.SetDefault(key.String(), struct{}{})

	switch res.Outcome {
	case ledger.OutcomeAlreadyProcessed:
		return Result{Outcome: OutcomeAlreadyProcessed, Wallet: res.Wallet}, nil
	case ledger.OutcomeAnnotated:
		wallet := res.Wallet
		if wallet.Name == "" {
			wallet.Name = parsed.EntityName
		}
		return Result{Outcome: OutcomeAnnotated, Wallet: wallet, Reflect: ledger.ReflectSkipped}, nil
	}

	log.Info().
		Str("wallet", res.Wallet.Name).
		Str("kind", res.Transaction.Kind.String()).
		Str("amount", res.Transaction.Amount.String()).
		Str("balance", res.Wallet.Balance.String()).
		Msg("transaction committed")

	status, err := p.reflectAndMark(ctx, res.Processed)
	out := Result{Outcome: OutcomeConfirmed, Wallet: res.Wallet, Transaction: res.Transaction, Reflect: status}
	if err != nil {
		out.Outcome = OutcomeSideEffectFailed
		out.Err = err
		return out, err
	}
	if p.opts.SendConfirmation {
		p.notify(ctx, ev.Chat, confirmationText(res.Wallet), ev.Message)
	}
	return out, nil
}

// logOutcome writes the summary line for one event. Failures are raised to
// warn and error; redeliveries and chatter stay at debug.
func logOutcome(log zerolog.Logger, res Result) {
	var e *zerolog.Event
	switch res.Outcome {
	case OutcomeStoreFailed:
		e = log.Error()
	case OutcomeSideEffectFailed:
		e = log.Warn()
	case OutcomeIgnored, OutcomeAlreadyProcessed:
		e = log.Debug()
	default:
		e = log.Info()
	}
	e.Err(res.Err).
		Str("wallet", res.Wallet.Name).
		Str("outcome", string(res.Outcome)).
		Str("reflect", string(res.Reflect)).
		Msg("event handled")
}

// =============================================================================
// REFLECT
// =============================================================================

// reflectAndMark shows the total for pm and records how that went.
func (p *Processor) reflectAndMark(ctx context.Context, pm ledger.ProcessedMessage) (ledger.ReflectStatus, error) {
	status, replyID, err := p.reflect(ctx, pm)
	// Record the outcome even when the caller has gone away.
	if markErr := p.ledger.MarkReflected(context.WithoutCancel(ctx), pm.Key, status, replyID); markErr != nil {
		p.log.Error().Err(markErr).
			Int64("chat_id", int64(pm.Key.Chat)).
			Int64("message_id", int64(pm.Key.Message)).
			Str("status", string(status)).
			Msg("could not record reflect status")
	}
	if err != nil {
		p.log.Error().Err(err).
			Int64("chat_id", int64(pm.Key.Chat)).
			Int64("message_id", int64(pm.Key.Message)).
			Str("status", string(status)).
			Msg("reflect failed, ledger keeps the commit")
	}
	return status, err
}

// reflect returns ReflectPending when retries ran out on transient errors,
// so the sweep tries again, and ReflectFailed when the platform refused.
func (p *Processor) reflect(ctx context.Context, pm ledger.ProcessedMessage) (ledger.ReflectStatus, ledger.MessageID, error) {
	text := parser.WithTotal(pm.SourceText, pm.BalanceAfter)

	if p.opts.Mode == ReflectEdit {
		err := p.exec.Do(ctx, "editMessageText", func(ctx context.Context) error {
			return p.platform.EditMessageText(ctx, pm.Key.Chat, pm.Key.Message, text)
		})
		if err == nil {
			return ledger.ReflectConfirmed, 0, nil
		}
		if retryLater(ctx, err) {
			return ledger.ReflectPending, 0, err
		}
		p.log.Info().Err(err).
			Int64("chat_id", int64(pm.Key.Chat)).
			Int64("message_id", int64(pm.Key.Message)).
			Msg("edit refused, replying instead")
	}

	var replyID ledger.MessageID
	err := p.exec.Do(ctx, "sendMessage", func(ctx context.Context) error {
		id, err := p.platform.SendMessage(ctx, pm.Key.Chat, text, pm.Key.Message)
		replyID = id
		return err
	})
	if err == nil {
		return ledger.ReflectConfirmed, replyID, nil
	}
	if retryLater(ctx, err) {
		return ledger.ReflectPending, 0, err
	}
	return ledger.ReflectFailed, 0, err
}

func retryLater(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || retry.Classify(err) == retry.Transient
}

// =============================================================================
// SWEEP
// =============================================================================

type SweepReport struct {
	Attempted int
	Confirmed int
	Pending   int
	Failed    int
}

// SweepReflects retries reflects of messages committed before the given
// time whose total was never shown.
func (p *Processor) SweepReflects(ctx context.Context, before time.Time, limit int) (SweepReport, error) {
	var report SweepReport
	rows, err := p.ledger.PendingReflects(ctx, before, limit)
	if err != nil {
		return report, err
	}
	for _, pm := range rows {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Attempted++
		status, _ := p.reflectAndMark(ctx, pm)
		switch status {
		case ledger.ReflectConfirmed:
			report.Confirmed++
		case ledger.ReflectFailed:
			report.Failed++
		default:
			report.Pending++
		}
	}
	return report, nil
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// notify sends a best-effort message. Hints and acknowledgements are not
// retried and their failures are only logged.
func (p *Processor) notify(ctx context.Context, chat ledger.ChatID, text string, replyTo ledger.MessageID) {
	if _, err := p.platform.SendMessage(ctx, chat, text, replyTo); err != nil {
		var perr *platform.Error
		if errors.As(err, &perr) && perr.Code == 403 {
			p.log.Debug().Err(err).Int64("chat_id", int64(chat)).Msg("not allowed to post in chat")
			return
		}
		p.log.Warn().Err(err).Int64("chat_id", int64(chat)).Msg("notification not delivered")
	}
}
