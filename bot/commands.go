package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ModerRAS/WalletBot/ledger"
	"github.com/ModerRAS/WalletBot/parser"
	"github.com/ModerRAS/WalletBot/platform"
)

// =============================================================================
// TEXTS
// =============================================================================

const (
	startText = "欢迎使用 WalletBot！\n\n" +
		"我可以帮助你管理钱包交易记录。\n\n" +
		"支持的消息格式：\n" +
		"#钱包名称 #月份 #年份\n" +
		"#出账/入账 金额元\n\n" +
		"输入 /help 查看更多命令。"

	helpText = "WalletBot 帮助\n\n" +
		"支持的命令：\n" +
		"/start - 开始使用\n" +
		"/help - 显示帮助\n" +
		"/reprocess - 重新处理消息\n" +
		"/status - 查看状态\n\n" +
		"消息格式：\n" +
		"#钱包名称 #月份 #年份\n" +
		"#出账 1000.00元\n\n" +
		"或者：\n" +
		"#钱包名称 #月份 #年份\n" +
		"#入账 500.00元\n\n" +
		"我会自动计算并添加 #总额 信息。"

	hintText = "❌ 消息格式不正确\n\n" +
		"📋 正确格式：\n" +
		"#钱包名称 #月份 #年份\n" +
		"#出账/入账 金额元\n\n" +
		"💡 示例：\n" +
		"#支付宝 #12月 #2024年\n" +
		"#出账 150.00元\n\n" +
		"或者：\n" +
		"#微信 #01月 #2024年\n" +
		"#入账 200.00元\n\n" +
		"❓ 需要帮助请输入 /help"

	errorText = "❌ 处理交易时出现错误，请稍后重试或联系管理员。"

	reprocessUsageText = "Please reply to a message to reprocess it"
)

func confirmationText(w ledger.Wallet) string {
	return fmt.Sprintf("✅ 交易已记录\n📊 钱包：%s\n💰 当前余额：%s", w.Name, w.Balance)
}

func reprocessedText(w ledger.Wallet) string {
	return fmt.Sprintf("🔄 消息已重新处理\n📊 钱包：%s\n💰 当前余额：%s", w.Name, w.Balance)
}

// =============================================================================
// COMMANDS
// =============================================================================

func (p *Processor) handleCommand(ctx context.Context, ev platform.Event, text string, log zerolog.Logger) (Result, error) {
	cmd, ok := p.commandName(text)
	if !ok {
		return Result{Outcome: OutcomeIgnored}, nil
	}

	switch cmd {
	case "/start":
		p.notify(ctx, ev.Chat, startText, ev.Message)
	case "/help":
		p.notify(ctx, ev.Chat, helpText, ev.Message)
	case "/status":
		p.notify(ctx, ev.Chat, p.statusText(ctx, ev.Chat), ev.Message)
	case "/reprocess":
		return p.reprocess(ctx, ev, log)
	default:
		return Result{Outcome: OutcomeIgnored}, nil
	}
	return Result{Outcome: OutcomeCommand}, nil
}

// commandName lowercases the leading command and strips an @BotName suffix.
// Commands addressed to another bot are not ours.
func (p *Processor) commandName(text string) (string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	cmd := fields[0]
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		if p.opts.BotName != "" && !strings.EqualFold(cmd[i+1:], p.opts.BotName) {
			return "", false
		}
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), true
}

func (p *Processor) statusText(ctx context.Context, chat ledger.ChatID) string {
	var b strings.Builder
	b.WriteString("WalletBot Status: ✅ Running\n\n")

	wallets, err := p.ledger.Wallets(ctx, chat)
	if err != nil {
		p.log.Error().Err(err).Int64("chat_id", int64(chat)).Msg("status: listing wallets failed")
		b.WriteString("Database: ❌ Unavailable\n")
	} else {
		b.WriteString("Database: ✅ Connected\n")
	}
	b.WriteString("Parser: ✅ Ready\n")
	b.WriteString("Calculator: ✅ Ready\n")
	fmt.Fprintf(&b, "Uptime: %s", time.Since(p.startedAt).Truncate(time.Second))

	if len(wallets) > 0 {
		b.WriteString("\n\n💼 钱包：")
		for _, w := range wallets {
			fmt.Fprintf(&b, "\n%s：%s", w.Name, w.Balance)
		}
	}
	return b.String()
}

// =============================================================================
// REPROCESS
// =============================================================================

// reprocess re-parses the message the directive replies to and replaces its
// previous effect on the ledger. The directive's own key makes it idempotent.
func (p *Processor) reprocess(ctx context.Context, ev platform.Event, log zerolog.Logger) (Result, error) {
	if ev.ReplyTo == nil {
		p.notify(ctx, ev.Chat, reprocessUsageText, ev.Message)
		return Result{Outcome: OutcomeRejected}, nil
	}
	target := ledger.MessageKey{Chat: ev.Chat, Message: ev.ReplyTo.Message}

	text := parser.StripTotal(ev.ReplyTo.Text)
	if strings.TrimSpace(text) == "" {
		// Media captions and service messages arrive without text.
		if pm, found, err := p.ledger.Processed(ctx, target); err == nil && found {
			text = parser.StripTotal(pm.SourceText)
		}
	}

	parsed, err := parser.Parse(text)
	if err != nil {
		log.Info().Err(err).Int64("target_id", int64(target.Message)).Msg("reprocess target does not parse")
		if p.opts.SendHints {
			p.notify(ctx, ev.Chat, hintText, ev.Message)
		}
		return Result{Outcome: OutcomeRejected, Err: err}, nil
	}

	res, err := p.ledger.Reprocess(ctx, ev.Key(), target, parsed.Posting())
	if err != nil {
		log.Error().Err(err).Int64("target_id", int64(target.Message)).Msg("reprocess failed")
		p.notify(ctx, ev.Chat, errorText, ev.Message)
		return Result{Outcome: OutcomeStoreFailed, Err: err}, err
	}
	if res.AlreadyProcessed {
		log.Debug().Msg("reprocess directive already handled")
		return Result{Outcome: OutcomeAlreadyProcessed}, nil
	}
	p.recent.SetDefault(target.String(), struct{}{})

	if res.Superseded != nil && res.Superseded.ReflectMessage != 0 {
		p.deleteStaleReply(ctx, ev.Chat, res.Superseded.ReflectMessage)
	}

	commit := res.Commit
	log.Info().
		Int64("target_id", int64(target.Message)).
		Str("wallet", commit.Wallet.Name).
		Bool("reversed", res.Reversal != nil).
		Str("balance", commit.Wallet.Balance.String()).
		Msg("message reprocessed")

	out := Result{Outcome: OutcomeReprocessed, Wallet: commit.Wallet, Transaction: commit.Transaction, Reflect: ledger.ReflectSkipped}
	if commit.Outcome == ledger.OutcomeCommitted {
		status, err := p.reflectAndMark(ctx, commit.Processed)
		out.Reflect = status
		if err != nil {
			out.Outcome = OutcomeSideEffectFailed
			out.Err = err
			return out, err
		}
	}
	if commit.Wallet.ID != 0 {
		p.notify(ctx, ev.Chat, reprocessedText(commit.Wallet), ev.Message)
	}
	return out, nil
}

// deleteStaleReply removes a reply that still shows the superseded total.
func (p *Processor) deleteStaleReply(ctx context.Context, chat ledger.ChatID, msg ledger.MessageID) {
	err := p.exec.Do(ctx, "deleteMessage", func(ctx context.Context) error {
		return p.platform.DeleteMessage(ctx, chat, msg)
	})
	if err != nil {
		p.log.Warn().Err(err).Int64("chat_id", int64(chat)).Int64("reply_id", int64(msg)).Msg("stale total reply not deleted")
	}
}
