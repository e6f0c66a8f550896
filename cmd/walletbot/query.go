package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ModerRAS/WalletBot/config"
	"github.com/ModerRAS/WalletBot/ledger"
	"github.com/ModerRAS/WalletBot/store/sqlite"
)

// ErrAuditFailed is returned by the audit command when any wallet drifted.
var ErrAuditFailed = errors.New("audit found balance drift")

func newBalanceCommand(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <chat-id> [wallet]",
		Short: "Print wallet balances of a chat, or the history of one wallet",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := parseChat(args[0])
			if err != nil {
				return err
			}
			l, closeFn, err := openLedger(load)
			if err != nil {
				return err
			}
			defer closeFn()

			if len(args) == 2 {
				return printHistory(cmd, l, chat, args[1])
			}
			return printWallets(cmd, l, chat)
		},
	}
}

func newAuditCommand(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "audit <chat-id>",
		Short: "Replay every wallet of a chat and compare with the stored balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := parseChat(args[0])
			if err != nil {
				return err
			}
			l, closeFn, err := openLedger(load)
			if err != nil {
				return err
			}
			defer closeFn()
			return runAudit(cmd, l, chat)
		},
	}
}

// =============================================================================
// COMMAND BODIES
// =============================================================================

func printWallets(cmd *cobra.Command, l *ledger.Ledger, chat ledger.ChatID) error {
	wallets, err := l.Wallets(cmd.Context(), chat)
	if err != nil {
		return fmt.Errorf("listing wallets: %w", err)
	}
	if len(wallets) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no wallets in chat %d\n", chat)
		return nil
	}
	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintln(tw, "WALLET\tBALANCE\tUPDATED")
	for _, w := range wallets {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", w.Name, w.Balance, w.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func printHistory(cmd *cobra.Command, l *ledger.Ledger, chat ledger.ChatID, name string) error {
	w, txs, err := l.History(cmd.Context(), chat, name)
	if err != nil {
		if ledger.IsNotFound(err) {
			return fmt.Errorf("wallet %q not found in chat %d", name, chat)
		}
		return fmt.Errorf("reading history: %w", err)
	}
	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintln(tw, "MESSAGE\tTYPE\tLABEL\tPERIOD\tDELTA\tRUNNING")
	running := ledger.ZeroAmount()
	for _, tx := range txs {
		running = running.Add(tx.Delta)
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", tx.SourceMessageID, tx.Type, tx.Label, tx.Period, tx.Delta, running)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%s: %s\n", w.Name, w.Balance)
	return nil
}

func runAudit(cmd *cobra.Command, l *ledger.Ledger, chat ledger.ChatID) error {
	wallets, err := l.Wallets(cmd.Context(), chat)
	if err != nil {
		return fmt.Errorf("listing wallets: %w", err)
	}
	tw := newTable(cmd.OutOrStdout())
	fmt.Fprintln(tw, "WALLET\tSTORED\tREPLAYED\tTXS\tSTATUS")
	drifted := 0
	for _, w := range wallets {
		report, err := l.Audit(cmd.Context(), chat, w.Name)
		status := "ok"
		if err != nil {
			if !errors.Is(err, ledger.ErrBalanceDrift) {
				return fmt.Errorf("auditing %s: %w", w.Name, err)
			}
			status = "DRIFT"
			drifted++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", w.Name, report.Wallet.Balance, report.Computed, report.Transactions, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if drifted > 0 {
		return fmt.Errorf("%d of %d wallets: %w", drifted, len(wallets), ErrAuditFailed)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func parseChat(s string) (ledger.ChatID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", s, err)
	}
	return ledger.ChatID(id), nil
}

func openLedger(load func() (*config.Config, error)) (*ledger.Ledger, func(), error) {
	cfg, err := load()
	if err != nil {
		return nil, nil, err
	}
	log := stderrLogger(cfg)
	store, err := sqlite.New(cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	log.Debug().Str("database", cfg.Database.URL).Msg("database opened")
	return ledger.NewLedger(store), func() { store.Close() }, nil
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
