/*
balance.go - Balance calculation

PURPOSE:
  The one rule that moves money:

    new_balance = current_balance + sign(kind) * amount

  Outflow kinds (出账, 支出) have sign -1, inflow kinds (入账, 收入) +1.
  Arithmetic is fixed-point (shopspring/decimal), so repeated postings never
  accumulate binary-float error. Nothing is rounded here; Amount.String
  rounds to two places for display.

SEE ALSO:
  - kind.go: The sign table
  - ledger.go: The only caller that persists the result
*/
package ledger

import "github.com/shopspring/decimal"

// Apply returns the balance after posting amount of kind onto current.
// It is pure: no I/O, no clock, no shared state.
func Apply(current Amount, kind Kind, amount Amount) (Amount, error) {
	delta, err := Delta(kind, amount)
	if err != nil {
		return Amount{}, err
	}
	return current.Add(delta), nil
}

// Delta is the signed effect of a posting.
func Delta(kind Kind, amount Amount) (Amount, error) {
	if !kind.Valid() {
		return Amount{}, ErrUnknownKind
	}
	if !amount.IsPositive() {
		return Amount{}, ErrInvalidAmount
	}
	return Amount{Value: amount.Value.Mul(decimal.NewFromInt(kind.Sign())), Unit: UnitYuan}, nil
}

// Replay sums the deltas of txs. A wallet's stored balance must always equal
// Replay over its full transaction history.
func Replay(txs []Transaction) Amount {
	total := ZeroAmount()
	for _, tx := range txs {
		total = total.Add(tx.Delta)
	}
	return total
}
