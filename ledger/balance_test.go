package ledger_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ModerRAS/WalletBot/ledger"
)

func yuan(s string) ledger.Amount {
	return ledger.NewAmount(decimal.RequireFromString(s))
}

func TestApply_OutflowIsNegative(t *testing.T) {
	got, err := ledger.Apply(ledger.ZeroAmount(), ledger.KindOutflow, yuan("150.00"))
	require.NoError(t, err)
	assert.Equal(t, "-150.00元", got.String())
}

func TestApply_InflowIsPositive(t *testing.T) {
	got, err := ledger.Apply(yuan("-150"), ledger.KindInflow, yuan("200.5"))
	require.NoError(t, err)
	assert.True(t, got.Equal(yuan("50.5")))
}

func TestApply_NoFloatDrift(t *testing.T) {
	// GIVEN: Ten postings of 0.10
	// WHEN: Applied one after another
	// THEN: The balance is exactly 1.00, not 0.9999999

	bal := ledger.ZeroAmount()
	for i := 0; i < 10; i++ {
		var err error
		bal, err = ledger.Apply(bal, ledger.KindInflow, yuan("0.10"))
		require.NoError(t, err)
	}
	assert.True(t, bal.Equal(yuan("1")), "got %s", bal)
}

func TestApply_RejectsUnknownKind(t *testing.T) {
	_, err := ledger.Apply(ledger.ZeroAmount(), ledger.KindUnknown, yuan("1"))
	assert.True(t, errors.Is(err, ledger.ErrUnknownKind))
}

func TestApply_RejectsNonPositiveAmount(t *testing.T) {
	_, err := ledger.Apply(ledger.ZeroAmount(), ledger.KindOutflow, yuan("0"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = ledger.Apply(ledger.ZeroAmount(), ledger.KindOutflow, yuan("-3"))
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestParseKind_Synonyms(t *testing.T) {
	tests := []struct {
		label string
		want  ledger.Kind
	}{
		{"出账", ledger.KindOutflow},
		{"支出", ledger.KindOutflow},
		{"入账", ledger.KindInflow},
		{"收入", ledger.KindInflow},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, ok := ledger.ParseKind(tt.label)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, ledger.KindFromString(got.String()))
		})
	}

	_, ok := ledger.ParseKind("转账")
	assert.False(t, ok)
}

func TestReplay_SumsDeltas(t *testing.T) {
	txs := []ledger.Transaction{
		{Delta: yuan("-150")},
		{Delta: yuan("200")},
		{Delta: yuan("150"), Type: ledger.EntryReversal},
	}
	assert.Equal(t, "200.00元", ledger.Replay(txs).String())
}
