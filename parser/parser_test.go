package parser

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ModerRAS/WalletBot/ledger"
)

func TestParse_CanonicalMessage(t *testing.T) {
	ev, err := Parse("#支付宝 #12月 #2024年\n#出账 150.00元")
	require.NoError(t, err)

	assert.Equal(t, "支付宝", ev.EntityName)
	assert.Equal(t, ledger.KindOutflow, ev.Kind)
	assert.Equal(t, "出账", ev.Label)
	assert.True(t, ev.Amount.Equal(decimal.RequireFromString("150")))
	assert.Equal(t, ledger.Period{Month: 12, Year: 2024}, ev.Period)
	assert.False(t, ev.AlreadyHadTotal)
	assert.Nil(t, ev.Total)
}

func TestParse_Synonyms(t *testing.T) {
	tests := []struct {
		text string
		want ledger.Kind
	}{
		{"#微信 #1月 #2025年 #支出 8元", ledger.KindOutflow},
		{"#微信 #1月 #2025年 #入账 8元", ledger.KindInflow},
		{"#微信 #1月 #2025年 #收入 8.5元", ledger.KindInflow},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			ev, err := Parse(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Kind)
			assert.Equal(t, "微信", ev.EntityName)
		})
	}
}

func TestParse_KindNotTakenFromWalletTag(t *testing.T) {
	// GIVEN: Wallet names that start with a kind label
	// THEN: Only a whole kind tag after the wallet tag sets the direction

	ev, err := Parse("#收入卡 #12月 #2024年\n#出账 100.00元")
	require.NoError(t, err)
	assert.Equal(t, "收入卡", ev.EntityName)
	assert.Equal(t, ledger.KindOutflow, ev.Kind)
	assert.Equal(t, "出账", ev.Label)

	ev, err = Parse("#收入 #12月 #2024年\n#支出 5元")
	require.NoError(t, err)
	assert.Equal(t, "收入", ev.EntityName)
	assert.Equal(t, ledger.KindOutflow, ev.Kind)
}

func TestParse_KindMustBeWholeTag(t *testing.T) {
	_, err := Parse("#支付宝 #12月 #2024年\n#出账单 100.00元")
	var nm *NoMatchError
	require.True(t, errors.As(err, &nm))
	assert.Equal(t, RuleKind, nm.Rule)

	ev, err := Parse("#支付宝 #12月 #2024年\n#入账200元")
	require.NoError(t, err)
	assert.Equal(t, ledger.KindInflow, ev.Kind)
	assert.Equal(t, "200", ev.Amount.String())
}

func TestParse_EntityAndPeriodFromSameHeader(t *testing.T) {
	// GIVEN: A stray "#tag #N月" before the real header
	// THEN: Wallet and period both come from the complete header

	ev, err := Parse("#旧 #12月 备注\n#支付宝 #11月 #2024年\n#出账 100.00元")
	require.NoError(t, err)
	assert.Equal(t, "支付宝", ev.EntityName)
	assert.Equal(t, ledger.Period{Month: 11, Year: 2024}, ev.Period)
}

func TestParse_AmountWithoutFraction(t *testing.T) {
	ev, err := Parse("#现金 #3月 #2024年\n#收入 2000元")
	require.NoError(t, err)
	assert.Equal(t, "2000", ev.Amount.String())
}

func TestParse_AlreadyAnnotated(t *testing.T) {
	// GIVEN: A message the bot already reflected
	// THEN: Structural fields still parse, the transaction amount is not
	//       confused with the total, and AlreadyHadTotal is set

	ev, err := Parse("#支付宝 #12月 #2024年\n#出账 150.00元\n#总额 -150.00元")
	require.NoError(t, err)

	assert.True(t, ev.AlreadyHadTotal)
	assert.True(t, ev.Amount.Equal(decimal.RequireFromString("150")))
	require.NotNil(t, ev.Total)
	assert.True(t, ev.Total.Equal(decimal.RequireFromString("-150")))
}

func TestParse_MissingRuleFails(t *testing.T) {
	// Each case drops exactly one of the four required parts.
	tests := []struct {
		name string
		text string
		rule Rule
	}{
		{"no entity", "#12月 #2024年\n#出账 150.00元", RuleEntity},
		{"no year", "#支付宝 #12月\n#出账 150.00元", RulePeriod},
		{"no kind", "#支付宝 #12月 #2024年\n150.00元", RuleKind},
		{"unknown kind", "#支付宝 #12月 #2024年\n#转账 150.00元", RuleKind},
		{"no amount", "#支付宝 #12月 #2024年\n#出账 150.00", RuleAmount},
		{"only total amount", "#支付宝 #12月 #2024年\n#出账\n#总额 10元", RuleAmount},
		{"zero amount", "#支付宝 #12月 #2024年\n#出账 0元", RuleAmount},
		{"negative amount", "#支付宝 #12月 #2024年\n#出账 -5元", RuleAmount},
		{"month out of range", "#支付宝 #13月 #2024年\n#出账 5元", RulePeriod},
		{"year out of range", "#支付宝 #12月 #1999年\n#出账 5元", RulePeriod},
		{"empty", "", RuleEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Parse(tt.text)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNoMatch))

			var nm *NoMatchError
			require.True(t, errors.As(err, &nm))
			assert.Equal(t, tt.rule, nm.Rule)
			assert.Equal(t, ParsedEvent{}, ev, "failure must not return a partial record")
		})
	}
}

func TestParsedEvent_Posting(t *testing.T) {
	text := "#支付宝 #12月 #2024年\n#出账 150.00元"
	ev, err := Parse(text)
	require.NoError(t, err)

	p := ev.Posting()
	assert.Equal(t, "支付宝", p.WalletName)
	assert.Equal(t, "150.00元", p.Amount.String())
	assert.Equal(t, text, p.SourceText)
}

func TestWithTotal(t *testing.T) {
	text := "#支付宝 #12月 #2024年\n#出账 150.00元"
	bal := ledger.NewAmount(decimal.RequireFromString("-150"))
	assert.Equal(t, text+"\n#总额 -150.00元", WithTotal(text, bal))
}

func TestStripTotal(t *testing.T) {
	text := "#支付宝 #12月 #2024年\n#出账 150.00元"
	assert.Equal(t, text, StripTotal(text+"\n#总额 -150.00元"))
	assert.Equal(t, text, StripTotal(text+"\n#总额 -150.00元\n"))
	assert.Equal(t, text, StripTotal(text))
}

func TestLooksLikeEntry(t *testing.T) {
	assert.True(t, LooksLikeEntry("#出账 12元"))
	assert.True(t, LooksLikeEntry("#支付宝 #12月"))
	assert.False(t, LooksLikeEntry("hello #world"))
	assert.False(t, LooksLikeEntry("午饭吃什么"))
}
