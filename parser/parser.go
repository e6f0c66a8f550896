/*
Package parser turns ledger messages into structured events.

PURPOSE:
  A ledger message is free text with #-tagged tokens:

    #支付宝 #12月 #2024年
    #出账 150.00元

  Parse extracts the wallet name, period, kind and amount. All four rules
  must match; any miss returns a *NoMatchError and no event. There is no
  partially filled result.

RULES (applied in order):
  1. Entity: the tag immediately before the #<N>月 #<N>年 pair
  2. Period: that same pair, month 1..12, year 2000..2100
  3. Kind:   a whole tag from the closed vocabulary in ledger.KindLabels,
             other than the entity tag. #收入卡 is not a kind.
  4. Amount: the first <decimal>元 not preceded by a #总额 tag, > 0

TOTAL MARKER:
  Text that already carries #总额 still parses, with AlreadyHadTotal set.
  The ledger skips balance changes for such messages.

SEE ALSO:
  - ledger/kind.go: Kind vocabulary
  - bot/processor.go: Caller
*/
package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ModerRAS/WalletBot/ledger"
)

// TotalTag marks the line carrying a computed balance.
const TotalTag = "#总额"

const (
	minYear = 2000
	maxYear = 2100
)

var (
	headerRe   = regexp.MustCompile(`#([^#\s]+)\s+#(\d+)月\s+#(\d+)年`)
	entityRe   = regexp.MustCompile(`#([^#\s]+)\s+#\d+月`)
	monthTagRe = regexp.MustCompile(`#\d+月`)
	amountRe   = regexp.MustCompile(`(-?\d+(?:\.\d+)?)元`)
	totalRe    = regexp.MustCompile(TotalTag + `\s+(-?\d+(?:\.\d+)?)元`)
)

// kindRe matches a whole kind tag. The tag ends at whitespace, the end of
// text, or an amount written without a space (#出账150元).
var kindRe = regexp.MustCompile(`#(` + strings.Join(ledger.KindLabels(), "|") + `)(?:[\s\d]|$)`)

// =============================================================================
// ERRORS
// =============================================================================

// ErrNoMatch is the parse-failure signal. Use errors.Is.
var ErrNoMatch = errors.New("message does not match ledger format")

type Rule string

const (
	RuleEntity Rule = "entity"
	RulePeriod Rule = "period"
	RuleKind   Rule = "kind"
	RuleAmount Rule = "amount"
)

// NoMatchError names the first rule that failed.
type NoMatchError struct {
	Rule   Rule
	Reason string
}

func (e *NoMatchError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("no match on %s rule: %s", e.Rule, e.Reason)
	}
	return fmt.Sprintf("no match on %s rule", e.Rule)
}

func (e *NoMatchError) Unwrap() error { return ErrNoMatch }

func noMatch(rule Rule, reason string) error {
	return &NoMatchError{Rule: rule, Reason: reason}
}

// =============================================================================
// PARSED EVENT
// =============================================================================

type ParsedEvent struct {
	EntityName      string
	Kind            ledger.Kind
	Label           string
	Amount          decimal.Decimal
	Period          ledger.Period
	AlreadyHadTotal bool
	Total           *decimal.Decimal // value after #总额, when present and numeric
	Text            string
}

// Posting converts the event into ledger input.
func (e ParsedEvent) Posting() ledger.Posting {
	return ledger.Posting{
		WalletName:      e.EntityName,
		Kind:            e.Kind,
		Label:           e.Label,
		Amount:          ledger.NewAmount(e.Amount),
		Period:          e.Period,
		AlreadyHadTotal: e.AlreadyHadTotal,
		SourceText:      e.Text,
	}
}

// =============================================================================
// PARSE
// =============================================================================

func Parse(text string) (ParsedEvent, error) {
	ev := ParsedEvent{Text: text}

	head := headerRe.FindStringSubmatchIndex(text)
	if head == nil {
		if entityRe.MatchString(text) {
			return ParsedEvent{}, noMatch(RulePeriod, "")
		}
		return ParsedEvent{}, noMatch(RuleEntity, "")
	}
	ev.EntityName = text[head[2]:head[3]]

	rawMonth, rawYear := text[head[4]:head[5]], text[head[6]:head[7]]
	month, err := strconv.Atoi(rawMonth)
	if err != nil || month < 1 || month > 12 {
		return ParsedEvent{}, noMatch(RulePeriod, "month out of range: "+rawMonth)
	}
	year, err := strconv.Atoi(rawYear)
	if err != nil || year < minYear || year > maxYear {
		return ParsedEvent{}, noMatch(RulePeriod, "year out of range: "+rawYear)
	}
	ev.Period = ledger.Period{Month: month, Year: year}

	label, ok := kindLabel(text, head[0])
	if !ok {
		return ParsedEvent{}, noMatch(RuleKind, "")
	}
	kind, ok := ledger.ParseKind(label)
	if !ok {
		return ParsedEvent{}, noMatch(RuleKind, "unknown label "+label)
	}
	ev.Kind = kind
	ev.Label = label

	amount, err := transactionAmount(text)
	if err != nil {
		return ParsedEvent{}, err
	}
	ev.Amount = amount

	if HasTotal(text) {
		ev.AlreadyHadTotal = true
		if m := totalRe.FindStringSubmatch(text); m != nil {
			if total, err := decimal.NewFromString(m[1]); err == nil {
				ev.Total = &total
			}
		}
	}
	return ev, nil
}

// kindLabel returns the first kind tag in text, skipping the entity tag that
// starts at entityAt.
func kindLabel(text string, entityAt int) (string, bool) {
	for _, loc := range kindRe.FindAllStringSubmatchIndex(text, -1) {
		if loc[0] == entityAt {
			continue
		}
		return text[loc[2]:loc[3]], true
	}
	return "", false
}

// transactionAmount returns the first amount that is not part of a total line.
func transactionAmount(text string) (decimal.Decimal, error) {
	totalAt := strings.Index(text, TotalTag)
	for _, loc := range amountRe.FindAllStringSubmatchIndex(text, -1) {
		if totalAt >= 0 && loc[0] > totalAt {
			break
		}
		raw := text[loc[2]:loc[3]]
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Decimal{}, noMatch(RuleAmount, "malformed number "+raw)
		}
		if !d.IsPositive() {
			return decimal.Decimal{}, noMatch(RuleAmount, "amount must be positive: "+raw)
		}
		return d, nil
	}
	return decimal.Decimal{}, noMatch(RuleAmount, "")
}

// =============================================================================
// HELPERS
// =============================================================================

// HasTotal reports whether text already carries a total line.
func HasTotal(text string) bool {
	return strings.Contains(text, TotalTag)
}

// LooksLikeEntry reports whether text was probably meant as a ledger entry,
// which decides if a parse failure deserves a usage hint.
func LooksLikeEntry(text string) bool {
	return kindRe.MatchString(text) || monthTagRe.MatchString(text)
}

// WithTotal appends the total line to text verbatim.
func WithTotal(text string, balance ledger.Amount) string {
	return text + "\n" + TotalTag + " " + balance.String()
}

// StripTotal removes total lines, so an annotated message can be parsed
// again as a fresh entry.
func StripTotal(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), TotalTag) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimRight(strings.Join(kept, "\n"), " \t\r\n")
}
