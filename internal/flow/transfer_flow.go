// Package flow drives the transfer conversation: it wires the slot core to
// entity extraction, session persistence, outbound replies and the transfer actuator.
package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/SlotPipe/internal/models"
	"github.com/BTreeMap/SlotPipe/internal/slot"
)

// Slot names of the transfer flow.
const (
	SlotAccountLabel = "AccountLabel"
	SlotAmount       = "Amount"
	SlotPayee        = "Payee"
)

// User-facing messages of the transfer conversation.
const (
	MsgAccountPrompt     = "Which account?"
	MsgAccountRetry      = "Which account do you want to transfer from (Joint, Current, Savings etc)"
	MsgAmountPrompt      = "How much would you like to transfer?"
	MsgAmountRetry       = "Please enter the amount as a number, for example £50 or 120.50"
	MsgPayeePrompt       = "Who would you like to pay?"
	MsgPayeeRetry        = "Please enter the name of the person or company you want to pay."
	MsgConfirmRetry      = "Should I make the transfer for you? Please enter `yes` or `no`."
	MsgScheduledFormat   = "Your transfer is scheduled. Reference number: #%s"
	MsgCancelled         = "Okay. We have canceled the transfer."
	MsgActuatorFailed    = "Sorry, something went wrong and the transfer was not made. Please try again later."
	MsgRestarted         = "Okay, let's start over."
	MaxPayeeLength       = 100
	maxAccountLength     = 50
	maxAmountMinorDigits = 15
)

// knownAccounts maps lowercase account names to their display form.
var knownAccounts = map[string]string{
	"joint":    "Joint",
	"current":  "Current",
	"savings":  "Savings",
	"saving":   "Savings",
	"business": "Business",
	"isa":      "ISA",
}

// TransferFlow returns the slot definition for a money transfer.
func TransferFlow() *slot.Flow {
	return slot.MustFlow(string(models.FlowTypeTransfer), []slot.SlotSpec{
		{Name: SlotAccountLabel, Label: "Account", Prompt: MsgAccountPrompt, RetryPrompt: MsgAccountRetry, Validate: ValidateAccountLabel},
		{Name: SlotAmount, Label: "Amount", Prompt: MsgAmountPrompt, RetryPrompt: MsgAmountRetry, Validate: ValidateAmount},
		{Name: SlotPayee, Label: "Payee", Prompt: MsgPayeePrompt, RetryPrompt: MsgPayeeRetry, Validate: ValidatePayee},
	}, slot.WithSummary(transferSummary))
}

func transferSummary(values map[string]string) string {
	return fmt.Sprintf("Ok. I'll make this transfer, is this correct? %s from %s to %s",
		values[SlotAmount], values[SlotAccountLabel], values[SlotPayee])
}

// ValidateAccountLabel accepts any short account name. Well-known names such as
// "joint account" are normalized to "Joint".
func ValidateAccountLabel(candidate any) (string, error) {
	s, err := slot.Text(candidate)
	if err != nil {
		return "", err
	}
	if utf8.RuneCountInString(s) > maxAccountLength {
		return "", fmt.Errorf("account label longer than %d characters", maxAccountLength)
	}
	words := strings.Fields(strings.ToLower(s))
	if len(words) > 0 && (words[0] == "my" || words[0] == "the") {
		words = words[1:]
	}
	if len(words) > 0 && words[len(words)-1] == "account" {
		words = words[:len(words)-1]
	}
	if len(words) == 0 {
		return "", fmt.Errorf("%q does not name an account", s)
	}
	if label, ok := knownAccounts[strings.Join(words, " ")]; ok {
		return label, nil
	}
	return s, nil
}

var (
	amountSymbolFirst = regexp.MustCompile(`^([£$€])\s*([0-9][0-9,]*(?:\.[0-9]+)?)$`)
	amountCodeLast    = regexp.MustCompile(`(?i)^([0-9][0-9,]*(?:\.[0-9]+)?)\s*(gbp|usd|eur)?$`)
	amountCodeFirst   = regexp.MustCompile(`(?i)^(gbp|usd|eur)\s*([0-9][0-9,]*(?:\.[0-9]+)?)$`)
)

// ValidateAmount accepts a positive amount with an optional currency symbol or
// GBP, USD or EUR code and returns it with exactly two decimals: "£50.00", "12.50 EUR".
func ValidateAmount(candidate any) (string, error) {
	s, err := slot.Text(candidate)
	if err != nil {
		return "", err
	}

	var symbol, code, number string
	switch {
	case amountSymbolFirst.MatchString(s):
		m := amountSymbolFirst.FindStringSubmatch(s)
		symbol, number = m[1], m[2]
	case amountCodeFirst.MatchString(s):
		m := amountCodeFirst.FindStringSubmatch(s)
		code, number = strings.ToUpper(m[1]), m[2]
	case amountCodeLast.MatchString(s):
		m := amountCodeLast.FindStringSubmatch(s)
		number, code = m[1], strings.ToUpper(m[2])
	default:
		return "", fmt.Errorf("%q is not a money amount", s)
	}

	canonical, err := canonicalAmount(number)
	if err != nil {
		return "", err
	}
	switch {
	case symbol != "":
		return symbol + canonical, nil
	case code != "":
		return canonical + " " + code, nil
	default:
		return canonical, nil
	}
}

// canonicalAmount parses "1,200.5" into "1200.50" without floating point.
func canonicalAmount(number string) (string, error) {
	number = strings.ReplaceAll(number, ",", "")
	whole, frac, _ := strings.Cut(number, ".")
	if len(frac) > 2 {
		return "", fmt.Errorf("amount %q has more than two decimals", number)
	}
	frac += strings.Repeat("0", 2-len(frac))
	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return "", fmt.Errorf("amount must be greater than zero")
	}
	if len(digits) > maxAmountMinorDigits {
		return "", fmt.Errorf("amount %q is too large", number)
	}
	minor, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid amount %q: %w", number, err)
	}
	return fmt.Sprintf("%d.%02d", minor/100, minor%100), nil
}

// ValidatePayee accepts a non-blank name of at most MaxPayeeLength characters.
func ValidatePayee(candidate any) (string, error) {
	s, err := slot.Text(candidate)
	if err != nil {
		return "", err
	}
	if lower := strings.ToLower(s); strings.HasPrefix(lower, "to ") {
		s = strings.TrimSpace(s[3:])
	}
	if s == "" {
		return "", fmt.Errorf("payee cannot be empty")
	}
	if utf8.RuneCountInString(s) > MaxPayeeLength {
		return "", fmt.Errorf("payee longer than %d characters", MaxPayeeLength)
	}
	return s, nil
}

var (
	yesWords = map[string]bool{
		"yes": true, "y": true, "yeah": true, "yep": true, "yup": true, "sure": true,
		"ok": true, "okay": true, "correct": true, "confirm": true, "that's right": true,
		"yes please": true, "go ahead": true,
	}
	noWords = map[string]bool{
		"no": true, "n": true, "nope": true, "nah": true, "cancel": true, "stop": true,
		"wrong": true, "incorrect": true, "no thanks": true, "don't": true,
	}
)

// ParseConfirmation interprets a yes/no answer. Anything else yields a
// slot.ValidationError whose retry message asks again.
func ParseConfirmation(raw string) (bool, error) {
	answer := normalizeUtterance(raw)
	switch {
	case yesWords[answer]:
		return true, nil
	case noWords[answer]:
		return false, nil
	default:
		return false, &slot.ValidationError{
			Slot:         "confirmation",
			RetryMessage: MsgConfirmRetry,
			Err:          fmt.Errorf("%q is not a yes or no answer", raw),
		}
	}
}

// normalizeUtterance lowercases text and strips surrounding whitespace and punctuation.
func normalizeUtterance(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Trim(s, " .!?,;:")
	return strings.Join(strings.Fields(s), " ")
}

// IsRestart reports whether text asks to abandon the current session.
func IsRestart(text string) bool {
	switch normalizeUtterance(text) {
	case "restart", "start over", "start again", "/restart":
		return true
	default:
		return false
	}
}
