package rules

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownEventKind is returned for any event kind outside the closed set.
var ErrUnknownEventKind = errors.New("unknown event kind")

// Event kinds the platform rewards. The set is closed: callers classify
// events, but the table independently rejects anything it does not know.
const (
	EventTaskComplete    = "TASK_COMPLETE"
	EventFirstLoginBonus = "FIRST_LOGIN_BONUS"
	EventReferralBonus   = "REFERRAL_BONUS"
	EventArticleRead     = "ARTICLE_READ"
	EventQuizComplete    = "QUIZ_COMPLETE"
)

// defaultAmounts maps each event kind to its reward in whole tokens.
// Adding a kind is a single edit here (or in the YAML override file).
var defaultAmounts = map[string]string{
	EventTaskComplete:    "0.05",
	EventFirstLoginBonus: "0.10",
	EventReferralBonus:   "0.50",
	EventArticleRead:     "0.02",
	EventQuizComplete:    "0.05",
}

// Table is the pure mapping from event kind to reward amount in token base
// units. It is immutable after construction.
type Table struct {
	amounts map[string]*big.Int
}

// ruleFile mirrors the YAML representation of a rule entry.
type ruleFile struct {
	Event  string `yaml:"event"`
	Amount string `yaml:"amount"`
}

// NewTable builds the table from the compiled-in defaults, converting whole
// token amounts to base units using the token's decimals.
func NewTable(decimals int) (*Table, error) {
	return buildTable(defaultAmounts, decimals)
}

// LoadTable reads rule overrides from a YAML file on disk. The file must
// cover only known event kinds; every kind it omits keeps its default.
func LoadTable(path string, decimals int) (*Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rules: %w", err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	var entries []ruleFile
	if err := dec.Decode(&entries); err != nil && !errors.Is(err, io.EOF) {
		// An empty file decodes to io.EOF; that just means no overrides.
		return nil, fmt.Errorf("decode rules: %w", err)
	}

	amounts := make(map[string]string, len(defaultAmounts))
	for kind, amount := range defaultAmounts {
		amounts[kind] = amount
	}
	seen := make(map[string]struct{})
	for _, entry := range entries {
		kind := strings.ToUpper(strings.TrimSpace(entry.Event))
		if kind == "" {
			return nil, fmt.Errorf("rule event required")
		}
		if _, known := defaultAmounts[kind]; !known {
			return nil, fmt.Errorf("rule for %s: %w", kind, ErrUnknownEventKind)
		}
		if _, dup := seen[kind]; dup {
			return nil, fmt.Errorf("duplicate rule for event %s", kind)
		}
		seen[kind] = struct{}{}
		amounts[kind] = entry.Amount
	}
	return buildTable(amounts, decimals)
}

func buildTable(raw map[string]string, decimals int) (*Table, error) {
	if decimals < 0 || decimals > 77 {
		return nil, fmt.Errorf("token decimals out of range: %d", decimals)
	}
	amounts := make(map[string]*big.Int, len(raw))
	for kind, value := range raw {
		amount, err := ParseTokenAmount(value, decimals)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", kind, err)
		}
		if amount.Sign() <= 0 {
			return nil, fmt.Errorf("event %s: amount must be positive", kind)
		}
		amounts[kind] = amount
	}
	return &Table{amounts: amounts}, nil
}

// AmountFor returns the reward amount in base units for the event kind.
// Unknown kinds fail with ErrUnknownEventKind, never a silent zero.
func (t *Table) AmountFor(kind string) (*big.Int, error) {
	amount, ok := t.amounts[strings.ToUpper(strings.TrimSpace(kind))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventKind, kind)
	}
	return new(big.Int).Set(amount), nil
}

// Kinds returns the closed set of event kinds in sorted order.
func (t *Table) Kinds() []string {
	kinds := make([]string, 0, len(t.amounts))
	for kind := range t.amounts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// ParseTokenAmount converts a decimal token string ("0.02") to base units.
func ParseTokenAmount(raw string, decimals int) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	if strings.HasPrefix(trimmed, "-") {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	whole, frac := trimmed, ""
	if idx := strings.IndexByte(trimmed, '.'); idx >= 0 {
		whole, frac = trimmed[:idx], trimmed[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q exceeds token precision of %d decimals", raw, decimals)
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	value, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", raw)
	}
	return value, nil
}
