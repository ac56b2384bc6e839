package rules

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAmountForKnownKinds(t *testing.T) {
	table, err := NewTable(18)
	require.NoError(t, err)

	for _, kind := range table.Kinds() {
		amount, err := table.AmountFor(kind)
		require.NoError(t, err, kind)
		require.Equal(t, 1, amount.Sign(), "amount for %s must be positive", kind)
	}
}

func TestAmountForArticleRead(t *testing.T) {
	table, err := NewTable(18)
	require.NoError(t, err)

	amount, err := table.AmountFor(EventArticleRead)
	require.NoError(t, err)

	// 0.02 tokens at 18 decimals.
	want, _ := new(big.Int).SetString("20000000000000000", 10)
	require.Equal(t, want, amount)
}

func TestAmountForUnknownKind(t *testing.T) {
	table, err := NewTable(18)
	require.NoError(t, err)

	_, err = table.AmountFor("NOT_A_REAL_EVENT")
	require.ErrorIs(t, err, ErrUnknownEventKind)

	_, err = table.AmountFor("")
	require.ErrorIs(t, err, ErrUnknownEventKind)
}

func TestAmountForNormalisesCase(t *testing.T) {
	table, err := NewTable(18)
	require.NoError(t, err)

	amount, err := table.AmountFor(" article_read ")
	require.NoError(t, err)
	require.Equal(t, 1, amount.Sign())
}

func TestAmountForReturnsCopy(t *testing.T) {
	table, err := NewTable(18)
	require.NoError(t, err)

	first, err := table.AmountFor(EventArticleRead)
	require.NoError(t, err)
	first.SetInt64(0)

	second, err := table.AmountFor(EventArticleRead)
	require.NoError(t, err)
	require.Equal(t, 1, second.Sign())
}

func TestParseTokenAmount(t *testing.T) {
	cases := []struct {
		raw      string
		decimals int
		want     string
	}{
		{"0.02", 18, "20000000000000000"},
		{"1", 6, "1000000"},
		{"0.5", 2, "50"},
		{"12.345", 3, "12345"},
	}
	for _, tc := range cases {
		got, err := ParseTokenAmount(tc.raw, tc.decimals)
		require.NoError(t, err, tc.raw)
		require.Equal(t, tc.want, got.String(), tc.raw)
	}
}

func TestParseTokenAmountRejectsBadInput(t *testing.T) {
	for _, raw := range []string{"", "-1", "0.001", "1.2.3", "abc"} {
		_, err := ParseTokenAmount(raw, 2)
		require.Error(t, err, raw)
	}
}

func TestLoadTableOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := "- event: ARTICLE_READ\n  amount: \"0.03\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	table, err := LoadTable(path, 2)
	require.NoError(t, err)

	amount, err := table.AmountFor(EventArticleRead)
	require.NoError(t, err)
	require.Equal(t, "3", amount.String())

	// Kinds not mentioned keep their defaults.
	amount, err = table.AmountFor(EventReferralBonus)
	require.NoError(t, err)
	require.Equal(t, "50", amount.String())
}

func TestLoadTableEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	// An empty override file means no overrides, not an error.
	table, err := LoadTable(path, 2)
	require.NoError(t, err)

	amount, err := table.AmountFor(EventArticleRead)
	require.NoError(t, err)
	require.Equal(t, "2", amount.String())
}

func TestLoadTableRejectsUnknownKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := "- event: FREE_MONEY\n  amount: \"100\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := LoadTable(path, 18)
	require.ErrorIs(t, err, ErrUnknownEventKind)
}

func TestLoadTableRejectsDuplicates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := "- event: ARTICLE_READ\n  amount: \"0.03\"\n- event: ARTICLE_READ\n  amount: \"0.04\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := LoadTable(path, 18)
	require.Error(t, err)
}
