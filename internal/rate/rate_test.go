package rate

import (
	"errors"
	"math"
	"testing"

	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	table, err := NewTable([]config.RateEntry{
		{Provider: "groq", Model: "free-model", InputRate: 0, OutputRate: 0},
		{Provider: "anthropic", Model: "claude-3.5-sonnet", InputRate: 300_000, OutputRate: 1_500_000},
		{Provider: "google", Model: "gemini-2.0-flash", InputRate: 7_500, OutputRate: 30_000},
	})
	require.NoError(t, err)
	return table
}

func TestCostFreeTier(t *testing.T) {
	cost, err := testTable(t).Cost("groq", "free-model", 500, 1500)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cost)
}

func TestCostOneMillionEach(t *testing.T) {
	// $3 input + $15 output per million
	cost, err := testTable(t).Cost("anthropic", "claude-3.5-sonnet", 1_000_000, 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, int64(1800), cost)
}

func TestCostRoundsUp(t *testing.T) {
	table := testTable(t)

	cost, err := table.Cost("anthropic", "claude-3.5-sonnet", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cost)

	// 7.5 cents per million input -> 0.75 cents for 100k
	cost, err = table.Cost("google", "gemini-2.0-flash", 100_000, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cost)

	cost, err = table.Cost("google", "gemini-2.0-flash", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cost)
}

func TestLookupIsExactAndCaseInsensitive(t *testing.T) {
	table := testTable(t)

	_, err := table.Lookup("Anthropic", " claude-3.5-sonnet ")
	assert.NoError(t, err)

	_, err = table.Cost("anthropic", "claude-3.5", 1, 1)
	assert.True(t, errors.Is(err, ErrUnknownRate))

	_, err = table.Cost("openai", "free-model", 1, 1)
	assert.True(t, errors.Is(err, ErrUnknownRate))
}

func TestCostRejectsNegativeUnits(t *testing.T) {
	_, err := testTable(t).Cost("groq", "free-model", -1, 0)
	assert.ErrorIs(t, err, ErrInvalidUnits)
}

func TestCostOverflow(t *testing.T) {
	r := Rate{InputRate: math.MaxInt64, OutputRate: math.MaxInt64}
	_, err := r.Cost(math.MaxInt64, math.MaxInt64)
	assert.ErrorIs(t, err, ErrCostOverflow)
}

func TestNewTableRejectsDuplicates(t *testing.T) {
	_, err := NewTable([]config.RateEntry{
		{Provider: "groq", Model: "m", InputRate: 0, OutputRate: 0},
		{Provider: "GROQ", Model: "M", InputRate: 1, OutputRate: 1},
	})
	assert.Error(t, err)
}

func TestSourceFollowsHolder(t *testing.T) {
	holder, err := config.NewStaticRatesHolder(config.RatesConfig{Rates: []config.RateEntry{
		{Provider: "groq", Model: "free-model"},
	}})
	require.NoError(t, err)

	src, err := NewSource(holder)
	require.NoError(t, err)

	cost, err := src.Cost("groq", "free-model", 10, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cost)

	_, err = src.Cost("openai", "gpt-4o", 1, 1)
	assert.ErrorIs(t, err, ErrUnknownRate)
}

func TestEntriesAreSorted(t *testing.T) {
	entries := testTable(t).Entries()
	require.NotEmpty(t, entries)
	for i := 1; i < len(entries); i++ {
		prev, cur := entries[i-1], entries[i]
		assert.True(t, prev.Provider < cur.Provider || (prev.Provider == cur.Provider && prev.Model < cur.Model))
	}
}
