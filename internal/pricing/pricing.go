// Package pricing holds the static (provider, model) → rate catalog used to
// compute cost_usd for completed requests and to drive the lowest_cost
// routing strategy. Rates are expressed in USD per 1K tokens and stored as
// float64; Cost does its arithmetic in decimal.Decimal to avoid float64
// accumulation drift across a high request volume — the table is read-only
// after startup, so exactness costs nothing at the call site.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Version is bumped whenever the rate table changes; exported as a metrics
// label/gauge so operators notice pricing drift without diffing code.
const Version = "2026.07"

// Entry is a single (provider, model) pricing record.
type Entry struct {
	InputRate  float64 // USD per 1K input tokens
	OutputRate float64 // USD per 1K output tokens
}

type key struct {
	provider string
	model    string
}

// Table is a read-only (provider, model) → Entry catalog.
type Table struct {
	rows map[key]Entry
}

// NewTable builds a Table from the built-in catalog.
func NewTable() *Table {
	return &Table{rows: defaultCatalog()}
}

// Lookup returns the pricing entry for (provider, model), or false if the
// pair is not in the catalog. The handler records cost as "unknown" rather
// than zero on a miss — callers must check ok.
func (t *Table) Lookup(provider, model string) (Entry, bool) {
	e, ok := t.rows[key{provider: provider, model: model}]
	return e, ok
}

// Cost computes the USD cost for inputTokens/outputTokens against the given
// (provider, model) entry using exact decimal arithmetic, per P6.
func Cost(e Entry, inputTokens, outputTokens int) decimal.Decimal {
	in := decimal.NewFromFloat(e.InputRate).Mul(decimal.NewFromInt(int64(inputTokens))).Div(decimal.NewFromInt(1000))
	out := decimal.NewFromFloat(e.OutputRate).Mul(decimal.NewFromInt(int64(outputTokens))).Div(decimal.NewFromInt(1000))
	return in.Add(out)
}

// CostUSD is a float64 convenience wrapper around Cost for callers (response
// metadata, metrics) that don't need decimal precision themselves.
func CostUSD(e Entry, inputTokens, outputTokens int) float64 {
	f, _ := Cost(e, inputTokens, outputTokens).Float64()
	return f
}

// String renders (provider, model) for error messages.
func (k key) String() string { return fmt.Sprintf("%s/%s", k.provider, k.model) }

func defaultCatalog() map[key]Entry {
	return map[key]Entry{
		{"openai", "gpt-4o"}:                  {InputRate: 0.0025, OutputRate: 0.01},
		{"openai", "gpt-4o-mini"}:              {InputRate: 0.00015, OutputRate: 0.0006},
		{"openai", "gpt-4-turbo"}:              {InputRate: 0.01, OutputRate: 0.03},
		{"openai", "gpt-4"}:                    {InputRate: 0.03, OutputRate: 0.06},
		{"openai", "gpt-3.5-turbo"}:            {InputRate: 0.0005, OutputRate: 0.0015},
		{"openai", "o1"}:                       {InputRate: 0.015, OutputRate: 0.06},
		{"openai", "o1-mini"}:                  {InputRate: 0.0011, OutputRate: 0.0044},
		{"openai", "o3-mini"}:                  {InputRate: 0.0011, OutputRate: 0.0044},
		{"openai", "gpt-4.1"}:                  {InputRate: 0.002, OutputRate: 0.008},
		{"openai", "gpt-4.1-mini"}:              {InputRate: 0.0004, OutputRate: 0.0016},
		{"openai", "gpt-4.1-nano"}:              {InputRate: 0.0001, OutputRate: 0.0004},

		{"anthropic", "claude-3-5-sonnet-20241022"}: {InputRate: 0.003, OutputRate: 0.015},
		{"anthropic", "claude-3-5-haiku-20241022"}:  {InputRate: 0.0008, OutputRate: 0.004},
		{"anthropic", "claude-3-opus-20240229"}:     {InputRate: 0.015, OutputRate: 0.075},
		{"anthropic", "claude-3-haiku-20240307"}:    {InputRate: 0.00025, OutputRate: 0.00125},
		{"anthropic", "claude-3-7-sonnet-20250219"}: {InputRate: 0.003, OutputRate: 0.015},
		{"anthropic", "claude-opus-4"}:              {InputRate: 0.015, OutputRate: 0.075},
		{"anthropic", "claude-sonnet-4"}:            {InputRate: 0.003, OutputRate: 0.015},
		{"anthropic", "claude-haiku-4"}:              {InputRate: 0.0008, OutputRate: 0.004},
	}
}
