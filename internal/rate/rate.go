// Package rate prices model usage from a tagged (provider, model) table.
package rate

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strings"

	"github.com/smallbiznis/tokenledger/internal/config"
)

var (
	ErrUnknownRate  = errors.New("unknown_rate")
	ErrInvalidUnits = errors.New("invalid_units")
	ErrCostOverflow = errors.New("cost_overflow")
)

// RateScale converts milli-cents per million units to cents.
const RateScale uint64 = 1_000_000 * 1_000

type RateKey struct {
	Provider string
	Model    string
}

func NewRateKey(provider, model string) RateKey {
	return RateKey{
		Provider: strings.ToLower(strings.TrimSpace(provider)),
		Model:    strings.ToLower(strings.TrimSpace(model)),
	}
}

func (k RateKey) String() string {
	return k.Provider + "/" + k.Model
}

// Rate holds integer prices in milli-cents per 1,000,000 units.
type Rate struct {
	InputRate  int64
	OutputRate int64
}

// Free reports a zero-priced tier. Usage on it is still recorded.
func (r Rate) Free() bool {
	return r.InputRate == 0 && r.OutputRate == 0
}

// Table is an immutable snapshot. Lookups are exact; there is no prefix or
// default fallback.
type Table struct {
	rates map[RateKey]Rate
}

func NewTable(entries []config.RateEntry) (*Table, error) {
	rates := make(map[RateKey]Rate, len(entries))
	for _, e := range entries {
		key := NewRateKey(e.Provider, e.Model)
		if key.Provider == "" || key.Model == "" {
			return nil, fmt.Errorf("rate entry %q: provider and model are required", key)
		}
		if e.InputRate < 0 || e.OutputRate < 0 {
			return nil, fmt.Errorf("rate entry %s: negative rate", key)
		}
		if _, dup := rates[key]; dup {
			return nil, fmt.Errorf("rate entry %s: duplicate", key)
		}
		rates[key] = Rate{InputRate: e.InputRate, OutputRate: e.OutputRate}
	}
	return &Table{rates: rates}, nil
}

// Entries lists the table sorted by provider then model.
func (t *Table) Entries() []config.RateEntry {
	entries := make([]config.RateEntry, 0, len(t.rates))
	for key, r := range t.rates {
		entries = append(entries, config.RateEntry{
			Provider:   key.Provider,
			Model:      key.Model,
			InputRate:  r.InputRate,
			OutputRate: r.OutputRate,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Provider != entries[j].Provider {
			return entries[i].Provider < entries[j].Provider
		}
		return entries[i].Model < entries[j].Model
	})
	return entries
}

func (t *Table) Lookup(provider, model string) (Rate, error) {
	key := NewRateKey(provider, model)
	r, ok := t.rates[key]
	if !ok {
		return Rate{}, fmt.Errorf("%w: %s", ErrUnknownRate, key)
	}
	return r, nil
}

// Cost returns ceil((in*inRate + out*outRate) / RateScale) in cents.
func (t *Table) Cost(provider, model string, inputUnits, outputUnits int64) (int64, error) {
	if inputUnits < 0 || outputUnits < 0 {
		return 0, ErrInvalidUnits
	}
	r, err := t.Lookup(provider, model)
	if err != nil {
		return 0, err
	}
	return r.Cost(inputUnits, outputUnits)
}

func (r Rate) Cost(inputUnits, outputUnits int64) (int64, error) {
	if inputUnits < 0 || outputUnits < 0 {
		return 0, ErrInvalidUnits
	}

	inHi, inLo := bits.Mul64(uint64(inputUnits), uint64(r.InputRate))
	outHi, outLo := bits.Mul64(uint64(outputUnits), uint64(r.OutputRate))
	lo, carry := bits.Add64(inLo, outLo, 0)
	hi, overflow := bits.Add64(inHi, outHi, carry)
	if overflow != 0 || hi >= RateScale {
		return 0, ErrCostOverflow
	}

	quo, rem := bits.Div64(hi, lo, RateScale)
	if rem != 0 {
		quo++
	}
	if quo > uint64(1<<63-1) {
		return 0, ErrCostOverflow
	}
	return int64(quo), nil
}
