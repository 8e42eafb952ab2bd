package rate

import (
	"sync"

	"github.com/smallbiznis/tokenledger/internal/config"
)

// Source serves the table built from the current rates configuration and
// rebuilds it when the holder swaps in a new snapshot.
type Source struct {
	holder *config.RatesHolder

	mu       sync.Mutex
	snapshot []config.RateEntry
	table    *Table
}

func NewSource(holder *config.RatesHolder) (*Source, error) {
	s := &Source{holder: holder}
	if _, err := s.Table(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Source) Table() (*Table, error) {
	entries := s.holder.Get().Rates

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.table != nil && sameBacking(s.snapshot, entries) {
		return s.table, nil
	}
	table, err := NewTable(entries)
	if err != nil {
		return nil, err
	}
	s.snapshot = entries
	s.table = table
	return table, nil
}

// Cost prices usage against the current table.
func (s *Source) Cost(provider, model string, inputUnits, outputUnits int64) (int64, error) {
	table, err := s.Table()
	if err != nil {
		return 0, err
	}
	return table.Cost(provider, model, inputUnits, outputUnits)
}

// sameBacking detects an unchanged snapshot; a reload always allocates a
// fresh slice.
func sameBacking(a, b []config.RateEntry) bool {
	if len(a) != len(b) {
		return false
	}
	return len(a) == 0 || &a[0] == &b[0]
}
