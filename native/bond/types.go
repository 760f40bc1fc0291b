package bond

import (
	"fmt"
	"strings"
)

// SeriesStatus tracks the lifecycle of a bond series. Only active series
// can take part in new settlements.
type SeriesStatus uint8

const (
	SeriesActive SeriesStatus = iota
	SeriesMatured
	SeriesFrozen
)

// Valid reports whether the status value is within the supported range.
func (s SeriesStatus) Valid() bool {
	switch s {
	case SeriesActive, SeriesMatured, SeriesFrozen:
		return true
	default:
		return false
	}
}

func (s SeriesStatus) String() string {
	switch s {
	case SeriesActive:
		return "ACTIVE"
	case SeriesMatured:
		return "MATURED"
	case SeriesFrozen:
		return "FROZEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// Series describes one tokenized bond issuance. Positions in a series are
// whole units; there are no fractional bond holdings.
type Series struct {
	ID       [32]byte
	Symbol   string
	Issuer   [20]byte
	Maturity int64
	Status   SeriesStatus
}

// Clone returns a copy of the series descriptor.
func (s *Series) Clone() *Series {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}

// SanitizeSeries validates and normalises a series descriptor without
// mutating the original.
func SanitizeSeries(s *Series) (*Series, error) {
	if s == nil {
		return nil, fmt.Errorf("nil series")
	}
	clone := s.Clone()
	clone.Symbol = strings.ToUpper(strings.TrimSpace(clone.Symbol))
	if clone.Symbol == "" {
		return nil, fmt.Errorf("series symbol required")
	}
	if clone.ID == ([32]byte{}) {
		return nil, fmt.Errorf("series id required")
	}
	if clone.Issuer == ([20]byte{}) {
		return nil, fmt.Errorf("series issuer required")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid series status: %d", clone.Status)
	}
	return clone, nil
}
