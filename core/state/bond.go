package state

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"bondsettle/native/bond"
)

func bondSeriesKey(id [32]byte) []byte {
	buf := make([]byte, len(bondSeriesPrefix)+len(id))
	copy(buf, bondSeriesPrefix)
	copy(buf[len(bondSeriesPrefix):], id[:])
	return ethcrypto.Keccak256(buf)
}

func bondBalanceKey(series [32]byte, addr [20]byte) []byte {
	buf := make([]byte, len(bondBalancePrefix)+len(series)+1+len(addr))
	copy(buf, bondBalancePrefix)
	copy(buf[len(bondBalancePrefix):], series[:])
	buf[len(bondBalancePrefix)+len(series)] = ':'
	copy(buf[len(bondBalancePrefix)+len(series)+1:], addr[:])
	return ethcrypto.Keccak256(buf)
}

func bondAllowanceKey(series [32]byte, owner, spender [20]byte) []byte {
	buf := make([]byte, 0, len(bondAllowancePrefix)+len(series)+len(owner)+len(spender)+2)
	buf = append(buf, bondAllowancePrefix...)
	buf = append(buf, series[:]...)
	buf = append(buf, ':')
	buf = append(buf, owner[:]...)
	buf = append(buf, ':')
	buf = append(buf, spender[:]...)
	return ethcrypto.Keccak256(buf)
}

type storedSeries struct {
	ID       [32]byte
	Symbol   string
	Issuer   [20]byte
	Maturity *big.Int
	Status   uint8
}

func newStoredSeries(s *bond.Series) *storedSeries {
	if s == nil {
		return nil
	}
	return &storedSeries{
		ID:       s.ID,
		Symbol:   s.Symbol,
		Issuer:   s.Issuer,
		Maturity: big.NewInt(s.Maturity),
		Status:   uint8(s.Status),
	}
}

func (s *storedSeries) toSeries() (*bond.Series, error) {
	if s == nil {
		return nil, fmt.Errorf("bond: nil series record")
	}
	out := &bond.Series{
		ID:     s.ID,
		Symbol: s.Symbol,
		Issuer: s.Issuer,
		Status: bond.SeriesStatus(s.Status),
	}
	if s.Maturity != nil {
		out.Maturity = s.Maturity.Int64()
	}
	if !out.Status.Valid() {
		return nil, fmt.Errorf("bond: invalid stored series status %d", s.Status)
	}
	return out, nil
}

func (m *Manager) loadSeriesList() ([][32]byte, error) {
	data, err := m.get(bondSeriesListKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return [][32]byte{}, nil
	}
	var list [][32]byte
	if err := rlp.DecodeBytes(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// BondSeriesPut stores the series record and registers it in the series
// index on first write.
func (m *Manager) BondSeriesPut(series *bond.Series) error {
	if series == nil {
		return fmt.Errorf("bond: nil series")
	}
	if !series.Status.Valid() {
		return fmt.Errorf("bond: invalid series status %d", uint8(series.Status))
	}
	if _, exists := m.BondSeriesGet(series.ID); !exists {
		list, err := m.loadSeriesList()
		if err != nil {
			return err
		}
		list = append(list, series.ID)
		sort.Slice(list, func(i, j int) bool {
			return bytes.Compare(list[i][:], list[j][:]) < 0
		})
		encoded, err := rlp.EncodeToBytes(list)
		if err != nil {
			return err
		}
		m.set(bondSeriesListKey, encoded)
	}
	encoded, err := rlp.EncodeToBytes(newStoredSeries(series))
	if err != nil {
		return err
	}
	m.set(bondSeriesKey(series.ID), encoded)
	return nil
}

// BondSeriesGet loads the series record with the given identifier.
func (m *Manager) BondSeriesGet(id [32]byte) (*bond.Series, bool) {
	data, err := m.get(bondSeriesKey(id))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	stored := new(storedSeries)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	record, err := stored.toSeries()
	if err != nil {
		return nil, false
	}
	return record, true
}

// BondSeriesList returns the identifiers of every registered series.
func (m *Manager) BondSeriesList() ([][32]byte, error) {
	return m.loadSeriesList()
}

// BondBalance returns the address's holding in the series. Missing entries
// default to zero.
func (m *Manager) BondBalance(series [32]byte, addr [20]byte) (*big.Int, error) {
	return m.loadBigInt(bondBalanceKey(series, addr))
}

// BondSetBalance stores the address's holding in the series.
func (m *Manager) BondSetBalance(series [32]byte, addr [20]byte, amount *big.Int) error {
	if amount != nil && amount.Sign() < 0 {
		return fmt.Errorf("bond: balance cannot be negative")
	}
	return m.writeBigInt(bondBalanceKey(series, addr), amount)
}

// BondAllowance returns the amount the spender may pull from the owner in
// the series. Missing entries default to zero.
func (m *Manager) BondAllowance(series [32]byte, owner, spender [20]byte) (*big.Int, error) {
	return m.loadBigInt(bondAllowanceKey(series, owner, spender))
}

// BondSetAllowance stores the spender's allowance against the owner.
func (m *Manager) BondSetAllowance(series [32]byte, owner, spender [20]byte, amount *big.Int) error {
	if amount != nil && amount.Sign() < 0 {
		return fmt.Errorf("bond: allowance cannot be negative")
	}
	return m.writeBigInt(bondAllowanceKey(series, owner, spender), amount)
}
