package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"bondsettle/native/settlement"
)

func settlementRecordKey(id uint64) []byte {
	buf := make([]byte, len(settlementRecordPrefix)+8)
	copy(buf, settlementRecordPrefix)
	binary.BigEndian.PutUint64(buf[len(settlementRecordPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

func settlementIndexKey(addr [20]byte) []byte {
	buf := make([]byte, len(settlementIndexPrefix)+len(addr))
	copy(buf, settlementIndexPrefix)
	copy(buf[len(settlementIndexPrefix):], addr[:])
	return ethcrypto.Keccak256(buf)
}

// storedSettlement is the RLP shape of a settlement record. Timestamps are
// carried as big integers and the deposit flags as 0/1 bytes to keep the
// encoding canonical.
type storedSettlement struct {
	ID               uint64
	Seller           [20]byte
	Buyer            [20]byte
	Bond             [32]byte
	BondAmount       *big.Int
	PaymentAmount    *big.Int
	Status           uint8
	CreatedAt        *big.Int
	ExpiresAt        *big.Int
	ExecutedAt       *big.Int
	BondDeposited    uint8
	PaymentDeposited uint8
}

func newStoredSettlement(s *settlement.Settlement) *storedSettlement {
	if s == nil {
		return nil
	}
	bondAmount := big.NewInt(0)
	if s.BondAmount != nil {
		bondAmount = new(big.Int).Set(s.BondAmount)
	}
	paymentAmount := big.NewInt(0)
	if s.PaymentAmount != nil {
		paymentAmount = new(big.Int).Set(s.PaymentAmount)
	}
	record := &storedSettlement{
		ID:            s.ID,
		Seller:        s.Seller,
		Buyer:         s.Buyer,
		Bond:          s.Bond,
		BondAmount:    bondAmount,
		PaymentAmount: paymentAmount,
		Status:        uint8(s.Status),
		CreatedAt:     big.NewInt(s.CreatedAt),
		ExpiresAt:     big.NewInt(s.ExpiresAt),
		ExecutedAt:    big.NewInt(s.ExecutedAt),
	}
	if s.BondDeposited {
		record.BondDeposited = 1
	}
	if s.PaymentDeposited {
		record.PaymentDeposited = 1
	}
	return record
}

func (s *storedSettlement) toSettlement() (*settlement.Settlement, error) {
	if s == nil {
		return nil, fmt.Errorf("settlement: nil storage record")
	}
	out := &settlement.Settlement{
		ID:               s.ID,
		Seller:           s.Seller,
		Buyer:            s.Buyer,
		Bond:             s.Bond,
		BondAmount:       big.NewInt(0),
		PaymentAmount:    big.NewInt(0),
		Status:           settlement.Status(s.Status),
		BondDeposited:    s.BondDeposited == 1,
		PaymentDeposited: s.PaymentDeposited == 1,
	}
	if s.BondAmount != nil {
		out.BondAmount = new(big.Int).Set(s.BondAmount)
	}
	if s.PaymentAmount != nil {
		out.PaymentAmount = new(big.Int).Set(s.PaymentAmount)
	}
	if s.CreatedAt != nil {
		out.CreatedAt = s.CreatedAt.Int64()
	}
	if s.ExpiresAt != nil {
		out.ExpiresAt = s.ExpiresAt.Int64()
	}
	if s.ExecutedAt != nil {
		out.ExecutedAt = s.ExecutedAt.Int64()
	}
	if !out.Status.Valid() {
		return nil, fmt.Errorf("settlement: invalid stored status %d", s.Status)
	}
	return out, nil
}

// SettlementPut stores the settlement record under its identifier.
func (m *Manager) SettlementPut(s *settlement.Settlement) error {
	if s == nil {
		return fmt.Errorf("settlement: nil record")
	}
	if s.ID == 0 {
		return fmt.Errorf("settlement: record id not assigned")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("settlement: invalid status %d", uint8(s.Status))
	}
	encoded, err := rlp.EncodeToBytes(newStoredSettlement(s))
	if err != nil {
		return err
	}
	m.set(settlementRecordKey(s.ID), encoded)
	return nil
}

// SettlementGet loads the settlement record with the given identifier.
func (m *Manager) SettlementGet(id uint64) (*settlement.Settlement, bool) {
	data, err := m.get(settlementRecordKey(id))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	stored := new(storedSettlement)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	record, err := stored.toSettlement()
	if err != nil {
		return nil, false
	}
	return record, true
}

// SettlementNextID advances the settlement sequence and returns the newly
// issued identifier. Identifiers are dense and start at one.
func (m *Manager) SettlementNextID() (uint64, error) {
	current, err := m.loadBigInt(settlementSequenceKey)
	if err != nil {
		return 0, err
	}
	if current.Sign() < 0 {
		return 0, fmt.Errorf("settlement: negative sequence state")
	}
	if current.BitLen() > 63 {
		return 0, fmt.Errorf("settlement: sequence overflow")
	}
	next := current.Uint64() + 1
	if err := m.writeBigInt(settlementSequenceKey, new(big.Int).SetUint64(next)); err != nil {
		return 0, err
	}
	return next, nil
}

// SettlementLastID returns the most recently issued settlement identifier,
// zero when none have been created.
func (m *Manager) SettlementLastID() (uint64, error) {
	current, err := m.loadBigInt(settlementSequenceKey)
	if err != nil {
		return 0, err
	}
	if current.Sign() < 0 || current.BitLen() > 63 {
		return 0, fmt.Errorf("settlement: corrupt sequence state")
	}
	return current.Uint64(), nil
}

// SettlementIndexAppend records the settlement identifier in the
// participant's index. Appending an identifier already at the tail is a
// no-op.
func (m *Manager) SettlementIndexAppend(addr [20]byte, id uint64) error {
	if id == 0 {
		return fmt.Errorf("settlement: index id not assigned")
	}
	ids, err := m.SettlementIndex(addr)
	if err != nil {
		return err
	}
	if len(ids) > 0 && ids[len(ids)-1] == id {
		return nil
	}
	ids = append(ids, id)
	encoded, err := rlp.EncodeToBytes(ids)
	if err != nil {
		return err
	}
	m.set(settlementIndexKey(addr), encoded)
	return nil
}

// SettlementIndex returns the identifiers of every settlement the address
// participates in, oldest first.
func (m *Manager) SettlementIndex(addr [20]byte) ([]uint64, error) {
	data, err := m.get(settlementIndexKey(addr))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []uint64{}, nil
	}
	var ids []uint64
	if err := rlp.DecodeBytes(data, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// SettlementTimeout returns the configured settlement window in seconds.
// The boolean reports whether a value has been stored.
func (m *Manager) SettlementTimeout() (int64, bool, error) {
	data, err := m.get(settlementTimeoutKey)
	if err != nil {
		return 0, false, err
	}
	if len(data) == 0 {
		return 0, false, nil
	}
	value := new(big.Int)
	if err := rlp.DecodeBytes(data, value); err != nil {
		return 0, false, err
	}
	return value.Int64(), true, nil
}

// SettlementSetTimeout stores the settlement window in seconds.
func (m *Manager) SettlementSetTimeout(seconds int64) error {
	if seconds <= 0 {
		return fmt.Errorf("settlement: timeout must be positive")
	}
	return m.writeBigInt(settlementTimeoutKey, big.NewInt(seconds))
}
