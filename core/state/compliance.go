package state

import (
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

func eligibleKey(addr [20]byte) []byte {
	buf := make([]byte, len(eligiblePrefix)+len(addr))
	copy(buf, eligiblePrefix)
	copy(buf[len(eligiblePrefix):], addr[:])
	return ethcrypto.Keccak256(buf)
}

// SetEligible stores the compliance eligibility flag for the address.
func (m *Manager) SetEligible(addr [20]byte, eligible bool) error {
	var flag uint8
	if eligible {
		flag = 1
	}
	encoded, err := rlp.EncodeToBytes(flag)
	if err != nil {
		return err
	}
	m.set(eligibleKey(addr), encoded)
	return nil
}

// IsEligible reports whether the address is cleared to participate in
// settlements. Addresses never flagged default to ineligible.
func (m *Manager) IsEligible(addr [20]byte) (bool, error) {
	data, err := m.get(eligibleKey(addr))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	var flag uint8
	if err := rlp.DecodeBytes(data, &flag); err != nil {
		return false, err
	}
	return flag == 1, nil
}
