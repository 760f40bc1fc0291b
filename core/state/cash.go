package state

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func cashBalanceKey(addr [20]byte) []byte {
	buf := make([]byte, len(cashBalancePrefix)+len(addr))
	copy(buf, cashBalancePrefix)
	copy(buf[len(cashBalancePrefix):], addr[:])
	return ethcrypto.Keccak256(buf)
}

func cashAllowanceKey(owner, spender [20]byte) []byte {
	buf := make([]byte, 0, len(cashAllowancePrefix)+len(owner)+len(spender)+1)
	buf = append(buf, cashAllowancePrefix...)
	buf = append(buf, owner[:]...)
	buf = append(buf, ':')
	buf = append(buf, spender[:]...)
	return ethcrypto.Keccak256(buf)
}

// CashBalance returns the address's stablecoin balance in minor units.
// Missing entries default to zero.
func (m *Manager) CashBalance(addr [20]byte) (*big.Int, error) {
	return m.loadBigInt(cashBalanceKey(addr))
}

// CashSetBalance stores the address's stablecoin balance.
func (m *Manager) CashSetBalance(addr [20]byte, amount *big.Int) error {
	if amount != nil && amount.Sign() < 0 {
		return fmt.Errorf("cash: balance cannot be negative")
	}
	return m.writeBigInt(cashBalanceKey(addr), amount)
}

// CashAllowance returns the amount the spender may pull from the owner.
// Missing entries default to zero.
func (m *Manager) CashAllowance(owner, spender [20]byte) (*big.Int, error) {
	return m.loadBigInt(cashAllowanceKey(owner, spender))
}

// CashSetAllowance stores the spender's allowance against the owner.
func (m *Manager) CashSetAllowance(owner, spender [20]byte, amount *big.Int) error {
	if amount != nil && amount.Sign() < 0 {
		return fmt.Errorf("cash: allowance cannot be negative")
	}
	return m.writeBigInt(cashAllowanceKey(owner, spender), amount)
}
