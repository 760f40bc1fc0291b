package settlement

import (
	"fmt"
	"math/big"
)

// ModuleName identifies the settlement module for pause control and vault
// derivation.
const ModuleName = "settlement"

// Timeout bounds for the global settlement window, in seconds. The default
// applies when genesis does not configure one.
const (
	MinTimeout     int64 = 3_600
	MaxTimeout     int64 = 604_800
	DefaultTimeout int64 = 86_400
)

// Status represents the lifecycle states of a delivery-versus-payment
// settlement.
type Status uint8

const (
	StatusCreated Status = iota
	StatusSellerDeposited
	StatusBuyerDeposited
	StatusFullyFunded
	StatusExecuted
	StatusCancelled
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusSellerDeposited, StatusBuyerDeposited, StatusFullyFunded, StatusExecuted, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "CREATED"
	case StatusSellerDeposited:
		return "SELLER_DEPOSITED"
	case StatusBuyerDeposited:
		return "BUYER_DEPOSITED"
	case StatusFullyFunded:
		return "FULLY_FUNDED"
	case StatusExecuted:
		return "EXECUTED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// Settlement captures one delivery-versus-payment agreement: a bond position
// owed by the seller against a stablecoin payment owed by the buyer.
// Identifiers are dense and assigned in creation order starting at 1. The
// bond amount counts whole units; the payment amount counts minor units with
// two implied decimals.
type Settlement struct {
	ID               uint64
	Seller           [20]byte
	Buyer            [20]byte
	Bond             [32]byte
	BondAmount       *big.Int
	PaymentAmount    *big.Int
	Status           Status
	CreatedAt        int64
	ExpiresAt        int64
	ExecutedAt       int64
	BondDeposited    bool
	PaymentDeposited bool
}

// Clone returns a deep copy so callers can mutate the result without
// touching the stored instance.
func (s *Settlement) Clone() *Settlement {
	if s == nil {
		return nil
	}
	clone := *s
	if s.BondAmount != nil {
		clone.BondAmount = new(big.Int).Set(s.BondAmount)
	} else {
		clone.BondAmount = big.NewInt(0)
	}
	if s.PaymentAmount != nil {
		clone.PaymentAmount = new(big.Int).Set(s.PaymentAmount)
	} else {
		clone.PaymentAmount = big.NewInt(0)
	}
	return &clone
}

// FullyFunded reports whether both legs sit in the module vault.
func (s *Settlement) FullyFunded() bool {
	if s == nil {
		return false
	}
	return s.BondDeposited && s.PaymentDeposited
}

// Sanitize validates and normalises a settlement record, returning a cloned
// instance with non-nil amounts. The original value is never mutated.
func Sanitize(s *Settlement) (*Settlement, error) {
	if s == nil {
		return nil, fmt.Errorf("nil settlement")
	}
	clone := s.Clone()
	if clone.ID == 0 {
		return nil, fmt.Errorf("settlement id must be positive")
	}
	if clone.BondAmount.Sign() < 0 || clone.PaymentAmount.Sign() < 0 {
		return nil, fmt.Errorf("settlement amounts must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid settlement status: %d", clone.Status)
	}
	return clone, nil
}
