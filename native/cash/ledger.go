package cash

import (
	"errors"
	"fmt"
	"math/big"

	"bondsettle/core/events"
	"bondsettle/core/types"
	"bondsettle/crypto"
)

// Decimals is the number of implied decimal places carried by every amount.
// All amounts move through the ledger as integer minor units.
const Decimals = 2

// RoleTreasury marks accounts allowed to mint stablecoin.
const RoleTreasury = "ROLE_TREASURY"

// EventTypeMinted is emitted when the treasury issues new units.
const EventTypeMinted = "cash.minted"

var (
	errNilState = errors.New("cash ledger: state not configured")

	// ErrInvalidAmount is returned for nil, zero or negative amounts.
	ErrInvalidAmount = errors.New("cash: amount must be positive")
	// ErrInsufficientBalance is returned when the payer lacks funds.
	ErrInsufficientBalance = errors.New("cash: insufficient balance")
	// ErrInsufficientAllowance is returned when a delegated transfer
	// exceeds the approved amount.
	ErrInsufficientAllowance = errors.New("cash: insufficient allowance")
	// ErrNotTreasury is returned when a non-treasury account mints.
	ErrNotTreasury = errors.New("cash: caller is not a treasury account")
)

// State is the persistence surface for balances and allowances.
type State interface {
	CashBalance(addr [20]byte) (*big.Int, error)
	CashSetBalance(addr [20]byte, amount *big.Int) error
	CashAllowance(owner, spender [20]byte) (*big.Int, error)
	CashSetAllowance(owner, spender [20]byte, amount *big.Int) error
}

// RoleAuthority reports role membership for treasury checks.
type RoleAuthority interface {
	HasRole(role string, addr [20]byte) bool
}

type cashEvent struct {
	evt *types.Event
}

func (e cashEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e cashEvent) Event() *types.Event { return e.evt }

// Ledger implements the fiat-pegged payment token: minor unit balances and
// the allowance model the settlement vault pulls against.
type Ledger struct {
	state   State
	auth    RoleAuthority
	emitter events.Emitter
}

// NewLedger creates a cash ledger with a no-op emitter.
func NewLedger() *Ledger {
	return &Ledger{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend.
func (l *Ledger) SetState(state State) { l.state = state }

// SetAuthority configures the role source for treasury checks.
func (l *Ledger) SetAuthority(auth RoleAuthority) { l.auth = auth }

// SetEmitter configures the event emitter. Passing nil resets to no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

func (l *Ledger) emit(evt *types.Event) {
	if l == nil || l.emitter == nil || evt == nil {
		return
	}
	l.emitter.Emit(cashEvent{evt: evt})
}

func positive(amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(amount), nil
}

// Mint credits newly issued minor units to the recipient. Treasury only.
func (l *Ledger) Mint(caller, to [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if l.auth == nil || !l.auth.HasRole(RoleTreasury, caller) {
		return ErrNotTreasury
	}
	amt, err := positive(amount)
	if err != nil {
		return err
	}
	balance, err := l.state.CashBalance(to)
	if err != nil {
		return err
	}
	if err := l.state.CashSetBalance(to, new(big.Int).Add(balance, amt)); err != nil {
		return err
	}
	l.emit(&types.Event{
		Type: EventTypeMinted,
		Attributes: map[string]string{
			"to":     crypto.NewAddress(crypto.BSNPrefix, to[:]).String(),
			"amount": amt.String(),
		},
	})
	return nil
}

// Balance returns the account's minor unit balance.
func (l *Ledger) Balance(addr [20]byte) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return l.state.CashBalance(addr)
}

// Approve grants the spender the right to pull up to amount from the
// owner. A zero amount clears the allowance.
func (l *Ledger) Approve(owner, spender [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return l.state.CashSetAllowance(owner, spender, new(big.Int).Set(amount))
}

// Allowance returns the amount the spender may still pull from the owner.
func (l *Ledger) Allowance(owner, spender [20]byte) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return l.state.CashAllowance(owner, spender)
}

// Transfer moves minor units directly between accounts.
func (l *Ledger) Transfer(from, to [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	amt, err := positive(amount)
	if err != nil {
		return err
	}
	return l.move(from, to, amt)
}

// TransferFrom moves minor units from the owner to the recipient on the
// spender's authority, consuming allowance.
func (l *Ledger) TransferFrom(spender, owner, to [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	amt, err := positive(amount)
	if err != nil {
		return err
	}
	allowance, err := l.state.CashAllowance(owner, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amt) < 0 {
		return ErrInsufficientAllowance
	}
	if err := l.move(owner, to, amt); err != nil {
		return err
	}
	return l.state.CashSetAllowance(owner, spender, new(big.Int).Sub(allowance, amt))
}

func (l *Ledger) move(from, to [20]byte, amt *big.Int) error {
	fromBalance, err := l.state.CashBalance(from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	toBalance, err := l.state.CashBalance(to)
	if err != nil {
		return err
	}
	if err := l.state.CashSetBalance(from, new(big.Int).Sub(fromBalance, amt)); err != nil {
		return err
	}
	return l.state.CashSetBalance(to, new(big.Int).Add(toBalance, amt))
}

// FormatMinorUnits renders an integer minor unit amount with the implied
// decimal point, e.g. 500000 -> "5000.00".
func FormatMinorUnits(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	sign := ""
	abs := new(big.Int).Abs(amount)
	if amount.Sign() < 0 {
		sign = "-"
	}
	divisor := big.NewInt(100)
	whole, frac := new(big.Int).QuoRem(abs, divisor, new(big.Int))
	return fmt.Sprintf("%s%s.%02d", sign, whole.String(), frac.Int64())
}
