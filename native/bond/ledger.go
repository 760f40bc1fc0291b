package bond

import (
	"errors"
	"math/big"
	"time"

	"bondsettle/core/events"
	"bondsettle/core/types"
)

var (
	errNilState = errors.New("bond ledger: state not configured")

	// ErrSeriesNotFound is returned when the referenced series does not
	// exist.
	ErrSeriesNotFound = errors.New("bond: series not found")
	// ErrSeriesExists is returned when registering an already known
	// series id.
	ErrSeriesExists = errors.New("bond: series already registered")
	// ErrInvalidAmount is returned for nil, zero or negative unit counts.
	ErrInvalidAmount = errors.New("bond: amount must be positive")
	// ErrInsufficientBalance is returned when a holder lacks the units to
	// transfer.
	ErrInsufficientBalance = errors.New("bond: insufficient balance")
	// ErrInsufficientAllowance is returned when a delegated transfer
	// exceeds the approved amount.
	ErrInsufficientAllowance = errors.New("bond: insufficient allowance")
	// ErrNotIssuer is returned when a non-issuer attempts an issuer-only
	// operation.
	ErrNotIssuer = errors.New("bond: caller is not the series issuer")
)

// Event types emitted by the ledger.
const (
	EventTypeSeriesRegistered = "bond.series_registered"
	EventTypeMinted           = "bond.minted"
	EventTypeSeriesStatus     = "bond.series_status_changed"
)

// State is the persistence surface for series metadata, holdings and
// allowances.
type State interface {
	BondSeriesPut(*Series) error
	BondSeriesGet(id [32]byte) (*Series, bool)
	BondBalance(series [32]byte, addr [20]byte) (*big.Int, error)
	BondSetBalance(series [32]byte, addr [20]byte, amount *big.Int) error
	BondAllowance(series [32]byte, owner, spender [20]byte) (*big.Int, error)
	BondSetAllowance(series [32]byte, owner, spender [20]byte, amount *big.Int) error
}

type bondEvent struct {
	evt *types.Event
}

func (e bondEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e bondEvent) Event() *types.Event { return e.evt }

// Ledger implements the tokenized bond registry: series lifecycle, whole
// unit holdings and the allowance model the settlement vault pulls against.
type Ledger struct {
	state   State
	emitter events.Emitter
	nowFn   func() int64
}

// NewLedger creates a bond ledger with a no-op emitter.
func NewLedger() *Ledger {
	return &Ledger{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend.
func (l *Ledger) SetState(state State) { l.state = state }

// SetEmitter configures the event emitter. Passing nil resets to no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetNowFunc overrides the time source used for maturity checks.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

func (l *Ledger) emit(evt *types.Event) {
	if l == nil || l.emitter == nil || evt == nil {
		return
	}
	l.emitter.Emit(bondEvent{evt: evt})
}

func positive(amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(amount), nil
}

// RegisterSeries stores a new series descriptor. The registering caller
// becomes the issuer recorded on the descriptor.
func (l *Ledger) RegisterSeries(s *Series) (*Series, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	sanitized, err := SanitizeSeries(s)
	if err != nil {
		return nil, err
	}
	if _, exists := l.state.BondSeriesGet(sanitized.ID); exists {
		return nil, ErrSeriesExists
	}
	if err := l.state.BondSeriesPut(sanitized); err != nil {
		return nil, err
	}
	l.emit(newSeriesEvent(EventTypeSeriesRegistered, sanitized))
	return sanitized.Clone(), nil
}

// Series returns the descriptor for the given id.
func (l *Ledger) Series(id [32]byte) (*Series, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	s, ok := l.state.BondSeriesGet(id)
	if !ok {
		return nil, ErrSeriesNotFound
	}
	return s.Clone(), nil
}

// SetSeriesStatus moves a series between ACTIVE, MATURED and FROZEN.
// Issuer only.
func (l *Ledger) SetSeriesStatus(id [32]byte, caller [20]byte, status SeriesStatus) (*Series, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	s, ok := l.state.BondSeriesGet(id)
	if !ok {
		return nil, ErrSeriesNotFound
	}
	if s.Issuer != caller {
		return nil, ErrNotIssuer
	}
	if !status.Valid() {
		return nil, errors.New("bond: invalid series status")
	}
	s.Status = status
	if err := l.state.BondSeriesPut(s); err != nil {
		return nil, err
	}
	l.emit(newSeriesEvent(EventTypeSeriesStatus, s))
	return s.Clone(), nil
}

// IsTradeable reports whether positions in the series may enter new
// settlements: the series must exist, be ACTIVE and not yet matured.
func (l *Ledger) IsTradeable(id [32]byte) (bool, error) {
	if l == nil || l.state == nil {
		return false, errNilState
	}
	s, ok := l.state.BondSeriesGet(id)
	if !ok {
		return false, nil
	}
	if s.Status != SeriesActive {
		return false, nil
	}
	if s.Maturity > 0 && l.nowFn() >= s.Maturity {
		return false, nil
	}
	return true, nil
}

// Mint credits newly issued units to the recipient. Issuer only.
func (l *Ledger) Mint(id [32]byte, caller, to [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	s, ok := l.state.BondSeriesGet(id)
	if !ok {
		return ErrSeriesNotFound
	}
	if s.Issuer != caller {
		return ErrNotIssuer
	}
	amt, err := positive(amount)
	if err != nil {
		return err
	}
	balance, err := l.state.BondBalance(id, to)
	if err != nil {
		return err
	}
	if err := l.state.BondSetBalance(id, to, new(big.Int).Add(balance, amt)); err != nil {
		return err
	}
	l.emit(newMintEvent(s, to, amt))
	return nil
}

// Balance returns the holder's unit count in the series.
func (l *Ledger) Balance(id [32]byte, addr [20]byte) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	if _, ok := l.state.BondSeriesGet(id); !ok {
		return nil, ErrSeriesNotFound
	}
	return l.state.BondBalance(id, addr)
}

// Approve grants the spender the right to pull up to amount units from the
// owner. A zero amount clears the allowance.
func (l *Ledger) Approve(id [32]byte, owner, spender [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if _, ok := l.state.BondSeriesGet(id); !ok {
		return ErrSeriesNotFound
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	return l.state.BondSetAllowance(id, owner, spender, new(big.Int).Set(amount))
}

// Allowance returns the amount the spender may still pull from the owner.
func (l *Ledger) Allowance(id [32]byte, owner, spender [20]byte) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return l.state.BondAllowance(id, owner, spender)
}

// Transfer moves units directly between holders.
func (l *Ledger) Transfer(id [32]byte, from, to [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if _, ok := l.state.BondSeriesGet(id); !ok {
		return ErrSeriesNotFound
	}
	amt, err := positive(amount)
	if err != nil {
		return err
	}
	return l.move(id, from, to, amt)
}

// TransferFrom moves units from the owner to the recipient on the
// spender's authority, consuming allowance.
func (l *Ledger) TransferFrom(id [32]byte, spender, owner, to [20]byte, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if _, ok := l.state.BondSeriesGet(id); !ok {
		return ErrSeriesNotFound
	}
	amt, err := positive(amount)
	if err != nil {
		return err
	}
	allowance, err := l.state.BondAllowance(id, owner, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amt) < 0 {
		return ErrInsufficientAllowance
	}
	if err := l.move(id, owner, to, amt); err != nil {
		return err
	}
	return l.state.BondSetAllowance(id, owner, spender, new(big.Int).Sub(allowance, amt))
}

func (l *Ledger) move(id [32]byte, from, to [20]byte, amt *big.Int) error {
	fromBalance, err := l.state.BondBalance(id, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amt) < 0 {
		return ErrInsufficientBalance
	}
	toBalance, err := l.state.BondBalance(id, to)
	if err != nil {
		return err
	}
	if err := l.state.BondSetBalance(id, from, new(big.Int).Sub(fromBalance, amt)); err != nil {
		return err
	}
	return l.state.BondSetBalance(id, to, new(big.Int).Add(toBalance, amt))
}
