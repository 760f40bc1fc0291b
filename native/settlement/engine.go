package settlement

import (
	"math/big"
	"time"

	"bondsettle/core/events"
	"bondsettle/core/types"
	"bondsettle/native/common"
)

// RoleRegulator marks accounts allowed to cancel any settlement, change the
// settlement window and pause the module.
const RoleRegulator = "ROLE_REGULATOR"

// State is the narrow persistence surface the engine depends on. The node's
// state manager implements it; tests supply in-memory fakes.
type State interface {
	common.PauseView

	SettlementPut(*Settlement) error
	SettlementGet(id uint64) (*Settlement, bool)
	SettlementNextID() (uint64, error)
	SettlementIndexAppend(addr [20]byte, id uint64) error
	SettlementIndex(addr [20]byte) ([]uint64, error)
	SettlementTimeout() (int64, bool, error)
	SettlementSetTimeout(seconds int64) error
	SetPaused(module string, paused bool) error
}

// ComplianceGate answers whether an account may participate in new
// settlements. Eligibility is checked at creation only; in-flight
// settlements are stopped through Cancel.
type ComplianceGate interface {
	IsEligible(addr [20]byte) (bool, error)
}

// BondLeg moves whole-unit bond positions between accounts and the module
// vault. Pull draws on an allowance granted to the vault; Push pays out of
// the vault. Implementations must either complete the transfer or return an
// error without partial effect.
type BondLeg interface {
	IsTradeable(series [32]byte) (bool, error)
	Pull(series [32]byte, from [20]byte, amount *big.Int) error
	Push(series [32]byte, to [20]byte, amount *big.Int) error
}

// CashLeg moves stablecoin minor units between accounts and the module
// vault under the same contract as BondLeg.
type CashLeg interface {
	Pull(from [20]byte, amount *big.Int) error
	Push(to [20]byte, amount *big.Int) error
}

// RoleAuthority reports role membership for administrative checks.
type RoleAuthority interface {
	HasRole(role string, addr [20]byte) bool
}

type settlementEvent struct {
	evt *types.Event
}

func (e settlementEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e settlementEvent) Event() *types.Event { return e.evt }

// Engine implements the settlement state machine over pluggable state,
// compliance and asset leg backends. The engine never talks to the ledgers
// directly; everything flows through the configured legs so execution stays
// all-or-nothing at the node's commit boundary.
type Engine struct {
	state   State
	gate    ComplianceGate
	bondLeg BondLeg
	cashLeg CashLeg
	auth    RoleAuthority
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates a settlement engine with a no-op emitter. Callers wire
// the collaborators via the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state State) { e.state = state }

// SetComplianceGate configures the eligibility oracle consulted at
// creation.
func (e *Engine) SetComplianceGate(gate ComplianceGate) { e.gate = gate }

// SetBondLeg configures the delivery asset adapter.
func (e *Engine) SetBondLeg(leg BondLeg) { e.bondLeg = leg }

// SetCashLeg configures the payment asset adapter.
func (e *Engine) SetCashLeg(leg CashLeg) { e.cashLeg = leg }

// SetAuthority configures the role source for regulator checks. Without an
// authority only the counterparties can cancel and no admin operation is
// permitted.
func (e *Engine) SetAuthority(auth RoleAuthority) { e.auth = auth }

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source. Primarily for tests that need
// deterministic expiry arithmetic.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(settlementEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) isRegulator(addr [20]byte) bool {
	if e == nil || e.auth == nil {
		return false
	}
	return e.auth.HasRole(RoleRegulator, addr)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) load(id uint64) (*Settlement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	s, ok := e.state.SettlementGet(id)
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (e *Engine) store(s *Settlement) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.SettlementPut(s)
}

func (e *Engine) timeout() (int64, error) {
	seconds, ok, err := e.state.SettlementTimeout()
	if err != nil {
		return 0, err
	}
	if !ok {
		return DefaultTimeout, nil
	}
	return seconds, nil
}

func (e *Engine) checkEligible(addr [20]byte) error {
	if e.gate == nil {
		return errNilGate
	}
	eligible, err := e.gate.IsEligible(addr)
	if err != nil {
		return adapterErr("compliance", "eligibility check", err)
	}
	if !eligible {
		return ErrNotEligible
	}
	return nil
}

// Create registers a new settlement between the caller (seller) and the
// buyer. Both parties must pass the compliance gate, amounts must be
// positive and the bond series tradeable. The expiry window is fixed at
// creation from the configured timeout.
func (e *Engine) Create(seller, buyer [20]byte, bond [32]byte, bondAmount, paymentAmount *big.Int) (*Settlement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := common.Guard(e.state, ModuleName); err != nil {
		return nil, err
	}
	if seller == ([20]byte{}) || buyer == ([20]byte{}) {
		return nil, ErrInvalidParty
	}
	if seller == buyer {
		return nil, ErrSameParty
	}
	bondAmt := cloneBigInt(bondAmount)
	paymentAmt := cloneBigInt(paymentAmount)
	if bondAmt.Sign() <= 0 || paymentAmt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := e.checkEligible(seller); err != nil {
		return nil, err
	}
	if err := e.checkEligible(buyer); err != nil {
		return nil, err
	}
	if e.bondLeg == nil {
		return nil, errNilLeg
	}
	tradeable, err := e.bondLeg.IsTradeable(bond)
	if err != nil {
		return nil, adapterErr("bond", "tradeable check", err)
	}
	if !tradeable {
		return nil, ErrBondNotTradeable
	}

	seconds, err := e.timeout()
	if err != nil {
		return nil, err
	}
	id, err := e.state.SettlementNextID()
	if err != nil {
		return nil, err
	}
	now := e.now()
	s := &Settlement{
		ID:            id,
		Seller:        seller,
		Buyer:         buyer,
		Bond:          bond,
		BondAmount:    bondAmt,
		PaymentAmount: paymentAmt,
		Status:        StatusCreated,
		CreatedAt:     now,
		ExpiresAt:     now + seconds,
	}
	if err := e.store(s); err != nil {
		return nil, err
	}
	if err := e.state.SettlementIndexAppend(seller, id); err != nil {
		return nil, err
	}
	if err := e.state.SettlementIndexAppend(buyer, id); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(s))
	return s.Clone(), nil
}

// DepositDelivery pulls the seller's bond position into the vault. Only the
// seller may deposit the delivery leg, exactly once, no later than the
// expiry instant.
func (e *Engine) DepositDelivery(id uint64, caller [20]byte) (*Settlement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := common.Guard(e.state, ModuleName); err != nil {
		return nil, err
	}
	s, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, ErrTerminal
	}
	if caller != s.Seller {
		return nil, ErrUnauthorized
	}
	if s.BondDeposited {
		return nil, ErrAlreadyDeposited
	}
	if e.now() > s.ExpiresAt {
		return nil, ErrExpired
	}
	if e.bondLeg == nil {
		return nil, errNilLeg
	}
	if err := e.bondLeg.Pull(s.Bond, s.Seller, s.BondAmount); err != nil {
		return nil, adapterErr("bond", "pull", err)
	}
	s.BondDeposited = true
	if s.PaymentDeposited {
		s.Status = StatusFullyFunded
	} else {
		s.Status = StatusSellerDeposited
	}
	if err := e.store(s); err != nil {
		return nil, err
	}
	e.emit(NewDeliveryDepositedEvent(s))
	return s.Clone(), nil
}

// DepositPayment pulls the buyer's stablecoin payment into the vault under
// the same rules as DepositDelivery.
func (e *Engine) DepositPayment(id uint64, caller [20]byte) (*Settlement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := common.Guard(e.state, ModuleName); err != nil {
		return nil, err
	}
	s, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, ErrTerminal
	}
	if caller != s.Buyer {
		return nil, ErrUnauthorized
	}
	if s.PaymentDeposited {
		return nil, ErrAlreadyDeposited
	}
	if e.now() > s.ExpiresAt {
		return nil, ErrExpired
	}
	if e.cashLeg == nil {
		return nil, errNilLeg
	}
	if err := e.cashLeg.Pull(s.Buyer, s.PaymentAmount); err != nil {
		return nil, adapterErr("cash", "pull", err)
	}
	s.PaymentDeposited = true
	if s.BondDeposited {
		s.Status = StatusFullyFunded
	} else {
		s.Status = StatusBuyerDeposited
	}
	if err := e.store(s); err != nil {
		return nil, err
	}
	e.emit(NewPaymentDepositedEvent(s))
	return s.Clone(), nil
}

// Execute swaps the two deposited legs: the bond position goes to the buyer
// and the payment to the seller. The status flips to EXECUTED and is stored
// before any push so a re-entrant call observes a closed settlement; a push
// failure surfaces as an error and the node discards the whole overlay,
// restoring the funded record.
func (e *Engine) Execute(id uint64) (*Settlement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := common.Guard(e.state, ModuleName); err != nil {
		return nil, err
	}
	s, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, ErrTerminal
	}
	if s.Status != StatusFullyFunded {
		return nil, ErrNotFullyFunded
	}
	if e.now() > s.ExpiresAt {
		return nil, ErrExpired
	}
	if e.bondLeg == nil || e.cashLeg == nil {
		return nil, errNilLeg
	}

	s.Status = StatusExecuted
	s.ExecutedAt = e.now()
	if err := e.store(s); err != nil {
		return nil, err
	}

	if err := e.bondLeg.Push(s.Bond, s.Buyer, s.BondAmount); err != nil {
		return nil, adapterErr("bond", "push", err)
	}
	if err := e.cashLeg.Push(s.Seller, s.PaymentAmount); err != nil {
		return nil, adapterErr("cash", "push", err)
	}
	e.emit(NewExecutedEvent(s))
	return s.Clone(), nil
}

// Cancel unwinds a settlement before execution, refunding whichever legs
// sit in the vault. Counterparties may cancel their own settlement; a
// regulator may cancel any. Cancellation stays available while the module
// is paused.
func (e *Engine) Cancel(id uint64, caller [20]byte, reason string) (*Settlement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	s, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, ErrTerminal
	}
	if caller != s.Seller && caller != s.Buyer && !e.isRegulator(caller) {
		return nil, ErrUnauthorized
	}
	if err := e.unwind(s); err != nil {
		return nil, err
	}
	e.emit(NewCancelledEvent(s, caller, reason))
	return s.Clone(), nil
}

// ClaimExpiredRefund unwinds a settlement whose expiry has passed. Anyone
// may trigger it; the refunds always flow back to the original depositors.
// Like Cancel it ignores the pause flag so funds never get stuck.
func (e *Engine) ClaimExpiredRefund(id uint64, caller [20]byte) (*Settlement, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	s, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, ErrTerminal
	}
	if e.now() <= s.ExpiresAt {
		return nil, ErrNotExpired
	}
	if err := e.unwind(s); err != nil {
		return nil, err
	}
	e.emit(NewExpiredEvent(s, caller))
	return s.Clone(), nil
}

// unwind flips the record to CANCELLED and pushes deposited legs back to
// their depositors. The flip is stored before the pushes; the node commit
// boundary keeps the whole step atomic.
func (e *Engine) unwind(s *Settlement) error {
	refundBond := s.BondDeposited
	refundCash := s.PaymentDeposited

	s.Status = StatusCancelled
	s.BondDeposited = false
	s.PaymentDeposited = false
	if err := e.store(s); err != nil {
		return err
	}

	if refundBond {
		if e.bondLeg == nil {
			return errNilLeg
		}
		if err := e.bondLeg.Push(s.Bond, s.Seller, s.BondAmount); err != nil {
			return adapterErr("bond", "refund", err)
		}
	}
	if refundCash {
		if e.cashLeg == nil {
			return errNilLeg
		}
		if err := e.cashLeg.Push(s.Buyer, s.PaymentAmount); err != nil {
			return adapterErr("cash", "refund", err)
		}
	}
	return nil
}

// SetTimeout updates the settlement window applied to future settlements.
// Regulator only; bounds are [MinTimeout, MaxTimeout] inclusive.
func (e *Engine) SetTimeout(caller [20]byte, seconds int64) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !e.isRegulator(caller) {
		return ErrUnauthorized
	}
	if seconds < MinTimeout || seconds > MaxTimeout {
		return ErrTimeoutOutOfRange
	}
	if err := e.state.SettlementSetTimeout(seconds); err != nil {
		return err
	}
	e.emit(NewTimeoutUpdatedEvent(caller, seconds))
	return nil
}

// Pause blocks create, deposits and execute until Resume. Cancellation and
// expiry claims keep working. Pausing an already paused module is a no-op.
func (e *Engine) Pause(caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !e.isRegulator(caller) {
		return ErrUnauthorized
	}
	if e.state.IsPaused(ModuleName) {
		return nil
	}
	if err := e.state.SetPaused(ModuleName, true); err != nil {
		return err
	}
	e.emit(NewPausedEvent(caller))
	return nil
}

// Resume lifts a pause. Resuming an unpaused module is a no-op.
func (e *Engine) Resume(caller [20]byte) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !e.isRegulator(caller) {
		return ErrUnauthorized
	}
	if !e.state.IsPaused(ModuleName) {
		return nil
	}
	if err := e.state.SetPaused(ModuleName, false); err != nil {
		return err
	}
	e.emit(NewResumedEvent(caller))
	return nil
}
