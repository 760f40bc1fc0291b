package settlement

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"bondsettle/core/events"
	"bondsettle/core/types"
	"bondsettle/native/common"
)

type mockState struct {
	settlements map[uint64]*Settlement
	index       map[[20]byte][]uint64
	nextID      uint64
	timeout     int64
	timeoutSet  bool
	paused      map[string]bool
	roles       map[string]map[[20]byte]bool
}

func newMockState() *mockState {
	return &mockState{
		settlements: make(map[uint64]*Settlement),
		index:       make(map[[20]byte][]uint64),
		paused:      make(map[string]bool),
		roles:       make(map[string]map[[20]byte]bool),
	}
}

func (m *mockState) SettlementPut(s *Settlement) error {
	sanitized, err := Sanitize(s)
	if err != nil {
		return err
	}
	m.settlements[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) SettlementGet(id uint64) (*Settlement, bool) {
	s, ok := m.settlements[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

func (m *mockState) SettlementNextID() (uint64, error) {
	m.nextID++
	return m.nextID, nil
}

func (m *mockState) SettlementIndexAppend(addr [20]byte, id uint64) error {
	m.index[addr] = append(m.index[addr], id)
	return nil
}

func (m *mockState) SettlementIndex(addr [20]byte) ([]uint64, error) {
	return append([]uint64(nil), m.index[addr]...), nil
}

func (m *mockState) SettlementTimeout() (int64, bool, error) {
	return m.timeout, m.timeoutSet, nil
}

func (m *mockState) SettlementSetTimeout(seconds int64) error {
	m.timeout = seconds
	m.timeoutSet = true
	return nil
}

func (m *mockState) IsPaused(module string) bool {
	return m.paused[module]
}

func (m *mockState) SetPaused(module string, paused bool) error {
	m.paused[module] = paused
	return nil
}

func (m *mockState) HasRole(role string, addr [20]byte) bool {
	members, ok := m.roles[role]
	if !ok {
		return false
	}
	return members[addr]
}

func (m *mockState) grantRole(role string, addr [20]byte) {
	if m.roles[role] == nil {
		m.roles[role] = make(map[[20]byte]bool)
	}
	m.roles[role][addr] = true
}

type mockGate struct {
	eligible map[[20]byte]bool
	err      error
}

func newMockGate(addrs ...[20]byte) *mockGate {
	g := &mockGate{eligible: make(map[[20]byte]bool)}
	for _, addr := range addrs {
		g.eligible[addr] = true
	}
	return g
}

func (g *mockGate) IsEligible(addr [20]byte) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	return g.eligible[addr], nil
}

type mockBondLeg struct {
	tradeable map[[32]byte]bool
	balances  map[[32]byte]map[[20]byte]*big.Int
	vault     map[[32]byte]*big.Int
	pullErr   error
	pushErr   error
	onPush    func()
	pulls     int
	pushes    int
}

func newMockBondLeg(series [32]byte) *mockBondLeg {
	return &mockBondLeg{
		tradeable: map[[32]byte]bool{series: true},
		balances:  make(map[[32]byte]map[[20]byte]*big.Int),
		vault:     make(map[[32]byte]*big.Int),
	}
}

func (l *mockBondLeg) credit(series [32]byte, addr [20]byte, amount int64) {
	if l.balances[series] == nil {
		l.balances[series] = make(map[[20]byte]*big.Int)
	}
	l.balances[series][addr] = big.NewInt(amount)
}

func (l *mockBondLeg) balance(series [32]byte, addr [20]byte) *big.Int {
	if l.balances[series] == nil || l.balances[series][addr] == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(l.balances[series][addr])
}

func (l *mockBondLeg) vaultBalance(series [32]byte) *big.Int {
	if l.vault[series] == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(l.vault[series])
}

func (l *mockBondLeg) IsTradeable(series [32]byte) (bool, error) {
	return l.tradeable[series], nil
}

func (l *mockBondLeg) Pull(series [32]byte, from [20]byte, amount *big.Int) error {
	l.pulls++
	if l.pullErr != nil {
		return l.pullErr
	}
	current := l.balance(series, from)
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("bond: insufficient balance")
	}
	if l.balances[series] == nil {
		l.balances[series] = make(map[[20]byte]*big.Int)
	}
	l.balances[series][from] = current.Sub(current, amount)
	l.vault[series] = new(big.Int).Add(l.vaultBalance(series), amount)
	return nil
}

func (l *mockBondLeg) Push(series [32]byte, to [20]byte, amount *big.Int) error {
	l.pushes++
	if l.onPush != nil {
		l.onPush()
	}
	if l.pushErr != nil {
		return l.pushErr
	}
	vault := l.vaultBalance(series)
	if vault.Cmp(amount) < 0 {
		return fmt.Errorf("bond: vault underflow")
	}
	l.vault[series] = vault.Sub(vault, amount)
	if l.balances[series] == nil {
		l.balances[series] = make(map[[20]byte]*big.Int)
	}
	l.balances[series][to] = new(big.Int).Add(l.balance(series, to), amount)
	return nil
}

type mockCashLeg struct {
	balances map[[20]byte]*big.Int
	vault    *big.Int
	pullErr  error
	pushErr  error
	onPush   func()
	pulls    int
	pushes   int
}

func newMockCashLeg() *mockCashLeg {
	return &mockCashLeg{balances: make(map[[20]byte]*big.Int), vault: big.NewInt(0)}
}

func (l *mockCashLeg) credit(addr [20]byte, amount int64) {
	l.balances[addr] = big.NewInt(amount)
}

func (l *mockCashLeg) balance(addr [20]byte) *big.Int {
	if l.balances[addr] == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(l.balances[addr])
}

func (l *mockCashLeg) Pull(from [20]byte, amount *big.Int) error {
	l.pulls++
	if l.pullErr != nil {
		return l.pullErr
	}
	current := l.balance(from)
	if current.Cmp(amount) < 0 {
		return fmt.Errorf("cash: insufficient balance")
	}
	l.balances[from] = current.Sub(current, amount)
	l.vault = new(big.Int).Add(l.vault, amount)
	return nil
}

func (l *mockCashLeg) Push(to [20]byte, amount *big.Int) error {
	l.pushes++
	if l.onPush != nil {
		l.onPush()
	}
	if l.pushErr != nil {
		return l.pushErr
	}
	if l.vault.Cmp(amount) < 0 {
		return fmt.Errorf("cash: vault underflow")
	}
	l.vault = new(big.Int).Sub(l.vault, amount)
	l.balances[to] = new(big.Int).Add(l.balance(to), amount)
	return nil
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) typesEvents() []*types.Event {
	out := make([]*types.Event, 0, len(c.events))
	for _, evt := range c.events {
		payload, ok := evt.(interface{ Event() *types.Event })
		if !ok {
			continue
		}
		out = append(out, payload.Event())
	}
	return out
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestSeries(fill byte) [32]byte {
	var series [32]byte
	copy(series[:], bytes.Repeat([]byte{fill}, 32))
	return series
}

type testFixture struct {
	state     *mockState
	gate      *mockGate
	bondLeg   *mockBondLeg
	cashLeg   *mockCashLeg
	emitter   *capturingEmitter
	engine    *Engine
	seller    [20]byte
	buyer     [20]byte
	regulator [20]byte
	series    [32]byte
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()
	f := &testFixture{
		state:     newMockState(),
		emitter:   &capturingEmitter{},
		seller:    newTestAddress(0x01),
		buyer:     newTestAddress(0x02),
		regulator: newTestAddress(0x0F),
		series:    newTestSeries(0xB0),
	}
	f.gate = newMockGate(f.seller, f.buyer)
	f.bondLeg = newMockBondLeg(f.series)
	f.cashLeg = newMockCashLeg()
	f.bondLeg.credit(f.series, f.seller, 1_000)
	f.cashLeg.credit(f.buyer, 10_000_000)
	f.state.grantRole(RoleRegulator, f.regulator)

	engine := NewEngine()
	engine.SetState(f.state)
	engine.SetComplianceGate(f.gate)
	engine.SetBondLeg(f.bondLeg)
	engine.SetCashLeg(f.cashLeg)
	engine.SetAuthority(f.state)
	engine.SetEmitter(f.emitter)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	f.engine = engine
	return f
}

func (f *testFixture) create(t *testing.T) *Settlement {
	t.Helper()
	s, err := f.engine.Create(f.seller, f.buyer, f.series, big.NewInt(100), big.NewInt(500_000))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return s
}

func (f *testFixture) fund(t *testing.T, id uint64) {
	t.Helper()
	if _, err := f.engine.DepositDelivery(id, f.seller); err != nil {
		t.Fatalf("deposit delivery: %v", err)
	}
	if _, err := f.engine.DepositPayment(id, f.buyer); err != nil {
		t.Fatalf("deposit payment: %v", err)
	}
}

func TestCreateValidations(t *testing.T) {
	f := newTestFixture(t)
	stranger := newTestAddress(0x99)
	unknownSeries := newTestSeries(0xEE)

	cases := []struct {
		name    string
		seller  [20]byte
		buyer   [20]byte
		series  [32]byte
		bond    *big.Int
		payment *big.Int
		wantErr error
	}{
		{"ok", f.seller, f.buyer, f.series, big.NewInt(100), big.NewInt(500_000), nil},
		{"zero bond amount", f.seller, f.buyer, f.series, big.NewInt(0), big.NewInt(500_000), ErrInvalidAmount},
		{"zero payment amount", f.seller, f.buyer, f.series, big.NewInt(100), big.NewInt(0), ErrInvalidAmount},
		{"negative bond amount", f.seller, f.buyer, f.series, big.NewInt(-5), big.NewInt(500_000), ErrInvalidAmount},
		{"nil amounts", f.seller, f.buyer, f.series, nil, nil, ErrInvalidAmount},
		{"same party", f.seller, f.seller, f.series, big.NewInt(100), big.NewInt(500_000), ErrSameParty},
		{"zero seller", [20]byte{}, f.buyer, f.series, big.NewInt(100), big.NewInt(500_000), ErrInvalidParty},
		{"ineligible buyer", f.seller, stranger, f.series, big.NewInt(100), big.NewInt(500_000), ErrNotEligible},
		{"unknown series", f.seller, f.buyer, unknownSeries, big.NewInt(100), big.NewInt(500_000), ErrBondNotTradeable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Create(tc.seller, tc.buyer, tc.series, tc.bond, tc.payment)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCreateAssignsSequentialIDs(t *testing.T) {
	f := newTestFixture(t)

	first := f.create(t)
	second := f.create(t)
	third := f.create(t)
	if first.ID != 1 || second.ID != 2 || third.ID != 3 {
		t.Fatalf("expected dense ids 1,2,3, got %d,%d,%d", first.ID, second.ID, third.ID)
	}
	if first.Status != StatusCreated {
		t.Fatalf("expected CREATED, got %s", first.Status)
	}
	if first.CreatedAt != 1_700_000_000 {
		t.Fatalf("unexpected createdAt %d", first.CreatedAt)
	}
	if first.ExpiresAt != 1_700_000_000+DefaultTimeout {
		t.Fatalf("unexpected expiresAt %d", first.ExpiresAt)
	}

	sellerIndex, err := f.state.SettlementIndex(f.seller)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	buyerIndex, err := f.state.SettlementIndex(f.buyer)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if len(sellerIndex) != 3 || len(buyerIndex) != 3 {
		t.Fatalf("expected three index entries per party, got %d and %d", len(sellerIndex), len(buyerIndex))
	}
}

func TestCreateUsesConfiguredTimeout(t *testing.T) {
	f := newTestFixture(t)
	if err := f.state.SettlementSetTimeout(7_200); err != nil {
		t.Fatalf("set timeout: %v", err)
	}

	s := f.create(t)
	if s.ExpiresAt != s.CreatedAt+7_200 {
		t.Fatalf("expected expiry %d, got %d", s.CreatedAt+7_200, s.ExpiresAt)
	}
}

func TestDepositDeliveryMovesBondToVault(t *testing.T) {
	f := newTestFixture(t)
	s := f.create(t)

	updated, err := f.engine.DepositDelivery(s.ID, f.seller)
	if err != nil {
		t.Fatalf("deposit delivery: %v", err)
	}
	if updated.Status != StatusSellerDeposited {
		t.Fatalf("expected SELLER_DEPOSITED, got %s", updated.Status)
	}
	if !updated.BondDeposited || updated.PaymentDeposited {
		t.Fatalf("unexpected flags: bond=%v payment=%v", updated.BondDeposited, updated.PaymentDeposited)
	}
	if got := f.bondLeg.balance(f.series, f.seller); got.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("expected seller balance 900, got %s", got)
	}
	if got := f.bondLeg.vaultBalance(f.series); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected vault balance 100, got %s", got)
	}
}

func TestDepositOrderIndependence(t *testing.T) {
	f := newTestFixture(t)
	s := f.create(t)

	updated, err := f.engine.DepositPayment(s.ID, f.buyer)
	if err != nil {
		t.Fatalf("deposit payment: %v", err)
	}
	if updated.Status != StatusBuyerDeposited {
		t.Fatalf("expected BUYER_DEPOSITED, got %s", updated.Status)
	}
	updated, err = f.engine.DepositDelivery(s.ID, f.seller)
	if err != nil {
		t.Fatalf("deposit delivery: %v", err)
	}
	if updated.Status != StatusFullyFunded {
		t.Fatalf("expected FULLY_FUNDED, got %s", updated.Status)
	}
}

func TestDepositRejectsWrongCaller(t *testing.T) {
	f := newTestFixture(t)
	s := f.create(t)

	if _, err := f.engine.DepositDelivery(s.ID, f.buyer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := f.engine.DepositPayment(s.ID, f.seller); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if f.bondLeg.pulls != 0 || f.cashLeg.pulls != 0 {
		t.Fatalf("no transfer may happen on rejected deposits")
	}
}

func TestDoubleDepositFails(t *testing.T) {
	f := newTestFixture(t)
	s := f.create(t)

	if _, err := f.engine.DepositDelivery(s.ID, f.seller); err != nil {
		t.Fatalf("first deposit: %v", err)
	}
	_, err := f.engine.DepositDelivery(s.ID, f.seller)
	if !errors.Is(err, ErrAlreadyDeposited) {
		t.Fatalf("expected ErrAlreadyDeposited, got %v", err)
	}
	if got := f.bondLeg.vaultBalance(f.series); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("vault must hold exactly one deposit, got %s", got)
	}
}

func TestDepositAfterExpiryFails(t *testing.T) {
	f := newTestFixture(t)
	s := f.create(t)

	f.engine.SetNowFunc(func() int64 { return s.ExpiresAt + 1 })
	if _, err := f.engine.DepositDelivery(s.ID, f.seller); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}

	// At the boundary the deposit is still allowed.
	f.engine.SetNowFunc(func() int64 { return s.ExpiresAt })
	if _, err := f.engine.DepositDelivery(s.ID, f.seller); err != nil {
		t.Fatalf("boundary deposit: %v", err)
	}
}

func TestDepositAdapterFailureLeavesRecordUntouched(t *testing.T) {
	f := newTestFixture(t)
	s := f.create(t)
	f.cashLeg.pullErr = fmt.Errorf("cash: allowance exhausted")

	_, err := f.engine.DepositPayment(s.ID, f.buyer)
	if err == nil {
		t.Fatalf("expected adapter failure")
	}
	if Classify(err) != ClassAdapter {
		t.Fatalf("expected adapter class, got %s", Classify(err))
	}

	stored, ok := f.state.SettlementGet(s.ID)
	if !ok {
		t.Fatalf("settlement missing")
	}
	if stored.PaymentDeposited || stored.Status != StatusCreated {
		t.Fatalf("record must be untouched after failed pull: %+v", stored)
	}
}

func TestDepositMissingSettlement(t *testing.T) {
	f := newTestFixture(t)
	if _, err := f.engine.DepositDelivery(42, f.seller); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExecuteHappyPath(t *testing.T) {
	f := newTestFixture(t)
	s := f.create(t)
	f.fund(t, s.ID)

	executed, err := f.engine.Execute(s.ID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if executed.Status != StatusExecuted {
		t.Fatalf("expected EXECUTED, got %s", executed.Status)
	}
	if executed.ExecutedAt != 1_700_000_000 {
		t.Fatalf("unexpected executedAt %d", executed.ExecutedAt)
	}

	if got := f.bondLeg.balance(f.series, f.buyer); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("buyer should hold 100 bond units, got %s", got)
	}
	if got := f.cashLeg.balance(f.seller); got.Cmp(big.NewInt(500_000)) != 0 {
		t.Fatalf("seller should hold 500000 minor units, got %s", got)
	}
	if got := f.bondLeg.vaultBalance(f.series); got.Sign() != 0 {
		t.Fatalf("bond vault must be empty, got %s", got)
	}
	if f.cashLeg.vault.Sign() != 0 {
		t.Fatalf("cash vault must be empty, got %s", f.cashLeg.vault)
	}

	wantTypes := []string{
		EventTypeCreated,
		EventTypeDeliveryDeposited,
		EventTypePaymentDeposited,
		EventTypeExecuted,
	}
	got := f.emitter.typesEvents()
	if len(got) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), len(got))
	}
	for i, evt := range got {
		if evt.Type != wantTypes[i] {
			t.Fatalf("event %d: expected %s, got %s", i, wantTypes[i], evt.Type)
		}
	}
	final := got[len(got)-1]
	if final.Attributes["status"] != "EXECUTED" {
		t.Fatalf("executed event status attribute: %s", final.Attributes["status"])
	}
	if final.Attributes["id"] != "1" {
		t.Fatalf("executed event id attribute: %s", final.Attributes["id"])
	}
}

func TestExecuteRequiresFullFunding(t *testing.T) {
	f := newTestFixture(t)
	s := f.create(t)

	if _, err := f.engine.Execute(s.ID); !errors.Is(err, ErrNotFullyFunded) {
		t.Fatalf("expected ErrNotFullyFunded, got %v", err)
	}
	if _, err := f.engine.DepositDelivery(s.ID, f.seller); err != nil {
		t.Fatalf("deposit delivery: %v", err)
	}
	if _, err := f.engine.Execute(s.ID); !errors.Is(err, ErrNotFullyFunded) {
		t.Fatalf("expected ErrNotFullyFunded with one leg, got %v", err)
	}
}

func TestExecuteAtExpiryBoundary(t *testing.T) {
	f := newTestFixture(t)
	s := f.create(t)
	f.fund(t, s.ID)

	f.engine.SetNowFunc(func() int64 { return s.ExpiresAt })
	if _, err := f.engine.Execute(s.ID); err != nil {
		t.Fatalf("execute at expiry instant must succeed: %v", err)
	}
}

func TestExecuteAfterExpiryFails(t *testing.T) {
	f := newTestFixture(t)
	s := f.create(t)
	f.fund(t, s.ID)

	f.engine.SetNowFunc(func() int64 { return s.ExpiresAt + 1 })
	_, err := f.engine.Execute(s.ID)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
	if Classify(err) != ClassTiming {
		t.Fatalf("expected timing class, got %s", Classify(err))
	}
}

func TestExecuteFlipsStatusBeforePushes(t *testing.T) {
	f := newTestFixture(t)
	s := f.create(t)
	f.fund(t, s.ID)

	var observed Status
	f.bondLeg.onPush = func() {
		stored, ok := f.state.SettlementGet(s.ID)
		if ok {
			observed = stored.Status
		}
	}
	if _, err := f.engine.Execute(s.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if observed != StatusExecuted {
		t.Fatalf("status must read EXECUTED during pushes, got %s", observed)
	}
}

func TestExecuteSecondPushFailureSurfacesAdapterError(t *testing.T) {
	f := newTestFixture(t)
	s := f.create(t)
	f.fund(t, s.ID)
	f.cashLeg.pushErr = fmt.Errorf("cash: wire rejected")

	_, err := f.engine.Execute(s.ID)
	if err == nil {
		t.Fatalf("expected push failure")
	}
	var adapter *AdapterError
	if !errors.As(err, &adapter) {
		t.Fatalf("expected AdapterError, got %v", err)
	}
	if adapter.Adapter != "cash" || adapter.Op != "push" {
		t.Fatalf("unexpected adapter error: %+v", adapter)
	}
}

func TestExecuteTwiceFails(t *testing.T) {
	f := newTestFixture(t)
	s := f.create(t)
	f.fund(t, s.ID)

	if _, err := f.engine.Execute(s.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := f.engine.Execute(s.ID); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestCancelAuthorization(t *testing.T) {
	f := newTestFixture(t)
	stranger := newTestAddress(0x77)

	cases := []struct {
		name    string
		caller  [20]byte
		wantErr error
	}{
		{"seller", f.seller, nil},
		{"buyer", f.buyer, nil},
		{"regulator", f.regulator, nil},
		{"stranger", stranger, ErrUnauthorized},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := f.create(t)
			_, err := f.engine.Cancel(s.ID, tc.caller, "test")
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCancelWithoutDepositsMovesNothing(t *testing.T) {
	f := newTestFixture(t)
	s := f.create(t)

	cancelled, err := f.engine.Cancel(s.ID, f.regulator, "sanctions hit")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}
	if f.bondLeg.pushes != 0 || f.cashLeg.pushes != 0 {
		t.Fatalf("no refunds expected without deposits")
	}

	evts := f.emitter.typesEvents()
	last := evts[len(evts)-1]
	if last.Type != EventTypeCancelled {
		t.Fatalf("expected cancelled event, got %s", last.Type)
	}
	if last.Attributes["reason"] != "sanctions hit" {
		t.Fatalf("expected reason attribute, got %q", last.Attributes["reason"])
	}
}

func TestCancelRefundsDepositedLegs(t *testing.T) {
	f := newTestFixture(t)
	s := f.create(t)
	f.fund(t, s.ID)

	cancelled, err := f.engine.Cancel(s.ID, f.seller, "terms changed")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}
	if cancelled.BondDeposited || cancelled.PaymentDeposited {
		t.Fatalf("deposit flags must clear on cancel")
	}
	if got := f.bondLeg.balance(f.series, f.seller); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("seller bond balance must be restored, got %s", got)
	}
	if got := f.cashLeg.balance(f.buyer); got.Cmp(big.NewInt(10_000_000)) != 0 {
		t.Fatalf("buyer cash balance must be restored, got %s", got)
	}
	if f.bondLeg.vaultBalance(f.series).Sign() != 0 || f.cashLeg.vault.Sign() != 0 {
		t.Fatalf("vaults must be empty after refunds")
	}
}

func TestCancelTerminalFails(t *testing.T) {
	f := newTestFixture(t)
	s := f.create(t)
	f.fund(t, s.ID)
	if _, err := f.engine.Execute(s.ID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if _, err := f.engine.Cancel(s.ID, f.seller, ""); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
	if _, err := f.engine.Cancel(s.ID, f.regulator, ""); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal for regulator too, got %v", err)
	}
}

func TestClaimExpiredRefund(t *testing.T) {
	f := newTestFixture(t)
	s := f.create(t)
	if _, err := f.engine.DepositDelivery(s.ID, f.seller); err != nil {
		t.Fatalf("deposit delivery: %v", err)
	}

	thirdParty := newTestAddress(0x55)

	// Before the window closes the claim is rejected, even at the boundary.
	if _, err := f.engine.ClaimExpiredRefund(s.ID, thirdParty); !errors.Is(err, ErrNotExpired) {
		t.Fatalf("expected ErrNotExpired, got %v", err)
	}
	f.engine.SetNowFunc(func() int64 { return s.ExpiresAt })
	if _, err := f.engine.ClaimExpiredRefund(s.ID, thirdParty); !errors.Is(err, ErrNotExpired) {
		t.Fatalf("expected ErrNotExpired at boundary, got %v", err)
	}

	f.engine.SetNowFunc(func() int64 { return s.ExpiresAt + 1 })
	claimed, err := f.engine.ClaimExpiredRefund(s.ID, thirdParty)
	if err != nil {
		t.Fatalf("claim expired refund: %v", err)
	}
	if claimed.Status != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", claimed.Status)
	}
	if got := f.bondLeg.balance(f.series, f.seller); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("seller refund missing, balance %s", got)
	}
	if f.cashLeg.pushes != 0 {
		t.Fatalf("undeposited cash leg must not move")
	}

	evts := f.emitter.typesEvents()
	last := evts[len(evts)-1]
	if last.Type != EventTypeExpired {
		t.Fatalf("expected expired event, got %s", last.Type)
	}
	if last.Attributes["caller"] == "" {
		t.Fatalf("expired event must carry the claiming caller")
	}

	if _, err := f.engine.ClaimExpiredRefund(s.ID, thirdParty); !errors.Is(err, ErrTerminal) {
		t.Fatalf("second claim must fail terminal, got %v", err)
	}
}

func TestPauseBlocksNewActivityOnly(t *testing.T) {
	f := newTestFixture(t)
	open := f.create(t)
	funded := f.create(t)
	f.fund(t, funded.ID)
	expired := f.create(t)
	if _, err := f.engine.DepositDelivery(expired.ID, f.seller); err != nil {
		t.Fatalf("deposit delivery: %v", err)
	}

	if err := f.engine.Pause(f.regulator); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if _, err := f.engine.Create(f.seller, f.buyer, f.series, big.NewInt(1), big.NewInt(1)); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("create while paused: %v", err)
	}
	if _, err := f.engine.DepositPayment(open.ID, f.buyer); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("deposit while paused: %v", err)
	}
	if _, err := f.engine.Execute(funded.ID); !errors.Is(err, common.ErrModulePaused) {
		t.Fatalf("execute while paused: %v", err)
	}

	// Cancellation and expiry claims must keep working while paused.
	if _, err := f.engine.Cancel(open.ID, f.seller, "unwinding"); err != nil {
		t.Fatalf("cancel while paused: %v", err)
	}
	f.engine.SetNowFunc(func() int64 { return expired.ExpiresAt + 1 })
	if _, err := f.engine.ClaimExpiredRefund(expired.ID, newTestAddress(0x44)); err != nil {
		t.Fatalf("expiry claim while paused: %v", err)
	}

	f.engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	if err := f.engine.Resume(f.regulator); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := f.engine.Execute(funded.ID); err != nil {
		t.Fatalf("execute after resume: %v", err)
	}
}

func TestPauseRequiresRegulator(t *testing.T) {
	f := newTestFixture(t)

	if err := f.engine.Pause(f.seller); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.engine.Resume(f.buyer); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestPauseIsIdempotent(t *testing.T) {
	f := newTestFixture(t)

	if err := f.engine.Pause(f.regulator); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := f.engine.Pause(f.regulator); err != nil {
		t.Fatalf("second pause: %v", err)
	}

	var pausedEvents int
	for _, evt := range f.emitter.typesEvents() {
		if evt.Type == EventTypePaused {
			pausedEvents++
		}
	}
	if pausedEvents != 1 {
		t.Fatalf("expected a single paused event, got %d", pausedEvents)
	}
}

func TestSetTimeoutBounds(t *testing.T) {
	f := newTestFixture(t)

	cases := []struct {
		name    string
		seconds int64
		wantErr error
	}{
		{"below minimum", MinTimeout - 1, ErrTimeoutOutOfRange},
		{"minimum", MinTimeout, nil},
		{"maximum", MaxTimeout, nil},
		{"above maximum", MaxTimeout + 1, ErrTimeoutOutOfRange},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.engine.SetTimeout(f.regulator, tc.seconds)
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}

	if err := f.engine.SetTimeout(f.seller, MinTimeout); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-regulator, got %v", err)
	}
}

func TestSetTimeoutDoesNotTouchExistingSettlements(t *testing.T) {
	f := newTestFixture(t)
	before := f.create(t)

	if err := f.engine.SetTimeout(f.regulator, MinTimeout); err != nil {
		t.Fatalf("set timeout: %v", err)
	}

	stored, ok := f.state.SettlementGet(before.ID)
	if !ok {
		t.Fatalf("settlement missing")
	}
	if stored.ExpiresAt != before.ExpiresAt {
		t.Fatalf("existing expiry must not move: %d != %d", stored.ExpiresAt, before.ExpiresAt)
	}

	after := f.create(t)
	if after.ExpiresAt != after.CreatedAt+MinTimeout {
		t.Fatalf("new settlement must use updated timeout, got %d", after.ExpiresAt-after.CreatedAt)
	}
}

func TestCanExecuteReasons(t *testing.T) {
	f := newTestFixture(t)

	s := f.create(t)
	ok, reason, err := f.engine.CanExecute(s.ID)
	if err != nil || ok {
		t.Fatalf("expected not executable, err=%v", err)
	}
	if reason != "not fully funded" {
		t.Fatalf("unexpected reason %q", reason)
	}

	f.fund(t, s.ID)
	ok, reason, err = f.engine.CanExecute(s.ID)
	if err != nil || !ok || reason != "" {
		t.Fatalf("expected executable, ok=%v reason=%q err=%v", ok, reason, err)
	}

	if err := f.engine.Pause(f.regulator); err != nil {
		t.Fatalf("pause: %v", err)
	}
	ok, reason, _ = f.engine.CanExecute(s.ID)
	if ok || reason != "module paused" {
		t.Fatalf("expected paused reason, got ok=%v reason=%q", ok, reason)
	}
	if err := f.engine.Resume(f.regulator); err != nil {
		t.Fatalf("resume: %v", err)
	}

	f.engine.SetNowFunc(func() int64 { return s.ExpiresAt + 1 })
	ok, reason, _ = f.engine.CanExecute(s.ID)
	if ok || reason != "settlement expired" {
		t.Fatalf("expected expired reason, got ok=%v reason=%q", ok, reason)
	}

	f.engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	if _, err := f.engine.Cancel(s.ID, f.seller, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	ok, reason, _ = f.engine.CanExecute(s.ID)
	if ok || reason != "settlement closed" {
		t.Fatalf("expected closed reason, got ok=%v reason=%q", ok, reason)
	}

	if _, _, err := f.engine.CanExecute(999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListByParticipant(t *testing.T) {
	f := newTestFixture(t)
	for i := 0; i < 5; i++ {
		f.create(t)
	}

	page, err := f.engine.ListByParticipant(f.seller, 0, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].ID != 1 || page[1].ID != 2 {
		t.Fatalf("unexpected first page: %+v", page)
	}

	page, err = f.engine.ListByParticipant(f.seller, 4, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 1 || page[0].ID != 5 {
		t.Fatalf("unexpected tail page: %+v", page)
	}

	page, err = f.engine.ListByParticipant(f.seller, 10, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("expected empty page beyond end, got %d", len(page))
	}

	stranger := newTestAddress(0x66)
	page, err = f.engine.ListByParticipant(stranger, 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("expected empty page for stranger, got %d", len(page))
	}
}

func TestGetMissingSettlement(t *testing.T) {
	f := newTestFixture(t)
	if _, err := f.engine.Get(7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"not found", ErrNotFound, ClassValidation},
		{"invalid amount", ErrInvalidAmount, ClassValidation},
		{"not eligible", fmt.Errorf("create: %w", ErrNotEligible), ClassValidation},
		{"unauthorized", ErrUnauthorized, ClassAuthorization},
		{"already deposited", ErrAlreadyDeposited, ClassState},
		{"terminal", ErrTerminal, ClassState},
		{"paused", common.ErrModulePaused, ClassState},
		{"expired", ErrExpired, ClassTiming},
		{"not expired", ErrNotExpired, ClassTiming},
		{"adapter", adapterErr("cash", "pull", fmt.Errorf("boom")), ClassAdapter},
		{"unknown", fmt.Errorf("weird"), ClassUnknown},
		{"nil", nil, ClassUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
