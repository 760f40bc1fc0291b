package core

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"bondsettle/core/events"
	"bondsettle/core/genesis"
	"bondsettle/core/state"
	"bondsettle/core/types"
	"bondsettle/crypto"
	"bondsettle/native/bond"
	"bondsettle/native/cash"
	"bondsettle/native/settlement"
	"bondsettle/observability"
	"bondsettle/storage"
)

// Node is the central controller, wiring storage, the event journal and the
// native engines together behind one mutation lock. Every operation runs on
// a fresh state overlay; the overlay is committed in a single batch only
// when the operation succeeds, so a failing leg transfer rolls the whole
// step back, status flip included.
type Node struct {
	db      storage.Database
	journal *events.Journal
	logger  *slog.Logger
	gate    settlement.ComplianceGate
	vault   [20]byte

	stateMu sync.Mutex
	nowFn   func() int64
}

// NewNode opens a node over the database, applying the genesis spec at
// genesisPath when the database is empty. With an empty path and
// allowAutogenesis set the node starts from blank state.
func NewNode(db storage.Database, genesisPath string, allowAutogenesis bool) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database must not be nil")
	}
	n := &Node{
		db:     db,
		logger: slog.Default(),
		vault:  crypto.DeriveModuleAddress(settlement.ModuleName),
		nowFn:  func() int64 { return time.Now().Unix() },
	}
	if err := n.initGenesis(genesisPath, allowAutogenesis); err != nil {
		return nil, err
	}
	observability.Settlement().SetPause(state.NewManager(db).IsPaused(settlement.ModuleName))
	n.logger.Info("settlement node ready",
		"vault", crypto.AddressFromBytes(n.vault).String())
	return n, nil
}

// SetLogger replaces the node logger. Passing nil resets to the default.
func (n *Node) SetLogger(logger *slog.Logger) {
	if logger == nil {
		n.logger = slog.Default()
		return
	}
	n.logger = logger
}

// SetJournal wires the event journal. Without a journal events are dropped.
func (n *Node) SetJournal(journal *events.Journal) { n.journal = journal }

// SetComplianceGate overrides the state-backed eligibility list with an
// external gate, typically the registry client. Passing nil restores the
// state-backed gate.
func (n *Node) SetComplianceGate(gate settlement.ComplianceGate) { n.gate = gate }

// SetNowFunc overrides the node clock. Primarily for tests.
func (n *Node) SetNowFunc(now func() int64) {
	if now == nil {
		n.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	n.nowFn = now
}

// SettlementVaultAddress returns the module account holding deposited legs.
func (n *Node) SettlementVaultAddress() [20]byte { return n.vault }

func (n *Node) initGenesis(path string, allowAutogenesis bool) error {
	manager := state.NewManager(n.db)
	done, err := manager.GenesisInitialized()
	if err != nil {
		return fmt.Errorf("core: read genesis flag: %w", err)
	}
	if done {
		return nil
	}
	if path == "" {
		if !allowAutogenesis {
			return fmt.Errorf("core: genesis spec required for empty database")
		}
		if err := manager.SetGenesisInitialized(); err != nil {
			return err
		}
		if err := manager.Commit(); err != nil {
			return fmt.Errorf("core: commit genesis: %w", err)
		}
		n.logger.Info("initialised blank genesis state")
		return nil
	}
	spec, err := genesis.LoadGenesisSpec(path)
	if err != nil {
		return err
	}
	if err := genesis.Apply(spec, manager); err != nil {
		return err
	}
	writes := manager.Pending()
	if err := manager.Commit(); err != nil {
		return fmt.Errorf("core: commit genesis: %w", err)
	}
	n.logger.Info("applied genesis spec", "path", path, "writes", writes)
	return nil
}

type eventWithPayload interface {
	Event() *types.Event
}

// stagedEmitter collects engine events during an operation. The node
// appends them to the journal only after the state overlay commits, so a
// failed operation leaves no trace in the event stream.
type stagedEmitter struct {
	events []*types.Event
}

func (e *stagedEmitter) Emit(evt events.Event) {
	if e == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	event := payload.Event()
	if event == nil {
		return
	}
	e.events = append(e.events, event)
}

// bondLegAdapter exposes the bond ledger to the settlement engine as the
// delivery leg. Pull draws on the allowance the seller granted the module
// vault; Push pays out of the vault.
type bondLegAdapter struct {
	ledger *bond.Ledger
	vault  [20]byte
}

func (a bondLegAdapter) IsTradeable(series [32]byte) (bool, error) {
	return a.ledger.IsTradeable(series)
}

func (a bondLegAdapter) Pull(series [32]byte, from [20]byte, amount *big.Int) error {
	return a.ledger.TransferFrom(series, a.vault, from, a.vault, amount)
}

func (a bondLegAdapter) Push(series [32]byte, to [20]byte, amount *big.Int) error {
	return a.ledger.Transfer(series, a.vault, to, amount)
}

// cashLegAdapter exposes the cash ledger as the payment leg under the same
// allowance contract.
type cashLegAdapter struct {
	ledger *cash.Ledger
	vault  [20]byte
}

func (a cashLegAdapter) Pull(from [20]byte, amount *big.Int) error {
	return a.ledger.TransferFrom(a.vault, from, a.vault, amount)
}

func (a cashLegAdapter) Push(to [20]byte, amount *big.Int) error {
	return a.ledger.Transfer(a.vault, to, amount)
}

// stateEligibilityGate answers eligibility from the state-backed allowlist.
type stateEligibilityGate struct {
	manager *state.Manager
}

func (g stateEligibilityGate) IsEligible(addr [20]byte) (bool, error) {
	return g.manager.IsEligible(addr)
}

func (n *Node) newBondLedger(manager *state.Manager, emitter events.Emitter) *bond.Ledger {
	ledger := bond.NewLedger()
	ledger.SetState(manager)
	ledger.SetEmitter(emitter)
	ledger.SetNowFunc(n.nowFn)
	return ledger
}

func (n *Node) newCashLedger(manager *state.Manager, emitter events.Emitter) *cash.Ledger {
	ledger := cash.NewLedger()
	ledger.SetState(manager)
	ledger.SetAuthority(manager)
	ledger.SetEmitter(emitter)
	return ledger
}

func (n *Node) complianceGate(manager *state.Manager) settlement.ComplianceGate {
	if n.gate != nil {
		return n.gate
	}
	return stateEligibilityGate{manager: manager}
}

func (n *Node) newSettlementEngine(manager *state.Manager, emitter events.Emitter) *settlement.Engine {
	engine := settlement.NewEngine()
	engine.SetState(manager)
	engine.SetAuthority(manager)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(n.nowFn)
	engine.SetComplianceGate(n.complianceGate(manager))
	engine.SetBondLeg(bondLegAdapter{ledger: n.newBondLedger(manager, emitter), vault: n.vault})
	engine.SetCashLeg(cashLegAdapter{ledger: n.newCashLedger(manager, emitter), vault: n.vault})
	return engine
}

// commit flushes the overlay and, on success, journals the staged events.
func (n *Node) commit(op string, manager *state.Manager, staged *stagedEmitter) error {
	writes := manager.Pending()
	if err := manager.Commit(); err != nil {
		return fmt.Errorf("core: commit %s: %w", op, err)
	}
	if n.journal != nil {
		for _, evt := range staged.events {
			if _, err := n.journal.Append(evt); err != nil {
				n.logger.Error("append event", "type", evt.Type, "error", err)
			}
		}
	}
	n.logger.Debug("state committed", "op", op, "writes", writes, "events", len(staged.events))
	return nil
}

// fail records the rejection class for a settlement operation and hands the
// error back unchanged.
func (n *Node) fail(op string, err error) error {
	observability.Settlement().RecordFailure(op, settlement.Classify(err).String())
	return err
}

// SettlementCreate registers a new delivery-versus-payment settlement and
// returns the stored record.
func (n *Node) SettlementCreate(seller, buyer [20]byte, series [32]byte, bondAmount, paymentAmount *big.Int) (*settlement.Settlement, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	staged := &stagedEmitter{}
	engine := n.newSettlementEngine(manager, staged)
	record, err := engine.Create(seller, buyer, series, bondAmount, paymentAmount)
	if err != nil {
		return nil, n.fail("create", err)
	}
	if err := n.commit("settlement_create", manager, staged); err != nil {
		return nil, err
	}
	return record, nil
}

// SettlementDepositDelivery moves the seller's bond position into the vault.
func (n *Node) SettlementDepositDelivery(id uint64, caller [20]byte) (*settlement.Settlement, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	staged := &stagedEmitter{}
	engine := n.newSettlementEngine(manager, staged)
	record, err := engine.DepositDelivery(id, caller)
	if err != nil {
		return nil, n.fail("deposit_delivery", err)
	}
	if err := n.commit("settlement_deposit_delivery", manager, staged); err != nil {
		return nil, err
	}
	return record, nil
}

// SettlementDepositPayment moves the buyer's payment into the vault.
func (n *Node) SettlementDepositPayment(id uint64, caller [20]byte) (*settlement.Settlement, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	staged := &stagedEmitter{}
	engine := n.newSettlementEngine(manager, staged)
	record, err := engine.DepositPayment(id, caller)
	if err != nil {
		return nil, n.fail("deposit_payment", err)
	}
	if err := n.commit("settlement_deposit_payment", manager, staged); err != nil {
		return nil, err
	}
	return record, nil
}

// SettlementExecute swaps the deposited legs of a fully funded settlement.
func (n *Node) SettlementExecute(id uint64) (*settlement.Settlement, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	staged := &stagedEmitter{}
	engine := n.newSettlementEngine(manager, staged)
	record, err := engine.Execute(id)
	if err != nil {
		return nil, n.fail("execute", err)
	}
	if err := n.commit("settlement_execute", manager, staged); err != nil {
		return nil, err
	}
	observability.Settlement().RecordSettledValue(record.BondAmount, record.PaymentAmount)
	return record, nil
}

// SettlementCancel unwinds a settlement before execution.
func (n *Node) SettlementCancel(id uint64, caller [20]byte, reason string) (*settlement.Settlement, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	staged := &stagedEmitter{}
	engine := n.newSettlementEngine(manager, staged)
	record, err := engine.Cancel(id, caller, reason)
	if err != nil {
		return nil, n.fail("cancel", err)
	}
	if err := n.commit("settlement_cancel", manager, staged); err != nil {
		return nil, err
	}
	return record, nil
}

// SettlementClaimExpired refunds the deposited legs of an expired
// settlement. Any caller may trigger it.
func (n *Node) SettlementClaimExpired(id uint64, caller [20]byte) (*settlement.Settlement, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	staged := &stagedEmitter{}
	engine := n.newSettlementEngine(manager, staged)
	record, err := engine.ClaimExpiredRefund(id, caller)
	if err != nil {
		return nil, n.fail("claim_expired_refund", err)
	}
	if err := n.commit("settlement_claim_expired", manager, staged); err != nil {
		return nil, err
	}
	return record, nil
}

// SettlementSetTimeout updates the window applied to future settlements.
func (n *Node) SettlementSetTimeout(caller [20]byte, seconds int64) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	staged := &stagedEmitter{}
	engine := n.newSettlementEngine(manager, staged)
	if err := engine.SetTimeout(caller, seconds); err != nil {
		return n.fail("set_timeout", err)
	}
	return n.commit("settlement_set_timeout", manager, staged)
}

// SettlementPause halts new settlement activity.
func (n *Node) SettlementPause(caller [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	staged := &stagedEmitter{}
	engine := n.newSettlementEngine(manager, staged)
	if err := engine.Pause(caller); err != nil {
		return n.fail("pause", err)
	}
	if err := n.commit("settlement_pause", manager, staged); err != nil {
		return err
	}
	observability.Settlement().SetPause(true)
	return nil
}

// SettlementResume lifts a pause.
func (n *Node) SettlementResume(caller [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	staged := &stagedEmitter{}
	engine := n.newSettlementEngine(manager, staged)
	if err := engine.Resume(caller); err != nil {
		return n.fail("resume", err)
	}
	if err := n.commit("settlement_resume", manager, staged); err != nil {
		return err
	}
	observability.Settlement().SetPause(false)
	return nil
}

// SettlementGet returns the settlement record with the given identifier.
func (n *Node) SettlementGet(id uint64) (*settlement.Settlement, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newSettlementEngine(manager, events.NoopEmitter{})
	return engine.Get(id)
}

// SettlementCanExecute reports whether Execute would currently succeed and,
// when it would not, why.
func (n *Node) SettlementCanExecute(id uint64) (bool, string, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newSettlementEngine(manager, events.NoopEmitter{})
	return engine.CanExecute(id)
}

// SettlementsByParticipant pages through the address's settlements.
func (n *Node) SettlementsByParticipant(addr [20]byte, offset, limit int) ([]*settlement.Settlement, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newSettlementEngine(manager, events.NoopEmitter{})
	return engine.ListByParticipant(addr, offset, limit)
}

// SettlementTimeout reports the currently configured settlement window.
func (n *Node) SettlementTimeout() (int64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newSettlementEngine(manager, events.NoopEmitter{})
	return engine.Timeout()
}

// SettlementPaused reports whether new settlement activity is blocked.
func (n *Node) SettlementPaused() bool {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	engine := n.newSettlementEngine(manager, events.NoopEmitter{})
	return engine.Paused()
}

// EventsList returns up to limit journal entries with sequence strictly
// greater than after.
func (n *Node) EventsList(after uint64, limit int) ([]*types.Event, error) {
	if n.journal == nil {
		return []*types.Event{}, nil
	}
	return n.journal.List(after, limit)
}

// EventsSubscribe registers a live event consumer.
func (n *Node) EventsSubscribe(buffer int) (*events.Subscription, error) {
	if n.journal == nil {
		return nil, fmt.Errorf("core: event journal not configured")
	}
	return n.journal.Subscribe(buffer), nil
}

// LastEventSequence reports the highest journalled sequence.
func (n *Node) LastEventSequence() (uint64, error) {
	if n.journal == nil {
		return 0, nil
	}
	return n.journal.LastSequence()
}
