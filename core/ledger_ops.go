package core

import (
	"fmt"
	"math/big"
	"strings"

	"bondsettle/core/events"
	"bondsettle/core/state"
	"bondsettle/core/types"
	"bondsettle/crypto"
	"bondsettle/native/bond"
	"bondsettle/native/cash"
	"bondsettle/native/settlement"
)

// Event types for node-level administrative actions.
const (
	EventTypeEligibilityUpdated = "compliance.eligibility_updated"
	EventTypeRoleGranted        = "governance.role_granted"
)

var knownRoles = map[string]struct{}{
	settlement.RoleRegulator: {},
	cash.RoleTreasury:        {},
}

// BondRegisterSeries registers a new bond series and returns the stored
// record with its normalised symbol.
func (n *Node) BondRegisterSeries(series *bond.Series) (*bond.Series, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	staged := &stagedEmitter{}
	ledger := n.newBondLedger(manager, staged)
	stored, err := ledger.RegisterSeries(series)
	if err != nil {
		return nil, err
	}
	if err := n.commit("bond_register_series", manager, staged); err != nil {
		return nil, err
	}
	return stored, nil
}

// BondSetSeriesStatus moves a series between ACTIVE, MATURED and FROZEN.
// Issuer only.
func (n *Node) BondSetSeriesStatus(id [32]byte, caller [20]byte, status bond.SeriesStatus) (*bond.Series, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	staged := &stagedEmitter{}
	ledger := n.newBondLedger(manager, staged)
	series, err := ledger.SetSeriesStatus(id, caller, status)
	if err != nil {
		return nil, err
	}
	if err := n.commit("bond_set_series_status", manager, staged); err != nil {
		return nil, err
	}
	return series, nil
}

// BondMint credits newly issued bond units to the recipient. Issuer only.
func (n *Node) BondMint(id [32]byte, caller, to [20]byte, amount *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	staged := &stagedEmitter{}
	ledger := n.newBondLedger(manager, staged)
	if err := ledger.Mint(id, caller, to, amount); err != nil {
		return err
	}
	return n.commit("bond_mint", manager, staged)
}

// BondApprove grants the spender a pull allowance on the owner's position.
func (n *Node) BondApprove(id [32]byte, owner, spender [20]byte, amount *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	staged := &stagedEmitter{}
	ledger := n.newBondLedger(manager, staged)
	if err := ledger.Approve(id, owner, spender, amount); err != nil {
		return err
	}
	return n.commit("bond_approve", manager, staged)
}

// BondSeries returns the series record with the given identifier.
func (n *Node) BondSeries(id [32]byte) (*bond.Series, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	ledger := n.newBondLedger(manager, events.NoopEmitter{})
	return ledger.Series(id)
}

// BondSeriesList returns every registered series.
func (n *Node) BondSeriesList() ([]*bond.Series, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	ids, err := manager.BondSeriesList()
	if err != nil {
		return nil, err
	}
	out := make([]*bond.Series, 0, len(ids))
	for _, id := range ids {
		series, ok := manager.BondSeriesGet(id)
		if !ok {
			return nil, bond.ErrSeriesNotFound
		}
		out = append(out, series)
	}
	return out, nil
}

// BondBalance returns the address's holding in the series.
func (n *Node) BondBalance(id [32]byte, addr [20]byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	ledger := n.newBondLedger(manager, events.NoopEmitter{})
	return ledger.Balance(id, addr)
}

// BondAllowance returns the spender's remaining pull allowance.
func (n *Node) BondAllowance(id [32]byte, owner, spender [20]byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	ledger := n.newBondLedger(manager, events.NoopEmitter{})
	return ledger.Allowance(id, owner, spender)
}

// CashMint credits newly issued stablecoin minor units. Treasury only.
func (n *Node) CashMint(caller, to [20]byte, amount *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	staged := &stagedEmitter{}
	ledger := n.newCashLedger(manager, staged)
	if err := ledger.Mint(caller, to, amount); err != nil {
		return err
	}
	return n.commit("cash_mint", manager, staged)
}

// CashApprove grants the spender a pull allowance on the owner's balance.
func (n *Node) CashApprove(owner, spender [20]byte, amount *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	staged := &stagedEmitter{}
	ledger := n.newCashLedger(manager, staged)
	if err := ledger.Approve(owner, spender, amount); err != nil {
		return err
	}
	return n.commit("cash_approve", manager, staged)
}

// CashBalance returns the address's stablecoin balance in minor units.
func (n *Node) CashBalance(addr [20]byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	ledger := n.newCashLedger(manager, events.NoopEmitter{})
	return ledger.Balance(addr)
}

// CashAllowance returns the spender's remaining pull allowance.
func (n *Node) CashAllowance(owner, spender [20]byte) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	ledger := n.newCashLedger(manager, events.NoopEmitter{})
	return ledger.Allowance(owner, spender)
}

// ComplianceSetEligible flips the state-backed eligibility flag for the
// address. Regulator only. The flag gates settlement creation; in-flight
// settlements are unaffected.
func (n *Node) ComplianceSetEligible(caller, addr [20]byte, eligible bool) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	if !manager.HasRole(settlement.RoleRegulator, caller) {
		return settlement.ErrUnauthorized
	}
	if err := manager.SetEligible(addr, eligible); err != nil {
		return err
	}
	staged := &stagedEmitter{}
	staged.events = append(staged.events, &types.Event{
		Type: EventTypeEligibilityUpdated,
		Attributes: map[string]string{
			"address":  crypto.AddressFromBytes(addr).String(),
			"eligible": fmt.Sprintf("%t", eligible),
			"caller":   crypto.AddressFromBytes(caller).String(),
		},
	})
	return n.commit("compliance_set_eligible", manager, staged)
}

// ComplianceIsEligible reports whether the address may enter new
// settlements, consulting the external gate when one is configured.
func (n *Node) ComplianceIsEligible(addr [20]byte) (bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	return n.complianceGate(manager).IsEligible(addr)
}

// RoleGrant adds the address to a known role. Regulator only.
func (n *Node) RoleGrant(caller [20]byte, role string, addr [20]byte) error {
	trimmed := strings.TrimSpace(role)
	if _, ok := knownRoles[trimmed]; !ok {
		return fmt.Errorf("core: unknown role %q", role)
	}

	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	if !manager.HasRole(settlement.RoleRegulator, caller) {
		return settlement.ErrUnauthorized
	}
	if err := manager.GrantRole(trimmed, addr); err != nil {
		return err
	}
	staged := &stagedEmitter{}
	staged.events = append(staged.events, &types.Event{
		Type: EventTypeRoleGranted,
		Attributes: map[string]string{
			"role":    trimmed,
			"address": crypto.AddressFromBytes(addr).String(),
			"caller":  crypto.AddressFromBytes(caller).String(),
		},
	})
	return n.commit("role_grant", manager, staged)
}

// RoleMembers returns the addresses holding the role.
func (n *Node) RoleMembers(role string) ([][20]byte, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	manager := state.NewManager(n.db)
	return manager.RoleMembers(role)
}
