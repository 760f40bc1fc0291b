package genesis

import (
	"fmt"
	"sort"
	"strings"

	"bondsettle/core/state"
	"bondsettle/native/bond"
)

// Apply writes the validated spec through the state manager in a
// deterministic order. The caller commits the manager; nothing reaches the
// database before that.
func Apply(spec *GenesisSpec, manager *state.Manager) error {
	if spec == nil {
		return fmt.Errorf("genesis spec must not be nil")
	}
	if manager == nil {
		return fmt.Errorf("state manager must not be nil")
	}

	if spec.SettlementTimeout != 0 {
		if err := manager.SettlementSetTimeout(spec.SettlementTimeout); err != nil {
			return fmt.Errorf("settlementTimeout: %w", err)
		}
	}

	roleNames := make([]string, 0, len(spec.Roles))
	for role := range spec.Roles {
		roleNames = append(roleNames, role)
	}
	sort.Strings(roleNames)
	for _, role := range roleNames {
		addresses := append([]string(nil), spec.Roles[role]...)
		sort.Strings(addresses)
		for _, addrStr := range addresses {
			addr, err := parseAccount(addrStr)
			if err != nil {
				return fmt.Errorf("roles[%q]: %w", role, err)
			}
			if err := manager.GrantRole(role, addr); err != nil {
				return fmt.Errorf("roles[%q]: %w", role, err)
			}
		}
	}

	participants := append([]string(nil), spec.Participants...)
	sort.Strings(participants)
	for _, addrStr := range participants {
		addr, err := parseAccount(addrStr)
		if err != nil {
			return fmt.Errorf("participants: %w", err)
		}
		if err := manager.SetEligible(addr, true); err != nil {
			return fmt.Errorf("participants[%q]: %w", addrStr, err)
		}
	}

	series := append([]BondSeriesSpec(nil), spec.BondSeries...)
	sort.Slice(series, func(i, j int) bool {
		return strings.Compare(series[i].ID, series[j].ID) < 0
	})
	for _, entry := range series {
		id, err := parseSeriesID(entry.ID)
		if err != nil {
			return fmt.Errorf("bondSeries[%q]: %w", entry.ID, err)
		}
		issuer, err := parseAccount(entry.Issuer)
		if err != nil {
			return fmt.Errorf("bondSeries[%q] issuer: %w", entry.ID, err)
		}
		record, err := bond.SanitizeSeries(&bond.Series{
			ID:       id,
			Symbol:   entry.Symbol,
			Issuer:   issuer,
			Maturity: entry.Maturity,
			Status:   bond.SeriesActive,
		})
		if err != nil {
			return fmt.Errorf("bondSeries[%q]: %w", entry.ID, err)
		}
		if err := manager.BondSeriesPut(record); err != nil {
			return fmt.Errorf("bondSeries[%q]: %w", entry.ID, err)
		}
	}

	positions := append([]BondPositionSpec(nil), spec.BondPositions...)
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Series != positions[j].Series {
			return strings.Compare(positions[i].Series, positions[j].Series) < 0
		}
		return strings.Compare(positions[i].Holder, positions[j].Holder) < 0
	})
	for _, entry := range positions {
		id, err := parseSeriesID(entry.Series)
		if err != nil {
			return fmt.Errorf("bondPositions[%q]: %w", entry.Series, err)
		}
		holder, err := parseAccount(entry.Holder)
		if err != nil {
			return fmt.Errorf("bondPositions[%q] holder: %w", entry.Series, err)
		}
		amount, err := parseAmountString(entry.Amount)
		if err != nil {
			return fmt.Errorf("bondPositions[%q]: %w", entry.Series, err)
		}
		if err := manager.BondSetBalance(id, holder, amount); err != nil {
			return fmt.Errorf("bondPositions[%q]: %w", entry.Series, err)
		}
	}

	cashAccounts := make([]string, 0, len(spec.CashBalances))
	for account := range spec.CashBalances {
		cashAccounts = append(cashAccounts, account)
	}
	sort.Strings(cashAccounts)
	for _, account := range cashAccounts {
		addr, err := parseAccount(account)
		if err != nil {
			return fmt.Errorf("cashBalances[%q]: %w", account, err)
		}
		amount, err := parseAmountString(spec.CashBalances[account])
		if err != nil {
			return fmt.Errorf("cashBalances[%q]: %w", account, err)
		}
		if err := manager.CashSetBalance(addr, amount); err != nil {
			return fmt.Errorf("cashBalances[%q]: %w", account, err)
		}
	}

	return manager.SetGenesisInitialized()
}
