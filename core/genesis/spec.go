package genesis

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"bondsettle/crypto"
	"bondsettle/native/settlement"
)

// GenesisSpec describes the initial state of a settlement network: who
// regulates it, which bond series exist, who holds what, and which
// accounts may participate.
type GenesisSpec struct {
	GenesisTime       string              `json:"genesisTime"`
	SettlementTimeout int64               `json:"settlementTimeout,omitempty"`
	Roles             map[string][]string `json:"roles,omitempty"`
	Participants      []string            `json:"participants,omitempty"`
	BondSeries        []BondSeriesSpec    `json:"bondSeries,omitempty"`
	BondPositions     []BondPositionSpec  `json:"bondPositions,omitempty"`
	CashBalances      map[string]string   `json:"cashBalances,omitempty"`

	genesisTimestamp time.Time
}

// BondSeriesSpec registers one bond series at genesis.
type BondSeriesSpec struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Issuer   string `json:"issuer"`
	Maturity int64  `json:"maturity,omitempty"`
}

// BondPositionSpec seeds a holder's position in a series.
type BondPositionSpec struct {
	Series string `json:"series"`
	Holder string `json:"holder"`
	Amount string `json:"amount"`
}

// LoadGenesisSpec reads and validates the genesis spec at path.
func LoadGenesisSpec(path string) (*GenesisSpec, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("genesis spec path must be provided")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read genesis spec %q: %w", path, err)
	}
	var spec GenesisSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode genesis spec %q: %w", path, err)
	}
	if err := spec.validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis spec %q: %w", path, err)
	}
	return &spec, nil
}

// GenesisTimestamp returns the parsed genesis time.
func (s *GenesisSpec) GenesisTimestamp() time.Time { return s.genesisTimestamp }

func (s *GenesisSpec) validate() error {
	parsedTime, err := parseGenesisTime(s.GenesisTime)
	if err != nil {
		return err
	}
	s.genesisTimestamp = parsedTime

	if s.SettlementTimeout != 0 {
		if s.SettlementTimeout < settlement.MinTimeout || s.SettlementTimeout > settlement.MaxTimeout {
			return fmt.Errorf("settlementTimeout must be between %d and %d seconds", settlement.MinTimeout, settlement.MaxTimeout)
		}
	}

	roleNames := make([]string, 0, len(s.Roles))
	for role := range s.Roles {
		roleNames = append(roleNames, role)
	}
	sort.Strings(roleNames)
	for _, role := range roleNames {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("roles: role name must be provided")
		}
		seen := make(map[string]struct{}, len(s.Roles[role]))
		for i, addrStr := range s.Roles[role] {
			addr, err := parseAccount(addrStr)
			if err != nil {
				return fmt.Errorf("roles[%q][%d]: %w", role, i, err)
			}
			key := string(addr[:])
			if _, dup := seen[key]; dup {
				return fmt.Errorf("roles[%q]: duplicate address %q", role, addrStr)
			}
			seen[key] = struct{}{}
		}
	}

	participants := make(map[string]struct{}, len(s.Participants))
	for i, addrStr := range s.Participants {
		addr, err := parseAccount(addrStr)
		if err != nil {
			return fmt.Errorf("participants[%d]: %w", i, err)
		}
		key := string(addr[:])
		if _, dup := participants[key]; dup {
			return fmt.Errorf("participants[%d]: duplicate address %q", i, addrStr)
		}
		participants[key] = struct{}{}
	}

	seriesIDs := make(map[[32]byte]struct{}, len(s.BondSeries))
	for i := range s.BondSeries {
		entry := &s.BondSeries[i]
		id, err := parseSeriesID(entry.ID)
		if err != nil {
			return fmt.Errorf("bondSeries[%d]: %w", i, err)
		}
		if _, dup := seriesIDs[id]; dup {
			return fmt.Errorf("bondSeries[%d]: duplicate id %q", i, entry.ID)
		}
		seriesIDs[id] = struct{}{}
		if strings.TrimSpace(entry.Symbol) == "" {
			return fmt.Errorf("bondSeries[%d]: symbol must be provided", i)
		}
		if _, err := parseAccount(entry.Issuer); err != nil {
			return fmt.Errorf("bondSeries[%d] issuer: %w", i, err)
		}
		if entry.Maturity < 0 {
			return fmt.Errorf("bondSeries[%d]: maturity must not be negative", i)
		}
	}

	positions := make(map[string]struct{}, len(s.BondPositions))
	for i := range s.BondPositions {
		entry := &s.BondPositions[i]
		id, err := parseSeriesID(entry.Series)
		if err != nil {
			return fmt.Errorf("bondPositions[%d]: %w", i, err)
		}
		if _, defined := seriesIDs[id]; !defined {
			return fmt.Errorf("bondPositions[%d]: undefined series %q", i, entry.Series)
		}
		holder, err := parseAccount(entry.Holder)
		if err != nil {
			return fmt.Errorf("bondPositions[%d] holder: %w", i, err)
		}
		if _, err := parseAmountString(entry.Amount); err != nil {
			return fmt.Errorf("bondPositions[%d]: %w", i, err)
		}
		key := string(id[:]) + string(holder[:])
		if _, dup := positions[key]; dup {
			return fmt.Errorf("bondPositions[%d]: duplicate position for holder %q", i, entry.Holder)
		}
		positions[key] = struct{}{}
	}

	if len(s.CashBalances) > 0 {
		accounts := make([]string, 0, len(s.CashBalances))
		for account := range s.CashBalances {
			accounts = append(accounts, account)
		}
		sort.Strings(accounts)
		for _, account := range accounts {
			if _, err := parseAccount(account); err != nil {
				return fmt.Errorf("cashBalances[%q]: %w", account, err)
			}
			if _, err := parseAmountString(s.CashBalances[account]); err != nil {
				return fmt.Errorf("cashBalances[%q]: %w", account, err)
			}
		}
	}
	return nil
}

func parseGenesisTime(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("genesisTime must be provided")
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, fmt.Errorf("genesisTime must be RFC3339: %w", err)
	}
	return parsed.UTC(), nil
}

func parseAccount(addrStr string) ([20]byte, error) {
	addr, err := crypto.ParseAccount(strings.TrimSpace(addrStr))
	if err != nil {
		return [20]byte{}, err
	}
	return addr.Fixed(), nil
}

func parseSeriesID(raw string) ([32]byte, error) {
	var id [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("series id must be hex: %w", err)
	}
	if len(decoded) != len(id) {
		return id, fmt.Errorf("series id must be %d bytes, got %d", len(id), len(decoded))
	}
	copy(id[:], decoded)
	return id, nil
}

func parseAmountString(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount must be provided")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}
