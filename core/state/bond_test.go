package state

import (
	"math/big"
	"testing"

	"bondsettle/native/bond"
	"bondsettle/storage"
)

func TestBondSeriesRoundTrip(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	mgr := NewManager(db)
	series := &bond.Series{
		ID:       testSeries(0xB0),
		Symbol:   "GOVT-2030",
		Issuer:   testAddr(0x0A),
		Maturity: 1_900_000_000,
		Status:   bond.SeriesActive,
	}
	if err := mgr.BondSeriesPut(series); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	fresh := NewManager(db)
	loaded, ok := fresh.BondSeriesGet(series.ID)
	if !ok {
		t.Fatal("series not found after commit")
	}
	if loaded.Symbol != "GOVT-2030" || loaded.Issuer != series.Issuer {
		t.Fatalf("series mismatch: %+v", loaded)
	}
	if loaded.Maturity != series.Maturity || loaded.Status != bond.SeriesActive {
		t.Fatalf("series mismatch: maturity=%d status=%s", loaded.Maturity, loaded.Status)
	}
}

func TestBondSeriesListTracksRegistrations(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	mgr := NewManager(db)
	first := &bond.Series{ID: testSeries(0xB1), Symbol: "CORP-2027", Issuer: testAddr(0x0A), Status: bond.SeriesActive}
	second := &bond.Series{ID: testSeries(0xB0), Symbol: "GOVT-2030", Issuer: testAddr(0x0A), Status: bond.SeriesActive}
	if err := mgr.BondSeriesPut(first); err != nil {
		t.Fatalf("put first: %v", err)
	}
	if err := mgr.BondSeriesPut(second); err != nil {
		t.Fatalf("put second: %v", err)
	}

	list, err := mgr.BondSeriesList()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list length = %d, want 2", len(list))
	}
	if list[0] != second.ID || list[1] != first.ID {
		t.Fatalf("list not sorted: %x %x", list[0], list[1])
	}

	first.Status = bond.SeriesFrozen
	if err := mgr.BondSeriesPut(first); err != nil {
		t.Fatalf("update: %v", err)
	}
	list, err = mgr.BondSeriesList()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("update duplicated list entry: %d", len(list))
	}
}

func TestBondBalancesDefaultToZero(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	mgr := NewManager(db)
	series := testSeries(0xB0)
	holder := testAddr(0x01)

	balance, err := mgr.BondBalance(series, holder)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("fresh balance = %s, want 0", balance)
	}

	if err := mgr.BondSetBalance(series, holder, big.NewInt(250)); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	balance, err = mgr.BondBalance(series, holder)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("balance = %s, want 250", balance)
	}

	if err := mgr.BondSetBalance(series, holder, big.NewInt(-1)); err == nil {
		t.Fatal("expected error for negative balance")
	}
}

func TestBondAllowanceScopedBySeries(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()

	mgr := NewManager(db)
	owner := testAddr(0x01)
	spender := testAddr(0x02)
	if err := mgr.BondSetAllowance(testSeries(0xB0), owner, spender, big.NewInt(40)); err != nil {
		t.Fatalf("set allowance: %v", err)
	}

	allowance, err := mgr.BondAllowance(testSeries(0xB0), owner, spender)
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	if allowance.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("allowance = %s, want 40", allowance)
	}

	other, err := mgr.BondAllowance(testSeries(0xB1), owner, spender)
	if err != nil {
		t.Fatalf("allowance: %v", err)
	}
	if other.Sign() != 0 {
		t.Fatalf("allowance leaked across series: %s", other)
	}
}
