package compliance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bondsettle/crypto"
)

// Gate adapts the registry client to the settlement engine's eligibility
// check. Lookup failures propagate so the engine refuses creation instead
// of guessing.
type Gate struct {
	client  *Client
	timeout time.Duration
}

// NewGate wraps a client. The timeout bounds each lookup; zero falls back
// to five seconds.
func NewGate(client *Client, timeout time.Duration) (*Gate, error) {
	if client == nil {
		return nil, fmt.Errorf("compliance: client required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gate{client: client, timeout: timeout}, nil
}

// IsEligible reports whether the registry clears the address for new
// settlements.
func (g *Gate) IsEligible(addr [20]byte) (bool, error) {
	if g == nil || g.client == nil {
		return false, fmt.Errorf("compliance: gate not configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	decision, err := g.client.CheckAddress(ctx, crypto.AddressFromBytes(addr).String())
	if err != nil {
		return false, err
	}
	return decision.Eligible, nil
}

// StaticGate answers eligibility from a fixed allowlist. It backs dev and
// test deployments that run without a registry.
type StaticGate struct {
	mu      sync.RWMutex
	allowed map[[20]byte]bool
}

// NewStaticGate seeds the allowlist from bech32 addresses. Addresses not
// listed are ineligible.
func NewStaticGate(addrs []string) (*StaticGate, error) {
	gate := &StaticGate{allowed: make(map[[20]byte]bool, len(addrs))}
	for _, raw := range addrs {
		parsed, err := crypto.ParseAccount(raw)
		if err != nil {
			return nil, fmt.Errorf("compliance: allowlist entry %q: %w", raw, err)
		}
		gate.allowed[parsed.Fixed()] = true
	}
	return gate, nil
}

// Allow marks an address eligible.
func (g *StaticGate) Allow(addr [20]byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowed[addr] = true
}

// Revoke removes an address from the allowlist.
func (g *StaticGate) Revoke(addr [20]byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.allowed, addr)
}

// IsEligible reports allowlist membership.
func (g *StaticGate) IsEligible(addr [20]byte) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.allowed[addr], nil
}
