package orderbook

import (
	"fmt"
	"math/big"

	"intentbook/native/intents"
	"intentbook/native/ledger"
	"intentbook/native/subintent"
	"intentbook/native/verifier"
)

// StateVersion is bumped whenever the persisted layout changes.
const StateVersion = 2

// State is the persisted form of the whole book.
type State struct {
	Version    int                    `json:"version"`
	LastID     uint64                 `json:"lastId"`
	Ledger     ledger.Snapshot        `json:"ledger"`
	Intents    []*intents.Intent      `json:"intents"`
	SubIntents []*subintent.SubIntent `json:"subIntents"`
	Verifier   verifier.State         `json:"verifier"`
}

// Snapshot captures a consistent copy of the book.
func (b *Book) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{
		Version:    StateVersion,
		LastID:     b.seq.Last(),
		Ledger:     b.ledger.Snapshot(),
		Intents:    b.store.All(),
		SubIntents: b.table.All(),
		Verifier:   b.verifier.Snapshot(),
	}
}

// Restore replaces the book contents with st. Legs that were Signing keep
// their status and attempt so a late result still applies; ResumeSigning
// re-sends their requests.
func (b *Book) Restore(st State) error {
	if st.Version != StateVersion {
		return fmt.Errorf("orderbook: unsupported state version %d", st.Version)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ledger.Restore(st.Ledger); err != nil {
		return err
	}
	if err := b.store.Restore(st.Intents); err != nil {
		return err
	}
	if err := b.table.Restore(st.SubIntents); err != nil {
		return err
	}
	if err := b.verifier.Restore(st.Verifier); err != nil {
		return err
	}
	b.seq.Reset(st.LastID)
	b.refreshOpenGauge()
	return nil
}

// Audit is the per-asset accounting identity:
// Balances + OpenEscrow + LegEscrow == Deposits - Withdrawals.
type Audit struct {
	Asset       string   `json:"asset"`
	Balances    *big.Int `json:"balances"`
	OpenEscrow  *big.Int `json:"openEscrow"`
	LegEscrow   *big.Int `json:"legEscrow"`
	Deposits    *big.Int `json:"deposits"`
	Withdrawals *big.Int `json:"withdrawals"`
}

// Balanced reports whether the identity holds.
func (a Audit) Balanced() bool {
	held := new(big.Int).Add(a.Balances, a.OpenEscrow)
	held.Add(held, a.LegEscrow)
	net := new(big.Int).Sub(a.Deposits, a.Withdrawals)
	return held.Cmp(net) == 0
}

// Audit computes the accounting identity for every known asset.
func (b *Book) Audit() []Audit {
	b.mu.Lock()
	defer b.mu.Unlock()
	assets := b.ledger.Assets()
	out := make([]Audit, 0, len(assets))
	for _, asset := range assets {
		flows := b.ledger.Flows(asset)
		out = append(out, Audit{
			Asset:       asset,
			Balances:    b.ledger.Supply(asset),
			OpenEscrow:  b.store.EscrowedTotal(asset),
			LegEscrow:   b.table.EscrowedTotal(asset),
			Deposits:    flows.Deposits,
			Withdrawals: flows.Withdrawals,
		})
	}
	return out
}
