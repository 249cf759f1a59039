package ledger

import (
	"fmt"
	"math/big"
	"sort"

	"intentbook/native/common"
)

// BalanceEntry is the persisted form of a balance cell.
type BalanceEntry struct {
	Owner  string   `json:"owner"`
	Asset  string   `json:"asset"`
	Amount *big.Int `json:"amount"`
}

// FlowEntry is the persisted form of an asset's external flows.
type FlowEntry struct {
	Asset       string   `json:"asset"`
	Deposits    *big.Int `json:"deposits"`
	Withdrawals *big.Int `json:"withdrawals"`
}

// Snapshot captures the ledger in deterministic order.
type Snapshot struct {
	Balances []BalanceEntry `json:"balances"`
	Flows    []FlowEntry    `json:"flows"`
}

func (l *Ledger) Snapshot() Snapshot {
	snap := Snapshot{
		Balances: make([]BalanceEntry, 0, len(l.balances)),
	}
	for key, value := range l.balances {
		snap.Balances = append(snap.Balances, BalanceEntry{Owner: key.Owner, Asset: key.Asset, Amount: common.CloneAmount(value)})
	}
	sort.Slice(snap.Balances, func(i, j int) bool {
		if snap.Balances[i].Owner != snap.Balances[j].Owner {
			return snap.Balances[i].Owner < snap.Balances[j].Owner
		}
		return snap.Balances[i].Asset < snap.Balances[j].Asset
	})
	for _, asset := range l.Assets() {
		_, dep := l.deposits[asset]
		_, wd := l.withdrawals[asset]
		if !dep && !wd {
			continue
		}
		flows := l.Flows(asset)
		snap.Flows = append(snap.Flows, FlowEntry{Asset: asset, Deposits: flows.Deposits, Withdrawals: flows.Withdrawals})
	}
	return snap
}

// Restore replaces the ledger contents with the snapshot.
func (l *Ledger) Restore(snap Snapshot) error {
	balances := make(map[Key]*big.Int, len(snap.Balances))
	for _, entry := range snap.Balances {
		key, err := newKey(entry.Owner, entry.Asset)
		if err != nil {
			return err
		}
		if err := validAmount(entry.Amount); err != nil {
			return fmt.Errorf("ledger: restore %s/%s: %w", key.Owner, key.Asset, err)
		}
		if entry.Amount.Sign() == 0 {
			continue
		}
		balances[key] = common.CloneAmount(entry.Amount)
	}
	deposits := make(map[string]*big.Int)
	withdrawals := make(map[string]*big.Int)
	for _, entry := range snap.Flows {
		asset := common.NormalizeAsset(entry.Asset)
		if asset == "" {
			return fmt.Errorf("ledger: restore flow: asset required")
		}
		if entry.Deposits != nil && entry.Deposits.Sign() > 0 {
			deposits[asset] = common.CloneAmount(entry.Deposits)
		}
		if entry.Withdrawals != nil && entry.Withdrawals.Sign() > 0 {
			withdrawals[asset] = common.CloneAmount(entry.Withdrawals)
		}
	}
	l.balances = balances
	l.deposits = deposits
	l.withdrawals = withdrawals
	return nil
}
