package ledger

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"intentbook/native/common"
)

// Key identifies a single balance cell.
type Key struct {
	Owner string
	Asset string
}

func newKey(owner, asset string) (Key, error) {
	owner = strings.TrimSpace(owner)
	asset = common.NormalizeAsset(asset)
	if owner == "" {
		return Key{}, fmt.Errorf("ledger: owner required: %w", common.ErrInvalidRequest)
	}
	if asset == "" {
		return Key{}, fmt.Errorf("ledger: asset required: %w", common.ErrInvalidRequest)
	}
	return Key{Owner: owner, Asset: asset}, nil
}

// Op is a single credit or debit applied as part of an atomic batch.
type Op struct {
	Owner  string
	Asset  string
	Amount *big.Int
	Debit  bool
}

// Credit builds a credit op.
func Credit(owner, asset string, amount *big.Int) Op {
	return Op{Owner: owner, Asset: asset, Amount: amount}
}

// Debit builds a debit op.
func Debit(owner, asset string, amount *big.Int) Op {
	return Op{Owner: owner, Asset: asset, Amount: amount, Debit: true}
}

// Flows tracks value that entered and left the ledger for a single asset.
type Flows struct {
	Deposits    *big.Int
	Withdrawals *big.Int
}

// Ledger holds every internal balance. It is not safe for concurrent use; the
// order book serialises access.
type Ledger struct {
	balances    map[Key]*big.Int
	deposits    map[string]*big.Int
	withdrawals map[string]*big.Int
}

func New() *Ledger {
	return &Ledger{
		balances:    make(map[Key]*big.Int),
		deposits:    make(map[string]*big.Int),
		withdrawals: make(map[string]*big.Int),
	}
}

func validAmount(amount *big.Int) error {
	if amount == nil {
		return fmt.Errorf("ledger: %w: amount required", common.ErrInvalidAmount)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("ledger: %w: amount must not be negative", common.ErrInvalidAmount)
	}
	return nil
}

// Balance returns the current balance, zero for unknown keys.
func (l *Ledger) Balance(owner, asset string) *big.Int {
	key, err := newKey(owner, asset)
	if err != nil {
		return new(big.Int)
	}
	return common.CloneAmount(l.balances[key])
}

// CreditBalance increases the owner's balance.
func (l *Ledger) CreditBalance(owner, asset string, amount *big.Int) error {
	return l.Apply([]Op{Credit(owner, asset, amount)})
}

// DebitBalance decreases the owner's balance, failing with
// ErrInsufficientBalance when the balance would go negative.
func (l *Ledger) DebitBalance(owner, asset string, amount *big.Int) error {
	return l.Apply([]Op{Debit(owner, asset, amount)})
}

// Apply validates every op in order against a scratch view and then commits
// all of them. On error no balance is changed.
func (l *Ledger) Apply(ops []Op) error {
	scratch := make(map[Key]*big.Int, len(ops))
	for i, op := range ops {
		key, err := newKey(op.Owner, op.Asset)
		if err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
		if err := validAmount(op.Amount); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
		current, ok := scratch[key]
		if !ok {
			current = common.CloneAmount(l.balances[key])
			scratch[key] = current
		}
		if op.Debit {
			if current.Cmp(op.Amount) < 0 {
				return fmt.Errorf("ledger: debit %s %s from %s: %w", op.Amount, key.Asset, key.Owner, common.ErrInsufficientBalance)
			}
			current.Sub(current, op.Amount)
			continue
		}
		current.Add(current, op.Amount)
	}
	for key, value := range scratch {
		if value.Sign() == 0 {
			delete(l.balances, key)
			continue
		}
		l.balances[key] = value
	}
	return nil
}

// RecordDeposit credits the owner and accounts the amount as value entering
// the ledger from outside.
func (l *Ledger) RecordDeposit(owner, asset string, amount *big.Int) error {
	if err := l.CreditBalance(owner, asset, amount); err != nil {
		return err
	}
	addFlow(l.deposits, asset, amount)
	return nil
}

// RecordWithdrawal accounts value that has left the ledger. The balance was
// already debited when the leg was escrowed.
func (l *Ledger) RecordWithdrawal(asset string, amount *big.Int) error {
	if err := validAmount(amount); err != nil {
		return err
	}
	if common.NormalizeAsset(asset) == "" {
		return fmt.Errorf("ledger: asset required: %w", common.ErrInvalidRequest)
	}
	addFlow(l.withdrawals, asset, amount)
	return nil
}

func addFlow(flows map[string]*big.Int, asset string, amount *big.Int) {
	asset = common.NormalizeAsset(asset)
	current, ok := flows[asset]
	if !ok {
		current = new(big.Int)
		flows[asset] = current
	}
	current.Add(current, amount)
}

// Flows returns the external flow totals for the asset.
func (l *Ledger) Flows(asset string) Flows {
	asset = common.NormalizeAsset(asset)
	return Flows{
		Deposits:    common.CloneAmount(l.deposits[asset]),
		Withdrawals: common.CloneAmount(l.withdrawals[asset]),
	}
}

// Supply returns the sum of every balance held in the asset.
func (l *Ledger) Supply(asset string) *big.Int {
	asset = common.NormalizeAsset(asset)
	total := new(big.Int)
	for key, value := range l.balances {
		if key.Asset == asset {
			total.Add(total, value)
		}
	}
	return total
}

// Assets lists every asset that has a balance or a recorded flow.
func (l *Ledger) Assets() []string {
	seen := make(map[string]struct{})
	for key := range l.balances {
		seen[key.Asset] = struct{}{}
	}
	for asset := range l.deposits {
		seen[asset] = struct{}{}
	}
	for asset := range l.withdrawals {
		seen[asset] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for asset := range seen {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}
