package matching

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"intentbook/native/common"
	"intentbook/native/intents"
	"intentbook/native/ledger"
	"intentbook/native/subintent"
)

const (
	DefaultMaxBatch         = 16
	DefaultLiquidityAccount = "intentbook:liquidity"
)

// Match is a single proposed fill submitted by a solver.
type Match struct {
	IntentID   uint64
	FillAmount *big.Int
	GetAmount  *big.Int
	Payload    []byte
	Path       string
	Chain      common.ChainType
	// Recipient receives the filled source asset on Chain. Empty means the
	// submitter.
	Recipient string
}

// Config tunes the engine.
type Config struct {
	MaxBatch         int
	LiquidityAccount string
}

func (c Config) withDefaults() Config {
	if c.MaxBatch <= 0 {
		c.MaxBatch = DefaultMaxBatch
	}
	if strings.TrimSpace(c.LiquidityAccount) == "" {
		c.LiquidityAccount = DefaultLiquidityAccount
	}
	return c
}

// Result lists the records a committed batch produced, in input order.
type Result struct {
	Intents    []*intents.Intent
	SubIntents []*subintent.SubIntent
}

// Engine validates and commits batches. It is not safe for concurrent use.
type Engine struct {
	cfg    Config
	ledger *ledger.Ledger
	store  *intents.Store
	table  *subintent.Table
}

func NewEngine(cfg Config, l *ledger.Ledger, store *intents.Store, table *subintent.Table) *Engine {
	return &Engine{cfg: cfg.withDefaults(), ledger: l, store: store, table: table}
}

// LiquidityAccount returns the account that absorbs batch surplus.
func (e *Engine) LiquidityAccount() string { return e.cfg.LiquidityAccount }

type flow struct {
	pulledIn *big.Int
	paidOut  *big.Int
}

// BatchMatch validates every match and, only if all pass, commits the fills,
// credits each maker and settles the per-asset surplus against the liquidity
// account. Each match yields one Pending sub-intent that moves the filled
// source asset out of custody; it is funded by the escrow taken when the
// intent was made, so the maker's credit stays spendable.
func (e *Engine) BatchMatch(submitter string, matches []Match) (*Result, error) {
	submitter = strings.TrimSpace(submitter)
	if submitter == "" {
		return nil, fmt.Errorf("matching: submitter required: %w", common.ErrInvalidRequest)
	}
	if len(matches) == 0 || len(matches) > e.cfg.MaxBatch {
		return nil, fmt.Errorf("matching: batch of %d (max %d): %w", len(matches), e.cfg.MaxBatch, common.ErrInvalidBatch)
	}

	fills := make(map[uint64]*big.Int)
	flows := make(map[string]*flow)
	touch := func(asset string) *flow {
		f, ok := flows[asset]
		if !ok {
			f = &flow{pulledIn: new(big.Int), paidOut: new(big.Int)}
			flows[asset] = f
		}
		return f
	}
	resolved := make([]*intents.Intent, len(matches))
	var order []uint64

	for i, m := range matches {
		if len(m.Payload) == 0 || strings.TrimSpace(m.Path) == "" {
			return nil, fmt.Errorf("matching: match %d: payload and path required: %w", i, common.ErrInvalidBatch)
		}
		if !m.Chain.Valid() {
			return nil, fmt.Errorf("matching: match %d: unsupported chain %q: %w", i, m.Chain, common.ErrInvalidBatch)
		}
		if m.GetAmount == nil || m.GetAmount.Sign() <= 0 {
			return nil, fmt.Errorf("matching: match %d: %w: get amount must be positive", i, common.ErrInvalidAmount)
		}
		cumulative := new(big.Int)
		if prev, ok := fills[m.IntentID]; ok {
			cumulative.Set(prev)
		}
		if m.FillAmount != nil {
			cumulative.Add(cumulative, m.FillAmount)
		}
		intent, err := e.store.CheckFill(m.IntentID, m.FillAmount)
		if err == nil && cumulative.Cmp(intent.Remaining) > 0 {
			err = fmt.Errorf("matching: intent %d cumulative fill %s exceeds remaining %s: %w", m.IntentID, cumulative, intent.Remaining, common.ErrOverFill)
		}
		if err != nil {
			return nil, fmt.Errorf("matching: match %d: %w", i, err)
		}
		if _, ok := fills[m.IntentID]; !ok {
			order = append(order, m.IntentID)
		}
		fills[m.IntentID] = cumulative

		lhs := new(big.Int).Mul(m.GetAmount, intent.SrcAmount)
		rhs := new(big.Int).Mul(m.FillAmount, intent.DstAmount)
		if lhs.Cmp(rhs) < 0 {
			return nil, fmt.Errorf("matching: match %d: get %s for fill %s below rate %s/%s: %w",
				i, m.GetAmount, m.FillAmount, intent.DstAmount, intent.SrcAmount, common.ErrUnfairPrice)
		}
		src := touch(intent.SrcAsset)
		src.pulledIn.Add(src.pulledIn, m.FillAmount)
		dst := touch(intent.DstAsset)
		dst.paidOut.Add(dst.paidOut, m.GetAmount)
		resolved[i] = intent
	}

	assets := make([]string, 0, len(flows))
	for asset := range flows {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	ops := make([]ledger.Op, 0, len(matches)+len(assets))
	for _, asset := range assets {
		f := flows[asset]
		available := new(big.Int).Add(f.pulledIn, e.ledger.Balance(e.cfg.LiquidityAccount, asset))
		if f.paidOut.Cmp(available) > 0 {
			return nil, fmt.Errorf("matching: %s pays out %s against %s available: %w", asset, f.paidOut, available, common.ErrInsufficientLiquidity)
		}
	}
	// Credits first so a deficit debit sees the surplus of other legs.
	for i, m := range matches {
		ops = append(ops, ledger.Credit(resolved[i].Maker, resolved[i].DstAsset, m.GetAmount))
	}
	for _, asset := range assets {
		f := flows[asset]
		net := new(big.Int).Sub(f.pulledIn, f.paidOut)
		switch net.Sign() {
		case 1:
			ops = append(ops, ledger.Credit(e.cfg.LiquidityAccount, asset, net))
		case -1:
			ops = append(ops, ledger.Debit(e.cfg.LiquidityAccount, asset, net.Neg(net)))
		}
	}
	if err := e.ledger.Apply(ops); err != nil {
		return nil, fmt.Errorf("matching: commit: %w", err)
	}

	res := &Result{
		Intents:    make([]*intents.Intent, 0, len(order)),
		SubIntents: make([]*subintent.SubIntent, 0, len(matches)),
	}
	for i, m := range matches {
		if err := e.store.Fill(m.IntentID, m.FillAmount); err != nil {
			return nil, fmt.Errorf("matching: fill intent %d: %w", m.IntentID, err)
		}
		recipient := strings.TrimSpace(m.Recipient)
		if recipient == "" {
			recipient = submitter
		}
		sub, err := e.table.Create(subintent.Draft{
			Kind:           subintent.KindMatch,
			ParentIntentID: m.IntentID,
			Submitter:      submitter,
			Payer:          resolved[i].Maker,
			Recipient:      recipient,
			Asset:          resolved[i].SrcAsset,
			Amount:         m.FillAmount,
			Chain:          m.Chain,
			Payload:        m.Payload,
			Path:           m.Path,
		})
		if err != nil {
			return nil, fmt.Errorf("matching: record leg for intent %d: %w", m.IntentID, err)
		}
		res.SubIntents = append(res.SubIntents, sub)
	}
	for _, id := range order {
		intent, err := e.store.Get(id)
		if err != nil {
			return nil, err
		}
		res.Intents = append(res.Intents, intent)
	}
	return res, nil
}
