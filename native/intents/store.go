package intents

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"intentbook/native/common"
	"intentbook/native/ledger"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// TakeResult describes the outcome of a synchronous take.
type TakeResult struct {
	Intent *Intent
	Paid   *big.Int
}

// Store owns every intent. Balances are only touched through the ledger.
type Store struct {
	ledger  *ledger.Ledger
	seq     *common.Sequence
	intents map[uint64]*Intent
	now     func() time.Time
}

type Option func(*Store)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStore(l *ledger.Ledger, seq *common.Sequence, opts ...Option) *Store {
	if seq == nil {
		seq = &common.Sequence{}
	}
	s := &Store{
		ledger:  l,
		seq:     seq,
		intents: make(map[uint64]*Intent),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func positive(name string, v *big.Int) error {
	if v == nil || v.Sign() <= 0 {
		return fmt.Errorf("intents: %w: %s must be positive", common.ErrInvalidAmount, name)
	}
	return nil
}

// Make escrows srcAmount of srcAsset from the maker and opens an intent.
func (s *Store) Make(maker, srcAsset string, srcAmount *big.Int, dstAsset string, dstAmount *big.Int) (*Intent, error) {
	maker = strings.TrimSpace(maker)
	srcAsset = common.NormalizeAsset(srcAsset)
	dstAsset = common.NormalizeAsset(dstAsset)
	if maker == "" {
		return nil, fmt.Errorf("intents: maker required: %w", common.ErrInvalidRequest)
	}
	if srcAsset == "" || dstAsset == "" {
		return nil, fmt.Errorf("intents: assets required: %w", common.ErrInvalidRequest)
	}
	if srcAsset == dstAsset {
		return nil, fmt.Errorf("intents: source and destination asset must differ: %w", common.ErrInvalidRequest)
	}
	if err := positive("src amount", srcAmount); err != nil {
		return nil, err
	}
	if err := positive("dst amount", dstAmount); err != nil {
		return nil, err
	}
	if err := s.ledger.DebitBalance(maker, srcAsset, srcAmount); err != nil {
		return nil, fmt.Errorf("intents: escrow: %w", err)
	}
	intent := &Intent{
		ID:        s.seq.Next(),
		Maker:     maker,
		SrcAsset:  srcAsset,
		SrcAmount: new(big.Int).Set(srcAmount),
		DstAsset:  dstAsset,
		DstAmount: new(big.Int).Set(dstAmount),
		Remaining: new(big.Int).Set(srcAmount),
		Status:    StatusOpen,
		CreatedAt: s.now(),
	}
	s.intents[intent.ID] = intent
	return intent.Clone(), nil
}

func (s *Store) lookup(id uint64) (*Intent, error) {
	intent, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("intents: intent %d: %w", id, common.ErrNotFound)
	}
	return intent, nil
}

// CheckFill validates that amount can be filled against the intent.
func (s *Store) CheckFill(id uint64, amount *big.Int) (*Intent, error) {
	intent, err := s.lookup(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrIntentNotMatchable, err)
	}
	if !intent.Status.Matchable() {
		return nil, fmt.Errorf("intents: intent %d is %s: %w", id, intent.Status, common.ErrIntentNotMatchable)
	}
	if amount == nil || amount.Sign() <= 0 || amount.Cmp(intent.Remaining) > 0 {
		return nil, fmt.Errorf("intents: fill %s against remaining %s: %w", amount, intent.Remaining, common.ErrOverFill)
	}
	return intent.Clone(), nil
}

// Take fills amount of the intent synchronously. The taker pays the quoted
// amount of DstAsset to the maker and receives amount of SrcAsset from escrow.
func (s *Store) Take(taker string, id uint64, amount *big.Int) (*TakeResult, error) {
	taker = strings.TrimSpace(taker)
	if taker == "" {
		return nil, fmt.Errorf("intents: taker required: %w", common.ErrInvalidRequest)
	}
	intent, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if intent.Maker == taker {
		return nil, fmt.Errorf("intents: maker cannot take own intent: %w", common.ErrUnauthorized)
	}
	if _, err := s.CheckFill(id, amount); err != nil {
		return nil, err
	}
	paid := intent.Quote(amount)
	err = s.ledger.Apply([]ledger.Op{
		ledger.Debit(taker, intent.DstAsset, paid),
		ledger.Credit(intent.Maker, intent.DstAsset, paid),
		ledger.Credit(taker, intent.SrcAsset, amount),
	})
	if err != nil {
		return nil, fmt.Errorf("intents: take: %w", err)
	}
	s.applyFill(intent, amount)
	return &TakeResult{Intent: intent.Clone(), Paid: paid}, nil
}

// Fill reduces the remaining amount after a committed match. The caller must
// have validated the fill with CheckFill.
func (s *Store) Fill(id uint64, amount *big.Int) error {
	if _, err := s.CheckFill(id, amount); err != nil {
		return err
	}
	s.applyFill(s.intents[id], amount)
	return nil
}

func (s *Store) applyFill(intent *Intent, amount *big.Int) {
	intent.Remaining = new(big.Int).Sub(intent.Remaining, amount)
	if intent.Remaining.Sign() == 0 {
		intent.Status = StatusFilled
		return
	}
	intent.Status = StatusPartiallyFilled
}

// Cancel returns the escrow of an untouched intent to its maker.
func (s *Store) Cancel(caller string, id uint64) (*Intent, error) {
	intent, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if intent.Maker != strings.TrimSpace(caller) {
		return nil, fmt.Errorf("intents: only the maker may cancel: %w", common.ErrUnauthorized)
	}
	if intent.Status != StatusOpen || intent.Remaining.Cmp(intent.SrcAmount) != 0 {
		return nil, fmt.Errorf("intents: intent %d is %s: %w", id, intent.Status, common.ErrIntentNotMatchable)
	}
	if err := s.ledger.CreditBalance(intent.Maker, intent.SrcAsset, intent.Remaining); err != nil {
		return nil, fmt.Errorf("intents: refund escrow: %w", err)
	}
	intent.Remaining = new(big.Int)
	intent.Status = StatusCancelled
	return intent.Clone(), nil
}

// Get returns a copy of the intent.
func (s *Store) Get(id uint64) (*Intent, error) {
	intent, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return intent.Clone(), nil
}

// Open lists matchable intents in ascending id order.
func (s *Store) Open(offset, limit int) []*Intent {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	ids := make([]uint64, 0, len(s.intents))
	for id, intent := range s.intents {
		if intent.Status.Matchable() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if offset >= len(ids) {
		return []*Intent{}
	}
	ids = ids[offset:]
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*Intent, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.intents[id].Clone())
	}
	return out
}

// OpenCount returns the number of matchable intents.
func (s *Store) OpenCount() int {
	n := 0
	for _, intent := range s.intents {
		if intent.Status.Matchable() {
			n++
		}
	}
	return n
}

// EscrowedTotal sums the remaining escrow of matchable intents in the asset.
func (s *Store) EscrowedTotal(asset string) *big.Int {
	asset = common.NormalizeAsset(asset)
	total := new(big.Int)
	for _, intent := range s.intents {
		if intent.SrcAsset == asset && intent.Status.Matchable() {
			total.Add(total, intent.Remaining)
		}
	}
	return total
}

// All returns every intent in ascending id order.
func (s *Store) All() []*Intent {
	out := make([]*Intent, 0, len(s.intents))
	for _, intent := range s.intents {
		out = append(out, intent.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore replaces the stored intents.
func (s *Store) Restore(list []*Intent) error {
	intents := make(map[uint64]*Intent, len(list))
	for _, intent := range list {
		if intent == nil || intent.ID == 0 {
			return fmt.Errorf("intents: restore: invalid intent")
		}
		if intent.SrcAmount == nil || intent.DstAmount == nil || intent.Remaining == nil {
			return fmt.Errorf("intents: restore %d: %w", intent.ID, common.ErrInvalidAmount)
		}
		intents[intent.ID] = intent.Clone()
	}
	s.intents = intents
	return nil
}
