package subintent

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"intentbook/native/common"
)

// Signature is the opaque triple returned by the signing service.
type Signature struct {
	BigR       string `json:"bigR"`
	S          string `json:"s"`
	RecoveryID uint8  `json:"recoveryId"`
}

// SubIntent is a single settlement leg: an outbound transfer of Amount of
// Asset to Recipient on Chain, authorised by a signature over Payload.
type SubIntent struct {
	ID             uint64           `json:"id"`
	Kind           Kind             `json:"kind"`
	ParentIntentID uint64           `json:"parentIntentId,omitempty"`
	Submitter      string           `json:"submitter"`
	Payer          string           `json:"payer"`
	Recipient      string           `json:"recipient"`
	Asset          string           `json:"asset"`
	Amount         *big.Int         `json:"amount"`
	Chain          common.ChainType `json:"chain"`
	Payload        hexutil.Bytes    `json:"payload"`
	Path           string           `json:"path"`
	Status         Status           `json:"status"`
	Attempt        uint32           `json:"attempt"`
	Signature      *Signature       `json:"signature,omitempty"`
	TxHash         string           `json:"txHash,omitempty"`
	Escrowed       bool             `json:"escrowed"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

func (s *SubIntent) Clone() *SubIntent {
	if s == nil {
		return nil
	}
	out := *s
	if s.Amount != nil {
		out.Amount = new(big.Int).Set(s.Amount)
	}
	out.Payload = append(hexutil.Bytes(nil), s.Payload...)
	if s.Signature != nil {
		sig := *s.Signature
		out.Signature = &sig
	}
	return &out
}

// Draft carries the fields a new sub-intent is created with. It always starts
// Pending with attempt zero.
type Draft struct {
	Kind           Kind
	ParentIntentID uint64
	Submitter      string
	Payer          string
	Recipient      string
	Asset          string
	Amount         *big.Int
	Chain          common.ChainType
	Payload        []byte
	Path           string
}

// Table owns sub-intent records and enforces the status machine on every
// update.
type Table struct {
	seq  *common.Sequence
	subs map[uint64]*SubIntent
	now  func() time.Time
}

func NewTable(seq *common.Sequence, now func() time.Time) *Table {
	if seq == nil {
		seq = &common.Sequence{}
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Table{seq: seq, subs: make(map[uint64]*SubIntent), now: now}
}

// Create stores a new Pending sub-intent.
func (t *Table) Create(d Draft) (*SubIntent, error) {
	if d.Amount == nil || d.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("subintent: %w: amount must be positive", common.ErrInvalidAmount)
	}
	if !d.Chain.Valid() {
		return nil, fmt.Errorf("subintent: unsupported chain %q: %w", d.Chain, common.ErrInvalidRequest)
	}
	if d.Kind != KindMatch && d.Kind != KindWithdrawal {
		return nil, fmt.Errorf("subintent: unknown kind %q: %w", d.Kind, common.ErrInvalidRequest)
	}
	now := t.now()
	sub := &SubIntent{
		ID:             t.seq.Next(),
		Kind:           d.Kind,
		ParentIntentID: d.ParentIntentID,
		Submitter:      d.Submitter,
		Payer:          d.Payer,
		Recipient:      d.Recipient,
		Asset:          common.NormalizeAsset(d.Asset),
		Amount:         new(big.Int).Set(d.Amount),
		Chain:          d.Chain,
		Payload:        append(hexutil.Bytes(nil), d.Payload...),
		Path:           d.Path,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	t.subs[sub.ID] = sub
	return sub.Clone(), nil
}

func (t *Table) Get(id uint64) (*SubIntent, error) {
	sub, ok := t.subs[id]
	if !ok {
		return nil, fmt.Errorf("subintent: %d: %w", id, common.ErrNotFound)
	}
	return sub.Clone(), nil
}

// Update applies mutate to a copy of the record. The change is committed only
// when mutate succeeds and any status change is a permitted transition.
func (t *Table) Update(id uint64, mutate func(*SubIntent) error) (*SubIntent, error) {
	current, ok := t.subs[id]
	if !ok {
		return nil, fmt.Errorf("subintent: %d: %w", id, common.ErrNotFound)
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if next.ID != current.ID {
		return nil, fmt.Errorf("subintent: id is immutable")
	}
	if next.Status != current.Status && !CanTransition(current.Status, next.Status) {
		return nil, fmt.Errorf("subintent: %d %s -> %s: %w", id, current.Status, next.Status, common.ErrInvalidTransition)
	}
	next.UpdatedAt = t.now()
	t.subs[id] = next
	return next.Clone(), nil
}

// EscrowedTotal sums legs currently holding escrow in the asset.
func (t *Table) EscrowedTotal(asset string) *big.Int {
	asset = common.NormalizeAsset(asset)
	total := new(big.Int)
	for _, sub := range t.subs {
		if sub.Escrowed && sub.Asset == asset {
			total.Add(total, sub.Amount)
		}
	}
	return total
}

// All returns every sub-intent in ascending id order.
func (t *Table) All() []*SubIntent {
	out := make([]*SubIntent, 0, len(t.subs))
	for _, sub := range t.subs {
		out = append(out, sub.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *Table) Restore(list []*SubIntent) error {
	subs := make(map[uint64]*SubIntent, len(list))
	for _, sub := range list {
		if sub == nil || sub.ID == 0 {
			return fmt.Errorf("subintent: restore: invalid record")
		}
		if !sub.Status.Valid() {
			return fmt.Errorf("subintent: restore %d: unknown status %q", sub.ID, sub.Status)
		}
		if sub.Amount == nil {
			return fmt.Errorf("subintent: restore %d: %w", sub.ID, common.ErrInvalidAmount)
		}
		subs[sub.ID] = sub.Clone()
	}
	t.subs = subs
	return nil
}
