package intents

import (
	"math/big"
	"time"
)

type Status string

const (
	StatusOpen            Status = "Open"
	StatusPartiallyFilled Status = "PartiallyFilled"
	StatusFilled          Status = "Filled"
	StatusCancelled       Status = "Cancelled"
)

// Matchable reports whether fills may still be taken against the intent.
func (s Status) Matchable() bool {
	return s == StatusOpen || s == StatusPartiallyFilled
}

// Intent is a maker's standing offer to sell SrcAmount of SrcAsset for
// DstAmount of DstAsset. The unfilled portion stays escrowed in Remaining.
type Intent struct {
	ID        uint64    `json:"id"`
	Maker     string    `json:"maker"`
	SrcAsset  string    `json:"srcAsset"`
	SrcAmount *big.Int  `json:"srcAmount"`
	DstAsset  string    `json:"dstAsset"`
	DstAmount *big.Int  `json:"dstAmount"`
	Remaining *big.Int  `json:"remaining"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Clone returns a deep copy so callers cannot mutate store state.
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	out := *i
	out.SrcAmount = cloneAmount(i.SrcAmount)
	out.DstAmount = cloneAmount(i.DstAmount)
	out.Remaining = cloneAmount(i.Remaining)
	return &out
}

// Filled returns the amount of SrcAsset already delivered.
func (i *Intent) Filled() *big.Int {
	return new(big.Int).Sub(i.SrcAmount, i.Remaining)
}

// Quote returns the DstAsset owed for taking amount of SrcAsset at the posted
// rate, rounded up so the maker never receives less than the rate.
func (i *Intent) Quote(amount *big.Int) *big.Int {
	num := new(big.Int).Mul(amount, i.DstAmount)
	q, r := new(big.Int).QuoRem(num, i.SrcAmount, new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
