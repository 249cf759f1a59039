package settlement

import (
	"context"

	"intentbook/native/common"
	"intentbook/native/subintent"
)

// SignRequest asks the signing service to sign Payload with the key derived
// from Path for the leg's attempt.
type SignRequest struct {
	SubIntentID uint64           `json:"subIntentId"`
	Attempt     uint32           `json:"attempt"`
	Chain       common.ChainType `json:"chain"`
	Payload     []byte           `json:"payload"`
	Path        string           `json:"path"`
}

// Signer is the synchronous signing capability.
type Signer interface {
	Sign(ctx context.Context, req SignRequest) (subintent.Signature, error)
}

// DoneFunc receives the outcome of an asynchronous signing request.
type DoneFunc func(req SignRequest, sig subintent.Signature, err error)

// Requester dispatches signing requests without blocking the caller. done is
// invoked exactly once, possibly from another goroutine.
type Requester interface {
	Request(ctx context.Context, req SignRequest, done DoneFunc)
}

// Expecter records the external transfer a signed leg must be proven against.
type Expecter interface {
	Expect(sub *subintent.SubIntent)
}

// Transition is a single applied status change.
type Transition struct {
	From subintent.Status
	To   subintent.Status
}

// Outcome reports what HandleResult changed.
type Outcome struct {
	Sub         *subintent.SubIntent
	Applied     bool
	Refunded    bool
	Transitions []Transition
}
