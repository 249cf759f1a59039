package settlement

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"intentbook/native/common"
	"intentbook/native/ledger"
	"intentbook/native/subintent"
)

// Coordinator drives sub-intents from Pending through signing. It is the only
// writer of a sub-intent once it reaches Signing.
type Coordinator struct {
	ledger *ledger.Ledger
	table  *subintent.Table
	expect Expecter

	quota common.Quota
	usage map[string]common.QuotaNow
	now   func() time.Time
}

type Option func(*Coordinator)

// WithWithdrawalQuota caps withdrawals per user and epoch.
func WithWithdrawalQuota(q common.Quota) Option {
	return func(c *Coordinator) {
		c.quota = q
	}
}

// WithClock overrides the clock used for quota epochs.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func NewCoordinator(l *ledger.Ledger, table *subintent.Table, expect Expecter, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger: l,
		table:  table,
		expect: expect,
		usage:  make(map[string]common.QuotaNow),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Begin moves the leg to Signing. Withdrawal legs escrow their amount by
// debiting the payer; match legs are already funded by the intent escrow.
// Empty payload, path or chain keep the values recorded on the sub-intent.
func (c *Coordinator) Begin(id uint64, payload []byte, path string, chain common.ChainType) (SignRequest, *subintent.SubIntent, error) {
	sub, err := c.table.Get(id)
	if err != nil {
		return SignRequest{}, nil, err
	}
	if !subintent.CanTransition(sub.Status, subintent.StatusSigning) {
		return SignRequest{}, nil, fmt.Errorf("settlement: sub-intent %d is %s: %w", id, sub.Status, common.ErrInvalidTransition)
	}
	if chain != "" && !chain.Valid() {
		return SignRequest{}, nil, fmt.Errorf("settlement: unsupported chain %q: %w", chain, common.ErrInvalidRequest)
	}
	if sub.Escrowed {
		return SignRequest{}, nil, fmt.Errorf("settlement: sub-intent %d already escrowed: %w", id, common.ErrInvalidTransition)
	}
	debit := debitsPayer(sub)
	if debit {
		if err := c.ledger.DebitBalance(sub.Payer, sub.Asset, sub.Amount); err != nil {
			return SignRequest{}, nil, fmt.Errorf("settlement: escrow leg %d: %w", id, err)
		}
	}
	updated, err := c.table.Update(id, func(s *subintent.SubIntent) error {
		if len(payload) > 0 {
			s.Payload = bytes.Clone(payload)
		}
		if strings.TrimSpace(path) != "" {
			s.Path = strings.TrimSpace(path)
		}
		if chain != "" {
			s.Chain = chain
		}
		s.Status = subintent.StatusSigning
		s.Attempt++
		s.Escrowed = debit
		s.Signature = nil
		return nil
	})
	if err != nil {
		if !debit {
			return SignRequest{}, nil, err
		}
		if refundErr := c.ledger.CreditBalance(sub.Payer, sub.Asset, sub.Amount); refundErr != nil {
			return SignRequest{}, nil, errors.Join(err, refundErr)
		}
		return SignRequest{}, nil, err
	}
	return requestFor(updated), updated, nil
}

// debitsPayer reports whether signing the leg draws on the payer's balance.
func debitsPayer(sub *subintent.SubIntent) bool {
	return sub.Kind == subintent.KindWithdrawal
}

// Request rebuilds the signing request for a leg that is already Signing,
// keeping its attempt so a result for either copy is accepted once.
func (c *Coordinator) Request(id uint64) (SignRequest, error) {
	sub, err := c.table.Get(id)
	if err != nil {
		return SignRequest{}, err
	}
	if sub.Status != subintent.StatusSigning {
		return SignRequest{}, fmt.Errorf("settlement: sub-intent %d is %s: %w", id, sub.Status, common.ErrInvalidTransition)
	}
	return requestFor(sub), nil
}

func requestFor(sub *subintent.SubIntent) SignRequest {
	return SignRequest{
		SubIntentID: sub.ID,
		Attempt:     sub.Attempt,
		Chain:       sub.Chain,
		Payload:     bytes.Clone(sub.Payload),
		Path:        sub.Path,
	}
}

// HandleResult applies a signing callback. Callbacks for a leg that is no
// longer Signing, or for an older attempt, are ignored.
func (c *Coordinator) HandleResult(id uint64, attempt uint32, sig subintent.Signature, signErr error) (Outcome, error) {
	sub, err := c.table.Get(id)
	if err != nil {
		return Outcome{}, err
	}
	if sub.Status != subintent.StatusSigning || sub.Attempt != attempt {
		return Outcome{Sub: sub}, nil
	}
	if signErr == nil && (strings.TrimSpace(sig.BigR) == "" || strings.TrimSpace(sig.S) == "") {
		signErr = fmt.Errorf("%w: empty signature", common.ErrSigningFailed)
	}
	if signErr != nil {
		return c.refund(sub)
	}

	signed, err := c.table.Update(id, func(s *subintent.SubIntent) error {
		s.Status = subintent.StatusSigned
		copied := sig
		s.Signature = &copied
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if c.expect != nil {
		c.expect.Expect(signed)
	}
	awaiting, err := c.table.Update(id, func(s *subintent.SubIntent) error {
		s.Status = subintent.StatusAwaitingTransition
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Sub:     awaiting,
		Applied: true,
		Transitions: []Transition{
			{From: subintent.StatusSigning, To: subintent.StatusSigned},
			{From: subintent.StatusSigned, To: subintent.StatusAwaitingTransition},
		},
	}, nil
}

// refund returns a failed leg to the retryable Refunded state. Escrowed
// withdrawal amounts go back to the payer.
func (c *Coordinator) refund(sub *subintent.SubIntent) (Outcome, error) {
	credit := sub.Escrowed
	refunded, err := c.table.Update(sub.ID, func(s *subintent.SubIntent) error {
		if debitsPayer(s) && !s.Escrowed {
			return fmt.Errorf("settlement: sub-intent %d holds no escrow: %w", s.ID, common.ErrInvalidTransition)
		}
		s.Status = subintent.StatusRefunded
		s.Escrowed = false
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if credit {
		if err := c.ledger.CreditBalance(refunded.Payer, refunded.Asset, refunded.Amount); err != nil {
			return Outcome{}, fmt.Errorf("settlement: refund leg %d: %w", refunded.ID, err)
		}
	}
	return Outcome{
		Sub:         refunded,
		Applied:     true,
		Refunded:    true,
		Transitions: []Transition{{From: subintent.StatusSigning, To: subintent.StatusRefunded}},
	}, nil
}

// Retry re-enters Signing for a Pending or Refunded leg. Only the batch
// submitter or the leg's payer may retry.
func (c *Coordinator) Retry(caller string, id uint64, payload []byte, path string, chain common.ChainType) (SignRequest, *subintent.SubIntent, error) {
	sub, err := c.table.Get(id)
	if err != nil {
		return SignRequest{}, nil, err
	}
	caller = strings.TrimSpace(caller)
	if caller == "" || (caller != sub.Submitter && caller != sub.Payer) {
		return SignRequest{}, nil, fmt.Errorf("settlement: %q may not retry sub-intent %d: %w", caller, id, common.ErrUnauthorized)
	}
	if sub.Status != subintent.StatusPending && sub.Status != subintent.StatusRefunded {
		return SignRequest{}, nil, fmt.Errorf("settlement: sub-intent %d is %s: %w", id, sub.Status, common.ErrInvalidTransition)
	}
	return c.Begin(id, payload, path, chain)
}

// WithdrawRequest describes an outbound withdrawal of internal balance.
type WithdrawRequest struct {
	User      string
	Asset     string
	Amount    *big.Int
	Recipient string
	Chain     common.ChainType
	Payload   []byte
	Path      string
}

// Withdraw records a withdrawal leg and begins signing it. The user's balance
// is debited as escrow and refunded if signing fails.
func (c *Coordinator) Withdraw(req WithdrawRequest) (SignRequest, *subintent.SubIntent, error) {
	user := strings.TrimSpace(req.User)
	if user == "" {
		return SignRequest{}, nil, fmt.Errorf("settlement: user required: %w", common.ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Recipient) == "" {
		return SignRequest{}, nil, fmt.Errorf("settlement: recipient required: %w", common.ErrInvalidRequest)
	}
	if len(req.Payload) == 0 || strings.TrimSpace(req.Path) == "" {
		return SignRequest{}, nil, fmt.Errorf("settlement: payload and path required: %w", common.ErrInvalidRequest)
	}
	if !req.Chain.Valid() {
		return SignRequest{}, nil, fmt.Errorf("settlement: unsupported chain %q: %w", req.Chain, common.ErrInvalidRequest)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return SignRequest{}, nil, fmt.Errorf("settlement: %w: amount must be positive", common.ErrInvalidAmount)
	}
	if c.ledger.Balance(user, req.Asset).Cmp(req.Amount) < 0 {
		return SignRequest{}, nil, fmt.Errorf("settlement: withdraw %s %s: %w", req.Amount, common.NormalizeAsset(req.Asset), common.ErrInsufficientBalance)
	}
	epoch := c.quota.Epoch(c.now().Unix())
	usage, err := common.CheckQuota(c.quota, epoch, c.usage[user], 1, req.Amount)
	if err != nil {
		return SignRequest{}, nil, fmt.Errorf("settlement: withdrawal quota: %w", err)
	}
	sub, err := c.table.Create(subintent.Draft{
		Kind:      subintent.KindWithdrawal,
		Submitter: user,
		Payer:     user,
		Recipient: strings.TrimSpace(req.Recipient),
		Asset:     req.Asset,
		Amount:    req.Amount,
		Chain:     req.Chain,
		Payload:   req.Payload,
		Path:      strings.TrimSpace(req.Path),
	})
	if err != nil {
		return SignRequest{}, nil, err
	}
	signReq, updated, err := c.Begin(sub.ID, nil, "", "")
	if err != nil {
		return SignRequest{}, sub, err
	}
	c.usage[user] = usage
	return signReq, updated, nil
}

// QuotaUsage returns the user's withdrawal counters.
func (c *Coordinator) QuotaUsage(user string) common.QuotaNow {
	return c.usage[strings.TrimSpace(user)]
}
