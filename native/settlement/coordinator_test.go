package settlement

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"intentbook/native/common"
	"intentbook/native/ledger"
	"intentbook/native/subintent"
)

type recordingExpecter struct {
	subs []*subintent.SubIntent
}

func (r *recordingExpecter) Expect(sub *subintent.SubIntent) {
	r.subs = append(r.subs, sub)
}

func newCoordinator(t *testing.T, opts ...Option) (*Coordinator, *ledger.Ledger, *subintent.Table, *recordingExpecter) {
	t.Helper()
	l := ledger.New()
	table := subintent.NewTable(&common.Sequence{}, nil)
	exp := &recordingExpecter{}
	return NewCoordinator(l, table, exp, opts...), l, table, exp
}

func pendingLeg(t *testing.T, table *subintent.Table, kind subintent.Kind) *subintent.SubIntent {
	t.Helper()
	sub, err := table.Create(subintent.Draft{
		Kind:      kind,
		Submitter: "solver",
		Payer:     "alice",
		Recipient: "0xalice",
		Asset:     "ETH",
		Amount:    big.NewInt(10),
		Chain:     common.ChainETH,
		Payload:   []byte{1},
		Path:      "ETH/1",
	})
	require.NoError(t, err)
	return sub
}

var goodSig = subintent.Signature{BigR: "02ab", S: "cd", RecoveryID: 1}

func TestBeginEscrowsAndSucceeds(t *testing.T) {
	c, l, table, exp := newCoordinator(t)
	require.NoError(t, l.CreditBalance("alice", "ETH", big.NewInt(10)))
	sub := pendingLeg(t, table, subintent.KindWithdrawal)

	req, began, err := c.Begin(sub.ID, nil, "", "")
	require.NoError(t, err)
	require.Equal(t, uint32(1), req.Attempt)
	require.Equal(t, "ETH/1", req.Path)
	require.Equal(t, subintent.StatusSigning, began.Status)
	require.True(t, began.Escrowed)
	require.Equal(t, "0", l.Balance("alice", "ETH").String())

	out, err := c.HandleResult(sub.ID, req.Attempt, goodSig, nil)
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.Len(t, out.Transitions, 2)
	require.Equal(t, subintent.StatusAwaitingTransition, out.Sub.Status)
	require.Equal(t, goodSig, *out.Sub.Signature)
	require.Len(t, exp.subs, 1)
	require.Equal(t, subintent.StatusSigned, exp.subs[0].Status)

	again, err := c.HandleResult(sub.ID, req.Attempt, subintent.Signature{}, errors.New("late"))
	require.NoError(t, err)
	require.False(t, again.Applied)
	require.Equal(t, "0", l.Balance("alice", "ETH").String())
}

func TestMatchLegIsFundedByIntentEscrow(t *testing.T) {
	c, l, table, _ := newCoordinator(t)
	require.NoError(t, l.CreditBalance("alice", "ETH", big.NewInt(3)))
	sub := pendingLeg(t, table, subintent.KindMatch)

	req, began, err := c.Begin(sub.ID, nil, "", "")
	require.NoError(t, err)
	require.Equal(t, subintent.StatusSigning, began.Status)
	require.False(t, began.Escrowed)
	require.Equal(t, "3", l.Balance("alice", "ETH").String())

	out, err := c.HandleResult(sub.ID, req.Attempt, subintent.Signature{}, errors.New("hsm offline"))
	require.NoError(t, err)
	require.True(t, out.Refunded)
	require.Equal(t, subintent.StatusRefunded, out.Sub.Status)
	require.Equal(t, "3", l.Balance("alice", "ETH").String())

	retry, _, err := c.Retry("solver", sub.ID, nil, "", "")
	require.NoError(t, err)
	require.Equal(t, uint32(2), retry.Attempt)
	require.Equal(t, "3", l.Balance("alice", "ETH").String())
}

func TestRequestKeepsAttemptWhileSigning(t *testing.T) {
	c, l, table, _ := newCoordinator(t)
	require.NoError(t, l.CreditBalance("alice", "ETH", big.NewInt(10)))
	sub := pendingLeg(t, table, subintent.KindWithdrawal)

	_, err := c.Request(sub.ID)
	require.ErrorIs(t, err, common.ErrInvalidTransition)

	first, _, err := c.Begin(sub.ID, nil, "", "")
	require.NoError(t, err)
	again, err := c.Request(sub.ID)
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Equal(t, "0", l.Balance("alice", "ETH").String())

	out, err := c.HandleResult(sub.ID, again.Attempt, goodSig, nil)
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.Equal(t, subintent.StatusAwaitingTransition, out.Sub.Status)
}

func TestBeginRequiresPayerBalance(t *testing.T) {
	c, l, table, _ := newCoordinator(t)
	sub := pendingLeg(t, table, subintent.KindWithdrawal)
	_, _, err := c.Begin(sub.ID, nil, "", "")
	require.ErrorIs(t, err, common.ErrInsufficientBalance)
	got, err := table.Get(sub.ID)
	require.NoError(t, err)
	require.Equal(t, subintent.StatusPending, got.Status)
	require.Equal(t, "0", l.Balance("alice", "ETH").String())
}

func TestFailureRefundsExactlyOnce(t *testing.T) {
	c, l, table, exp := newCoordinator(t)
	require.NoError(t, l.CreditBalance("alice", "ETH", big.NewInt(10)))
	sub := pendingLeg(t, table, subintent.KindWithdrawal)
	req, _, err := c.Begin(sub.ID, nil, "", "")
	require.NoError(t, err)

	out, err := c.HandleResult(sub.ID, req.Attempt, subintent.Signature{}, errors.New("hsm offline"))
	require.NoError(t, err)
	require.True(t, out.Refunded)
	require.Equal(t, subintent.StatusRefunded, out.Sub.Status)
	require.False(t, out.Sub.Escrowed)
	require.Equal(t, "10", l.Balance("alice", "ETH").String())

	out, err = c.HandleResult(sub.ID, req.Attempt, subintent.Signature{}, errors.New("duplicate"))
	require.NoError(t, err)
	require.False(t, out.Applied)
	require.Equal(t, "10", l.Balance("alice", "ETH").String())
	require.Empty(t, exp.subs)
}

func TestEmptySignatureIsFailure(t *testing.T) {
	c, l, table, _ := newCoordinator(t)
	require.NoError(t, l.CreditBalance("alice", "ETH", big.NewInt(10)))
	sub := pendingLeg(t, table, subintent.KindWithdrawal)
	req, _, err := c.Begin(sub.ID, nil, "", "")
	require.NoError(t, err)
	out, err := c.HandleResult(sub.ID, req.Attempt, subintent.Signature{BigR: "01"}, nil)
	require.NoError(t, err)
	require.True(t, out.Refunded)
}

func TestRetryAfterRefund(t *testing.T) {
	c, l, table, _ := newCoordinator(t)
	require.NoError(t, l.CreditBalance("alice", "ETH", big.NewInt(10)))
	sub := pendingLeg(t, table, subintent.KindWithdrawal)
	req, _, err := c.Begin(sub.ID, nil, "", "")
	require.NoError(t, err)
	_, err = c.HandleResult(sub.ID, req.Attempt, subintent.Signature{}, errors.New("fail"))
	require.NoError(t, err)

	_, _, err = c.Retry("mallory", sub.ID, nil, "", "")
	require.ErrorIs(t, err, common.ErrUnauthorized)

	retry, updated, err := c.Retry("solver", sub.ID, []byte{9}, "ETH/1b", common.ChainETH)
	require.NoError(t, err)
	require.Equal(t, uint32(2), retry.Attempt)
	require.Equal(t, []byte{9}, retry.Payload)
	require.Equal(t, "ETH/1b", updated.Path)
	require.Equal(t, "0", l.Balance("alice", "ETH").String())

	stale, err := c.HandleResult(sub.ID, req.Attempt, goodSig, nil)
	require.NoError(t, err)
	require.False(t, stale.Applied)

	_, _, err = c.Retry("alice", sub.ID, nil, "", "")
	require.ErrorIs(t, err, common.ErrInvalidTransition)
}

func TestWithdrawQuota(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c, l, _, _ := newCoordinator(t,
		WithWithdrawalQuota(common.Quota{MaxRequestsPerEpoch: 1, EpochSeconds: 3600}),
		WithClock(func() time.Time { return now }),
	)
	require.NoError(t, l.CreditBalance("bob", "BTC", big.NewInt(50)))
	req := WithdrawRequest{User: "bob", Asset: "btc", Amount: big.NewInt(20), Recipient: "bc1q", Chain: common.ChainBTC, Payload: []byte{7}, Path: "BTC/bob"}

	signReq, sub, err := c.Withdraw(req)
	require.NoError(t, err)
	require.Equal(t, subintent.KindWithdrawal, sub.Kind)
	require.Equal(t, subintent.StatusSigning, sub.Status)
	require.Equal(t, sub.ID, signReq.SubIntentID)
	require.Equal(t, "30", l.Balance("bob", "BTC").String())

	_, _, err = c.Withdraw(req)
	require.ErrorIs(t, err, common.ErrQuotaRequestsExceeded)

	req.Amount = big.NewInt(100)
	_, _, err = c.Withdraw(req)
	require.ErrorIs(t, err, common.ErrInsufficientBalance)
}
