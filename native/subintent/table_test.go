package subintent

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"intentbook/native/common"
)

func TestCanTransitionExhaustive(t *testing.T) {
	all := []Status{StatusPending, StatusSigning, StatusSigned, StatusAwaitingTransition, StatusCompleted, StatusRefunded}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusSigning}:              true,
		{StatusSigning, StatusSigned}:               true,
		{StatusSigning, StatusRefunded}:             true,
		{StatusSigned, StatusAwaitingTransition}:    true,
		{StatusAwaitingTransition, StatusCompleted}: true,
		{StatusRefunded, StatusSigning}:             true,
	}
	for _, from := range all {
		for _, to := range all {
			if got := CanTransition(from, to); got != allowed[[2]Status{from, to}] {
				t.Fatalf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
	if CanTransition("bogus", StatusSigning) {
		t.Fatalf("unknown status must not transition")
	}
}

func TestTableUpdateEnforcesMachine(t *testing.T) {
	table := NewTable(&common.Sequence{}, nil)
	sub, err := table.Create(Draft{
		Kind:    KindMatch,
		Payer:   "alice",
		Asset:   "eth",
		Amount:  big.NewInt(5),
		Chain:   common.ChainETH,
		Payload: []byte{1, 2},
		Path:    "ETH/1",
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, sub.Status)
	require.Equal(t, "ETH", sub.Asset)

	_, err = table.Update(sub.ID, func(s *SubIntent) error {
		s.Status = StatusCompleted
		return nil
	})
	require.ErrorIs(t, err, common.ErrInvalidTransition)

	updated, err := table.Update(sub.ID, func(s *SubIntent) error {
		s.Status = StatusSigning
		s.Attempt++
		s.Escrowed = true
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uint32(1), updated.Attempt)
	require.Equal(t, "5", table.EscrowedTotal("ETH").String())

	boom := errors.New("boom")
	_, err = table.Update(sub.ID, func(s *SubIntent) error {
		s.Status = StatusRefunded
		return boom
	})
	require.ErrorIs(t, err, boom)
	got, err := table.Get(sub.ID)
	require.NoError(t, err)
	require.Equal(t, StatusSigning, got.Status)

	_, err = table.Get(42)
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestCreateValidates(t *testing.T) {
	table := NewTable(nil, nil)
	_, err := table.Create(Draft{Kind: KindMatch, Amount: big.NewInt(0), Chain: common.ChainBTC})
	require.ErrorIs(t, err, common.ErrInvalidAmount)
	_, err = table.Create(Draft{Kind: KindMatch, Amount: big.NewInt(1), Chain: "DOGE"})
	require.Error(t, err)
}
