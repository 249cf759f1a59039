package common

import (
	"errors"
	"math/big"
	"testing"
)

func TestCheckQuotaRequestLimit(t *testing.T) {
	q := Quota{MaxRequestsPerEpoch: 10}
	prev := QuotaNow{EpochID: 1}

	next, err := CheckQuota(q, 1, prev, 10, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.ReqCount != 10 {
		t.Fatalf("unexpected request count: %d", next.ReqCount)
	}

	denied, err := CheckQuota(q, 1, next, 1, nil)
	if !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected ErrQuotaRequestsExceeded, got %v", err)
	}
	if denied.ReqCount != next.ReqCount || denied.EpochID != next.EpochID {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 2, next, 1, nil)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.ReqCount != 1 || rollover.EpochID != 2 {
		t.Fatalf("unexpected rollover counters: %+v", rollover)
	}
}

func TestCheckQuotaAmountCap(t *testing.T) {
	q := Quota{MaxAmountPerEpoch: big.NewInt(100), EpochSeconds: 60}
	epoch := q.Epoch(1_700_000_000)

	next, err := CheckQuota(q, epoch, QuotaNow{}, 1, big.NewInt(60))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Used.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("unexpected usage: %s", next.Used)
	}
	if _, err := CheckQuota(q, epoch, next, 1, big.NewInt(41)); !errors.Is(err, ErrQuotaAmountExceeded) {
		t.Fatalf("expected ErrQuotaAmountExceeded, got %v", err)
	}
	if next.Used.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("denied check mutated previous usage: %s", next.Used)
	}
	exact, err := CheckQuota(q, epoch, next, 1, big.NewInt(40))
	if err != nil {
		t.Fatalf("expected exact cap to pass: %v", err)
	}
	if exact.Used.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected usage at cap: %s", exact.Used)
	}
}

func TestPausesGuard(t *testing.T) {
	pauses := NewPauses()
	if err := Guard(pauses, ModuleMatching); err != nil {
		t.Fatalf("unexpected guard error: %v", err)
	}
	pauses.Set(" Matching ", true)
	if err := Guard(pauses, ModuleMatching); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if got := pauses.Paused(); len(got) != 1 || got[0] != ModuleMatching {
		t.Fatalf("unexpected paused list: %v", got)
	}
	pauses.Set(ModuleMatching, false)
	if err := Guard(pauses, ModuleMatching); err != nil {
		t.Fatalf("expected resume to clear guard: %v", err)
	}
	if err := Guard(nil, ModuleMatching); err != nil {
		t.Fatalf("nil pause view must not block: %v", err)
	}
	if KnownModule("ledger") {
		t.Fatalf("ledger is not a pausable module")
	}
}
