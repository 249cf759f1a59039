package storage

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"intentbook/core/events"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = Close(db) })
	return db
}

func TestJournalAppendAndList(t *testing.T) {
	db := setupTestDB(t)
	journal := NewJournal(db, nil)

	journal.Emit(events.BalanceDeposited{Owner: "alice", Asset: "X", Amount: big.NewInt(100), Source: "operator"})
	journal.Emit(events.IntentCreated{IntentID: 1, Maker: "alice", SrcAsset: "X", SrcAmount: big.NewInt(10), DstAsset: "Y", DstAmount: big.NewInt(20)})
	journal.Emit(events.IntentCancelled{IntentID: 1, Maker: "alice", Refunded: big.NewInt(10)})

	ctx := context.Background()
	all, err := journal.List(ctx, 0, 10, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].Type != events.TypeBalanceDeposited || all[0].Attributes["amount"] != "100" {
		t.Fatalf("unexpected first entry: %+v", all[0])
	}
	if all[0].Seq >= all[1].Seq || all[1].Seq >= all[2].Seq {
		t.Fatalf("entries not ordered: %+v", all)
	}

	after, err := journal.List(ctx, all[0].Seq, 10, "")
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(after) != 2 || after[0].Type != events.TypeIntentCreated {
		t.Fatalf("unexpected page: %+v", after)
	}

	filtered, err := journal.List(ctx, 0, 10, events.TypeIntentCancelled)
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Attributes["refunded"] != "10" {
		t.Fatalf("unexpected filtered entries: %+v", filtered)
	}
}

func TestFileDSNRequiresPath(t *testing.T) {
	if _, err := FileDSN("  "); err != ErrPathRequired {
		t.Fatalf("expected ErrPathRequired, got %v", err)
	}
	dsn, err := FileDSN("data/intentd.sqlite")
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	if dsn[:5] != "file:" {
		t.Fatalf("unexpected dsn %q", dsn)
	}
}
