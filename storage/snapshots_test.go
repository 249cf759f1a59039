package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestSnapshotsKeepLatest(t *testing.T) {
	db := NewMemDB()
	snaps := NewSnapshots(db, 2)

	if _, _, err := snaps.Latest(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, blob := range []string{"one", "two", "three"} {
		if _, err := snaps.Save([]byte(blob)); err != nil {
			t.Fatalf("save %s: %v", blob, err)
		}
	}
	seq, blob, err := snaps.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if seq != 3 || string(blob) != "three" {
		t.Fatalf("unexpected latest snapshot %d %q", seq, blob)
	}
	if _, err := db.Get(snapshotKey(1)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected snapshot 1 to be pruned, got %v", err)
	}
	if _, err := db.Get(snapshotKey(2)); err != nil {
		t.Fatalf("expected snapshot 2 to be retained: %v", err)
	}
}

func TestLevelDBSnapshotsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots")
	db, err := NewLevelDB(path)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	if _, err := NewSnapshots(db, 3).Save([]byte(`{"version":1}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewLevelDB(path)
	if err != nil {
		t.Fatalf("reopen leveldb: %v", err)
	}
	defer reopened.Close()
	seq, blob, err := NewSnapshots(reopened, 3).Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if seq != 1 || string(blob) != `{"version":1}` {
		t.Fatalf("unexpected snapshot %d %q", seq, blob)
	}
	if _, err := reopened.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
