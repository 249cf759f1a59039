package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	latestKey      = []byte("snapshot/latest")
	snapshotPrefix = "snapshot/"
)

// Snapshots keeps a bounded history of opaque state blobs in a Database.
type Snapshots struct {
	db     Database
	retain uint64
}

// NewSnapshots keeps the latest retain snapshots (at least one).
func NewSnapshots(db Database, retain int) *Snapshots {
	if retain < 1 {
		retain = 1
	}
	return &Snapshots{db: db, retain: uint64(retain)}
}

func snapshotKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", snapshotPrefix, seq))
}

// Save stores blob as the next snapshot and returns its sequence number.
func (s *Snapshots) Save(blob []byte) (uint64, error) {
	seq, err := s.latestSeq()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}
	seq++
	if err := s.db.Put(snapshotKey(seq), blob); err != nil {
		return 0, fmt.Errorf("storage: write snapshot %d: %w", seq, err)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	if err := s.db.Put(latestKey, buf[:]); err != nil {
		return 0, fmt.Errorf("storage: advance snapshot pointer: %w", err)
	}
	if seq > s.retain {
		if err := s.db.Delete(snapshotKey(seq - s.retain)); err != nil {
			return seq, fmt.Errorf("storage: prune snapshot %d: %w", seq-s.retain, err)
		}
	}
	return seq, nil
}

// Latest returns the newest snapshot. ErrNotFound means none was saved yet.
func (s *Snapshots) Latest() (uint64, []byte, error) {
	seq, err := s.latestSeq()
	if err != nil {
		return 0, nil, err
	}
	blob, err := s.db.Get(snapshotKey(seq))
	if err != nil {
		return 0, nil, fmt.Errorf("storage: read snapshot %d: %w", seq, err)
	}
	return seq, blob, nil
}

func (s *Snapshots) latestSeq() (uint64, error) {
	raw, err := s.db.Get(latestKey)
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("storage: corrupt snapshot pointer")
	}
	return binary.BigEndian.Uint64(raw), nil
}
