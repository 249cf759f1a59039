package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"intentbook/core/events"
	"intentbook/observability"
)

// MaxJournalPage bounds a single journal read.
const MaxJournalPage = 500

// Journal persists order book events. It implements events.Emitter so it can
// be handed straight to the book.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewJournal(db *gorm.DB, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Emit implements events.Emitter. Write failures are logged; the book has
// already applied the state change the event describes.
func (j *Journal) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	observability.Events().RecordEvent(evt.EventType())
	if err := j.Append(context.Background(), evt.Record()); err != nil {
		j.logger.Error("journal append failed",
			slog.String("type", evt.EventType()),
			slog.Any("error", err))
	}
}

// Append stores a single record.
func (j *Journal) Append(ctx context.Context, rec events.Record) error {
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return fmt.Errorf("journal: encode attributes: %w", err)
	}
	entry := JournalEntry{
		EventID:    uuid.New(),
		Type:       rec.Type,
		Attributes: string(attrs),
		CreatedAt:  j.now(),
	}
	if err := j.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("journal: insert: %w", err)
	}
	return nil
}

// Entry is the decoded form of a journal row.
type Entry struct {
	Seq        uint64            `json:"seq"`
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// List returns entries with Seq greater than after, oldest first, optionally
// filtered by event type.
func (j *Journal) List(ctx context.Context, after uint64, limit int, eventType string) ([]Entry, error) {
	if limit <= 0 || limit > MaxJournalPage {
		limit = MaxJournalPage
	}
	query := j.db.WithContext(ctx).Where("seq > ?", after)
	if eventType != "" {
		query = query.Where("type = ?", eventType)
	}
	var rows []JournalEntry
	if err := query.Order("seq asc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry := Entry{
			Seq:       row.Seq,
			ID:        row.EventID.String(),
			Type:      row.Type,
			CreatedAt: row.CreatedAt,
		}
		if row.Attributes != "" {
			if err := json.Unmarshal([]byte(row.Attributes), &entry.Attributes); err != nil {
				return nil, fmt.Errorf("journal: decode entry %d: %w", row.Seq, err)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}
