package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"intentbook/gateway/middleware"
	"intentbook/services/intentd/storage"
)

// WithIdempotency ensures mutating requests carrying the same Idempotency-Key
// are executed once. The key is reserved before the handler runs, so a
// concurrent duplicate is told the request is in progress instead of running
// it again. Replays return the stored response; reusing a key for a different
// route or caller is rejected. Server errors release the key so the client
// may retry.
func WithIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || db == nil || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}
		subject := middleware.Subject(r.Context())
		if subject == "" {
			subject = r.Header.Get(AccountHeader)
		}

		reservation := storage.IdempotencyKey{
			Key:       key,
			RequestID: uuid.NewString(),
			Subject:   subject,
			Method:    r.Method,
			Path:      r.URL.Path,
			CreatedAt: time.Now().UTC(),
		}
		res := db.WithContext(r.Context()).Clauses(clause.OnConflict{DoNothing: true}).Create(&reservation)
		if res.Error != nil {
			writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
			return
		}
		if res.RowsAffected == 0 {
			replay(w, r, db, key, subject)
			return
		}

		// The reservation must be settled even if the client goes away.
		ctx := context.WithoutCancel(r.Context())
		owned := db.WithContext(ctx).Model(&storage.IdempotencyKey{}).
			Where("key = ? AND request_id = ?", key, reservation.RequestID).
			Session(&gorm.Session{})
		settled := false
		defer func() {
			if !settled {
				_ = owned.Delete(&storage.IdempotencyKey{}).Error
			}
		}()

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if status >= http.StatusInternalServerError {
			return
		}
		if err := owned.Updates(map[string]any{"status": status, "response": recorder.buf.String()}).Error; err == nil {
			settled = true
		}
	})
}

// replay answers a request whose key is already reserved.
func replay(w http.ResponseWriter, r *http.Request, db *gorm.DB, key, subject string) {
	var record storage.IdempotencyKey
	err := db.WithContext(r.Context()).First(&record, "key = ?", key).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		writeError(w, http.StatusConflict, "request with this idempotency key is in progress")
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
		return
	}
	if record.Method != r.Method || record.Path != r.URL.Path || record.Subject != subject {
		writeError(w, http.StatusConflict, "idempotency key reused for a different request")
		return
	}
	if record.Status == 0 {
		writeError(w, http.StatusConflict, "request with this idempotency key is in progress")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Idempotent-Replay", "true")
	w.WriteHeader(record.Status)
	_, _ = io.WriteString(w, record.Response)
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
