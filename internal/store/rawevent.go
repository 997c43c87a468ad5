package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/entroline/entroline/internal/resultkind"
)

// InsertPendingRawEvent attempts the dedup-insert described in §4.1: insert
// a RawEvent row with ProcessingOutcome=pending. If ProviderEventID already
// exists, it returns the existing row with inserted=false and a nil error
// rather than an error a caller would treat as failure — the ingestor distinguishes
// "already succeeded" from "still pending/transient" by inspecting the
// returned row's ProcessingOutcome.
func (s *Store) InsertPendingRawEvent(ctx context.Context, ev RawEvent) (RawEvent, bool, error) {
	now := ev.ReceivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	payload := ev.Payload
	if payload == nil {
		// A nil slice binds as NULL and would trip payload's NOT NULL
		// before the duplicate check could report the existing row.
		payload = []byte{}
	}
	_, err := s.exec(ctx, s.db, `
		INSERT INTO raw_events (provider_event_id, event_type, payload, received_at, processed_at, processing_outcome, attempt_count, failure_detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ProviderEventID, ev.EventType, payload, now, ev.ProcessedAt, string(OutcomePending), 1, "")
	if err == nil {
		ev.ReceivedAt = now
		ev.ProcessingOutcome = OutcomePending
		ev.AttemptCount = 1
		return ev, true, nil
	}
	if !isUniqueViolation(s.driver, err) {
		return RawEvent{}, false, resultkind.Wrap(resultkind.Transient, err, "store: insert raw event")
	}

	existing, getErr := s.GetRawEvent(ctx, ev.ProviderEventID)
	if getErr != nil {
		return RawEvent{}, false, getErr
	}
	return existing, false, nil
}

// GetRawEvent loads one raw event by its dedup key.
func (s *Store) GetRawEvent(ctx context.Context, providerEventID string) (RawEvent, error) {
	row := s.queryRow(ctx, s.db, `
		SELECT provider_event_id, event_type, payload, received_at, processed_at, processing_outcome, attempt_count, failure_detail
		FROM raw_events WHERE provider_event_id = ?`, providerEventID)
	return scanRawEvent(row)
}

func scanRawEvent(row *sql.Row) (RawEvent, error) {
	var ev RawEvent
	var outcome, detail sql.NullString
	err := row.Scan(&ev.ProviderEventID, &ev.EventType, &ev.Payload, &ev.ReceivedAt, &ev.ProcessedAt, &outcome, &ev.AttemptCount, &detail)
	if errors.Is(err, sql.ErrNoRows) {
		return RawEvent{}, resultkind.New(resultkind.NotFound, "raw event not found")
	}
	if err != nil {
		return RawEvent{}, resultkind.Wrap(resultkind.Transient, err, "store: scan raw event")
	}
	ev.ProcessingOutcome = ProcessingOutcome(outcome.String)
	ev.FailureDetail = detail.String
	return ev, nil
}

// MarkRawEventOutcome records the terminal (or retry) state of processing
// one event. A non-nil tx writes inside that transaction; nil writes
// standalone against the pool. The ingestor passes nil for every outcome,
// after its processing transaction has committed or rolled back.
func (s *Store) MarkRawEventOutcome(ctx context.Context, tx *sql.Tx, providerEventID string, outcome ProcessingOutcome, detail string, processedAt time.Time) error {
	var q querier = s.db
	if tx != nil {
		q = tx
	}
	_, err := s.exec(ctx, q, `
		UPDATE raw_events SET processing_outcome = ?, processed_at = ?, failure_detail = ?, attempt_count = attempt_count + 1
		WHERE provider_event_id = ?`, string(outcome), processedAt, detail, providerEventID)
	if err != nil {
		return resultkind.Wrap(resultkind.Transient, err, "store: mark raw event outcome")
	}
	return nil
}
