package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
	"github.com/juergmar/FileDownloadBackend/internal/core/ports"
)

// Append reads the highest sequence for the job and inserts the event one
// above it, inside a single transaction. The (job_id, seq) primary key
// rejects a duplicate if two writers ever race past the connection limit.
func (s *Store) Append(ctx context.Context, e *domain.Event) error {
	if e.Payload == nil {
		return fmt.Errorf("event for job %s has no payload", e.JobID)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", e.Type(), err)
	}

	return s.InTx(ctx, func(tx ports.Store) error {
		t := tx.(*Store)
		var last int64
		if err := t.q.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM job_events WHERE job_id = ?`, string(e.JobID)).Scan(&last); err != nil {
			return fmt.Errorf("read last sequence: %w", err)
		}

		seq := last + 1
		_, err := t.q.ExecContext(ctx,
			`INSERT INTO job_events (job_id, seq, event_type, owner_id, occurred_at, payload) VALUES (?, ?, ?, ?, ?, ?)`,
			string(e.JobID), seq, string(e.Type()), e.OwnerID, toNanos(e.Timestamp), string(payload))
		if err != nil {
			return fmt.Errorf("append event for job %s: %w", e.JobID, err)
		}
		e.Sequence = seq
		return nil
	})
}

func (s *Store) EventsForJob(ctx context.Context, id domain.JobID) ([]domain.Event, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT seq, event_type, owner_id, occurred_at, payload FROM job_events WHERE job_id = ? ORDER BY seq ASC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query events for job %s: %w", id, err)
	}
	defer rows.Close()

	events := []domain.Event{}
	for rows.Next() {
		var (
			e          domain.Event
			eventType  string
			occurredAt int64
			payload    string
		)
		if err := rows.Scan(&e.Sequence, &eventType, &e.OwnerID, &occurredAt, &payload); err != nil {
			return nil, err
		}
		p, err := domain.DecodePayload(domain.EventType(eventType), []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("event %d of job %s: %w", e.Sequence, id, err)
		}
		e.JobID = id
		e.Timestamp = fromNanos(occurredAt)
		e.Payload = p
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx, `
		DELETE FROM job_events WHERE job_id IN (
			SELECT e.job_id FROM job_events e
			LEFT JOIN jobs j ON j.id = e.job_id
			WHERE j.id IS NULL OR j.status IN (?, ?, ?)
			GROUP BY e.job_id
			HAVING MAX(e.occurred_at) < ?
		)`,
		string(domain.JobStatusCompleted), string(domain.JobStatusFailed), string(domain.JobStatusCancelled), toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
