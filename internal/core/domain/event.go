package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the discriminant of the job event sum type.
type EventType string

const (
	EventJobCreated       EventType = "JOB_CREATED"
	EventJobStatusChanged EventType = "JOB_STATUS_CHANGED"
	EventJobCompleted     EventType = "JOB_COMPLETED"
	EventJobFailed        EventType = "JOB_FAILED"
	EventJobCancelled     EventType = "JOB_CANCELLED"
)

// EventPayload is implemented only by the payload types in this file.
type EventPayload interface {
	EventType() EventType
	sealed()
}

type JobCreated struct {
	FileType FileType `json:"file_type"`
}

type JobStatusChanged struct {
	OldStatus JobStatus `json:"old_status"`
	NewStatus JobStatus `json:"new_status"`
}

type JobCompleted struct {
	Artifact Artifact `json:"artifact"`
}

type JobFailed struct {
	Reason string `json:"reason"`
}

type JobCancelled struct {
	OldStatus JobStatus `json:"old_status"`
}

func (JobCreated) EventType() EventType       { return EventJobCreated }
func (JobStatusChanged) EventType() EventType { return EventJobStatusChanged }
func (JobCompleted) EventType() EventType     { return EventJobCompleted }
func (JobFailed) EventType() EventType        { return EventJobFailed }
func (JobCancelled) EventType() EventType     { return EventJobCancelled }

func (JobCreated) sealed()       {}
func (JobStatusChanged) sealed() {}
func (JobCompleted) sealed()     {}
func (JobFailed) sealed()        {}
func (JobCancelled) sealed()     {}

// Event is one immutable fact in a job's history. Sequence is assigned by
// the event store on append.
type Event struct {
	JobID     JobID
	OwnerID   string
	Timestamp time.Time
	Sequence  int64
	Payload   EventPayload
}

func NewEvent(job Job, payload EventPayload, at time.Time) Event {
	return Event{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		Timestamp: at.UTC(),
		Payload:   payload,
	}
}

func (e Event) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// ApplyEvent folds e into j and returns the result. It is the only place
// where event semantics live; replay and the command fallback both use it.
func ApplyEvent(j Job, e Event) Job {
	if j.ID == "" {
		j.ID = e.JobID
	}
	if j.OwnerID == "" {
		j.OwnerID = e.OwnerID
	}

	switch p := e.Payload.(type) {
	case JobCreated:
		return Job{
			ID:        e.JobID,
			OwnerID:   e.OwnerID,
			Type:      p.FileType,
			Status:    JobStatusPending,
			Version:   1,
			CreatedAt: e.Timestamp,
		}
	case JobStatusChanged:
		j.Status = p.NewStatus
		if p.NewStatus != JobStatusCompleted {
			j.Artifact = nil
			j.CompletedAt = nil
		}
		if p.NewStatus != JobStatusFailed {
			j.FailureReason = nil
		}
	case JobCompleted:
		at := e.Timestamp
		j.Status = JobStatusCompleted
		j.Artifact = p.Artifact.clone()
		j.CompletedAt = &at
		j.FailureReason = nil
	case JobFailed:
		reason := p.Reason
		j.Status = JobStatusFailed
		j.FailureReason = &reason
		j.Artifact = nil
		j.CompletedAt = nil
	case JobCancelled:
		j.Status = JobStatusCancelled
		j.Artifact = nil
		j.CompletedAt = nil
		j.FailureReason = nil
	default:
		return j
	}
	j.Version++
	return j
}

// Reconstruct replays events (ascending sequence) into a snapshot. The
// boolean is false when there is nothing to replay.
func Reconstruct(events []Event) (Job, bool) {
	if len(events) == 0 {
		return Job{}, false
	}
	var j Job
	for _, e := range events {
		j = ApplyEvent(j, e)
	}
	return j, true
}

// TargetStatus is the status a job holds after e has been applied.
func (e Event) TargetStatus() JobStatus {
	switch p := e.Payload.(type) {
	case JobCreated:
		return JobStatusPending
	case JobStatusChanged:
		return p.NewStatus
	case JobCompleted:
		return JobStatusCompleted
	case JobFailed:
		return JobStatusFailed
	case JobCancelled:
		return JobStatusCancelled
	}
	return ""
}

type eventEnvelope struct {
	Type      EventType       `json:"type"`
	JobID     JobID           `json:"job_id"`
	OwnerID   string          `json:"owner_id"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Data      json.RawMessage `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event for job %s has no payload", e.JobID)
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventEnvelope{
		Type:      e.Payload.EventType(),
		JobID:     e.JobID,
		OwnerID:   e.OwnerID,
		Timestamp: e.Timestamp,
		Sequence:  e.Sequence,
		Data:      data,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	payload, err := DecodePayload(env.Type, env.Data)
	if err != nil {
		return err
	}
	*e = Event{
		JobID:     env.JobID,
		OwnerID:   env.OwnerID,
		Timestamp: env.Timestamp,
		Sequence:  env.Sequence,
		Payload:   payload,
	}
	return nil
}

// DecodePayload decodes data according to the discriminant t.
func DecodePayload(t EventType, data []byte) (EventPayload, error) {
	var (
		p   EventPayload
		err error
	)
	switch t {
	case EventJobCreated:
		var v JobCreated
		err = json.Unmarshal(data, &v)
		p = v
	case EventJobStatusChanged:
		var v JobStatusChanged
		err = json.Unmarshal(data, &v)
		p = v
	case EventJobCompleted:
		var v JobCompleted
		err = json.Unmarshal(data, &v)
		p = v
	case EventJobFailed:
		var v JobFailed
		err = json.Unmarshal(data, &v)
		p = v
	case EventJobCancelled:
		var v JobCancelled
		if len(data) > 0 {
			err = json.Unmarshal(data, &v)
		}
		p = v
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}
