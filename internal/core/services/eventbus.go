package services

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
	"github.com/juergmar/FileDownloadBackend/internal/core/ports"
)

type NotificationType string

const (
	NotificationJobUpdate NotificationType = "job_update"
	NotificationService   NotificationType = "service_notification"
)

// Notification is one message delivered to a subscriber.
type Notification struct {
	OwnerID   string
	Type      NotificationType
	Data      string // JSON payload
	Timestamp int64
}

// JobStatusUpdate is the payload of a job_update notification.
type JobStatusUpdate struct {
	JobID        domain.JobID     `json:"jobId"`
	FileType     domain.FileType  `json:"fileType"`
	Status       domain.JobStatus `json:"status"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	FileName     string           `json:"fileName,omitempty"`
	FileSize     int64            `json:"fileSize,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
}

type ServiceLevel string

const (
	ServiceLevelInfo  ServiceLevel = "INFO"
	ServiceLevelError ServiceLevel = "ERROR"
)

// ServiceNotification is the payload of a service_notification.
type ServiceNotification struct {
	Type    ServiceLevel `json:"type"`
	Message string       `json:"message"`
}

const subscriberBuffer = 100

var _ ports.NotificationSink = (*EventBus)(nil)

type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[string][]chan Notification // Key: OwnerID
	global []chan Notification
	now    func() time.Time
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[string][]chan Notification),
		now:    time.Now,
	}
}

// Subscribe returns a channel that receives notifications for one owner.
func (b *EventBus) Subscribe(ownerID string) (<-chan Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Notification, subscriberBuffer)
	b.subs[ownerID] = append(b.subs[ownerID], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subscribers := b.subs[ownerID]
			for i, sub := range subscribers {
				if sub == ch {
					close(ch)
					b.subs[ownerID] = append(subscribers[:i], subscribers[i+1:]...)
					break
				}
			}
			if len(b.subs[ownerID]) == 0 {
				delete(b.subs, ownerID)
			}
		})
	}
	return ch, unsub
}

// SubscribeGlobal receives every notification regardless of owner.
func (b *EventBus) SubscribeGlobal() (<-chan Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Notification, subscriberBuffer)
	b.global = append(b.global, ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, sub := range b.global {
				if sub == ch {
					close(ch)
					b.global = append(b.global[:i], b.global[i+1:]...)
					break
				}
			}
		})
	}
	return ch, unsub
}

// Publish implements ports.NotificationSink. Terminal outcomes also produce
// a service notification for the owner.
func (b *EventBus) Publish(ownerID string, job domain.Job) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notification delivery panicked", "job_id", job.ID, "panic", fmt.Sprint(r))
		}
	}()

	update := JobStatusUpdate{
		JobID:     job.ID,
		FileType:  job.Type,
		Status:    job.Status,
		UpdatedAt: b.now().UTC(),
	}
	if job.Artifact != nil {
		update.FileName = job.Artifact.Name
		update.FileSize = job.Artifact.SizeBytes
	}
	if job.FailureReason != nil {
		update.ErrorMessage = *job.FailureReason
	}
	b.emit(ownerID, NotificationJobUpdate, update)

	switch job.Status {
	case domain.JobStatusCompleted:
		b.emit(ownerID, NotificationService, ServiceNotification{
			Type:    ServiceLevelInfo,
			Message: fmt.Sprintf("File generation completed for job %s", job.ID),
		})
	case domain.JobStatusFailed:
		b.emit(ownerID, NotificationService, ServiceNotification{
			Type:    ServiceLevelError,
			Message: fmt.Sprintf("File generation failed for job %s: %s", job.ID, update.ErrorMessage),
		})
	}
}

// Notify sends a free-form service notification to one owner.
func (b *EventBus) Notify(ownerID string, level ServiceLevel, message string) {
	b.emit(ownerID, NotificationService, ServiceNotification{Type: level, Message: message})
}

func (b *EventBus) emit(ownerID string, typ NotificationType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Error("failed to encode notification", "owner_id", ownerID, "error", err)
		return
	}
	b.Emit(Notification{
		OwnerID:   ownerID,
		Type:      typ,
		Data:      string(data),
		Timestamp: b.now().UnixMilli(),
	})
}

// Emit sends n to the owner's subscribers and to every global subscriber.
// A full subscriber buffer drops the notification.
func (b *EventBus) Emit(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[n.OwnerID] {
		b.offer(ch, n)
	}
	for _, ch := range b.global {
		b.offer(ch, n)
	}
}

func (b *EventBus) offer(ch chan Notification, n Notification) {
	select {
	case ch <- n:
	default:
		b.logger.Warn("event bus channel full, dropping notification", "owner_id", n.OwnerID, "type", n.Type)
	}
}
