package services

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()
	select {
	case n, ok := <-ch:
		require.True(t, ok, "channel closed")
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
	return Notification{}
}

func TestEventBus_PublishJobUpdate(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	ch, unsub := bus.Subscribe("user-1")
	defer unsub()

	bus.Publish("user-1", domain.Job{ID: "job-123", Type: domain.FileTypeCustomReport, Status: domain.JobStatusInProgress})

	n := receive(t, ch)
	assert.Equal(t, NotificationJobUpdate, n.Type)
	assert.Equal(t, "user-1", n.OwnerID)

	var update JobStatusUpdate
	require.NoError(t, json.Unmarshal([]byte(n.Data), &update))
	assert.Equal(t, domain.JobID("job-123"), update.JobID)
	assert.Equal(t, domain.JobStatusInProgress, update.Status)

	select {
	case extra := <-ch:
		t.Fatalf("unexpected notification for non-terminal job: %+v", extra)
	default:
	}
}

func TestEventBus_TerminalJobAddsServiceNotification(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	ch, unsub := bus.Subscribe("user-1")
	defer unsub()

	reason := "generator exploded"
	bus.Publish("user-1", domain.Job{ID: "job-9", Status: domain.JobStatusFailed, FailureReason: &reason})

	first := receive(t, ch)
	var update JobStatusUpdate
	require.NoError(t, json.Unmarshal([]byte(first.Data), &update))
	assert.Equal(t, reason, update.ErrorMessage)

	second := receive(t, ch)
	assert.Equal(t, NotificationService, second.Type)
	var svc ServiceNotification
	require.NoError(t, json.Unmarshal([]byte(second.Data), &svc))
	assert.Equal(t, ServiceLevelError, svc.Type)
	assert.Contains(t, svc.Message, reason)
}

func TestEventBus_OwnersAreIsolated(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	mine, unsub1 := bus.Subscribe("alice")
	defer unsub1()
	theirs, unsub2 := bus.Subscribe("bob")
	defer unsub2()
	global, unsub3 := bus.SubscribeGlobal()
	defer unsub3()

	bus.Publish("alice", domain.Job{ID: "a1", Status: domain.JobStatusPending})

	assert.Equal(t, "alice", receive(t, mine).OwnerID)
	assert.Equal(t, "alice", receive(t, global).OwnerID)
	select {
	case n := <-theirs:
		t.Fatalf("bob received alice's notification: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventBus_UnsubscribeClosesChannel(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	ch, unsub := bus.Subscribe("user-x")
	unsub()
	unsub()

	bus.Publish("user-x", domain.Job{ID: "gone", Status: domain.JobStatusPending})
	_, ok := <-ch
	assert.False(t, ok, "expected channel to be closed after unsubscribe")

	gch, gunsub := bus.SubscribeGlobal()
	gunsub()
	_, ok = <-gch
	assert.False(t, ok)
}

func TestEventBus_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	ch, unsub := bus.Subscribe("slow")
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Notify("slow", ServiceLevelInfo, "tick")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
	assert.Len(t, ch, subscriberBuffer)
}
