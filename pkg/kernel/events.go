package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/juergmar/FileDownloadBackend/internal/core/domain"
	"github.com/juergmar/FileDownloadBackend/internal/core/services"
)

// subscribe opens the caller's notification feed. Admins may ask for every
// owner's notifications with ?scope=all.
func (s *Server) subscribe(r *http.Request, p domain.Principal) (<-chan services.Notification, func()) {
	if p.HasRole(domain.RoleAdmin) && r.URL.Query().Get("scope") == "all" {
		return s.eventBus.SubscribeGlobal()
	}
	return s.eventBus.Subscribe(p.UserID)
}

// handleEventsSSE streams the caller's notifications as server-sent events.
// GET /v1/events
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	p := principal(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ch, unsub := s.subscribe(r, p)
	defer unsub()

	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", p.UserID)
	flusher.Flush()

	keepAlive := time.NewTicker(s.opts.KeepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case n, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, n.Data)
			flusher.Flush()
		}
	}
}

const wsActionSubscribeJob = "subscribe-job"

// wsMessage is the frame sent to WebSocket clients.
type wsMessage struct {
	Type      services.NotificationType `json:"type"`
	Data      json.RawMessage           `json:"data"`
	Timestamp int64                     `json:"timestamp"`
}

// wsRequest is what clients may send. subscribe-job asks for the current
// status of one job to be pushed right away.
type wsRequest struct {
	Action string       `json:"action"`
	JobID  domain.JobID `json:"jobId"`
}

const notificationError services.NotificationType = "error"

// handleWebSocket streams the caller's notifications over a WebSocket.
// GET /v1/ws
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "owner_id", p.UserID, "error", err)
		return
	}
	defer conn.Close()

	ch, unsub := s.subscribe(r, p)
	defer unsub()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	var writeMu sync.Mutex
	requests := make(chan wsRequest, 8)
	go func() {
		defer cancel()
		for {
			data, err := readClientText(conn, &writeMu)
			if err != nil {
				return
			}
			var req wsRequest
			if err := json.Unmarshal(data, &req); err != nil {
				s.logger.Debug("ignoring malformed websocket message", "owner_id", p.UserID, "error", err)
				continue
			}
			select {
			case requests <- req:
			default:
			}
		}
	}()

	send := func(msg wsMessage) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return wsutil.WriteServerText(conn, data)
	}

	s.logger.Info("websocket client connected", "owner_id", p.UserID)
	defer s.logger.Info("websocket client disconnected", "owner_id", p.UserID)

	keepAlive := time.NewTicker(s.opts.KeepAlive)
	defer keepAlive.Stop()

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			writeMu.Lock()
			_ = ws.WriteFrame(conn, ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutting down")))
			writeMu.Unlock()
			return
		case <-keepAlive.C:
			writeMu.Lock()
			err = wsutil.WriteServerMessage(conn, ws.OpPing, nil)
			writeMu.Unlock()
		case n, ok := <-ch:
			if !ok {
				return
			}
			err = send(wsMessage{Type: n.Type, Data: json.RawMessage(n.Data), Timestamp: n.Timestamp})
		case req := <-requests:
			err = send(s.answer(ctx, p, req))
		}
		if err != nil {
			s.logger.Debug("websocket write failed", "owner_id", p.UserID, "error", err)
			return
		}
	}
}

// answer builds the reply to a client request.
func (s *Server) answer(ctx context.Context, p domain.Principal, req wsRequest) wsMessage {
	now := time.Now()
	if req.Action != wsActionSubscribeJob {
		return errorMessage(now, "bad_request", fmt.Sprintf("unknown action %q", req.Action))
	}
	view, err := s.queries.JobStatus(ctx, p, req.JobID)
	if err != nil {
		_, code := statusFor(err)
		return errorMessage(now, code, err.Error())
	}
	data, _ := json.Marshal(services.JobStatusUpdate{
		JobID:        view.JobID,
		FileType:     view.FileType,
		Status:       view.Status,
		UpdatedAt:    now.UTC(),
		FileName:     view.FileName,
		FileSize:     view.FileSize,
		ErrorMessage: view.ErrorMessage,
	})
	return wsMessage{Type: services.NotificationJobUpdate, Data: data, Timestamp: now.UnixMilli()}
}

func errorMessage(at time.Time, code, message string) wsMessage {
	data, _ := json.Marshal(apiError{Code: code, Message: message})
	return wsMessage{Type: notificationError, Data: data, Timestamp: at.UnixMilli()}
}

// readClientText returns the next text or binary message from the client.
// Control frame replies share writeMu with the notification writer.
func readClientText(conn net.Conn, writeMu *sync.Mutex) ([]byte, error) {
	control := wsutil.ControlFrameHandler(conn, ws.StateServerSide)
	locked := func(h ws.Header, r io.Reader) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return control(h, r)
	}
	rd := wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: locked,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := locked(hdr, &rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode != ws.OpText && hdr.OpCode != ws.OpBinary {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(&rd)
	}
}
