package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"camcollect/internal/core/domain"
	"camcollect/internal/notify"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// statusRank orders statuses so a job-scoped stream never moves backwards.
var statusRank = map[domain.JobStatus]int{
	domain.StatusPending:     0,
	domain.StatusRunning:     1,
	domain.StatusTranscoding: 2,
	domain.StatusUploading:   3,
	domain.StatusCompleted:   4,
	domain.StatusFailed:      4,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// socketSink writes bus messages to one websocket connection. The handler
// owns the connection; the bus only ever sees this wrapper.
type socketSink struct {
	conn *websocket.Conn
	mu   sync.Mutex

	// finished is closed after a terminal job status has been written.
	finished  chan struct{}
	closeOnce sync.Once
	jobScoped bool

	// last is the most recent status written on a job-scoped stream.
	last    domain.JobStatus
	written bool
}

func newSocketSink(conn *websocket.Conn, jobScoped bool) *socketSink {
	return &socketSink{conn: conn, finished: make(chan struct{}), jobScoped: jobScoped}
}

// Send writes msg before ctx's deadline. On a job-scoped stream a status that
// does not advance past the last one written is skipped, so a stale snapshot
// racing a live update never shows the client a regression.
func (s *socketSink) Send(ctx context.Context, msg notify.Message) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	tracked := s.jobScoped && msg.Type == notify.TypeStatus

	s.mu.Lock()
	if tracked && s.written && statusRank[msg.Status] <= statusRank[s.last] {
		s.mu.Unlock()
		return nil
	}
	_ = s.conn.SetWriteDeadline(deadline)
	err := s.conn.WriteJSON(msg)
	if err == nil && tracked {
		s.last, s.written = msg.Status, true
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if s.jobScoped && msg.Type == notify.TypeStatus && msg.Status.IsTerminal() {
		s.closeOnce.Do(func() { close(s.finished) })
	}
	return nil
}

func (s *socketSink) ping() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (s *socketSink) closeNormally(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// handleJobSocket streams status updates for one job and closes once it ends.
func (s *Server) handleJobSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.collector.Get(id)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: errJobNotFound})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	sink := newSocketSink(conn, true)
	unsubscribe := s.collector.Subscribe(notify.JobScope(id), sink)
	defer unsubscribe()

	// Current state first so late subscribers are not left waiting. Live
	// updates may already have been written; the sink drops stale snapshots.
	// Jobs that finished before subscribing end the stream right here.
	if err := sink.Send(r.Context(), notify.StatusMessage(job)); err != nil {
		return
	}
	if latest, err := s.collector.Get(id); err == nil && latest.Status != job.Status {
		if err := sink.Send(r.Context(), notify.StatusMessage(latest)); err != nil {
			return
		}
	}

	s.logger.InfoContext(r.Context(), "websocket connected", "job_id", id)
	s.pump(r.Context(), sink)
	s.logger.InfoContext(r.Context(), "websocket closed", "job_id", id)
}

// handleBroadcastSocket streams artifact announcements until the client leaves.
func (s *Server) handleBroadcastSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sink := newSocketSink(conn, false)
	unsubscribe := s.collector.Subscribe(notify.Broadcast, sink)
	defer unsubscribe()

	s.pump(r.Context(), sink)
}

// pump keeps the connection alive until the client disconnects, the request
// ends, or a job-scoped stream has delivered its terminal status.
func (s *Server) pump(ctx context.Context, sink *socketSink) {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn := sink.conn
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-readDone:
			return
		case <-ctx.Done():
			return
		case <-sink.finished:
			sink.closeNormally("job finished")
			return
		case <-ticker.C:
			if err := sink.ping(); err != nil {
				return
			}
		}
	}
}

var _ notify.Sink = (*socketSink)(nil)
