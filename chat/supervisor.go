package chat

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LucetTin5/chzzk-timeline/discovery"
	"github.com/LucetTin5/chzzk-timeline/telemetry"
)

// Slots is the registry contract: at most one holder per channel id.
type Slots interface {
	TryAcquire(channelID string) bool
	Release(channelID string)
}

// SessionInfo is a read-only view of a running session.
type SessionInfo struct {
	ID            string    `json:"id"`
	ChannelID     string    `json:"channel_id"`
	ChatChannelID string    `json:"chat_channel_id"`
	ChannelName   string    `json:"channel_name,omitempty"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"started_at"`
	Events        int64     `json:"events"`
}

// Supervisor launches isolated chat sessions and guarantees the registry slot of every
// session is released when it exits, including on panic.
type Supervisor struct {
	Registry     Slots
	Dialer       Dialer
	Channels     ChannelChecker
	Recorder     Recorder
	ChatURL      string
	PingInterval time.Duration

	wg       sync.WaitGroup
	mu       sync.Mutex
	sessions map[string]*Session
}

// Start acquires the channel slot and launches a session in its own goroutine. It returns
// false without side effects when the channel already has a session.
func (s *Supervisor) Start(ctx context.Context, rc discovery.ReadyChannel) bool {
	if !s.Registry.TryAcquire(rc.ChannelID) {
		slog.Debug("chat session already running", slog.String("channel_id", rc.ChannelID))
		return false
	}

	sess := s.newSession(rc)
	s.mu.Lock()
	if s.sessions == nil {
		s.sessions = make(map[string]*Session)
	}
	s.sessions[rc.ChannelID] = sess
	s.mu.Unlock()

	telemetry.SessionStarted()
	s.wg.Add(1)
	go s.supervise(ctx, sess)
	return true
}

func (s *Supervisor) newSession(rc discovery.ReadyChannel) *Session {
	id := uuid.NewString()
	chatURL := s.ChatURL
	if chatURL == "" {
		chatURL = DefaultChatURL
	}
	interval := s.PingInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	rec := s.Recorder
	if rec == nil {
		rec = Discard{}
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	return &Session{
		ID:           id,
		Channel:      rc,
		StartedAt:    time.Now().UTC(),
		chatURL:      chatURL,
		pingInterval: interval,
		dialer:       dialer,
		checker:      s.Channels,
		recorder:     rec,
		log: slog.Default().With(
			slog.String("component", "chat"),
			slog.String("channel_id", rc.ChannelID),
			slog.String("session_id", id),
		),
	}
}

// supervise is the crash boundary of a session.
func (s *Supervisor) supervise(ctx context.Context, sess *Session) {
	reason := ReasonPanic
	defer func() {
		if p := recover(); p != nil {
			reason = ReasonPanic
			sess.log.Error("chat session panic", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
			sess.setState(StateClosed)
		}
		s.finish(ctx, sess, reason)
	}()

	r, err := sess.run(ctx)
	reason = r
	if err != nil {
		sess.log.Warn("chat session ended with error", slog.String("reason", reason), slog.Any("err", err))
		return
	}
	sess.log.Info("chat session closed", slog.String("reason", reason), slog.Int64("events", sess.Events()))
}

func (s *Supervisor) finish(ctx context.Context, sess *Session, reason string) {
	defer s.wg.Done()
	defer telemetry.SessionEnded(reason)
	defer s.Registry.Release(sess.Channel.ChannelID)
	defer func() {
		s.mu.Lock()
		if s.sessions[sess.Channel.ChannelID] == sess {
			delete(s.sessions, sess.Channel.ChannelID)
		}
		s.mu.Unlock()
	}()

	if reason == ReasonConnectFailed {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	sess.record("session_closed", func() error {
		return sess.recorder.SessionClosed(rctx, sess.ID, sess.Channel.ChannelID, reason)
	})
}

// Wait blocks until every launched session has exited.
func (s *Supervisor) Wait() { s.wg.Wait() }

// Sessions lists running sessions ordered by start time.
func (s *Supervisor) Sessions() []SessionInfo {
	s.mu.Lock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, SessionInfo{
			ID:            sess.ID,
			ChannelID:     sess.Channel.ChannelID,
			ChatChannelID: sess.Channel.ChatChannelID,
			ChannelName:   sess.Channel.ChannelName,
			State:         sess.State().String(),
			StartedAt:     sess.StartedAt,
			Events:        sess.Events(),
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ChannelID < out[j].ChannelID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
