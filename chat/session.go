package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LucetTin5/chzzk-timeline/chzzkapi"
	"github.com/LucetTin5/chzzk-timeline/discovery"
	"github.com/LucetTin5/chzzk-timeline/telemetry"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Reasons a session ends, used for logs, metrics and the recorder.
const (
	ReasonConnectFailed   = "connect_failed"
	ReasonHandshakeFailed = "handshake_failed"
	ReasonLiveEnded       = "live_ended"
	ReasonRemoteClosed    = "remote_closed"
	ReasonTransportError  = "transport_error"
	ReasonProtocolError   = "protocol_error"
	ReasonLivenessError   = "liveness_error"
	ReasonShutdown        = "shutdown"
	ReasonPanic           = "panic"
)

const (
	dialTimeout     = 10 * time.Second
	writeTimeout    = 10 * time.Second
	livenessTimeout = 10 * time.Second
)

// Conn is the subset of *websocket.Conn a session needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens the chat transport.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close() //nolint:errcheck // handshake response body is unused
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// ChannelChecker re-fetches channel detail for liveness checks.
type ChannelChecker interface {
	GetChannel(ctx context.Context, channelID string) (*chzzkapi.ChannelDetail, error)
}

// Session is one chat connection for one channel. All writes happen on the goroutine
// running the session; a reader goroutine only forwards inbound frames.
type Session struct {
	ID        string
	Channel   discovery.ReadyChannel
	StartedAt time.Time

	state  atomic.Int32
	events atomic.Int64

	chatURL      string
	pingInterval time.Duration
	dialer       Dialer
	checker      ChannelChecker
	recorder     Recorder
	log          *slog.Logger

	conn Conn
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Events returns the number of chat events observed so far.
func (s *Session) Events() int64 { return s.events.Load() }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.log.Debug("session state", slog.String("state", st.String()))
}

type inbound struct {
	data []byte
	err  error
}

// run drives the session until it ends and returns the end reason. The returned error is
// non-nil when the session ended abnormally.
func (s *Session) run(ctx context.Context) (string, error) {
	s.setState(StateConnecting)
	if reason, err := s.connect(ctx); err != nil {
		if s.conn == nil {
			s.setState(StateClosed)
		} else {
			s.close()
		}
		return reason, err
	}
	defer s.close()

	s.setState(StateActive)
	s.record("session_opened", func() error { return s.recorder.SessionOpened(ctx, s.ID, s.Channel) })
	s.log.Info("chat session opened", slog.String("chat_channel_id", s.Channel.ChatChannelID))

	frames := make(chan inbound)
	done := make(chan struct{})
	defer close(done)
	go s.readLoop(frames, done)

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ReasonShutdown, nil
		case <-ticker.C:
			ended, err := s.checkLive(ctx)
			if err != nil {
				return ReasonLivenessError, err
			}
			if ended {
				s.log.Info("broadcast closed; ending chat session")
				return ReasonLiveEnded, nil
			}
			if err := s.write(keepaliveFrame); err != nil {
				telemetry.KeepalivesFailed.Inc()
				s.log.Warn("keepalive send failed", slog.Any("err", err))
			}
		case in := <-frames:
			if in.err != nil {
				if websocket.IsCloseError(in.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return ReasonRemoteClosed, nil
				}
				return ReasonTransportError, in.err
			}
			if err := s.handle(ctx, in.data); err != nil {
				return ReasonProtocolError, err
			}
		}
	}
}

// connect dials the chat endpoint and sends the connect frame. No reply is awaited.
func (s *Session) connect(ctx context.Context) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "chat", "chat.connect", telemetry.ChannelAttr(s.Channel.ChannelID))
	defer span.End()

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, err := s.dialer.Dial(dctx, s.chatURL)
	cancel()
	if err != nil {
		telemetry.RecordError(span, err)
		return ReasonConnectFailed, err
	}
	s.conn = conn

	s.setState(StateHandshaking)
	hello, err := encodeConnect(s.Channel.ChatChannelID)
	if err == nil {
		err = s.write(hello)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return ReasonHandshakeFailed, fmt.Errorf("send connect frame: %w", err)
	}
	telemetry.SetSpanSuccess(span)
	return "", nil
}

// readLoop forwards frames until a read fails or the session stops listening.
func (s *Session) readLoop(frames chan<- inbound, done <-chan struct{}) {
	for {
		_, data, err := s.conn.ReadMessage()
		select {
		case frames <- inbound{data: data, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// handle processes one inbound frame. A ping is answered before returning so the pong
// precedes any further input.
func (s *Session) handle(ctx context.Context, data []byte) error {
	cmd, bdy, ok, err := decodeFrame(data)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	telemetry.FramesReceived.WithLabelValues(strconv.Itoa(cmd)).Inc()

	switch cmd {
	case CmdPing:
		if err := s.write(pongFrame); err != nil {
			s.log.Warn("pong send failed", slog.Any("err", err))
		}
	case CmdChat:
		now := time.Now().UTC()
		for _, e := range chatEntries(bdy) {
			ev := Event{
				SessionID:     s.ID,
				ChannelID:     s.Channel.ChannelID,
				ChatChannelID: s.Channel.ChatChannelID,
				UserID:        *e.UID,
				Message:       e.Msg,
				ReceivedAt:    now,
			}
			if e.MsgTime > 0 {
				ev.SentAt = time.UnixMilli(e.MsgTime).UTC()
			}
			s.events.Add(1)
			telemetry.ChatEvents.Inc()
			s.record("chat", func() error { return s.recorder.Chat(ctx, ev) })
		}
	}
	return nil
}

// checkLive reports whether the broadcast has ended. Only an explicit openLive=false
// ends it; absence and transport failures leave the session running. A malformed
// response is returned as an error.
func (s *Session) checkLive(ctx context.Context) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, livenessTimeout)
	defer cancel()
	detail, err := s.checker.GetChannel(cctx, s.Channel.ChannelID)
	if err != nil {
		if errors.Is(err, chzzkapi.ErrMalformedResponse) {
			return false, fmt.Errorf("liveness check: %w", err)
		}
		s.log.Warn("liveness check failed", slog.Any("err", err))
		return false, nil
	}
	if detail == nil || detail.OpenLive == nil {
		return false, nil
	}
	return !*detail.OpenLive, nil
}

func (s *Session) write(data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// close performs a best-effort close handshake. Errors are ignored.
func (s *Session) close() {
	s.setState(StateClosing)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck // best effort
	_ = s.conn.Close()                                                                //nolint:errcheck // best effort
	s.setState(StateClosed)
}

// record runs one recorder hook. Errors and panics are counted and logged; neither ends
// the session.
func (s *Session) record(op string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			s.recorderFailed(op, fmt.Errorf("recorder panic: %v", p))
		}
	}()
	if err := fn(); err != nil {
		s.recorderFailed(op, err)
	}
}

func (s *Session) recorderFailed(op string, err error) {
	telemetry.RecorderErrors.WithLabelValues(op).Inc()
	s.log.Warn("chat recorder failed", slog.String("op", op), slog.Any("err", err))
}
