package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/observe"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/registry"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

// Close reasons, recorded on session.closed events and the sessions metric.
const (
	ReasonSentinel      = "sentinel"
	ReasonClient        = "client"
	ReasonProtocolError = "protocol_error"
	ReasonInvalid       = "invalid_request"
	ReasonPipelineError = "pipeline_error"
	ReasonIdleTimeout   = "idle_timeout"
	ReasonShutdown      = "shutdown"
)

const defaultWriteTimeout = 5 * time.Second

type inbound struct {
	kind int
	data []byte
}

type session struct {
	h       *Handler
	conn    *websocket.Conn
	c       *registry.Connection
	log     *slog.Logger
	metrics *observe.Metrics

	messages chan inbound
	readErr  chan error
	// readCtx ends when the peer goes away; running pipelines use it.
	readCtx    context.Context
	cancelRead context.CancelFunc

	requests int
}

func newSession(h *Handler, conn *websocket.Conn, c *registry.Connection) *session {
	return &session{
		h:        h,
		conn:     conn,
		c:        c,
		log:      h.logger().With(slog.String("connection_id", c.ID), slog.String("remote", c.Remote)),
		metrics:  h.metrics(),
		messages: make(chan inbound),
		readErr:  make(chan error, 1),
	}
}

// run drives the session until it ends. ctx is cancelled by the registry
// on shutdown.
func (s *session) run(ctx context.Context) {
	s.readCtx, s.cancelRead = context.WithCancel(ctx)
	defer s.cancelRead()

	s.log.Debug("session opened")
	s.h.record(ctx, protocol.SessionEvent{SessionID: s.c.ID, Type: protocol.EventSessionOpened, Remote: s.c.Remote})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.readLoop()
	}()
	stopPing := make(chan struct{})
	if s.h.Config.PingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.pingLoop(stopPing)
		}()
	}

	reason := s.serve(ctx)

	s.h.Registry.MarkClosing(s.c)
	close(stopPing)
	s.cancelRead()
	// Unblocks a reader waiting on the network.
	_ = s.conn.Close()
	wg.Wait()

	s.metrics.RecordSession(ctx, reason)
	s.h.record(ctx, protocol.SessionEvent{SessionID: s.c.ID, Type: protocol.EventSessionClosed, Reason: reason, Sequence: s.requests})
	s.log.Debug("session closed", slog.String("reason", reason), slog.Int("requests", s.requests))
}

// serve is the request loop. Requests are handled strictly one after the
// other: the next message is only taken once the previous pipeline is done.
func (s *session) serve(ctx context.Context) string {
	for {
		msg, reason, ok := s.next(ctx)
		if !ok {
			return reason
		}
		s.requests++

		if msg.kind != websocket.TextMessage {
			s.metrics.RecordRequest(ctx, observe.StatusInvalid)
			err := &protocol.ProtocolError{Reason: "requests must be text frames"}
			s.fail(ctx, protocol.CodeBadRequest, err, websocket.CloseUnsupportedData)
			return ReasonProtocolError
		}

		req, err := s.h.Validator.Parse(msg.data)
		if err != nil {
			s.metrics.RecordRequest(ctx, observe.StatusInvalid)
			var verr *protocol.ValidationError
			if errors.As(err, &verr) {
				s.fail(ctx, verr.Code, err, websocket.ClosePolicyViolation)
				return ReasonInvalid
			}
			s.fail(ctx, protocol.CodeBadRequest, err, websocket.CloseInvalidFramePayloadData)
			return ReasonProtocolError
		}
		if req.End() {
			s.closeWith(websocket.CloseNormalClosure, "session ended")
			return ReasonSentinel
		}

		if reason, ok := s.synthesize(ctx, req); !ok {
			return reason
		}
	}
}

// next waits for the next inbound message. The idle timer only runs while
// the session is waiting here.
func (s *session) next(ctx context.Context) (inbound, string, bool) {
	var idle <-chan time.Time
	if s.h.Config.IdleTimeout > 0 {
		timer := time.NewTimer(s.h.Config.IdleTimeout)
		defer timer.Stop()
		idle = timer.C
	}

	select {
	case msg := <-s.messages:
		return msg, "", true
	case err := <-s.readErr:
		return inbound{}, s.readFailure(ctx, err), false
	case <-idle:
		s.log.Info("closing idle session", slog.Duration("idle_timeout", s.h.Config.IdleTimeout))
		s.writeError(protocol.NewServerError(protocol.CodeIdleTimeout, "no request received in time"))
		s.closeWith(websocket.CloseNormalClosure, "idle timeout")
		return inbound{}, ReasonIdleTimeout, false
	case <-ctx.Done():
		return inbound{}, s.stopReason(ctx), false
	}
}

// synthesize runs one request through the pipeline and forwards every chunk
// as one binary frame, waiting for each write before taking the next chunk.
func (s *session) synthesize(ctx context.Context, req protocol.SynthesisRequest) (string, bool) {
	var profile *voice.Profile
	if s.h.Voices != nil {
		profile, _ = s.h.Voices.Get(req.Voice)
	}
	s.h.record(ctx, protocol.SessionEvent{SessionID: s.c.ID, Type: protocol.EventRequestAccepted, Sequence: s.requests})

	accepted := time.Now()
	stream := s.h.Pipeline.Run(s.readCtx, pipeline.Request{
		SessionID: s.c.ID,
		Text:      req.Text,
		Speaker:   req.Speaker,
		Language:  req.Language,
		Speed:     req.Speed,
		Profile:   profile,
	})
	defer stream.Close()

	sent := 0
	for chunk := range stream.C {
		if sent == 0 {
			s.metrics.FirstChunk.Record(ctx, time.Since(accepted).Seconds())
		}
		if err := s.write(websocket.BinaryMessage, chunk.PCM); err != nil {
			stream.Close()
			s.metrics.RecordRequest(ctx, observe.StatusCancelled)
			s.log.Debug("client went away mid-stream", slog.Int("sent", sent), slog.String("error", err.Error()))
			return ReasonClient, false
		}
		sent++
		s.metrics.Chunks.Add(ctx, 1)
	}

	err := stream.Err()
	if err == nil {
		status := observe.StatusOK
		if sent == 0 {
			status = observe.StatusEmpty
		}
		s.metrics.RecordRequest(ctx, status)
		s.h.record(ctx, protocol.SessionEvent{SessionID: s.c.ID, Type: protocol.EventRequestCompleted, Sequence: s.requests, Chunks: sent})
		s.log.Debug("request completed", slog.Int("sequence", s.requests), slog.Int("chunks", sent))
		return "", true
	}

	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		s.metrics.RecordRequest(ctx, observe.StatusFailed)
		s.h.record(ctx, protocol.SessionEvent{SessionID: s.c.ID, Type: protocol.EventRequestFailed, Sequence: s.requests, Chunks: sent, Reason: protocol.CodeSynthesisFailed})
		s.log.Error("pipeline failed", slog.Int("sequence", s.requests), slog.Int("chunks", sent), slog.String("error", err.Error()))
		msg := protocol.NewServerError(protocol.CodeSynthesisFailed, stageErr.Stage+" failed")
		msg.Sequence = s.requests
		s.writeError(msg)
		s.closeWith(websocket.CloseInternalServerErr, "synthesis failed")
		return ReasonPipelineError, false
	}

	s.metrics.RecordRequest(ctx, observe.StatusCancelled)
	select {
	case readErr := <-s.readErr:
		return s.readFailure(ctx, readErr), false
	default:
	}
	return s.stopReason(ctx), false
}

// fail reports a request that could not be accepted and closes the session.
func (s *session) fail(ctx context.Context, code string, err error, closeCode int) {
	s.log.Info("rejecting request", slog.String("code", code), slog.String("error", err.Error()))
	s.h.record(ctx, protocol.SessionEvent{SessionID: s.c.ID, Type: protocol.EventRequestFailed, Sequence: s.requests, Reason: code})
	msg := protocol.NewServerError(code, err.Error())
	msg.Sequence = s.requests
	s.writeError(msg)
	s.closeWith(closeCode, code)
}

func (s *session) stopReason(ctx context.Context) string {
	if ctx.Err() != nil {
		s.writeError(protocol.NewServerError(protocol.CodeShuttingDown, "server is shutting down"))
		s.closeWith(websocket.CloseGoingAway, "shutting down")
		return ReasonShutdown
	}
	return ReasonClient
}

func (s *session) readFailure(ctx context.Context, err error) string {
	if errors.Is(err, websocket.ErrReadLimit) {
		s.metrics.RecordRequest(ctx, observe.StatusInvalid)
		s.log.Info("request exceeds size limit", slog.Int64("limit", s.h.Config.MaxMessageBytes))
		s.closeWith(websocket.CloseMessageTooBig, "message too big")
		return ReasonProtocolError
	}
	if isDisconnect(err) {
		s.log.Debug("client disconnected", slog.String("error", err.Error()))
	} else {
		s.log.Info("connection lost", slog.String("error", err.Error()))
	}
	return ReasonClient
}

// readLoop owns every read on the connection. It hands messages to serve
// one at a time and reports the first read error.
func (s *session) readLoop() {
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})
	for {
		s.extendReadDeadline()
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			s.readErr <- err
			s.cancelRead()
			return
		}
		select {
		case s.messages <- inbound{kind: kind, data: data}:
		case <-s.readCtx.Done():
			return
		}
	}
}

func (s *session) extendReadDeadline() {
	if s.h.Config.PingInterval <= 0 {
		return
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(2*s.h.Config.PingInterval + s.writeTimeout()))
}

func (s *session) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.h.Config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout())); err != nil {
				return
			}
		}
	}
}

func (s *session) write(kind int, data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout()))
	return s.conn.WriteMessage(kind, data)
}

func (s *session) writeError(msg protocol.ServerError) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.write(websocket.TextMessage, payload); err != nil {
		s.log.Debug("could not deliver error frame", slog.String("error", err.Error()))
	}
}

func (s *session) closeWith(code int, text string) {
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(s.writeTimeout()))
}

func (s *session) writeTimeout() time.Duration {
	if s.h.Config.WriteTimeout > 0 {
		return s.h.Config.WriteTimeout
	}
	return defaultWriteTimeout
}

// isDisconnect reports whether err is the peer going away rather than a
// fault on our side.
func isDisconnect(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, context.Canceled)
}
