package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"github.com/nats-io/nats.go"
)

// Service exposes this node's engines on the bus so gateways configured
// with mode=nats can offload inference to it.
type Service struct {
	cfg            config.EngineServiceConfig
	bus            *bus.Client
	synth          Synthesizer
	conv           Converter
	synthSubject   string
	convertSubject string
	synthTimeout   time.Duration
	convertTimeout time.Duration
	subs           []*nats.Subscription
	mu             sync.Mutex
	closed         bool
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	logger         *slog.Logger
}

func NewService(parent context.Context, cfg config.EngineServiceConfig, synthSubject, convertSubject string, synthTimeout, convertTimeout time.Duration, busClient *bus.Client, synth Synthesizer, conv Converter, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:            cfg,
		bus:            busClient,
		synth:          synth,
		conv:           conv,
		synthSubject:   synthSubject,
		convertSubject: convertSubject,
		synthTimeout:   synthTimeout,
		convertTimeout: convertTimeout,
		ctx:            ctx,
		cancel:         cancel,
		logger:         log.With(slog.String("component", "engine-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	synthSub, err := s.bus.QueueSubscribe(s.synthSubject, s.cfg.Queue, s.handleSynthesize)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, synthSub)
	convSub, err := s.bus.QueueSubscribe(s.convertSubject, s.cfg.Queue, s.handleConvert)
	if err != nil {
		_ = synthSub.Drain()
		return err
	}
	s.subs = append(s.subs, convSub)
	s.logger.Info("serving engines on bus",
		slog.String("synthesize", s.synthSubject),
		slog.String("convert", s.convertSubject),
		slog.String("queue", s.cfg.Queue))
	return nil
}

func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || len(s.subs) == 2 }

func (s *Service) handleSynthesize(msg *nats.Msg) {
	req, ok := s.decode(msg)
	if !ok {
		return
	}
	s.serve(msg, s.synthTimeout, func(ctx context.Context) (AudioChunk, error) {
		return s.synth.Synthesize(ctx, SynthRequest{
			SessionID: req.SessionID,
			Sequence:  req.Sequence,
			Text:      req.Text,
			Speaker:   req.Speaker,
			Language:  req.Language,
			Speed:     req.Speed,
		})
	})
}

func (s *Service) handleConvert(msg *nats.Msg) {
	req, ok := s.decode(msg)
	if !ok {
		return
	}
	s.serve(msg, s.convertTimeout, func(ctx context.Context) (AudioChunk, error) {
		return s.conv.Convert(ctx, ConvertRequest{
			Chunk: AudioChunk{
				SessionID:  req.SessionID,
				Sequence:   req.Sequence,
				SampleRate: req.SampleRate,
				PCM:        req.PCM,
			},
			Source: voice.Embedding(req.Source),
			Target: voice.Embedding(req.Target),
			Tau:    req.Tau,
		})
	})
}

func (s *Service) decode(msg *nats.Msg) (protocol.EngineRequest, bool) {
	var req protocol.EngineRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode engine request", slogError(err))
		s.respond(msg, protocol.EngineResponse{Error: "malformed request"})
		return req, false
	}
	return req, true
}

// serve runs one engine call in the background. Messages delivered while
// Close drains the subscriptions are refused.
func (s *Service) serve(msg *nats.Msg, timeout time.Duration, run func(ctx context.Context) (AudioChunk, error)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.respond(msg, protocol.EngineResponse{Error: "engine service stopping"})
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()

		chunk, err := run(ctx)
		if err != nil {
			s.logger.Warn("engine call failed", slogError(err))
			s.respond(msg, protocol.EngineResponse{Error: err.Error()})
			return
		}
		s.respond(msg, protocol.EngineResponse{PCM: chunk.PCM, SampleRate: chunk.SampleRate})
	}()
}

func (s *Service) respond(msg *nats.Msg, resp protocol.EngineResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to marshal engine response", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to publish engine response", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
