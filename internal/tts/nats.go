package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// NATSEngine calls engines served by a remote node's Service using NATS
// request/reply.
type NATSEngine struct {
	bus            *bus.Client
	synthSubject   string
	convertSubject string
	opts           SynthOptions
}

func NewNATSEngine(busClient *bus.Client, synthSubject, convertSubject string, opts SynthOptions) *NATSEngine {
	return &NATSEngine{bus: busClient, synthSubject: synthSubject, convertSubject: convertSubject, opts: opts}
}

func (n *NATSEngine) Synthesize(ctx context.Context, req SynthRequest) (AudioChunk, error) {
	resp, err := n.request(ctx, n.synthSubject, protocol.EngineRequest{
		Op:          protocol.OpSynthesize,
		SessionID:   req.SessionID,
		Sequence:    req.Sequence,
		Text:        req.Text,
		Speaker:     req.Speaker,
		Language:    req.Language,
		Speed:       req.Speed,
		NoiseScale:  n.opts.NoiseScale,
		NoiseScaleW: n.opts.NoiseScaleW,
		SampleRate:  n.opts.SampleRate,
	})
	if err != nil {
		return AudioChunk{}, err
	}
	return chunkFromResponse(req.SessionID, req.Sequence, n.opts.SampleRate, resp)
}

func (n *NATSEngine) Convert(ctx context.Context, req ConvertRequest) (AudioChunk, error) {
	resp, err := n.request(ctx, n.convertSubject, protocol.EngineRequest{
		Op:         protocol.OpConvert,
		SessionID:  req.Chunk.SessionID,
		Sequence:   req.Chunk.Sequence,
		PCM:        req.Chunk.PCM,
		SampleRate: req.Chunk.SampleRate,
		Source:     req.Source,
		Target:     req.Target,
		Tau:        req.Tau,
	})
	if err != nil {
		return AudioChunk{}, err
	}
	return chunkFromResponse(req.Chunk.SessionID, req.Chunk.Sequence, req.Chunk.SampleRate, resp)
}

func (n *NATSEngine) request(ctx context.Context, subject string, req protocol.EngineRequest) (protocol.EngineResponse, error) {
	var resp protocol.EngineResponse
	if err := n.bus.RequestJSON(ctx, subject, req, &resp); err != nil {
		return protocol.EngineResponse{}, err
	}
	if resp.Error != "" {
		return protocol.EngineResponse{}, fmt.Errorf("remote engine: %s", resp.Error)
	}
	return resp, nil
}
