package tts

import (
	"context"

	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

// SynthRequest asks the synthesis engine for the audio of one speakable piece.
type SynthRequest struct {
	SessionID string
	Sequence  int
	Text      string
	Speaker   string
	Language  protocol.Language
	Speed     float64
}

// AudioChunk contains raw samples for one piece. The payload layout is
// defined by the engine; Sequence is its position in production order.
type AudioChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	PCM        []byte
}

// ConvertRequest asks the conversion engine to move one chunk from the
// Source voice towards the Target voice.
type ConvertRequest struct {
	Chunk  AudioChunk
	Source voice.Embedding
	Target voice.Embedding
	Tau    float64
}

// Synthesizer turns one piece of text into exactly one raw chunk.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (AudioChunk, error)
}

// Converter turns one raw chunk into exactly one converted chunk.
type Converter interface {
	Convert(ctx context.Context, req ConvertRequest) (AudioChunk, error)
}

// SynthOptions are the inference knobs forwarded to remote engines.
type SynthOptions struct {
	SampleRate  int
	NoiseScale  float64
	NoiseScaleW float64
}

// SynthesizerFunc adapts a function to the Synthesizer interface.
type SynthesizerFunc func(ctx context.Context, req SynthRequest) (AudioChunk, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, req SynthRequest) (AudioChunk, error) {
	return f(ctx, req)
}

// ConverterFunc adapts a function to the Converter interface.
type ConverterFunc func(ctx context.Context, req ConvertRequest) (AudioChunk, error)

func (f ConverterFunc) Convert(ctx context.Context, req ConvertRequest) (AudioChunk, error) {
	return f(ctx, req)
}
