package protocol

import "time"

const (
	SubjectEngineSynthesize = "tts.engine.synthesize"
	SubjectEngineConvert    = "tts.engine.convert"
	SubjectSessionEvent     = "voice.session.event"
)

// EngineOp selects the operation of an engine worker call.
type EngineOp string

const (
	OpSynthesize EngineOp = "synthesize"
	OpConvert    EngineOp = "convert"
)

// EngineRequest is the wire form of an engine call, used both for exec
// workers (one JSON line per call) and for NATS request/reply.
type EngineRequest struct {
	Op          EngineOp  `json:"op"`
	SessionID   string    `json:"session_id,omitempty"`
	Sequence    int       `json:"sequence"`
	Text        string    `json:"text,omitempty"`
	Speaker     string    `json:"speaker,omitempty"`
	Language    Language  `json:"language,omitempty"`
	Speed       float64   `json:"speed,omitempty"`
	NoiseScale  float64   `json:"noise_scale,omitempty"`
	NoiseScaleW float64   `json:"noise_scale_w,omitempty"`
	PCM         []byte    `json:"pcm,omitempty"`
	SampleRate  int       `json:"sample_rate,omitempty"`
	Source      []float32 `json:"source_se,omitempty"`
	Target      []float32 `json:"target_se,omitempty"`
	Tau         float64   `json:"tau,omitempty"`
}

// Audio payload formats an engine may answer with.
const (
	FormatPCM = "pcm"
	FormatWAV = "wav"
)

// EngineResponse carries one chunk of audio or an error string. An empty
// Format means raw PCM.
type EngineResponse struct {
	PCM        []byte `json:"pcm"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Session event types, in the order a session can emit them.
const (
	EventSessionOpened    = "session.opened"
	EventRequestAccepted  = "request.accepted"
	EventRequestCompleted = "request.completed"
	EventRequestFailed    = "request.failed"
	EventSessionClosed    = "session.closed"
)

// SessionEvent is published on SubjectSessionEvent at lifecycle boundaries.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Remote    string    `json:"remote,omitempty"`
	Sequence  int       `json:"sequence,omitempty"`
	Chunks    int       `json:"chunks,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
