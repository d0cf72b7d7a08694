package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// SynthesisRequest is one validated client request.
type SynthesisRequest struct {
	Text     string
	Speaker  string
	Language Language
	Speed    float64
	Voice    string
}

// End reports whether the request is the empty-text session terminator.
func (r SynthesisRequest) End() bool { return r.Text == "" }

type clientRequest struct {
	Text     *string         `json:"text"`
	Speaker  json.RawMessage `json:"speaker"`
	Language string          `json:"language"`
	Speed    *float64        `json:"speed"`
	Voice    string          `json:"voice"`
}

// ServerError is the JSON text frame sent before a session is closed on error.
type ServerError struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence,omitempty"` // 1-based request number within the session
}

func NewServerError(code, message string) ServerError {
	return ServerError{Type: "error", Code: code, Message: message}
}

// Validator turns raw inbound frames into SynthesisRequests.
type Validator struct {
	defaultSpeaker  string
	defaultLanguage string
	speakers        map[string]struct{}
	hasVoice        func(string) bool
}

// NewValidator builds a Validator. An empty speakers list accepts any speaker;
// a nil hasVoice accepts any voice name.
func NewValidator(defaultSpeaker, defaultLanguage string, speakers []string, hasVoice func(string) bool) *Validator {
	v := &Validator{
		defaultSpeaker:  defaultSpeaker,
		defaultLanguage: defaultLanguage,
		hasVoice:        hasVoice,
	}
	if len(speakers) > 0 {
		v.speakers = make(map[string]struct{}, len(speakers))
		for _, s := range speakers {
			v.speakers[s] = struct{}{}
		}
	}
	return v
}

// Parse decodes and validates one inbound text frame. Malformed payloads
// return *ProtocolError, unusable fields return *ValidationError. The
// empty-text terminator is returned without further validation.
func (v *Validator) Parse(data []byte) (SynthesisRequest, error) {
	var raw clientRequest
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil {
		return SynthesisRequest{}, &ProtocolError{Reason: "malformed json", Err: err}
	}
	if dec.More() {
		return SynthesisRequest{}, &ProtocolError{Reason: "trailing data after request"}
	}
	if raw.Text == nil {
		return SynthesisRequest{}, &ProtocolError{Reason: "missing text"}
	}
	if *raw.Text == "" {
		return SynthesisRequest{}, nil
	}

	speaker, err := decodeSpeaker(raw.Speaker)
	if err != nil {
		return SynthesisRequest{}, err
	}
	if speaker == "" {
		speaker = v.defaultSpeaker
	}
	if v.speakers != nil {
		if _, ok := v.speakers[speaker]; !ok {
			return SynthesisRequest{}, invalid("speaker", wrapf(ErrUnknownSpeaker, speaker))
		}
	}

	tag := raw.Language
	if strings.TrimSpace(tag) == "" {
		tag = v.defaultLanguage
	}
	lang, err := ParseLanguage(tag)
	if err != nil {
		return SynthesisRequest{}, invalid("language", err)
	}

	speed := 1.0
	if raw.Speed != nil {
		speed = *raw.Speed
	}
	if speed <= 0 {
		return SynthesisRequest{}, invalid("speed", ErrInvalidSpeed)
	}

	if raw.Voice != "" && v.hasVoice != nil && !v.hasVoice(raw.Voice) {
		return SynthesisRequest{}, invalid("voice", wrapf(ErrUnknownVoice, raw.Voice))
	}

	return SynthesisRequest{
		Text:     *raw.Text,
		Speaker:  speaker,
		Language: lang,
		Speed:    speed,
		Voice:    raw.Voice,
	}, nil
}

// decodeSpeaker accepts either a JSON string or a bare numeric identifier.
func decodeSpeaker(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", &ProtocolError{Reason: "malformed speaker", Err: err}
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return "", &ProtocolError{Reason: "speaker must be a string or number", Err: err}
	}
	return n.String(), nil
}
