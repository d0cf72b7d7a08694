package tts

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/go-audio/wav"
)

// decodeWAV unwraps an integer RIFF/WAVE payload into interleaved float32
// little-endian samples in [-1, 1), the layout MockEngine emits.
func decodeWAV(data []byte) ([]byte, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid wav payload")
	}
	depth := int(dec.BitDepth)
	if depth != 16 && depth != 24 && depth != 32 {
		return nil, 0, fmt.Errorf("unsupported wav bit depth %d", depth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	scale := float64(int64(1) << (depth - 1))
	out := make([]byte, 0, len(buf.Data)*4)
	for _, s := range buf.Data {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(float32(float64(s)/scale)))
	}
	return out, int(dec.SampleRate), nil
}
