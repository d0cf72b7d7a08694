package tts

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/mattn/go-shellwords"
)

const maxWorkerLine = 64 << 20

// ExecEngine drives a long-lived model worker process over stdin/stdout.
// Each call writes one protocol.EngineRequest as a JSON line and reads one
// protocol.EngineResponse line back. Calls are serialized; a worker that
// fails mid-call is killed and restarted on the next call.
//
// A caller that gives up does not stop the worker, which is shared by every
// session. Its reply is left pending and discarded by the next call.
type ExecEngine struct {
	args []string
	opts SynthOptions
	log  *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  *bufio.Scanner
	// pending receives the reply of an abandoned call.
	pending chan callResult
	starts  int
	closed  bool
}

func NewExecEngine(command string, opts SynthOptions, log *slog.Logger) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty")
	}
	return &ExecEngine{args: args, opts: opts, log: log.With(slog.String("component", "exec-engine"))}, nil
}

func (e *ExecEngine) Synthesize(ctx context.Context, req SynthRequest) (AudioChunk, error) {
	resp, err := e.call(ctx, protocol.EngineRequest{
		Op:          protocol.OpSynthesize,
		SessionID:   req.SessionID,
		Sequence:    req.Sequence,
		Text:        req.Language.Wrap(req.Text),
		Speaker:     req.Speaker,
		Language:    req.Language,
		Speed:       req.Speed,
		NoiseScale:  e.opts.NoiseScale,
		NoiseScaleW: e.opts.NoiseScaleW,
		SampleRate:  e.opts.SampleRate,
	})
	if err != nil {
		return AudioChunk{}, err
	}
	return chunkFromResponse(req.SessionID, req.Sequence, e.opts.SampleRate, resp)
}

func (e *ExecEngine) Convert(ctx context.Context, req ConvertRequest) (AudioChunk, error) {
	resp, err := e.call(ctx, protocol.EngineRequest{
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

// Close stops the worker process. Further calls fail.
func (e *ExecEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.stopLocked()
	return nil
}

type callResult struct {
	resp protocol.EngineResponse
	err  error
}

func (e *ExecEngine) call(ctx context.Context, req protocol.EngineRequest) (protocol.EngineResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return protocol.EngineResponse{}, err
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return protocol.EngineResponse{}, errors.New("engine closed")
	}
	if err := ctx.Err(); err != nil {
		return protocol.EngineResponse{}, err
	}
	if err := e.settleLocked(ctx); err != nil {
		return protocol.EngineResponse{}, err
	}
	if err := e.startLocked(); err != nil {
		return protocol.EngineResponse{}, err
	}

	stdin, lines := e.stdin, e.lines
	done := make(chan callResult, 1)
	go func() {
		if _, err := stdin.Write(data); err != nil {
			done <- callResult{err: fmt.Errorf("write to worker: %w", err)}
			return
		}
		done <- readResponse(lines)
	}()

	select {
	case res := <-done:
		if res.err != nil {
			e.log.Warn("engine worker failed, restarting on next call", slog.String("error", res.err.Error()))
			e.stopLocked()
			return protocol.EngineResponse{}, res.err
		}
		if res.resp.Error != "" {
			return protocol.EngineResponse{}, fmt.Errorf("engine worker: %s", res.resp.Error)
		}
		return res.resp, nil
	case <-ctx.Done():
		e.pending = done
		return protocol.EngineResponse{}, ctx.Err()
	}
}

// settleLocked waits for the reply of an abandoned call so the next
// request lines up with its own reply. A worker still busy when ctx hits
// its deadline is treated as hung and killed; plain cancellation leaves it
// pending for the next caller.
func (e *ExecEngine) settleLocked(ctx context.Context) error {
	if e.pending == nil {
		return nil
	}
	select {
	case res := <-e.pending:
		e.pending = nil
		if res.err != nil {
			e.log.Warn("engine worker failed, restarting", slog.String("error", res.err.Error()))
			e.stopLocked()
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.log.Warn("engine worker did not finish an abandoned call, restarting")
			e.stopLocked()
		}
		return ctx.Err()
	}
}

func readResponse(lines *bufio.Scanner) callResult {
	if !lines.Scan() {
		err := lines.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return callResult{err: fmt.Errorf("read from worker: %w", err)}
	}
	var resp protocol.EngineResponse
	if err := json.Unmarshal(lines.Bytes(), &resp); err != nil {
		return callResult{err: fmt.Errorf("decode worker response: %w", err)}
	}
	return callResult{resp: resp}
}

// Starts reports how many worker processes have been launched.
func (e *ExecEngine) Starts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts
}

func (e *ExecEngine) startLocked() error {
	if e.cmd != nil {
		return nil
	}
	cmd := exec.Command(e.args[0], e.args[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start engine worker: %w", err)
	}
	lines := bufio.NewScanner(stdout)
	lines.Buffer(make([]byte, 0, 64*1024), maxWorkerLine)

	e.cmd, e.stdin, e.lines = cmd, stdin, lines
	e.starts++
	e.log.Info("engine worker started", slog.Int("pid", cmd.Process.Pid), slog.String("command", e.args[0]))
	return nil
}

func (e *ExecEngine) stopLocked() {
	if e.cmd == nil {
		return
	}
	_ = e.stdin.Close()
	_ = e.cmd.Process.Kill()
	_ = e.cmd.Wait()
	if e.pending != nil {
		<-e.pending
		e.pending = nil
	}
	e.cmd, e.stdin, e.lines = nil, nil, nil
}

func chunkFromResponse(sessionID string, sequence, sampleRate int, resp protocol.EngineResponse) (AudioChunk, error) {
	pcm := resp.PCM
	if resp.SampleRate > 0 {
		sampleRate = resp.SampleRate
	}
	switch resp.Format {
	case "", protocol.FormatPCM:
	case protocol.FormatWAV:
		var err error
		pcm, sampleRate, err = decodeWAV(resp.PCM)
		if err != nil {
			return AudioChunk{}, err
		}
	default:
		return AudioChunk{}, fmt.Errorf("unsupported audio format %q", resp.Format)
	}
	return AudioChunk{
		SessionID:  sessionID,
		Sequence:   sequence,
		SampleRate: sampleRate,
		PCM:        pcm,
	}, nil
}
