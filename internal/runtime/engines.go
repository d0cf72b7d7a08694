package runtime

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

// engines holds the process-wide synthesis and conversion engines. They are
// built once before the endpoint accepts connections and shared by every
// session.
type engines struct {
	synth   tts.Synthesizer
	conv    tts.Converter
	closers []io.Closer
}

func (e *engines) Close() {
	for _, c := range e.closers {
		_ = c.Close()
	}
}

func buildEngines(cfg config.Config, busClient *bus.Client, logger *slog.Logger) (*engines, error) {
	opts := tts.SynthOptions{
		SampleRate:  cfg.Synthesis.SampleRate,
		NoiseScale:  cfg.Synthesis.NoiseScale,
		NoiseScaleW: cfg.Synthesis.NoiseScaleW,
	}
	e := &engines{}

	var (
		mock   *tts.MockEngine
		remote *tts.NATSEngine
		execs  = map[string]*tts.ExecEngine{}
	)
	mockEngine := func() *tts.MockEngine {
		if mock == nil {
			mock = tts.NewMockEngine(cfg.Synthesis.SampleRate)
		}
		return mock
	}
	natsEngine := func() (*tts.NATSEngine, error) {
		if busClient == nil {
			return nil, fmt.Errorf("nats engine mode requires the bus")
		}
		if remote == nil {
			remote = tts.NewNATSEngine(busClient, cfg.Synthesis.Subject, cfg.Conversion.Subject, opts)
		}
		return remote, nil
	}
	// One worker process serves both stages when they share a command.
	execEngine := func(command string) (*tts.ExecEngine, error) {
		if ee, ok := execs[command]; ok {
			return ee, nil
		}
		ee, err := tts.NewExecEngine(command, opts, logger)
		if err != nil {
			return nil, err
		}
		execs[command] = ee
		e.closers = append(e.closers, ee)
		return ee, nil
	}

	var synth tts.Synthesizer
	switch cfg.Synthesis.Mode {
	case "mock":
		synth = mockEngine()
	case "exec":
		ee, err := execEngine(cfg.Synthesis.Command)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("synthesis engine: %w", err)
		}
		synth = ee
	case "nats":
		ne, err := natsEngine()
		if err != nil {
			return nil, fmt.Errorf("synthesis engine: %w", err)
		}
		synth = ne
	default:
		return nil, fmt.Errorf("unknown synthesis mode %q", cfg.Synthesis.Mode)
	}

	var conv tts.Converter
	switch cfg.Conversion.Mode {
	case "mock":
		conv = mockEngine()
	case "exec":
		ee, err := execEngine(cfg.Conversion.Command)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("conversion engine: %w", err)
		}
		conv = ee
	case "nats":
		ne, err := natsEngine()
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("conversion engine: %w", err)
		}
		conv = ne
	default:
		e.Close()
		return nil, fmt.Errorf("unknown conversion mode %q", cfg.Conversion.Mode)
	}

	e.synth = tts.Limit(synth, cfg.Synthesis.Workers, time.Duration(cfg.Synthesis.Timeout)*time.Millisecond)
	e.conv = tts.LimitConverter(conv, cfg.Conversion.Workers, time.Duration(cfg.Conversion.Timeout)*time.Millisecond)

	logger.Info("engines ready",
		slog.String("synthesis", cfg.Synthesis.Mode),
		slog.Int("synthesis_workers", cfg.Synthesis.Workers),
		slog.String("conversion", cfg.Conversion.Mode),
		slog.Int("conversion_workers", cfg.Conversion.Workers))
	return e, nil
}
