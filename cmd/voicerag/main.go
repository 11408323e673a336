// Command voicerag is an interactive realtime client: it captures
// microphone audio (or reads typed text when no device is available),
// streams it to the backend, and plays the synthesized answer while
// printing the transcript and per-turn citations.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OmarNassar1127/realtime-voice-rag/internal/config"
	"github.com/OmarNassar1127/realtime-voice-rag/internal/metrics"
	"github.com/OmarNassar1127/realtime-voice-rag/pkg/audio"
	"github.com/OmarNassar1127/realtime-voice-rag/pkg/capture"
	"github.com/OmarNassar1127/realtime-voice-rag/pkg/core"
	"github.com/OmarNassar1127/realtime-voice-rag/pkg/playback"
	"github.com/OmarNassar1127/realtime-voice-rag/pkg/protocol"
	"github.com/OmarNassar1127/realtime-voice-rag/pkg/session"
)

type cliConfig struct {
	ConfigPath string
	ServerURL  string
	TextOnly   bool
}

func parseCLIConfig(args []string) (cliConfig, error) {
	cfg := cliConfig{}
	fs := flag.NewFlagSet("voicerag", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.ConfigPath, "config", "", "path to config.yaml (optional)")
	fs.StringVar(&cfg.ServerURL, "server", "", "backend websocket URL (overrides config)")
	fs.BoolVar(&cfg.TextOnly, "text", false, "skip microphone capture and type input instead")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, err
	}
	return cfg, nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "voicerag:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseCLIConfig(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return err
	}
	if cli.ServerURL != "" {
		cfg.Server.URL = cli.ServerURL
		if err := cfg.Server.Validate(); err != nil {
			return err
		}
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
		go serveMetrics(cfg.Metrics.Address, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, sinkErr := playback.NewOtoSink(cfg.Audio.SampleRate, cfg.Audio.Channels)
	if sinkErr != nil {
		logger.Warn("audio output unavailable, responses will be text only", "error", sinkErr)
		sink = nil
	}
	var queue *playback.Queue
	if sink != nil {
		queue = playback.NewQueue(sink, logger, m)
	} else {
		queue = playback.NewQueue(discardSink{}, logger, m)
	}
	defer queue.Close()

	sessionConfig := protocol.SessionConfig{
		Modalities: []string{protocol.ModalityText, protocol.ModalityAudio},
		InputAudioFormat: protocol.AudioFormat{
			Encoding:     protocol.EncodingPCM16,
			SampleRateHz: cfg.Audio.SampleRate,
			Channels:     cfg.Audio.Channels,
		},
		OutputAudioFormat: protocol.AudioFormat{
			Encoding:     cfg.Audio.OutputEncoding,
			SampleRateHz: cfg.Audio.SampleRate,
			Channels:     cfg.Audio.Channels,
		},
		AudioTransport: cfg.Audio.Transport,
	}
	if err := protocol.ValidateSessionConfig(sessionConfig); err != nil {
		return err
	}

	transport := session.NewTransport(cfg.Server.URL, session.ReconnectPolicy{
		Base:        cfg.Reconnect.Base(),
		Cap:         cfg.Reconnect.Cap(),
		MaxAttempts: cfg.Reconnect.MaxAttempts,
	}, logger, m)

	turnDone := make(chan struct{}, 1)
	observer := session.Observer{
		OnPhaseChange: func(p session.Phase) {
			if p == session.PhaseReady {
				select {
				case turnDone <- struct{}{}:
				default:
				}
			}
		},
		OnTranscript: func(fragment, _ string) {
			fmt.Print(fragment)
		},
		OnCitations: func(citations []protocol.Citation) {
			if len(citations) == 0 {
				return
			}
			fmt.Println()
			for i, c := range citations {
				fmt.Printf("  [%d] %s (%.2f) %s\n", i+1, c.Source, c.Score, c.Text)
			}
		},
		OnError: func(err error) {
			fmt.Fprintln(os.Stderr)
			fmt.Fprintln(os.Stderr, "error:", err)
		},
	}

	controller := session.NewController(transport, queue, session.ControllerConfig{
		Session:            sessionConfig,
		NegotiationTimeout: cfg.Timeouts.NegotiationTimeout(),
		TurnTimeout:        cfg.Timeouts.TurnTimeout(),
	}, observer, logger, m)

	if err := controller.Start(ctx); err != nil {
		return err
	}
	defer controller.Close()

	if err := waitReady(ctx, controller); err != nil {
		return err
	}
	fmt.Println("connected, session", controller.SessionID())

	// Voice unless the flag or the hardware says otherwise.
	if !cli.TextOnly {
		mic, micErr := capture.NewMicSource(cfg.Audio.SampleRate, cfg.Audio.Channels)
		if micErr == nil {
			return voiceLoop(ctx, cfg, controller, mic, logger, m, turnDone)
		}
		if !core.IsDeviceUnavailable(micErr) {
			return micErr
		}
		logger.Warn("no capture device, falling back to typed input", "error", micErr)
	}
	return textLoop(ctx, controller, turnDone)
}

func waitReady(ctx context.Context, controller *session.Controller) error {
	deadline := time.After(30 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch controller.Phase() {
		case session.PhaseReady:
			return nil
		case session.PhaseClosed:
			return core.NewConnectivityError("session closed before becoming ready", nil)
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return core.NewConnectivityError("timed out waiting for session", nil)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// voiceLoop records one utterance per <Enter>: press once to start
// recording, again to commit the turn.
func voiceLoop(ctx context.Context, cfg *config.Config, controller *session.Controller, mic *capture.MicSource, logger *slog.Logger, m *metrics.Metrics, turnDone chan struct{}) error {
	codec := audio.NewCodec(audio.CodecConfig{NormalizeBlocks: cfg.Audio.NormalizeBlocks})
	pipeline := capture.NewPipeline(mic, controller, codec, capture.Config{
		BlockSize:     cfg.Audio.BlockSize,
		FlushBlocks:   cfg.Audio.FlushBlocks,
		FlushInterval: cfg.Audio.FlushInterval(),
		DumpDir:       cfg.Audio.DumpDir,
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      cfg.Audio.Channels,
	}, logger, m)
	defer pipeline.Close()

	go func() {
		for err := range pipeline.Errors() {
			fmt.Fprintln(os.Stderr, "capture:", err)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("press Enter to record, Enter again to send, Ctrl-C to quit")
	for {
		if !scanner.Scan() {
			return scanner.Err()
		}
		if err := pipeline.Start(); err != nil {
			return err
		}
		fmt.Println("recording... press Enter to send")
		if !scanner.Scan() {
			_ = pipeline.Stop()
			return scanner.Err()
		}
		drainTurnDone(turnDone)
		if err := pipeline.Stop(); err != nil {
			return err
		}
		if err := awaitTurn(ctx, turnDone); err != nil {
			return err
		}
		fmt.Println()
	}
}

// textLoop is the fallback path: each typed line becomes one turn.
func textLoop(ctx context.Context, controller *session.Controller, turnDone chan struct{}) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("type a question and press Enter, Ctrl-C to quit")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		drainTurnDone(turnDone)
		if err := controller.SubmitText(text); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			continue
		}
		if err := awaitTurn(ctx, turnDone); err != nil {
			return err
		}
		fmt.Println()
	}
}

// drainTurnDone discards stale ready signals from connects and prior
// turns so awaitTurn only sees this turn's completion.
func drainTurnDone(turnDone chan struct{}) {
	for {
		select {
		case <-turnDone:
		default:
			return
		}
	}
}

func awaitTurn(ctx context.Context, turnDone chan struct{}) error {
	select {
	case <-turnDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func serveMetrics(address string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listening", "address", address)
	if err := http.ListenAndServe(address, mux); err != nil {
		logger.Error("metrics listener failed", "error", err)
	}
}

// discardSink drops audio when no output device is available; transcripts
// still stream to stdout.
type discardSink struct{}

func (discardSink) Play(ctx context.Context, pcm []byte) error { return nil }
func (discardSink) Close() error                               { return nil }
