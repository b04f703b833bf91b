// tilawa-rec runs one recognition pass without the daemon: audio comes
// from a WAV file or a short live capture, and the result is printed as
// JSON on stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ayahlabs/tilawa-core/internal/audiofile"
	"github.com/ayahlabs/tilawa-core/internal/capture"
	"github.com/ayahlabs/tilawa-core/internal/config"
	"github.com/ayahlabs/tilawa-core/internal/protocol"
	"github.com/ayahlabs/tilawa-core/internal/runtime"
	"github.com/ayahlabs/tilawa-core/internal/segment"
	"github.com/ayahlabs/tilawa-core/internal/session"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		wavPath     string
		listen      time.Duration
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults apply when empty)")
	flag.StringVar(&wavPath, "file", "", "Recognize a WAV file instead of listening")
	flag.DurationVar(&listen, "listen", 4*time.Second, "How long to listen when no file is given")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			fatal(logger, "failed to load config", err)
		}
		cfg = loaded
	}

	engine, err := runtime.BuildEngine(cfg, logger)
	if err != nil {
		fatal(logger, "failed to build matching engine", err)
	}

	var (
		pcm        []byte
		sampleRate int
		channels   int
		extender   session.Extender
	)
	if wavPath != "" {
		pcm, sampleRate, channels, err = audiofile.DecodePCM16(wavPath)
		if err != nil {
			fatal(logger, "failed to read audio file", err)
		}
	} else {
		recorder, err := newRecorder(cfg.Capture)
		if err != nil {
			fatal(logger, "failed to open recorder", err)
		}
		defer recorder.Close()

		sampleRate = cfg.Capture.SampleRate
		channels = cfg.Capture.Channels
		pcm, err = record(recorder, listen)
		if err != nil {
			fatal(logger, "capture failed", err)
		}
		extender = session.ExtendFunc(func(_ context.Context, _, maxMS int) ([]byte, error) {
			return record(recorder, time.Duration(maxMS)*time.Millisecond)
		})
	}

	if len(pcm) == 0 {
		fatal(logger, "no audio captured", nil)
	}

	store := segment.NewStore()
	sched := session.NewScheduler(cfg.Recognition, engine, store, nil, extender, sampleRate, channels, logger)
	sched.SetRequestTimeout(time.Duration(cfg.Classifier.TimeoutMS) * time.Millisecond)

	outcomes := make(chan session.Outcome, 1)
	sessionID := sched.StartSession(func(o session.Outcome) { outcomes <- o }, nil)

	durationMS := len(pcm) / 2 / channels * 1000 / sampleRate
	sched.Submit(segment.Segment{
		ID:         segment.NewID(),
		Handle:     store.Put(pcm),
		DurationMS: durationMS,
		Format:     segment.FormatPCM16,
	})
	sched.Wait()

	var msg protocol.OutcomeMessage
	select {
	case out := <-outcomes:
		msg = toMessage(sessionID, out)
	default:
		// Below-threshold match or no candidates: report the best partial.
		msg = protocol.OutcomeMessage{
			SessionID: sessionID,
			Kind:      protocol.OutcomeFailed,
			Reason:    "no confident match",
			Timestamp: time.Now().UTC(),
		}
		if best, ok := sched.BestPartial(); ok {
			loc := best.Location
			msg.Kind = protocol.OutcomeNeedsUserSelection
			msg.Location = &loc
			msg.Confidence = best.Combined
			msg.Reason = "best match below confidence threshold"
		}
		sched.EndSession()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(msg); err != nil {
		fatal(logger, "failed to encode result", err)
	}
	if msg.Kind == protocol.OutcomeFailed {
		os.Exit(1)
	}
}

func newRecorder(cfg config.CaptureConfig) (capture.Recorder, error) {
	if cfg.Backend == "portaudio" {
		return capture.NewPortaudioRecorder(cfg.SampleRate, cfg.Channels)
	}
	return capture.NewMockRecorder(), nil
}

func record(recorder capture.Recorder, d time.Duration) ([]byte, error) {
	if err := recorder.Start(); err != nil {
		return nil, err
	}
	time.Sleep(d)
	return recorder.Stop()
}

func toMessage(sessionID string, out session.Outcome) protocol.OutcomeMessage {
	msg := protocol.OutcomeMessage{
		SessionID:  sessionID,
		Kind:       out.Kind.String(),
		Confidence: out.Confidence,
		Candidates: out.Candidates,
		Reason:     out.Reason,
		Timestamp:  time.Now().UTC(),
	}
	if out.Kind == session.OutcomeResolved {
		loc := out.Location
		msg.Location = &loc
	}
	return msg
}

func fatal(logger *slog.Logger, msg string, err error) {
	if err != nil {
		logger.Error(msg, slog.String("error", err.Error()))
	} else {
		logger.Error(msg)
	}
	os.Exit(1)
}
