package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ayahlabs/tilawa-core/internal/audiofile"
	"github.com/ayahlabs/tilawa-core/internal/config"
	"github.com/ayahlabs/tilawa-core/internal/quran"
	"github.com/mattn/go-shellwords"
)

// execSource shells out to an external classifier. The command receives a
// WAV file path and prints a JSON candidate array on stdout.
type execSource struct {
	cmd []string
	cfg config.ClassifierConfig
	mu  sync.Mutex
}

type execCandidate struct {
	Surah         int     `json:"surah"`
	Ayah          int     `json:"ayah"`
	Score         float64 `json:"score"`
	KnownRepeated bool    `json:"known_repeated"`
}

func NewExecSource(cfg config.ClassifierConfig) (Source, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse classifier command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("classifier command is empty")
	}
	return &execSource{cmd: args, cfg: cfg}, nil
}

func (s *execSource) Classify(ctx context.Context, pcm []byte, sampleRate, channels int) ([]Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	path, err := audiofile.WriteTemp("tilawa_classify", pcm, sampleRate, channels)
	if err != nil {
		return nil, err
	}
	defer os.Remove(path)

	args := append([]string{}, s.cmd...)
	base := args[0]
	cmdArgs := append(args[1:], "--audio", path)
	if s.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", s.cfg.ModelPath)
	}
	cmdArgs = append(cmdArgs, "--top-k", fmt.Sprint(s.cfg.TopK))

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrUnavailable, err, stderr.String())
	}

	var raw []execCandidate
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		return nil, fmt.Errorf("decode classifier response: %w", err)
	}
	cands := make([]Candidate, 0, len(raw))
	for _, c := range raw {
		cands = append(cands, Candidate{
			Location:      quran.Location{Surah: c.Surah, Ayah: c.Ayah},
			RawScore:      c.Score,
			KnownRepeated: c.KnownRepeated,
		})
	}
	return Normalize(cands, s.cfg.TopK)
}
