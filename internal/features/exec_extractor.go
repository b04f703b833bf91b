package features

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ayahlabs/tilawa-core/internal/audiofile"
	"github.com/ayahlabs/tilawa-core/internal/config"
	"github.com/mattn/go-shellwords"
)

// execExtractor shells out to an external tool that prints a Boundary as
// JSON on stdout, given a WAV file path.
type execExtractor struct {
	cmd     []string
	timeout time.Duration
	mu      sync.Mutex
}

func NewExecExtractor(cfg config.FeaturesConfig) (Extractor, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse features command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("features command is empty")
	}
	return &execExtractor{cmd: args, timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}, nil
}

func (e *execExtractor) ExtractBoundary(ctx context.Context, pcm []byte, sampleRate, channels int) (Boundary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	path, err := audiofile.WriteTemp("tilawa_features", pcm, sampleRate, channels)
	if err != nil {
		return Boundary{}, err
	}
	defer os.Remove(path)

	args := append([]string{}, e.cmd...)
	command := exec.CommandContext(ctx, args[0], append(args[1:], "--audio", path)...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Boundary{}, fmt.Errorf("features command failed: %w: %s", err, stderr.String())
	}

	var boundary Boundary
	if err := json.Unmarshal(stdout.Bytes(), &boundary); err != nil {
		return Boundary{}, fmt.Errorf("decode features response: %w", err)
	}
	return boundary, nil
}
