package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ayahlabs/tilawa-core/internal/config"
	"github.com/ayahlabs/tilawa-core/internal/segment"
)

// State is the controller lifecycle. Recording re-enters Recording only in
// continuous mode, after a successful emission.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopped
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Controller owns the hardware recording lifecycle and emits bounded audio
// segments. A single internal timer drives emission; in single-shot mode
// it fires once and leaves the hardware idle, in continuous mode each
// emission immediately starts the next recording.
//
// The state field, guarded by mu, is the single source of truth: every
// timer fire and every Stop call checks it before touching the hardware,
// which is what makes concurrent Stop calls and stale timer fires safe.
type Controller struct {
	cfg      config.CaptureConfig
	recorder Recorder
	store    *segment.Store
	logger   *slog.Logger

	mu         sync.Mutex
	state      State
	intervalMS int
	continuous bool
	onSegment  func(segment.Segment)
	onError    func(error)
	timer      *time.Timer
	epoch      int
	seq        int
	offsetMS   int
}

func NewController(cfg config.CaptureConfig, recorder Recorder, store *segment.Store, logger *slog.Logger) *Controller {
	return &Controller{
		cfg:        cfg,
		recorder:   recorder,
		store:      store,
		logger:     logger.With(slog.String("component", "capture-controller")),
		state:      StateIdle,
		intervalMS: cfg.IntervalMS,
		continuous: cfg.Continuous,
	}
}

// Configure sets the emission interval, mode and callbacks. It must be
// called before Start; calling it while recording leaves the active
// configuration untouched and reports ErrAlreadyRecording. onError may be
// nil, in which case emission-time failures are only logged.
func (c *Controller) Configure(intervalMS int, continuous bool, onSegment func(segment.Segment), onError func(error)) error {
	if intervalMS <= 0 {
		return fmt.Errorf("%w: interval %dms", ErrConfiguration, intervalMS)
	}
	if onSegment == nil {
		return fmt.Errorf("%w: nil segment callback", ErrConfiguration)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRecording {
		return ErrAlreadyRecording
	}
	c.intervalMS = intervalMS
	c.continuous = continuous
	c.onSegment = onSegment
	c.onError = onError
	return nil
}

// Start begins hardware recording and arms the emission timer.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRecording {
		return ErrAlreadyRecording
	}
	if c.onSegment == nil {
		return fmt.Errorf("%w: Configure must be called before Start", ErrConfiguration)
	}

	if err := c.recorder.Start(); err != nil {
		c.state = StateErrored
		return err
	}

	c.state = StateRecording
	c.seq = 0
	c.offsetMS = 0
	c.armTimerLocked()
	c.logger.Info("capture started",
		slog.Int("interval_ms", c.intervalMS),
		slog.Bool("continuous", c.continuous))
	return nil
}

// armTimerLocked bumps the epoch and schedules the next emission. Must be
// called with mu held. The epoch check in onTimer discards fires that were
// already in flight when a Stop or re-arm happened.
func (c *Controller) armTimerLocked() {
	c.epoch++
	epoch := c.epoch
	c.timer = time.AfterFunc(time.Duration(c.intervalMS)*time.Millisecond, func() {
		c.onTimer(epoch)
	})
}

func (c *Controller) onTimer(epoch int) {
	c.mu.Lock()
	if c.state != StateRecording || epoch != c.epoch {
		c.mu.Unlock()
		return
	}

	pcm, err := c.recorder.Stop()
	if err != nil {
		c.state = StateErrored
		c.mu.Unlock()
		c.reportError(fmt.Errorf("hardware stop failed: %w", err))
		return
	}

	seg, emitErr := c.packageLocked(pcm)

	var restartErr error
	if c.continuous {
		if err := c.recorder.Start(); err != nil {
			c.state = StateErrored
			restartErr = fmt.Errorf("hardware restart failed: %w", err)
		} else {
			c.armTimerLocked()
		}
	} else {
		c.state = StateStopped
	}
	onSegment := c.onSegment
	c.mu.Unlock()

	if emitErr != nil {
		c.reportError(emitErr)
	} else if seg != nil {
		onSegment(*seg)
	}
	if restartErr != nil {
		c.reportError(restartErr)
	}
}

// packageLocked turns harvested PCM into a stored segment, enforcing the
// duration bounds. Returns (nil, nil) for empty captures. Must be called
// with mu held.
func (c *Controller) packageLocked(pcm []byte) (*segment.Segment, error) {
	if len(pcm) == 0 {
		return nil, nil
	}
	durationMS := pcmDurationMS(len(pcm), c.cfg.SampleRate, c.cfg.Channels)
	offset := c.offsetMS
	c.offsetMS += durationMS

	if c.cfg.MinSegmentMS > 0 && durationMS < c.cfg.MinSegmentMS {
		return nil, fmt.Errorf("%w: %dms < min %dms", ErrDurationOutOfBounds, durationMS, c.cfg.MinSegmentMS)
	}
	if c.cfg.MaxSegmentMS > 0 && durationMS > c.cfg.MaxSegmentMS {
		return nil, fmt.Errorf("%w: %dms > max %dms", ErrDurationOutOfBounds, durationMS, c.cfg.MaxSegmentMS)
	}

	seg := segment.Segment{
		ID:            segment.NewID(),
		Handle:        c.store.Put(pcm),
		DurationMS:    durationMS,
		SequenceIndex: c.seq,
		StartOffsetMS: offset,
		Format:        segment.FormatPCM16,
	}
	c.seq++
	return &seg, nil
}

// Stop halts capture and returns the in-flight segment, if any. It is safe
// to call concurrently and repeatedly: the first call that observes the
// Recording state wins, every other call returns nil without side effects.
func (c *Controller) Stop() (*segment.Segment, error) {
	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return nil, nil
	}
	c.state = StateStopped
	c.epoch++ // invalidate any timer fire already scheduled
	if c.timer != nil {
		c.timer.Stop()
	}

	pcm, err := c.recorder.Stop()
	if err != nil {
		c.state = StateErrored
		c.mu.Unlock()
		return nil, fmt.Errorf("hardware stop failed: %w", err)
	}
	seg, pkgErr := c.packageLocked(pcm)
	c.mu.Unlock()

	if pkgErr != nil {
		return nil, pkgErr
	}
	c.logger.Info("capture stopped")
	return seg, nil
}

// State reports the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) reportError(err error) {
	c.logger.Warn("capture error", slog.String("error", err.Error()))
	c.mu.Lock()
	onError := c.onError
	c.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}

func pcmDurationMS(byteLen, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := byteLen / 2 / channels
	return samples * 1000 / sampleRate
}
