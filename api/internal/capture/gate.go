package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tragatelo/api/internal/apperrors"
	"tragatelo/api/internal/logger"
)

// Readiness is the camera session state driven by the gate.
type Readiness int

const (
	Initializing Readiness = iota
	MetadataLoaded
	CanPlay
	Ready
	Failed
)

func (r Readiness) String() string {
	switch r {
	case Initializing:
		return "initializing"
	case MetadataLoaded:
		return "metadata_loaded"
	case CanPlay:
		return "can_play"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("readiness(%d)", int(r))
}

type observation struct {
	width, height int
	readyState    ReadyState
	currentTime   time.Duration
	verified      bool
}

func (o observation) hasDimensions() bool { return o.width > 0 && o.height > 0 }

// Some engines (iOS Safari) report readyState early but keep the clock at zero,
// others the reverse; either one is enough.
func (o observation) hasData() bool {
	return o.readyState >= HaveCurrentData || o.currentTime > 0
}

// advance is the only place readiness transitions are decided. Failed is terminal.
func advance(cur Readiness, o observation) Readiness {
	if cur == Failed {
		return Failed
	}
	switch {
	case o.hasDimensions() && o.hasData() && o.verified:
		return Ready
	case o.readyState >= HaveFutureData:
		return CanPlay
	case o.readyState >= HaveMetadata || o.hasDimensions():
		return MetadataLoaded
	default:
		return Initializing
	}
}

type GateConfig struct {
	// Budget is the hard ceiling for Wait.
	Budget       time.Duration
	PollInterval time.Duration
	// PlaySchedule holds offsets from the start of Wait at which Play is re-invoked.
	PlaySchedule []time.Duration
	// ScratchWidth bounds the verification draw.
	ScratchWidth int
	// MinScratchBytes is how much larger than a blank frame of the same size
	// the scratch draw must encode to.
	MinScratchBytes int
}

func DefaultGateConfig() GateConfig {
	return GateConfig{
		Budget:          5 * time.Second,
		PollInterval:    50 * time.Millisecond,
		PlaySchedule:    []time.Duration{0, 250 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second},
		ScratchWidth:    64,
		MinScratchBytes: 32,
	}
}

// Gate decides when a frame can be drawn from the sink without coming out blank.
type Gate struct {
	sink VideoSink
	cfg  GateConfig

	mu       sync.Mutex
	state    Readiness
	onChange func(from, to Readiness)
	// encoded size of an all-zero frame, per scratch size
	blank map[image.Point]int
}

func NewGate(sink VideoSink, cfg GateConfig) *Gate {
	def := DefaultGateConfig()
	if cfg.Budget <= 0 {
		cfg.Budget = def.Budget
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.PlaySchedule == nil {
		cfg.PlaySchedule = def.PlaySchedule
	}
	if cfg.ScratchWidth <= 0 {
		cfg.ScratchWidth = def.ScratchWidth
	}
	if cfg.MinScratchBytes <= 0 {
		cfg.MinScratchBytes = def.MinScratchBytes
	}
	return &Gate{sink: sink, cfg: cfg, blank: map[image.Point]int{}}
}

// OnChange registers a transition observer; it runs outside the gate lock.
func (g *Gate) OnChange(fn func(from, to Readiness)) {
	g.mu.Lock()
	g.onChange = fn
	g.mu.Unlock()
}

func (g *Gate) State() Readiness {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Check observes the sink once and applies the transition.
func (g *Gate) Check() Readiness {
	if g.State() == Failed {
		return Failed
	}
	return g.transition(g.observe())
}

func (g *Gate) transition(o observation) Readiness {
	g.mu.Lock()
	prev := g.state
	next := advance(prev, o)
	g.state = next
	fn := g.onChange
	g.mu.Unlock()

	if next != prev && fn != nil {
		fn(prev, next)
	}
	return next
}

func (g *Gate) fail() {
	g.mu.Lock()
	prev := g.state
	g.state = Failed
	fn := g.onChange
	g.mu.Unlock()

	if prev != Failed && fn != nil {
		fn(prev, Failed)
	}
}

// Wait blocks until Ready, the budget runs out (CameraTimeout, state Failed) or ctx
// ends. Media listeners only wake the poll loop and are all removed before returning.
func (g *Gate) Wait(ctx context.Context) error {
	if g.State() == Failed {
		return apperrors.NewCameraTimeout("camera previously failed to become ready")
	}

	wake := make(chan struct{}, 1)
	nudge := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
	removers := make([]func(), 0, len(gateEvents))
	for _, ev := range gateEvents {
		removers = append(removers, g.sink.AddListener(ev, nudge))
	}
	defer func() {
		for _, rm := range removers {
			if rm != nil {
				rm()
			}
		}
	}()

	start := time.Now()
	budget := time.NewTimer(g.cfg.Budget)
	defer budget.Stop()
	poll := time.NewTicker(g.cfg.PollInterval)
	defer poll.Stop()

	plays := 0
	for {
		elapsed := time.Since(start)
		for plays < len(g.cfg.PlaySchedule) && elapsed >= g.cfg.PlaySchedule[plays] {
			if err := g.sink.Play(ctx); err != nil {
				logger.WithError(err).WithField("attempt", plays+1).Debug("video play rejected")
			}
			plays++
		}

		if g.Check() == Ready {
			logger.WithFields(logrus.Fields{
				"waited_ms": time.Since(start).Milliseconds(),
				"width":     g.sink.VideoWidth(),
				"height":    g.sink.VideoHeight(),
			}).Debug("camera ready")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-budget.C:
			g.fail()
			return apperrors.NewCameraTimeout(fmt.Sprintf("camera not ready after %s", g.cfg.Budget))
		case <-poll.C:
		case <-wake:
		}
	}
}

func (g *Gate) observe() observation {
	o := observation{
		width:       g.sink.VideoWidth(),
		height:      g.sink.VideoHeight(),
		readyState:  g.sink.ReadyState(),
		currentTime: g.sink.CurrentTime(),
	}
	if o.hasDimensions() && o.hasData() {
		o.verified = g.verify(o.width, o.height)
	}
	return o
}

// verify does a throwaway low-resolution draw; a draw error means "not yet".
func (g *Gate) verify(width, height int) bool {
	w := g.cfg.ScratchWidth
	if width < w {
		w = width
	}
	h := height * w / width
	if h < 1 {
		h = 1
	}

	frame, err := g.sink.DrawFrame(w, h)
	if err != nil {
		logger.WithError(err).Debug("scratch draw failed")
		return false
	}
	if frame == nil || frame.Bounds().Empty() {
		return false
	}
	n, err := scratchSize(frame)
	if err != nil {
		return false
	}
	base, err := g.blankSize(frame.Bounds().Size())
	if err != nil {
		return false
	}
	// browsers hand back a black or transparent canvas until the video decodes
	return n >= base+g.cfg.MinScratchBytes
}

func (g *Gate) blankSize(size image.Point) (int, error) {
	g.mu.Lock()
	n, ok := g.blank[size]
	g.mu.Unlock()
	if ok {
		return n, nil
	}
	n, err := scratchSize(image.NewRGBA(image.Rectangle{Max: size}))
	if err != nil {
		return 0, err
	}
	g.mu.Lock()
	g.blank[size] = n
	g.mu.Unlock()
	return n, nil
}

func scratchSize(img image.Image) (int, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 50}); err != nil {
		return 0, err
	}
	return buf.Len(), nil
}
