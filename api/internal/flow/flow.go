// Package flow runs one capture flow: acquire an image from the camera or an
// uploaded file, encode it, analyze it and hand the result to a presenter.
package flow

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tragatelo/api/internal/analysis"
	"tragatelo/api/internal/apperrors"
	"tragatelo/api/internal/capture"
	"tragatelo/api/internal/encode"
	"tragatelo/api/internal/logger"
)

var (
	ErrBusy           = errors.New("a capture request is already in flight")
	ErrStale          = errors.New("flow moved on; result discarded")
	ErrClosed         = errors.New("flow closed")
	ErrNothingToRetry = errors.New("no previous image to analyze again")
)

// Presenter receives exactly one Present or Fail per completed request.
// Results of cancelled requests are never delivered.
type Presenter interface {
	Present(out analysis.Outcome)
	Fail(err error)
}

// StageObserver is optionally implemented by presenters that show progress.
type StageObserver interface {
	Stage(s Stage)
}

type Stage string

const (
	StageStartingCamera Stage = "starting_camera"
	StageWaitingCamera  Stage = "waiting_camera"
	StageCapturing      Stage = "capturing"
	StageEncoding       Stage = "encoding"
	StageAnalyzing      Stage = "analyzing"
)

// Analyzer is satisfied by *analysis.Client.
type Analyzer interface {
	Analyze(ctx context.Context, img encode.EncodedImage, mode analysis.Mode) (analysis.Outcome, error)
}

type Config struct {
	// Device may be nil; the upload path does not need it.
	Device    capture.Device
	Session   capture.SessionConfig
	Encoder   *encode.Encoder
	Analyzer  Analyzer
	Presenter Presenter
	Mode      analysis.Mode
}

type Flow struct {
	ID string

	device    capture.Device
	sessCfg   capture.SessionConfig
	encoder   *encode.Encoder
	analyzer  Analyzer
	presenter Presenter

	mu       sync.Mutex
	mode     analysis.Mode
	session  *capture.Session
	busy     bool
	gen      uint64
	opCancel context.CancelFunc
	last     encode.EncodedImage
	closed   bool
}

func New(cfg Config) *Flow {
	mode := cfg.Mode
	if mode == "" {
		mode = analysis.ModeBarcode
	}
	enc := cfg.Encoder
	if enc == nil {
		enc = encode.NewEncoder(encode.DefaultMaxBytes, encode.DefaultMinPayloadLen)
	}
	sess := cfg.Session
	if sess.Constraints == (capture.Constraints{}) {
		sess.Constraints = capture.DefaultConstraints()
	}
	return &Flow{
		ID:        uuid.NewString(),
		device:    cfg.Device,
		sessCfg:   sess,
		encoder:   enc,
		analyzer:  cfg.Analyzer,
		presenter: cfg.Presenter,
		mode:      mode,
	}
}

func (f *Flow) Mode() analysis.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

// SetMode switches the analysis intent; refused while a request is in flight.
func (f *Flow) SetMode(m analysis.Mode) error {
	m, err := analysis.ParseMode(string(m))
	if err != nil {
		return apperrors.NewInvalidInput("unknown analysis mode", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.busy {
		return ErrBusy
	}
	f.mode = m
	return nil
}

// Busy reports whether a request is in flight.
func (f *Flow) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

// CanRetry reports whether there is an encoded image to analyze again.
func (f *Flow) CanRetry() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.last.IsZero()
}

// HasCamera reports whether a camera session is currently held.
func (f *Flow) HasCamera() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session != nil
}

// StartCamera acquires the camera and waits until a frame can be drawn.
// Failures are presented and carry the file-upload fallback hint.
func (f *Flow) StartCamera(ctx context.Context) error {
	op, err := f.begin(ctx)
	if err != nil {
		return err
	}
	s, err := f.readySession(op)
	if err != nil {
		f.dropSession(s)
		return f.fail(op, err)
	}
	f.release(op)
	return nil
}

// Capture takes a frame from the camera (opening it if needed), releases the
// camera, then encodes and analyzes the frame.
func (f *Flow) Capture(ctx context.Context) (analysis.Outcome, error) {
	op, err := f.begin(ctx)
	if err != nil {
		return analysis.Outcome{}, err
	}

	f.forget(op)
	s, err := f.readySession(op)
	if err != nil {
		f.dropSession(s)
		return analysis.Outcome{}, f.fail(op, err)
	}

	f.stage(StageCapturing)
	frame, err := s.Capture(op.ctx)
	f.dropSession(s)
	if err != nil {
		return analysis.Outcome{}, f.fail(op, err)
	}

	f.stage(StageEncoding)
	img, err := f.encoder.FromFrame(frame)
	if err != nil {
		return analysis.Outcome{}, f.fail(op, err)
	}
	return f.analyze(op, img)
}

// Upload runs the file path. It never touches the camera device.
func (f *Flow) Upload(ctx context.Context, file encode.File) (analysis.Outcome, error) {
	op, err := f.begin(ctx)
	if err != nil {
		return analysis.Outcome{}, err
	}
	// a live preview is pointless once the user picked a file
	f.mu.Lock()
	s := f.session
	f.mu.Unlock()
	f.dropSession(s)
	f.forget(op)

	f.stage(StageEncoding)
	img, err := f.encoder.FromFile(op.ctx, file)
	if err != nil {
		return analysis.Outcome{}, f.fail(op, err)
	}
	return f.analyze(op, img)
}

// Retry analyzes the last encoded image again, in the current mode.
func (f *Flow) Retry(ctx context.Context) (analysis.Outcome, error) {
	f.mu.Lock()
	last := f.last
	f.mu.Unlock()
	if last.IsZero() {
		return analysis.Outcome{}, ErrNothingToRetry
	}

	op, err := f.begin(ctx)
	if err != nil {
		return analysis.Outcome{}, err
	}
	return f.analyze(op, last)
}

// Cancel releases the camera immediately and discards whatever is in flight.
func (f *Flow) Cancel() {
	f.mu.Lock()
	s := f.session
	f.session = nil
	cancel := f.opCancel
	f.opCancel = nil
	f.gen++
	f.busy = false
	f.mu.Unlock()

	if s != nil {
		s.Close()
	}
	if cancel != nil {
		cancel()
	}
	logger.WithField("flow", f.ID).Debug("capture flow cancelled")
}

// Close cancels and refuses further requests. Safe to call more than once.
func (f *Flow) Close() {
	f.Cancel()
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

type op struct {
	gen uint64
	ctx context.Context
}

func (f *Flow) begin(ctx context.Context) (op, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return op{}, ErrClosed
	}
	if f.busy {
		return op{}, ErrBusy
	}
	f.busy = true
	f.gen++
	ctx, cancel := context.WithCancel(ctx)
	f.opCancel = cancel
	return op{gen: f.gen, ctx: ctx}, nil
}

// release ends o if it is still current and reports whether it was.
func (f *Flow) release(o op) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.gen != f.gen {
		return false
	}
	f.busy = false
	if f.opCancel != nil {
		f.opCancel()
		f.opCancel = nil
	}
	return true
}

func (f *Flow) fail(o op, err error) error {
	if !f.release(o) {
		logger.WithError(err).WithField("flow", f.ID).Debug("discarding failure of cancelled request")
		return ErrStale
	}
	logger.WithFields(logrus.Fields{
		"flow":     f.ID,
		"kind":     apperrors.KindOf(err),
		"cause":    apperrors.CauseOf(err),
		"fallback": apperrors.Fallback(err),
	}).WithError(err).Warn("capture flow failed")
	if f.presenter != nil {
		f.presenter.Fail(err)
	}
	return err
}

// readySession returns the session it waited on even when the wait fails, so
// the caller releases exactly that one.
func (f *Flow) readySession(o op) (*capture.Session, error) {
	f.mu.Lock()
	s := f.session
	f.mu.Unlock()

	if s == nil {
		f.stage(StageStartingCamera)
		opened, err := capture.Open(o.ctx, f.device, f.sessCfg)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		if o.gen != f.gen {
			f.mu.Unlock()
			opened.Close()
			return nil, ErrStale
		}
		f.session = opened
		f.mu.Unlock()
		s = opened
	}

	f.stage(StageWaitingCamera)
	if err := s.WaitReady(o.ctx); err != nil {
		return s, err
	}
	return s, nil
}

// dropSession closes s and detaches it from the flow if it is still the held
// session. A newer request's session is left alone.
func (f *Flow) dropSession(s *capture.Session) {
	if s == nil {
		return
	}
	f.mu.Lock()
	if f.session == s {
		f.session = nil
	}
	f.mu.Unlock()
	s.Close()
}

// forget drops the last image once o starts acquiring a new one.
func (f *Flow) forget(o op) {
	f.mu.Lock()
	if o.gen == f.gen {
		f.last = encode.EncodedImage{}
	}
	f.mu.Unlock()
}

func (f *Flow) analyze(o op, img encode.EncodedImage) (analysis.Outcome, error) {
	if f.analyzer == nil {
		return analysis.Outcome{}, f.fail(o, errors.New("no analyzer configured"))
	}
	f.mu.Lock()
	if o.gen != f.gen {
		f.mu.Unlock()
		return analysis.Outcome{}, f.fail(o, ErrStale)
	}
	f.last = img
	mode := f.mode
	f.mu.Unlock()

	f.stage(StageAnalyzing)
	out, err := f.analyzer.Analyze(o.ctx, img, mode)
	if err != nil {
		return analysis.Outcome{}, f.fail(o, err)
	}
	if !f.release(o) {
		logger.WithField("flow", f.ID).Debug("discarding result of cancelled request")
		return analysis.Outcome{}, ErrStale
	}
	if f.presenter != nil {
		f.presenter.Present(out)
	}
	return out, nil
}

func (f *Flow) stage(s Stage) {
	if obs, ok := f.presenter.(StageObserver); ok {
		obs.Stage(s)
	}
}
