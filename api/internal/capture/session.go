package capture

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tragatelo/api/internal/apperrors"
	"tragatelo/api/internal/logger"
)

type SessionConfig struct {
	Constraints Constraints
	Gate        GateConfig
	// CaptureSchedule is the wait before each capture attempt; its length is the attempt ceiling.
	CaptureSchedule []time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Constraints: DefaultConstraints(),
		Gate:        DefaultGateConfig(),
		CaptureSchedule: []time.Duration{
			0, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond,
		},
	}
}

// Session owns one acquired camera stream. Close must be called on every exit path.
type Session struct {
	ID string

	stream   MediaStream
	sink     VideoSink
	gate     *Gate
	schedule []time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// Open acquires the camera. Any failure is CameraUnavailable with the device cause.
func Open(ctx context.Context, dev Device, cfg SessionConfig) (*Session, error) {
	if dev == nil {
		return nil, apperrors.NewCameraUnavailable(apperrors.CauseNoDevice, nil)
	}
	stream, sink, err := dev.Open(ctx, cfg.Constraints)
	if err != nil {
		if stream != nil {
			stopTracks(stream)
		}
		appErr, kind := classifyOpenError(err)
		logger.WithError(err).WithField("device_error", kind).Warn("camera unavailable")
		return nil, appErr
	}
	if stream == nil || sink == nil {
		if stream != nil {
			stopTracks(stream)
		}
		return nil, apperrors.NewCameraUnavailable(apperrors.CauseUnsupported, fmt.Errorf("device returned no stream"))
	}

	schedule := cfg.CaptureSchedule
	if len(schedule) == 0 {
		schedule = DefaultSessionConfig().CaptureSchedule
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:       uuid.NewString(),
		stream:   stream,
		sink:     sink,
		gate:     NewGate(sink, cfg.Gate),
		schedule: schedule,
		ctx:      sctx,
		cancel:   cancel,
	}
	s.gate.OnChange(func(from, to Readiness) {
		logger.WithFields(logrus.Fields{"session": s.ID, "from": from.String(), "to": to.String()}).Debug("camera readiness")
	})
	return s, nil
}

func (s *Session) Readiness() Readiness { return s.gate.State() }

// WaitReady runs the readiness gate; Close interrupts it.
func (s *Session) WaitReady(ctx context.Context) error {
	ctx, cancel := s.bind(ctx)
	defer cancel()
	if err := s.gate.Wait(ctx); err != nil {
		if s.isClosed() {
			return fmt.Errorf("camera session closed: %w", context.Canceled)
		}
		return err
	}
	return nil
}

// Capture draws a full-resolution frame. Each attempt re-checks readiness because
// a transient ready signal can still produce an unreadable frame.
func (s *Session) Capture(ctx context.Context) (image.Image, error) {
	ctx, cancel := s.bind(ctx)
	defer cancel()

	var lastErr error
	for i, wait := range s.schedule {
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch s.gate.Check() {
		case Failed:
			return nil, apperrors.NewCameraTimeout("camera failed to become ready")
		case Ready:
		default:
			continue
		}

		w, h := s.sink.VideoWidth(), s.sink.VideoHeight()
		frame, err := s.sink.DrawFrame(w, h)
		if err != nil {
			lastErr = err
			logger.WithError(err).WithField("attempt", i+1).Debug("frame draw failed")
			continue
		}
		if frame == nil || frame.Bounds().Empty() {
			continue
		}
		return frame, nil
	}

	msg := fmt.Sprintf("no usable frame after %d attempts", len(s.schedule))
	if lastErr != nil {
		msg += ": " + lastErr.Error()
	}
	return nil, apperrors.NewEmptyCapture(msg)
}

// Close stops every track once and interrupts any wait in progress.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	stopTracks(s.stream)
	logger.WithField("session", s.ID).Debug("camera session closed")
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// bind derives a context that also ends when the session is closed.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func stopTracks(stream MediaStream) {
	for _, t := range stream.Tracks() {
		if t != nil {
			t.Stop()
		}
	}
}
