package capture

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tragatelo/api/internal/apperrors"
)

type fakeSink struct {
	mu          sync.Mutex
	width       int
	height      int
	readyState  ReadyState
	currentTime time.Duration
	drawErrs    int
	plays       int
	draws       int
	nextID      int
	listeners   map[Event]map[int]func()
}

func newFakeSink() *fakeSink {
	return &fakeSink{listeners: map[Event]map[int]func(){}}
}

func (s *fakeSink) VideoWidth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width
}

func (s *fakeSink) VideoHeight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height
}

func (s *fakeSink) ReadyState() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyState
}

func (s *fakeSink) CurrentTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTime
}

func (s *fakeSink) Play(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plays++
	return nil
}

func (s *fakeSink) DrawFrame(w, h int) (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draws++
	if s.drawErrs > 0 {
		s.drawErrs--
		return nil, errors.New("InvalidStateError: video not decodable")
	}
	return noisyFrame(w, h), nil
}

func (s *fakeSink) AddListener(ev Event, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	if s.listeners[ev] == nil {
		s.listeners[ev] = map[int]func(){}
	}
	s.listeners[ev][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners[ev], id)
	}
}

func (s *fakeSink) listenerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.listeners {
		n += len(m)
	}
	return n
}

func (s *fakeSink) fire(ev Event) {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.listeners[ev]))
	for _, fn := range s.listeners[ev] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *fakeSink) goLive(w, h int) {
	s.mu.Lock()
	s.width, s.height = w, h
	s.readyState = HaveEnoughData
	s.currentTime = 40 * time.Millisecond
	s.mu.Unlock()
}

type fakeTrack struct {
	mu    sync.Mutex
	stops int
}

func (t *fakeTrack) Kind() string { return "video" }

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type fakeStream struct{ tracks []*fakeTrack }

func (s *fakeStream) Tracks() []Track {
	out := make([]Track, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

type fakeDevice struct {
	stream *fakeStream
	sink   *fakeSink
	err    error
}

func (d *fakeDevice) Open(context.Context, Constraints) (MediaStream, VideoSink, error) {
	if d.err != nil {
		return nil, nil, d.err
	}
	return d.stream, d.sink, nil
}

func noisyFrame(w, h int) *image.RGBA {
	rnd := rand.New(rand.NewSource(int64(w*h + 1)))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(rnd.Intn(256)), uint8(rnd.Intn(256)), uint8(rnd.Intn(256)), 255})
		}
	}
	return img
}

func fastGate() GateConfig {
	return GateConfig{
		Budget:       200 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
		PlaySchedule: []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond},
	}
}

func TestAdvance(t *testing.T) {
	tests := []struct {
		name string
		cur  Readiness
		obs  observation
		want Readiness
	}{
		{"nothing yet", Initializing, observation{}, Initializing},
		{"metadata by ready state", Initializing, observation{readyState: HaveMetadata}, MetadataLoaded},
		{"metadata by dimensions", Initializing, observation{width: 640, height: 480}, MetadataLoaded},
		{"can play", MetadataLoaded, observation{readyState: HaveFutureData}, CanPlay},
		{"ready", CanPlay, observation{width: 640, height: 480, readyState: HaveEnoughData, verified: true}, Ready},
		{"ready by clock only", CanPlay, observation{width: 640, height: 480, currentTime: time.Millisecond, verified: true}, Ready},
		{"zero width never ready", CanPlay, observation{width: 0, height: 480, readyState: HaveEnoughData, currentTime: time.Second, verified: true}, CanPlay},
		{"unverified draw", CanPlay, observation{width: 640, height: 480, readyState: HaveEnoughData}, CanPlay},
		{"no data", MetadataLoaded, observation{width: 640, height: 480, readyState: HaveMetadata, verified: true}, MetadataLoaded},
		{"failed is sticky", Failed, observation{width: 640, height: 480, readyState: HaveEnoughData, verified: true}, Failed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, advance(tt.cur, tt.obs))
		})
	}
}

func TestGateZeroWidthTimesOut(t *testing.T) {
	sink := newFakeSink()
	sink.readyState = HaveEnoughData
	sink.currentTime = time.Second
	sink.height = 1080

	g := NewGate(sink, fastGate())
	err := g.Wait(context.Background())

	require.Error(t, err)
	assert.Equal(t, apperrors.KindCameraTimeout, apperrors.KindOf(err))
	assert.Equal(t, Failed, g.State())
	assert.Zero(t, sink.listenerCount())

	sink.goLive(1920, 1080)
	assert.Equal(t, Failed, g.Check(), "failed must stay failed")
}

func TestGateReadyWhenDimensionsArrive(t *testing.T) {
	sink := newFakeSink()
	cfg := fastGate()
	cfg.Budget = 2 * time.Second
	cfg.PollInterval = time.Second
	g := NewGate(sink, cfg)

	go func() {
		time.Sleep(30 * time.Millisecond)
		sink.goLive(1280, 720)
		sink.fire(EventResize)
	}()

	start := time.Now()
	require.NoError(t, g.Wait(context.Background()))
	assert.Less(t, time.Since(start), time.Second, "listener wake-up should beat the poll")
	assert.Equal(t, Ready, g.State())
	assert.Zero(t, sink.listenerCount())
}

func TestGateRetriesPlay(t *testing.T) {
	sink := newFakeSink()
	g := NewGate(sink, fastGate())

	_ = g.Wait(context.Background())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 3, sink.plays)
}

func TestGateDrawErrorIsNotReady(t *testing.T) {
	sink := newFakeSink()
	sink.goLive(640, 480)
	sink.drawErrs = 3

	g := NewGate(sink, fastGate())
	assert.NotEqual(t, Ready, g.Check())

	require.NoError(t, g.Wait(context.Background()))
	sink.mu.Lock()
	assert.GreaterOrEqual(t, sink.draws, 4)
	sink.mu.Unlock()
}

// blankSink plays and reports dimensions but draws an undecoded canvas.
type blankSink struct {
	*fakeSink
	fill color.Color
}

func (b *blankSink) DrawFrame(w, h int) (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	if b.fill != nil {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.Set(x, y, b.fill)
			}
		}
	}
	return img, nil
}

func TestGateBlankScratchIsNotReady(t *testing.T) {
	for name, fill := range map[string]color.Color{
		"transparent": nil,
		"black":       color.RGBA{A: 255},
	} {
		t.Run(name, func(t *testing.T) {
			sink := &blankSink{fakeSink: newFakeSink(), fill: fill}
			sink.goLive(640, 480)

			g := NewGate(sink, fastGate())
			assert.NotEqual(t, Ready, g.Check())

			err := g.Wait(context.Background())
			assert.Equal(t, apperrors.KindCameraTimeout, apperrors.KindOf(err))
			assert.Equal(t, Failed, g.State())
		})
	}
}

func TestGateCancelRemovesListeners(t *testing.T) {
	sink := newFakeSink()
	cfg := fastGate()
	cfg.Budget = 5 * time.Second
	g := NewGate(sink, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Wait(ctx) }()

	require.Eventually(t, func() bool { return sink.listenerCount() == len(gateEvents) }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after cancel")
	}
	assert.Zero(t, sink.listenerCount())
	assert.NotEqual(t, Failed, g.State())
}

func TestOpenMapsDeviceErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperrors.Cause
	}{
		{"permission", &DeviceError{Kind: DevicePermissionDenied}, apperrors.CausePermissionDenied},
		{"not found", &DeviceError{Kind: DeviceNotFound}, apperrors.CauseNoDevice},
		{"busy", &DeviceError{Kind: DeviceBusy}, apperrors.CauseDeviceBusy},
		{"overconstrained", &DeviceError{Kind: DeviceOverconstrained}, apperrors.CauseUnsupported},
		{"opaque", errors.New("boom"), apperrors.CauseUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(context.Background(), &fakeDevice{err: tt.err}, DefaultSessionConfig())
			require.Error(t, err)
			assert.Equal(t, apperrors.KindCameraUnavailable, apperrors.KindOf(err))
			assert.Equal(t, tt.want, apperrors.CauseOf(err))
			assert.True(t, apperrors.Fallback(err))
		})
	}

	_, err := Open(context.Background(), nil, DefaultSessionConfig())
	assert.Equal(t, apperrors.CauseNoDevice, apperrors.CauseOf(err))
}

func newTestSession(t *testing.T, sink *fakeSink, tracks int) (*Session, *fakeStream) {
	t.Helper()
	stream := &fakeStream{}
	for i := 0; i < tracks; i++ {
		stream.tracks = append(stream.tracks, &fakeTrack{})
	}
	cfg := DefaultSessionConfig()
	cfg.Gate = fastGate()
	cfg.CaptureSchedule = []time.Duration{0, time.Millisecond, 2 * time.Millisecond}
	s, err := Open(context.Background(), &fakeDevice{stream: stream, sink: sink}, cfg)
	require.NoError(t, err)
	return s, stream
}

func TestSessionCloseStopsTracksOnce(t *testing.T) {
	s, stream := newTestSession(t, newFakeSink(), 2)
	assert.NotEmpty(t, s.ID)

	s.Close()
	s.Close()

	for _, tr := range stream.tracks {
		assert.Equal(t, 1, tr.stopCount())
	}
}

func TestSessionCloseInterruptsWait(t *testing.T) {
	sink := newFakeSink()
	s, stream := newTestSession(t, sink, 1)
	s.gate.cfg.Budget = 5 * time.Second

	done := make(chan error, 1)
	go func() { done <- s.WaitReady(context.Background()) }()
	require.Eventually(t, func() bool { return sink.listenerCount() > 0 }, time.Second, time.Millisecond)

	s.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after close")
	}
	assert.Zero(t, sink.listenerCount())
	assert.Equal(t, 1, stream.tracks[0].stopCount())
}

func TestSessionCapture(t *testing.T) {
	sink := newFakeSink()
	sink.goLive(320, 240)
	s, _ := newTestSession(t, sink, 1)
	defer s.Close()

	require.NoError(t, s.WaitReady(context.Background()))
	frame, err := s.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 320, frame.Bounds().Dx())
	assert.Equal(t, 240, frame.Bounds().Dy())
}

func TestSessionCaptureRetriesThenGivesUp(t *testing.T) {
	sink := newFakeSink()
	sink.goLive(320, 240)
	s, _ := newTestSession(t, sink, 1)
	defer s.Close()

	failing := &alternatingSink{fakeSink: sink}
	s.sink = failing
	s.gate = NewGate(failing, fastGate())

	_, err := s.Capture(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindEmptyCapture, apperrors.KindOf(err))
	assert.True(t, apperrors.Fallback(err))
}

func TestSessionCaptureAfterTimeout(t *testing.T) {
	sink := newFakeSink()
	s, _ := newTestSession(t, sink, 1)
	defer s.Close()

	err := s.WaitReady(context.Background())
	assert.Equal(t, apperrors.KindCameraTimeout, apperrors.KindOf(err))

	_, err = s.Capture(context.Background())
	assert.Equal(t, apperrors.KindCameraTimeout, apperrors.KindOf(err))
}

// alternatingSink serves the low-res scratch draw but fails full-size draws.
type alternatingSink struct {
	*fakeSink
}

func (a *alternatingSink) DrawFrame(w, h int) (image.Image, error) {
	if w >= a.VideoWidth() {
		return nil, errors.New("canvas tainted")
	}
	return a.fakeSink.DrawFrame(w, h)
}
