// Package capturetest provides in-memory camera doubles that record track stops
// and listener bookkeeping.
package capturetest

import (
	"context"
	"image"
	"image/color"
	"sync"
	"time"

	"tragatelo/api/internal/capture"
)

type Sink struct {
	mu          sync.Mutex
	width       int
	height      int
	readyState  capture.ReadyState
	currentTime time.Duration
	drawErr     error
	nextID      int
	listeners   map[capture.Event]map[int]func()
	playEntered chan struct{}
	playGate    chan struct{}
}

func NewSink() *Sink {
	return &Sink{listeners: map[capture.Event]map[int]func(){}}
}

// GoLive makes the sink report a playing stream of w x h and wakes listeners.
func (s *Sink) GoLive(w, h int) {
	s.mu.Lock()
	s.width, s.height = w, h
	s.readyState = capture.HaveEnoughData
	s.currentTime = 100 * time.Millisecond
	s.mu.Unlock()
	s.Fire(capture.EventLoadedData)
}

// FailDraws makes every DrawFrame return err (nil restores drawing).
func (s *Sink) FailDraws(err error) {
	s.mu.Lock()
	s.drawErr = err
	s.mu.Unlock()
}

func (s *Sink) VideoWidth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width
}

func (s *Sink) VideoHeight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height
}

func (s *Sink) ReadyState() capture.ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyState
}

func (s *Sink) CurrentTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTime
}

// BlockPlay makes the next Play calls hang, ignoring their context, until
// release is called. entered receives once per blocked call.
func (s *Sink) BlockPlay() (entered <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.playEntered = make(chan struct{}, 8)
	s.playGate = make(chan struct{})
	gate := s.playGate
	var once sync.Once
	return s.playEntered, func() { once.Do(func() { close(gate) }) }
}

func (s *Sink) Play(context.Context) error {
	s.mu.Lock()
	entered, gate := s.playEntered, s.playGate
	s.mu.Unlock()
	if gate == nil {
		return nil
	}
	select {
	case entered <- struct{}{}:
	default:
	}
	<-gate
	return nil
}

func (s *Sink) DrawFrame(w, h int) (image.Image, error) {
	s.mu.Lock()
	err := s.drawErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 7), uint8(y * 13), uint8((x ^ y) * 31), 255})
		}
	}
	return img, nil
}

func (s *Sink) AddListener(ev capture.Event, fn func()) func() {
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

func (s *Sink) Fire(ev capture.Event) {
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

// Listeners counts registered listeners across all events.
func (s *Sink) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.listeners {
		n += len(m)
	}
	return n
}

type Track struct {
	mu    sync.Mutex
	stops int
}

func (t *Track) Kind() string { return "video" }

func (t *Track) Stop() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
}

func (t *Track) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type Stream struct {
	List []*Track
}

func (s *Stream) Tracks() []capture.Track {
	out := make([]capture.Track, len(s.List))
	for i, t := range s.List {
		out[i] = t
	}
	return out
}

// Device hands out the same stream and sink on every Open, or Err.
type Device struct {
	Stream *Stream
	Sink   *Sink
	Err    error

	mu    sync.Mutex
	opens int
}

func NewDevice(tracks int) *Device {
	st := &Stream{}
	for i := 0; i < tracks; i++ {
		st.List = append(st.List, &Track{})
	}
	return &Device{Stream: st, Sink: NewSink()}
}

func (d *Device) Open(context.Context, capture.Constraints) (capture.MediaStream, capture.VideoSink, error) {
	d.mu.Lock()
	d.opens++
	d.mu.Unlock()
	if d.Err != nil {
		return nil, nil, d.Err
	}
	return d.Stream, d.Sink, nil
}

func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// AllStopped reports whether every track was stopped exactly once.
func (d *Device) AllStopped() bool {
	for _, t := range d.Stream.List {
		if t.Stops() != 1 {
			return false
		}
	}
	return true
}
