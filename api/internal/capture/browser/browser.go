//go:build js && wasm

// Package browser implements the capture device on top of getUserMedia, a <video>
// element and a 2D canvas.
package browser

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"syscall/js"
	"time"

	"tragatelo/api/internal/capture"
	"tragatelo/api/internal/logger"
)

// Device opens the camera into the <video> element with the given id, creating a
// detached element when VideoElementID is empty.
type Device struct {
	VideoElementID string
}

func (d *Device) Open(ctx context.Context, c capture.Constraints) (capture.MediaStream, capture.VideoSink, error) {
	md := js.Global().Get("navigator").Get("mediaDevices")
	if md.IsUndefined() || md.Get("getUserMedia").IsUndefined() {
		return nil, nil, &capture.DeviceError{Kind: capture.DeviceUnknown, Err: errors.New("mediaDevices.getUserMedia not available")}
	}

	constraints := map[string]any{
		"audio": false,
		"video": map[string]any{
			"facingMode": map[string]any{"ideal": c.FacingMode},
			"width":      map[string]any{"ideal": c.IdealWidth},
			"height":     map[string]any{"ideal": c.IdealHeight},
		},
	}

	var promise js.Value
	if err := catchJS(func() { promise = md.Call("getUserMedia", constraints) }); err != nil {
		return nil, nil, &capture.DeviceError{Kind: classifyDOMError(err), Err: err}
	}
	raw, err := await(ctx, promise)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, err
		}
		return nil, nil, &capture.DeviceError{Kind: classifyDOMError(err), Err: err}
	}

	doc := js.Global().Get("document")
	video := js.Null()
	if d.VideoElementID != "" {
		video = doc.Call("getElementById", d.VideoElementID)
	}
	if video.IsNull() || video.IsUndefined() {
		video = doc.Call("createElement", "video")
	}
	// iOS Safari refuses inline autoplay without these.
	video.Call("setAttribute", "playsinline", "")
	video.Set("muted", true)
	video.Set("autoplay", true)
	video.Set("srcObject", raw)

	stream := &mediaStream{raw: raw, video: video}
	sink := &videoSink{video: video, canvas: doc.Call("createElement", "canvas")}
	return stream, sink, nil
}

type mediaStream struct {
	raw   js.Value
	video js.Value
}

func (s *mediaStream) Tracks() []capture.Track {
	list := s.raw.Call("getTracks")
	n := list.Length()
	out := make([]capture.Track, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &track{raw: list.Index(i), video: s.video})
	}
	return out
}

type track struct {
	raw   js.Value
	video js.Value
	once  sync.Once
}

func (t *track) Kind() string { return t.raw.Get("kind").String() }

func (t *track) Stop() {
	t.once.Do(func() {
		if err := catchJS(func() { t.raw.Call("stop") }); err != nil {
			logger.WithError(err).Warn("track stop failed")
		}
		t.video.Set("srcObject", js.Null())
	})
}

type videoSink struct {
	video  js.Value
	canvas js.Value
	mu     sync.Mutex
}

func (v *videoSink) VideoWidth() int  { return v.video.Get("videoWidth").Int() }
func (v *videoSink) VideoHeight() int { return v.video.Get("videoHeight").Int() }

func (v *videoSink) ReadyState() capture.ReadyState {
	return capture.ReadyState(v.video.Get("readyState").Int())
}

func (v *videoSink) CurrentTime() time.Duration {
	return time.Duration(v.video.Get("currentTime").Float() * float64(time.Second))
}

// Play does not wait for the returned promise; rejections are only logged.
func (v *videoSink) Play(context.Context) error {
	var p js.Value
	if err := catchJS(func() { p = v.video.Call("play") }); err != nil {
		return err
	}
	if p.IsUndefined() || p.IsNull() || p.Get("catch").IsUndefined() {
		return nil
	}
	var onReject js.Func
	onReject = js.FuncOf(func(this js.Value, args []js.Value) any {
		defer onReject.Release()
		if len(args) > 0 {
			logger.WithField("reason", jsString(args[0])).Debug("video play promise rejected")
		}
		return nil
	})
	p.Call("catch", onReject)
	return nil
}

func (v *videoSink) DrawFrame(width, height int) (image.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	err := catchJS(func() {
		v.canvas.Set("width", width)
		v.canvas.Set("height", height)
		ctx2d := v.canvas.Call("getContext", "2d")
		ctx2d.Call("drawImage", v.video, 0, 0, width, height)
		data := ctx2d.Call("getImageData", 0, 0, width, height).Get("data")
		js.CopyBytesToGo(img.Pix, data)
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (v *videoSink) AddListener(ev capture.Event, fn func()) func() {
	cb := js.FuncOf(func(this js.Value, args []js.Value) any {
		fn()
		return nil
	})
	v.video.Call("addEventListener", string(ev), cb)
	var once sync.Once
	return func() {
		once.Do(func() {
			v.video.Call("removeEventListener", string(ev), cb)
			cb.Release()
		})
	}
}

// await resolves a JS promise. On ctx expiry the callbacks stay registered until the
// promise settles, since releasing them earlier would panic when JS calls back.
func await(ctx context.Context, p js.Value) (js.Value, error) {
	type result struct {
		val js.Value
		err error
	}
	ch := make(chan result, 1)
	onResolve := js.FuncOf(func(this js.Value, args []js.Value) any {
		v := js.Undefined()
		if len(args) > 0 {
			v = args[0]
		}
		ch <- result{val: v}
		return nil
	})
	onReject := js.FuncOf(func(this js.Value, args []js.Value) any {
		var e error = errors.New("promise rejected")
		if len(args) > 0 {
			e = jsErrorFrom(args[0])
		}
		ch <- result{err: e}
		return nil
	})
	release := func() {
		onResolve.Release()
		onReject.Release()
	}
	p.Call("then", onResolve, onReject)

	select {
	case r := <-ch:
		release()
		return r.val, r.err
	case <-ctx.Done():
		go func() {
			r := <-ch
			release()
			// the stream was granted after we gave up; hand the camera back
			if r.err == nil && !r.val.IsUndefined() && !r.val.Get("getTracks").IsUndefined() {
				tracks := r.val.Call("getTracks")
				for i := 0; i < tracks.Length(); i++ {
					tracks.Index(i).Call("stop")
				}
			}
		}()
		return js.Undefined(), ctx.Err()
	}
}

// domError carries the DOMException name so it can be classified.
type domError struct {
	Name    string
	Message string
}

func (e *domError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + ": " + e.Message
}

func jsErrorFrom(v js.Value) error {
	if v.Type() == js.TypeObject && !v.Get("name").IsUndefined() {
		return &domError{Name: v.Get("name").String(), Message: jsString(v.Get("message"))}
	}
	return &domError{Name: "Error", Message: jsString(v)}
}

func jsString(v js.Value) string {
	if v.IsUndefined() || v.IsNull() {
		return ""
	}
	return v.Call("toString").String()
}

// catchJS turns a thrown JS exception (surfaced by syscall/js as a panic) into an error.
func catchJS(fn func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		var jsErr js.Error
		if e, ok := r.(js.Error); ok {
			jsErr = e
			err = jsErrorFrom(jsErr.Value)
			return
		}
		err = fmt.Errorf("js call panicked: %v", r)
	}()
	fn()
	return nil
}

func classifyDOMError(err error) capture.DeviceErrorKind {
	var de *domError
	if !errors.As(err, &de) {
		return capture.DeviceUnknown
	}
	switch de.Name {
	case "NotAllowedError", "SecurityError", "PermissionDeniedError":
		return capture.DevicePermissionDenied
	case "NotFoundError", "DevicesNotFoundError":
		return capture.DeviceNotFound
	case "NotReadableError", "TrackStartError", "AbortError":
		return capture.DeviceBusy
	case "OverconstrainedError", "ConstraintNotSatisfiedError":
		return capture.DeviceOverconstrained
	default:
		return capture.DeviceUnknown
	}
}
