//go:build js && wasm

// Command scanner-wasm exposes the capture flow to the web page:
//
//	effataStart({mode, videoId, apiBase, onStage, onResult, onError})
//	effataCapture()      // camera path
//	effataUpload(file)   // <input type="file"> fallback
//	effataRetry()
//	effataStop()
//
// Every call except effataStop returns a Promise that resolves to true when a
// result or failure was delivered, false when the request was refused or
// superseded.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"syscall/js"
	"time"

	"tragatelo/api/internal/analysis"
	"tragatelo/api/internal/apperrors"
	"tragatelo/api/internal/capture"
	"tragatelo/api/internal/capture/browser"
	"tragatelo/api/internal/flow"
	"tragatelo/api/internal/logger"
	"tragatelo/api/internal/remote"
)

const (
	defaultVideoID = "effata-video"
	// above the server's ANALYSIS_TIMEOUT default
	requestTimeout = 60 * time.Second
)

type app struct {
	mu   sync.Mutex
	flow *flow.Flow
}

func main() {
	a := &app{}
	js.Global().Set("effataStart", js.FuncOf(a.start))
	js.Global().Set("effataCapture", js.FuncOf(a.capture))
	js.Global().Set("effataUpload", js.FuncOf(a.upload))
	js.Global().Set("effataRetry", js.FuncOf(a.retry))
	js.Global().Set("effataStop", js.FuncOf(a.stop))
	logger.Info("effata scanner ready")
	select {}
}

// start (re)configures the flow and opens the camera. Calling it again
// replaces the previous flow, releasing its camera.
func (a *app) start(_ js.Value, args []js.Value) any {
	opts := js.Undefined()
	if len(args) > 0 {
		opts = args[0]
	}

	mode := analysis.ModeBarcode
	if m := optString(opts, "mode"); m != "" {
		parsed, err := analysis.ParseMode(m)
		if err != nil {
			return rejected(errorValue(apperrors.NewInvalidInput("unknown analysis mode", err)))
		}
		mode = parsed
	}
	videoID := optString(opts, "videoId")
	if videoID == "" {
		videoID = defaultVideoID
	}
	apiBase := optString(opts, "apiBase")
	if apiBase == "" {
		apiBase = js.Global().Get("location").Get("origin").String()
	}

	f := flow.New(flow.Config{
		Device:    &browser.Device{VideoElementID: videoID},
		Session:   capture.DefaultSessionConfig(),
		Analyzer:  remote.New(apiBase, requestTimeout),
		Presenter: &jsPresenter{hooks: opts},
		Mode:      mode,
	})

	a.mu.Lock()
	prev := a.flow
	a.flow = f
	a.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	return promise(func(ctx context.Context) error {
		return f.StartCamera(ctx)
	})
}

func (a *app) capture(js.Value, []js.Value) any {
	f, err := a.current()
	if err != nil {
		return rejected(errorValue(err))
	}
	return promise(func(ctx context.Context) error {
		_, err := f.Capture(ctx)
		return err
	})
}

func (a *app) upload(_ js.Value, args []js.Value) any {
	f, err := a.current()
	if err != nil {
		return rejected(errorValue(err))
	}
	if len(args) == 0 {
		return rejected(errorValue(apperrors.NewInvalidInput("no file given", nil)))
	}
	file, err := browser.NewFile(args[0])
	if err != nil {
		return rejected(errorValue(apperrors.NewInvalidInput("not a file", err)))
	}
	return promise(func(ctx context.Context) error {
		_, err := f.Upload(ctx, file)
		return err
	})
}

func (a *app) retry(js.Value, []js.Value) any {
	f, err := a.current()
	if err != nil {
		return rejected(errorValue(err))
	}
	return promise(func(ctx context.Context) error {
		_, err := f.Retry(ctx)
		return err
	})
}

// stop releases the camera and discards anything in flight.
func (a *app) stop(js.Value, []js.Value) any {
	a.mu.Lock()
	f := a.flow
	a.mu.Unlock()
	if f != nil {
		f.Cancel()
	}
	return nil
}

func (a *app) current() (*flow.Flow, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.flow == nil {
		return nil, errors.New("effataStart has not been called")
	}
	return a.flow, nil
}

// promise runs fn off the JS event loop. Flow failures are already presented
// through onError, so they resolve to true; refusals resolve to false.
func promise(fn func(ctx context.Context) error) js.Value {
	var executor js.Func
	executor = js.FuncOf(func(_ js.Value, args []js.Value) any {
		resolve := args[0]
		go func() {
			defer executor.Release()
			err := fn(context.Background())
			switch {
			case err == nil:
				resolve.Invoke(true)
			case errors.Is(err, flow.ErrBusy), errors.Is(err, flow.ErrStale),
				errors.Is(err, flow.ErrClosed), errors.Is(err, flow.ErrNothingToRetry):
				resolve.Invoke(false)
			default:
				resolve.Invoke(true)
			}
		}()
		return nil
	})
	return js.Global().Get("Promise").New(executor)
}

func rejected(v any) js.Value {
	return js.Global().Get("Promise").Call("reject", v)
}

type jsPresenter struct {
	hooks js.Value
}

func (p *jsPresenter) Present(out analysis.Outcome) {
	raw, err := json.Marshal(out)
	if err != nil {
		p.Fail(err)
		return
	}
	p.call("onResult", js.Global().Get("JSON").Call("parse", string(raw)))
}

func (p *jsPresenter) Fail(err error) {
	p.call("onError", errorValue(err))
}

func (p *jsPresenter) Stage(s flow.Stage) {
	p.call("onStage", string(s))
}

func (p *jsPresenter) call(name string, arg any) {
	if p.hooks.Type() != js.TypeObject {
		return
	}
	fn := p.hooks.Get(name)
	if fn.Type() != js.TypeFunction {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("hook", name).Errorf("page callback threw: %v", r)
		}
	}()
	fn.Invoke(arg)
}

func errorValue(err error) map[string]any {
	return map[string]any{
		"kind":     string(apperrors.KindOf(err)),
		"cause":    string(apperrors.CauseOf(err)),
		"message":  apperrors.UserMessage(err),
		"fallback": apperrors.Fallback(err),
	}
}

func optString(opts js.Value, key string) string {
	if opts.Type() != js.TypeObject {
		return ""
	}
	v := opts.Get(key)
	if v.Type() != js.TypeString {
		return ""
	}
	return v.String()
}
