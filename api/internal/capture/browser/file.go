//go:build js && wasm

package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"syscall/js"
)

// File is a user-picked JS File (or Blob) from an <input type="file">.
// Its bytes are only copied into Go memory on Open.
type File struct {
	v js.Value
}

func NewFile(v js.Value) (*File, error) {
	if v.Type() != js.TypeObject || v.Get("arrayBuffer").IsUndefined() {
		return nil, errors.New("not a File or Blob")
	}
	return &File{v: v}, nil
}

func (f *File) Name() string {
	if n := f.v.Get("name"); n.Type() == js.TypeString {
		return n.String()
	}
	return "blob"
}

func (f *File) MIMEType() string { return f.v.Get("type").String() }
func (f *File) Size() int64      { return int64(f.v.Get("size").Int()) }

func (f *File) Open(ctx context.Context) (io.ReadCloser, error) {
	var promise js.Value
	if err := catchJS(func() { promise = f.v.Call("arrayBuffer") }); err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name(), err)
	}
	buf, err := await(ctx, promise)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name(), err)
	}
	u8 := js.Global().Get("Uint8Array").New(buf)
	data := make([]byte, u8.Get("length").Int())
	js.CopyBytesToGo(data, u8)
	return io.NopCloser(bytes.NewReader(data)), nil
}
