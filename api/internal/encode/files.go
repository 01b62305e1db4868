package encode

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
)

// BytesFile is a File backed by memory.
type BytesFile struct {
	FileName string
	Type     string
	Data     []byte
}

func (f *BytesFile) Name() string     { return f.FileName }
func (f *BytesFile) MIMEType() string { return f.Type }
func (f *BytesFile) Size() int64      { return int64(len(f.Data)) }

func (f *BytesFile) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.Data)), nil
}

// MultipartFile adapts an uploaded form file.
type MultipartFile struct {
	Header *multipart.FileHeader
}

func (f *MultipartFile) Name() string     { return f.Header.Filename }
func (f *MultipartFile) MIMEType() string { return f.Header.Header.Get("Content-Type") }
func (f *MultipartFile) Size() int64      { return f.Header.Size }

func (f *MultipartFile) Open(context.Context) (io.ReadCloser, error) {
	return f.Header.Open()
}
