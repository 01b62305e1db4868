package encode

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"tragatelo/api/internal/apperrors"
)

const (
	DefaultMaxBytes      = 10 * 1024 * 1024
	DefaultMinPayloadLen = 1000
	DefaultQuality       = 90
)

// File is a user-selected image: an HTTP multipart part, a Telegram photo or
// document, or bytes already in memory. Name, MIMEType and Size are the declared
// metadata and are checked before Open is called.
type File interface {
	Name() string
	MIMEType() string
	Size() int64
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Encoder turns frames and files into EncodedImage payloads.
type Encoder struct {
	MaxBytes      int64
	MinPayloadLen int
	Quality       int
}

func NewEncoder(maxBytes int64, minPayloadLen int) *Encoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if minPayloadLen < 0 {
		minPayloadLen = DefaultMinPayloadLen
	}
	return &Encoder{MaxBytes: maxBytes, MinPayloadLen: minPayloadLen, Quality: DefaultQuality}
}

// FromFrame draws the frame at its native size and exports JPEG.
func (e *Encoder) FromFrame(frame image.Image) (EncodedImage, error) {
	if frame == nil {
		return EncodedImage{}, apperrors.NewEmptyCapture("no frame captured")
	}
	b := frame.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return EncodedImage{}, apperrors.NewEmptyCapture(fmt.Sprintf("frame has no pixels (%dx%d)", b.Dx(), b.Dy()))
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, frame, &jpeg.Options{Quality: e.quality()}); err != nil {
		return EncodedImage{}, apperrors.NewEncodingFailed(err)
	}
	if int64(out.Len()) > e.MaxBytes {
		return EncodedImage{}, apperrors.NewInvalidFile(apperrors.CauseTooLarge,
			fmt.Sprintf("encoded frame is %d bytes, limit %d", out.Len(), e.MaxBytes))
	}
	return e.checkPayload(NewEncodedImage("image/jpeg", out.Bytes()))
}

// FromFile validates the declared type and size, then reads and encodes the file.
func (e *Encoder) FromFile(ctx context.Context, f File) (EncodedImage, error) {
	declared := normalizeMIME(f.MIMEType())
	if declared != "" && declared != "application/octet-stream" && !IsImageMIME(declared) {
		return EncodedImage{}, apperrors.NewInvalidFile(apperrors.CauseInvalidType,
			fmt.Sprintf("%q is %s, not an image", f.Name(), declared))
	}
	if f.Size() > e.MaxBytes {
		return EncodedImage{}, apperrors.NewInvalidFile(apperrors.CauseTooLarge,
			fmt.Sprintf("%q is %d bytes, limit %d", f.Name(), f.Size(), e.MaxBytes))
	}

	rc, err := f.Open(ctx)
	if err != nil {
		// remote sources classify their own download failures
		if _, ok := apperrors.As(err); ok {
			return EncodedImage{}, fmt.Errorf("open %q: %w", f.Name(), err)
		}
		return EncodedImage{}, apperrors.NewEncodingFailed(fmt.Errorf("open %q: %w", f.Name(), err))
	}
	defer rc.Close()

	// The declared size may be missing or wrong; never read past the limit.
	data, err := io.ReadAll(io.LimitReader(rc, e.MaxBytes+1))
	if err != nil {
		return EncodedImage{}, apperrors.NewEncodingFailed(fmt.Errorf("read %q: %w", f.Name(), err))
	}
	if int64(len(data)) > e.MaxBytes {
		return EncodedImage{}, apperrors.NewInvalidFile(apperrors.CauseTooLarge,
			fmt.Sprintf("%q exceeds %d bytes", f.Name(), e.MaxBytes))
	}
	if len(data) == 0 {
		return EncodedImage{}, apperrors.NewEmptyCapture(fmt.Sprintf("%q is empty", f.Name()))
	}

	mime := declared
	if mime == "" || mime == "application/octet-stream" {
		mime = detectMIME(data)
		if !IsImageMIME(mime) {
			return EncodedImage{}, apperrors.NewInvalidFile(apperrors.CauseInvalidType,
				fmt.Sprintf("%q content is %s, not an image", f.Name(), mime))
		}
	}
	return e.checkPayload(NewEncodedImage(mime, data))
}

func (e *Encoder) checkPayload(img EncodedImage) (EncodedImage, error) {
	if len(img.Base64Payload) <= e.MinPayloadLen {
		return EncodedImage{}, apperrors.NewEmptyCapture(
			fmt.Sprintf("payload is %d chars, expected more than %d", len(img.Base64Payload), e.MinPayloadLen))
	}
	return img, nil
}

func (e *Encoder) quality() int {
	if e.Quality <= 0 || e.Quality > 100 {
		return DefaultQuality
	}
	return e.Quality
}

// IsImageMIME reports whether mime is an image/* type.
func IsImageMIME(mime string) bool {
	return strings.HasPrefix(normalizeMIME(mime), "image/")
}

func normalizeMIME(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if semi := strings.IndexByte(mime, ';'); semi >= 0 {
		mime = strings.TrimSpace(mime[:semi])
	}
	return mime
}

func detectMIME(data []byte) string {
	return normalizeMIME(mimetype.Detect(data).String())
}
