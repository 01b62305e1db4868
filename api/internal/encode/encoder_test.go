package encode

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tragatelo/api/internal/apperrors"
)

type recordingFile struct {
	name  string
	mime  string
	size  int64
	data  []byte
	opens int
}

func (f *recordingFile) Name() string     { return f.name }
func (f *recordingFile) MIMEType() string { return f.mime }
func (f *recordingFile) Size() int64      { return f.size }

func (f *recordingFile) Open(context.Context) (io.ReadCloser, error) {
	f.opens++
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

func noisyImage(w, h int) *image.RGBA {
	rnd := rand.New(rand.NewSource(7))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(rnd.Intn(256)), uint8(rnd.Intn(256)), uint8(rnd.Intn(256)), 255})
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFromFileRejectsBeforeOpening(t *testing.T) {
	enc := NewEncoder(1024, DefaultMinPayloadLen)

	tests := []struct {
		name      string
		file      *recordingFile
		wantCause apperrors.Cause
	}{
		{
			name:      "text file",
			file:      &recordingFile{name: "notes.txt", mime: "text/plain", size: 10},
			wantCause: apperrors.CauseInvalidType,
		},
		{
			name:      "pdf",
			file:      &recordingFile{name: "label.pdf", mime: "application/pdf", size: 10},
			wantCause: apperrors.CauseInvalidType,
		},
		{
			name:      "over the limit",
			file:      &recordingFile{name: "big.jpg", mime: "image/jpeg", size: 1025},
			wantCause: apperrors.CauseTooLarge,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enc.FromFile(context.Background(), tt.file)
			require.Error(t, err)
			assert.Equal(t, apperrors.KindInvalidFile, apperrors.KindOf(err))
			assert.Equal(t, tt.wantCause, apperrors.CauseOf(err))
			assert.Zero(t, tt.file.opens, "file must not be read")
		})
	}
}

func TestFromFileTenMegabyteLimit(t *testing.T) {
	enc := NewEncoder(DefaultMaxBytes, DefaultMinPayloadLen)
	f := &recordingFile{name: "huge.png", mime: "image/png", size: DefaultMaxBytes + 1}

	_, err := enc.FromFile(context.Background(), f)
	assert.True(t, errors.Is(err, &apperrors.Error{Kind: apperrors.KindInvalidFile, Cause: apperrors.CauseTooLarge}))
}

func TestFromFileUnderstatedSize(t *testing.T) {
	enc := NewEncoder(100, 0)
	f := &recordingFile{name: "liar.jpg", mime: "image/jpeg", size: 10, data: make([]byte, 500)}

	_, err := enc.FromFile(context.Background(), f)
	assert.Equal(t, apperrors.CauseTooLarge, apperrors.CauseOf(err))
}

func TestFromFileEncodesDataURI(t *testing.T) {
	data := pngBytes(t, noisyImage(48, 48))
	enc := NewEncoder(DefaultMaxBytes, DefaultMinPayloadLen)

	img, err := enc.FromFile(context.Background(), &BytesFile{FileName: "label.png", Type: "image/png", Data: data})
	require.NoError(t, err)

	assert.Equal(t, "image/png", img.MIMEType)
	assert.Equal(t, len(data), img.ByteSizeEstimate)
	assert.True(t, strings.HasPrefix(img.DataURI(), "data:image/png;base64,"))

	back, err := img.Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, back)
}

func TestFromFileSniffsUndeclaredType(t *testing.T) {
	data := pngBytes(t, noisyImage(48, 48))
	enc := NewEncoder(DefaultMaxBytes, DefaultMinPayloadLen)

	img, err := enc.FromFile(context.Background(), &BytesFile{FileName: "upload", Type: "application/octet-stream", Data: data})
	require.NoError(t, err)
	assert.Equal(t, "image/png", img.MIMEType)

	_, err = enc.FromFile(context.Background(), &BytesFile{FileName: "upload", Data: []byte(strings.Repeat("hello world ", 200))})
	assert.Equal(t, apperrors.CauseInvalidType, apperrors.CauseOf(err))
}

func TestFromFileTinyPayloadIsEmptyCapture(t *testing.T) {
	enc := NewEncoder(DefaultMaxBytes, DefaultMinPayloadLen)

	_, err := enc.FromFile(context.Background(), &BytesFile{FileName: "dot.png", Type: "image/png", Data: pngBytes(t, noisyImage(1, 1))})
	assert.Equal(t, apperrors.KindEmptyCapture, apperrors.KindOf(err))

	_, err = enc.FromFile(context.Background(), &BytesFile{FileName: "zero.png", Type: "image/png"})
	assert.Equal(t, apperrors.KindEmptyCapture, apperrors.KindOf(err))
}

func TestFromFrame(t *testing.T) {
	enc := NewEncoder(DefaultMaxBytes, DefaultMinPayloadLen)

	img, err := enc.FromFrame(noisyImage(64, 48))
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", img.MIMEType)

	raw, err := img.Bytes()
	require.NoError(t, err)
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 64, cfg.Width)
	assert.Equal(t, 48, cfg.Height)

	_, err = enc.FromFrame(image.NewRGBA(image.Rect(0, 0, 0, 0)))
	assert.Equal(t, apperrors.KindEmptyCapture, apperrors.KindOf(err))

	_, err = enc.FromFrame(nil)
	assert.Equal(t, apperrors.KindEmptyCapture, apperrors.KindOf(err))
}

func TestParseDataURI(t *testing.T) {
	raw := []byte("\xff\xd8\xff\xe0 pretend jpeg")
	src := NewEncodedImage("image/jpeg", raw)

	got, err := ParseDataURI(src.DataURI(), "")
	require.NoError(t, err)
	assert.Equal(t, src, got)

	got, err = ParseDataURI(src.Base64Payload, "image/webp")
	require.NoError(t, err)
	assert.Equal(t, "image/webp", got.MIMEType)

	_, err = ParseDataURI("data:image/png;base64,", "")
	assert.Error(t, err)
	_, err = ParseDataURI("%%%not base64%%%", "")
	assert.Error(t, err)
}

func TestEstimateDecodedSize(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 4, 5, 100} {
		payload := NewEncodedImage("image/png", make([]byte, n)).Base64Payload
		assert.Equal(t, n, EstimateDecodedSize(payload), "n=%d", n)
	}
}
