package encode

import (
	"encoding/base64"
	"errors"
	"strings"
)

// EncodedImage is a transport-ready image payload.
type EncodedImage struct {
	MIMEType         string `json:"mime_type"`
	Base64Payload    string `json:"-"`
	ByteSizeEstimate int    `json:"byte_size_estimate"`
}

// DataURI renders the image as data:<mime>;base64,<payload>.
func (i EncodedImage) DataURI() string {
	return "data:" + i.MIMEType + ";base64," + i.Base64Payload
}

// Bytes decodes the payload.
func (i EncodedImage) Bytes() ([]byte, error) {
	return decodeBase64(i.Base64Payload)
}

// IsZero reports an image with no payload.
func (i EncodedImage) IsZero() bool {
	return i.Base64Payload == ""
}

// NewEncodedImage wraps raw bytes.
func NewEncodedImage(mime string, data []byte) EncodedImage {
	return EncodedImage{
		MIMEType:         mime,
		Base64Payload:    base64.StdEncoding.EncodeToString(data),
		ByteSizeEstimate: len(data),
	}
}

// ParseDataURI accepts either a data URI or bare base64. The MIME type comes from
// the data URI prefix, then from explicitMIME; the payload is validated by decoding.
func ParseDataURI(s, explicitMIME string) (EncodedImage, error) {
	s = strings.TrimSpace(s)
	var hintMIME string
	if strings.HasPrefix(strings.ToLower(s), "data:") {
		idx := strings.IndexByte(s, ',')
		if idx < 0 {
			return EncodedImage{}, errors.New("data URI without payload")
		}
		meta := s[len("data:"):idx] // "<mime>;base64"
		if semi := strings.IndexByte(meta, ';'); semi >= 0 {
			hintMIME = meta[:semi]
		} else {
			hintMIME = meta
		}
		s = s[idx+1:]
	}
	if s == "" {
		return EncodedImage{}, errors.New("empty base64 payload")
	}

	raw, err := decodeBase64(s)
	if err != nil {
		return EncodedImage{}, err
	}

	mime := strings.ToLower(strings.TrimSpace(hintMIME))
	if mime == "" {
		mime = strings.ToLower(strings.TrimSpace(explicitMIME))
	}
	if mime == "" {
		mime = detectMIME(raw)
	}
	return EncodedImage{
		MIMEType:         mime,
		Base64Payload:    base64.StdEncoding.EncodeToString(raw),
		ByteSizeEstimate: len(raw),
	}, nil
}

// EstimateDecodedSize returns the decoded length of a base64 payload without decoding it.
func EstimateDecodedSize(payload string) int {
	n := len(payload)
	if n == 0 {
		return 0
	}
	pad := 0
	if strings.HasSuffix(payload, "==") {
		pad = 2
	} else if strings.HasSuffix(payload, "=") {
		pad = 1
	}
	return n*3/4 - pad
}

// Standard alphabet first, then URL-safe, each with and without padding.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	var firstErr error
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
