// Package remote analyzes images through the tragatelo HTTP API, so clients
// such as the browser build never hold the inference credential.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tragatelo/api/internal/analysis"
	"tragatelo/api/internal/apperrors"
	"tragatelo/api/internal/encode"
	"tragatelo/api/internal/logger"
)

const (
	analyzePath = "/v1/analyze/base64"
	// enough for any error envelope; results are decoded from the stream
	maxErrorBody = 64 << 10
)

type Client struct {
	BaseURL string
	httpc   *http.Client
}

// New returns a client for the API at baseURL. timeout bounds one request;
// it should exceed the server's own analysis timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
}

type analyzeRequest struct {
	Mode     analysis.Mode `json:"mode"`
	ImageB64 string        `json:"image_b64"`
	MIMEType string        `json:"mime_type"`
}

type analyzeResponse struct {
	RequestID string `json:"request_id"`
	analysis.Outcome
}

type errorEnvelope struct {
	Kind      apperrors.Kind  `json:"kind"`
	Cause     apperrors.Cause `json:"cause"`
	Message   string          `json:"message"`
	RequestID string          `json:"request_id"`
}

func (c *Client) Analyze(ctx context.Context, img encode.EncodedImage, mode analysis.Mode) (analysis.Outcome, error) {
	if img.IsZero() {
		return analysis.Outcome{}, apperrors.NewInvalidInput("empty image", nil)
	}
	body, err := json.Marshal(analyzeRequest{Mode: mode, ImageB64: img.Base64Payload, MIMEType: img.MIMEType})
	if err != nil {
		return analysis.Outcome{}, apperrors.NewInvalidInput("encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+analyzePath, bytes.NewReader(body))
	if err != nil {
		return analysis.Outcome{}, apperrors.NewInvalidInput("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return analysis.Outcome{}, classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return analysis.Outcome{}, decodeError(resp)
	}

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return analysis.Outcome{}, apperrors.NewTransport(apperrors.CauseUnexpectedStatus, resp.StatusCode,
			fmt.Errorf("decode analysis response: %w", err))
	}
	// the server already sanitized; this only guards against version skew
	var defaulted []string
	out.Analysis, defaulted = analysis.Normalize(out.Analysis)
	if len(defaulted) > 0 {
		out.Defaulted = append(out.Defaulted, defaulted...)
	}

	logger.WithFields(logrus.Fields{
		"request_id":  out.RequestID,
		"mode":        out.Mode,
		"grade":       out.Analysis.Grade,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("remote analysis done")
	return out.Outcome, nil
}

// decodeError rebuilds the typed error from the API's error envelope.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Kind == "" {
		return apperrors.NewTransport(apperrors.TransportCauseForStatus(resp.StatusCode), resp.StatusCode,
			fmt.Errorf("analysis API status %d", resp.StatusCode))
	}
	e := &apperrors.Error{
		Kind:       env.Kind,
		Cause:      env.Cause,
		Message:    env.Message,
		StatusCode: resp.StatusCode,
		Upstream:   resp.StatusCode,
	}
	if env.RequestID != "" {
		e.Err = fmt.Errorf("request %s", env.RequestID)
	}
	return e
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return apperrors.NewTransport(apperrors.CauseTimeout, 0, err)
	}
	return apperrors.NewTransport(apperrors.CauseNetwork, 0, err)
}
