// Package analysis sends an encoded product photo to a multimodal model and turns
// whatever comes back into a fully populated ProductAnalysis.
package analysis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tragatelo/api/internal/apperrors"
	"tragatelo/api/internal/encode"
	"tragatelo/api/internal/logger"
)

// Request is one generation call: instruction text plus the inline image.
type Request struct {
	Mode        Mode
	Instruction string
	Image       encode.EncodedImage
}

// Reply is the raw model answer. Blocked means the safety layer refused the image;
// Text must not be parsed in that case.
type Reply struct {
	Text         string
	Blocked      bool
	BlockReason  string
	FinishReason string
}

// Generator is a transport to the inference endpoint. Implementations return
// *apperrors.Error with KindTransport for network and status failures.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (Reply, error)
}

type Client struct {
	gen     Generator
	prompts Prompts
	timeout time.Duration
}

// NewClient builds a client. A zero timeout leaves the deadline to the caller's ctx.
func NewClient(gen Generator, prompts Prompts, timeout time.Duration) *Client {
	return &Client{gen: gen, prompts: prompts, timeout: timeout}
}

// Analyze never retries; the caller decides whether to try again.
func (c *Client) Analyze(ctx context.Context, img encode.EncodedImage, mode Mode) (Outcome, error) {
	if err := validate(img, mode); err != nil {
		return Outcome{}, err
	}
	instruction, err := c.prompts.Instruction(mode)
	if err != nil {
		return Outcome{}, apperrors.NewInvalidInput("unsupported mode", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	log := logger.WithFields(logrus.Fields{
		"generator":  c.gen.Name(),
		"mode":       mode,
		"mime":       img.MIMEType,
		"image_size": img.ByteSizeEstimate,
	})
	start := time.Now()

	reply, err := c.gen.Generate(ctx, Request{Mode: mode, Instruction: instruction, Image: img})
	if err != nil {
		err = asTransport(ctx, err)
		log.WithError(err).WithField("elapsed_ms", time.Since(start).Milliseconds()).Warn("analysis request failed")
		return Outcome{}, err
	}
	log = log.WithField("elapsed_ms", time.Since(start).Milliseconds())

	if reply.Blocked {
		reason := reply.BlockReason
		if reason == "" {
			reason = reply.FinishReason
		}
		log.WithField("reason", reason).Warn("analysis blocked by safety filter")
		return Outcome{}, apperrors.NewContentBlocked(reason)
	}
	if strings.TrimSpace(reply.Text) == "" {
		log.WithField("finish_reason", reply.FinishReason).Warn("analysis returned no text")
		return Outcome{}, apperrors.NewEmptyResponse()
	}

	raw, strategy, err := extractObject(reply.Text)
	if err != nil {
		log.WithField("text_len", len(reply.Text)).Warn("analysis response not parseable")
		return Outcome{}, apperrors.NewUnparsableResponse(err)
	}

	result, defaulted := Sanitize(raw)
	if len(defaulted) > 0 {
		log.WithFields(logrus.Fields{
			"kind":   apperrors.KindValidationDefaulted,
			"fields": defaulted,
		}).Debug("analysis fields defaulted")
	}
	log.WithFields(logrus.Fields{"grade": result.Grade, "parsed_by": strategy}).Info("analysis completed")

	return Outcome{Mode: mode, Analysis: result, ParsedBy: strategy, Defaulted: defaulted}, nil
}

func validate(img encode.EncodedImage, mode Mode) error {
	if _, err := ParseMode(string(mode)); err != nil {
		return apperrors.NewInvalidInput("unknown analysis mode", err)
	}
	if img.IsZero() {
		return apperrors.NewInvalidInput("image payload is empty", nil)
	}
	if !encode.IsImageMIME(img.MIMEType) {
		return apperrors.NewInvalidInput("payload is not an image: "+img.MIMEType, nil)
	}
	if _, err := img.Bytes(); err != nil {
		return apperrors.NewInvalidInput("image payload is not valid base64", err)
	}
	return nil
}

// asTransport keeps typed errors and classifies anything else as a transport failure.
func asTransport(ctx context.Context, err error) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewTransport(apperrors.CauseTimeout, 0, err)
	}
	return apperrors.NewTransport(apperrors.CauseNetwork, 0, err)
}
