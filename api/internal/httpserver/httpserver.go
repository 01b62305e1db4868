package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tragatelo/api/internal/analysis"
	"tragatelo/api/internal/apperrors"
	"tragatelo/api/internal/encode"
	"tragatelo/api/internal/flow"
	"tragatelo/api/internal/logger"
)

const requestIDHeader = "X-Request-ID"

type Options struct {
	// MaxUploadBytes is the decoded image limit; the body limit is derived from it.
	MaxUploadBytes int64
	MinPayloadLen  int
	RequestTimeout time.Duration
	Version        string
}

type ErrorResponse struct {
	Error     string          `json:"error"`
	Kind      apperrors.Kind  `json:"kind,omitempty"`
	Cause     apperrors.Cause `json:"cause,omitempty"`
	Message   string          `json:"message"`
	Fallback  bool            `json:"fallback,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
}

type AnalyzeResponse struct {
	RequestID string `json:"request_id"`
	analysis.Outcome
}

type Base64Request struct {
	Mode     string `json:"mode"`
	ImageB64 string `json:"image_b64" binding:"required"`
	MIMEType string `json:"mime_type"`
}

type server struct {
	analyzer flow.Analyzer
	opts     Options
}

func NewHandler(a flow.Analyzer, opts Options) http.Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = encode.DefaultMaxBytes
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &server{analyzer: a, opts: opts}

	r := gin.New()
	r.Use(
		gin.Recovery(),
		requestID(),
		accessLog(),
		requestSizeLimiter(bodyLimit(opts.MaxUploadBytes)),
	)

	r.GET("/healthz", s.healthCheck)
	v1 := r.Group("/v1")
	v1.POST("/analyze", s.analyzeMultipart)
	v1.POST("/analyze/base64", s.analyzeBase64)

	return r
}

// base64 inflates by 4/3; leave room for form fields and JSON framing
func bodyLimit(maxUpload int64) int64 {
	return maxUpload*4/3 + 1<<20
}

func (s *server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "available",
		"version": s.opts.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *server) analyzeMultipart(c *gin.Context) {
	mode, err := analysis.ParseMode(c.DefaultPostForm("mode", string(analysis.ModeBarcode)))
	if err != nil {
		respondError(c, apperrors.NewInvalidInput("unknown analysis mode", err))
		return
	}
	fh, err := c.FormFile("image")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondError(c, apperrors.NewInvalidFile(apperrors.CauseTooLarge, "request body too large"))
			return
		}
		respondError(c, apperrors.NewInvalidInput("multipart field \"image\" is required", err))
		return
	}
	s.run(c, mode, &encode.MultipartFile{Header: fh})
}

func (s *server) analyzeBase64(c *gin.Context) {
	var req Base64Request
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondError(c, apperrors.NewInvalidFile(apperrors.CauseTooLarge, "request body too large"))
			return
		}
		respondError(c, apperrors.NewInvalidInput("invalid request format", err))
		return
	}
	if req.Mode == "" {
		req.Mode = string(analysis.ModeBarcode)
	}
	mode, err := analysis.ParseMode(req.Mode)
	if err != nil {
		respondError(c, apperrors.NewInvalidInput("unknown analysis mode", err))
		return
	}
	img, err := encode.ParseDataURI(req.ImageB64, req.MIMEType)
	if err != nil {
		respondError(c, apperrors.NewInvalidInput("image_b64 is not valid base64", err))
		return
	}
	raw, err := img.Bytes()
	if err != nil {
		respondError(c, apperrors.NewInvalidInput("image_b64 is not valid base64", err))
		return
	}
	s.run(c, mode, &encode.BytesFile{FileName: "upload", Type: img.MIMEType, Data: raw})
}

// run drives a single-use flow over the upload path so HTTP gets the same
// validation and ordering as the interactive clients.
func (s *server) run(c *gin.Context, mode analysis.Mode, file encode.File) {
	ctx := c.Request.Context()
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	f := flow.New(flow.Config{
		Encoder:  encode.NewEncoder(s.opts.MaxUploadBytes, s.opts.MinPayloadLen),
		Analyzer: s.analyzer,
		Mode:     mode,
	})
	defer f.Close()

	out, err := f.Upload(ctx, file)
	if err != nil {
		respondError(c, err)
		return
	}

	logger.WithFields(logrus.Fields{
		"request_id": c.GetString("request_id"),
		"mode":       mode,
		"grade":      out.Analysis.Grade,
		"score":      out.Analysis.HealthScore,
		"defaulted":  len(out.Defaulted),
	}).Info("analysis served")
	c.JSON(http.StatusOK, AnalyzeResponse{RequestID: c.GetString("request_id"), Outcome: out})
}

func respondError(c *gin.Context, err error) {
	code := apperrors.GetStatusCode(err)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		code = 499
	}

	logger.WithError(err).WithFields(logrus.Fields{
		"status_code": code,
		"kind":        apperrors.KindOf(err),
		"cause":       apperrors.CauseOf(err),
		"path":        c.Request.URL.Path,
		"request_id":  c.GetString("request_id"),
		"ip":          c.ClientIP(),
	}).Error("Request failed")

	text := http.StatusText(code)
	if text == "" {
		text = "Client Closed Request"
	}
	c.AbortWithStatusJSON(code, ErrorResponse{
		Error:     text,
		Kind:      apperrors.KindOf(err),
		Cause:     apperrors.CauseOf(err),
		Message:   apperrors.UserMessage(err),
		Fallback:  apperrors.Fallback(err),
		RequestID: c.GetString("request_id"),
	})
}

// Middleware

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"ip":          c.ClientIP(),
			"user_agent":  c.Request.UserAgent(),
			"request_id":  c.GetString("request_id"),
		}).Info("http request")
	}
}

func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
