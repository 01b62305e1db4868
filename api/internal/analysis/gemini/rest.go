// Package gemini holds the two transports to the Gemini generateContent endpoint:
// plain HTTPS JSON and the official Go SDK.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tragatelo/api/internal/analysis"
	"tragatelo/api/internal/apperrors"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-2.5-flash"

	temperature     = 0.2
	topK            = 40
	topP            = 0.95
	maxOutputTokens = 4096
)

var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// finish reasons that mean the safety layer cut the answer
var blockedFinish = map[string]bool{
	"SAFETY":             true,
	"PROHIBITED_CONTENT": true,
	"BLOCKLIST":          true,
	"SPII":               true,
}

type REST struct {
	APIKey  string
	Model   string
	BaseURL string

	httpc   *http.Client
	limiter *rate.Limiter
}

// NewREST builds the HTTP transport. rps <= 0 disables client-side throttling;
// timeout bounds a single HTTP exchange.
func NewREST(apiKey, model, baseURL string, rps float64, timeout time.Duration) *REST {
	if model == "" {
		model = DefaultModel
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	r := &REST{
		APIKey:  strings.TrimSpace(apiKey),
		Model:   strings.TrimSpace(model),
		BaseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
	if rps > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return r
}

func (r *REST) Name() string { return "gemini-rest" }

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	TopK             int     `json:"topK"`
	TopP             float64 `json:"topP"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMIMEType string  `json:"responseMimeType"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
	SafetySettings   []safetySetting  `json:"safetySettings"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text    string `json:"text"`
				Thought bool   `json:"thought,omitempty"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

func buildRequest(req analysis.Request) generateRequest {
	safety := make([]safetySetting, 0, len(safetyCategories))
	for _, c := range safetyCategories {
		safety = append(safety, safetySetting{Category: c, Threshold: "BLOCK_ONLY_HIGH"})
	}
	return generateRequest{
		Contents: []content{{
			Parts: []part{
				{Text: req.Instruction},
				{InlineData: &inlineData{MIMEType: req.Image.MIMEType, Data: req.Image.Base64Payload}},
			},
		}},
		GenerationConfig: generationConfig{
			Temperature:      temperature,
			TopK:             topK,
			TopP:             topP,
			MaxOutputTokens:  maxOutputTokens,
			ResponseMIMEType: "application/json",
		},
		SafetySettings: safety,
	}
}

func (r *REST) endpoint() string {
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		r.BaseURL, url.PathEscape(r.Model), url.QueryEscape(r.APIKey))
}

func (r *REST) Generate(ctx context.Context, req analysis.Request) (analysis.Reply, error) {
	if r.APIKey == "" {
		return analysis.Reply{}, apperrors.NewTransport(apperrors.CauseForbidden, 0, errors.New("GEMINI_API_KEY is empty"))
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return analysis.Reply{}, classifyNetErr(ctx, ctx.Err())
			}
			return analysis.Reply{}, apperrors.NewTransport(apperrors.CauseRateLimited, 0, err)
		}
	}

	payload, err := json.Marshal(buildRequest(req))
	if err != nil {
		return analysis.Reply{}, apperrors.NewInvalidInput("cannot encode request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return analysis.Reply{}, apperrors.NewTransport(apperrors.CauseNetwork, 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.httpc.Do(httpReq)
	if err != nil {
		return analysis.Reply{}, classifyNetErr(ctx, redactKey(err, r.APIKey))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		x, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return analysis.Reply{}, apperrors.NewTransport(
			apperrors.TransportCauseForStatus(resp.StatusCode),
			resp.StatusCode,
			fmt.Errorf("gemini %d: %s", resp.StatusCode, strings.TrimSpace(string(x))),
		)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return analysis.Reply{}, classifyNetErr(ctx, err)
		}
		return analysis.Reply{}, apperrors.NewUnparsableResponse(fmt.Errorf("gemini envelope: %w", err))
	}
	return restReplyFrom(out)
}

func restReplyFrom(out generateResponse) (analysis.Reply, error) {
	if out.Error != nil {
		code := out.Error.Code
		return analysis.Reply{}, apperrors.NewTransport(
			apperrors.TransportCauseForStatus(code), code,
			fmt.Errorf("gemini %s: %s", out.Error.Status, out.Error.Message),
		)
	}
	if out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
		return analysis.Reply{Blocked: true, BlockReason: out.PromptFeedback.BlockReason}, nil
	}
	if len(out.Candidates) == 0 {
		return analysis.Reply{}, nil
	}

	c := out.Candidates[0]
	if blockedFinish[c.FinishReason] {
		return analysis.Reply{Blocked: true, FinishReason: c.FinishReason}, nil
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p.Thought {
			continue
		}
		sb.WriteString(p.Text)
	}
	return analysis.Reply{Text: sb.String(), FinishReason: c.FinishReason}, nil
}

func classifyNetErr(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return apperrors.NewTransport(apperrors.CauseTimeout, 0, err)
	}
	return apperrors.NewTransport(apperrors.CauseNetwork, 0, err)
}

// redactKey keeps the API key out of logged *url.Error messages.
func redactKey(err error, key string) error {
	var ue *url.Error
	if key == "" || !errors.As(err, &ue) {
		return err
	}
	ue.URL = strings.ReplaceAll(ue.URL, url.QueryEscape(key), "REDACTED")
	return err
}
