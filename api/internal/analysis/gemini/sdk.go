package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"

	"tragatelo/api/internal/analysis"
	"tragatelo/api/internal/apperrors"
	"tragatelo/api/internal/encode"
)

// SDK sends the same request as REST through the generative-ai-go client.
type SDK struct {
	Model string

	cl *genai.Client
}

func NewSDK(ctx context.Context, apiKey, model string) (*SDK, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY is empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini sdk client: %w", err)
	}
	return &SDK{Model: strings.TrimSpace(model), cl: cl}, nil
}

func (s *SDK) Name() string { return "gemini-sdk" }

func (s *SDK) Close() error { return s.cl.Close() }

func (s *SDK) model() *genai.GenerativeModel {
	m := s.cl.GenerativeModel(s.Model)
	m.GenerationConfig = genai.GenerationConfig{ResponseMIMEType: "application/json"}
	m.SetTemperature(temperature)
	m.SetTopK(topK)
	m.SetTopP(topP)
	m.SetMaxOutputTokens(maxOutputTokens)
	m.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockOnlyHigh},
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockOnlyHigh},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockOnlyHigh},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockOnlyHigh},
	}
	return m
}

func (s *SDK) Generate(ctx context.Context, req analysis.Request) (analysis.Reply, error) {
	img, err := req.Image.Bytes()
	if err != nil {
		return analysis.Reply{}, apperrors.NewInvalidInput("image payload is not valid base64", err)
	}

	resp, err := s.model().GenerateContent(ctx,
		genai.Text(req.Instruction),
		genai.Blob{MIMEType: blobMIME(req.Image), Data: img},
	)
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return blockedReply(blocked), nil
		}
		return analysis.Reply{}, classifySDKError(ctx, err)
	}
	return replyFrom(resp), nil
}

// replyFrom applies the same blocked-finish rule as the REST transport.
func replyFrom(resp *genai.GenerateContentResponse) analysis.Reply {
	reason := finishReason(resp)
	if blockedFinish[reason] {
		return analysis.Reply{Blocked: true, FinishReason: reason}
	}
	return analysis.Reply{Text: firstText(resp), FinishReason: reason}
}

func blobMIME(img encode.EncodedImage) string {
	if img.MIMEType == "" {
		return "image/jpeg"
	}
	return img.MIMEType
}

func blockedReply(b *genai.BlockedError) analysis.Reply {
	r := analysis.Reply{Blocked: true}
	if b.PromptFeedback != nil {
		r.BlockReason = b.PromptFeedback.BlockReason.String()
	}
	if b.Candidate != nil {
		r.FinishReason = finishName(b.Candidate.FinishReason)
	}
	return r
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			sb.WriteString(string(t))
		}
	}
	return sb.String()
}

func finishReason(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	return finishName(resp.Candidates[0].FinishReason)
}

// finishName spells an SDK finish reason the way the REST API does
// (ProhibitedContent -> PROHIBITED_CONTENT).
func finishName(fr genai.FinishReason) string {
	return upperSnake(strings.TrimPrefix(fr.String(), "FinishReason"))
}

func upperSnake(s string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range s {
		isUpper := unicode.IsUpper(r)
		if isUpper && prevLower {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToUpper(r))
		prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
	}
	return b.String()
}

// classifySDKError maps gRPC/HTTP API errors onto the transport causes used by REST.
func classifySDKError(ctx context.Context, err error) error {
	if ae, ok := apierror.FromError(err); ok {
		if code := ae.HTTPCode(); code > 0 {
			return apperrors.NewTransport(apperrors.TransportCauseForStatus(code), code, err)
		}
		if st := ae.GRPCStatus(); st != nil {
			code := httpStatusForGRPC(st.Code())
			if st.Code() == codes.DeadlineExceeded {
				return apperrors.NewTransport(apperrors.CauseTimeout, 0, err)
			}
			if st.Code() == codes.Unavailable {
				return apperrors.NewTransport(apperrors.CauseNetwork, 0, err)
			}
			return apperrors.NewTransport(apperrors.TransportCauseForStatus(code), code, err)
		}
	}
	return classifyNetErr(ctx, err)
}

func httpStatusForGRPC(c codes.Code) int {
	switch c {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Internal, codes.Unknown, codes.DataLoss:
		return http.StatusInternalServerError
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
