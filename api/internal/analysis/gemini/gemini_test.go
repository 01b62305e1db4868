package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"tragatelo/api/internal/analysis"
	"tragatelo/api/internal/apperrors"
	"tragatelo/api/internal/encode"
)

func testRequest() analysis.Request {
	return analysis.Request{
		Mode:        analysis.ModeIngredients,
		Instruction: "Analiza los ingredientes",
		Image:       encode.NewEncodedImage("image/png", []byte("\x89PNG fake")),
	}
}

func TestRESTRequestShape(t *testing.T) {
	var got map[string]any
	var path, key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		key = r.URL.Query().Get("key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"{\"grade\":"},{"text":"\"A\"}"}]},"finishReason":"STOP"}]}`))
	}))
	defer srv.Close()

	r := NewREST("secret", "gemini-2.5-flash", srv.URL, 0, 5*time.Second)
	reply, err := r.Generate(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, `{"grade":"A"}`, reply.Text)
	assert.Equal(t, "STOP", reply.FinishReason)
	assert.False(t, reply.Blocked)
	assert.Equal(t, "/v1beta/models/gemini-2.5-flash:generateContent", path)
	assert.Equal(t, "secret", key)

	parts := got["contents"].([]any)[0].(map[string]any)["parts"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "Analiza los ingredientes", parts[0].(map[string]any)["text"])
	inline := parts[1].(map[string]any)["inline_data"].(map[string]any)
	assert.Equal(t, "image/png", inline["mime_type"])
	assert.NotEmpty(t, inline["data"])

	gc := got["generationConfig"].(map[string]any)
	assert.InDelta(t, 0.2, gc["temperature"], 1e-9)
	assert.EqualValues(t, 40, gc["topK"])
	assert.InDelta(t, 0.95, gc["topP"], 1e-9)
	assert.EqualValues(t, 4096, gc["maxOutputTokens"])
	assert.Equal(t, "application/json", gc["responseMimeType"])

	safety := got["safetySettings"].([]any)
	require.Len(t, safety, 4)
	for _, s := range safety {
		assert.Equal(t, "BLOCK_ONLY_HIGH", s.(map[string]any)["threshold"])
	}
}

func TestRESTStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   apperrors.Cause
	}{
		{http.StatusBadRequest, apperrors.CauseBadRequest},
		{http.StatusUnauthorized, apperrors.CauseForbidden},
		{http.StatusForbidden, apperrors.CauseForbidden},
		{http.StatusTooManyRequests, apperrors.CauseRateLimited},
		{http.StatusInternalServerError, apperrors.CauseServerError},
		{http.StatusServiceUnavailable, apperrors.CauseServerError},
		{http.StatusNotFound, apperrors.CauseUnexpectedStatus},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":{"message":"nope"}}`, tt.status)
			}))
			defer srv.Close()

			_, err := NewREST("k", "", srv.URL, 0, time.Second).Generate(context.Background(), testRequest())
			require.Error(t, err)
			assert.Equal(t, apperrors.KindTransport, apperrors.KindOf(err))
			assert.Equal(t, tt.want, apperrors.CauseOf(err))

			e, _ := apperrors.As(err)
			assert.Equal(t, tt.status, e.Upstream)
		})
	}
}

func TestRESTBlocked(t *testing.T) {
	bodies := map[string]string{
		"finish reason":   `{"candidates":[{"content":{"parts":[{"text":"{\"grade\":\"A\"}"}]},"finishReason":"SAFETY"}]}`,
		"prompt feedback": `{"promptFeedback":{"blockReason":"OTHER"}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			reply, err := NewREST("k", "", srv.URL, 0, time.Second).Generate(context.Background(), testRequest())
			require.NoError(t, err)
			assert.True(t, reply.Blocked)
			assert.Empty(t, reply.Text)
		})
	}
}

func TestRESTBodyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer srv.Close()

	_, err := NewREST("k", "", srv.URL, 0, time.Second).Generate(context.Background(), testRequest())
	assert.Equal(t, apperrors.CauseRateLimited, apperrors.CauseOf(err))
}

func TestRESTNetworkAndTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	_, err := NewREST("secret-key", "", addr, 0, time.Second).Generate(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, apperrors.CauseNetwork, apperrors.CauseOf(err))
	assert.NotContains(t, err.Error(), "secret-key")

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = NewREST("k", "", slow.URL, 0, 0).Generate(ctx, testRequest())
	assert.Equal(t, apperrors.CauseTimeout, apperrors.CauseOf(err))
}

func TestRESTMissingKey(t *testing.T) {
	_, err := NewREST("", "", "http://127.0.0.1:1", 0, time.Second).Generate(context.Background(), testRequest())
	assert.Equal(t, apperrors.CauseForbidden, apperrors.CauseOf(err))
}

func TestRESTThroughAnalysisClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		text := "```json\n{\"grade\":\"d\",\"healthScore\":35,\"ingredients\":[\"azúcar\"]}\n```"
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{map[string]any{
				"content":      map[string]any{"parts": []any{map[string]any{"text": text}}},
				"finishReason": "STOP",
			}},
		})
	}))
	defer srv.Close()

	c := analysis.NewClient(NewREST("k", "", srv.URL, 10, time.Second), analysis.Prompts{}, time.Second)
	out, err := c.Analyze(context.Background(), testRequest().Image, analysis.ModeIngredients)
	require.NoError(t, err)
	assert.Equal(t, analysis.GradeD, out.Analysis.Grade)
	assert.Equal(t, 35, out.Analysis.HealthScore)
	assert.Equal(t, analysis.ParsedFenced, out.ParsedBy)
	assert.Contains(t, out.Defaulted, analysis.FieldSummary)
}

func TestClassifySDKError(t *testing.T) {
	tests := []struct {
		code codes.Code
		want apperrors.Cause
	}{
		{codes.InvalidArgument, apperrors.CauseBadRequest},
		{codes.PermissionDenied, apperrors.CauseForbidden},
		{codes.Unauthenticated, apperrors.CauseForbidden},
		{codes.ResourceExhausted, apperrors.CauseRateLimited},
		{codes.Internal, apperrors.CauseServerError},
		{codes.Unavailable, apperrors.CauseNetwork},
		{codes.DeadlineExceeded, apperrors.CauseTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			src := status.Error(tt.code, "upstream said "+strings.ToLower(tt.code.String()))
			_, ok := apierror.FromError(src)
			require.True(t, ok)

			err := classifySDKError(context.Background(), src)
			assert.Equal(t, apperrors.KindTransport, apperrors.KindOf(err))
			assert.Equal(t, tt.want, apperrors.CauseOf(err))
		})
	}
}

func TestNewGenerator(t *testing.T) {
	gen, release, err := NewGenerator(context.Background(), Options{APIKey: "k", RPS: 1, Timeout: time.Second})
	require.NoError(t, err)
	defer release()
	assert.Equal(t, "gemini-rest", gen.Name())

	_, _, err = NewGenerator(context.Background(), Options{Transport: "sdk"})
	assert.Error(t, err, "sdk needs a key")

	_, _, err = NewGenerator(context.Background(), Options{Transport: "grpc", APIKey: "k"})
	assert.Error(t, err)
}

func TestUpperSnake(t *testing.T) {
	tests := map[string]string{
		"Safety":             "SAFETY",
		"ProhibitedContent":  "PROHIBITED_CONTENT",
		"SPII":               "SPII",
		"MaxTokens":          "MAX_TOKENS",
		"PROHIBITED_CONTENT": "PROHIBITED_CONTENT",
		"":                   "",
	}
	for in, want := range tests {
		assert.Equal(t, want, upperSnake(in), in)
	}
}

func TestSDKReplyFrom(t *testing.T) {
	resp := func(fr genai.FinishReason, text string) *genai.GenerateContentResponse {
		return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
			FinishReason: fr,
			Content:      &genai.Content{Parts: []genai.Part{genai.Text(text)}},
		}}}
	}

	r := replyFrom(resp(genai.FinishReasonSafety, `{"grade":"A"}`))
	assert.True(t, r.Blocked)
	assert.Equal(t, "SAFETY", r.FinishReason)
	assert.Empty(t, r.Text, "blocked text must not reach the parser")

	r = replyFrom(resp(genai.FinishReasonStop, `{"grade":"A"}`))
	assert.False(t, r.Blocked)
	assert.Equal(t, "STOP", r.FinishReason)
	assert.Equal(t, `{"grade":"A"}`, r.Text)

	r = replyFrom(resp(genai.FinishReasonMaxTokens, `{"grade":`))
	assert.False(t, r.Blocked)
	assert.Equal(t, "MAX_TOKENS", r.FinishReason)

	for reason := range blockedFinish {
		assert.True(t, blockedFinish[upperSnake(reason)], reason)
	}
	assert.Empty(t, replyFrom(nil).Text)
}
