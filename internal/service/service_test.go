package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/config"
)

type dish struct {
	Title    string `json:"title"`
	Servings int    `json:"servings"`
}

func TestDecodeStrict(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    dish
		wantErr bool
	}{
		{name: "plain", raw: `{"title":"Soup","servings":2}`, want: dish{Title: "Soup", Servings: 2}},
		{name: "fenced", raw: "```json\n{\"title\":\"Soup\",\"servings\":2}\n```", want: dish{Title: "Soup", Servings: 2}},
		{name: "bare fence", raw: "```\n{\"title\":\"Soup\"}\n```", want: dish{Title: "Soup"}},
		{name: "unknown field", raw: `{"title":"Soup","spice":"hot"}`, wantErr: true},
		{name: "trailing prose", raw: `{"title":"Soup"} Enjoy!`, wantErr: true},
		{name: "two objects", raw: `{"title":"Soup"}{"title":"Stew"}`, wantErr: true},
		{name: "wrong type", raw: `{"servings":"four"}`, wantErr: true},
		{name: "empty", raw: "  ", wantErr: true},
		{name: "prose", raw: "Here is your recipe", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got dish
			err := DecodeStrict(tt.raw, &got)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedOutput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func chatServer(t *testing.T, status int, content string, inspect func(Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if inspect != nil {
			inspect(req)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": content}, "finish_reason": "stop"},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestLLM(t *testing.T, url string) *LLMService {
	t.Helper()
	svc, err := NewLLMService(config.LLMConfig{
		APIKey:      "test-key",
		BaseURL:     url,
		Model:       "deepseek-chat",
		VisionModel: "vision",
		Timeout:     5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestNewLLMServiceRequiresKey(t *testing.T) {
	_, err := NewLLMService(config.LLMConfig{}, nil)
	assert.Error(t, err)
}

func TestCompleteJSON(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"title":"Soup","servings":4}`, func(req Request) {
		assert.Equal(t, "deepseek-chat", req.Model)
		assert.Equal(t, "json_object", req.ResponseFormat["type"])
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "extract", req.Messages[0].Content)
	})

	var got dish
	err := newTestLLM(t, srv.URL).CompleteJSON(context.Background(), "extract", "some recipe", &got)
	require.NoError(t, err)
	assert.Equal(t, dish{Title: "Soup", Servings: 4}, got)
}

func TestCompleteJSONRejectsMalformedReply(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"title":"Soup","calories":"lots"}`, nil)

	var got dish
	err := newTestLLM(t, srv.URL).CompleteJSON(context.Background(), "s", "u", &got)
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestCompleteJSONSurfacesHTTPErrors(t *testing.T) {
	srv := chatServer(t, http.StatusServiceUnavailable, "", nil)

	var got dish
	err := newTestLLM(t, srv.URL).CompleteJSON(context.Background(), "s", "u", &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestDescribeImageSendsVisionParts(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "  Pancakes\n2 eggs  ", func(req Request) {
		assert.Equal(t, "vision", req.Model)
		require.Len(t, req.Messages, 1)
		parts, ok := req.Messages[0].Content.([]interface{})
		require.True(t, ok)
		require.Len(t, parts, 2)
		img := parts[1].(map[string]interface{})
		assert.Equal(t, "image_url", img["type"])
		assert.Equal(t, "https://photos.example.com/card.jpg", img["image_url"].(map[string]interface{})["url"])
	})

	text, err := newTestLLM(t, srv.URL).DescribeImage(context.Background(), "transcribe", "https://photos.example.com/card.jpg")
	require.NoError(t, err)
	assert.Equal(t, "Pancakes\n2 eggs", text)
}

func newTestImages(t *testing.T, url string) *ImageService {
	t.Helper()
	svc, err := NewImageService(config.ImagesConfig{
		APIKey:  "test-key",
		BaseURL: url,
		Model:   "dall-e-3",
		Size:    "1024x1024",
		Timeout: 5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	svc.backoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return svc
}

func TestGenerateDecodesBase64(t *testing.T) {
	png := []byte("\x89PNG fake")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ImageGenerationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "b64_json", req.ResponseFormat)
		assert.Equal(t, "a bowl of soup", req.Prompt)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(png)}},
		})
	}))
	defer srv.Close()

	data, err := newTestImages(t, srv.URL).Generate(context.Background(), "a bowl of soup")
	require.NoError(t, err)
	assert.Equal(t, png, data)
}

func TestGenerateDownloadsURLResults(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/images/generations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{{"url": srv.URL + "/hosted.png"}},
		})
	})
	mux.HandleFunc("/hosted.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hosted-bytes"))
	})

	data, err := newTestImages(t, srv.URL).Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, []byte("hosted-bytes"), data)
}

func TestGenerateRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString([]byte("ok"))}},
		})
	}))
	defer srv.Close()

	data, err := newTestImages(t, srv.URL).Generate(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestGenerateGivesUpOnClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"content policy"}}`))
	}))
	defer srv.Close()

	_, err := newTestImages(t, srv.URL).Generate(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content policy")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestGenerateStopsAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestImages(t, srv.URL).Generate(context.Background(), "p")
	require.Error(t, err)
	assert.EqualValues(t, maxImageAttempts, atomic.LoadInt32(&calls))
}
