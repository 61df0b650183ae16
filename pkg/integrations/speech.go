package integrations

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/trifecta-ai/trifecta/pkg/auth"
	"github.com/trifecta-ai/trifecta/pkg/config"
	"github.com/trifecta-ai/trifecta/pkg/errdefs"
	"github.com/trifecta-ai/trifecta/pkg/httpclient"
)

const (
	speechKeyHeader     = "Ocp-Apim-Subscription-Key"
	speechRecognizePath = "/speech/recognition/conversation/cognitiveservices/v1"

	// DefaultAudioContentType is assumed when the caller sends none
	DefaultAudioContentType = "audio/wav; codecs=audio/pcm; samplerate=16000"
)

// Recognition is the outcome of a short-audio recognition request
type Recognition struct {
	Status   string `json:"status"`
	Text     string `json:"text"`
	Language string `json:"language"`
	Offset   int64  `json:"offset"`
	Duration int64  `json:"duration"`
}

// Recognized reports whether speech was found in the audio
func (r *Recognition) Recognized() bool {
	return r.Status == "Success"
}

// Speech transcribes short audio clips with the Azure Speech REST API
type Speech struct {
	client   *httpclient.Client
	key      auth.StaticKey
	baseURL  string
	language string
}

// NewSpeech creates a speech client. Without an explicit base URL the
// regional endpoint is derived from the region.
func NewSpeech(cfg config.ServiceConfig, opts ...httpclient.Option) *Speech {
	baseURL := cfg.BaseURL
	if baseURL == "" && cfg.Region != "" {
		baseURL = "https://" + cfg.Region + ".stt.speech.microsoft.com"
	}
	key := auth.HeaderKey(SpeechService, speechKeyHeader, cfg.APIKey)
	base := []httpclient.Option{
		httpclient.WithBaseURL(baseURL),
		httpclient.WithAuth(key),
		httpclient.WithTimeout(cfg.Timeout),
	}

	language := cfg.Language
	if language == "" {
		language = "en-US"
	}
	return &Speech{
		client:   httpclient.New(SpeechService, append(base, opts...)...),
		key:      key,
		baseURL:  baseURL,
		language: language,
	}
}

// Configured reports whether a key and an endpoint (or region) are present
func (s *Speech) Configured() bool {
	return s.baseURL != "" && s.key.Configured()
}

// Recognize transcribes audio. language overrides the configured default.
// The audio is sent once.
func (s *Speech) Recognize(ctx context.Context, audio []byte, contentType, language string) (*Recognition, error) {
	if !s.key.Configured() {
		return nil, errdefs.NotConfigured(SpeechService, "api_key")
	}
	if s.baseURL == "" {
		return nil, errdefs.NotConfigured(SpeechService, "region")
	}
	if len(audio) == 0 {
		return nil, errdefs.Invalid("audio", "request body is empty")
	}
	if strings.TrimSpace(contentType) == "" {
		contentType = DefaultAudioContentType
	}
	if language = strings.TrimSpace(language); language == "" {
		language = s.language
	}

	query := url.Values{"language": {language}, "format": {"simple"}}
	resp, err := s.client.Execute(ctx, httpclient.Request{
		Method:      http.MethodPost,
		URL:         speechRecognizePath + "?" + query.Encode(),
		Body:        audio,
		ContentType: contentType,
	})
	if err != nil {
		return nil, err
	}

	var out struct {
		RecognitionStatus string `json:"RecognitionStatus"`
		DisplayText       string `json:"DisplayText"`
		Offset            int64  `json:"Offset"`
		Duration          int64  `json:"Duration"`
	}
	if err := resp.Decode(&out); err != nil {
		return nil, &errdefs.UpstreamError{Service: SpeechService, StatusCode: resp.StatusCode, Body: "invalid JSON response: " + string(resp.Body)}
	}
	if out.RecognitionStatus == "Error" || out.RecognitionStatus == "" {
		return nil, &errdefs.UpstreamError{Service: SpeechService, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}

	return &Recognition{
		Status:   out.RecognitionStatus,
		Text:     out.DisplayText,
		Language: language,
		Offset:   out.Offset,
		Duration: out.Duration,
	}, nil
}
