package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/bosley/dictation/audio"
	"github.com/bosley/dictation/transcript"
)

const (
	DefaultOpenAIURL   = "https://api.openai.com/v1"
	DefaultOpenAIModel = "whisper-1"
)

// OpenAI transcribes through the hosted audio.transcriptions endpoint
type OpenAI struct {
	APIKey  string
	BaseURL string
	Model   string
	Client  *http.Client
}

func NewOpenAI(apiKey string) *OpenAI {
	return &OpenAI{
		APIKey:  apiKey,
		BaseURL: DefaultOpenAIURL,
		Model:   DefaultOpenAIModel,
		Client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Available() bool {
	return strings.TrimSpace(o.APIKey) != ""
}

type verboseSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type verboseResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []verboseSegment `json:"segments"`
}

func (o *OpenAI) Transcribe(ctx context.Context, clip audio.Clip, language string) (Result, error) {
	if !o.Available() {
		return Result{}, unavailable(o.Name(), "no API key configured")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	model := o.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	fields := map[string]string{
		"model":                     model,
		"response_format":           "verbose_json",
		"timestamp_granularities[]": "segment",
	}
	if language != "" {
		fields["language"] = language
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return Result{}, fmt.Errorf("failed to write form field %s: %w", k, err)
		}
	}

	ext := clip.Format
	if ext == "" {
		ext = "wav"
	}
	fw, err := mw.CreateFormFile("file", "audio."+ext)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fw.Write(clip.Data); err != nil {
		return Result{}, fmt.Errorf("failed to write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to close form: %w", err)
	}

	baseURL := o.BaseURL
	if baseURL == "" {
		baseURL = DefaultOpenAIURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/audio/transcriptions", &body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+o.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("openai http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var vr verboseResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return Result{}, fmt.Errorf("failed to decode openai response: %w", err)
	}

	fragments := make([]transcript.Fragment, 0, len(vr.Segments))
	for _, s := range vr.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		fragments = append(fragments, transcript.Fragment{Start: s.Start, End: s.End, Text: text})
	}

	result := Result{
		Text:      strings.TrimSpace(vr.Text),
		Fragments: fragments,
		Language:  vr.Language,
		Duration:  vr.Duration,
	}
	if result.Text == "" {
		result.Text = transcript.Text(fragments)
	}
	return result, nil
}
