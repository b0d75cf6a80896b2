// Package openai synthesizes speech with the OpenAI-compatible /audio/speech
// API.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/voicetyped/vi/internal/speech/audio"
	"github.com/voicetyped/vi/internal/speech/backends/restutil"
	"github.com/voicetyped/vi/internal/speech/registry"
	"github.com/voicetyped/vi/pkg/speech"
)

const defaultBaseURL = "https://api.openai.com/v1"

func init() {
	registry.Synthesizers.Register("openai", func(config map[string]string) (speech.Synthesizer, error) {
		return New(config)
	})
}

// TTS implements speech.Synthesizer.
type TTS struct {
	apiKey  string
	baseURL string
	model   string
	voice   string
}

// New builds a TTS from its config map. Keys: api_key (or openai_api_key),
// base_url, model, voice.
func New(config map[string]string) (*TTS, error) {
	apiKey := config["openai_api_key"]
	if apiKey == "" {
		apiKey = config["api_key"]
	}
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key required (set openai_api_key in config)")
	}
	t := &TTS{
		apiKey:  apiKey,
		baseURL: config["base_url"],
		model:   config["model"],
		voice:   config["voice"],
	}
	if t.baseURL == "" {
		t.baseURL = defaultBaseURL
	}
	if t.model == "" {
		t.model = "tts-1"
	}
	if t.voice == "" {
		t.voice = "alloy"
	}
	return t, nil
}

type ttsRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format"`
}

// Synthesize returns 16kHz 16-bit mono PCM.
func (o *TTS) Synthesize(ctx context.Context, text string) (io.Reader, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + o.apiKey,
		"Content-Type":  "application/json",
	}
	pcm24, err := restutil.PostAudio(ctx, o.baseURL+"/audio/speech", headers, ttsRequest{
		Model:          o.model,
		Input:          text,
		Voice:          o.voice,
		ResponseFormat: "pcm",
	})
	if err != nil {
		return nil, fmt.Errorf("openai TTS: %w", err)
	}

	// pcm format is 24kHz.
	return bytes.NewReader(audio.Resample24to16(pcm24)), nil
}
