package elevenlabs

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/voicetyped/vi/internal/speech/backends/restutil"
	"github.com/voicetyped/vi/internal/speech/registry"
	"github.com/voicetyped/vi/pkg/speech"
)

const (
	defaultBaseURL = "https://api.elevenlabs.io/v1"
	defaultVoice   = "21m00Tcm4TlvDq8ikWAM" // Rachel
)

func init() {
	registry.Synthesizers.Register("elevenlabs", func(config map[string]string) (speech.Synthesizer, error) {
		return New(config)
	})
}

type request struct {
	Text          string      `json:"text"`
	ModelID       string      `json:"model_id"`
	VoiceSettings voiceConfig `json:"voice_settings"`
}

type voiceConfig struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// TTS implements speech.Synthesizer using the ElevenLabs REST API.
type TTS struct {
	apiKey  string
	baseURL string
	model   string
	voice   string
}

func New(config map[string]string) (*TTS, error) {
	apiKey := config["elevenlabs_api_key"]
	if apiKey == "" {
		apiKey = config["api_key"]
	}
	if apiKey == "" {
		return nil, fmt.Errorf("elevenlabs API key required (set elevenlabs_api_key in config)")
	}
	e := &TTS{apiKey: apiKey, baseURL: config["base_url"], model: config["model"], voice: config["voice"]}
	if e.baseURL == "" {
		e.baseURL = defaultBaseURL
	}
	if e.model == "" {
		e.model = "eleven_multilingual_v2"
	}
	if e.voice == "" {
		e.voice = defaultVoice
	}
	return e, nil
}

func (e *TTS) Synthesize(ctx context.Context, text string) (io.Reader, error) {
	apiURL := fmt.Sprintf("%s/text-to-speech/%s?output_format=pcm_16000", e.baseURL, e.voice)

	headers := map[string]string{
		"xi-api-key":   e.apiKey,
		"Content-Type": "application/json",
	}

	pcm, err := restutil.PostAudio(ctx, apiURL, headers, request{
		Text:    text,
		ModelID: e.model,
		VoiceSettings: voiceConfig{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs TTS: %w", err)
	}
	return bytes.NewReader(pcm), nil
}
