// Package piper synthesizes speech with a local Piper binary. Piper is run
// once per line and its raw 16 kHz PCM output is returned as is.
package piper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/voicetyped/vi/internal/speech/registry"
	"github.com/voicetyped/vi/pkg/speech"
)

// ErrNoAudio is returned when Piper exits cleanly without output.
var ErrNoAudio = errors.New("piper produced no audio")

func init() {
	registry.Synthesizers.Register("piper", func(config map[string]string) (speech.Synthesizer, error) {
		binary := config["binary_path"]
		if binary == "" {
			binary = "piper"
		}
		model := config["model_path"]
		if model == "" {
			return nil, errors.New("piper: model_path is required")
		}
		var extra []string
		if v := config["speaker"]; v != "" {
			extra = append(extra, "--speaker", v)
		}
		if v := config["length_scale"]; v != "" {
			extra = append(extra, "--length_scale", v)
		}
		return New(binary, model, extra...), nil
	})
}

// TTS implements speech.Synthesizer.
type TTS struct {
	binary string
	args   []string
}

// New creates a synthesizer for the given voice model. Extra arguments are
// passed to Piper unchanged.
func New(binary, model string, extra ...string) *TTS {
	args := append([]string{"--model", model, "--output-raw"}, extra...)
	return &TTS{binary: binary, args: args}
}

// Synthesize feeds text to Piper on stdin and returns its stdout.
func (p *TTS) Synthesize(ctx context.Context, text string) (io.Reader, error) {
	cmd := exec.CommandContext(ctx, p.binary, p.args...)
	cmd.Stdin = strings.NewReader(text + "\n")
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("piper: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if out.Len() == 0 {
		return nil, ErrNoAudio
	}
	return &out, nil
}
