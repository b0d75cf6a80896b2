// Package command plays PCM by piping it into an external command such as aplay.
package command

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/voicetyped/vi/internal/speech/audio"
	"github.com/voicetyped/vi/internal/speech/registry"
	"github.com/voicetyped/vi/pkg/speech"
)

const defaultCommand = "aplay -q -t raw -f S16_LE -r 16000 -c 1"

// Format is the framing written to the command's stdin.
type Format string

const (
	FormatRaw Format = "raw"
	FormatWAV Format = "wav"
)

func init() {
	registry.Players.Register("exec", func(config map[string]string) (speech.Player, error) {
		command := config["command"]
		if command == "" {
			command = defaultCommand
		}
		format := Format(config["format"])
		if format == "" {
			format = FormatRaw
		}
		return New(strings.Fields(command), format)
	})
}

// Player starts one process per utterance.
type Player struct {
	args   []string
	format Format
}

func New(args []string, format Format) (*Player, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("exec player: empty command")
	}
	switch format {
	case FormatRaw, FormatWAV:
	default:
		return nil, fmt.Errorf("exec player: unknown format %q", format)
	}
	return &Player{args: args, format: format}, nil
}

func (p *Player) Play(ctx context.Context, pcm io.Reader) (speech.Playback, error) {
	if p.format == FormatWAV {
		b, err := io.ReadAll(pcm)
		if err != nil {
			return nil, fmt.Errorf("exec player: read audio: %w", err)
		}
		var buf bytes.Buffer
		if err := audio.WriteWAVHeader(&buf, len(b)); err != nil {
			return nil, fmt.Errorf("exec player: %w", err)
		}
		buf.Write(b)
		pcm = &buf
	}

	pctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(pctx, p.args[0], p.args[1:]...)
	cmd.Stdin = pcm
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("exec player: start %s: %w", p.args[0], err)
	}

	pb := &playback{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(pb.done)
		defer cancel()
		if err := cmd.Wait(); err != nil && pctx.Err() == nil {
			slog.Warn("exec player: command failed",
				slog.String("command", p.args[0]),
				slog.String("error", err.Error()),
				slog.String("stderr", strings.TrimSpace(stderr.String())))
		}
	}()
	return pb, nil
}

type playback struct {
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

func (p *playback) Done() <-chan struct{} { return p.done }

// Stop kills the process.
func (p *playback) Stop() { p.once.Do(p.cancel) }
