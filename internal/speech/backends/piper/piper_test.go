package piper

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakePiper writes a script that echoes its arguments and stdin.
func fakePiper(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "piper")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestSynthesize(t *testing.T) {
	bin := fakePiper(t, `echo "$@"; cat`)
	tts := New(bin, "amy.onnx", "--speaker", "2")

	r, err := tts.Synthesize(t.Context(), "Docking granted.")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	out, _ := io.ReadAll(r)
	want := "--model amy.onnx --output-raw --speaker 2\nDocking granted.\n"
	if string(out) != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestSynthesizeFailures(t *testing.T) {
	tests := []struct {
		name   string
		script string
		check  func(error) bool
	}{
		{"exit status", `echo "model not found" >&2; exit 3`, func(err error) bool {
			return err != nil && strings.Contains(err.Error(), "model not found")
		}},
		{"no output", `cat >/dev/null`, func(err error) bool { return errors.Is(err, ErrNoAudio) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tts := New(fakePiper(t, tt.script), "m.onnx")
			if _, err := tts.Synthesize(t.Context(), "hello"); !tt.check(err) {
				t.Errorf("Synthesize error = %v", err)
			}
		})
	}
}
