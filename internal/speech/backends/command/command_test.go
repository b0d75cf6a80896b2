package command

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPlayWAV(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.wav")
	p, err := New([]string{"sh", "-c", "cat > " + out}, FormatWAV)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pb, err := p.Play(t.Context(), bytes.NewReader([]byte{1, 2, 3, 4}))
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	select {
	case <-pb.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("playback did not finish")
	}

	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(b) != 48 {
		t.Fatalf("output length = %d, want 48", len(b))
	}
	if string(b[:4]) != "RIFF" || !bytes.Equal(b[44:], []byte{1, 2, 3, 4}) {
		t.Errorf("output = %v", b)
	}
}

func TestStopKillsProcess(t *testing.T) {
	p, err := New([]string{"sleep", "30"}, FormatRaw)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pb, err := p.Play(t.Context(), bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	pb.Stop()
	select {
	case <-pb.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not end playback")
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(nil, FormatRaw); err == nil {
		t.Error("expected error for empty command")
	}
	if _, err := New([]string{"aplay"}, "mp3"); err == nil {
		t.Error("expected error for unknown format")
	}
}
