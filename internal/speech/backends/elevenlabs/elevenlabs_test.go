package elevenlabs

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if want := "/text-to-speech/v1"; r.URL.Path != want {
			t.Errorf("path = %q, want %q", r.URL.Path, want)
		}
		if f := r.URL.Query().Get("output_format"); f != "pcm_16000" {
			t.Errorf("output_format = %q", f)
		}
		if k := r.Header.Get("xi-api-key"); k != "secret" {
			t.Errorf("xi-api-key = %q", k)
		}
		w.Write([]byte{1, 2, 3, 4})
	}))
	defer srv.Close()

	tts, err := New(map[string]string{"api_key": "secret", "base_url": srv.URL, "voice": "v1"})
	if err != nil {
		t.Fatal(err)
	}
	r, err := tts.Synthesize(t.Context(), "hi")
	if err != nil {
		t.Fatal(err)
	}
	pcm, _ := io.ReadAll(r)
	if len(pcm) != 4 {
		t.Errorf("pcm length = %d, want 4", len(pcm))
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(map[string]string{}); err == nil {
		t.Error("expected error without an API key")
	}
}
