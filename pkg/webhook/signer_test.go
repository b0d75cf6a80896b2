package webhook

import (
	"errors"
	"strconv"
	"testing"
	"time"
)

func TestVerify(t *testing.T) {
	secret := "test-secret-key"
	payload := []byte(`{"type":"node.activated","data":{}}`)
	now := time.Now().Unix()
	sig := Sign(secret, now, payload)
	ts := strconv.FormatInt(now, 10)

	old := time.Now().Add(-time.Hour).Unix()
	oldSig := Sign(secret, old, payload)

	tests := []struct {
		name    string
		secret  string
		ts      string
		payload []byte
		sig     string
		skew    time.Duration
		want    error
	}{
		{"valid", secret, ts, payload, sig, time.Minute, nil},
		{"wrong secret", "other", ts, payload, sig, 0, ErrBadSignature},
		{"tampered payload", secret, ts, []byte("tampered"), sig, 0, ErrBadSignature},
		{"moved timestamp", secret, strconv.FormatInt(now+1, 10), payload, sig, 0, ErrBadSignature},
		{"bad timestamp", secret, "yesterday", payload, sig, 0, ErrBadSignature},
		{"stale", secret, strconv.FormatInt(old, 10), payload, oldSig, time.Minute, ErrStaleSignature},
		{"stale without skew check", secret, strconv.FormatInt(old, 10), payload, oldSig, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify(tt.secret, tt.ts, tt.payload, tt.sig, tt.skew)
			if !errors.Is(err, tt.want) {
				t.Errorf("Verify = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestGenerateSecret(t *testing.T) {
	s1, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	if len(s1) != 64 {
		t.Errorf("secret length = %d, want 64 hex chars", len(s1))
	}
	s2, err := GenerateSecret()
	if err != nil {
		t.Fatalf("GenerateSecret: %v", err)
	}
	if s1 == s2 {
		t.Error("two generated secrets should differ")
	}
}
