package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Delivery headers.
const (
	SignatureHeader = "X-Vi-Signature-256"
	TimestampHeader = "X-Vi-Timestamp"
	EventHeader     = "X-Vi-Event"
	DeliveryHeader  = "X-Vi-Delivery"
)

var (
	ErrBadSignature   = errors.New("webhook signature mismatch")
	ErrStaleSignature = errors.New("webhook signature outside the allowed skew")
)

// Sign returns "sha256=<hex>" over "<unix seconds>.<payload>", so a captured
// request cannot be replayed with a new timestamp.
func Sign(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(strconv.AppendInt(nil, timestamp, 10))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// SignRequest sets the timestamp and signature headers on req.
func SignRequest(req *http.Request, secret string, body []byte, now time.Time) {
	ts := now.Unix()
	req.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
	req.Header.Set(SignatureHeader, Sign(secret, ts, body))
}

// Verify checks a signature made by Sign. A positive maxSkew also rejects
// timestamps further than maxSkew from now.
func Verify(secret, timestamp string, payload []byte, signature string, maxSkew time.Duration) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal([]byte(Sign(secret, ts, payload)), []byte(signature)) {
		return ErrBadSignature
	}
	if maxSkew > 0 {
		if d := time.Since(time.Unix(ts, 0)); d > maxSkew || d < -maxSkew {
			return ErrStaleSignature
		}
	}
	return nil
}

// VerifyRequest is Verify over the headers of r. body is the request body
// already read by the caller.
func VerifyRequest(r *http.Request, secret string, body []byte, maxSkew time.Duration) error {
	return Verify(secret, r.Header.Get(TimestampHeader), body, r.Header.Get(SignatureHeader), maxSkew)
}

// GenerateSecret returns 32 random bytes, hex encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
