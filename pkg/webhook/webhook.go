// Package webhook signs and verifies JSON webhook bodies with a shared secret.
//
// The signature is sha256=<hex(HMAC-SHA256(secret, timestamp + "." + body))>, carried in
// X-CFP-Signature next to the unix timestamp in X-CFP-Timestamp.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-CFP-Signature"
	HeaderTimestamp = "X-CFP-Timestamp"
	signaturePrefix = "sha256="
)

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrBadSignature     = errors.New("webhook signature mismatch")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside tolerance")
)

// Sign returns the signature header value for body sent at ts.
func Sign(secret string, ts time.Time, body []byte) string {
	return signaturePrefix + mac(secret, strconv.FormatInt(ts.Unix(), 10), body)
}

// SetHeaders stamps req with a timestamp and signature for body.
func SetHeaders(req *http.Request, secret string, now time.Time, body []byte) {
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	req.Header.Set(HeaderSignature, Sign(secret, now, body))
}

// Verify checks the timestamp and signature headers against body. maxSkew <= 0 disables the age check.
func Verify(secret string, h http.Header, body []byte, now time.Time, maxSkew time.Duration) error {
	tsRaw := h.Get(HeaderTimestamp)
	sig := h.Get(HeaderSignature)
	if tsRaw == "" || sig == "" {
		return ErrMissingSignature
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	if maxSkew > 0 {
		d := now.Sub(time.Unix(ts, 0))
		if d < 0 {
			d = -d
		}
		if d > maxSkew {
			return ErrStaleTimestamp
		}
	}
	if !strings.HasPrefix(sig, signaturePrefix) {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(sig, signaturePrefix))
	if err != nil {
		return ErrBadSignature
	}
	want, _ := hex.DecodeString(mac(secret, tsRaw, body))
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}

func mac(secret, ts string, body []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write([]byte(ts))
	m.Write([]byte("."))
	m.Write(body)
	return hex.EncodeToString(m.Sum(nil))
}
