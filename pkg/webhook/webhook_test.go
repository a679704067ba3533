package webhook

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(secret string, at time.Time, body []byte) http.Header {
	req, _ := http.NewRequest(http.MethodPost, "http://example.test", nil)
	SetHeaders(req, secret, at, body)
	return req.Header
}

func TestVerifyAcceptsFreshSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"type":"ping"}`)
	h := signed("s3cret", now, body)

	require.NoError(t, Verify("s3cret", h, body, now.Add(time.Minute), 5*time.Minute))
	assert.Contains(t, h.Get(HeaderSignature), "sha256=")
}

func TestVerifyRejects(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	body := []byte(`{"type":"ping"}`)

	tests := []struct {
		name   string
		header http.Header
		body   []byte
		at     time.Time
		want   error
	}{
		{"missing headers", http.Header{}, body, now, ErrMissingSignature},
		{"wrong secret", signed("other", now, body), body, now, ErrBadSignature},
		{"tampered body", signed("s3cret", now, body), []byte(`{"type":"pong"}`), now, ErrBadSignature},
		{"too old", signed("s3cret", now, body), body, now.Add(6 * time.Minute), ErrStaleTimestamp},
		{"from the future", signed("s3cret", now.Add(10*time.Minute), body), body, now, ErrStaleTimestamp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Verify("s3cret", tt.header, tt.body, tt.at, 5*time.Minute)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestVerifyMalformedSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	for _, sig := range []string{"abc", "sha256=zz", "md5=00"} {
		h := signed("s3cret", now, nil)
		h.Set(HeaderSignature, sig)
		assert.ErrorIs(t, Verify("s3cret", h, nil, now, time.Minute), ErrBadSignature, sig)
	}
}
