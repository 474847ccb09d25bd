// Package middleware 提供 HTTP 中间件。
package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/voxturn/backend/pkg/utils"
)

// SignatureHeader carries the webhook signature: "t=<unix>,v1=<hex>".
const SignatureHeader = "layercode-signature"

const maxWebhookBody = 1 << 20

var (
	ErrMissingSignature   = errors.New("missing signature")
	ErrMalformedSignature = errors.New("malformed signature")
	ErrSignatureMismatch  = errors.New("signature mismatch")
	ErrSignatureExpired   = errors.New("signature timestamp outside tolerance")
)

// Sign returns the header value for body signed at ts. The HMAC-SHA256 is
// computed over "<unix ts>.<body>".
func Sign(secret string, body []byte, ts time.Time) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + t + ",v1=" + digest(secret, t, body)
}

func digest(secret, t string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(t))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureVerifier rejects webhook deliveries that were not signed with the
// shared secret.
type SignatureVerifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// NewSignatureVerifier creates a verifier. A zero tolerance disables the
// timestamp age check.
func NewSignatureVerifier(secret string, tolerance time.Duration, logger zerolog.Logger) *SignatureVerifier {
	return &SignatureVerifier{
		secret:    secret,
		tolerance: tolerance,
		now:       time.Now,
		logger:    logger.With().Str("component", "signature").Logger(),
	}
}

// Enabled reports whether a secret is configured.
func (v *SignatureVerifier) Enabled() bool {
	return v != nil && v.secret != ""
}

// Verify checks header against body.
func (v *SignatureVerifier) Verify(header string, body []byte) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingSignature
	}

	var (
		ts         string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return fmt.Errorf("%w: %q", ErrMalformedSignature, part)
		}
		switch k {
		case "t":
			ts = val
		case "v1":
			signatures = append(signatures, val)
		}
	}
	if ts == "" || len(signatures) == 0 {
		return ErrMalformedSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrMalformedSignature, ts)
	}
	if v.tolerance > 0 {
		age := v.now().Sub(time.Unix(unix, 0))
		if age < 0 {
			age = -age
		}
		if age > v.tolerance {
			return ErrSignatureExpired
		}
	}

	expected := digest(v.secret, ts, body)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

// Middleware verifies the signature and hands the handler an untouched body.
// It passes everything through when no secret is configured.
func (v *SignatureVerifier) Middleware(next http.Handler) http.Handler {
	if !v.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			utils.RespondText(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}

		if err := v.Verify(r.Header.Get(SignatureHeader), body); err != nil {
			v.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejected webhook")
			utils.RespondText(w, http.StatusUnauthorized, "Invalid layercode-signature")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
