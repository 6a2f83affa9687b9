package auth

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

	"github.com/csai/lab-shell/internal/config"
)

const (
	headerTimestamp = "X-Shell-Timestamp"
	headerNonce     = "X-Shell-Nonce"
	headerSignature = "X-Shell-Signature"

	// maxSignedBody caps how much of a request body is buffered for signing.
	maxSignedBody = 1 << 20
)

var errReplay = errors.New("nonce replay detected")

type MiddlewareState struct {
	nonce *NonceCache
}

func NewMiddlewareState(nonceTTLSeconds int) *MiddlewareState {
	if nonceTTLSeconds <= 0 {
		nonceTTLSeconds = 360
	}
	return &MiddlewareState{nonce: NewNonceCache(time.Duration(nonceTTLSeconds) * time.Second)}
}

// Middleware enforces cfg.Mode. Mode "none" trusts every caller and is meant
// for the default loopback listener.
func (s *MiddlewareState) Middleware(cfg config.AuthConfig, next http.Handler) http.Handler {
	mode := strings.ToLower(cfg.Mode)
	if mode == "none" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r, mode, cfg) {
			writeDenied(w, http.StatusUnauthorized, "unauthorized", "Invalid API authentication.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// In "either" mode a valid bearer token skips the HMAC check and spends no
// nonce.
func (s *MiddlewareState) authorized(r *http.Request, mode string, cfg config.AuthConfig) bool {
	bearerOK := cfg.BearerToken != "" && validateBearer(r, cfg.BearerToken)
	switch mode {
	case "bearer":
		return bearerOK
	case "hmac":
		return s.hmacOK(r, cfg)
	default:
		return bearerOK || s.hmacOK(r, cfg)
	}
}

func (s *MiddlewareState) hmacOK(r *http.Request, cfg config.AuthConfig) bool {
	if cfg.HMACSecret == "" {
		return false
	}
	ok, err := s.validateHMAC(r, cfg.HMACSecret, cfg.HMACSkewSeconds)
	return err == nil && ok
}

func writeDenied(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `{"error":{"code":%q,"message":%q,"details":null}}`+"\n", code, message)
}

func validateBearer(r *http.Request, token string) bool {
	provided, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return hmac.Equal([]byte(strings.TrimSpace(provided)), []byte(token))
}

// Sign returns the hex signature for a request. The canonical form is
// method, path, timestamp, nonce and the hex SHA-256 of the body joined by
// newlines.
func Sign(secret, method, path, timestamp, nonce string, body []byte) string {
	bodyHash := sha256.Sum256(body)
	canonical := method + "\n" + path + "\n" + timestamp + "\n" + nonce + "\n" + hex.EncodeToString(bodyHash[:])
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest sets the signing headers on req. The body must already be
// attached and is restored after reading.
func SignRequest(req *http.Request, secret, nonce string, now time.Time) error {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		body = b
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	ts := strconv.FormatInt(now.UTC().Unix(), 10)
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerNonce, nonce)
	req.Header.Set(headerSignature, Sign(secret, req.Method, req.URL.Path, ts, nonce, body))
	return nil
}

func (s *MiddlewareState) validateHMAC(r *http.Request, secret string, skewSecs int) (bool, error) {
	tsRaw := r.Header.Get(headerTimestamp)
	nonce := r.Header.Get(headerNonce)
	sigRaw := r.Header.Get(headerSignature)
	if tsRaw == "" || nonce == "" || sigRaw == "" {
		return false, fmt.Errorf("missing hmac headers")
	}

	tsUnix, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("invalid timestamp")
	}
	t := time.Unix(tsUnix, 0).UTC()
	if skewSecs <= 0 {
		skewSecs = 300
	}
	now := time.Now().UTC()
	if delta := now.Sub(t); delta > time.Duration(skewSecs)*time.Second || delta < -time.Duration(skewSecs)*time.Second {
		return false, fmt.Errorf("timestamp skew too large")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
	if err != nil {
		return false, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	expected := Sign(secret, r.Method, r.URL.Path, tsRaw, nonce, body)
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(sigRaw))) {
		return false, nil
	}
	if !s.nonce.Remember(nonce, now.Add(time.Duration(skewSecs+60)*time.Second)) {
		return false, errReplay
	}
	return true, nil
}
