package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader 出站 webhook 签名头
const SignatureHeader = "X-Consult-Signature"

var ErrInvalidSignature = errors.New("invalid signature")

// Signer 使用 HMAC-SHA256 对 webhook 负载签名
type Signer struct {
	key []byte
}

func NewSigner(secret string) (*Signer, error) {
	if len(secret) < 16 {
		return nil, errors.New("webhook secret must be at least 16 bytes")
	}
	return &Signer{key: []byte(secret)}, nil
}

// Sign returns "t=<unix>,v1=<hex>" over "<unix>.<body>".
func (s *Signer) Sign(body []byte, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + s.mac(unix, body)
}

// Verify checks a header produced by Sign and rejects timestamps older than tolerance.
func (s *Signer) Verify(header string, body []byte, now time.Time, tolerance time.Duration) error {
	var unix, sig string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			unix = v
		case "v1":
			sig = v
		}
	}
	if unix == "" || sig == "" {
		return ErrInvalidSignature
	}
	sec, err := strconv.ParseInt(unix, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if tolerance > 0 && now.Sub(time.Unix(sec, 0)) > tolerance {
		return ErrInvalidSignature
	}
	if !hmac.Equal([]byte(sig), []byte(s.mac(unix, body))) {
		return ErrInvalidSignature
	}
	return nil
}

func (s *Signer) mac(unix string, body []byte) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(unix))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
