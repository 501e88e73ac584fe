package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderTimestamp = "X-Signature-Timestamp"
	HeaderSignature = "X-Signature"

	// SignatureWindow 是允许的时钟偏差，超出视为重放
	SignatureWindow = 5 * time.Minute
)

var (
	ErrInvalidTimestamp       = errors.New("invalid timestamp")
	ErrTimestampOutsideWindow = errors.New("timestamp outside allowed window")
	ErrInvalidSignature       = errors.New("invalid signature")
	// ErrMissingSecret 空密钥的 HMAC 任何人都能算出，视为未配置
	ErrMissingSecret = errors.New("webhook secret is not configured")
)

// Verify 校验 HMAC-SHA256("<ts>.<body>") 的十六进制签名
func Verify(secret, timestamp, signature string, body []byte, now time.Time) error {
	if secret == "" {
		return ErrMissingSecret
	}
	timestamp = strings.TrimSpace(timestamp)
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	ts := time.Unix(sec, 0).UTC()
	now = now.UTC()
	if ts.Before(now.Add(-SignatureWindow)) || ts.After(now.Add(SignatureWindow)) {
		return ErrTimestampOutsideWindow
	}

	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(provided, mac(secret, timestamp, body)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign 计算签名，供测试和联调工具使用
func Sign(secret, timestamp string, body []byte) string {
	return hex.EncodeToString(mac(secret, timestamp, body))
}

func mac(secret, timestamp string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	_, _ = h.Write([]byte(timestamp))
	_, _ = h.Write([]byte{'.'})
	_, _ = h.Write(body)
	return h.Sum(nil)
}
