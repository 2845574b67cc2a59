package chat

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// SignatureVersion prefixes both the signing base string and the
	// signature itself.
	SignatureVersion = "v0"

	HeaderSignature = "X-Slack-Signature"
	HeaderTimestamp = "X-Slack-Request-Timestamp"
)

// Sign computes the request signature for body sent at timestamp.
func Sign(timestamp string, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(SignatureVersion + ":" + timestamp + ":"))
	mac.Write(body)
	return SignatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body and timestamp
// under secret. It never consults the clock; see CheckTimestamp.
func VerifySignature(signature, timestamp string, body []byte, secret string) bool {
	if secret == "" || timestamp == "" || !strings.HasPrefix(signature, SignatureVersion+"=") {
		return false
	}
	expected := Sign(timestamp, body, secret)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// CheckTimestamp rejects request timestamps further than maxSkew from now.
// A zero maxSkew disables the check.
func CheckTimestamp(timestamp string, now time.Time, maxSkew time.Duration) error {
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid request timestamp %q", timestamp)
	}
	if maxSkew <= 0 {
		return nil
	}
	skew := now.Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return fmt.Errorf("request timestamp %s is %s away from now (max %s)", timestamp, skew.Round(time.Second), maxSkew)
	}
	return nil
}
