package checkout

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Webhook signatures arrive as "t=<unix>,v1=<hex hmac>". The HMAC is
// SHA256 over "<unix>.<raw body>" keyed by the endpoint secret.

// Sign produces a signature header for the given body and timestamp.
// Exported for the test fakes that emulate the processor.
func Sign(body []byte, secret string, at time.Time) string {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return fmt.Sprintf("t=%s,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil)))
}

// VerifySignature checks the header against the body. Comparison is
// constant time; the timestamp must fall within tolerance of now.
func VerifySignature(body []byte, header string, secret string, now time.Time, tolerance time.Duration) error {
	timestamp, received, err := splitSignatureHeader(header)
	if err != nil {
		return err
	}

	signedAt := time.Unix(timestamp, 0)
	age := now.Sub(signedAt)
	if age < 0 {
		age = -age
	}
	if age > tolerance {
		return ErrSignatureTooStale
	}

	expected := Sign(body, secret, signedAt)
	expectedHex := expected[strings.Index(expected, "v1=")+3:]
	if !hmac.Equal([]byte(expectedHex), []byte(strings.ToLower(received))) {
		return ErrInvalidSignature
	}
	return nil
}

func splitSignatureHeader(header string) (int64, string, error) {
	var timestampRaw, signature string
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			timestampRaw = value
		case "v1":
			signature = value
		}
	}
	if timestampRaw == "" || signature == "" {
		return 0, "", ErrInvalidSignature
	}
	timestamp, err := strconv.ParseInt(timestampRaw, 10, 64)
	if err != nil {
		return 0, "", ErrInvalidSignature
	}
	return timestamp, signature, nil
}
