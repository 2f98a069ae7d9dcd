package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/orinchat/billing/internal/clock"
)

// Verifier validates provider webhook signatures.
//
// The signature header is a comma-separated list of key=value pairs carrying
// exactly one t=<unix-timestamp> and one or more v1=<hex-hmac>. The signed
// payload is "{t}.{rawBody}" and the expected digest is HMAC-SHA256 under any
// of the configured secrets. Multiple secrets support rotation.
type Verifier struct {
	secrets   [][]byte
	tolerance time.Duration
	clock     clock.Clock
}

func NewVerifier(secrets []string, tolerance time.Duration, clk clock.Clock) (*Verifier, error) {
	keys := make([][]byte, 0, len(secrets))
	for _, secret := range secrets {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			continue
		}
		keys = append(keys, []byte(secret))
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("webhook: no signing secrets configured")
	}
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Verifier{secrets: keys, tolerance: tolerance, clock: clk}, nil
}

// Verify checks the signature header against the raw request body. Any
// failure, including a stale timestamp, reports ErrInvalidSignature without
// distinguishing the cause.
func (v *Verifier) Verify(payload []byte, sigHeader string) error {
	sigHeader = strings.TrimSpace(sigHeader)
	if sigHeader == "" {
		return ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	age := v.clock.Now().Sub(time.Unix(ts, 0))
	if age > v.tolerance || age < -v.tolerance {
		return ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	for _, secret := range v.secrets {
		mac := hmac.New(sha256.New, secret)
		_, _ = mac.Write([]byte(signedPayload))
		expected := mac.Sum(nil)

		for _, signature := range signatures {
			provided, err := hex.DecodeString(signature)
			if err != nil {
				continue
			}
			if hmac.Equal(provided, expected) {
				return nil
			}
		}
	}

	return ErrInvalidSignature
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, ErrInvalidSignature
	}
	return timestamp, signatures, nil
}
