package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/rs/zerolog"
)

// SignatureHeader is the request header carrying the sender's signature,
// formatted as t=<unixSeconds>,v1=<hex>[,v1=<hex>...].
const SignatureHeader = "Exa-Signature"

// Verifier checks webhook payload signatures. The secret and the skip flag are
// fixed at construction; nothing is read from the process environment here.
type Verifier struct {
	secret []byte
	skip   bool
	logger zerolog.Logger
}

func NewVerifier(secret string, skip bool, logger zerolog.Logger) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		skip:   skip,
		logger: logger,
	}
}

// Verify reports whether the signature header matches the raw request body.
// Verification is skipped, with a logged notice, when no secret is configured
// or the verifier was built with the explicit skip flag. All parse failures
// reject.
func (v *Verifier) Verify(rawBody []byte, signatureHeader string) bool {
	if v == nil {
		return false
	}
	if len(v.secret) == 0 {
		v.logger.Warn().Msg("no webhook secret configured, skipping signature verification")
		return true
	}
	if v.skip {
		v.logger.Warn().Msg("signature verification explicitly disabled, skipping")
		return true
	}

	timestamp, candidates, ok := parseSignatureHeader(signatureHeader)
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	for _, candidate := range candidates {
		provided, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, provided) {
			return true
		}
	}
	return false
}

// parseSignatureHeader splits the comma-separated key=value header into the
// timestamp and the v1 signature candidates. Multiple v1 values support secret
// rotation.
func parseSignatureHeader(header string) (timestamp string, candidates []string, ok bool) {
	for _, pair := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			if timestamp == "" {
				timestamp = value
			}
		case "v1":
			if value != "" {
				candidates = append(candidates, value)
			}
		}
	}

	if timestamp == "" || len(candidates) == 0 {
		return "", nil, false
	}
	return timestamp, candidates, true
}
