package channelsync

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"
)

// VerifySignature checks a keyed MAC over the raw, unparsed request body.
// The header carries the digest scheme as a prefix ("sha256=<hex>" or the
// older "sha1=<hex>"). Any missing, malformed, or mismatching signature is
// the same uniform false; callers must not reveal which check failed.
//
// The body must be the exact bytes received on the wire. Re-serializing a
// parsed structure before verifying breaks the signature on whitespace and
// key-order differences.
func VerifySignature(rawBody []byte, header, secret string) bool {
	header = strings.TrimSpace(header)
	if header == "" || secret == "" {
		return false
	}
	scheme, encoded, ok := strings.Cut(header, "=")
	if !ok {
		return false
	}
	var mac hash.Hash
	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case "sha256":
		mac = hmac.New(sha256.New, []byte(secret))
	case "sha1":
		mac = hmac.New(sha1.New, []byte(secret))
	default:
		return false
	}
	provided, err := hex.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return false
	}
	_, _ = mac.Write(rawBody)
	return hmac.Equal(provided, mac.Sum(nil))
}

// SignBody produces the signature header value for a body, used by the
// bootstrap flow's webhook self-test and by tests.
func SignBody(rawBody []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
