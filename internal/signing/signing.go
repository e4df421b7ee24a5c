// Package signing implements Flow402's HMAC request-signature verifier (C1).
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Header names accepted for the signature (preferred first) and body hash.
const (
	HeaderSigPreferred = "x-f402-sig"
	HeaderSigLegacy    = "x-flow402-signature"
	HeaderBodySHA      = "x-f402-body-sha"
)

// Reason is a C1 sub-error code, surfaced verbatim in 401 response bodies.
type Reason string

const (
	ReasonMissingHeader    Reason = "missing_signature_header"
	ReasonInvalidFormat    Reason = "invalid_signature_format"
	ReasonTimestampSkew    Reason = "timestamp_out_of_window"
	ReasonMissingBodyHash  Reason = "missing_body_hash"
	ReasonBodyHashMismatch Reason = "body_hash_mismatch"
	ReasonSignatureMismatch Reason = "signature_mismatch"
)

// VerifyError wraps a Reason so callers can branch on the tag, not strings.
type VerifyError struct {
	Reason Reason
}

func (e *VerifyError) Error() string { return string(e.Reason) }

func fail(r Reason) error { return &VerifyError{Reason: r} }

// AsReason extracts the Reason from err if it is a *VerifyError.
func AsReason(err error) (Reason, bool) {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve.Reason, true
	}
	return "", false
}

// Headers is the subset of request headers the verifier needs, extracted by
// the caller so this package never touches a transport type directly.
type Headers struct {
	Signature string // value of x-f402-sig or x-flow402-signature
	BodySHA   string // value of x-f402-body-sha
}

// Verify checks the signature of body against secret, using now as the
// verifier's clock and skew as the allowed |now - t| window (default 300s).
// On success it returns the embedded unix timestamp.
func Verify(h Headers, secret []byte, body []byte, now time.Time, skew time.Duration) (int64, error) {
	sig := strings.TrimSpace(h.Signature)
	if sig == "" {
		return 0, fail(ReasonMissingHeader)
	}

	t, v1, err := parseSignatureHeader(sig)
	if err != nil {
		return 0, fail(ReasonInvalidFormat)
	}

	delta := now.Unix() - t
	if delta < 0 {
		delta = -delta
	}
	if delta > int64(skew.Seconds()) {
		return 0, fail(ReasonTimestampSkew)
	}

	bodySHA := strings.TrimSpace(h.BodySHA)
	if bodySHA == "" {
		return 0, fail(ReasonMissingBodyHash)
	}
	computedSHA := sha256.Sum256(body)
	computedSHAHex := hex.EncodeToString(computedSHA[:])
	if len(bodySHA) != len(computedSHAHex) || !constantTimeEqualString(strings.ToLower(bodySHA), computedSHAHex) {
		return 0, fail(ReasonBodyHashMismatch)
	}

	digest := computeDigest(secret, t, body)
	v1Bytes, err := hex.DecodeString(strings.ToLower(v1))
	if err != nil {
		return 0, fail(ReasonInvalidFormat)
	}
	if subtle.ConstantTimeCompare(digest, v1Bytes) != 1 {
		return 0, fail(ReasonSignatureMismatch)
	}

	return t, nil
}

// Sign produces the "t=...,v1=..." header value for body signed with secret
// at timestamp ts. Used both by test vectors and to sign outbound 402
// envelopes.
func Sign(secret []byte, body []byte, ts int64) string {
	digest := computeDigest(secret, ts, body)
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + hex.EncodeToString(digest)
}

// BodySHA256 returns the lowercase hex SHA-256 of body, for populating the
// x-f402-body-sha header on outbound requests/tests.
func BodySHA256(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func computeDigest(secret []byte, ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

func parseSignatureHeader(raw string) (int64, string, error) {
	var t int64
	var v1 string
	var haveT, haveV1 bool

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		switch key {
		case "t":
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return 0, "", errors.New("invalid t")
			}
			t = n
			haveT = true
		case "v1":
			v1 = val
			haveV1 = true
		}
	}

	if !haveT || !haveV1 || v1 == "" {
		return 0, "", errors.New("missing t or v1")
	}
	return t, v1, nil
}

func constantTimeEqualString(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
