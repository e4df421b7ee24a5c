package signing

import (
	"testing"
	"time"
)

func TestVerifyRoundTrip(t *testing.T) {
	secret := []byte("demo-signing-secret")
	body := []byte(`{"amount_credits":5,"ref":"demo-ref","userId":"9c0383a1-0887-4c0f-98ca-cb71ffc4e76c"}`)
	ts := int64(1729200000)

	sig := Sign(secret, body, ts)
	h := Headers{Signature: sig, BodySHA: BodySHA256(body)}

	if _, err := Verify(h, secret, body, time.Unix(ts, 0), 300*time.Second); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
}

func TestVerifyTimestampOutOfWindow(t *testing.T) {
	secret := []byte("demo-signing-secret")
	body := []byte(`{"a":1}`)
	ts := int64(1729200000)

	sig := Sign(secret, body, ts)
	h := Headers{Signature: sig, BodySHA: BodySHA256(body)}

	_, err := Verify(h, secret, body, time.Unix(ts+301, 0), 300*time.Second)
	if reason, ok := AsReason(err); !ok || reason != ReasonTimestampSkew {
		t.Fatalf("expected timestamp_out_of_window, got %v", err)
	}
}

func TestVerifyBodyTampered(t *testing.T) {
	secret := []byte("demo-signing-secret")
	body := []byte(`{"a":1}`)
	ts := int64(1729200000)

	sig := Sign(secret, body, ts)
	h := Headers{Signature: sig, BodySHA: BodySHA256(body)}

	tampered := []byte(`{"a":2}`)
	_, err := Verify(h, secret, tampered, time.Unix(ts, 0), 300*time.Second)
	if reason, ok := AsReason(err); !ok || reason != ReasonBodyHashMismatch {
		t.Fatalf("expected body_hash_mismatch, got %v", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	body := []byte(`{"a":1}`)
	ts := int64(1729200000)
	sig := Sign([]byte("secret-a"), body, ts)
	h := Headers{Signature: sig, BodySHA: BodySHA256(body)}

	_, err := Verify(h, []byte("secret-b"), body, time.Unix(ts, 0), 300*time.Second)
	if reason, ok := AsReason(err); !ok || reason != ReasonSignatureMismatch {
		t.Fatalf("expected signature_mismatch, got %v", err)
	}
}

func TestVerifyMissingHeader(t *testing.T) {
	_, err := Verify(Headers{}, []byte("s"), []byte("b"), time.Now(), 300*time.Second)
	if reason, ok := AsReason(err); !ok || reason != ReasonMissingHeader {
		t.Fatalf("expected missing_signature_header, got %v", err)
	}
}

func TestVerifyMalformedHeader(t *testing.T) {
	h := Headers{Signature: "garbage", BodySHA: BodySHA256([]byte("b"))}
	_, err := Verify(h, []byte("s"), []byte("b"), time.Now(), 300*time.Second)
	if reason, ok := AsReason(err); !ok || reason != ReasonInvalidFormat {
		t.Fatalf("expected invalid_signature_format, got %v", err)
	}
}

func TestVerifyConcreteVector(t *testing.T) {
	secret := []byte("demo-signing-secret")
	body := []byte(`{"amount_credits":5,"ref":"demo-ref","userId":"9c0383a1-0887-4c0f-98ca-cb71ffc4e76c"}`)
	ts := int64(1729200000)

	bodySHA := BodySHA256(body)
	sig := Sign(secret, body, ts)
	h := Headers{Signature: sig, BodySHA: bodySHA}

	if _, err := Verify(h, secret, body, time.Unix(ts, 0), 300*time.Second); err != nil {
		t.Fatalf("vector should verify ok: %v", err)
	}
	if _, err := Verify(h, secret, body, time.Unix(ts+301, 0), 300*time.Second); err == nil {
		t.Fatalf("vector should be out of window at t+301")
	}
}
