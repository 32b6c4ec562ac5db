package credential

import (
	"strings"
	"testing"

	"github.com/signalbeam/edge/internal/randsrc"
)

func TestGenerateSecret_Shape(t *testing.T) {
	src := &randsrc.Fixed{Stream: []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04, 0x05}}

	prefix, secret, err := generateSecret(src)
	if err != nil {
		t.Fatalf("generateSecret() error = %v", err)
	}
	if prefix != "deadbeef" {
		t.Errorf("prefix = %q, want %q", prefix, "deadbeef")
	}
	if len(secret) < 22 {
		t.Errorf("secret length = %d, want >= 22", len(secret))
	}
	if strings.ContainsAny(secret, "+/=") {
		t.Errorf("secret %q is not base64url (raw, unpadded)", secret)
	}
}

func TestRegistrationTokenPlaintext_Shape(t *testing.T) {
	token := registrationTokenPlaintext("deadbeef", "abc123")
	prefix, secret, ok := splitRegistrationToken(token)
	if !ok {
		t.Fatalf("splitRegistrationToken(%q) failed to parse", token)
	}
	if prefix != "deadbeef" || secret != "abc123" {
		t.Errorf("got (%q, %q), want (%q, %q)", prefix, secret, "deadbeef", "abc123")
	}
	if !strings.HasPrefix(token, "sbt_") {
		t.Errorf("token %q missing sbt_ tag", token)
	}
}

func TestDeviceAPIKeyPlaintext_Shape(t *testing.T) {
	token := deviceAPIKeyPlaintext("deadbeef", "abc123")
	if token != "sb_device_deadbeef_abc123" {
		t.Errorf("deviceAPIKeyPlaintext() = %q, want %q", token, "sb_device_deadbeef_abc123")
	}
}

func TestSplitRegistrationToken_RejectsWrongTag(t *testing.T) {
	if _, _, ok := splitRegistrationToken("sb_device_deadbeef_abc123"); ok {
		t.Error("splitRegistrationToken() accepted a device API key")
	}
}

func TestSplitRegistrationToken_RejectsMalformed(t *testing.T) {
	cases := []string{"sbt_", "sbt_noseparator", "", "sbt_deadbeef_"}
	for _, c := range cases {
		if _, _, ok := splitRegistrationToken(c); ok {
			t.Errorf("splitRegistrationToken(%q) unexpectedly succeeded", c)
		}
	}
}

func TestSplitToken_LastUnderscore(t *testing.T) {
	head, secret, ok := splitToken("deadbeef_has_underscores_tail")
	if !ok {
		t.Fatal("splitToken() failed")
	}
	if head != "deadbeef_has_underscores" || secret != "tail" {
		t.Errorf("got (%q, %q)", head, secret)
	}
}

func TestHashSecret_RoundTrips(t *testing.T) {
	hash, err := hashSecret("s3cret")
	if err != nil {
		t.Fatalf("hashSecret() error = %v", err)
	}
	if !verifySecret(hash, "s3cret") {
		t.Error("verifySecret() = false for the correct secret")
	}
	if verifySecret(hash, "wrong") {
		t.Error("verifySecret() = true for an incorrect secret")
	}
}
