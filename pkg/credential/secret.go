// Package credential implements the Credential Store (spec component C1):
// registration-token issue and redemption, device API key minting and
// validation, and the auth audit ledger writes that accompany each outcome.
package credential

import (
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/signalbeam/edge/internal/randsrc"
)

// bcryptCost is the KDF work factor; the spec requires cost >= 12.
const bcryptCost = 12

// secretBytes is the number of random bytes in a minted secret, giving a
// base64url-encoded secret well over the spec's 22-character floor.
const secretBytes = 20

// generateSecret returns a prefix (8 lowercase hex chars) and a base64url
// secret, both sourced from src.
func generateSecret(src randsrc.Source) (prefix, secret string, err error) {
	prefixBytes, err := src.Bytes(4)
	if err != nil {
		return "", "", fmt.Errorf("generating prefix: %w", err)
	}
	prefix = strings.ToLower(fmt.Sprintf("%x", prefixBytes))

	secretRaw, err := src.Bytes(secretBytes)
	if err != nil {
		return "", "", fmt.Errorf("generating secret: %w", err)
	}
	secret = base64.RawURLEncoding.EncodeToString(secretRaw)

	return prefix, secret, nil
}

// hashSecret hashes a plaintext secret with bcrypt at the spec's minimum
// work factor.
func hashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return string(h), nil
}

// verifySecret reports whether secret matches hash.
func verifySecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// splitToken splits a token of shape "<tag>_<prefix>_<secret>" (registration
// tokens have the tag "sbt"; device API keys have the two-part tag
// "sb_device") on the
// LAST underscore, per spec §4.1 step 1 ("split on the last _").
func splitToken(token string) (head, secret string, ok bool) {
	idx := strings.LastIndex(token, "_")
	if idx < 0 || idx == len(token)-1 {
		return "", "", false
	}
	return token[:idx], token[idx+1:], true
}

// registrationTokenPlaintext builds the bit-exact registration token shape:
// sbt_<8 lower-hex>_<secret>.
func registrationTokenPlaintext(prefix, secret string) string {
	return fmt.Sprintf("sbt_%s_%s", prefix, secret)
}

// deviceAPIKeyPlaintext builds the bit-exact device API key shape:
// sb_device_<8 lower-hex>_<secret>.
func deviceAPIKeyPlaintext(prefix, secret string) string {
	return fmt.Sprintf("sb_device_%s_%s", prefix, secret)
}

// splitRegistrationToken extracts (prefix, secret) from a registration token
// plaintext of shape sbt_<prefix>_<secret>.
func splitRegistrationToken(token string) (prefix, secret string, ok bool) {
	const tagPrefix = "sbt_"
	if !strings.HasPrefix(token, tagPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(token, tagPrefix)
	head, secret, ok := splitToken(rest)
	return head, secret, ok
}
