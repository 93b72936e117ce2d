// ABOUTME: HMAC-SHA256 verification of point-of-sale webhook notifications
// ABOUTME: The signed payload is the notification URL followed by the raw body
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"

	cerrors "github.com/harperreed/contactsync/errors"
)

// SquareSignatureHeader carries the notification signature.
const SquareSignatureHeader = "X-Square-Hmacsha256-Signature"

// Verifier checks that a request came from its source.
type Verifier interface {
	Verify(header http.Header, body []byte) error
}

// SquareVerifier verifies Square's webhook signature scheme.
type SquareVerifier struct {
	Key string
	// URL is the notification URL exactly as registered with Square.
	URL string
}

// Sign computes the signature Square sends for body.
func Sign(key, url string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(url))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify compares the header signature in constant time.
func (v SquareVerifier) Verify(header http.Header, body []byte) error {
	got := header.Get(SquareSignatureHeader)
	if got == "" {
		return fmt.Errorf("%w: missing %s header", cerrors.ErrSignatureInvalid, SquareSignatureHeader)
	}
	want := Sign(v.Key, v.URL, body)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return fmt.Errorf("%w: signature mismatch", cerrors.ErrSignatureInvalid)
	}
	return nil
}

// Unverified accepts every request. It is used when no signature key is configured.
type Unverified struct{}

// Verify always succeeds.
func (Unverified) Verify(http.Header, []byte) error { return nil }
