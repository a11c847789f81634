package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/dukex/orchestra/pkg/models"
)

const signaturePrefix = "sha256="

// HeaderFunc looks up a request header by name.
type HeaderFunc func(name string) string

// Authenticate checks an inbound request against the subscription's auth settings.
func Authenticate(auth models.WebhookAuth, header HeaderFunc, body []byte) error {
	switch auth.Type {
	case "", models.AuthNone:
		return nil
	case models.AuthHeader:
		if !equal(header(auth.SignatureHeader()), auth.Secret) {
			return fmt.Errorf("%w: shared secret mismatch", ErrUnauthorized)
		}
	case models.AuthBearer:
		token, ok := strings.CutPrefix(header("Authorization"), "Bearer ")
		if !ok || !equal(token, auth.Token) {
			return fmt.Errorf("%w: invalid bearer token", ErrUnauthorized)
		}
	case models.AuthHMAC:
		given := strings.TrimPrefix(header(auth.SignatureHeader()), signaturePrefix)
		if given == "" || !equal(given, hexMAC(auth.Secret, body)) {
			return fmt.Errorf("%w: signature mismatch", ErrUnauthorized)
		}
	default:
		return fmt.Errorf("%w: unknown auth type %q", ErrUnauthorized, auth.Type)
	}

	return nil
}

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	return signaturePrefix + hexMAC(secret, body)
}

func hexMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
