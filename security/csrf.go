package security

import (
	"crypto/subtle"
	"errors"
)

const (
	// AntiForgeryTokenBytes is the entropy of a per-session anti-forgery token
	AntiForgeryTokenBytes = 32

	// AntiForgeryHeader carries the anti-forgery token on action requests
	AntiForgeryHeader = "X-CSRF-Token"

	// AntiForgeryField is the form field alternative to AntiForgeryHeader
	AntiForgeryField = "csrf_token"
)

// ErrAntiForgeryTokenInvalid is returned when an action request carries a missing or
// mismatched anti-forgery token
var ErrAntiForgeryTokenInvalid = errors.New("anti-forgery token invalid")

// GenerateAntiForgeryToken mints a new per-session anti-forgery token
func GenerateAntiForgeryToken() string {
	return GenerateToken(AntiForgeryTokenBytes)
}

// ValidateAntiForgeryToken compares the presented token against the session's token
// in constant time. An empty expected token never validates.
func ValidateAntiForgeryToken(expected, presented string) error {
	if expected == "" || presented == "" {
		return ErrAntiForgeryTokenInvalid
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) != 1 {
		return ErrAntiForgeryTokenInvalid
	}
	return nil
}
