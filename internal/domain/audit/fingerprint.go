package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
)

// MinSecretLen is the minimum length of the fingerprint salt in bytes.
const MinSecretLen = 32

// ErrWeakSecret is returned when the audit secret is too short.
var ErrWeakSecret = errors.New("audit secret must be at least 32 bytes")

var (
	lineCommentPattern  = regexp.MustCompile(`--[^\n]*`)
	hashCommentPattern  = regexp.MustCompile(`#[^\n]*`)
	blockCommentPattern = regexp.MustCompile(`(?s)/\*.*?\*/`)
	stringLiteralPattern = regexp.MustCompile(`'(?:[^']|'')*'`)
	numberPattern        = regexp.MustCompile(`\b\d+(?:\.\d+)?\b`)
	whitespacePattern    = regexp.MustCompile(`\s+`)
)

// Fingerprinter computes deterministic, salted fingerprints of SQL query
// shapes. Equal canonical shapes produce equal fingerprints within one
// process; the salt rotates per process, so fingerprints are comparable
// across requests but not reversible or comparable across deployments.
type Fingerprinter struct {
	secret []byte
}

// NewFingerprinter creates a fingerprinter with the given salt.
// The salt must be at least MinSecretLen bytes.
func NewFingerprinter(secret []byte) (*Fingerprinter, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrWeakSecret
	}
	copied := make([]byte, len(secret))
	copy(copied, secret)
	return &Fingerprinter{secret: copied}, nil
}

// Fingerprint returns the hex-encoded HMAC-SHA256 of the canonicalized query
// shape.
func (f *Fingerprinter) Fingerprint(query string) string {
	mac := hmac.New(sha256.New, f.secret)
	mac.Write([]byte(CanonicalShape(query)))
	return hex.EncodeToString(mac.Sum(nil))
}

// CanonicalShape reduces a query to its shape: comments stripped, string and
// numeric literals replaced with placeholders, everything lowercased, and
// whitespace collapsed. Literal replacement keeps parameter values out of the
// fingerprint input entirely.
func CanonicalShape(query string) string {
	s := blockCommentPattern.ReplaceAllString(query, " ")
	s = lineCommentPattern.ReplaceAllString(s, " ")
	s = hashCommentPattern.ReplaceAllString(s, " ")
	s = stringLiteralPattern.ReplaceAllString(s, "?")
	s = numberPattern.ReplaceAllString(s, "?")
	s = strings.ToLower(s)
	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
